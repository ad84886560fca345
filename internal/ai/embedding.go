package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// EmbeddingConfig holds API settings for text embedding (OpenAI-compatible).
// Dimensions, when positive, is forwarded so the backend returns vectors of
// that fixed length; all calls against one config share a dimensionality.
type EmbeddingConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
}

// Embed returns the embedding vector for a single text.
func (c *OpenAICompatibleClient) Embed(ctx context.Context, cfg EmbeddingConfig, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("embedding input is empty")
	}

	vectors, err := c.requestEmbeddings(ctx, cfg, text, 30*time.Second)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("empty embedding in response")
	}
	return vectors[0], nil
}

// EmbedBatch embeds up to one provider call's worth of texts. Output order
// matches input order.
func (c *OpenAICompatibleClient) EmbedBatch(ctx context.Context, cfg EmbeddingConfig, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors, err := c.requestEmbeddings(ctx, cfg, texts, 60*time.Second)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: sent %d texts, got %d vectors", len(texts), len(vectors))
	}
	return vectors, nil
}

// EmbedBatches partitions texts into consecutive groups of at most batchSize
// and issues one provider call per group, sequentially, concatenating results
// in order. A failure on any group fails the whole call; there is no partial
// success.
func (c *OpenAICompatibleClient) EmbedBatches(ctx context.Context, cfg EmbeddingConfig, texts []string, batchSize int) ([][]float32, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	all := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += batchSize {
		end := i + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := c.EmbedBatch(ctx, cfg, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch starting at %d failed: %w", i, err)
		}
		all = append(all, vectors...)
	}
	return all, nil
}

// requestEmbeddings posts a single /embeddings call. input is either a string
// or a []string, matching the OpenAI wire format.
func (c *OpenAICompatibleClient) requestEmbeddings(ctx context.Context, cfg EmbeddingConfig, input interface{}, timeout time.Duration) ([][]float32, error) {
	reqBody := map[string]interface{}{
		"model": cfg.Model,
		"input": input,
	}
	if cfg.Dimensions > 0 {
		reqBody["dimensions"] = cfg.Dimensions
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request failed: %w", err)
	}

	url := strings.TrimRight(cfg.BaseURL, "/") + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("build embedding request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)

	client := c.httpClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("embedding response status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse embedding json failed: %w", err)
	}

	vectors := make([][]float32, len(parsed.Data))
	for i := range parsed.Data {
		vectors[i] = parsed.Data[i].Embedding
	}
	return vectors, nil
}
