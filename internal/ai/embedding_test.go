package ai

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmbeddingServer answers /embeddings with one vector per input text.
// Each vector encodes the text's numeric suffix so callers can verify order.
func fakeEmbeddingServer(t *testing.T, calls *[][]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embeddings", r.URL.Path)

		var req struct {
			Model string      `json:"model"`
			Input interface{} `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var texts []string
		switch in := req.Input.(type) {
		case string:
			texts = []string{in}
		case []interface{}:
			for _, v := range in {
				texts = append(texts, v.(string))
			}
		}
		*calls = append(*calls, texts)

		type item struct {
			Embedding []float32 `json:"embedding"`
		}
		data := make([]item, len(texts))
		for i, text := range texts {
			if strings.Contains(text, "boom") {
				http.Error(w, "backend exploded", http.StatusInternalServerError)
				return
			}
			n, _ := strconv.Atoi(strings.TrimPrefix(text, "text-"))
			data[i] = item{Embedding: []float32{float32(n), 1}}
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	}))
}

func TestEmbedSingle(t *testing.T) {
	var calls [][]string
	srv := fakeEmbeddingServer(t, &calls)
	defer srv.Close()

	client := NewOpenAICompatibleClient()
	cfg := EmbeddingConfig{BaseURL: srv.URL, Model: "test-embed", Dimensions: 2}

	vec, err := client.Embed(t.Context(), cfg, "text-7")
	require.NoError(t, err)
	assert.Equal(t, []float32{7, 1}, vec)
	assert.Len(t, calls, 1)
}

func TestEmbedRejectsEmptyInput(t *testing.T) {
	client := NewOpenAICompatibleClient()
	_, err := client.Embed(t.Context(), EmbeddingConfig{BaseURL: "http://unused"}, "   ")
	assert.Error(t, err)
}

func TestEmbedBatchesPartitionsAndPreservesOrder(t *testing.T) {
	var calls [][]string
	srv := fakeEmbeddingServer(t, &calls)
	defer srv.Close()

	client := NewOpenAICompatibleClient()
	cfg := EmbeddingConfig{BaseURL: srv.URL, Model: "test-embed"}

	texts := make([]string, 8)
	for i := range texts {
		texts[i] = fmt.Sprintf("text-%d", i)
	}

	vectors, err := client.EmbedBatches(t.Context(), cfg, texts, 3)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))

	// 8 inputs at batch size 3 -> groups of 3, 3, 2.
	require.Len(t, calls, 3)
	assert.Len(t, calls[0], 3)
	assert.Len(t, calls[1], 3)
	assert.Len(t, calls[2], 2)

	for i, vec := range vectors {
		assert.Equal(t, float32(i), vec[0], "vector %d out of order", i)
	}
}

func TestEmbedBatchesFailsWholeCallOnGroupError(t *testing.T) {
	var calls [][]string
	srv := fakeEmbeddingServer(t, &calls)
	defer srv.Close()

	client := NewOpenAICompatibleClient()
	cfg := EmbeddingConfig{BaseURL: srv.URL, Model: "test-embed"}

	// Second group fails; no partial results may escape.
	texts := []string{"text-0", "text-1", "boom", "text-3"}
	vectors, err := client.EmbedBatches(t.Context(), cfg, texts, 2)
	assert.Error(t, err)
	assert.Nil(t, vectors)
}

func TestEmbedBatchCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// One vector for two inputs.
		_, _ = w.Write([]byte(`{"data":[{"embedding":[1,2]}]}`))
	}))
	defer srv.Close()

	client := NewOpenAICompatibleClient()
	_, err := client.EmbedBatch(t.Context(), EmbeddingConfig{BaseURL: srv.URL}, []string{"a", "b"})
	assert.ErrorContains(t, err, "mismatch")
}
