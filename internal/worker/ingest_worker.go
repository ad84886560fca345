package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"docuchat/internal/app"
	"docuchat/internal/platform/rabbitmq"
)

// IngestWorker consumes ingestion jobs and runs the pipeline for each
// document. Jobs are acked on success and on permanent failures (the document
// is already marked failed); only transient conditions requeue.
type IngestWorker struct {
	conn      *amqp.Connection
	svc       *app.IngestService
	queueName string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewIngestWorker(conn *amqp.Connection, svc *app.IngestService, queueName string) *IngestWorker {
	return &IngestWorker{
		conn:      conn,
		svc:       svc,
		queueName: queueName,
	}
}

func (w *IngestWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}

	_, err = ch.QueueDeclare(
		w.queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("declare worker queue failed: %w", err)
	}

	// One document at a time; ingestion is heavy (network calls per batch).
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("set worker qos failed: %w", err)
	}

	deliveries, err := ch.Consume(
		w.queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				w.handle(workerCtx, d)
			}
		}
	}()

	return nil
}

func (w *IngestWorker) handle(ctx context.Context, d amqp.Delivery) {
	var job rabbitmq.IngestJob
	if err := json.Unmarshal(d.Body, &job); err != nil {
		log.Printf("worker decode ingest job failed: %v", err)
		_ = d.Nack(false, false)
		return
	}

	err := w.svc.Ingest(ctx, job.DocumentID)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, app.ErrIngestInProgress):
		// Another worker holds the lock; requeue so the job is not lost.
		_ = d.Nack(false, true)
	default:
		// The document is marked failed; redelivery would not help.
		log.Printf("worker ingest document %d failed: %v", job.DocumentID, err)
		_ = d.Ack(false)
	}
}

func (w *IngestWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
