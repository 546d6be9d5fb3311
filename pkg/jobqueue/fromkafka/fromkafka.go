// Package fromkafka submits jobs consumed from a Kafka topic.
package fromkafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Shopify/sarama"
	"github.com/cenkalti/backoff/v4"
	"go.od2.network/jobgate/pkg/jobqueue"
	"go.uber.org/zap"
)

// Worker moves messages from Kafka onto a job queue.
//
// The message value is the JSON job payload, the message key (if any) is the dedup key.
// Offsets are committed only after all jobs of a batch were accepted by the queue,
// so an outage of the job store pauses consumption instead of losing messages.
type Worker struct {
	// Required components
	Queue *jobqueue.Queue
	Log   *zap.Logger
	// Required config
	QueueName string
	MaxDelay  time.Duration
	BatchSize uint
	// Optional config
	RetryTimeout time.Duration // max time to retry an unavailable store per batch
}

// Setup is no-op.
func (w *Worker) Setup(_ sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup is no-op.
func (w *Worker) Cleanup(_ sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim runs the worker.
func (w *Worker) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		ok, err := w.nextBatch(session, claim)
		if err != nil {
			return err
		}
		if !ok {
			return nil // session closed
		}
	}
}

func (w *Worker) nextBatch(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) (bool, error) {
	timer := time.NewTimer(w.MaxDelay)
	defer timer.Stop()
	// Read message batch from Kafka.
	var batch []*sarama.ConsumerMessage
	open := true
readLoop:
	for i := uint(0); i < w.BatchSize; i++ {
		select {
		case <-timer.C:
			break readLoop
		case msg, ok := <-claim.Messages():
			if !ok {
				open = false
				break readLoop
			}
			batch = append(batch, msg)
		}
	}
	if len(batch) == 0 {
		return open, nil
	}
	// Write job batch to the queue.
	ctx := session.Context()
	for _, msg := range batch {
		if err := w.submit(ctx, msg); err != nil {
			return false, err
		}
	}
	// Tell Kafka about consumer progress.
	last := batch[len(batch)-1]
	session.MarkOffset(claim.Topic(), claim.Partition(), last.Offset+1, "")
	session.Commit()
	return open, nil
}

func (w *Worker) submit(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if !json.Valid(msg.Value) {
		w.Log.Warn("Skipping invalid JSON payload from Kafka",
			zap.String("kafka.topic", msg.Topic),
			zap.Int32("kafka.partition", msg.Partition),
			zap.Int64("kafka.offset", msg.Offset))
		return nil
	}
	var opts []jobqueue.Option
	if len(msg.Key) > 0 {
		opts = append(opts, jobqueue.WithDedupKey(string(msg.Key)))
	}
	exp := backoff.NewExponentialBackOff()
	exp.MaxElapsedTime = w.RetryTimeout
	if exp.MaxElapsedTime <= 0 {
		exp.MaxElapsedTime = time.Minute
	}
	return backoff.Retry(func() error {
		_, err := w.Queue.Enqueue(ctx, w.QueueName, json.RawMessage(msg.Value), opts...)
		if err == nil {
			return nil
		}
		if !jobqueue.IsUnavailable(err) {
			return backoff.Permanent(fmt.Errorf("failed to submit Kafka message at offset %d: %w", msg.Offset, err))
		}
		return err
	}, backoff.WithContext(exp, ctx))
}
