// Package kafkasink publishes permanent job failures to a Kafka topic.
package kafkasink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Shopify/sarama"
	"go.od2.network/jobgate/pkg/jobqueue"
)

// Sink writes one JSON message per failure, keyed by job ID.
type Sink struct {
	Producer sarama.SyncProducer
	Topic    string
}

// Assert Sink implements jobqueue.FailureSink.
var _ jobqueue.FailureSink = (*Sink)(nil)

// Publish sends the event synchronously.
func (s *Sink) Publish(_ context.Context, event *jobqueue.FailureEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, _, err = s.Producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.Topic,
		Key:   sarama.StringEncoder(event.Queue + "/" + event.JobID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("queue"), Value: []byte(event.Queue)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to produce failure event: %w", err)
	}
	return nil
}
