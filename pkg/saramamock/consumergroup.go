// Package saramamock provides fakes of sarama consumer group types.
package saramamock

import (
	"context"
	"sync"

	"github.com/Shopify/sarama"
)

// ConsumerGroupSession is a fake sarama.ConsumerGroupSession.
// It records marked offsets and commits.
type ConsumerGroupSession struct {
	MClaims       map[string][]int32
	MMemberID     string
	MContext      context.Context
	MGenerationID int32

	mu      sync.Mutex
	offsets map[string]map[int32]int64
	commits int
}

// Claims returns what's saved.
func (m *ConsumerGroupSession) Claims() map[string][]int32 {
	return m.MClaims
}

// MemberID returns what's saved.
func (m *ConsumerGroupSession) MemberID() string {
	return m.MMemberID
}

// GenerationID returns what's saved.
func (m *ConsumerGroupSession) GenerationID() int32 {
	return m.MGenerationID
}

// MarkOffset records the offset.
func (m *ConsumerGroupSession) MarkOffset(topic string, partition int32, offset int64, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offsets == nil {
		m.offsets = make(map[string]map[int32]int64)
	}
	if m.offsets[topic] == nil {
		m.offsets[topic] = make(map[int32]int64)
	}
	m.offsets[topic][partition] = offset
}

// Offset returns the last marked offset, or -1 if none.
func (m *ConsumerGroupSession) Offset(topic string, partition int32) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	offset, ok := m.offsets[topic][partition]
	if !ok {
		return -1
	}
	return offset
}

// Commit counts commits.
func (m *ConsumerGroupSession) Commit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits++
}

// Commits returns the number of Commit calls.
func (m *ConsumerGroupSession) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

// ResetOffset does nothing.
func (*ConsumerGroupSession) ResetOffset(_ string, _ int32, _ int64, _ string) {}

// MarkMessage marks the offset after the message.
func (m *ConsumerGroupSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	m.MarkOffset(msg.Topic, msg.Partition, msg.Offset+1, metadata)
}

// Context returns what's saved.
func (m *ConsumerGroupSession) Context() context.Context {
	return m.MContext
}

var _ sarama.ConsumerGroupSession = (*ConsumerGroupSession)(nil)

// ConsumerGroupClaim is a fake sarama.ConsumerGroupClaim.
type ConsumerGroupClaim struct {
	msgChan chan *sarama.ConsumerMessage

	// Saved values.
	MTopic               string
	MPartition           int32
	MInitialOffset       int64
	MHighWaterMarkOffset int64
}

// NewConsumerGroupClaim returns a claim that delivers msgs, then closes the channel.
// Topic, partition and offsets of msgs are filled in.
func NewConsumerGroupClaim(topic string, partition int32, msgs ...*sarama.ConsumerMessage) *ConsumerGroupClaim {
	c := &ConsumerGroupClaim{
		msgChan:    make(chan *sarama.ConsumerMessage, len(msgs)),
		MTopic:     topic,
		MPartition: partition,
	}
	for i, msg := range msgs {
		msg.Topic = topic
		msg.Partition = partition
		msg.Offset = int64(i)
		c.msgChan <- msg
	}
	c.MHighWaterMarkOffset = int64(len(msgs))
	close(c.msgChan)
	return c
}

// Topic returns the saved value.
func (c *ConsumerGroupClaim) Topic() string {
	return c.MTopic
}

// Partition returns the saved value.
func (c *ConsumerGroupClaim) Partition() int32 {
	return c.MPartition
}

// InitialOffset returns the saved value.
func (c *ConsumerGroupClaim) InitialOffset() int64 {
	return c.MInitialOffset
}

// HighWaterMarkOffset returns the saved offset.
func (c *ConsumerGroupClaim) HighWaterMarkOffset() int64 {
	return c.MHighWaterMarkOffset
}

// Messages returns the messages channel.
func (c *ConsumerGroupClaim) Messages() <-chan *sarama.ConsumerMessage {
	return c.msgChan
}

var _ sarama.ConsumerGroupClaim = (*ConsumerGroupClaim)(nil)
