package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rzzdr/assignment-risk-engine/pkg/utils/errors"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/logger"
)

// Producer writes messages to one topic
type Producer struct {
	writer messageWriter
	topic  string
	log    *logger.Logger
}

func newProducer(w messageWriter, topic string, log *logger.Logger) *Producer {
	return &Producer{writer: w, topic: topic, log: log}
}

// Topic returns the topic the producer writes to
func (p *Producer) Topic() string {
	return p.topic
}

// ProduceMessage writes a message and waits for the broker acknowledgement
func (p *Producer) ProduceMessage(ctx context.Context, key []byte, value []byte, headers []MessageHeader) error {
	msg := kafka.Message{
		Key:     key,
		Value:   value,
		Headers: toHeaders(headers),
		Time:    time.Now(),
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Errorw("Failed to produce message", "topic", p.topic, "key", string(key), "error", err)
		return errors.Wrapf(err, "failed to produce message to %s", p.topic)
	}

	p.log.Debugw("Message produced", "topic", p.topic, "key", string(key), "bytes", len(value))
	return nil
}

// ProduceJSON produces a JSON-serialized message
func (p *Producer) ProduceJSON(ctx context.Context, key []byte, value interface{}, headers []MessageHeader) error {
	jsonValue, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "failed to serialize message to JSON")
	}

	allHeaders := append(append([]MessageHeader(nil), headers...),
		MessageHeader{Key: "content-type", Value: []byte("application/json")})
	return p.ProduceMessage(ctx, key, jsonValue, allHeaders)
}

// Close flushes buffered messages and closes the writer
func (p *Producer) Close() error {
	p.log.Infow("Closing producer", "topic", p.topic)
	if err := p.writer.Close(); err != nil {
		return errors.Wrapf(err, "failed to close producer for %s", p.topic)
	}
	return nil
}
