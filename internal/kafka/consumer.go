package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/rzzdr/assignment-risk-engine/pkg/utils/errors"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/logger"
)

// MessageHandler processes one message. A returned error is logged and the
// message is still committed; handlers own their retry policy.
type MessageHandler func(ctx context.Context, msg *Message) error

// Consumer reads a topic as part of a consumer group
type Consumer struct {
	reader messageReader
	topic  string
	log    *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newConsumer(r messageReader, topic string, log *logger.Logger) *Consumer {
	return &Consumer{reader: r, topic: topic, log: log}
}

// ConsumeMessages starts a goroutine passing messages to handler until ctx
// is cancelled or Close is called
func (c *Consumer) ConsumeMessages(ctx context.Context, handler MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return errors.AlreadyExists("consumer already running for " + c.topic)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.loop(ctx, handler, c.done)
	c.log.Infow("Started consumer", "topic", c.topic)
	return nil
}

func (c *Consumer) loop(ctx context.Context, handler MessageHandler, done chan struct{}) {
	defer close(done)

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			c.log.Warnw("Failed to fetch message", "topic", c.topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		msg := fromKafka(m)
		if err := handler(ctx, msg); err != nil {
			c.log.Warnw("Message handler failed",
				"topic", c.topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err)
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.log.Warnw("Failed to commit message", "topic", c.topic, "offset", m.Offset, "error", err)
		}
	}
}

// Close stops the consume loop and closes the reader
func (c *Consumer) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	c.log.Infow("Closing consumer", "topic", c.topic)
	if err := c.reader.Close(); err != nil {
		return errors.Wrapf(err, "failed to close consumer for %s", c.topic)
	}
	return nil
}
