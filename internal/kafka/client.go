package kafka

import (
	"context"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rzzdr/assignment-risk-engine/pkg/utils/errors"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/logger"
)

// Config holds broker and topic settings
type Config struct {
	Brokers             []string      `mapstructure:"brokers"`
	EventsTopic         string        `mapstructure:"events_topic"`
	ProposalsTopic      string        `mapstructure:"proposals_topic"`
	RegistrationsTopic  string        `mapstructure:"registrations_topic"`
	GroupID             string        `mapstructure:"group_id"`
	RequiredAcks        int           `mapstructure:"required_acks"`
	BatchTimeout        time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	AllowTopicCreation  bool          `mapstructure:"allow_topic_creation"`
	ConsumerMaxWait     time.Duration `mapstructure:"consumer_max_wait"`
	ConsumerStartOldest bool          `mapstructure:"consumer_start_oldest"`
}

// DefaultConfig returns a configuration for a local broker
func DefaultConfig() Config {
	return Config{
		Brokers:            []string{"localhost:9092"},
		EventsTopic:        "risk-engine.events",
		ProposalsTopic:     "risk-engine.proposals",
		RegistrationsTopic: "risk-engine.registrations",
		GroupID:            "risk-engine",
		RequiredAcks:       int(kafka.RequireAll),
		BatchTimeout:       50 * time.Millisecond,
		WriteTimeout:       10 * time.Second,
		ConsumerMaxWait:    time.Second,
	}
}

// Message is a record read from or written to a topic
type Message struct {
	Key       []byte
	Value     []byte
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Headers   []MessageHeader
}

// MessageHeader is a record header
type MessageHeader struct {
	Key   string
	Value []byte
}

// Header returns the value of the named header
func (m *Message) Header(key string) (string, bool) {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value), true
		}
	}
	return "", false
}

// messageWriter is the part of kafka.Writer the producer uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// messageReader is the part of kafka.Reader the consumer uses
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Client creates producers and consumers sharing one configuration
type Client struct {
	config Config
	log    *logger.Logger
}

// NewClient validates the configuration and creates a client
func NewClient(config Config) (*Client, error) {
	brokers := make([]string, 0, len(config.Brokers))
	for _, b := range config.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.Config("kafka requires at least one broker")
	}
	config.Brokers = brokers

	defaults := DefaultConfig()
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = defaults.BatchTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.ConsumerMaxWait <= 0 {
		config.ConsumerMaxWait = defaults.ConsumerMaxWait
	}
	if config.GroupID == "" {
		config.GroupID = defaults.GroupID
	}

	return &Client{
		config: config,
		log:    logger.GetLogger("kafka.client"),
	}, nil
}

// Config returns the effective configuration
func (c *Client) Config() Config {
	return c.config
}

// NewProducer creates a producer for a topic. Messages with the same key land
// on the same partition, so per-position ordering is kept.
func (c *Client) NewProducer(topic string) (*Producer, error) {
	if topic == "" {
		return nil, errors.Config("kafka producer requires a topic")
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(c.config.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           c.config.BatchTimeout,
		WriteTimeout:           c.config.WriteTimeout,
		RequiredAcks:           kafka.RequiredAcks(c.config.RequiredAcks),
		AllowAutoTopicCreation: c.config.AllowTopicCreation,
	}

	c.log.Infow("Created producer", "topic", topic, "brokers", c.config.Brokers)
	return newProducer(w, topic, c.log), nil
}

// NewConsumer creates a group consumer for a topic
func (c *Client) NewConsumer(topic string) (*Consumer, error) {
	if topic == "" {
		return nil, errors.Config("kafka consumer requires a topic")
	}

	start := kafka.LastOffset
	if c.config.ConsumerStartOldest {
		start = kafka.FirstOffset
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.config.Brokers,
		GroupID:     c.config.GroupID,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    1 << 20,
		MaxWait:     c.config.ConsumerMaxWait,
		StartOffset: start,
	})

	c.log.Infow("Created consumer", "topic", topic, "group", c.config.GroupID)
	return newConsumer(r, topic, c.log), nil
}

func toHeaders(headers []MessageHeader) []kafka.Header {
	if len(headers) == 0 {
		return nil
	}
	out := make([]kafka.Header, len(headers))
	for i, h := range headers {
		out[i] = kafka.Header{Key: h.Key, Value: h.Value}
	}
	return out
}

func fromKafka(m kafka.Message) *Message {
	msg := &Message{
		Key:       m.Key,
		Value:     m.Value,
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Timestamp: m.Time,
	}
	if len(m.Headers) > 0 {
		msg.Headers = make([]MessageHeader, len(m.Headers))
		for i, h := range m.Headers {
			msg.Headers[i] = MessageHeader{Key: h.Key, Value: h.Value}
		}
	}
	return msg
}
