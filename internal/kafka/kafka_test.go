package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzzdr/assignment-risk-engine/internal/engine"
	"github.com/rzzdr/assignment-risk-engine/internal/events"
	"github.com/rzzdr/assignment-risk-engine/pkg/models"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/errors"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/logger"
)

func init() {
	logger.UseNop()
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

type fakeReader struct {
	msgs      chan kafka.Message
	mu        sync.Mutex
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-r.msgs:
		return m, nil
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{Brokers: []string{" ", ""}})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	c, err := NewClient(Config{Brokers: []string{" broker:9092 "}})
	require.NoError(t, err)
	assert.Equal(t, []string{"broker:9092"}, c.Config().Brokers)
	assert.Equal(t, "risk-engine", c.Config().GroupID)

	_, err = c.NewProducer("")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestProducer_ProduceJSON(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, "events", logger.GetLogger("test"))

	require.NoError(t, p.ProduceJSON(context.Background(), []byte("k"), map[string]int{"a": 1},
		[]MessageHeader{{Key: "event", Value: []byte("risk_alert")}}))

	msgs := w.written()
	require.Len(t, msgs, 1)
	assert.Equal(t, "k", string(msgs[0].Key))
	assert.JSONEq(t, `{"a":1}`, string(msgs[0].Value))
	assert.Equal(t, "risk_alert", header(msgs[0], "event"))
	assert.Equal(t, "application/json", header(msgs[0], "content-type"))

	w.err = errors.New("broker down")
	assert.Error(t, p.ProduceMessage(context.Background(), nil, []byte("x"), nil))

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestEventKey(t *testing.T) {
	tests := []struct {
		payload any
		want    string
	}{
		{models.Alert{PositionID: "p1"}, "p1"},
		{&models.Alert{PositionID: "p2"}, "p2"},
		{events.ActionOutcome{PositionID: "p3"}, "p3"},
		{events.AdvisoryOutcome{PositionID: "p4"}, "p4"},
		{models.PositionSummary{ID: "p5"}, "p5"},
		{models.RiskReport{}, portfolioKey},
		{events.CriticalPositions{}, portfolioKey},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EventKey(events.Envelope{Payload: tt.payload}))
	}
}

func TestEventPublisher_Run(t *testing.T) {
	w := &fakeWriter{}
	pub := NewEventPublisher(newProducer(w, "events", logger.GetLogger("test")))

	ch := make(chan events.Envelope, 2)
	ch <- events.Envelope{Name: events.RiskAlert, Payload: models.Alert{ID: "a1", PositionID: "p1"}, At: time.Now()}
	ch <- events.Envelope{Name: events.RiskReportGenerated, Payload: models.RiskReport{}, At: time.Now()}
	close(ch)

	pub.Run(context.Background(), ch)

	msgs := w.written()
	require.Len(t, msgs, 2)
	assert.Equal(t, "p1", string(msgs[0].Key))
	assert.Equal(t, string(events.RiskAlert), header(msgs[0], "event"))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Value, &decoded))
	assert.Equal(t, "risk_alert", decoded["event"])
	assert.Equal(t, "a1", decoded["payload"].(map[string]any)["id"])

	assert.Equal(t, portfolioKey, string(msgs[1].Key))
}

func TestExecutionPublisher_Submit(t *testing.T) {
	w := &fakeWriter{}
	sink := NewExecutionPublisher(newProducer(w, "proposals", logger.GetLogger("test")))

	err := sink.Submit(context.Background(), engine.Proposal{
		ID: "x1", PositionID: "p1", Symbol: "AAPL", Action: models.ActionRollOut, Source: events.SourceAuto,
	})
	require.NoError(t, err)

	msgs := w.written()
	require.Len(t, msgs, 1)
	assert.Equal(t, "p1", string(msgs[0].Key))
	assert.Equal(t, "ROLL_OUT", header(msgs[0], "action"))
	assert.Equal(t, "auto", header(msgs[0], "source"))
}

type fakeRegistrar struct {
	mu           sync.Mutex
	registered   []engine.PositionSpec
	deregistered []string
}

func (f *fakeRegistrar) RegisterPosition(_ context.Context, spec engine.PositionSpec) (*models.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if spec.Symbol == "" {
		return nil, errors.InvalidArgument("symbol is required")
	}
	f.registered = append(f.registered, spec)
	return &models.Position{ID: spec.ID, Symbol: spec.Symbol}, nil
}

func (f *fakeRegistrar) DeregisterPosition(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered = append(f.deregistered, id)
	return nil
}

func TestRegistrationHandler(t *testing.T) {
	reg := &fakeRegistrar{}
	handle := RegistrationHandler(reg)
	ctx := context.Background()

	require.NoError(t, handle(ctx, &Message{
		Key:   []byte("p1"),
		Value: []byte(`{"symbol":"AAPL","strategy":"COVERED_CALL","strike":100,"expiry":"2026-12-18T21:00:00Z"}`),
	}))
	require.Len(t, reg.registered, 1)
	assert.Equal(t, "p1", reg.registered[0].ID)
	assert.Equal(t, 100.0, reg.registered[0].Strike)

	require.NoError(t, handle(ctx, &Message{
		Key:     []byte("p1"),
		Headers: []MessageHeader{{Key: "op", Value: []byte("DEREGISTER")}},
	}))
	assert.Equal(t, []string{"p1"}, reg.deregistered)

	assert.True(t, errors.IsType(handle(ctx, &Message{Value: []byte(`{`)}), errors.ErrorTypeInvalidArgument))
	assert.True(t, errors.IsType(handle(ctx, &Message{Value: []byte(`{}`)}), errors.ErrorTypeInvalidArgument))
	assert.True(t, errors.IsType(handle(ctx, &Message{
		Headers: []MessageHeader{{Key: "op", Value: []byte("deregister")}},
	}), errors.ErrorTypeInvalidArgument))
	assert.True(t, errors.IsType(handle(ctx, &Message{
		Headers: []MessageHeader{{Key: "op", Value: []byte("purge")}},
	}), errors.ErrorTypeInvalidArgument))
}

func TestConsumer_CommitsAndStops(t *testing.T) {
	r := &fakeReader{msgs: make(chan kafka.Message, 3)}
	c := newConsumer(r, "registrations", logger.GetLogger("test"))

	var mu sync.Mutex
	var seen []string
	handler := func(_ context.Context, msg *Message) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, string(msg.Key))
		if string(msg.Key) == "bad" {
			return errors.New("handler failed")
		}
		return nil
	}

	require.NoError(t, c.ConsumeMessages(context.Background(), handler))
	assert.True(t, errors.IsType(c.ConsumeMessages(context.Background(), handler), errors.ErrorTypeAlreadyExists))

	r.msgs <- kafka.Message{Key: []byte("a"), Offset: 1}
	r.msgs <- kafka.Message{Key: []byte("bad"), Offset: 2}
	r.msgs <- kafka.Message{Key: []byte("b"), Offset: 3}

	require.Eventually(t, func() bool { return r.commits() == 3 }, time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "bad", "b"}, seen)
}
