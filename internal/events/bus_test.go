package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rzzdr/assignment-risk-engine/pkg/utils/logger"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	alerts, unsub := bus.Subscribe(RiskAlert, 4)
	defer unsub()
	all, unsubAll := bus.SubscribeAll(4)
	defer unsubAll()

	bus.Publish(RiskAlert, "a1")
	bus.Publish(PositionClosed, "p1")

	env := <-alerts
	assert.Equal(t, RiskAlert, env.Name)
	assert.Equal(t, "a1", env.Payload)
	assert.False(t, env.At.IsZero())
	assert.Empty(t, alerts)

	first, second := <-all, <-all
	assert.Equal(t, RiskAlert, first.Name)
	assert.Equal(t, PositionClosed, second.Name)
}

func TestBus_DropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(RiskReportGenerated, 1)
	defer unsub()

	bus.Publish(RiskReportGenerated, 1)
	bus.Publish(RiskReportGenerated, 2)

	assert.Equal(t, int64(1), bus.Dropped())
	assert.Equal(t, 1, (<-ch).Payload)
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(RollExecuted, 1)
	unsub()

	_, open := <-ch
	assert.False(t, open)

	// publishing after unsubscribe must not panic
	bus.Publish(RollExecuted, nil)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Publish(RiskAlert, 1)
	r.Publish(ActionFailed, 2)
	r.Publish(RiskAlert, 3)

	require.Len(t, r.Events(), 3)
	alerts := r.Events(RiskAlert)
	require.Len(t, alerts, 2)
	assert.Equal(t, 3, alerts[1].Payload)
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := &logger.Logger{SugaredLogger: zap.New(core).Sugar()}

	ch := make(chan Envelope, 3)
	ch <- Envelope{Name: RiskAlert, Payload: "a1"}
	ch <- Envelope{Name: ActionFailed, Payload: "p1"}
	ch <- Envelope{Name: PositionExpired, Payload: "p2"}
	close(ch)

	LogSink(ch, log)

	require.Equal(t, 3, logs.Len())
	assert.Equal(t, zapcore.DebugLevel, logs.All()[0].Level)
	assert.Equal(t, 2, logs.FilterLevelExact(zapcore.WarnLevel).Len())
}
