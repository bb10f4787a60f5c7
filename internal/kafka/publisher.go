package kafka

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rzzdr/assignment-risk-engine/internal/engine"
	"github.com/rzzdr/assignment-risk-engine/internal/events"
	"github.com/rzzdr/assignment-risk-engine/pkg/models"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/errors"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/logger"
)

const portfolioKey = "portfolio"

// EventPublisher forwards bus events to the events topic
type EventPublisher struct {
	producer *Producer
	timeout  time.Duration
	log      *logger.Logger
}

// NewEventPublisher creates a publisher writing through producer
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{
		producer: producer,
		timeout:  5 * time.Second,
		log:      logger.GetLogger("kafka.events"),
	}
}

// Run forwards envelopes until the channel closes or ctx is done. A failed
// write is logged and the event dropped.
func (p *EventPublisher) Run(ctx context.Context, envelopes <-chan events.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-envelopes:
			if !ok {
				return
			}
			if err := p.Publish(ctx, env); err != nil {
				p.log.Warnw("Dropped event", "event", env.Name, "error", err)
			}
		}
	}
}

// Publish writes one envelope keyed by the position it concerns
func (p *EventPublisher) Publish(ctx context.Context, env events.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	headers := []MessageHeader{{Key: "event", Value: []byte(env.Name)}}
	return p.producer.ProduceJSON(ctx, []byte(EventKey(env)), env, headers)
}

// EventKey picks the partition key for an envelope: the position id for
// per-position events, a fixed key for portfolio-wide ones
func EventKey(env events.Envelope) string {
	switch v := env.Payload.(type) {
	case models.Alert:
		return v.PositionID
	case *models.Alert:
		return v.PositionID
	case events.ActionOutcome:
		return v.PositionID
	case events.AdvisoryOutcome:
		return v.PositionID
	case models.PositionSummary:
		return v.ID
	default:
		return portfolioKey
	}
}

// ExecutionPublisher hands accepted proposals to the order-placement service
// over the proposals topic
type ExecutionPublisher struct {
	producer *Producer
	log      *logger.Logger
}

var _ engine.ExecutionSink = (*ExecutionPublisher)(nil)

// NewExecutionPublisher creates an execution sink writing through producer
func NewExecutionPublisher(producer *Producer) *ExecutionPublisher {
	return &ExecutionPublisher{producer: producer, log: logger.GetLogger("kafka.execution")}
}

// Submit writes the proposal keyed by position id
func (p *ExecutionPublisher) Submit(ctx context.Context, proposal engine.Proposal) error {
	headers := []MessageHeader{
		{Key: "action", Value: []byte(proposal.Action)},
		{Key: "source", Value: []byte(proposal.Source)},
	}
	if err := p.producer.ProduceJSON(ctx, []byte(proposal.PositionID), proposal, headers); err != nil {
		return err
	}
	p.log.Infow("Submitted execution proposal",
		"proposal", proposal.ID,
		"position", proposal.PositionID,
		"action", proposal.Action)
	return nil
}

// Registrar is the part of the engine the registration handler drives
type Registrar interface {
	RegisterPosition(ctx context.Context, spec engine.PositionSpec) (*models.Position, error)
	DeregisterPosition(ctx context.Context, id string) error
}

// Registration operations carried in the "op" header
const (
	OpRegister   = "register"
	OpDeregister = "deregister"
)

// RegistrationHandler applies registration messages to the engine. A
// register message carries a position spec as JSON; a deregister message
// carries the position id as its key.
func RegistrationHandler(reg Registrar) MessageHandler {
	log := logger.GetLogger("kafka.registrations")

	return func(ctx context.Context, msg *Message) error {
		op, _ := msg.Header("op")
		switch strings.ToLower(op) {
		case "", OpRegister:
			var spec engine.PositionSpec
			if err := json.Unmarshal(msg.Value, &spec); err != nil {
				return errors.WithType(errors.Wrap(err, "malformed registration"), errors.ErrorTypeInvalidArgument)
			}
			if spec.ID == "" && len(msg.Key) > 0 {
				spec.ID = string(msg.Key)
			}
			pos, err := reg.RegisterPosition(ctx, spec)
			if err != nil {
				return err
			}
			log.Infow("Registered position from topic", "position", pos.ID, "symbol", pos.Symbol)
			return nil

		case OpDeregister:
			id := string(msg.Key)
			if id == "" {
				return errors.InvalidArgument("deregistration requires a position id key")
			}
			if err := reg.DeregisterPosition(ctx, id); err != nil {
				return err
			}
			log.Infow("Deregistered position from topic", "position", id)
			return nil

		default:
			return errors.InvalidArgument("unknown registration op: " + op)
		}
	}
}
