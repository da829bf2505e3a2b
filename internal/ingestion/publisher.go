package ingestion

import (
	"context"
	"fmt"
	"time"

	"PerpRisk/internal/core"
	"PerpRisk/internal/observability"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	OutboundStream         = "RISK_OUTBOUND"
	PositionSubjectPrefix  = "risk.out.position"
	IntentSubjectPrefix    = "risk.out.liquidation"
	RejectionSubjectPrefix = "risk.out.rejection"
)

// Publisher is the subset of jetstream.JetStream the outbound publisher
// needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes position changes, liquidation intents and
// rejections for downstream consumers. Delivery is best effort: the event
// log in Postgres is the record.
type OutboundPublisher struct {
	js         Publisher
	inputChan  <-chan core.CoreOutput
	rejectChan <-chan core.RejectionMessage
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

// NewOutboundPublisher creates a publisher. rejectChan may be nil. Run
// returns once inputChan is closed.
func NewOutboundPublisher(js Publisher, inputChan <-chan core.CoreOutput, rejectChan <-chan core.RejectionMessage, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:         js,
		inputChan:  inputChan,
		rejectChan: rejectChan,
		metrics:    metrics,
		logger:     logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, out); err != nil {
				op.logger.Warn().Err(err).Msg("outbound publish failed")
			}

		case rej := <-op.rejectChan:
			if err := op.publishRejection(ctx, rej); err != nil {
				op.logger.Warn().Err(err).Str("position_id", rej.PositionID).Msg("rejection publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publishRejection(ctx context.Context, rej core.RejectionMessage) error {
	subject, data, err := EncodeRejection(rej)
	if err != nil {
		return err
	}
	if _, err := op.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	if op.metrics != nil {
		op.metrics.Published.WithLabelValues("rejection").Inc()
	}
	return nil
}

// EncodeRejection returns the subject and JSON body of a rejection report,
// published on risk.out.rejection.{position_id}.
func EncodeRejection(rej core.RejectionMessage) (subject string, data []byte, err error) {
	data, err = json.Marshal(rej)
	if err != nil {
		return "", nil, fmt.Errorf("marshal rejection: %w", err)
	}
	target := rej.PositionID
	if target == "" {
		target = "unknown"
	}
	return RejectionSubjectPrefix + "." + target, data, nil
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.CoreOutput) error {
	subject, kind, data, err := EncodeOutput(out)
	if err != nil {
		return err
	}
	if subject == "" {
		return nil
	}
	if _, err := op.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	if op.metrics != nil {
		op.metrics.Published.WithLabelValues(kind).Inc()
	}
	return nil
}

// EncodeOutput returns the outbound subject, a kind label and the JSON body
// for one core output.
//
//	risk.out.position.{position_id}       PositionChanged
//	risk.out.liquidation.{instrument_id}  LiquidationIntent
func EncodeOutput(out core.CoreOutput) (subject, kind string, data []byte, err error) {
	switch {
	case out.Change != nil:
		data, err = json.Marshal(core.NewChangeMessage(out.Change))
		if err != nil {
			return "", "", nil, fmt.Errorf("marshal position change: %w", err)
		}
		return PositionSubjectPrefix + "." + out.Change.Position.PositionID, "position_changed", data, nil

	case out.Intent != nil:
		data, err = json.Marshal(core.NewIntentMessage(out.Intent))
		if err != nil {
			return "", "", nil, fmt.Errorf("marshal liquidation intent: %w", err)
		}
		return IntentSubjectPrefix + "." + out.Intent.Instrument, "liquidation_intent", data, nil
	}
	return "", "", nil, nil
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      OutboundStream,
		Subjects:  []string{"risk.out.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", OutboundStream).Msg("ensured outbound stream")
	return nil
}
