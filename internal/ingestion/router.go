package ingestion

import (
	"context"
	"errors"
	"time"

	"PerpRisk/internal/core"
	"PerpRisk/internal/event"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/state"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Engine is the part of the dispatcher the router drives.
type Engine interface {
	SubmitFill(ctx context.Context, f *event.Fill, done core.Completion) error
	SubmitTick(t *event.MarkTick)
	PublishParams(u *event.RiskParamUpdate) (int64, error)
	Reserve(ctx context.Context, cmd *event.ReserveClose) (core.Result, error)
	Release(ctx context.Context, cmd *event.ReleaseReservation) (core.Result, error)
	ApplyFunding(ctx context.Context, c *event.FundingCharge) (core.Result, error)
}

// Router decodes inbound messages and feeds them to the engine.
//
// Acknowledgement policy:
//   - fills are acked once resolved (applied, duplicate or permanently
//     rejected); a fill waiting behind a gap is acked when the gap closes
//   - a redelivered copy of a buffered fill extends its AckWait
//   - ConfigurationMissing is redelivered after RetryDelay
//   - unknown subjects and unparseable payloads are acked and dropped
//   - mark ticks are acked on hand-off
//
// Every acked rejection is reported on the rejections channel with its kind
// and the position snapshot, including fills too malformed to parse whose
// position id can still be read.
type Router struct {
	engine     Engine
	subjects   []SubjectConfig
	rejections chan<- core.RejectionMessage
	metrics    *observability.Metrics
	logger     zerolog.Logger
	RetryDelay time.Duration
}

// NewRouter creates a router. rejections may be nil.
func NewRouter(engine Engine, subjects []SubjectConfig, rejections chan<- core.RejectionMessage, metrics *observability.Metrics, logger zerolog.Logger) *Router {
	return &Router{
		engine:     engine,
		subjects:   subjects,
		rejections: rejections,
		metrics:    metrics,
		logger:     logger,
		RetryDelay: 5 * time.Second,
	}
}

// Run routes messages until ctx is cancelled or rawChan is closed.
func (r *Router) Run(ctx context.Context, rawChan <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-rawChan:
			if !ok {
				return nil
			}
			r.Handle(ctx, raw)
		}
	}
}

// Handle routes one message.
func (r *Router) Handle(ctx context.Context, raw RawEvent) {
	kind, ok := ResolveKind(raw.Subject, r.subjects)
	if !ok {
		r.logger.Warn().Str("subject", raw.Subject).Msg("unknown subject")
		raw.ack()
		return
	}

	evt, err := ParseRawEvent(raw, kind)
	if err != nil {
		r.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse event failed")
		if r.metrics != nil {
			r.metrics.IngestDecodeErrors.WithLabelValues(string(kind)).Inc()
		}
		if kind == KindFill {
			r.rejectMalformedFill(raw, err)
		}
		raw.ack()
		return
	}

	switch e := evt.(type) {
	case *event.Fill:
		r.submitFill(ctx, raw, e)

	case *event.MarkTick:
		r.engine.SubmitTick(e)
		raw.ack()

	case *event.RiskParamUpdate:
		if _, err := r.engine.PublishParams(e); err != nil {
			r.logger.Warn().Err(err).Str("instrument", e.Instrument).Msg("risk parameter update rejected")
		}
		raw.ack()

	case *event.ReserveClose:
		_, err := r.engine.Reserve(ctx, e)
		r.settle(raw, evt, err)

	case *event.ReleaseReservation:
		_, err := r.engine.Release(ctx, e)
		r.settle(raw, evt, err)

	case *event.FundingCharge:
		_, err := r.engine.ApplyFunding(ctx, e)
		r.settle(raw, evt, err)
	}
}

func (r *Router) submitFill(ctx context.Context, raw RawEvent, f *event.Fill) {
	err := r.engine.SubmitFill(ctx, f, func(res core.Result, err error) {
		if err == nil && res.Outcome == core.OutcomeBuffered {
			raw.inProgress()
			return
		}
		r.settle(raw, f, err)
	})
	if err != nil {
		// Not queued: shutting down or malformed beyond parsing.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			raw.nak()
			return
		}
		r.settle(raw, f, err)
	}
}

// settle acks a resolved message, or schedules redelivery when the
// rejection may succeed later.
func (r *Router) settle(raw RawEvent, evt event.Event, err error) {
	switch {
	case err == nil:
		raw.ack()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		raw.nak()
	case errors.Is(err, state.ErrConfigurationMissing):
		r.logger.Warn().Err(err).Stringer("type", evt.EventType()).Str("key", evt.IdempotencyKey()).Dur("retry_in", r.RetryDelay).Msg("parameters missing, redelivering")
		raw.nakWithDelay(r.RetryDelay)
	default:
		// Rejections were logged and counted by the core; the sender
		// reconciles from the snapshot in the published report.
		r.logger.Debug().Err(err).Stringer("type", evt.EventType()).Str("key", evt.IdempotencyKey()).Msg("event rejected")
		r.report(core.NewRejectionMessage(evt, err, time.Now()))
		raw.ack()
	}
}

// rejectMalformedFill reports an unparseable fill as InvalidFill when its
// position id is readable.
func (r *Router) rejectMalformedFill(raw RawEvent, parseErr error) {
	var head struct {
		PositionID string `json:"position_id"`
		Sequence   int64  `json:"sequence"`
	}
	if json.Unmarshal(raw.Data, &head) != nil || head.PositionID == "" {
		return
	}
	f := &event.Fill{PositionID: head.PositionID, Sequence: head.Sequence}
	err := &state.RejectError{Kind: state.KindInvalidFill, PositionID: head.PositionID, Reason: parseErr.Error()}
	r.report(core.NewRejectionMessage(f, err, time.Now()))
}

// report hands a rejection to the outbound publisher without blocking; the
// caller may be a shard goroutine.
func (r *Router) report(msg core.RejectionMessage) {
	if r.rejections == nil {
		return
	}
	select {
	case r.rejections <- msg:
	default:
		if r.metrics != nil {
			r.metrics.PublishDrops.Inc()
		}
		r.logger.Warn().Str("position_id", msg.PositionID).Str("kind", msg.Kind).Msg("rejection report dropped")
	}
}
