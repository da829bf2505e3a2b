package ingestion

import (
	"context"
	"errors"
	"fmt"

	"PerpRisk/internal/core"
	"PerpRisk/internal/event"
)

// ErrInvalidRequest marks an injected payload that could not be decoded or
// validated.
var ErrInvalidRequest = errors.New("invalid request")

// AdminEngine is the synchronous side of the dispatcher used for manual
// injection.
type AdminEngine interface {
	ApplyFill(ctx context.Context, f *event.Fill) (core.Result, error)
	ApplyTick(ctx context.Context, t *event.MarkTick) (core.Result, error)
	PublishParams(u *event.RiskParamUpdate) (int64, error)
}

// AdminIngest injects events by hand, outside the NATS stream. It is meant
// for operators and tests, not for throughput: every call waits for the
// engine's resolution.
type AdminIngest struct {
	engine AdminEngine
}

func NewAdminIngest(engine AdminEngine) *AdminIngest {
	return &AdminIngest{engine: engine}
}

// InjectFill decodes a fill in the NATS wire format and applies it.
func (s *AdminIngest) InjectFill(ctx context.Context, data []byte) (core.Result, error) {
	f, err := parseFill(data)
	if err != nil {
		return core.Result{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return s.engine.ApplyFill(ctx, f)
}

// InjectMarkTick decodes a mark tick and revalues every position of its
// instrument without coalescing.
func (s *AdminIngest) InjectMarkTick(ctx context.Context, data []byte) (core.Result, error) {
	t, err := parseMarkTick(data)
	if err != nil {
		return core.Result{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !t.MarkPrice.IsPositive() {
		return core.Result{}, fmt.Errorf("%w: mark price must be positive", ErrInvalidRequest)
	}
	return s.engine.ApplyTick(ctx, t)
}

// InjectRiskParams publishes a new parameter version and returns it.
func (s *AdminIngest) InjectRiskParams(data []byte) (int64, error) {
	u, err := parseRiskParamUpdate(data)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	version, err := s.engine.PublishParams(u)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return version, nil
}
