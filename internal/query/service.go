package query

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"PerpRisk/internal/core"
	"PerpRisk/internal/persistence"
	"PerpRisk/internal/projection"
	"PerpRisk/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnavailable     = errors.New("unavailable")
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

// PositionReader is the read side of the authoritative position store.
type PositionReader interface {
	Get(positionID string) (*state.Position, bool)
	List(keep func(*state.Position) bool) []*state.Position
}

// Flagger lists positions awaiting reconciliation.
type Flagger interface {
	Flagged(ctx context.Context) ([]string, error)
}

// EventLog reads a position's committed history.
type EventLog interface {
	LoadHistory(ctx context.Context, positionID string, afterVersion int64, limit int) ([]persistence.HistoryEntry, error)
	VerifyChain(ctx context.Context, positionID string) (int64, error)
}

// FundingSource reads funding history.
type FundingSource interface {
	ByUser(ctx context.Context, userID uuid.UUID, limit int) ([]projection.FundingHistoryEntry, error)
}

// QueryService answers position queries. Live state comes straight from the
// in-memory store, so reads are never behind the core; history and funding
// come from Postgres and may lag by up to one persistence batch.
type QueryService struct {
	store   PositionReader
	flagger Flagger
	log     EventLog
	funding FundingSource
}

// NewQueryService wires the read sources. log and funding may be nil, in
// which case the endpoints backed by them report ErrUnavailable.
func NewQueryService(store PositionReader, flagger Flagger, log EventLog, funding FundingSource) *QueryService {
	return &QueryService{
		store:   store,
		flagger: flagger,
		log:     log,
		funding: funding,
	}
}

// GetPosition returns the current snapshot of one position.
func (qs *QueryService) GetPosition(positionID string) (core.PositionView, error) {
	if positionID == "" {
		return core.PositionView{}, fmt.Errorf("%w: position_id is required", ErrInvalidArgument)
	}
	pos, ok := qs.store.Get(positionID)
	if !ok {
		return core.PositionView{}, fmt.Errorf("%w: position %s", ErrNotFound, positionID)
	}
	return core.NewPositionView(pos), nil
}

// ListByUser returns a user's positions. Closed positions are included only
// when includeClosed is set.
func (qs *QueryService) ListByUser(userID string, includeClosed bool) (PositionList, error) {
	uid, err := uuid.Parse(userID)
	if err != nil {
		return PositionList{}, fmt.Errorf("%w: user_id: %v", ErrInvalidArgument, err)
	}
	return qs.list(func(p *state.Position) bool {
		return p.UserID == uid && (includeClosed || p.Status != state.StatusClosed)
	}), nil
}

// ListByInstrument returns the non-closed positions of an instrument.
func (qs *QueryService) ListByInstrument(instrument string) (PositionList, error) {
	if instrument == "" {
		return PositionList{}, fmt.Errorf("%w: instrument_id is required", ErrInvalidArgument)
	}
	return qs.list(func(p *state.Position) bool {
		return p.Instrument == instrument && p.Status != state.StatusClosed
	}), nil
}

// ListLiquidating returns every position currently in LIQUIDATING.
func (qs *QueryService) ListLiquidating() PositionList {
	return qs.list(func(p *state.Position) bool {
		return p.Status == state.StatusLiquidating
	})
}

func (qs *QueryService) list(keep func(*state.Position) bool) PositionList {
	positions := qs.store.List(keep)
	views := make([]core.PositionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, core.NewPositionView(p))
	}
	return PositionList{Positions: views, Count: len(views)}
}

// UserSummary aggregates a user's open positions.
func (qs *QueryService) UserSummary(userID string) (UserSummary, error) {
	uid, err := uuid.Parse(userID)
	if err != nil {
		return UserSummary{}, fmt.Errorf("%w: user_id: %v", ErrInvalidArgument, err)
	}

	summary := UserSummary{
		UserID:             uid.String(),
		TotalMargin:        decimal.Zero,
		TotalUnrealizedPnl: decimal.Zero,
		TotalRealizedPnl:   decimal.Zero,
		TotalFees:          decimal.Zero,
		TotalFundingFees:   decimal.Zero,
	}
	for _, p := range qs.store.List(func(p *state.Position) bool { return p.UserID == uid }) {
		summary.TotalRealizedPnl = summary.TotalRealizedPnl.Add(p.CumRealizedPnl)
		summary.TotalFees = summary.TotalFees.Add(p.CumFee)
		summary.TotalFundingFees = summary.TotalFundingFees.Add(p.CumFundingFee)
		if p.Status == state.StatusClosed {
			continue
		}

		summary.OpenPositions++
		if p.Status == state.StatusLiquidating {
			summary.LiquidatingCount++
		}
		summary.TotalMargin = summary.TotalMargin.Add(p.Margin)
		summary.TotalUnrealizedPnl = summary.TotalUnrealizedPnl.Add(p.UnrealizedPnl)
		if summary.LowestMarginRatio == nil || p.MarginRatio.LessThan(*summary.LowestMarginRatio) {
			ratio := p.MarginRatio
			summary.LowestMarginRatio = &ratio
		}
	}
	return summary, nil
}

// Reconciliation lists positions halted by a sequence gap, sorted.
func (qs *QueryService) Reconciliation(ctx context.Context) (ReconciliationReport, error) {
	ids, err := qs.flagger.Flagged(ctx)
	if err != nil {
		return ReconciliationReport{}, fmt.Errorf("list flagged: %w", err)
	}
	sort.Strings(ids)
	if ids == nil {
		ids = []string{}
	}
	return ReconciliationReport{Flagged: ids, Count: len(ids)}, nil
}

// History returns a page of a position's event log after afterVersion.
func (qs *QueryService) History(ctx context.Context, positionID string, afterVersion int64, limit int) (HistoryPage, error) {
	if qs.log == nil {
		return HistoryPage{}, fmt.Errorf("%w: event log not configured", ErrUnavailable)
	}
	if positionID == "" {
		return HistoryPage{}, fmt.Errorf("%w: position_id is required", ErrInvalidArgument)
	}
	if afterVersion < 0 {
		return HistoryPage{}, fmt.Errorf("%w: after_version must be >= 0", ErrInvalidArgument)
	}
	limit = clampPageSize(limit)

	entries, err := qs.log.LoadHistory(ctx, positionID, afterVersion, limit)
	if err != nil {
		return HistoryPage{}, err
	}
	page := HistoryPage{
		PositionID:   positionID,
		Events:       make([]HistoryEvent, 0, len(entries)),
		AfterVersion: afterVersion,
	}
	for _, e := range entries {
		page.Events = append(page.Events, newHistoryEvent(e))
	}
	if len(entries) == limit {
		page.NextVersion = entries[len(entries)-1].Version
	}
	return page, nil
}

// VerifyChain recomputes the stored hash chain of a position.
func (qs *QueryService) VerifyChain(ctx context.Context, positionID string) (ChainReport, error) {
	if qs.log == nil {
		return ChainReport{}, fmt.Errorf("%w: event log not configured", ErrUnavailable)
	}
	if positionID == "" {
		return ChainReport{}, fmt.Errorf("%w: position_id is required", ErrInvalidArgument)
	}
	n, err := qs.log.VerifyChain(ctx, positionID)
	report := ChainReport{PositionID: positionID, Versions: n, Verified: err == nil}
	if err != nil {
		report.Error = err.Error()
	}
	return report, nil
}

// FundingHistory returns a user's recent funding payments.
func (qs *QueryService) FundingHistory(ctx context.Context, userID string, limit int) (FundingHistoryResponse, error) {
	if qs.funding == nil {
		return FundingHistoryResponse{}, fmt.Errorf("%w: funding history not configured", ErrUnavailable)
	}
	uid, err := uuid.Parse(userID)
	if err != nil {
		return FundingHistoryResponse{}, fmt.Errorf("%w: user_id: %v", ErrInvalidArgument, err)
	}

	entries, err := qs.funding.ByUser(ctx, uid, clampPageSize(limit))
	if err != nil {
		return FundingHistoryResponse{}, err
	}
	resp := FundingHistoryResponse{
		UserID:   uid.String(),
		Payments: make([]FundingPayment, 0, len(entries)),
	}
	for _, e := range entries {
		resp.Payments = append(resp.Payments, newFundingPayment(e))
	}
	return resp, nil
}

func clampPageSize(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
