package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"PerpRisk/internal/core"
	"PerpRisk/internal/ingestion"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/query"
	"PerpRisk/internal/state"

	json "github.com/goccy/go-json"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// Reconciler resumes positions halted by a sequence gap.
type Reconciler interface {
	Reconcile(ctx context.Context, positionID string, replacement *state.Position) (core.Result, error)
}

type apiHandlers struct {
	qs         *query.QueryService
	admin      *ingestion.AdminIngest
	reconciler Reconciler
	rebuild    func(ctx context.Context) error
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

// ResultView is the JSON shape of a resolved event.
type ResultView struct {
	Outcome  string               `json:"outcome"`
	Position *core.PositionView   `json:"position,omitempty"`
	Changes  []core.ChangeMessage `json:"changes"`
	Intents  []core.IntentMessage `json:"intents"`
}

type errorBody struct {
	Error    string             `json:"error"`
	Kind     string             `json:"kind,omitempty"`
	Snapshot *core.PositionView `json:"snapshot,omitempty"`
}

func (h *apiHandlers) register(mux *runtime.ServeMux) error {
	routes := []struct {
		method, pattern, name string
		fn                    runtime.HandlerFunc
	}{
		{"GET", "/v1/positions/{position_id}", "get_position", h.getPosition},
		{"GET", "/v1/positions/{position_id}/events", "position_events", h.positionEvents},
		{"GET", "/v1/positions/{position_id}/verify", "verify_chain", h.verifyChain},
		{"POST", "/v1/positions/{position_id}/reconcile", "reconcile", h.reconcile},
		{"GET", "/v1/users/{user_id}/positions", "user_positions", h.userPositions},
		{"GET", "/v1/users/{user_id}/summary", "user_summary", h.userSummary},
		{"GET", "/v1/users/{user_id}/funding", "user_funding", h.userFunding},
		{"GET", "/v1/instruments/{instrument_id}/positions", "instrument_positions", h.instrumentPositions},
		{"GET", "/v1/liquidations", "liquidating", h.liquidating},
		{"GET", "/v1/reconciliation", "reconciliation", h.reconciliation},
		{"POST", "/v1/admin/fills", "admin_fill", h.injectFill},
		{"POST", "/v1/admin/marks", "admin_mark", h.injectMark},
		{"POST", "/v1/admin/params", "admin_params", h.injectParams},
		{"POST", "/v1/admin/projections/rebuild", "admin_rebuild", h.rebuildProjections},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, h.instrument(r.name, r.fn)); err != nil {
			return err
		}
	}
	return nil
}

// instrument records request count and latency per endpoint.
func (h *apiHandlers) instrument(name string, fn runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r, params)
		if h.metrics != nil {
			h.metrics.QueryRequests.WithLabelValues(name, strconv.Itoa(rec.status)).Inc()
			h.metrics.QueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// --- queries ---

func (h *apiHandlers) getPosition(w http.ResponseWriter, r *http.Request, p map[string]string) {
	view, err := h.qs.GetPosition(p["position_id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *apiHandlers) positionEvents(w http.ResponseWriter, r *http.Request, p map[string]string) {
	after, err := intParam(r, "after_version", 0)
	if err != nil {
		h.writeError(w, err)
		return
	}
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		h.writeError(w, err)
		return
	}
	page, err := h.qs.History(r.Context(), p["position_id"], after, int(limit))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *apiHandlers) verifyChain(w http.ResponseWriter, r *http.Request, p map[string]string) {
	report, err := h.qs.VerifyChain(r.Context(), p["position_id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *apiHandlers) userPositions(w http.ResponseWriter, r *http.Request, p map[string]string) {
	includeClosed := r.URL.Query().Get("include_closed") == "true"
	list, err := h.qs.ListByUser(p["user_id"], includeClosed)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *apiHandlers) userSummary(w http.ResponseWriter, r *http.Request, p map[string]string) {
	summary, err := h.qs.UserSummary(p["user_id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *apiHandlers) userFunding(w http.ResponseWriter, r *http.Request, p map[string]string) {
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp, err := h.qs.FundingHistory(r.Context(), p["user_id"], int(limit))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *apiHandlers) instrumentPositions(w http.ResponseWriter, r *http.Request, p map[string]string) {
	list, err := h.qs.ListByInstrument(p["instrument_id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *apiHandlers) liquidating(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, h.qs.ListLiquidating())
}

func (h *apiHandlers) reconciliation(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := h.qs.Reconciliation(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- admin ---

// reconcile resumes a flagged position. An empty body keeps the current
// state; otherwise the body is the authoritative replacement snapshot.
func (h *apiHandlers) reconcile(w http.ResponseWriter, r *http.Request, p map[string]string) {
	body, err := readBody(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var replacement *state.Position
	if len(body) > 0 {
		var view core.PositionView
		if err := json.Unmarshal(body, &view); err != nil {
			h.writeError(w, badRequest(err))
			return
		}
		if view.PositionID != p["position_id"] {
			h.writeError(w, badRequest(errors.New("replacement position_id does not match path")))
			return
		}
		if replacement, err = view.ToPosition(); err != nil {
			h.writeError(w, badRequest(err))
			return
		}
	}

	res, err := h.reconciler.Reconcile(r.Context(), p["position_id"], replacement)
	if err != nil {
		// A replacement that fails validation is the caller's fault.
		if replacement != nil && state.KindOf(err) == state.KindUnknown && r.Context().Err() == nil {
			err = badRequest(err)
		}
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newResultView(res))
}

func (h *apiHandlers) injectFill(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	body, err := readBody(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	res, err := h.admin.InjectFill(r.Context(), body)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newResultView(res))
}

func (h *apiHandlers) injectMark(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	body, err := readBody(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	res, err := h.admin.InjectMarkTick(r.Context(), body)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newResultView(res))
}

func (h *apiHandlers) injectParams(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	body, err := readBody(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	version, err := h.admin.InjectRiskParams(body)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"params_version": version})
}

func (h *apiHandlers) rebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if h.rebuild == nil {
		h.writeError(w, query.ErrUnavailable)
		return
	}
	if err := h.rebuild(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"rebuilt": true})
}

// --- helpers ---

func newResultView(res core.Result) ResultView {
	v := ResultView{
		Outcome: res.Outcome.String(),
		Changes: make([]core.ChangeMessage, 0, len(res.Changes)),
		Intents: make([]core.IntentMessage, 0, len(res.Intents)),
	}
	if res.Position != nil {
		pv := core.NewPositionView(res.Position)
		v.Position = &pv
	}
	for _, c := range res.Changes {
		v.Changes = append(v.Changes, core.NewChangeMessage(c))
	}
	for _, i := range res.Intents {
		v.Intents = append(v.Intents, core.NewIntentMessage(i))
	}
	return v
}

type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func badRequest(err error) error {
	return &requestError{err: err}
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, badRequest(err)
	}
	return body, nil
}

func intParam(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, badRequest(errors.New(name + " must be an integer"))
	}
	return v, nil
}

// writeError maps engine and query errors onto HTTP statuses. Rejections
// carry their kind and the authoritative snapshot.
func (h *apiHandlers) writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}
	status := http.StatusInternalServerError

	var reqErr *requestError
	var reject *state.RejectError
	switch {
	case errors.As(err, &reqErr),
		errors.Is(err, query.ErrInvalidArgument),
		errors.Is(err, ingestion.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, query.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, query.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.As(err, &reject):
		body.Kind = reject.Kind.String()
		if reject.Snapshot != nil {
			sv := core.NewPositionView(reject.Snapshot)
			body.Snapshot = &sv
		}
		status = rejectStatus(reject.Kind)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, body)
}

func rejectStatus(kind state.ErrorKind) int {
	switch kind {
	case state.KindInvalidFill, state.KindInvalidTick:
		return http.StatusBadRequest
	case state.KindPositionNotFound:
		return http.StatusNotFound
	case state.KindConfigurationMissing:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusConflict
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
