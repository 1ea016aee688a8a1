package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"strategylab/internal/engine"
	"strategylab/internal/store"
	"strategylab/internal/strategy"
	"strategylab/pkg/strategylab"
)

// HTTPHandlers serves the read-mostly JSON API next to the gRPC service.
type HTTPHandlers struct {
	bt      *engine.Backtester
	runs    store.RunStore
	metrics http.Handler
	log     *slog.Logger
}

// NewHTTPHandlers creates the JSON API. metrics, when non-nil, is mounted at
// /metrics; runs may be nil.
func NewHTTPHandlers(bt *engine.Backtester, runs store.RunStore, metrics http.Handler, log *slog.Logger) *HTTPHandlers {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPHandlers{bt: bt, runs: runs, metrics: metrics, log: log.With("component", "http")}
}

// RegisterRoutes sets up all HTTP routes on the given mux.
func (h *HTTPHandlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /api/v1/strategies", h.handleStrategies)
	mux.HandleFunc("POST /api/v1/backtests", h.handleBacktest)
	mux.HandleFunc("GET /api/v1/runs", h.handleListRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", h.handleGetRun)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
}

// Handler returns a mux with every route registered.
func (h *HTTPHandlers) Handler() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux
}

func (h *HTTPHandlers) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *HTTPHandlers) handleStrategies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string][]string{"strategies": h.bt.Strategies()})
}

// backtestRequest is the POST /api/v1/backtests body.
type backtestRequest struct {
	Strategy    string  `json:"strategy"`
	Symbol      string  `json:"symbol"`
	Start       string  `json:"start"`
	End         string  `json:"end"`
	InitialCash float64 `json:"initial_cash"`
}

func (h *HTTPHandlers) handleBacktest(w http.ResponseWriter, r *http.Request) {
	var req backtestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	start, err := time.Parse(time.DateOnly, req.Start)
	if err != nil {
		writeError(w, http.StatusBadRequest, "start: "+err.Error())
		return
	}
	end, err := time.Parse(time.DateOnly, req.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, "end: "+err.Error())
		return
	}

	rep, err := h.bt.Run(r.Context(), req.Strategy, req.Symbol, start, end, req.InitialCash)
	if err != nil {
		var unknown strategy.ErrUnknownStrategy
		switch {
		case errors.As(err, &unknown):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, engine.ErrInvalidRun):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.log.Error("backtest failed", "strategy", req.Strategy, "symbol", req.Symbol, "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, toRunJSON(fromReport(rep)))
}

func (h *HTTPHandlers) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusNotImplemented, "run store not configured")
		return
	}
	q := r.URL.Query()
	filter := store.RunFilter{
		Symbol:   strings.ToUpper(q.Get("symbol")),
		Strategy: q.Get("strategy"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	recs, err := h.runs.ListRuns(r.Context(), filter)
	if err != nil {
		h.log.Error("listing runs", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]runJSON, len(recs))
	for i := range recs {
		out[i] = toRunJSON(fromRecord(&recs[i]))
	}
	writeJSON(w, map[string]any{"runs": out})
}

func (h *HTTPHandlers) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusNotImplemented, "run store not configured")
		return
	}
	rec, err := h.runs.GetRun(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.log.Error("getting run", "id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, toRunJSON(fromRecord(rec)))
}

// runJSON is the HTTP shape of a run. ProfitFactor is null when infinite,
// which encoding/json cannot represent.
type runJSON struct {
	ID                  string     `json:"id"`
	Symbol              string     `json:"symbol"`
	Strategy            string     `json:"strategy"`
	Start               string     `json:"start"`
	End                 string     `json:"end"`
	InitialCash         float64    `json:"initial_cash"`
	FinalValue          float64    `json:"final_value"`
	CumulativeReturn    float64    `json:"cumulative_return"`
	SharpeRatio         float64    `json:"sharpe_ratio"`
	MaxDrawdown         float64    `json:"max_drawdown"`
	MaxDrawdownDuration int        `json:"max_drawdown_duration"`
	Beta                float64    `json:"beta"`
	Alpha               float64    `json:"alpha"`
	WinRate             float64    `json:"win_rate"`
	ProfitFactor        *float64   `json:"profit_factor"`
	Periods             int        `json:"periods"`
	Trades              int        `json:"trades"`
	SkippedCount        int        `json:"skipped_count"`
	Skipped             []skipJSON `json:"skipped,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

type skipJSON struct {
	Date   string `json:"date"`
	Reason string `json:"reason"`
}

func toRunJSON(s strategylab.RunSummary) runJSON {
	out := runJSON{
		ID:                  s.ID,
		Symbol:              s.Symbol,
		Strategy:            s.Strategy,
		Start:               s.Start.Format(time.DateOnly),
		End:                 s.End.Format(time.DateOnly),
		InitialCash:         s.InitialCash,
		FinalValue:          s.FinalValue,
		CumulativeReturn:    s.CumulativeReturn,
		SharpeRatio:         s.Metrics.SharpeRatio,
		MaxDrawdown:         s.Metrics.MaxDrawdown,
		MaxDrawdownDuration: s.Metrics.MaxDrawdownDuration,
		Beta:                s.Metrics.Beta,
		Alpha:               s.Metrics.Alpha,
		WinRate:             s.Metrics.WinRate,
		Periods:             s.Metrics.Periods,
		Trades:              s.Trades,
		SkippedCount:        s.SkippedCount,
		CreatedAt:           s.CreatedAt,
	}
	if pf := s.Metrics.ProfitFactor; !math.IsInf(pf, 0) && !math.IsNaN(pf) {
		out.ProfitFactor = &pf
	}
	for _, sk := range s.Skipped {
		out.Skipped = append(out.Skipped, skipJSON{Date: sk.Date.Format(time.DateOnly), Reason: sk.Reason})
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
