// Package strategylab is the Go SDK for a strategylab server. It speaks the
// strategylab.v1.Backtest gRPC service, whose messages are carried as
// google.protobuf.Struct values; this file holds the typed views and the
// conversions to and from the wire form.
package strategylab

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Service and method names of the Backtest gRPC service.
const (
	ServiceName = "strategylab.v1.Backtest"

	MethodRun            = "/" + ServiceName + "/Run"
	MethodRunStream      = "/" + ServiceName + "/RunStream"
	MethodListStrategies = "/" + ServiceName + "/ListStrategies"
	MethodGetRun         = "/" + ServiceName + "/GetRun"
	MethodListRuns       = "/" + ServiceName + "/ListRuns"
)

// Stream message kinds sent by RunStream.
const (
	KindSnapshot = "snapshot"
	KindReport   = "report"
)

// RunRequest asks the server to backtest one strategy.
type RunRequest struct {
	Strategy    string
	Symbol      string
	Start       time.Time
	End         time.Time
	InitialCash float64
}

// Struct encodes the request.
func (r RunRequest) Struct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"strategy":     r.Strategy,
		"symbol":       r.Symbol,
		"start":        r.Start.Format(time.DateOnly),
		"end":          r.End.Format(time.DateOnly),
		"initial_cash": r.InitialCash,
	})
}

// ParseRunRequest decodes a request. Dates are YYYY-MM-DD in UTC.
func ParseRunRequest(s *structpb.Struct) (RunRequest, error) {
	f := s.GetFields()
	start, err := parseDate(f, "start")
	if err != nil {
		return RunRequest{}, err
	}
	end, err := parseDate(f, "end")
	if err != nil {
		return RunRequest{}, err
	}
	return RunRequest{
		Strategy:    f["strategy"].GetStringValue(),
		Symbol:      f["symbol"].GetStringValue(),
		Start:       start,
		End:         end,
		InitialCash: f["initial_cash"].GetNumberValue(),
	}, nil
}

// Metrics mirrors the server's performance record.
type Metrics struct {
	SharpeRatio         float64
	MaxDrawdown         float64
	MaxDrawdownDuration int
	Beta                float64
	Alpha               float64
	WinRate             float64
	ProfitFactor        float64 // +Inf when there were no losing periods
	TotalReturn         float64
	Periods             int
}

// Skip is a period the engine could not process.
type Skip struct {
	Date   time.Time
	Reason string
}

// RunSummary describes a finished backtest. Skipped carries details only on
// responses to Run and RunStream; stored runs report SkippedCount alone.
type RunSummary struct {
	ID               string
	Symbol           string
	Strategy         string
	Start            time.Time
	End              time.Time
	InitialCash      float64
	FinalValue       float64
	CumulativeReturn float64
	Metrics          Metrics
	Trades           int
	SkippedCount     int
	Skipped          []Skip
	CreatedAt        time.Time
}

// Struct encodes the summary. An infinite profit factor travels as null.
func (r RunSummary) Struct() (*structpb.Struct, error) {
	var pf any
	if !math.IsInf(r.Metrics.ProfitFactor, 0) && !math.IsNaN(r.Metrics.ProfitFactor) {
		pf = r.Metrics.ProfitFactor
	}
	skipped := make([]any, len(r.Skipped))
	for i, sk := range r.Skipped {
		skipped[i] = map[string]any{"date": sk.Date.Format(time.DateOnly), "reason": sk.Reason}
	}
	return structpb.NewStruct(map[string]any{
		"kind":              KindReport,
		"id":                r.ID,
		"symbol":            r.Symbol,
		"strategy":          r.Strategy,
		"start":             r.Start.Format(time.DateOnly),
		"end":               r.End.Format(time.DateOnly),
		"initial_cash":      r.InitialCash,
		"final_value":       r.FinalValue,
		"cumulative_return": r.CumulativeReturn,
		"trades":            r.Trades,
		"skipped_count":     r.SkippedCount,
		"skipped":           skipped,
		"created_at":        r.CreatedAt.UTC().Format(time.RFC3339Nano),
		"metrics": map[string]any{
			"sharpe_ratio":          r.Metrics.SharpeRatio,
			"max_drawdown":          r.Metrics.MaxDrawdown,
			"max_drawdown_duration": r.Metrics.MaxDrawdownDuration,
			"beta":                  r.Metrics.Beta,
			"alpha":                 r.Metrics.Alpha,
			"win_rate":              r.Metrics.WinRate,
			"profit_factor":         pf,
			"total_return":          r.Metrics.TotalReturn,
			"periods":               r.Metrics.Periods,
		},
	})
}

// ParseRunSummary decodes a summary produced by RunSummary.Struct.
func ParseRunSummary(s *structpb.Struct) (RunSummary, error) {
	f := s.GetFields()
	start, err := parseDate(f, "start")
	if err != nil {
		return RunSummary{}, err
	}
	end, err := parseDate(f, "end")
	if err != nil {
		return RunSummary{}, err
	}
	var created time.Time
	if v := f["created_at"].GetStringValue(); v != "" {
		if created, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return RunSummary{}, fmt.Errorf("created_at: %w", err)
		}
	}

	m := f["metrics"].GetStructValue().GetFields()
	pf := math.Inf(1)
	if v, ok := m["profit_factor"]; ok {
		if _, isNull := v.GetKind().(*structpb.Value_NullValue); !isNull {
			pf = v.GetNumberValue()
		}
	}

	var skipped []Skip
	for _, v := range f["skipped"].GetListValue().GetValues() {
		sf := v.GetStructValue().GetFields()
		d, err := parseDate(sf, "date")
		if err != nil {
			return RunSummary{}, fmt.Errorf("skipped: %w", err)
		}
		skipped = append(skipped, Skip{Date: d, Reason: sf["reason"].GetStringValue()})
	}

	return RunSummary{
		ID:               f["id"].GetStringValue(),
		Symbol:           f["symbol"].GetStringValue(),
		Strategy:         f["strategy"].GetStringValue(),
		Start:            start,
		End:              end,
		InitialCash:      f["initial_cash"].GetNumberValue(),
		FinalValue:       f["final_value"].GetNumberValue(),
		CumulativeReturn: f["cumulative_return"].GetNumberValue(),
		Trades:           int(f["trades"].GetNumberValue()),
		SkippedCount:     int(f["skipped_count"].GetNumberValue()),
		Skipped:          skipped,
		CreatedAt:        created,
		Metrics: Metrics{
			SharpeRatio:         m["sharpe_ratio"].GetNumberValue(),
			MaxDrawdown:         m["max_drawdown"].GetNumberValue(),
			MaxDrawdownDuration: int(m["max_drawdown_duration"].GetNumberValue()),
			Beta:                m["beta"].GetNumberValue(),
			Alpha:               m["alpha"].GetNumberValue(),
			WinRate:             m["win_rate"].GetNumberValue(),
			ProfitFactor:        pf,
			TotalReturn:         m["total_return"].GetNumberValue(),
			Periods:             int(m["periods"].GetNumberValue()),
		},
	}, nil
}

// Snapshot is one processed period streamed by RunStream.
type Snapshot struct {
	Date     time.Time
	Action   string
	Price    float64
	Value    float64
	Cash     float64
	Position int64
}

// Struct encodes the snapshot.
func (s Snapshot) Struct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"kind":     KindSnapshot,
		"date":     s.Date.Format(time.DateOnly),
		"action":   s.Action,
		"price":    s.Price,
		"value":    s.Value,
		"cash":     s.Cash,
		"position": s.Position,
	})
}

// ParseSnapshot decodes a snapshot.
func ParseSnapshot(s *structpb.Struct) (Snapshot, error) {
	f := s.GetFields()
	d, err := parseDate(f, "date")
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Date:     d,
		Action:   f["action"].GetStringValue(),
		Price:    f["price"].GetNumberValue(),
		Value:    f["value"].GetNumberValue(),
		Cash:     f["cash"].GetNumberValue(),
		Position: int64(f["position"].GetNumberValue()),
	}, nil
}

// RunsQuery filters ListRuns. Zero values match everything.
type RunsQuery struct {
	Symbol   string
	Strategy string
	Limit    int
}

// Struct encodes the query.
func (q RunsQuery) Struct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"symbol":   q.Symbol,
		"strategy": q.Strategy,
		"limit":    q.Limit,
	})
}

// ParseRunsQuery decodes a query.
func ParseRunsQuery(s *structpb.Struct) RunsQuery {
	f := s.GetFields()
	return RunsQuery{
		Symbol:   f["symbol"].GetStringValue(),
		Strategy: f["strategy"].GetStringValue(),
		Limit:    int(f["limit"].GetNumberValue()),
	}
}

func parseDate(f map[string]*structpb.Value, key string) (time.Time, error) {
	v := f[key].GetStringValue()
	if v == "" {
		return time.Time{}, fmt.Errorf("%s: missing date", key)
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", key, err)
	}
	return t, nil
}
