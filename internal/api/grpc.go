package api

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"strategylab/internal/domain"
	"strategylab/internal/engine"
	"strategylab/internal/store"
	"strategylab/internal/strategy"
	"strategylab/pkg/strategylab"
)

// BacktestServer is the server side of strategylab.v1.Backtest. Messages are
// google.protobuf.Struct values laid out as in pkg/strategylab.
type BacktestServer interface {
	Run(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	RunStream(req *structpb.Struct, stream grpc.ServerStream) error
	ListStrategies(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListRuns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// Compile-time interface check.
var _ BacktestServer = (*BacktestService)(nil)

func unaryHandler(call func(BacktestServer, context.Context, *structpb.Struct) (*structpb.Struct, error), method string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BacktestServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(BacktestServer), ctx, req.(*structpb.Struct))
		})
	}
}

// ServiceDesc describes strategylab.v1.Backtest for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: strategylab.ServiceName,
	HandlerType: (*BacktestServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Run", Handler: unaryHandler(BacktestServer.Run, strategylab.MethodRun)},
		{MethodName: "ListStrategies", Handler: unaryHandler(BacktestServer.ListStrategies, strategylab.MethodListStrategies)},
		{MethodName: "GetRun", Handler: unaryHandler(BacktestServer.GetRun, strategylab.MethodGetRun)},
		{MethodName: "ListRuns", Handler: unaryHandler(BacktestServer.ListRuns, strategylab.MethodListRuns)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "RunStream",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(BacktestServer).RunStream(in, stream)
			},
		},
	},
	Metadata: "strategylab/v1/backtest.proto",
}

// BacktestService implements BacktestServer over a Backtester and the run
// store it publishes to.
type BacktestService struct {
	bt   *engine.Backtester
	runs store.RunStore
	log  *slog.Logger
}

// NewBacktestService creates the gRPC service. runs may be nil, in which case
// GetRun and ListRuns report Unimplemented.
func NewBacktestService(bt *engine.Backtester, runs store.RunStore, log *slog.Logger) *BacktestService {
	if log == nil {
		log = slog.Default()
	}
	return &BacktestService{bt: bt, runs: runs, log: log.With("component", "grpc")}
}

// RegisterGRPC registers the service on the given gRPC server instance.
func (s *BacktestService) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
}

// Run backtests one strategy and returns its summary.
func (s *BacktestService) Run(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := strategylab.ParseRunRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	rep, err := s.bt.Run(ctx, req.Strategy, req.Symbol, req.Start, req.End, req.InitialCash)
	if err != nil {
		return nil, s.toStatus("Run", err)
	}
	return fromReport(rep).Struct()
}

// RunStream backtests one strategy, sending a snapshot per processed period
// followed by the summary.
func (s *BacktestService) RunStream(in *structpb.Struct, stream grpc.ServerStream) error {
	req, err := strategylab.ParseRunRequest(in)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	var sendErr error
	observe := func(snap engine.Snapshot) {
		if sendErr != nil {
			return
		}
		msg, err := strategylab.Snapshot{
			Date:     snap.Point.Date,
			Action:   string(snap.Decision.Action),
			Price:    snap.Point.Price,
			Value:    snap.Point.Value,
			Cash:     snap.Account.Cash,
			Position: snap.Account.Position,
		}.Struct()
		if err == nil {
			err = stream.SendMsg(msg)
		}
		if err != nil {
			sendErr = err
			cancel()
		}
	}

	rep, err := s.bt.Run(ctx, req.Strategy, req.Symbol, req.Start, req.End, req.InitialCash, engine.WithObserver(observe))
	if sendErr != nil {
		return sendErr
	}
	if err != nil {
		return s.toStatus("RunStream", err)
	}
	msg, err := fromReport(rep).Struct()
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.SendMsg(msg)
}

// ListStrategies returns the registered strategy names.
func (s *BacktestService) ListStrategies(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	names := s.bt.Strategies()
	list := make([]any, len(names))
	for i, n := range names {
		list[i] = n
	}
	return structpb.NewStruct(map[string]any{"strategies": list})
}

// GetRun returns a stored run by ID.
func (s *BacktestService) GetRun(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.runs == nil {
		return nil, status.Error(codes.Unimplemented, "run store not configured")
	}
	id := in.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	rec, err := s.runs.GetRun(ctx, id)
	if err != nil {
		return nil, s.toStatus("GetRun", err)
	}
	return fromRecord(rec).Struct()
}

// ListRuns returns stored runs matching the query, newest first.
func (s *BacktestService) ListRuns(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.runs == nil {
		return nil, status.Error(codes.Unimplemented, "run store not configured")
	}
	q := strategylab.ParseRunsQuery(in)
	recs, err := s.runs.ListRuns(ctx, store.RunFilter{
		Symbol:   strings.ToUpper(q.Symbol),
		Strategy: q.Strategy,
		Limit:    q.Limit,
	})
	if err != nil {
		return nil, s.toStatus("ListRuns", err)
	}
	list := make([]any, 0, len(recs))
	for i := range recs {
		st, err := fromRecord(&recs[i]).Struct()
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		list = append(list, st.AsMap())
	}
	return structpb.NewStruct(map[string]any{"runs": list})
}

// toStatus maps engine and store errors onto gRPC codes.
func (s *BacktestService) toStatus(method string, err error) error {
	var unknown strategy.ErrUnknownStrategy
	var violation *domain.InvariantViolation
	switch {
	case errors.As(err, &unknown), errors.Is(err, store.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, engine.ErrInvalidRun):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &violation):
		s.log.Error("invariant violation", "method", method, "error", err)
		return status.Error(codes.Internal, err.Error())
	default:
		s.log.Error("request failed", "method", method, "error", err)
		return status.Error(codes.Unknown, err.Error())
	}
}

func fromReport(rep *engine.Report) strategylab.RunSummary {
	res := rep.Result
	sum := fromRecord(rep.Record())
	sum.CumulativeReturn = res.CumulativeReturn
	for _, sp := range res.Skipped {
		sum.Skipped = append(sum.Skipped, strategylab.Skip{Date: sp.Date, Reason: sp.Reason})
	}
	return sum
}

func fromRecord(r *store.RunRecord) strategylab.RunSummary {
	return strategylab.RunSummary{
		ID:               r.ID,
		Symbol:           r.Symbol,
		Strategy:         r.Strategy,
		Start:            r.Start,
		End:              r.End,
		InitialCash:      r.InitialCash,
		FinalValue:       r.FinalValue,
		CumulativeReturn: r.TotalReturn,
		Trades:           r.Trades,
		SkippedCount:     r.Skipped,
		CreatedAt:        r.CreatedAt,
		Metrics: strategylab.Metrics{
			SharpeRatio:         r.SharpeRatio,
			MaxDrawdown:         r.MaxDrawdown,
			MaxDrawdownDuration: r.MaxDrawdownDuration,
			Beta:                r.Beta,
			Alpha:               r.Alpha,
			WinRate:             r.WinRate,
			ProfitFactor:        r.ProfitFactor,
			TotalReturn:         r.TotalReturn,
			Periods:             r.Periods,
		},
	}
}
