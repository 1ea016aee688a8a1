package strategylab

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client provides a Go SDK for the strategylab Backtest service.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to a strategylab gRPC server at addr (host:port). Without
// options the connection uses insecure transport credentials.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection. Close is a no-op for it.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close releases the connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Run backtests req.Strategy and returns the scored summary.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	in, err := req.Struct()
	if err != nil {
		return RunSummary{}, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodRun, in, out); err != nil {
		return RunSummary{}, err
	}
	return ParseRunSummary(out)
}

var runStreamDesc = grpc.StreamDesc{StreamName: "RunStream", ServerStreams: true}

// RunStream is Run with progress: onSnapshot is called for every processed
// period before the final summary arrives.
func (c *Client) RunStream(ctx context.Context, req RunRequest, onSnapshot func(Snapshot)) (RunSummary, error) {
	in, err := req.Struct()
	if err != nil {
		return RunSummary{}, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.cc.NewStream(ctx, &runStreamDesc, MethodRunStream)
	if err != nil {
		return RunSummary{}, err
	}
	if err := stream.SendMsg(in); err != nil {
		return RunSummary{}, err
	}
	if err := stream.CloseSend(); err != nil {
		return RunSummary{}, err
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return RunSummary{}, errors.New("stream ended without a report")
			}
			return RunSummary{}, err
		}
		switch kind := msg.GetFields()["kind"].GetStringValue(); kind {
		case KindSnapshot:
			snap, err := ParseSnapshot(msg)
			if err != nil {
				return RunSummary{}, err
			}
			if onSnapshot != nil {
				onSnapshot(snap)
			}
		case KindReport:
			return ParseRunSummary(msg)
		default:
			return RunSummary{}, fmt.Errorf("unexpected stream message kind %q", kind)
		}
	}
}

// ListStrategies returns the strategy names the server can run.
func (c *Client) ListStrategies(ctx context.Context) ([]string, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodListStrategies, &structpb.Struct{}, out); err != nil {
		return nil, err
	}
	var names []string
	for _, v := range out.GetFields()["strategies"].GetListValue().GetValues() {
		names = append(names, v.GetStringValue())
	}
	return names, nil
}

// GetRun fetches a stored run by ID.
func (c *Client) GetRun(ctx context.Context, id string) (RunSummary, error) {
	in, err := structpb.NewStruct(map[string]any{"id": id})
	if err != nil {
		return RunSummary{}, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodGetRun, in, out); err != nil {
		return RunSummary{}, err
	}
	return ParseRunSummary(out)
}

// ListRuns lists stored runs, newest first.
func (c *Client) ListRuns(ctx context.Context, q RunsQuery) ([]RunSummary, error) {
	in, err := q.Struct()
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodListRuns, in, out); err != nil {
		return nil, err
	}
	var runs []RunSummary
	for _, v := range out.GetFields()["runs"].GetListValue().GetValues() {
		r, err := ParseRunSummary(v.GetStructValue())
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, nil
}
