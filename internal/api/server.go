// Package api exposes the backtester over gRPC (strategylab.v1.Backtest) and
// a small JSON HTTP API with health and Prometheus endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// Server hosts the HTTP and gRPC listeners.
type Server struct {
	httpAddr string
	grpcAddr string
	http     *http.Server
	grpc     *grpc.Server
	log      *slog.Logger
}

// NewServer creates a Server. An empty address disables that listener.
func NewServer(httpAddr, grpcAddr string, handlers *HTTPHandlers, svc *BacktestService, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		httpAddr: httpAddr,
		grpcAddr: grpcAddr,
		log:      log.With("component", "server"),
	}
	if httpAddr != "" && handlers != nil {
		s.http = &http.Server{
			Addr:              httpAddr,
			Handler:           handlers.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	if grpcAddr != "" && svc != nil {
		s.grpc = grpc.NewServer()
		svc.RegisterGRPC(s.grpc)
	}
	return s
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a listener fails. Either way both servers are shut
// down before it returns.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.http == nil && s.grpc == nil {
		return errors.New("api: no listeners configured")
	}

	var grpcLis, httpLis net.Listener
	var err error
	if s.grpc != nil {
		if grpcLis, err = net.Listen("tcp", s.grpcAddr); err != nil {
			return fmt.Errorf("grpc listen %s: %w", s.grpcAddr, err)
		}
		s.log.Info("grpc listening", "addr", grpcLis.Addr().String())
	}
	if s.http != nil {
		if httpLis, err = net.Listen("tcp", s.httpAddr); err != nil {
			if grpcLis != nil {
				grpcLis.Close()
			}
			return fmt.Errorf("http listen %s: %w", s.httpAddr, err)
		}
		s.log.Info("http listening", "addr", httpLis.Addr().String())
	}

	g, gctx := errgroup.WithContext(ctx)
	if grpcLis != nil {
		g.Go(func() error { return s.grpc.Serve(grpcLis) })
	}
	if httpLis != nil {
		g.Go(func() error {
			if err := s.http.Serve(httpLis); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown gracefully stops both servers, waiting for in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	if s.grpc != nil {
		done := make(chan struct{})
		go func() {
			s.grpc.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.grpc.Stop()
		}
	}
	return err
}
