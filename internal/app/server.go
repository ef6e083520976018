package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/NexusSwitchboard/nexus-core/internal/config"
	logx "github.com/NexusSwitchboard/nexus-core/pkg/logx"
)

// httpServer is the host listener. The first listen happens synchronously in
// Start so a bad address fails the process; later restarts re-listen.
type httpServer struct {
	log  logx.Logger
	addr string
	srv  *http.Server

	mu    sync.Mutex
	ln    net.Listener
	bound string
}

func newHTTPServer(addr string, h http.Handler, hc config.HTTPConfig, log logx.Logger) *httpServer {
	return &httpServer{
		log:  log,
		addr: addr,
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       config.DurationOr(hc.ReadTimeout, 30*time.Second),
			WriteTimeout:      config.DurationOr(hc.WriteTimeout, 60*time.Second),
			IdleTimeout:       config.DurationOr(hc.IdleTimeout, 2*time.Minute),
		},
	}
}

func (s *httpServer) listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.bound = ln.Addr().String()
	s.mu.Unlock()
	return nil
}

// Addr is the bound address once listening.
func (s *httpServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

func (s *httpServer) serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	s.mu.Unlock()
	if ln == nil {
		if err := s.listen(); err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return err
		}
		return s.serve(ctx)
	}

	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))
	err := s.srv.Serve(ln)
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return context.Canceled
	}
	return err
}

func (s *httpServer) shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		_ = s.srv.Close()
	}
	s.mu.Lock()
	if s.ln != nil {
		_ = s.ln.Close()
		s.ln = nil
	}
	s.mu.Unlock()
	return err
}
