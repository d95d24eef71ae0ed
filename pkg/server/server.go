package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

type Conf struct {
	TimeoutRead       time.Duration
	TimeoutReadHeader time.Duration
	TimeoutIdle       time.Duration
}

// ServerConfigs returns the http.Server timeouts. There is no write timeout:
// event streams stay open for as long as the client listens.
func ServerConfigs() *Conf {
	return &Conf{
		TimeoutRead:       time.Second * 30,
		TimeoutReadHeader: time.Second * 10,
		TimeoutIdle:       time.Second * 30,
	}
}

// Server represents the network transport's http server.
type Server struct {
	StartTime time.Time
	Svr       *http.Server
}

// NewServer wraps handlers in an http.Server. tlsConfig may be nil.
func NewServer(handlers http.Handler, tlsConfig *tls.Config) *Server {
	svrCfgs := ServerConfigs()
	return &Server{
		StartTime: time.Now().UTC(),
		Svr: &http.Server{
			Handler:           handlers,
			TLSConfig:         tlsConfig,
			ReadTimeout:       svrCfgs.TimeoutRead,
			ReadHeaderTimeout: svrCfgs.TimeoutReadHeader,
			IdleTimeout:       svrCfgs.TimeoutIdle,
		},
	}
}

func secondsToTimeStr(seconds float64) string {
	duration := time.Duration(int64(seconds)) * time.Second
	timeValue := time.Time{}.Add(duration)
	return timeValue.Format("15:04:05")
}

// returns the current run time of the server
// as a HH:MM:SS formatted string.
func (s *Server) RunTime() string {
	return secondsToTimeStr(time.Since(s.StartTime).Seconds())
}

// Serve accepts connections on ln until the server is shut down. It returns
// http.ErrServerClosed after a shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if s.Svr.TLSConfig != nil {
		return s.Svr.ServeTLS(ln, "", "")
	}
	return s.Svr.Serve(ln)
}

// Shutdown drains in-flight requests until ctx ends, then forcibly closes
// whatever is left. It returns the total run time.
func (s *Server) Shutdown(ctx context.Context) (string, error) {
	err := s.Svr.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if cerr := s.Svr.Close(); cerr != nil && !errors.Is(cerr, http.ErrServerClosed) {
			return s.RunTime(), fmt.Errorf("server shutdown failed: %v", cerr)
		}
		return s.RunTime(), fmt.Errorf("shutdown timed out, connections forced closed: %w", err)
	}
	if err != nil {
		return s.RunTime(), fmt.Errorf("server shutdown failed: %v", err)
	}
	return s.RunTime(), nil
}
