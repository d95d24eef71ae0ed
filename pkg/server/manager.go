package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/null-create/mdt-mcp/pkg/codec"
	"github.com/null-create/mdt-mcp/pkg/security"
)

// HTTPOptions configures the optional network transport.
type HTTPOptions struct {
	Enabled       bool
	Addr          string
	AllowNonLocal bool
	TLS           TLSOptions
	Router        http.Handler
	// OnShutdown runs when the HTTP server starts shutting down, before it
	// waits for open connections.
	OnShutdown func()
}

type ManagerOptions struct {
	Handler       *codec.Handler
	Stdio         *StdioTransport
	HTTP          HTTPOptions
	ReapInterval  time.Duration
	ShutdownGrace time.Duration
	Logger        *slog.Logger
	// Listen opens the network listener. Defaults to net.Listen.
	Listen func(network, address string) (net.Listener, error)
}

// Manager starts both transports, supervises them and shuts them down. The
// persistent channel always runs; the network transport is best effort.
type Manager struct {
	opts ManagerOptions
	log  *slog.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	group     *errgroup.Group
	http      *Server
	httpAddr  string
	stdioDone chan struct{}
	stopped   bool
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Listen == nil {
		opts.Listen = net.Listen
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = time.Minute
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 10 * time.Second
	}
	return &Manager{
		opts:      opts,
		log:       opts.Logger.With("component", "manager"),
		stdioDone: make(chan struct{}),
	}
}

// Start seals the tool registry, starts the session reaper, tries to bring
// up the network transport and starts the persistent channel. Only a missing
// handler or persistent channel is an error.
func (m *Manager) Start(ctx context.Context) error {
	if m.opts.Handler == nil || m.opts.Stdio == nil {
		return errors.New("manager needs a handler and a persistent channel")
	}
	m.opts.Handler.Registry().Seal()

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	m.mu.Lock()
	m.cancel = cancel
	m.group = g
	m.mu.Unlock()

	sessions := m.opts.Handler.Sessions()
	g.Go(func() error {
		sessions.Run(gctx, m.opts.ReapInterval)
		return nil
	})

	if m.opts.HTTP.Enabled {
		if err := m.startHTTP(g); err != nil {
			m.log.Warn("network transport unavailable, continuing on the persistent channel only", "error", err)
		}
	}

	g.Go(func() error {
		defer close(m.stdioDone)
		if err := m.opts.Stdio.Serve(gctx); err != nil {
			m.log.Error("persistent channel failed", "error", err)
		}
		return nil
	})

	m.log.Info("transports started",
		"tools", len(m.opts.Handler.Registry().ListTools()),
		"http", m.HTTPAddr(),
	)
	return nil
}

func (m *Manager) startHTTP(g *errgroup.Group) error {
	opts := m.opts.HTTP
	if err := security.ValidateBindPolicy(opts.Addr, opts.AllowNonLocal); err != nil {
		return err
	}

	var srv *Server
	if opts.TLS.Enabled() {
		tlsConfig, err := BuildTLSConfig(opts.TLS)
		if err != nil {
			return err
		}
		srv = NewServer(opts.Router, tlsConfig)
	} else {
		srv = NewServer(opts.Router, nil)
	}
	if opts.OnShutdown != nil {
		srv.Svr.RegisterOnShutdown(opts.OnShutdown)
	}

	ln, err := m.opts.Listen("tcp", opts.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", opts.Addr, err)
	}

	m.mu.Lock()
	m.http = srv
	m.httpAddr = ln.Addr().String()
	m.mu.Unlock()

	scheme := "http"
	if srv.Svr.TLSConfig != nil {
		scheme = "https"
	}
	m.log.Info("network transport listening", "url", scheme+"://"+ln.Addr().String())

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error("network transport stopped", "error", err)
		}
		return nil
	})
	return nil
}

// HTTPAddr is the bound network address, or "" when the network transport
// is not running.
func (m *Manager) HTTPAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.httpAddr
}

// Wait blocks until ctx ends, or until the persistent channel closes while
// no network transport is running.
func (m *Manager) Wait(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-m.stdioDone:
	}
	if m.HTTPAddr() == "" {
		return
	}
	m.log.Info("persistent channel closed, still serving the network transport")
	<-ctx.Done()
}

// Stop drains the network transport within ctx, terminates every session
// and waits for all supervised goroutines.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.group == nil {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	srv := m.http
	m.mu.Unlock()

	var errs []error
	if srv != nil {
		runTime, err := srv.Shutdown(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		m.log.Info("network transport stopped", "run_time", runTime)
	}

	n := m.opts.Handler.Sessions().TerminateAll()
	m.cancel()
	if err := m.group.Wait(); err != nil {
		errs = append(errs, err)
	}
	m.log.Info("shutdown complete", "sessions_terminated", n)
	return errors.Join(errs...)
}

// Run starts the transports, waits for ctx or the end of the persistent
// channel and stops within the configured grace period.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	m.Wait(ctx)

	m.log.Info("shutting down", "grace", m.opts.ShutdownGrace)
	stopCtx, cancel := context.WithTimeout(context.Background(), m.opts.ShutdownGrace)
	defer cancel()
	return m.Stop(stopCtx)
}
