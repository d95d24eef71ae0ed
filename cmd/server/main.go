package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/null-create/mdt-mcp/pkg/auth"
	"github.com/null-create/mdt-mcp/pkg/cache"
	"github.com/null-create/mdt-mcp/pkg/codec"
	"github.com/null-create/mdt-mcp/pkg/config"
	"github.com/null-create/mdt-mcp/pkg/db"
	"github.com/null-create/mdt-mcp/pkg/logger"
	"github.com/null-create/mdt-mcp/pkg/mcp"
	"github.com/null-create/mdt-mcp/pkg/metrics"
	"github.com/null-create/mdt-mcp/pkg/security"
	"github.com/null-create/mdt-mcp/pkg/server"
	"github.com/null-create/mdt-mcp/pkg/session"
	"github.com/null-create/mdt-mcp/pkg/stream"
	"github.com/null-create/mdt-mcp/pkg/ticket"
	"github.com/null-create/mdt-mcp/pkg/tools"
)

var version = "dev"

const instructions = "Tools for the markdown ticket store. Change requests are addressed by keys such as MDT-066; " +
	"list_projects shows the available project codes."

type flags struct {
	configPath string
	httpOn     bool
	httpAddr   string
	logLevel   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	f := &flags{}
	rootCmd := &cobra.Command{
		Use:   "mdt-mcp",
		Short: "MCP tool server for the markdown ticket store",
		Long: `mdt-mcp exposes the ticket tools over two transports at once: newline-delimited
JSON-RPC on stdin/stdout, and an optional HTTP endpoint with server-sent event streams.

Configuration is read from the file given by --config (or MDT_CONFIG), then from MDT_*
environment variables, then from flags.`,
		Version:      version,
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", os.Getenv("MDT_CONFIG"), "path to a YAML or JSON config file")
	rootCmd.Flags().BoolVar(&f.httpOn, "http", false, "enable the HTTP transport")
	rootCmd.Flags().StringVar(&f.httpAddr, "http-addr", "", "HTTP listen address (default 127.0.0.1:3002)")
	rootCmd.Flags().StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn or error")

	rootCmd.AddCommand(newTokenCommand(f))
	return rootCmd
}

func newTokenCommand(f *flags) *cobra.Command {
	var (
		user string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP transport",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(f.configPath)
			if err != nil {
				return err
			}
			a, err := auth.NewJWTAuthenticator(cfg.Security.Auth.JWTSecret)
			if err != nil {
				return fmt.Errorf("set security.auth.jwt-secret first: %w", err)
			}
			token, err := a.CreateToken(user, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "mdt", "subject of the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	cfg, err := config.LoadConfig(f.configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("http") {
		cfg.HTTP.Enabled = f.httpOn
	}
	if cmd.Flags().Changed("http-addr") {
		cfg.HTTP.Addr = f.httpAddr
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	slog.SetDefault(log)

	var (
		store    ticket.Store = ticket.NewMemoryStore()
		recorder codec.Recorder
	)
	if cfg.Store.MongoURI != "" {
		ms, err := db.NewMongoStore(ctx, cfg.Store.MongoURI, cfg.Store.MongoDB)
		if err != nil {
			return fmt.Errorf("ticket store: %w", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := ms.Close(closeCtx); err != nil {
				log.Warn("failed to close mongo connection", "error", err)
			}
		}()
		store, recorder = ms, ms
		log.Info("using mongo ticket store", "db", cfg.Store.MongoDB)
	}

	registry := mcp.NewToolRegistry()
	if err := tools.Register(registry, store); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	sessions := session.NewStore(session.Options{
		IdleTimeout: cfg.Session.IdleTimeout,
		ResumeGrace: cfg.Session.ResumeGrace,
		MaxEvents:   cfg.Session.MaxEvents,
		Logger:      log,
	})
	m := metrics.New(sessions.Live)

	handler := codec.NewHandler(codec.Options{
		Registry:     registry,
		Sessions:     sessions,
		Streams:      stream.NewController(sessions, stream.DefaultBuffer, log),
		ServerInfo:   mcp.Implementation{Name: "mdt-mcp", Version: version},
		Instructions: instructions,
		Recorder:     recorder,
		Observer:     m,
		Logger:       log,
	})

	stdio := server.NewStdioTransport(handler, os.Stdin, os.Stdout, log)
	httpOpts := server.HTTPOptions{
		Enabled:       cfg.HTTP.Enabled,
		Addr:          cfg.HTTP.Addr,
		AllowNonLocal: cfg.HTTP.AllowNonLocal,
		TLS:           tlsOptions(cfg.HTTP),
	}
	if cfg.HTTP.Enabled {
		gate, closeGate, err := newGate(ctx, cfg, m, log)
		if err != nil {
			return err
		}
		defer closeGate()

		transport := server.NewHTTPTransport(handler, server.DefaultKeepAlive, log)
		httpOpts.Router = server.NewRouter(server.RouterOptions{
			Path:      cfg.HTTP.Path,
			Transport: transport,
			Gate:      gate,
			Metrics:   m.Handler(),
			Logger:    log,
		})
		httpOpts.OnShutdown = transport.CloseStreams
	}

	manager := server.NewManager(server.ManagerOptions{
		Handler:       handler,
		Stdio:         stdio,
		HTTP:          httpOpts,
		ReapInterval:  cfg.Session.ReapInterval,
		ShutdownGrace: cfg.Shutdown.Grace,
		Logger:        log,
	})
	return manager.Run(ctx)
}

// tlsOptions maps the HTTP settings onto the server's TLS options. The zero
// value means plain HTTP.
func tlsOptions(h config.HTTPConfig) server.TLSOptions {
	if !h.TLSEnabled() {
		return server.TLSOptions{}
	}
	return server.TLSOptions{
		CertFile:          h.TLSCertFile,
		KeyFile:           h.TLSKeyFile,
		ClientCAFile:      h.TLSClientCA,
		RequireClientCert: h.TLSRequireClientCert,
	}
}

// newGate builds the security gate from configuration. The returned func
// releases the rate limiter backend.
func newGate(ctx context.Context, cfg *config.Config, m *metrics.Metrics, log *slog.Logger) (*security.Gate, func(), error) {
	closeFn := func() {}
	opts := security.GateOptions{
		AllowedOrigins: cfg.Security.AllowedOrigins,
		RequireOrigin:  cfg.Security.RequireOrigin,
		OnReject:       func(r security.Reason) { m.Rejected(string(r)) },
		Logger:         log,
	}

	rl := cfg.Security.RateLimit
	switch {
	case rl.Enabled && rl.RedisAddr != "":
		rc := cache.NewRedisCache(rl.RedisAddr, "", 0)
		if err := rc.Ping(ctx); err != nil {
			log.Warn("redis unreachable, rate limiting falls open until it recovers", "addr", rl.RedisAddr, "error", err)
		}
		opts.Limiter = security.NewRedisLimiter(rc, rl.RPS, rl.Burst)
		closeFn = func() { _ = rc.Close() }
	case rl.Enabled:
		opts.Limiter = security.NewMemoryLimiter(rl.RPS, rl.Burst)
	}

	if cfg.Security.Auth.Enabled {
		a, err := auth.NewJWTAuthenticator(cfg.Security.Auth.JWTSecret)
		if err != nil {
			return nil, closeFn, err
		}
		opts.Authenticator = a
	}

	gate, err := security.NewGate(opts)
	if err != nil {
		closeFn()
		return nil, func() {}, err
	}
	return gate, closeFn, nil
}
