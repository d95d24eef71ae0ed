package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/null-create/mdt-mcp/pkg/security"
	"github.com/null-create/mdt-mcp/pkg/util"
)

type RouterOptions struct {
	Path      string // MCP endpoint, e.g. /mcp
	Transport *HTTPTransport
	Gate      *security.Gate
	Metrics   http.Handler // (OPTIONAL) mounted at /metrics
	StartTime time.Time
	Logger    *slog.Logger
}

func NewRouter(opts RouterOptions) http.Handler {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	start := opts.StartTime
	if start.IsZero() {
		start = time.Now().UTC()
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(requestLogger(log.With("component", "router")))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc:  opts.Gate.AllowOrigin,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderSessionID, HeaderProtocolVersion, HeaderLastEventID},
		ExposedHeaders:   []string{HeaderSessionID},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, map[string]string{
			"status": "ok",
			"uptime": secondsToTimeStr(time.Since(start).Seconds()),
		})
	})

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	// MCP endpoint
	r.Group(func(r chi.Router) {
		r.Use(opts.Gate.Middleware)

		r.Post(opts.Path, opts.Transport.HandlePost)
		r.Get(opts.Path, opts.Transport.HandleStream)
		r.Delete(opts.Path, opts.Transport.HandleDelete)
	})

	return r
}

// requestLogger logs one line per request once it completes.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Debug("request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
