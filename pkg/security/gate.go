// Package security decides whether a network request or listener is
// acceptable before any protocol processing happens.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/null-create/mdt-mcp/pkg/util"
)

// Authenticator verifies the Authorization header of a request and returns
// a context carrying the caller's identity.
type Authenticator interface {
	Authenticate(ctx context.Context, header string) (context.Context, error)
}

// NoopAuthenticator accepts every request unchanged.
type NoopAuthenticator struct{}

func (NoopAuthenticator) Authenticate(ctx context.Context, _ string) (context.Context, error) {
	return ctx, nil
}

type GateOptions struct {
	AllowedOrigins []string
	RequireOrigin  bool
	Limiter        Limiter
	Authenticator  Authenticator
	// OnReject is called for every refused request, e.g. to count it.
	OnReject func(Reason)
	Logger   *slog.Logger
}

// Gate applies origin, authentication and rate-limit checks. It holds no
// per-request state and is safe for concurrent use.
type Gate struct {
	origins       []originPattern
	requireOrigin bool
	limiter       Limiter
	auth          Authenticator
	onReject      func(Reason)
	log           *slog.Logger
}

func NewGate(opts GateOptions) (*Gate, error) {
	g := &Gate{
		requireOrigin: opts.RequireOrigin,
		limiter:       opts.Limiter,
		auth:          opts.Authenticator,
		onReject:      opts.OnReject,
		log:           opts.Logger,
	}
	for _, o := range opts.AllowedOrigins {
		p, err := parseOriginPattern(o)
		if err != nil {
			return nil, fmt.Errorf("security.allowed-origins: %w", err)
		}
		g.origins = append(g.origins, p)
	}
	if g.limiter == nil {
		g.limiter = NoopLimiter{}
	}
	if g.auth == nil {
		g.auth = NoopAuthenticator{}
	}
	if g.onReject == nil {
		g.onReject = func(Reason) {}
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	g.log = g.log.With("component", "security")
	return g, nil
}

// ValidateOrigin checks an Origin header value against the allow-list. An
// absent header is accepted unless the gate requires one, since non-browser
// clients do not send it.
func (g *Gate) ValidateOrigin(origin string) error {
	if origin == "" {
		if g.requireOrigin {
			return reject(ReasonOriginMissing, "Origin header is required")
		}
		return nil
	}
	o, ok := parseOrigin(origin)
	if !ok {
		return reject(ReasonOriginNotAllowed, "malformed origin %q", origin)
	}
	for _, p := range g.origins {
		if p.match(o) {
			return nil
		}
	}
	return reject(ReasonOriginNotAllowed, "origin %q is not allowed", origin)
}

// AllowOrigin adapts ValidateOrigin to the CORS middleware's callback.
func (g *Gate) AllowOrigin(_ *http.Request, origin string) bool {
	return g.ValidateOrigin(origin) == nil
}

// RateLimit consumes one request for key. A limiter backend failure lets the
// request through.
func (g *Gate) RateLimit(ctx context.Context, key string) error {
	ok, err := g.limiter.Allow(ctx, key)
	if err != nil {
		g.log.Warn("rate limiter unavailable, allowing request", "key", key, "error", err)
		return nil
	}
	if !ok {
		return reject(ReasonRateLimited, "too many requests from %s", key)
	}
	return nil
}

// Authenticate runs the configured authenticator.
func (g *Gate) Authenticate(ctx context.Context, header string) (context.Context, error) {
	next, err := g.auth.Authenticate(ctx, header)
	if err != nil {
		return nil, &Rejection{Reason: ReasonUnauthenticated, Detail: err.Error()}
	}
	return next, nil
}

// Middleware runs the origin, authentication and rate-limit checks in that
// order and answers refused requests itself.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := g.ValidateOrigin(r.Header.Get("Origin")); err != nil {
			g.refuse(w, r, err)
			return
		}
		ctx, err := g.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			g.refuse(w, r, err)
			return
		}
		if err := g.RateLimit(ctx, hostOnly(r.RemoteAddr)); err != nil {
			g.refuse(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Gate) refuse(w http.ResponseWriter, r *http.Request, err error) {
	rej := err.(*Rejection)
	g.onReject(rej.Reason)
	g.log.Warn("request rejected",
		"reason", rej.Reason,
		"detail", rej.Detail,
		"remote", r.RemoteAddr,
		"method", r.Method,
	)
	util.WriteError(w, rej.Status(), string(rej.Reason))
}
