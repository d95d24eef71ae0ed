package security

import (
	"fmt"
	"net/http"
)

// Reason identifies why the gate refused a request.
type Reason string

const (
	ReasonOriginNotAllowed Reason = "origin_not_allowed"
	ReasonOriginMissing    Reason = "origin_missing"
	ReasonUnauthenticated  Reason = "unauthenticated"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonBindPolicy       Reason = "bind_policy"
)

// Rejection is returned for every request or listener the gate refuses.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("rejected: %s", r.Reason)
	}
	return fmt.Sprintf("rejected: %s: %s", r.Reason, r.Detail)
}

// Status is the HTTP status a rejection is reported with.
func (r *Rejection) Status() int {
	switch r.Reason {
	case ReasonUnauthenticated:
		return http.StatusUnauthorized
	case ReasonRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusForbidden
}

func reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
