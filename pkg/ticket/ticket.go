// Package ticket models change-request tickets and the store the tool
// handlers read and write.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("ticket not found")
	ErrInvalidKey    = errors.New("invalid ticket key")
	ErrInvalidStatus = errors.New("invalid ticket status")
	ErrInvalidCode   = errors.New("invalid project code")
)

// Statuses a ticket can be in.
const (
	StatusProposed    = "Proposed"
	StatusApproved    = "Approved"
	StatusInProgress  = "In Progress"
	StatusImplemented = "Implemented"
	StatusRejected    = "Rejected"
	StatusOnHold      = "On Hold"
)

var Statuses = []string{StatusProposed, StatusApproved, StatusInProgress, StatusImplemented, StatusRejected, StatusOnHold}

var Types = []string{"Architecture", "Feature Enhancement", "Bug Fix", "Technical Debt", "Documentation"}

var Priorities = []string{"Low", "Medium", "High", "Critical"}

func ValidStatus(s string) bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Ticket is one change request. Content is the markdown body.
type Ticket struct {
	Key       string    `json:"key" bson:"_id"`
	Project   string    `json:"project" bson:"project"`
	Title     string    `json:"title" bson:"title"`
	Type      string    `json:"type" bson:"type"`
	Priority  string    `json:"priority" bson:"priority"`
	Status    string    `json:"status" bson:"status"`
	Content   string    `json:"content,omitempty" bson:"content"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}

// Summary drops the body, for listings.
func (t Ticket) Summary() Ticket {
	t.Content = ""
	return t
}

// Project is a ticket namespace such as MDT.
type Project struct {
	Code    string `json:"code" bson:"_id"`
	Tickets int    `json:"tickets" bson:"tickets"`
}

// NewTicket holds the caller supplied fields of a ticket to create.
type NewTicket struct {
	Project  string
	Title    string
	Type     string
	Priority string
	Content  string
}

// Filter narrows a listing. Empty fields match everything.
type Filter struct {
	Status string
	Type   string
}

func (f Filter) Match(t Ticket) bool {
	return (f.Status == "" || strings.EqualFold(f.Status, t.Status)) &&
		(f.Type == "" || strings.EqualFold(f.Type, t.Type))
}

// Store is the ticket collaborator behind the tools.
type Store interface {
	ListProjects(ctx context.Context) ([]Project, error)
	List(ctx context.Context, project string, f Filter) ([]Ticket, error)
	Get(ctx context.Context, key string) (Ticket, error)
	Create(ctx context.Context, nt NewTicket) (Ticket, error)
	UpdateStatus(ctx context.Context, key, status string) (Ticket, error)
	Delete(ctx context.Context, key string) error
}

var (
	keyPattern  = regexp.MustCompile(`^([A-Z]+)-(\d+)$`)
	codePattern = regexp.MustCompile(`^[A-Z]+$`)
)

// NormalizeKey turns "mdt-66" into project "MDT" and key "MDT-066".
func NormalizeKey(s string) (project, key string, err error) {
	m := keyPattern.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(s)))
	if m == nil {
		return "", "", fmt.Errorf("%w: %q, expected PROJECT-NUMBER (e.g. MDT-066)", ErrInvalidKey, s)
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	return m[1], FormatKey(m[1], n), nil
}

// NormalizeCode upper-cases and checks a project code.
func NormalizeCode(s string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(s))
	if !codePattern.MatchString(code) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCode, s)
	}
	return code, nil
}

// FormatKey pads the number to three digits.
func FormatKey(project string, n int) string {
	return fmt.Sprintf("%s-%03d", project, n)
}
