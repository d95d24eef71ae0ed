// Package tools is the static list of tools the server exposes.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/null-create/mdt-mcp/pkg/mcp"
	"github.com/null-create/mdt-mcp/pkg/ticket"
	"github.com/null-create/mdt-mcp/pkg/validate"
)

// Register adds every tool to reg. It fails on the first rejected definition.
func Register(reg *mcp.ToolRegistry, store ticket.Store) error {
	for _, def := range Definitions(store) {
		if err := reg.RegisterTool(def); err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
	}
	return nil
}

// Definitions returns the tool set bound to store.
func Definitions(store ticket.Store) []mcp.ToolDefinition {
	t := &ticketTools{store: store}
	return []mcp.ToolDefinition{
		{
			Name:        "echo",
			Description: "Return the given text unchanged. Useful to check connectivity.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"text": {"type": "string"}},
				"required": ["text"],
				"additionalProperties": false
			}`),
			Annotations: mcp.Annotations{Title: "Echo", ReadOnlyHint: true, IdempotentHint: true},
			Handler:     echo,
		},
		{
			Name:        "list_projects",
			Description: "List ticket projects and how many tickets each holds.",
			InputSchema: json.RawMessage(`{"type": "object", "properties": {}, "additionalProperties": false}`),
			Annotations: mcp.Annotations{Title: "List projects", ReadOnlyHint: true, IdempotentHint: true},
			Handler:     t.listProjects,
		},
		{
			Name:        "list_crs",
			Description: "List the change requests of a project, optionally filtered by status or type.",
			InputSchema: json.RawMessage(fmt.Sprintf(`{
				"type": "object",
				"properties": {
					"project": %s,
					"status": {"type": "string", "enum": %s},
					"type": {"type": "string", "enum": %s}
				},
				"required": ["project"],
				"additionalProperties": false
			}`, projectSchema, enum(ticket.Statuses), enum(ticket.Types))),
			Annotations: mcp.Annotations{Title: "List change requests", ReadOnlyHint: true, IdempotentHint: true},
			Handler:     t.listCRs,
		},
		{
			Name:        "get_cr",
			Description: "Get a change request with its attributes and markdown content.",
			InputSchema: json.RawMessage(fmt.Sprintf(`{
				"type": "object",
				"properties": {"project": %s, "key": %s},
				"required": ["key"],
				"additionalProperties": false
			}`, projectSchema, keySchema)),
			Annotations: mcp.Annotations{Title: "Get change request", ReadOnlyHint: true, IdempotentHint: true},
			Handler:     t.getCR,
		},
		{
			Name:        "get_cr_section",
			Description: "Get one markdown section of a change request, such as \"## Description\".",
			InputSchema: json.RawMessage(fmt.Sprintf(`{
				"type": "object",
				"properties": {
					"project": %s,
					"key": %s,
					"section": {"type": "string", "minLength": 1}
				},
				"required": ["key", "section"],
				"additionalProperties": false
			}`, projectSchema, keySchema)),
			Annotations: mcp.Annotations{Title: "Get change request section", ReadOnlyHint: true, IdempotentHint: true},
			Handler:     t.getCRSection,
		},
		{
			Name:        "create_cr",
			Description: "Create a change request. The key is assigned from the project's counter.",
			InputSchema: json.RawMessage(fmt.Sprintf(`{
				"type": "object",
				"properties": {
					"project": %s,
					"title": {"type": "string", "minLength": 1, "maxLength": 200},
					"type": {"type": "string", "enum": %s},
					"priority": {"type": "string", "enum": %s},
					"content": {"type": "string"}
				},
				"required": ["project", "title", "type"],
				"additionalProperties": false
			}`, projectSchema, enum(ticket.Types), enum(ticket.Priorities))),
			Annotations: mcp.Annotations{Title: "Create change request"},
			Handler:     t.createCR,
		},
		{
			Name:        "update_cr_status",
			Description: "Set the status of a change request.",
			InputSchema: json.RawMessage(fmt.Sprintf(`{
				"type": "object",
				"properties": {
					"project": %s,
					"key": %s,
					"status": {"type": "string", "enum": %s}
				},
				"required": ["key", "status"],
				"additionalProperties": false
			}`, projectSchema, keySchema, enum(ticket.Statuses))),
			Annotations: mcp.Annotations{Title: "Update change request status", IdempotentHint: true},
			Handler:     t.updateCRStatus,
		},
		{
			Name:        "delete_cr",
			Description: "Delete a change request. Its number is not reused.",
			InputSchema: json.RawMessage(fmt.Sprintf(`{
				"type": "object",
				"properties": {"project": %s, "key": %s},
				"required": ["key"],
				"additionalProperties": false
			}`, projectSchema, keySchema)),
			Annotations: mcp.Annotations{Title: "Delete change request", DestructiveHint: true},
			Handler:     t.deleteCR,
		},
	}
}

const (
	projectSchema = `{"type": "string", "pattern": "^[A-Za-z]+$"}`
	keySchema     = `{"type": "string", "pattern": "^([A-Za-z]+-)?[0-9]+$"}`
)

func enum(values []string) string {
	b, _ := json.Marshal(values)
	return string(b)
}

func echo(_ context.Context, _ mcp.SessionContext, params json.RawMessage) (any, error) {
	var p struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	return map[string]string{"text": p.Text}, nil
}

type ticketTools struct {
	store ticket.Store
}

type keyParams struct {
	Project string `json:"project"`
	Key     string `json:"key"`
}

// ticketKey accepts "MDT-066" or a bare number together with a project.
func (p keyParams) ticketKey() (string, error) {
	key := strings.TrimSpace(p.Key)
	if !strings.Contains(key, "-") {
		if p.Project == "" {
			return "", mcp.NewHandlerError(mcp.CodeInvalid, "project is required when key is a bare number")
		}
		key = p.Project + "-" + key
	}
	_, key, err := ticket.NormalizeKey(key)
	if err != nil {
		return "", storeError(err)
	}
	return key, nil
}

// ChangedNotification is pushed after a ticket is created, updated or deleted.
type ChangedNotification struct {
	Key    string `json:"key"`
	Action string `json:"action"`
	Status string `json:"status,omitempty"`
}

func notifyChanged(sc mcp.SessionContext, n ChangedNotification) {
	if sc.Push != nil {
		_ = sc.Push(mcp.NotifyTicketChanged, n)
	}
}

func (t *ticketTools) listProjects(ctx context.Context, _ mcp.SessionContext, _ json.RawMessage) (any, error) {
	projects, err := t.store.ListProjects(ctx)
	if err != nil {
		return nil, storeError(err)
	}
	if projects == nil {
		projects = []ticket.Project{}
	}
	return map[string]any{"projects": projects}, nil
}

func (t *ticketTools) listCRs(ctx context.Context, _ mcp.SessionContext, params json.RawMessage) (any, error) {
	var p struct {
		Project string `json:"project"`
		Status  string `json:"status"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	crs, err := t.store.List(ctx, p.Project, ticket.Filter{Status: p.Status, Type: p.Type})
	if err != nil {
		return nil, storeError(err)
	}
	if crs == nil {
		crs = []ticket.Ticket{}
	}
	return map[string]any{"project": strings.ToUpper(p.Project), "crs": crs}, nil
}

func (t *ticketTools) getCR(ctx context.Context, _ mcp.SessionContext, params json.RawMessage) (any, error) {
	var p keyParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	key, err := p.ticketKey()
	if err != nil {
		return nil, err
	}
	cr, err := t.store.Get(ctx, key)
	if err != nil {
		return nil, storeError(err)
	}
	return crResult{cr}, nil
}

func (t *ticketTools) getCRSection(ctx context.Context, _ mcp.SessionContext, params json.RawMessage) (any, error) {
	var p struct {
		keyParams
		Section string `json:"section"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	key, err := p.ticketKey()
	if err != nil {
		return nil, err
	}
	cr, err := t.store.Get(ctx, key)
	if err != nil {
		return nil, storeError(err)
	}
	content, err := ticket.Section(cr.Content, p.Section)
	if err != nil {
		return nil, storeError(err)
	}
	return sectionResult{Key: cr.Key, Section: p.Section, Content: content}, nil
}

func (t *ticketTools) createCR(ctx context.Context, sc mcp.SessionContext, params json.RawMessage) (any, error) {
	var p struct {
		Project  string `json:"project"`
		Title    string `json:"title"`
		Type     string `json:"type"`
		Priority string `json:"priority"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if err := validate.CheckText(p.Title); err != nil {
		return nil, mcp.NewHandlerError(mcp.CodeInvalid, "title: %v", err)
	}
	if err := validate.CheckText(p.Content); err != nil {
		return nil, mcp.NewHandlerError(mcp.CodeInvalid, "content: %v", err)
	}
	if p.Priority == "" {
		p.Priority = "Medium"
	}

	cr, err := t.store.Create(ctx, ticket.NewTicket{
		Project:  p.Project,
		Title:    p.Title,
		Type:     p.Type,
		Priority: p.Priority,
		Content:  p.Content,
	})
	if err != nil {
		return nil, storeError(err)
	}
	notifyChanged(sc, ChangedNotification{Key: cr.Key, Action: "created", Status: cr.Status})
	return cr, nil
}

func (t *ticketTools) updateCRStatus(ctx context.Context, sc mcp.SessionContext, params json.RawMessage) (any, error) {
	var p struct {
		keyParams
		Status string `json:"status"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	key, err := p.ticketKey()
	if err != nil {
		return nil, err
	}
	cr, err := t.store.UpdateStatus(ctx, key, p.Status)
	if err != nil {
		return nil, storeError(err)
	}
	notifyChanged(sc, ChangedNotification{Key: cr.Key, Action: "updated", Status: cr.Status})
	return cr, nil
}

func (t *ticketTools) deleteCR(ctx context.Context, sc mcp.SessionContext, params json.RawMessage) (any, error) {
	var p keyParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	key, err := p.ticketKey()
	if err != nil {
		return nil, err
	}
	if err := t.store.Delete(ctx, key); err != nil {
		return nil, storeError(err)
	}
	notifyChanged(sc, ChangedNotification{Key: key, Action: "deleted"})
	return map[string]any{"key": key, "deleted": true}, nil
}

// storeError gives store failures a client-facing code. Anything not
// recognised passes through and is reported as an internal error.
func storeError(err error) error {
	switch {
	case errors.Is(err, ticket.ErrNotFound), errors.Is(err, ticket.ErrSectionNotFound):
		return &mcp.HandlerError{Code: mcp.CodeNotFound, Message: err.Error()}
	case errors.Is(err, ticket.ErrInvalidKey), errors.Is(err, ticket.ErrInvalidStatus), errors.Is(err, ticket.ErrInvalidCode):
		return &mcp.HandlerError{Code: mcp.CodeInvalid, Message: err.Error()}
	}
	return err
}

// crResult is a full ticket. Its text form is the metadata block clients
// scrape for "- Status:" style lines.
type crResult struct {
	ticket.Ticket
}

func (r crResult) ResultText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "📄 **%s** - %s\n\n", r.Key, r.Title)
	fmt.Fprintf(&b, "- Status: %s\n", r.Status)
	fmt.Fprintf(&b, "- Type: %s\n", r.Type)
	fmt.Fprintf(&b, "- Priority: %s\n", r.Priority)
	fmt.Fprintf(&b, "- Project: %s\n", r.Project)
	fmt.Fprintf(&b, "- Created: %s\n", r.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Updated: %s\n", r.UpdatedAt.Format(time.RFC3339))
	if r.Content != "" {
		b.WriteString("\n")
		b.WriteString(r.Content)
	}
	return b.String()
}

type sectionResult struct {
	Key     string `json:"key"`
	Section string `json:"section"`
	Content string `json:"content"`
}

// ResultText puts the section body between two "---" lines.
func (r sectionResult) ResultText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "📖 **Section: %s** from %s\n\n", r.Section, r.Key)
	fmt.Fprintf(&b, "**Content Length:** %d characters\n\n", utf8.RuneCountInString(r.Content))
	b.WriteString("---\n\n")
	b.WriteString(r.Content)
	b.WriteString("\n\n---\n")
	return b.String()
}
