package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/null-create/mdt-mcp/pkg/validate"
)

// ToolRegistry maintains the set of invocable tools. It is populated at
// startup, sealed, and then only read.
type ToolRegistry struct {
	mu     sync.RWMutex
	tools  map[string]*ToolDefinition
	sealed bool
}

// NewToolRegistry creates an empty, unsealed tool registry
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*ToolDefinition),
	}
}

// RegisterTool validates and adds a tool to the registry.
func (tr *ToolRegistry) RegisterTool(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTool)
	}
	if def.Handler == nil {
		return fmt.Errorf("%w: tool %q has no handler", ErrInvalidTool, def.Name)
	}
	if err := validate.CheckText(def.Description); err != nil {
		return fmt.Errorf("%w: tool %q description: %v", ErrInvalidTool, def.Name, err)
	}

	schema, err := validate.CompileSchema(def.InputSchema)
	if err != nil {
		return fmt.Errorf("%w: tool %q: %v", ErrInvalidTool, def.Name, err)
	}
	fingerprint, err := generateSchemaFingerprint(def.InputSchema)
	if err != nil {
		return fmt.Errorf("%w: tool %q: %v", ErrInvalidTool, def.Name, err)
	}
	def.schema = schema
	def.fingerprint = fingerprint

	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.sealed {
		return ErrRegistrySealed
	}
	if _, exists := tr.tools[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.Name)
	}
	tr.tools[def.Name] = &def
	return nil
}

// Seal freezes the registry. Transports seal it before accepting clients.
func (tr *ToolRegistry) Seal() {
	tr.mu.Lock()
	tr.sealed = true
	tr.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (tr *ToolRegistry) Sealed() bool {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return tr.sealed
}

// GetTool retrieves a tool from the registry
func (tr *ToolRegistry) GetTool(name string) (*ToolDefinition, error) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	tool, exists := tr.tools[name]
	if !exists {
		return nil, &UnknownToolError{Name: name}
	}
	return tool, nil
}

// HasTool reports whether name is registered.
func (tr *ToolRegistry) HasTool(name string) bool {
	_, err := tr.GetTool(name)
	return err == nil
}

// ListTools returns all registered tools sorted by name
func (tr *ToolRegistry) ListTools() []ToolDescription {
	tr.mu.RLock()
	tools := make([]ToolDescription, 0, len(tr.tools))
	for _, tool := range tr.tools {
		tools = append(tools, tool.Describe())
	}
	tr.mu.RUnlock()

	sort.Slice(tools, func(i, j int) bool {
		return tools[i].Name < tools[j].Name
	})
	return tools
}

// Dispatch resolves name, validates params against the tool's schema and
// runs the handler. Errors are always one of *UnknownToolError,
// *InvalidParamsError or *HandlerError.
func (tr *ToolRegistry) Dispatch(ctx context.Context, name string, params json.RawMessage, sc SessionContext) (result any, err error) {
	tool, err := tr.GetTool(name)
	if err != nil {
		return nil, err
	}

	fieldErrs, err := tool.schema.Validate(params)
	if err != nil {
		return nil, &InvalidParamsError{Tool: name, Err: err}
	}
	if len(fieldErrs) > 0 {
		return nil, &InvalidParamsError{Tool: name, Fields: fieldErrs}
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &HandlerError{
				Code:    CodeInternal,
				Message: fmt.Sprintf("tool %q failed; retry or check the server logs", name),
				Cause:   fmt.Errorf("panic: %v", r),
			}
		}
	}()

	result, err = tool.Handler(ctx, sc, validate.Normalize(params))
	if err != nil {
		return nil, wrapHandlerError(name, err)
	}
	return result, nil
}

// IsDispatchError reports whether err came out of Dispatch's typed set.
func IsDispatchError(err error) bool {
	var (
		unknown *UnknownToolError
		invalid *InvalidParamsError
		handler *HandlerError
	)
	return errors.As(err, &unknown) || errors.As(err, &invalid) || errors.As(err, &handler)
}

// canonicalizeJson re-encodes a JSON document so that key order does not
// affect the bytes (encoding/json sorts map keys).
func canonicalizeJson(data json.RawMessage) (json.RawMessage, error) {
	var obj any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

// generateSchemaFingerprint creates a fingerprint of the schema using SHA-256
func generateSchemaFingerprint(schema json.RawMessage) (string, error) {
	canonical, err := canonicalizeJson(schema)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(canonical)
	return hex.EncodeToString(hash[:]), nil
}
