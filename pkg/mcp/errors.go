package mcp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/null-create/mdt-mcp/pkg/validate"
)

var (
	ErrDuplicateTool  = errors.New("tool already registered")
	ErrRegistrySealed = errors.New("tool registry is sealed")
	ErrInvalidTool    = errors.New("invalid tool definition")
)

// UnknownToolError is returned when a name does not resolve to a registered tool.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q: call tools/list to discover available tools", e.Name)
}

// InvalidParamsError is returned when params do not conform to a tool's schema.
type InvalidParamsError struct {
	Tool   string
	Fields []validate.FieldError
	Err    error // set when params could not be parsed at all
}

func (e *InvalidParamsError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid params for tool %q: %v", e.Tool, e.Err)
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.String())
	}
	return fmt.Sprintf("invalid params for tool %q: %s", e.Tool, strings.Join(parts, "; "))
}

func (e *InvalidParamsError) Unwrap() error { return e.Err }

// Field is the first field that failed, or empty when params were unparsable.
func (e *InvalidParamsError) Field() string {
	if len(e.Fields) == 0 {
		return ""
	}
	return e.Fields[0].Field
}

// Handler error codes used when a handler does not supply its own.
const (
	CodeInternal = "internal"
	CodeNotFound = "not_found"
	CodeConflict = "conflict"
	CodeInvalid  = "invalid"
)

// HandlerError is a business-logic failure reported by a tool handler. Code
// and Message are what the client sees; Cause stays on the server.
type HandlerError struct {
	Code    string
	Message string
	Cause   error
}

func (e *HandlerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *HandlerError) Unwrap() error { return e.Cause }

// NewHandlerError builds a HandlerError with a client-facing code and message.
func NewHandlerError(code, format string, args ...any) *HandlerError {
	return &HandlerError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// wrapHandlerError keeps typed handler errors and hides everything else
// behind a generic internal error.
func wrapHandlerError(tool string, err error) *HandlerError {
	var he *HandlerError
	if errors.As(err, &he) {
		return he
	}
	return &HandlerError{
		Code:    CodeInternal,
		Message: fmt.Sprintf("tool %q failed; retry or check the server logs", tool),
		Cause:   err,
	}
}
