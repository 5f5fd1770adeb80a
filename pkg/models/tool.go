package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrServiceIDMissing   = errors.New("service descriptor missing id")
	ErrServiceIDDuplicate = errors.New("duplicate service id in announcement")
)

// ExecutionKind selects how a tool runs.
type ExecutionKind string

const (
	ExecutionKindScript ExecutionKind = "script"
	ExecutionKindHTTP   ExecutionKind = "http"
)

// ParameterSpec declares one named tool argument.
type ParameterSpec struct {
	Type        string `json:"type"` // string, number, integer, boolean
	Description string `json:"description,omitempty"`
}

// ParameterSchema is the JSON-schema-like argument declaration of a tool.
type ParameterSchema struct {
	Type       string                   `json:"type"` // always "object"
	Properties map[string]ParameterSpec `json:"properties,omitempty"`
	Required   []string                 `json:"required,omitempty"`
}

// ExecutionSpec declares how a tool executes once its arguments validate.
// Command and URL carry {argName} placeholders substituted after
// validation and sanitization.
type ExecutionSpec struct {
	Type           ExecutionKind     `json:"type"`
	Command        string            `json:"command,omitempty"`
	URL            string            `json:"url,omitempty"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeout"`
}

// ToolDefinition is one host-configured, caller-invokable unit of work.
// Loaded from host-local configuration at startup and on explicit reload;
// never mutated at runtime.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  ParameterSchema `json:"parameters"`
	Execution   ExecutionSpec   `json:"execution"`
}

// Validate checks structural sanity of a loaded definition.
func (t *ToolDefinition) Validate() error {
	if t.Name == "" {
		return errors.New("tool name is required")
	}
	switch t.Execution.Type {
	case ExecutionKindScript:
		if t.Execution.Command == "" {
			return fmt.Errorf("tool %s: script execution requires a command", t.Name)
		}
	case ExecutionKindHTTP:
		if t.Execution.URL == "" {
			return fmt.Errorf("tool %s: http execution requires a url", t.Name)
		}
	default:
		return fmt.Errorf("tool %s: unknown execution type %q", t.Name, t.Execution.Type)
	}
	if t.Execution.TimeoutSeconds < 0 {
		return fmt.Errorf("tool %s: negative timeout", t.Name)
	}
	props := t.Parameters.Properties
	for _, req := range t.Parameters.Required {
		if _, ok := props[req]; !ok {
			return fmt.Errorf("tool %s: required parameter %q not declared", t.Name, req)
		}
	}
	return nil
}

// Timeout returns the effective wall-clock budget for one execution,
// clamped to the global cap.
func (t *ToolDefinition) Timeout(defaultTimeout, maxTimeout time.Duration) time.Duration {
	d := defaultTimeout
	if t.Execution.TimeoutSeconds > 0 {
		d = time.Duration(t.Execution.TimeoutSeconds) * time.Second
	}
	if d > maxTimeout {
		d = maxTimeout
	}
	return d
}

// Outcome classifies how a tool invocation ended.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"       // exit 0 / HTTP 2xx
	OutcomeTimeout  Outcome = "timeout"  // exceeded its wall-clock budget
	OutcomeRejected Outcome = "rejected" // failed validation or denylist, never executed
	OutcomeError    Outcome = "error"    // ran but failed
)

// ExecutionResult is the bounded record of one tool invocation.
// Stdout and Stderr are size-capped by the sandbox.
type ExecutionResult struct {
	ToolName   string  `json:"tool_name"`
	Outcome    Outcome `json:"outcome"`
	ExitStatus int     `json:"exit_status,omitempty"`
	HTTPStatus int     `json:"http_status,omitempty"`
	Stdout     string  `json:"stdout,omitempty"`
	Stderr     string  `json:"stderr,omitempty"`
	DurationMs int64   `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
}
