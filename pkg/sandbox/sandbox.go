// Package sandbox stands between an untrusted remote argument set and
// local command execution. The pipeline is lookup, schema validation,
// sanitized template rendering, denylist check, constrained execution:
// Received -> Validating -> (Rejected | Executing) -> (Completed |
// TimedOut | Error). Terminal outcomes are final; retries are the
// caller's business via a new relay request.
package sandbox

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/skyrelay/skyrelay/pkg/logging"
	"github.com/skyrelay/skyrelay/pkg/models"
)

// Config bounds every execution the sandbox performs.
type Config struct {
	DefaultTimeout time.Duration // per-tool default, 30s
	MaxTimeout     time.Duration // global cap on per-tool timeouts, 5m
	OutputCapBytes int           // per-stream capture cap, 256 KiB
	BodyCapBytes   int           // HTTP response body cap, 1 MiB
	WorkDir        string        // working directory for script tools
}

func (c *Config) applyDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 5 * time.Minute
	}
	if c.OutputCapBytes <= 0 {
		c.OutputCapBytes = 256 * 1024
	}
	if c.BodyCapBytes <= 0 {
		c.BodyCapBytes = 1024 * 1024
	}
}

// Sandbox validates and executes tool invocations. Concurrent invocations
// share nothing mutable beyond the read-only registry.
type Sandbox struct {
	registry   *Registry
	config     Config
	httpClient *http.Client
	logger     *logging.Logger
}

// New creates a sandbox over a tool registry.
func New(registry *Registry, config Config, logger *logging.Logger) *Sandbox {
	config.applyDefaults()
	return &Sandbox{
		registry: registry,
		config:   config,
		httpClient: &http.Client{
			Timeout: config.MaxTimeout,
		},
		logger: logger,
	}
}

// Registry returns the underlying tool registry.
func (s *Sandbox) Registry() *Registry { return s.registry }

// ToolTimeout reports the effective wall-clock budget one execution of
// the named tool gets, after the default and the global cap are applied.
func (s *Sandbox) ToolTimeout(name string) (time.Duration, bool) {
	def, ok := s.registry.Get(name)
	if !ok {
		return 0, false
	}
	return def.Timeout(s.config.DefaultTimeout, s.config.MaxTimeout), true
}

// Run executes one named tool with caller-supplied arguments and always
// returns a result; rejections and internal failures surface as outcomes,
// never as panics or lost invocations.
func (s *Sandbox) Run(ctx context.Context, toolName string, args map[string]any) *models.ExecutionResult {
	start := time.Now()
	result := &models.ExecutionResult{ToolName: toolName}

	def, ok := s.registry.Get(toolName)
	if !ok {
		result.Outcome = models.OutcomeRejected
		result.Error = "unknown tool: " + toolName
		return s.finish(result, start)
	}

	validated, err := ValidateArgs(def, args)
	if err != nil {
		return s.reject(result, err, start)
	}

	switch def.Execution.Type {
	case models.ExecutionKindScript:
		s.runScriptTool(ctx, def, validated, result)
	case models.ExecutionKindHTTP:
		s.runHTTPTool(ctx, def, validated, result)
	default:
		result.Outcome = models.OutcomeRejected
		result.Error = "unknown execution kind"
	}
	return s.finish(result, start)
}

func (s *Sandbox) runScriptTool(ctx context.Context, def *models.ToolDefinition, args map[string]string, result *models.ExecutionResult) {
	argv, err := RenderCommand(def.Execution.Command, args)
	if err != nil {
		s.rejectInPlace(result, err)
		return
	}
	if err := CheckDenylist(argv); err != nil {
		s.rejectInPlace(result, err)
		return
	}

	timeout := def.Timeout(s.config.DefaultTimeout, s.config.MaxTimeout)
	res := runScript(ctx, argv, timeout, s.config.OutputCapBytes, s.config.WorkDir)

	result.ExitStatus = res.exitCode
	result.Stdout = res.stdout
	result.Stderr = res.stderr
	switch {
	case res.timedOut:
		result.Outcome = models.OutcomeTimeout
		result.Error = "execution exceeded timeout of " + timeout.String()
	case res.err != nil:
		result.Outcome = models.OutcomeError
		result.Error = res.err.Error()
	case res.exitCode == 0:
		result.Outcome = models.OutcomeOK
	default:
		result.Outcome = models.OutcomeError
	}
}

func (s *Sandbox) runHTTPTool(ctx context.Context, def *models.ToolDefinition, args map[string]string, result *models.ExecutionResult) {
	url, err := RenderURL(def.Execution.URL, args)
	if err != nil {
		s.rejectInPlace(result, err)
		return
	}

	timeout := def.Timeout(s.config.DefaultTimeout, s.config.MaxTimeout)
	res := runHTTP(ctx, s.httpClient, def.Execution.Method, url, def.Execution.Headers, timeout, s.config.BodyCapBytes)

	result.HTTPStatus = res.statusCode
	result.Stdout = res.body
	switch {
	case res.timedOut:
		result.Outcome = models.OutcomeTimeout
		result.Error = "request exceeded timeout of " + timeout.String()
	case res.err != nil:
		result.Outcome = models.OutcomeError
		result.Error = res.err.Error()
	case res.statusCode >= 200 && res.statusCode < 300:
		result.Outcome = models.OutcomeOK
	default:
		result.Outcome = models.OutcomeError
	}
}

func (s *Sandbox) reject(result *models.ExecutionResult, err error, start time.Time) *models.ExecutionResult {
	s.rejectInPlace(result, err)
	return s.finish(result, start)
}

func (s *Sandbox) rejectInPlace(result *models.ExecutionResult, err error) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		result.Outcome = models.OutcomeRejected
	} else {
		result.Outcome = models.OutcomeError
	}
	result.Error = err.Error()
}

func (s *Sandbox) finish(result *models.ExecutionResult, start time.Time) *models.ExecutionResult {
	result.DurationMs = time.Since(start).Milliseconds()
	if s.logger != nil {
		s.logger.Info("Tool invocation finished", map[string]interface{}{
			"tool":        result.ToolName,
			"outcome":     string(result.Outcome),
			"duration_ms": result.DurationMs,
		})
	}
	return result
}
