// Package relay correlates requests and responses across the coordination
// store. The client publishes a request and awaits the matching response;
// the host dispatcher claims pending requests, executes them, and always
// publishes a terminal response.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skyrelay/skyrelay/pkg/discovery"
	"github.com/skyrelay/skyrelay/pkg/logging"
	"github.com/skyrelay/skyrelay/pkg/models"
	"github.com/skyrelay/skyrelay/pkg/retry"
	"github.com/skyrelay/skyrelay/pkg/seal"
	"github.com/skyrelay/skyrelay/pkg/store"
)

// ErrTimeout means no terminal response appeared within the caller's wait
// budget. The request may still complete server-side; its response is then
// garbage-collected by retention.
var ErrTimeout = errors.New("relay: timed out awaiting response")

// RemoteError is the structured failure a host published for a request:
// the call round-tripped, but the host reported an error instead of a
// result.
type RemoteError struct {
	Kind       string
	Message    string
	StatusCode int
}

func (e *RemoteError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("relay: host reported %s error: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("relay: host reported error: %s", e.Message)
}

// remoteError decodes the structured payload of an error response, falling
// back to the response's plain error string when the body is not an
// ErrorPayload.
func remoteError(resp *models.RelayResponse) *RemoteError {
	var ep models.ErrorPayload
	if err := json.Unmarshal(resp.Payload, &ep); err == nil && ep.Message != "" {
		return &RemoteError{Kind: ep.Kind, Message: ep.Message, StatusCode: resp.StatusCode}
	}
	return &RemoteError{Message: resp.Error, StatusCode: resp.StatusCode}
}

// ClientConfig controls the send-and-await path.
type ClientConfig struct {
	DefaultTimeout time.Duration // overall call budget, default 60s
	PollFloor      time.Duration // fallback poll floor, default 2s
}

func (c *ClientConfig) applyDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 60 * time.Second
	}
	if c.PollFloor <= 0 {
		c.PollFloor = 2 * time.Second
	}
}

// Client is the requesting side of the correlator.
type Client struct {
	store   store.Store
	sealer  *seal.Sealer
	config  ClientConfig
	cadence *discovery.Cadence
	stats   *Stats
	logger  *logging.Logger
}

// NewClient creates a relay client. sealer may be nil (no encryption);
// cadence may be nil (a private cadence is created); stats may be nil.
func NewClient(s store.Store, sealer *seal.Sealer, config ClientConfig, cadence *discovery.Cadence, stats *Stats, logger *logging.Logger) *Client {
	config.applyDefaults()
	if cadence == nil {
		cadence = discovery.NewCadence(config.PollFloor, 30*time.Second, 2.0)
	}
	if stats == nil {
		stats = NewStats(0)
	}
	return &Client{
		store:   s,
		sealer:  sealer,
		config:  config,
		cadence: cadence,
		stats:   stats,
		logger:  logger,
	}
}

// Stats exposes the client-side monitor.
func (c *Client) Stats() *Stats { return c.stats }

// CallOptions tune a single call.
type CallOptions struct {
	Timeout time.Duration // overrides the default budget, e.g. for long generation calls
}

// Call publishes a relay request and blocks until the matching response
// arrives, the budget lapses, or ctx is cancelled. The request ID is
// generated once and never changes: transport failures mid-wait retry the
// wait, not the request, which is what makes the call idempotent for the
// host. Abandoning the wait does not retract the request.
func (c *Client) Call(ctx context.Context, targetDeviceID, endpoint string, payload []byte, opts CallOptions) (*models.RelayResponse, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.config.DefaultTimeout
	}

	sealed, err := c.sealer.Seal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to seal payload: %w", err)
	}

	req := &models.RelayRequest{
		ID:             uuid.NewString(),
		TargetDeviceID: targetDeviceID,
		Endpoint:       endpoint,
		Payload:        sealed,
		Encrypted:      c.sealer.Enabled(),
		CreatedAt:      time.Now(),
		Status:         models.RequestStatusPending,
	}

	start := time.Now()
	err = retry.Do(ctx, retry.DefaultConfig(), store.IsRetryable, func() error {
		return store.PublishRequest(ctx, c.store, req)
	})
	if err != nil {
		// ErrConflict here means the id collided with an existing
		// record; with uuid generation that indicates a duplicate
		// publish of the same call, so fall through to the wait.
		if !errors.Is(err, store.ErrConflict) {
			c.cadence.RecordFailure()
			return nil, fmt.Errorf("failed to publish request: %w", err)
		}
	}

	resp, err := c.await(ctx, req.ID, timeout)
	c.stats.Record(err == nil && resp.Status == models.ResponseStatusSuccess, time.Since(start))
	if err != nil {
		return nil, err
	}

	if resp.Encrypted {
		opened, err := c.sealer.Open(resp.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to open response payload: %w", err)
		}
		resp.Payload = opened
		resp.Encrypted = false
	}
	return resp, nil
}

// CallTool is a convenience wrapper invoking a named tool on the target
// host and decoding the execution result.
func (c *Client) CallTool(ctx context.Context, targetDeviceID, tool string, args map[string]any, opts CallOptions) (*models.ExecutionResult, error) {
	payload, err := json.Marshal(models.ToolCallPayload{Tool: tool, Args: args})
	if err != nil {
		return nil, err
	}
	resp, err := c.Call(ctx, targetDeviceID, models.EndpointToolCall, payload, opts)
	if err != nil {
		return nil, err
	}
	var result models.ExecutionResult
	if err := json.Unmarshal(resp.Payload, &result); err != nil || result.Outcome == "" {
		// A failed call may still carry a real execution result (a
		// rejection or a timeout reported by the sandbox). Anything
		// without an outcome is a dispatch-level failure instead.
		if resp.Status == models.ResponseStatusError {
			return nil, remoteError(resp)
		}
		if err == nil {
			err = errors.New("result carries no outcome")
		}
		return nil, fmt.Errorf("failed to decode execution result: %w", err)
	}
	return &result, nil
}

// await blocks until a response for the request appears. Wake-ups come
// from the store subscription and from the adaptive poll timer, both
// feeding the same check; notifications are best-effort so polling is the
// backstop, never an optimization to remove.
func (c *Client) await(ctx context.Context, requestID string, timeout time.Duration) (*models.RelayResponse, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wake, cancelSub := c.store.Subscribe(store.KindResponse)
	defer cancelSub()

	for {
		resp, err := store.FetchResponse(waitCtx, c.store, requestID)
		if err == nil {
			c.cadence.RecordSuccess()
			return resp, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			// Transport failure mid-wait: reset cadence, keep waiting
			// on the same request id.
			c.cadence.RecordFailure()
			if c.logger != nil {
				c.logger.Warn("Response poll failed", map[string]interface{}{
					"request_id": requestID,
					"error":      err.Error(),
				})
			}
		}

		interval := c.cadence.Current()
		if interval > c.config.PollFloor*4 {
			interval = c.config.PollFloor * 4
		}
		timer := time.NewTimer(interval)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrTimeout
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}
