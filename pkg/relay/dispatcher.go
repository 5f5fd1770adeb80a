package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/skyrelay/skyrelay/pkg/logging"
	"github.com/skyrelay/skyrelay/pkg/models"
	"github.com/skyrelay/skyrelay/pkg/retry"
	"github.com/skyrelay/skyrelay/pkg/sandbox"
	"github.com/skyrelay/skyrelay/pkg/seal"
	"github.com/skyrelay/skyrelay/pkg/store"
)

// ServiceResolver maps a stable service ID to its current descriptor, so
// the dispatcher can proxy calls to locally announced services.
type ServiceResolver func(serviceID string) (models.ServiceDescriptor, bool)

// DispatcherConfig controls the host-side dispatch loop.
type DispatcherConfig struct {
	PollInterval       time.Duration // scan fallback cadence, default 5s
	LeaseDuration      time.Duration // claim lease floor, default 5m
	ReconcileInterval  time.Duration // expired-claim sweep, default 30s
	ServiceBodyCap     int           // proxied response body cap, default 1 MiB
	ServiceCallTimeout time.Duration // proxied call budget, default 2m
}

func (c *DispatcherConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 5 * time.Minute
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 30 * time.Second
	}
	if c.ServiceBodyCap <= 0 {
		c.ServiceBodyCap = 1024 * 1024
	}
	if c.ServiceCallTimeout <= 0 {
		c.ServiceCallTimeout = 2 * time.Minute
	}
}

// Dispatcher is the host side of the correlator. It scans for pending
// requests addressed to its device, claims each one atomically before any
// work (guaranteeing at-most-one execution per request id even across
// overlapping host instances), executes, and always publishes a terminal
// response.
type Dispatcher struct {
	store    store.Store
	deviceID string
	sandbox  *sandbox.Sandbox
	resolver ServiceResolver
	sealer   *seal.Sealer
	config   DispatcherConfig
	stats    *Stats
	logger   *logging.Logger

	httpClient *http.Client
	wg         sync.WaitGroup
}

// NewDispatcher creates a dispatcher for the given device identity.
func NewDispatcher(s store.Store, deviceID string, sb *sandbox.Sandbox, resolver ServiceResolver, sealer *seal.Sealer, config DispatcherConfig, stats *Stats, logger *logging.Logger) *Dispatcher {
	config.applyDefaults()
	if stats == nil {
		stats = NewStats(0)
	}
	return &Dispatcher{
		store:      s,
		deviceID:   deviceID,
		sandbox:    sb,
		resolver:   resolver,
		sealer:     sealer,
		config:     config,
		stats:      stats,
		logger:     logger.WithField("device_id", deviceID),
		httpClient: &http.Client{Timeout: config.ServiceCallTimeout},
	}
}

// Stats exposes the host-side monitor.
func (d *Dispatcher) Stats() *Stats { return d.stats }

// Run drives the dispatch loop until the context is cancelled, then waits
// for in-flight executions to finish.
func (d *Dispatcher) Run(ctx context.Context) {
	wake, cancelSub := d.store.Subscribe(store.KindRequest)
	defer cancelSub()

	poll := time.NewTicker(d.config.PollInterval)
	reconcile := time.NewTicker(d.config.ReconcileInterval)
	defer poll.Stop()
	defer reconcile.Stop()

	d.scanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case <-wake:
			d.scanOnce(ctx)
		case <-poll.C:
			d.scanOnce(ctx)
		case <-reconcile.C:
			d.reconcileExpired(ctx)
		}
	}
}

// scanOnce claims and launches every pending request addressed to this
// device. Claim losses to a racing instance are silent: the other side
// owns the request now.
func (d *Dispatcher) scanOnce(ctx context.Context) {
	pending, err := store.QueryRequests(ctx, d.store, func(r *models.RelayRequest) bool {
		return r.Status == models.RequestStatusPending && r.TargetDeviceID == d.deviceID
	})
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn("Dispatch scan failed", map[string]interface{}{"error": err.Error()})
		}
		return
	}

	for _, req := range pending {
		claimed, err := d.claim(ctx, req)
		if err != nil {
			d.logger.Warn("Claim failed", map[string]interface{}{
				"request_id": req.ID,
				"error":      err.Error(),
			})
			continue
		}
		if claimed == nil {
			continue // lost the race
		}
		d.wg.Add(1)
		go func(req *models.RelayRequest) {
			defer d.wg.Done()
			d.handle(ctx, req)
		}(claimed)
	}
}

// leaseFor sizes the claim lease so a legitimately slow execution cannot
// be reconciled away while it is still running. Tool calls lease twice
// the tool's wall-clock budget, with the configured lease as the floor;
// everything else takes the floor.
func (d *Dispatcher) leaseFor(req *models.RelayRequest) time.Duration {
	lease := d.config.LeaseDuration
	if req.Endpoint != models.EndpointToolCall || d.sandbox == nil {
		return lease
	}
	body := req.Payload
	if req.Encrypted {
		opened, err := d.sealer.Open(body)
		if err != nil {
			return lease
		}
		body = opened
	}
	var call models.ToolCallPayload
	if err := json.Unmarshal(body, &call); err != nil {
		return lease
	}
	if timeout, ok := d.sandbox.ToolTimeout(call.Tool); ok && 2*timeout > lease {
		lease = 2 * timeout
	}
	return lease
}

// claim performs the conditional pending->claimed transition through the
// store's read-modify-write loop. Returns nil without error when another
// instance won.
func (d *Dispatcher) claim(ctx context.Context, pending *models.RelayRequest) (*models.RelayRequest, error) {
	var claimed *models.RelayRequest
	now := time.Now()
	lease := now.Add(d.leaseFor(pending))
	err := store.UpdateRequest(ctx, d.store, pending.ID, func(req *models.RelayRequest) error {
		if req.Status != models.RequestStatusPending {
			return store.ErrAbortUpdate
		}
		if err := models.ValidateRequestTransition(req.Status, models.RequestStatusClaimed); err != nil {
			return err
		}
		req.Status = models.RequestStatusClaimed
		req.ClaimedBy = d.deviceID
		req.ClaimedAt = &now
		req.LeaseUntil = &lease
		cp := *req
		claimed = &cp
		return nil
	})
	if errors.Is(err, store.ErrAbortUpdate) || errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// handle executes one claimed request and publishes its terminal response.
// An internal panic still produces an error response; the client must
// never be left hanging past its own timeout by a host-side crash we can
// catch.
func (d *Dispatcher) handle(ctx context.Context, req *models.RelayRequest) {
	start := time.Now()
	var (
		payload    []byte
		statusCode int
		execErr    error
	)

	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("internal error: %v", r)
			}
		}()
		payload, statusCode, execErr = d.execute(ctx, req)
	}()

	success := execErr == nil && statusCode < 400
	d.publishResponse(req, payload, statusCode, execErr)
	d.stats.Record(success, time.Since(start))
}

// execute routes the request to the sandbox, the service proxy, or a
// built-in endpoint. The returned status code follows HTTP conventions.
func (d *Dispatcher) execute(ctx context.Context, req *models.RelayRequest) ([]byte, int, error) {
	body := req.Payload
	if req.Encrypted {
		opened, err := d.sealer.Open(body)
		if err != nil {
			return nil, http.StatusBadRequest, fmt.Errorf("failed to open request payload: %w", err)
		}
		body = opened
	}

	switch req.Endpoint {
	case models.EndpointPing:
		return []byte(`{"status":"ok"}`), http.StatusOK, nil

	case models.EndpointToolList:
		defs := d.sandbox.Registry().List()
		payload, err := json.Marshal(defs)
		if err != nil {
			return nil, http.StatusInternalServerError, err
		}
		return payload, http.StatusOK, nil

	case models.EndpointToolCall:
		var call models.ToolCallPayload
		if err := json.Unmarshal(body, &call); err != nil {
			return nil, http.StatusBadRequest, fmt.Errorf("malformed tool call payload: %w", err)
		}
		result := d.sandbox.Run(ctx, call.Tool, call.Args)
		payload, err := json.Marshal(result)
		if err != nil {
			return nil, http.StatusInternalServerError, err
		}
		return payload, outcomeStatus(result), nil

	case models.EndpointServiceCall:
		var call models.ServiceCallPayload
		if err := json.Unmarshal(body, &call); err != nil {
			return nil, http.StatusBadRequest, fmt.Errorf("malformed service call payload: %w", err)
		}
		return d.proxyService(ctx, &call)

	default:
		return nil, http.StatusNotFound, fmt.Errorf("unknown endpoint %q", req.Endpoint)
	}
}

// proxyService forwards a call to a locally announced service over
// loopback HTTP with a capped response body.
func (d *Dispatcher) proxyService(ctx context.Context, call *models.ServiceCallPayload) ([]byte, int, error) {
	if d.resolver == nil {
		return nil, http.StatusNotFound, errors.New("service proxying is not enabled")
	}
	svc, ok := d.resolver(call.ServiceID)
	if !ok {
		return nil, http.StatusNotFound, fmt.Errorf("unknown service %q", call.ServiceID)
	}
	if !svc.IsRunning {
		return nil, http.StatusServiceUnavailable, fmt.Errorf("service %q is not running", svc.Name)
	}

	method := call.Method
	if method == "" {
		method = http.MethodPost
	}
	path := call.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", svc.Port, path)

	httpReq, err := http.NewRequestWithContext(ctx, method, url, strings.NewReader(string(call.Body)))
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	for k, v := range call.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return nil, http.StatusBadGateway, fmt.Errorf("service call failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(d.config.ServiceBodyCap)))
	if err != nil {
		return nil, http.StatusBadGateway, fmt.Errorf("failed to read service response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// publishResponse writes the terminal response and flips the request to
// its terminal status. Both writes are retried with backoff; the response
// is the one the waiting client collects, so it goes first.
func (d *Dispatcher) publishResponse(req *models.RelayRequest, payload []byte, statusCode int, execErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp := &models.RelayResponse{
		RequestID:   req.ID,
		StatusCode:  statusCode,
		CompletedAt: time.Now(),
		Status:      models.ResponseStatusSuccess,
	}
	if execErr != nil {
		resp.Status = models.ResponseStatusError
		resp.Error = execErr.Error()
		errPayload, _ := json.Marshal(models.ErrorPayload{Kind: errorKind(statusCode), Message: execErr.Error()})
		resp.Payload = errPayload
		if resp.StatusCode == 0 {
			resp.StatusCode = http.StatusInternalServerError
		}
	} else {
		resp.Payload = payload
		if statusCode >= 400 {
			resp.Status = models.ResponseStatusError
		}
	}

	if d.sealer.Enabled() {
		sealed, err := d.sealer.Seal(resp.Payload)
		if err == nil {
			resp.Payload = sealed
			resp.Encrypted = true
		}
	}

	err := retry.Do(ctx, retry.DefaultConfig(), store.IsRetryable, func() error {
		return store.PublishResponse(ctx, d.store, resp)
	})
	if err != nil {
		d.logger.Error("Failed to publish response", map[string]interface{}{
			"request_id": req.ID,
			"error":      err.Error(),
		})
	}

	terminal := models.RequestStatusCompleted
	if resp.Status == models.ResponseStatusError {
		terminal = models.RequestStatusFailed
	}
	err = store.UpdateRequest(ctx, d.store, req.ID, func(r *models.RelayRequest) error {
		if models.IsTerminalRequestStatus(r.Status) {
			return store.ErrAbortUpdate
		}
		r.Status = terminal
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrAbortUpdate) && !errors.Is(err, store.ErrNotFound) {
		d.logger.Warn("Failed to finalize request status", map[string]interface{}{
			"request_id": req.ID,
			"error":      err.Error(),
		})
	}
}

// reconcileExpired sweeps claimed requests whose lease lapsed, which
// happens when a host dies mid-execution. The stuck claim is failed with
// an error response rather than re-executed: re-running a tool whose
// side effects may have partially happened is worse than reporting the
// loss and letting the caller decide.
func (d *Dispatcher) reconcileExpired(ctx context.Context) {
	now := time.Now()
	stuck, err := store.QueryRequests(ctx, d.store, func(r *models.RelayRequest) bool {
		return r.TargetDeviceID == d.deviceID && r.LeaseExpired(now)
	})
	if err != nil {
		return
	}
	for _, req := range stuck {
		d.logger.Warn("Reconciling abandoned claim", map[string]interface{}{
			"request_id": req.ID,
			"claimed_by": req.ClaimedBy,
		})
		d.publishResponse(req, nil, http.StatusInternalServerError,
			fmt.Errorf("host lost claim on request (claimed by %s, lease expired)", req.ClaimedBy))
	}
}

func outcomeStatus(result *models.ExecutionResult) int {
	switch result.Outcome {
	case models.OutcomeOK:
		return http.StatusOK
	case models.OutcomeRejected:
		return http.StatusUnprocessableEntity
	case models.OutcomeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func errorKind(statusCode int) string {
	switch {
	case statusCode == http.StatusUnprocessableEntity:
		return "rejected"
	case statusCode == http.StatusGatewayTimeout:
		return "timeout"
	case statusCode >= 500:
		return "execution"
	default:
		return "transport"
	}
}
