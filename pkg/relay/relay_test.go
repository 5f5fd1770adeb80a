package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skyrelay/skyrelay/pkg/logging"
	"github.com/skyrelay/skyrelay/pkg/models"
	"github.com/skyrelay/skyrelay/pkg/sandbox"
	"github.com/skyrelay/skyrelay/pkg/seal"
	"github.com/skyrelay/skyrelay/pkg/store"
)

const hostID = "host-1"

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.ERROR, false)
}

func testSandbox(t *testing.T) *sandbox.Sandbox {
	t.Helper()
	dir := t.TempDir()
	tool := `{
		"name": "echo",
		"execution": {"type": "script", "command": "echo {text}"},
		"parameters": {
			"type": "object",
			"properties": {"text": {"type": "string"}},
			"required": ["text"]
		}
	}`
	if err := os.WriteFile(filepath.Join(dir, "echo.json"), []byte(tool), 0644); err != nil {
		t.Fatalf("failed to write tool file: %v", err)
	}
	r := sandbox.NewRegistry(dir)
	if _, errs := r.Reload(); len(errs) > 0 {
		t.Fatalf("reload errors: %v", errs)
	}
	return sandbox.New(r, sandbox.Config{}, testLogger())
}

func testDispatcher(t *testing.T, s store.Store, sealer *seal.Sealer, config DispatcherConfig) *Dispatcher {
	t.Helper()
	return NewDispatcher(s, hostID, testSandbox(t), nil, sealer, config, nil, testLogger())
}

func fastClientConfig() ClientConfig {
	return ClientConfig{DefaultTimeout: 5 * time.Second, PollFloor: 20 * time.Millisecond}
}

func TestCallRoundTrip(t *testing.T) {
	s := store.NewMemoryStore()
	d := testDispatcher(t, s, nil, DispatcherConfig{PollInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	c := NewClient(s, nil, fastClientConfig(), nil, nil, testLogger())
	resp, err := c.Call(ctx, hostID, models.EndpointPing, nil, CallOptions{})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if resp.Status != models.ResponseStatusSuccess || resp.StatusCode != http.StatusOK {
		t.Errorf("response = %+v, want success 200", resp)
	}

	// The request record reaches its terminal state.
	req, err := store.QueryRequests(ctx, s, nil)
	if err != nil || len(req) != 1 {
		t.Fatalf("query requests = (%v, %v), want one record", req, err)
	}
	if req[0].Status != models.RequestStatusCompleted {
		t.Errorf("request status = %v, want completed", req[0].Status)
	}
}

func TestCallToolEncrypted(t *testing.T) {
	s := store.NewMemoryStore()
	sealer, err := seal.New("shared-pairing-key")
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	d := testDispatcher(t, s, sealer, DispatcherConfig{PollInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	c := NewClient(s, sealer, fastClientConfig(), nil, nil, testLogger())
	result, err := c.CallTool(ctx, hostID, "echo", map[string]any{"text": "hello"}, CallOptions{})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if result.Outcome != models.OutcomeOK {
		t.Fatalf("outcome = %v (%s), want ok", result.Outcome, result.Error)
	}
	if strings.TrimSpace(result.Stdout) != "hello" {
		t.Errorf("stdout = %q, want hello", result.Stdout)
	}

	// Nothing readable sits in the store: payloads are sealed at rest.
	recs, _ := s.Query(ctx, store.KindRequest, nil)
	for _, rec := range recs {
		if strings.Contains(string(rec.Body), `"hello"`) {
			t.Error("plaintext argument leaked into the stored request")
		}
	}
}

func TestCallToolRejectedOutcome(t *testing.T) {
	s := store.NewMemoryStore()
	d := testDispatcher(t, s, nil, DispatcherConfig{PollInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	c := NewClient(s, nil, fastClientConfig(), nil, nil, testLogger())
	result, err := c.CallTool(ctx, hostID, "echo", map[string]any{"text": "hi; rm -rf /"}, CallOptions{})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if result.Outcome != models.OutcomeRejected {
		t.Errorf("outcome = %v, want rejected", result.Outcome)
	}
}

func TestCallTimesOutWithoutHost(t *testing.T) {
	s := store.NewMemoryStore()
	c := NewClient(s, nil, ClientConfig{DefaultTimeout: 200 * time.Millisecond, PollFloor: 20 * time.Millisecond}, nil, nil, testLogger())

	_, err := c.Call(context.Background(), "absent-host", models.EndpointPing, nil, CallOptions{})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Call error = %v, want ErrTimeout", err)
	}

	snap := c.Stats().Snapshot()
	if snap.FailedRequests != 1 {
		t.Errorf("failed requests = %d, want 1", snap.FailedRequests)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	req := &models.RelayRequest{
		ID:             "contested",
		TargetDeviceID: hostID,
		Endpoint:       models.EndpointPing,
		CreatedAt:      time.Now(),
		Status:         models.RequestStatusPending,
	}
	if err := store.PublishRequest(ctx, s, req); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	// Two overlapping host instances race for the same pending request.
	d1 := testDispatcher(t, s, nil, DispatcherConfig{})
	d2 := testDispatcher(t, s, nil, DispatcherConfig{})

	var wg sync.WaitGroup
	results := make([]*models.RelayRequest, 2)
	for i, d := range []*Dispatcher{d1, d2} {
		wg.Add(1)
		go func(i int, d *Dispatcher) {
			defer wg.Done()
			claimed, err := d.claim(ctx, req)
			if err != nil {
				t.Errorf("claim %d errored: %v", i, err)
			}
			results[i] = claimed
		}(i, d)
	}
	wg.Wait()

	winners := 0
	for _, r := range results {
		if r != nil {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("%d instances won the claim, want exactly 1", winners)
	}

	got, err := store.FetchRequest(ctx, s, "contested")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if got.Status != models.RequestStatusClaimed || got.ClaimedBy != hostID {
		t.Errorf("request after race = %+v, want claimed by %s", got, hostID)
	}
	if got.LeaseUntil == nil || !got.LeaseUntil.After(time.Now()) {
		t.Error("claim carries no live lease")
	}
}

func TestUnknownEndpointGetsErrorResponse(t *testing.T) {
	s := store.NewMemoryStore()
	d := testDispatcher(t, s, nil, DispatcherConfig{PollInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	c := NewClient(s, nil, fastClientConfig(), nil, nil, testLogger())
	resp, err := c.Call(ctx, hostID, "/no/such/endpoint", nil, CallOptions{})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if resp.Status != models.ResponseStatusError {
		t.Fatalf("response status = %v, want error", resp.Status)
	}

	var ep models.ErrorPayload
	if err := json.Unmarshal(resp.Payload, &ep); err != nil {
		t.Fatalf("error payload did not decode: %v", err)
	}
	if ep.Message == "" {
		t.Error("error payload carries no message")
	}

	req, _ := store.FetchRequest(ctx, s, findSingleRequestID(t, s))
	if req.Status != models.RequestStatusFailed {
		t.Errorf("request status = %v, want failed", req.Status)
	}
}

func findSingleRequestID(t *testing.T, s store.Store) string {
	t.Helper()
	reqs, err := store.QueryRequests(context.Background(), s, nil)
	if err != nil || len(reqs) != 1 {
		t.Fatalf("query requests = (%v, %v), want one record", reqs, err)
	}
	return reqs[0].ID
}

func TestReconcileExpiredClaim(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	// A claim left behind by a host that died mid-execution.
	claimedAt := time.Now().Add(-10 * time.Minute)
	lease := claimedAt.Add(5 * time.Minute)
	req := &models.RelayRequest{
		ID:             "abandoned",
		TargetDeviceID: hostID,
		Endpoint:       models.EndpointToolCall,
		CreatedAt:      claimedAt,
		Status:         models.RequestStatusClaimed,
		ClaimedBy:      "dead-instance",
		ClaimedAt:      &claimedAt,
		LeaseUntil:     &lease,
	}
	if err := store.PublishRequest(ctx, s, req); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	d := testDispatcher(t, s, nil, DispatcherConfig{})
	d.reconcileExpired(ctx)

	resp, err := store.FetchResponse(ctx, s, "abandoned")
	if err != nil {
		t.Fatalf("no response published for the abandoned claim: %v", err)
	}
	if resp.Status != models.ResponseStatusError {
		t.Errorf("response status = %v, want error", resp.Status)
	}
	if !strings.Contains(resp.Error, "lost claim") {
		t.Errorf("error = %q, want a lost-claim message", resp.Error)
	}

	got, _ := store.FetchRequest(ctx, s, "abandoned")
	if got.Status != models.RequestStatusFailed {
		t.Errorf("request status = %v, want failed", got.Status)
	}
}

func TestReconcileLeavesLiveClaimsAlone(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	lease := now.Add(5 * time.Minute)
	req := &models.RelayRequest{
		ID:             "in-flight",
		TargetDeviceID: hostID,
		Endpoint:       models.EndpointToolCall,
		CreatedAt:      now,
		Status:         models.RequestStatusClaimed,
		ClaimedBy:      hostID,
		ClaimedAt:      &now,
		LeaseUntil:     &lease,
	}
	if err := store.PublishRequest(ctx, s, req); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	d := testDispatcher(t, s, nil, DispatcherConfig{})
	d.reconcileExpired(ctx)

	if _, err := store.FetchResponse(ctx, s, "in-flight"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("live claim got a response: %v", err)
	}
	got, _ := store.FetchRequest(ctx, s, "in-flight")
	if got.Status != models.RequestStatusClaimed {
		t.Errorf("request status = %v, want still claimed", got.Status)
	}
}

func TestClaimLeaseCoversToolBudget(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	dir := t.TempDir()
	tool := `{
		"name": "slow",
		"execution": {"type": "script", "command": "sleep 1", "timeout": 90},
		"parameters": {"type": "object"}
	}`
	if err := os.WriteFile(filepath.Join(dir, "slow.json"), []byte(tool), 0644); err != nil {
		t.Fatalf("failed to write tool file: %v", err)
	}
	r := sandbox.NewRegistry(dir)
	if _, errs := r.Reload(); len(errs) > 0 {
		t.Fatalf("reload errors: %v", errs)
	}
	sb := sandbox.New(r, sandbox.Config{}, testLogger())
	d := NewDispatcher(s, hostID, sb, nil, nil, DispatcherConfig{LeaseDuration: 200 * time.Millisecond}, nil, testLogger())

	payload, _ := json.Marshal(models.ToolCallPayload{Tool: "slow"})
	req := &models.RelayRequest{
		ID:             "long-run",
		TargetDeviceID: hostID,
		Endpoint:       models.EndpointToolCall,
		Payload:        payload,
		CreatedAt:      time.Now(),
		Status:         models.RequestStatusPending,
	}
	if err := store.PublishRequest(ctx, s, req); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	claimed, err := d.claim(ctx, req)
	if err != nil || claimed == nil {
		t.Fatalf("claim = (%v, %v), want a claimed request", claimed, err)
	}
	// The tool declares a 90s budget, so the lease must run at least
	// twice that, never the configured floor.
	if claimed.LeaseUntil == nil || claimed.LeaseUntil.Before(time.Now().Add(179*time.Second)) {
		t.Errorf("lease until = %v, want at least twice the 90s tool budget", claimed.LeaseUntil)
	}

	// The reconciler must not fail a claim whose execution is still
	// inside its budget, even long after the configured floor.
	time.Sleep(250 * time.Millisecond)
	d.reconcileExpired(ctx)
	got, _ := store.FetchRequest(ctx, s, "long-run")
	if got.Status != models.RequestStatusClaimed {
		t.Errorf("request status = %v, want still claimed", got.Status)
	}

	// Non-tool endpoints keep the configured floor.
	ping := &models.RelayRequest{
		ID:             "quick",
		TargetDeviceID: hostID,
		Endpoint:       models.EndpointPing,
		CreatedAt:      time.Now(),
		Status:         models.RequestStatusPending,
	}
	if err := store.PublishRequest(ctx, s, ping); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	claimedPing, err := d.claim(ctx, ping)
	if err != nil || claimedPing == nil {
		t.Fatalf("claim = (%v, %v), want a claimed request", claimedPing, err)
	}
	if claimedPing.LeaseUntil.After(time.Now().Add(time.Second)) {
		t.Errorf("ping lease until = %v, want the 200ms floor", claimedPing.LeaseUntil)
	}
}

func TestCallToolSurfacesHostError(t *testing.T) {
	s := store.NewMemoryStore()
	// The host has no pairing key, so the sealed payload never decodes
	// into a tool call and the host answers with a structured error.
	d := testDispatcher(t, s, nil, DispatcherConfig{PollInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	sealer, err := seal.New("client-only-key")
	if err != nil {
		t.Fatalf("seal.New failed: %v", err)
	}
	c := NewClient(s, sealer, fastClientConfig(), nil, nil, testLogger())

	result, err := c.CallTool(ctx, hostID, "echo", map[string]any{"text": "hi"}, CallOptions{})
	if err == nil {
		t.Fatalf("CallTool = %+v, want an error", result)
	}
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("CallTool error = %v, want a RemoteError", err)
	}
	if re.Message == "" {
		t.Error("remote error carries no message")
	}
	if re.StatusCode != http.StatusBadRequest {
		t.Errorf("remote error status = %d, want 400", re.StatusCode)
	}
}

func TestServiceCallTimeoutConfig(t *testing.T) {
	d := testDispatcher(t, store.NewMemoryStore(), nil, DispatcherConfig{ServiceCallTimeout: 5 * time.Second})
	if d.httpClient.Timeout != 5*time.Second {
		t.Errorf("proxy client timeout = %v, want the configured 5s", d.httpClient.Timeout)
	}
	d = testDispatcher(t, store.NewMemoryStore(), nil, DispatcherConfig{})
	if d.httpClient.Timeout != 2*time.Minute {
		t.Errorf("proxy client timeout = %v, want the 2m default", d.httpClient.Timeout)
	}
}

func TestDispatcherIgnoresForeignRequests(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	if err := store.PublishRequest(ctx, s, &models.RelayRequest{
		ID:             "not-for-us",
		TargetDeviceID: "someone-else",
		Endpoint:       models.EndpointPing,
		CreatedAt:      time.Now(),
		Status:         models.RequestStatusPending,
	}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	d := testDispatcher(t, s, nil, DispatcherConfig{})
	d.scanOnce(ctx)
	d.wg.Wait()

	got, _ := store.FetchRequest(ctx, s, "not-for-us")
	if got.Status != models.RequestStatusPending {
		t.Errorf("foreign request status = %v, want untouched pending", got.Status)
	}
}
