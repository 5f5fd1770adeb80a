package models

import (
	"fmt"
	"time"
)

// RequestStatus represents the lifecycle state of a RelayRequest.
type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "pending"   // published, not yet picked up
	RequestStatusClaimed   RequestStatus = "claimed"   // owned by a host, in progress
	RequestStatusCompleted RequestStatus = "completed" // terminal, response published
	RequestStatusFailed    RequestStatus = "failed"    // terminal, error response published
)

// validRequestTransitions maps from-status to allowed to-statuses.
var validRequestTransitions = map[RequestStatus]map[RequestStatus]bool{
	RequestStatusPending: {
		RequestStatusClaimed: true, // host wins the claim
		RequestStatusFailed:  true, // reconciler expires an unclaimable request
	},
	RequestStatusClaimed: {
		RequestStatusCompleted: true, // execution finished
		RequestStatusFailed:    true, // execution failed or lease expired
		RequestStatusPending:   true, // lease expired, requeued for another claim
	},
	// Terminal states.
	RequestStatusCompleted: {},
	RequestStatusFailed:    {},
}

// ValidateRequestTransition checks whether a status transition is legal.
func ValidateRequestTransition(from, to RequestStatus) error {
	allowed, ok := validRequestTransitions[from]
	if !ok {
		return fmt.Errorf("unknown source status: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalRequestStatus reports whether no further transitions are allowed.
func IsTerminalRequestStatus(s RequestStatus) bool {
	return s == RequestStatusCompleted || s == RequestStatusFailed
}

// RelayRequest is the client-published record asking a host to do work.
// ID is client-generated, globally unique and immutable; it doubles as the
// idempotency key. The client owns the record until a host claims it, at
// which point ownership of the mutable status fields transfers to the host.
type RelayRequest struct {
	ID             string        `json:"id"`
	TargetDeviceID string        `json:"target_device_id"`
	Endpoint       string        `json:"endpoint"`
	Method         string        `json:"method,omitempty"`
	Payload        []byte        `json:"payload,omitempty"`
	Encrypted      bool          `json:"encrypted,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	Status         RequestStatus `json:"status"`

	// Claim bookkeeping, set by the claiming host.
	ClaimedBy  string     `json:"claimed_by,omitempty"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	LeaseUntil *time.Time `json:"lease_until,omitempty"`
}

// LeaseExpired reports whether a claimed request's lease has lapsed, meaning
// the claiming host is presumed dead and the request may be reconciled.
func (r *RelayRequest) LeaseExpired(now time.Time) bool {
	return r.Status == RequestStatusClaimed && r.LeaseUntil != nil && now.After(*r.LeaseUntil)
}

// ResponseStatus is the terminal outcome carried by a RelayResponse.
type ResponseStatus string

const (
	ResponseStatusSuccess ResponseStatus = "success"
	ResponseStatusError   ResponseStatus = "error"
)

// RelayResponse is the host-published record answering one RelayRequest.
// RequestID never changes; exactly one response eventually exists per
// request that reaches a terminal state.
type RelayResponse struct {
	RequestID   string         `json:"request_id"`
	Payload     []byte         `json:"payload,omitempty"`
	Encrypted   bool           `json:"encrypted,omitempty"`
	StatusCode  int            `json:"status_code"`
	CompletedAt time.Time      `json:"completed_at"`
	Status      ResponseStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
}

// ErrorPayload is the structured body of an error RelayResponse, so the
// client always gets a parseable terminal signal instead of a crash.
type ErrorPayload struct {
	Kind    string `json:"kind"` // transport, timeout, rejected, execution
	Message string `json:"message"`
}

// Well-known endpoints a RelayRequest can target on a host.
const (
	EndpointToolCall    = "/tool/call"    // payload: ToolCallPayload
	EndpointToolList    = "/tool/list"    // payload: none
	EndpointServiceCall = "/service/call" // payload: ServiceCallPayload
	EndpointPing        = "/ping"         // payload: none
)

// ToolCallPayload is the decoded payload of an EndpointToolCall request.
type ToolCallPayload struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// ServiceCallPayload asks the host to forward a request to one of its
// announced local services.
type ServiceCallPayload struct {
	ServiceID string            `json:"service_id"`
	Path      string            `json:"path"`
	Method    string            `json:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      []byte            `json:"body,omitempty"`
}
