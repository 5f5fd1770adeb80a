// Package store wraps the external coordination record store the relay uses
// as its only transport. Records are addressed by kind plus predicate; the
// only write primitives are create and version-checked swap, so every
// concurrent mutation goes through read-modify-write with conflict retry.
package store

import (
	"context"
	"errors"
	"time"
)

// Kind identifies a record type in the coordination store.
type Kind string

const (
	KindAnnouncement Kind = "device_announcement"
	KindRequest      Kind = "relay_request"
	KindResponse     Kind = "relay_response"
)

// Record is the unit of storage. Version is the optimistic-concurrency
// token: a Swap only succeeds when the caller's Version matches the stored
// one, and every successful write increments it.
type Record struct {
	ID        string
	Kind      Kind
	OwnerID   string // device that created the record, used by retention
	Version   int64
	Body      []byte
	UpdatedAt time.Time
}

// Predicate filters records during Query and DeleteWhere.
type Predicate func(*Record) bool

// Store is the coordination store contract. Implementations must provide
// conditional-write semantics; notification delivery is best-effort and
// unordered, so consumers always pair Subscribe with a polling fallback.
type Store interface {
	// Publish creates a record. ErrConflict if the ID already exists.
	Publish(ctx context.Context, rec *Record) error
	// Swap replaces a record iff rec.Version matches the stored version.
	// ErrConflict on version mismatch, ErrNotFound if absent.
	Swap(ctx context.Context, rec *Record) error
	// Fetch returns the record or ErrNotFound.
	Fetch(ctx context.Context, kind Kind, id string) (*Record, error)
	// Query returns all records of a kind matching the predicate.
	Query(ctx context.Context, kind Kind, pred Predicate) ([]*Record, error)
	// DeleteWhere removes matching records and reports how many.
	DeleteWhere(ctx context.Context, kind Kind, pred Predicate) (int, error)
	// Subscribe returns a best-effort wake-up channel for writes of the
	// given kind, plus a cancel function. Signals may be dropped or
	// coalesced; they carry no payload.
	Subscribe(kind Kind) (<-chan struct{}, func())

	HealthCheck() error
	Close() error
}

// Mutator edits a record in place during Update. Returning ErrAbortUpdate
// stops the read-modify-write loop without error.
type Mutator func(*Record) error

// ErrAbortUpdate signals that an Update observed a state it no longer wants
// to mutate (e.g. someone else already claimed the request).
var ErrAbortUpdate = errors.New("update aborted by mutator")

// Update runs a read-modify-write loop against the store: fetch, mutate,
// swap, and on ErrConflict re-read the server's current version and try
// again. This is the required discipline for every contended record.
func Update(ctx context.Context, s Store, kind Kind, id string, maxAttempts int, mutate Mutator) error {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := s.Fetch(ctx, kind, id)
		if err != nil {
			return err
		}
		if err := mutate(rec); err != nil {
			return err
		}
		rec.UpdatedAt = time.Now()
		err = s.Swap(ctx, rec)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}
