package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/skyrelay/skyrelay/pkg/models"
)

// Typed wrappers over the raw record API. All JSON encoding of the shared
// record types lives here so the discovery and relay layers never touch
// record bodies directly.

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record body: %w", err)
	}
	return data, nil
}

// PutAnnouncement creates or refreshes a device announcement. Announcements
// are keyed by device ID; a refresh goes through the read-modify-write loop
// so concurrent heartbeats from a restarted host cannot clobber each other.
func PutAnnouncement(ctx context.Context, s Store, ann *models.DeviceAnnouncement) error {
	body, err := encode(ann)
	if err != nil {
		return err
	}
	rec := &Record{
		ID:      ann.DeviceID,
		Kind:    KindAnnouncement,
		OwnerID: ann.DeviceID,
		Body:    body,
	}
	err = s.Publish(ctx, rec)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrConflict) {
		return err
	}
	return Update(ctx, s, KindAnnouncement, ann.DeviceID, 5, func(r *Record) error {
		r.Body = body
		r.OwnerID = ann.DeviceID
		return nil
	})
}

// QueryAnnouncements decodes every announcement in the store.
func QueryAnnouncements(ctx context.Context, s Store) ([]*models.DeviceAnnouncement, error) {
	recs, err := s.Query(ctx, KindAnnouncement, nil)
	if err != nil {
		return nil, err
	}
	out := make([]*models.DeviceAnnouncement, 0, len(recs))
	for _, rec := range recs {
		var ann models.DeviceAnnouncement
		if err := json.Unmarshal(rec.Body, &ann); err != nil {
			continue // skip undecodable foreign records
		}
		out = append(out, &ann)
	}
	return out, nil
}

// PublishRequest creates a relay request record. The request ID is the
// record ID, which is what makes duplicate publishes collide instead of
// silently forking (Scenario D in the relay contract).
func PublishRequest(ctx context.Context, s Store, req *models.RelayRequest) error {
	body, err := encode(req)
	if err != nil {
		return err
	}
	return s.Publish(ctx, &Record{
		ID:      req.ID,
		Kind:    KindRequest,
		OwnerID: req.ID,
		Body:    body,
	})
}

// FetchRequest decodes one relay request.
func FetchRequest(ctx context.Context, s Store, id string) (*models.RelayRequest, error) {
	rec, err := s.Fetch(ctx, KindRequest, id)
	if err != nil {
		return nil, err
	}
	var req models.RelayRequest
	if err := json.Unmarshal(rec.Body, &req); err != nil {
		return nil, fmt.Errorf("failed to decode relay request %s: %w", id, err)
	}
	return &req, nil
}

// QueryRequests decodes relay requests matching the model-level filter.
func QueryRequests(ctx context.Context, s Store, keep func(*models.RelayRequest) bool) ([]*models.RelayRequest, error) {
	recs, err := s.Query(ctx, KindRequest, nil)
	if err != nil {
		return nil, err
	}
	var out []*models.RelayRequest
	for _, rec := range recs {
		var req models.RelayRequest
		if err := json.Unmarshal(rec.Body, &req); err != nil {
			continue
		}
		if keep == nil || keep(&req) {
			cp := req
			out = append(out, &cp)
		}
	}
	return out, nil
}

// UpdateRequest mutates one relay request through the read-modify-write
// loop. The mutator sees the decoded request and may return ErrAbortUpdate
// to bail out (e.g. the request is no longer pending).
func UpdateRequest(ctx context.Context, s Store, id string, mutate func(*models.RelayRequest) error) error {
	return Update(ctx, s, KindRequest, id, 5, func(rec *Record) error {
		var req models.RelayRequest
		if err := json.Unmarshal(rec.Body, &req); err != nil {
			return fmt.Errorf("failed to decode relay request %s: %w", id, err)
		}
		if err := mutate(&req); err != nil {
			return err
		}
		body, err := encode(&req)
		if err != nil {
			return err
		}
		rec.Body = body
		return nil
	})
}

// PublishResponse creates the response record for a request. The record ID
// is the request ID so the waiting client can fetch it directly.
func PublishResponse(ctx context.Context, s Store, resp *models.RelayResponse) error {
	body, err := encode(resp)
	if err != nil {
		return err
	}
	err = s.Publish(ctx, &Record{
		ID:      resp.RequestID,
		Kind:    KindResponse,
		OwnerID: resp.RequestID,
		Body:    body,
	})
	if errors.Is(err, ErrConflict) {
		// A response already exists: the at-most-once guarantee held
		// elsewhere, keep the first one.
		return nil
	}
	return err
}

// FetchResponse returns the response for a request ID, or ErrNotFound.
func FetchResponse(ctx context.Context, s Store, requestID string) (*models.RelayResponse, error) {
	rec, err := s.Fetch(ctx, KindResponse, requestID)
	if err != nil {
		return nil, err
	}
	var resp models.RelayResponse
	if err := json.Unmarshal(rec.Body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode relay response %s: %w", requestID, err)
	}
	return &resp, nil
}

// DeleteOlderThan removes records of a kind last updated before the cutoff,
// excluding those owned by keepOwner. Used by the retention pass.
func DeleteOlderThan(ctx context.Context, s Store, kind Kind, cutoff time.Time, keepOwner string) (int, error) {
	return s.DeleteWhere(ctx, kind, func(rec *Record) bool {
		if rec.OwnerID == keepOwner && keepOwner != "" {
			return false
		}
		return rec.UpdatedAt.Before(cutoff)
	})
}
