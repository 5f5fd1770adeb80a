package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/skyrelay/skyrelay/pkg/hostinfo"
	"github.com/skyrelay/skyrelay/pkg/logging"
	"github.com/skyrelay/skyrelay/pkg/models"
	"github.com/skyrelay/skyrelay/pkg/retry"
	"github.com/skyrelay/skyrelay/pkg/store"
)

// AnnouncerConfig controls the host presence loop.
type AnnouncerConfig struct {
	HeartbeatInterval time.Duration // default 30s
	CleanupInterval   time.Duration // default 1h
	RecordMaxAge      time.Duration // absolute retention cutoff, default 24h
}

func (c *AnnouncerConfig) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.RecordMaxAge <= 0 {
		c.RecordMaxAge = 24 * time.Hour
	}
}

// Announcer publishes and refreshes this host's DeviceAnnouncement and
// runs the retention pass over foreign stale records. The announcement
// record is never hard-deleted by its own host; shutdown only flips the
// status to offline, best effort.
type Announcer struct {
	store    store.Store
	identity *Identity
	config   AnnouncerConfig
	logger   *logging.Logger

	mu       sync.Mutex
	services []models.ServiceDescriptor
	dirty    chan struct{}
}

// NewAnnouncer creates an announcer for the given identity.
func NewAnnouncer(s store.Store, identity *Identity, config AnnouncerConfig, logger *logging.Logger) *Announcer {
	config.applyDefaults()
	return &Announcer{
		store:    s,
		identity: identity,
		config:   config,
		logger:   logger.WithField("device_id", identity.DeviceID),
		dirty:    make(chan struct{}, 1),
	}
}

// SetServices replaces the advertised service set and triggers an
// immediate publish. Service IDs must be stable across calls for the same
// logical service.
func (a *Announcer) SetServices(services []models.ServiceDescriptor) {
	a.mu.Lock()
	a.services = append([]models.ServiceDescriptor(nil), services...)
	a.mu.Unlock()
	select {
	case a.dirty <- struct{}{}:
	default:
	}
}

func (a *Announcer) announcement(status models.DeviceStatus) *models.DeviceAnnouncement {
	a.mu.Lock()
	services := append([]models.ServiceDescriptor(nil), a.services...)
	a.mu.Unlock()
	return &models.DeviceAnnouncement{
		DeviceID:        a.identity.DeviceID,
		DeviceName:      a.identity.DeviceName,
		Services:        services,
		Capabilities:    hostinfo.Detect(),
		LastSeen:        time.Now(),
		Status:          status,
		ProtocolVersion: models.ProtocolVersion,
	}
}

// Publish pushes a fresh announcement with the given status, retrying
// transient store failures with backoff.
func (a *Announcer) Publish(ctx context.Context, status models.DeviceStatus) error {
	ann := a.announcement(status)
	if err := ann.ValidateServices(); err != nil {
		return err
	}
	return retry.Do(ctx, retry.DefaultConfig(), store.IsRetryable, func() error {
		return store.PutAnnouncement(ctx, a.store, ann)
	})
}

// Run drives the heartbeat loop until the context is cancelled, then marks
// the device offline best effort.
func (a *Announcer) Run(ctx context.Context) {
	if err := a.Publish(ctx, models.DeviceStatusActive); err != nil {
		a.logger.Error("Initial announcement failed", map[string]interface{}{"error": err.Error()})
	} else {
		a.logger.Info("Device announced")
	}

	heartbeat := time.NewTicker(a.config.HeartbeatInterval)
	cleanup := time.NewTicker(a.config.CleanupInterval)
	defer heartbeat.Stop()
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			a.markOffline()
			return
		case <-a.dirty:
			if err := a.Publish(ctx, models.DeviceStatusActive); err != nil {
				a.logger.Warn("Service-change announcement failed", map[string]interface{}{"error": err.Error()})
			}
		case <-heartbeat.C:
			if err := a.Publish(ctx, models.DeviceStatusActive); err != nil {
				a.logger.Warn("Heartbeat failed", map[string]interface{}{"error": err.Error()})
			}
		case <-cleanup.C:
			a.cleanupStale(ctx)
		}
	}
}

// markOffline is the best-effort shutdown publish. Clients must not rely
// on it; staleness detection covers the case where it never runs.
func (a *Announcer) markOffline() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.PutAnnouncement(ctx, a.store, a.announcement(models.DeviceStatusOffline)); err != nil {
		a.logger.Warn("Failed to mark device offline", map[string]interface{}{"error": err.Error()})
	}
}

// cleanupStale deletes foreign records past the absolute retention cutoff.
// Any live host may run this pass; own records are exempt.
func (a *Announcer) cleanupStale(ctx context.Context) {
	cutoff := time.Now().Add(-a.config.RecordMaxAge)
	total := 0
	for _, kind := range []store.Kind{store.KindAnnouncement, store.KindRequest, store.KindResponse} {
		n, err := store.DeleteOlderThan(ctx, a.store, kind, cutoff, a.identity.DeviceID)
		if err != nil {
			a.logger.Warn("Retention pass failed", map[string]interface{}{
				"kind":  string(kind),
				"error": err.Error(),
			})
			continue
		}
		total += n
	}
	if total > 0 {
		a.logger.Info("Retention pass removed stale records", map[string]interface{}{"count": total})
	}
}
