package discovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/skyrelay/skyrelay/pkg/logging"
	"github.com/skyrelay/skyrelay/pkg/models"
	"github.com/skyrelay/skyrelay/pkg/store"
)

// BrowserConfig controls the client-side discovery loop.
type BrowserConfig struct {
	FastInterval   time.Duration // polling floor, default 5s
	MaxInterval    time.Duration // polling cap, default 30s
	Staleness      time.Duration // active/inactive threshold, default 45s
	AbsoluteCutoff time.Duration // drop-from-list age, default 24h
}

func (c *BrowserConfig) applyDefaults() {
	if c.FastInterval <= 0 {
		c.FastInterval = 5 * time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.Staleness <= 0 {
		c.Staleness = 45 * time.Second
	}
	if c.AbsoluteCutoff <= 0 {
		c.AbsoluteCutoff = 24 * time.Hour
	}
}

// Device is one discovered host as the client sees it.
type Device struct {
	Announcement models.DeviceAnnouncement
	Active       bool
}

// Browser runs the client discovery loop: query all announcements,
// de-duplicate by device ID, classify by staleness, and adapt the polling
// cadence to connection health. At most one discovery query is in flight
// at any time; the loop is cancellable through its context.
type Browser struct {
	store   store.Store
	config  BrowserConfig
	cadence *Cadence
	logger  *logging.Logger

	mu      sync.RWMutex
	devices map[string]*Device
}

// NewBrowser creates a discovery client.
func NewBrowser(s store.Store, config BrowserConfig, logger *logging.Logger) *Browser {
	config.applyDefaults()
	return &Browser{
		store:   s,
		config:  config,
		cadence: NewCadence(config.FastInterval, config.MaxInterval, 2.0),
		devices: make(map[string]*Device),
		logger:  logger,
	}
}

// Cadence exposes the adaptive interval so the relay client can share the
// same health signal.
func (b *Browser) Cadence() *Cadence { return b.cadence }

// Devices returns the current device list sorted by name, active first.
func (b *Browser) Devices() []Device {
	b.mu.RLock()
	out := make([]Device, 0, len(b.devices))
	for _, d := range b.devices {
		out = append(out, *d)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Active != out[j].Active {
			return out[i].Active
		}
		return out[i].Announcement.DeviceName < out[j].Announcement.DeviceName
	})
	return out
}

// Device returns one device by its stable ID.
func (b *Browser) Device(deviceID string) (Device, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.devices[deviceID]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// RefreshOnce runs a single discovery query and updates the device list.
func (b *Browser) RefreshOnce(ctx context.Context) error {
	decoded, err := store.QueryAnnouncements(ctx, b.store)
	if err != nil {
		b.cadence.RecordFailure()
		return err
	}

	now := time.Now()
	fresh := make(map[string]*Device, len(decoded))
	for _, ann := range decoded {
		if ann.ProtocolVersion > models.ProtocolVersion {
			continue
		}
		if now.Sub(ann.LastSeen) > b.config.AbsoluteCutoff {
			continue // past the hard cutoff, eligible for deletion
		}
		// De-duplicate by device ID, keeping the freshest announcement.
		if prev, ok := fresh[ann.DeviceID]; ok && prev.Announcement.LastSeen.After(ann.LastSeen) {
			continue
		}
		fresh[ann.DeviceID] = &Device{
			Announcement: *ann,
			Active:       ann.IsActive(now, b.config.Staleness),
		}
	}

	b.mu.Lock()
	b.devices = fresh
	b.mu.Unlock()

	b.cadence.RecordSuccess()
	return nil
}

// Run drives the discovery loop until the context is cancelled. The timer
// is re-armed after each query completes, so two queries never overlap.
func (b *Browser) Run(ctx context.Context) {
	wake, cancelSub := b.store.Subscribe(store.KindAnnouncement)
	defer cancelSub()

	for {
		if err := b.RefreshOnce(ctx); err != nil && ctx.Err() == nil {
			b.logger.Warn("Discovery query failed", map[string]interface{}{"error": err.Error()})
		}

		timer := time.NewTimer(b.cadence.Current())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}
