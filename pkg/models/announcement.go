package models

import (
	"time"
)

// DeviceStatus represents the advertised availability of a host device.
type DeviceStatus string

const (
	DeviceStatusActive       DeviceStatus = "active"
	DeviceStatusReconnecting DeviceStatus = "reconnecting"
	DeviceStatusOffline      DeviceStatus = "offline"
)

// ProtocolVersion is the announcement schema version published by this build.
// Clients ignore announcements with a higher major version.
const ProtocolVersion = 1

// ServiceType classifies what an announced service does.
type ServiceType string

const (
	ServiceTypeLanguageModel   ServiceType = "language-model"
	ServiceTypeImageGeneration ServiceType = "image-generation"
	ServiceTypeCustom          ServiceType = "custom"
)

// ServiceDescriptor describes one service exposed by a host device.
// The ID is stable across announcements for the same logical service;
// clients key on it and treat a changed ID as a different service.
type ServiceDescriptor struct {
	ID        string      `json:"id" yaml:"id"`
	Name      string      `json:"name" yaml:"name"`
	Type      ServiceType `json:"type" yaml:"type"`
	Port      int         `json:"port" yaml:"port"`
	APIFormat string      `json:"api_format,omitempty" yaml:"api_format,omitempty"`
	IsRunning bool        `json:"is_running" yaml:"is_running"`
	Workflows []string    `json:"workflows,omitempty" yaml:"workflows,omitempty"`
}

// DeviceAnnouncement is the presence record a host publishes to the
// coordination store. It is refreshed on every heartbeat and on any
// service-set change; stale entries are garbage-collected by live hosts.
type DeviceAnnouncement struct {
	DeviceID        string              `json:"device_id"`
	DeviceName      string              `json:"device_name"`
	Services        []ServiceDescriptor `json:"services,omitempty"`
	Capabilities    *HostCapabilities   `json:"capabilities,omitempty"`
	LastSeen        time.Time           `json:"last_seen"`
	Status          DeviceStatus        `json:"status"`
	ProtocolVersion int                 `json:"protocol_version"`
}

// HostCapabilities is a coarse hardware summary included in announcements
// so clients can display what they are talking to.
type HostCapabilities struct {
	Hostname   string `json:"hostname"`
	CPUModel   string `json:"cpu_model,omitempty"`
	CPUThreads int    `json:"cpu_threads"`
	RAMBytes   uint64 `json:"ram_bytes"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
}

// IsActive reports whether the announcement is fresh enough to treat the
// device as live, given the staleness threshold.
func (a *DeviceAnnouncement) IsActive(now time.Time, staleness time.Duration) bool {
	if a.Status == DeviceStatusOffline {
		return false
	}
	return now.Sub(a.LastSeen) < staleness
}

// ValidateServices checks the per-announcement invariant that service IDs
// are unique and nonempty.
func (a *DeviceAnnouncement) ValidateServices() error {
	seen := make(map[string]bool, len(a.Services))
	for _, svc := range a.Services {
		if svc.ID == "" {
			return ErrServiceIDMissing
		}
		if seen[svc.ID] {
			return ErrServiceIDDuplicate
		}
		seen[svc.ID] = true
	}
	return nil
}

// ServiceByID returns the descriptor with the given stable ID, if present.
func (a *DeviceAnnouncement) ServiceByID(id string) (*ServiceDescriptor, bool) {
	for i := range a.Services {
		if a.Services[i].ID == id {
			return &a.Services[i], true
		}
	}
	return nil, false
}

// PairingPayload is exchanged once, out of band (e.g. a scanned code), to
// introduce a client to a host. MasterKey is present only when transport
// encryption is enabled.
type PairingPayload struct {
	DeviceID  string              `json:"device_id" yaml:"device_id"`
	MasterKey string              `json:"master_key,omitempty" yaml:"master_key,omitempty"`
	Services  []ServiceDescriptor `json:"services,omitempty" yaml:"services,omitempty"`
	Timestamp time.Time           `json:"timestamp" yaml:"timestamp"`
	Version   int                 `json:"version" yaml:"version"`
}
