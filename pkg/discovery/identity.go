package discovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Identity is the persistent device identity. The ID is generated once and
// survives restarts; everything in the relay keys on it, never on
// structural equality.
type Identity struct {
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name"`
	CreatedAt  time.Time `json:"created_at"`
}

// LoadOrCreateIdentity reads the identity state file, creating a fresh
// identity (and the file) on first launch.
func LoadOrCreateIdentity(statePath, defaultName string) (*Identity, error) {
	if data, err := os.ReadFile(statePath); err == nil {
		var id Identity
		if err := json.Unmarshal(data, &id); err != nil {
			return nil, fmt.Errorf("failed to parse identity file %s: %w", statePath, err)
		}
		if id.DeviceID == "" {
			return nil, fmt.Errorf("identity file %s has no device id", statePath)
		}
		return &id, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	name := defaultName
	if name == "" {
		if hostname, err := os.Hostname(); err == nil {
			name = hostname
		} else {
			name = "skyrelay-host"
		}
	}

	id := &Identity{
		DeviceID:   uuid.NewString(),
		DeviceName: name,
		CreatedAt:  time.Now(),
	}

	if err := os.MkdirAll(filepath.Dir(statePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(statePath, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write identity file: %w", err)
	}
	return id, nil
}

// DefaultStatePath returns the conventional identity file location.
func DefaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".skyrelay", "identity.json")
	}
	return filepath.Join(home, ".skyrelay", "identity.json")
}
