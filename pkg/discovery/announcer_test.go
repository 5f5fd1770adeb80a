package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/skyrelay/skyrelay/pkg/models"
	"github.com/skyrelay/skyrelay/pkg/store"
)

func testIdentity() *Identity {
	return &Identity{DeviceID: "dev-test", DeviceName: "Test Host", CreatedAt: time.Now()}
}

func fetchAnnouncement(t *testing.T, s store.Store, deviceID string) *models.DeviceAnnouncement {
	t.Helper()
	anns, err := store.QueryAnnouncements(context.Background(), s)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	for _, ann := range anns {
		if ann.DeviceID == deviceID {
			return ann
		}
	}
	t.Fatalf("no announcement for %s", deviceID)
	return nil
}

func TestAnnouncerPublish(t *testing.T) {
	s := store.NewMemoryStore()
	a := NewAnnouncer(s, testIdentity(), AnnouncerConfig{}, testLogger())
	a.SetServices([]models.ServiceDescriptor{
		{ID: "ollama", Name: "Ollama", Type: models.ServiceTypeLanguageModel, Port: 11434},
	})

	if err := a.Publish(context.Background(), models.DeviceStatusActive); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	ann := fetchAnnouncement(t, s, "dev-test")
	if ann.Status != models.DeviceStatusActive {
		t.Errorf("status = %v, want active", ann.Status)
	}
	if ann.ProtocolVersion != models.ProtocolVersion {
		t.Errorf("protocol version = %d, want %d", ann.ProtocolVersion, models.ProtocolVersion)
	}
	if len(ann.Services) != 1 || ann.Services[0].ID != "ollama" {
		t.Errorf("services = %v, want single ollama entry", ann.Services)
	}

	// A second publish refreshes the same record, it does not duplicate.
	if err := a.Publish(context.Background(), models.DeviceStatusActive); err != nil {
		t.Fatalf("second publish failed: %v", err)
	}
	anns, _ := store.QueryAnnouncements(context.Background(), s)
	if len(anns) != 1 {
		t.Errorf("got %d announcements, want 1", len(anns))
	}
}

func TestAnnouncerRejectsDuplicateServiceIDs(t *testing.T) {
	s := store.NewMemoryStore()
	a := NewAnnouncer(s, testIdentity(), AnnouncerConfig{}, testLogger())
	a.SetServices([]models.ServiceDescriptor{
		{ID: "svc", Name: "One", Port: 1},
		{ID: "svc", Name: "Two", Port: 2},
	})

	if err := a.Publish(context.Background(), models.DeviceStatusActive); err == nil {
		t.Fatal("expected publish to reject duplicate service IDs")
	}
}

func TestAnnouncerMarksOfflineOnCancel(t *testing.T) {
	s := store.NewMemoryStore()
	a := NewAnnouncer(s, testIdentity(), AnnouncerConfig{HeartbeatInterval: 10 * time.Millisecond}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	ann := fetchAnnouncement(t, s, "dev-test")
	if ann.Status != models.DeviceStatusOffline {
		t.Errorf("status after shutdown = %v, want offline", ann.Status)
	}
}

func TestAnnouncerRetentionPass(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	// A foreign announcement and a foreign request. With a nanosecond max
	// age anything written before the pass counts as expired.
	if err := store.PutAnnouncement(ctx, s, &models.DeviceAnnouncement{
		DeviceID: "dead-host", DeviceName: "Dead", Status: models.DeviceStatusActive,
		LastSeen: time.Now(), ProtocolVersion: models.ProtocolVersion,
	}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := store.PublishRequest(ctx, s, &models.RelayRequest{
		ID: "orphan-req", TargetDeviceID: "dead-host", Endpoint: models.EndpointPing,
		Status: models.RequestStatusPending,
	}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	a := NewAnnouncer(s, testIdentity(), AnnouncerConfig{RecordMaxAge: time.Nanosecond}, testLogger())
	if err := a.Publish(ctx, models.DeviceStatusActive); err != nil {
		t.Fatalf("own publish failed: %v", err)
	}

	time.Sleep(time.Millisecond)
	a.cleanupStale(ctx)

	anns, _ := store.QueryAnnouncements(ctx, s)
	if len(anns) != 1 || anns[0].DeviceID != "dev-test" {
		t.Errorf("announcements after retention = %v, want only own", anns)
	}
	if _, err := store.FetchRequest(ctx, s, "orphan-req"); err == nil {
		t.Error("expired foreign request should have been removed")
	}
}
