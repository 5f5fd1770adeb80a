package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skyrelay/skyrelay/pkg/discovery"
	"github.com/skyrelay/skyrelay/pkg/logging"
	"github.com/skyrelay/skyrelay/pkg/metrics"
	"github.com/skyrelay/skyrelay/pkg/models"
	"github.com/skyrelay/skyrelay/pkg/relay"
	"github.com/skyrelay/skyrelay/pkg/sandbox"
	"github.com/skyrelay/skyrelay/pkg/seal"
	"github.com/skyrelay/skyrelay/pkg/shutdown"
	"github.com/skyrelay/skyrelay/pkg/store"
)

func main() {
	storePath := flag.String("store", "skyrelay.db", "Path to the coordination store database")
	toolsDir := flag.String("tools", "configs/tools", "Directory of tool definition files")
	servicesFile := flag.String("services", "", "YAML file listing services to announce")
	statePath := flag.String("state", discovery.DefaultStatePath(), "Path to the device identity file")
	deviceName := flag.String("name", "", "Device name to announce (default: hostname)")
	masterKey := flag.String("master-key", "", "Master key for payload encryption (or SKYRELAY_MASTER_KEY env var)")
	heartbeatInterval := flag.Duration("heartbeat-interval", 30*time.Second, "Announcement heartbeat interval")
	pollInterval := flag.Duration("poll-interval", 5*time.Second, "Request dispatch polling interval")
	leaseDuration := flag.Duration("claim-lease", 5*time.Minute, "Claim lease duration before reconciliation")
	statusAddr := flag.String("status-addr", ":9310", "Listen address for the status/metrics endpoint")
	workDir := flag.String("work-dir", "", "Working directory for script tools")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	printPairing := flag.Bool("print-pairing", false, "Print the pairing payload and exit")
	flag.Parse()

	logger, err := logging.NewFileLogger("host", logging.ParseLevel(*logLevel), false)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Close()

	identity, err := discovery.LoadOrCreateIdentity(*statePath, *deviceName)
	if err != nil {
		logger.Fatal(fmt.Sprintf("Failed to load device identity: %v", err))
	}
	logger.Info("Device identity loaded", map[string]interface{}{
		"device_id":   identity.DeviceID,
		"device_name": identity.DeviceName,
	})

	key := *masterKey
	if key == "" {
		key = os.Getenv("SKYRELAY_MASTER_KEY")
	}
	var sealer *seal.Sealer
	if key != "" {
		sealer, err = seal.New(key)
		if err != nil {
			logger.Fatal(fmt.Sprintf("Failed to initialize encryption: %v", err))
		}
		logger.Info("Payload encryption enabled")
	}

	services, err := loadServices(*servicesFile)
	if err != nil {
		logger.Fatal(fmt.Sprintf("Failed to load services file: %v", err))
	}

	if *printPairing {
		payload := models.PairingPayload{
			DeviceID:  identity.DeviceID,
			MasterKey: key,
			Services:  services,
			Timestamp: time.Now(),
			Version:   models.ProtocolVersion,
		}
		data, _ := json.MarshalIndent(payload, "", "  ")
		fmt.Println(string(data))
		return
	}

	st, err := store.NewSQLiteStore(*storePath)
	if err != nil {
		logger.Fatal(fmt.Sprintf("Failed to open coordination store: %v", err))
	}

	registry := sandbox.NewRegistry(*toolsDir)
	loaded, loadErrs := registry.Reload()
	for _, e := range loadErrs {
		logger.Warn("Tool definition skipped", map[string]interface{}{"error": e.Error()})
	}
	logger.Info(fmt.Sprintf("Loaded %d tool definitions from %s", loaded, *toolsDir))

	sb := sandbox.New(registry, sandbox.Config{WorkDir: *workDir}, logger)
	stats := relay.NewStats(0)

	announcer := discovery.NewAnnouncer(st, identity, discovery.AnnouncerConfig{
		HeartbeatInterval: *heartbeatInterval,
	}, logger)
	announcer.SetServices(services)

	resolver := func(serviceID string) (models.ServiceDescriptor, bool) {
		for _, svc := range services {
			if svc.ID == serviceID {
				return svc, true
			}
		}
		return models.ServiceDescriptor{}, false
	}

	dispatcher := relay.NewDispatcher(st, identity.DeviceID, sb, resolver, sealer, relay.DispatcherConfig{
		PollInterval:  *pollInterval,
		LeaseDuration: *leaseDuration,
	}, stats, logger)

	exporter := metrics.NewExporter(identity.DeviceID, st, stats, registry)
	statusServer := &http.Server{
		Addr:    *statusAddr,
		Handler: exporter.Router(),
	}

	ctx, cancel := context.WithCancel(context.Background())

	go announcer.Run(ctx)
	go dispatcher.Run(ctx)
	go func() {
		logger.Info("Status endpoint listening", map[string]interface{}{"addr": *statusAddr})
		if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Status server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	mgr := shutdown.New(30 * time.Second)
	mgr.Register(shutdown.CloseResource(st, "coordination store"))
	mgr.Register(func(shutdownCtx context.Context) error {
		cancel()
		// Give the announcer a moment to publish the offline status.
		select {
		case <-time.After(2 * time.Second):
		case <-shutdownCtx.Done():
		}
		return nil
	})
	mgr.Register(shutdown.StopHTTPServer(statusServer, "status"))

	logger.Info("Relay host running", map[string]interface{}{"device_id": identity.DeviceID})
	mgr.Wait()
	mgr.Shutdown()
}

// loadServices reads the announced service list. A missing flag announces
// an empty service set, which is valid for a tools-only host.
func loadServices(path string) ([]models.ServiceDescriptor, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out struct {
		Services []models.ServiceDescriptor `yaml:"services"`
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out.Services, nil
}
