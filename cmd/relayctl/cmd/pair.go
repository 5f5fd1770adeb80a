package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/skyrelay/skyrelay/pkg/discovery"
	"github.com/skyrelay/skyrelay/pkg/models"
	"github.com/skyrelay/skyrelay/pkg/seal"
)

var (
	pairFormat      string
	pairGenerateKey bool
	pairIdentity    string
)

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Export or import a pairing payload",
}

var pairExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Emit this host's pairing payload",
	Long: `Reads the host device identity and emits the pairing payload a client
imports once, out of band. With --generate-key a fresh master key is
included, enabling payload encryption for every paired client.`,
	RunE: runPairExport,
}

var pairImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a pairing payload into the client config",
	Args:  cobra.ExactArgs(1),
	RunE:  runPairImport,
}

func init() {
	rootCmd.AddCommand(pairCmd)
	pairCmd.AddCommand(pairExportCmd)
	pairCmd.AddCommand(pairImportCmd)

	pairExportCmd.Flags().StringVar(&pairFormat, "format", "json", "output format: json or yaml")
	pairExportCmd.Flags().BoolVar(&pairGenerateKey, "generate-key", false, "include a freshly generated master key")
	pairExportCmd.Flags().StringVar(&pairIdentity, "state", discovery.DefaultStatePath(), "path to the host identity file")
}

func runPairExport(cmd *cobra.Command, args []string) error {
	identity, err := discovery.LoadOrCreateIdentity(pairIdentity, "")
	if err != nil {
		return fmt.Errorf("failed to load host identity: %w", err)
	}

	payload := models.PairingPayload{
		DeviceID:  identity.DeviceID,
		Timestamp: time.Now(),
		Version:   models.ProtocolVersion,
	}
	if pairGenerateKey {
		key, err := seal.GenerateMasterKey()
		if err != nil {
			return err
		}
		payload.MasterKey = key
	}

	switch pairFormat {
	case "yaml":
		data, err := yaml.Marshal(payload)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
	default:
		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	}
	return nil
}

func runPairImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read pairing file: %w", err)
	}

	var payload models.PairingPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		if yamlErr := yaml.Unmarshal(data, &payload); yamlErr != nil {
			return fmt.Errorf("failed to parse pairing payload: %w", err)
		}
	}
	if payload.DeviceID == "" {
		return fmt.Errorf("pairing payload has no device id")
	}
	if payload.Version > models.ProtocolVersion {
		return fmt.Errorf("pairing payload version %d is newer than this client supports", payload.Version)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	configDir := filepath.Join(home, ".skyrelay")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return err
	}

	config := map[string]any{
		"device_id": payload.DeviceID,
	}
	if payload.MasterKey != "" {
		config["master_key"] = payload.MasterKey
	}
	if storePath != "" {
		config["store_path"] = storePath
	}
	out, err := yaml.Marshal(config)
	if err != nil {
		return err
	}
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, out, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Paired with device %s (config: %s)\n", payload.DeviceID, configPath)
	return nil
}
