package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/skyrelay/skyrelay/pkg/seal"
	"github.com/skyrelay/skyrelay/pkg/store"
)

var (
	cfgFile      string
	storePath    string
	deviceID     string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "relayctl",
	Short: "CLI for the skyrelay store-mediated relay",
	Long: `relayctl talks to relay hosts through the shared coordination store:
discover devices, list and invoke their tools, and manage pairing.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.skyrelay/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "path to the coordination store database")
	rootCmd.PersistentFlags().StringVar(&deviceID, "device", "", "target device ID (default from config)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(filepath.Join(home, ".skyrelay"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()
	viper.BindEnv("store_path", "SKYRELAY_STORE")
	viper.BindEnv("device_id", "SKYRELAY_DEVICE")
	viper.BindEnv("master_key", "SKYRELAY_MASTER_KEY")

	if err := viper.ReadInConfig(); err == nil {
		if storePath == "" {
			storePath = viper.GetString("store_path")
		}
		if deviceID == "" {
			deviceID = viper.GetString("device_id")
		}
	}
	if storePath == "" {
		storePath = os.Getenv("SKYRELAY_STORE")
	}
	if deviceID == "" {
		deviceID = os.Getenv("SKYRELAY_DEVICE")
	}
	if storePath == "" {
		storePath = "skyrelay.db"
	}
}

// IsJSONOutput returns true when --output json was requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// openStore opens the configured coordination store.
func openStore() (store.Store, error) {
	st, err := store.NewSQLiteStore(storePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", storePath, err)
	}
	return st, nil
}

// newSealer builds the payload sealer from the paired master key, or nil
// when encryption is not configured.
func newSealer() (*seal.Sealer, error) {
	key := viper.GetString("master_key")
	if key == "" {
		key = os.Getenv("SKYRELAY_MASTER_KEY")
	}
	if key == "" {
		return nil, nil
	}
	return seal.New(key)
}

// targetDevice returns the configured target device ID or an error.
func targetDevice() (string, error) {
	if deviceID == "" {
		return "", fmt.Errorf("no target device: pass --device or run 'relayctl pair import'")
	}
	return deviceID, nil
}
