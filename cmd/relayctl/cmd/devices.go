package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/skyrelay/skyrelay/pkg/discovery"
	"github.com/skyrelay/skyrelay/pkg/hostinfo"
	"github.com/skyrelay/skyrelay/pkg/logging"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices announced in the coordination store",
	RunE:  runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	logger := logging.NewLogger(logging.WARN, false)
	browser := discovery.NewBrowser(st, discovery.BrowserConfig{}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := browser.RefreshOnce(ctx); err != nil {
		return fmt.Errorf("discovery query failed: %w", err)
	}
	devices := browser.Devices()

	if IsJSONOutput() {
		output, err := json.MarshalIndent(devices, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	if len(devices) == 0 {
		fmt.Println("No devices announced")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Device ID", "Name", "State", "Services", "Hardware", "Last Seen")

	for _, d := range devices {
		state := "stale"
		if d.Active {
			state = "active"
		}
		if d.Announcement.Status == "offline" {
			state = "offline"
		}

		hardware := ""
		if caps := d.Announcement.Capabilities; caps != nil {
			hardware = fmt.Sprintf("%s/%s, %d threads, %s",
				caps.OS, caps.Arch, caps.CPUThreads, hostinfo.FormatRAM(caps.RAMBytes))
		}

		table.Append(
			d.Announcement.DeviceID,
			d.Announcement.DeviceName,
			state,
			fmt.Sprintf("%d", len(d.Announcement.Services)),
			hardware,
			d.Announcement.LastSeen.Format(time.RFC3339),
		)
	}
	table.Render()
	return nil
}
