package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/skyrelay/skyrelay/pkg/relay"
)

var statsAddr string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show relay statistics from a host's status endpoint",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringVar(&statsAddr, "addr", "http://localhost:9310", "host status endpoint base URL")
}

func runStats(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(statsAddr + "/stats")
	if err != nil {
		return fmt.Errorf("failed to reach status endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}

	var snap relay.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode stats: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(output))
		return nil
	}

	fmt.Printf("Total requests:      %d\n", snap.TotalRequests)
	fmt.Printf("Successful:          %d\n", snap.SuccessfulRequests)
	fmt.Printf("Failed:              %d\n", snap.FailedRequests)
	fmt.Printf("Success rate:        %.1f%%\n", snap.SuccessRate()*100)
	fmt.Printf("Avg processing time: %s\n", snap.AverageProcessingTime.Round(time.Millisecond))
	if !snap.LastRequestTime.IsZero() {
		fmt.Printf("Last request:        %s\n", snap.LastRequestTime.Format(time.RFC3339))
	}
	return nil
}
