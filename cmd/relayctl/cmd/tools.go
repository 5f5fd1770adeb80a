package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/skyrelay/skyrelay/pkg/models"
	"github.com/skyrelay/skyrelay/pkg/relay"
	"github.com/skyrelay/skyrelay/pkg/sandbox"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List tools available on the paired device",
	RunE:  runTools,
}

var toolsValidateCmd = &cobra.Command{
	Use:   "validate <dir>",
	Short: "Validate a local directory of tool definition files",
	Args:  cobra.ExactArgs(1),
	RunE:  runToolsValidate,
}

func init() {
	rootCmd.AddCommand(toolsCmd)
	toolsCmd.AddCommand(toolsValidateCmd)
	toolsCmd.Flags().DurationVar(&callTimeout, "timeout", 30*time.Second, "overall call timeout")
}

func runTools(cmd *cobra.Command, args []string) error {
	target, err := targetDevice()
	if err != nil {
		return err
	}
	client, closeStore, err := newRelayClient()
	if err != nil {
		return err
	}
	defer closeStore()

	resp, err := client.Call(context.Background(), target, models.EndpointToolList, nil, relay.CallOptions{Timeout: callTimeout})
	if err != nil {
		return err
	}
	if resp.Status != models.ResponseStatusSuccess {
		return fmt.Errorf("tool listing failed: %s", resp.Error)
	}

	var defs []models.ToolDefinition
	if err := json.Unmarshal(resp.Payload, &defs); err != nil {
		return fmt.Errorf("failed to decode tool list: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(defs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(output))
		return nil
	}

	if len(defs) == 0 {
		fmt.Println("No tools configured on device")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Name", "Kind", "Parameters", "Timeout", "Description")
	for _, def := range defs {
		params := make([]string, 0, len(def.Parameters.Properties))
		for name := range def.Parameters.Properties {
			params = append(params, name)
		}
		sort.Strings(params)
		timeout := "default"
		if def.Execution.TimeoutSeconds > 0 {
			timeout = fmt.Sprintf("%ds", def.Execution.TimeoutSeconds)
		}
		table.Append(def.Name, string(def.Execution.Type), strings.Join(params, ","), timeout, def.Description)
	}
	table.Render()
	return nil
}

func runToolsValidate(cmd *cobra.Command, args []string) error {
	registry := sandbox.NewRegistry(args[0])
	loaded, errs := registry.Reload()
	for _, e := range errs {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", e)
	}
	fmt.Printf("%d valid tool definitions in %s\n", loaded, args[0])
	if len(errs) > 0 {
		return fmt.Errorf("%d invalid tool definitions", len(errs))
	}
	return nil
}
