package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/skyrelay/skyrelay/pkg/logging"
	"github.com/skyrelay/skyrelay/pkg/models"
	"github.com/skyrelay/skyrelay/pkg/relay"
)

var (
	callArgs    []string
	callTimeout time.Duration
)

var callCmd = &cobra.Command{
	Use:   "call <tool>",
	Short: "Invoke a tool on the paired device",
	Long: `Publishes a relay request for the named tool and waits for the response.
Arguments are passed as repeated --arg name=value flags; values are sent
as strings unless they parse as numbers or booleans.`,
	Args: cobra.ExactArgs(1),
	RunE: runCall,
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the paired device is responding",
	RunE:  runPing,
}

func init() {
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(pingCmd)

	callCmd.Flags().StringArrayVar(&callArgs, "arg", nil, "tool argument as name=value (repeatable)")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 60*time.Second, "overall call timeout")
	pingCmd.Flags().DurationVar(&callTimeout, "timeout", 15*time.Second, "overall call timeout")
}

func runCall(cmd *cobra.Command, cliArgs []string) error {
	target, err := targetDevice()
	if err != nil {
		return err
	}
	client, closeStore, err := newRelayClient()
	if err != nil {
		return err
	}
	defer closeStore()

	args, err := parseToolArgs(callArgs)
	if err != nil {
		return err
	}

	result, err := client.CallTool(context.Background(), target, cliArgs[0], args, relay.CallOptions{Timeout: callTimeout})
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(output))
		return nil
	}

	fmt.Printf("Tool:     %s\n", result.ToolName)
	fmt.Printf("Outcome:  %s\n", result.Outcome)
	fmt.Printf("Duration: %dms\n", result.DurationMs)
	if result.Error != "" {
		fmt.Printf("Error:    %s\n", result.Error)
	}
	if result.Stdout != "" {
		fmt.Printf("\n%s\n", result.Stdout)
	}
	if result.Stderr != "" {
		fmt.Printf("\n[stderr]\n%s\n", result.Stderr)
	}
	if result.Outcome != models.OutcomeOK {
		return fmt.Errorf("tool finished with outcome %s", result.Outcome)
	}
	return nil
}

func runPing(cmd *cobra.Command, args []string) error {
	target, err := targetDevice()
	if err != nil {
		return err
	}
	client, closeStore, err := newRelayClient()
	if err != nil {
		return err
	}
	defer closeStore()

	start := time.Now()
	resp, err := client.Call(context.Background(), target, models.EndpointPing, nil, relay.CallOptions{Timeout: callTimeout})
	if err != nil {
		return err
	}
	if resp.Status != models.ResponseStatusSuccess {
		return fmt.Errorf("ping failed: %s", resp.Error)
	}
	fmt.Printf("Reply from %s in %s\n", target, time.Since(start).Round(time.Millisecond))
	return nil
}

// newRelayClient wires a relay client over the configured store.
func newRelayClient() (*relay.Client, func(), error) {
	st, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	sealer, err := newSealer()
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	logger := logging.NewLogger(logging.WARN, false)
	client := relay.NewClient(st, sealer, relay.ClientConfig{}, nil, nil, logger)
	return client, func() { st.Close() }, nil
}

// parseToolArgs converts name=value pairs, inferring number and boolean
// types so schema validation on the host sees what the tool declared.
func parseToolArgs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, value, found := strings.Cut(pair, "=")
		if !found || name == "" {
			return nil, fmt.Errorf("invalid --arg %q, expected name=value", pair)
		}
		out[name] = inferValue(value)
	}
	return out, nil
}

func inferValue(s string) any {
	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return b
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	return s
}
