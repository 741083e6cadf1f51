// Package main is the entry point for the operator server.
//
// Usage:
//
//	kubilitics-operator serve --config /etc/kubilitics/operator.yaml
//	kubilitics-operator classify stop_vm --args '{"vmid":103}'
//	kubilitics-operator version
//
// Configuration is read from the YAML file, then KUBILITICS_* environment
// variables, then the vendor key variables (ANTHROPIC_API_KEY,
// OPENAI_API_KEY).
//
// Graceful Shutdown (SIGINT/SIGTERM):
//   - Cancels every running loop; each client receives an "aborted" error
//   - Marks outstanding confirmations as discarded
//   - Waits for background summaries, then closes the executor connection
//   - Flushes the audit log and closes the database
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-operator/internal/catalog"
	"github.com/kubilitics/kubilitics-operator/internal/safety"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "kubilitics-operator",
		Short:        "AI operator for a virtualization cluster",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildClassifyCmd(), buildVersionCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP/WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "/etc/kubilitics/operator.yaml", "Path to YAML configuration file")
	return cmd
}

// buildClassifyCmd runs the safety gate offline, which is handy when
// editing tier overrides or the protected-resource list.
func buildClassifyCmd() *cobra.Command {
	var (
		rawArgs   string
		confirmed bool
		override  bool
		vmIDs     []string
		services  []string
	)
	cmd := &cobra.Command{
		Use:   "classify <tool>",
		Short: "Show the safety verdict for a tool call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var toolArgs map[string]interface{}
			if rawArgs != "" {
				if err := json.Unmarshal([]byte(rawArgs), &toolArgs); err != nil {
					return fmt.Errorf("--args must be a JSON object: %w", err)
				}
			}
			engine := safety.NewEngine(
				safety.NewRegistry(catalog.Default().Tiers()),
				safety.NewGuard(vmIDs, services),
				nil,
			)
			v := engine.CheckSafety(args[0], toolArgs, confirmed, override)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Tool string `json:"tool"`
				safety.Verdict
				NeedsConfirmation bool `json:"needs_confirmation"`
			}{args[0], v, v.NeedsConfirmation()})
		},
	}
	cmd.Flags().StringVar(&rawArgs, "args", "", "Tool arguments as a JSON object")
	cmd.Flags().BoolVar(&confirmed, "confirmed", false, "Treat the call as operator-confirmed")
	cmd.Flags().BoolVar(&override, "override", false, "Treat the session override as active")
	cmd.Flags().StringSliceVar(&vmIDs, "protected-vm", []string{"103"}, "Protected VM ids")
	cmd.Flags().StringSliceVar(&services, "protected-service", []string{"ai-operator"}, "Protected service names")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kubilitics-operator %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
