// Package main provides the CLI entry point for takopi, the bridge
// between chat and local coding-agent CLIs.
//
// Takopi listens for Telegram messages, routes each prompt to an
// engine (codex, claude, opencode), streams the engine's progress back
// as a live-editing message, and finalises the reply with the answer
// and a resumable session line.
//
// # Basic Usage
//
// Start the bridge:
//
//	takopi serve --config takopi.yml
//
// Check which engines are installed:
//
//	takopi engines
//
// # Environment Variables
//
//   - TAKOPI_CONFIG: Path to configuration file (default: takopi.yml)
//   - TAKOPI_BOT_TOKEN: Telegram bot token (overrides the config file)
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "takopi",
		Short:         "Chat bridge for local coding-agent CLIs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd())
	root.AddCommand(buildEnginesCmd())
	root.AddCommand(buildVersionCmd())
	return root
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "takopi %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// resolveConfigPath applies the TAKOPI_CONFIG fallback.
func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("TAKOPI_CONFIG"); env != "" {
		return env
	}
	return "takopi.yml"
}

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
