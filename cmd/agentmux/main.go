package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentmux",
	Short: "Agentmux - control-plane gateway for agent terminal sessions",
	Long: `Agentmux hosts persistent PTY-backed agent conversations, streams
their output to attached clients in real time, and persists directories,
conversations, repositories, and tasks in an embedded store.

Thin clients connect over a loopback TCP socket to attach, drive input,
and observe lifecycle events across all sessions.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Agentmux version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(launchCmd)
}
