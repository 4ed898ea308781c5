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
	Use:   "aico-gateway",
	Short: "AICO gateway - API gateway and task runtime for the AICO backend",
	Long: `The AICO gateway fronts the local AICO backend with three protocol
adapters (REST, websocket, local IPC), a plugin pipeline for security
and routing, an embedded message bus, and a cron task scheduler.

All state lives in an encrypted local store; no external services
are required.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"aico-gateway version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(taskCmd)
}
