package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "classmeet",
	Short:   "Headless conferencing client for a classmeet relay",
	Long:    `classmeet joins a conferencing room through a relay, negotiates a WebRTC link with every other member, and prints room events as they happen. It is meant for soak testing relays and for filling rooms with synthetic participants.`,
	Version: version,
}

// Execute runs the root command. Called once from main.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
