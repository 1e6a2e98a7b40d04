package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "signaling",
	Short: "Room-based WebRTC signaling relay and peer client",
	Long: `signaling runs the websocket relay that lets browsers and native peers
find each other in rooms and exchange offers, answers and ICE candidates.
The same binary can join a room as a headless peer.`,
}

func init() {
	rootCmd.AddCommand(serveCmd, joinCmd, tokenCmd)
}

// Execute runs the root command and exits non-zero on failure
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
