package main

import (
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "nanoclaw",
	Short: "nanoclaw - chat-driven sandboxed agent supervisor",
	Long: `nanoclaw supervises sandboxed AI agents driven by chat channels.
Each registered channel maps to an isolated group workspace; agent runs are
serialized per channel and executed in hardened containers.`,
	Version: Version,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
}
