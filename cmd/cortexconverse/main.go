// Package main provides the CLI entry point for CortexConverse.
package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	// Version information (set at build time)
	version = "dev"

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED"))

	agentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981"))

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3B82F6"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
}

func main() {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "cortexconverse",
		Short: "CortexConverse - duplex voice conversations with animated agents",
		Long: titleStyle.Render("CortexConverse") + `

Streams text or microphone audio to a dialogue service and plays the spoken
response with lip-sync animation. Agents can also be paired to talk to each
other while an observer is near.

` + dimStyle.Render("Use 'cortexconverse [command] --help' for more information."),
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.cortexconverse/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newChatCmd(opts),
		newPairCmd(opts),
		newSimulateCmd(opts),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}
