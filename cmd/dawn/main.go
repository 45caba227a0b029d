package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	noColor bool
	tenant  string
)

var rootCmd = &cobra.Command{
	Use:   "dawn",
	Short: "Versioned spreadsheet feeds with verified metrics and grounded answers",
	Long: color.CyanString("dawn") + ` ingests spreadsheet feeds as immutable versions, plans and runs
deterministic metrics over them, keeps context notes, and answers
questions from verified results before falling back to a local model.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			color.NoColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&tenant, "tenant", "", "tenant to act on (default tenant when empty)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(feedsCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(driftCmd)
	rootCmd.AddCommand(notesCmd)
	rootCmd.AddCommand(configCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the dawn version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dawn %s\n", version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
