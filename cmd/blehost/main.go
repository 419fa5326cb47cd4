package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blehost",
	Short: "Bluetooth Low Energy host control plane",
	Long: `Bluetooth Low Energy (BLE) host control plane driven against a simulated controller:

- Enable and disable the adapter with a persisted identity and bond store
- Advertise legacy or extended sets with resolvable private addresses
- Scan with duty-cycle presets and see reassembled advertising data
- Pair with a peer and manage persisted bonds

Every command can print the controller command journal with --show-hci.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(advertiseCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(pairCmd)
	rootCmd.AddCommand(bondsCmd)
	rootCmd.AddCommand(unpairCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolP("verbose", "V", false, "Verbose output (same as --log-level debug)")
	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().String("store", "", "Identity and bond store file (overrides config)")
	rootCmd.PersistentFlags().Bool("show-hci", false, "Print the controller command journal")
	rootCmd.PersistentFlags().Bool("legacy-controller", false, "Simulate a controller without extended advertising")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
	rootCmd.SetVersionTemplate(fmt.Sprintf("blehost {{.Version}} (commit %s, built %s)\n", commit, date))
}
