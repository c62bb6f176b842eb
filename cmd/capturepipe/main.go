// Command capturepipe runs and inspects simulated capture pipelines.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "capturepipe",
	Short: "Camera capture pipeline orchestrator",
	Long: "capturepipe builds a staged capture pipeline (sensor, bayer, ISP, scaler,\n" +
		"vision, post-processing, JPEG), drives frames through it and reports\nper-stage statistics.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

var rootFlags struct {
	logLevel string
	dev      bool
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootFlags.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides CAPTUREPIPE_LOG_LEVEL")
	pf.BoolVar(&rootFlags.dev, "dev", false, "Human-readable console logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(geometryCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
