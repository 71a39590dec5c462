package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "shellmux",
	Short: "Terminal session orchestrator",
	Long: `shellmux multiplexes PTY-backed terminal sessions over persistent
duplex connections. Sessions survive client disconnects: output buffers
while nobody is attached and replays on reconnect.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
