package main

import (
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"indent/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "indentrt",
	Short: "Indent runtime host and diagnostics toolchain",
	Long:  `indentrt hosts the Indent concurrency runtime: demo workloads, benchmarks, and trace tooling`,
}

// main initializes the CLI by setting the command version, registering
// subcommands and persistent flags, and then executes the root command.
// If command execution returns an error, the process exits with status
// code 1.
func main() {
	rootCmd.Version = version.Version

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(traceCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().String("color", "auto", "colorize output (auto|on|off)")
	rootCmd.PersistentFlags().Bool("quiet", false, "suppress non-essential output")
	rootCmd.PersistentFlags().Int("workers", 0, "worker thread count (0 = NumCPU or manifest)")
	rootCmd.PersistentFlags().Bool("deterministic", false, "single worker with virtual time")
	rootCmd.PersistentFlags().Uint64("seed", 0, "scheduling seed for deterministic mode")
	rootCmd.PersistentFlags().String("trace", "", "trace output path (- for stderr)")
	rootCmd.PersistentFlags().String("trace-level", "off", "trace level (off|error|sched|task|debug)")
	rootCmd.PersistentFlags().String("trace-mode", "ring", "trace storage (stream|ring|both)")
	rootCmd.PersistentFlags().Int("trace-ring-size", 4096, "ring buffer capacity in events")
	rootCmd.PersistentFlags().Duration("trace-heartbeat", 0, "heartbeat interval (0 = disabled)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// isTerminal reports whether the file is attached to a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
