package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"indent/internal/trace"
)

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Inspect trace snapshot files",
}

var traceDumpCmd = &cobra.Command{
	Use:   "dump [flags] <snapshot>",
	Short: "Print the events of a runtime trace snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runTraceDump,
}

func init() {
	traceDumpCmd.Flags().String("format", "text", "output format (text|ndjson)")
	traceCmd.AddCommand(traceDumpCmd)
}

func runTraceDump(cmd *cobra.Command, args []string) error {
	formatStr, err := cmd.Flags().GetString("format")
	if err != nil {
		return fmt.Errorf("failed to get format flag: %w", err)
	}
	var format trace.Format
	switch formatStr {
	case "text":
		format = trace.FormatText
	case "ndjson":
		format = trace.FormatNDJSON
	default:
		return fmt.Errorf("unsupported format %q (must be text or ndjson)", formatStr)
	}

	snap, err := trace.ReadSnapshot(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for i := range snap.Events {
		if _, err := out.Write(trace.FormatEvent(&snap.Events[i], format)); err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stderr, "%d events\n", len(snap.Events))
	return nil
}
