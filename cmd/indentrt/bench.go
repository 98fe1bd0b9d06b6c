package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"indent/internal/asyncrt"
	"indent/internal/observ"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure spawn/schedule throughput",
	Long: `Spawn a task wave from concurrent host clients and measure how fast
the scheduler drains it. Each task yields a configurable number of
times, exercising the wake path and work stealing.`,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().Int("clients", 4, "concurrent host goroutines spawning tasks")
	benchCmd.Flags().Int("tasks", 10000, "tasks per client")
	benchCmd.Flags().Int("yields", 10, "yields per task")
	benchCmd.Flags().Bool("json", false, "emit the timing report as JSON")
}

func runBench(cmd *cobra.Command, args []string) error {
	tracer, cleanup, err := setupTracing(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	cfg, err := buildRuntimeConfig(cmd, tracer)
	if err != nil {
		return err
	}

	clients, err := cmd.Flags().GetInt("clients")
	if err != nil {
		return fmt.Errorf("failed to get clients flag: %w", err)
	}
	tasksPer, err := cmd.Flags().GetInt("tasks")
	if err != nil {
		return fmt.Errorf("failed to get tasks flag: %w", err)
	}
	yields, err := cmd.Flags().GetInt("yields")
	if err != nil {
		return fmt.Errorf("failed to get yields flag: %w", err)
	}
	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return fmt.Errorf("failed to get json flag: %w", err)
	}

	timer := observ.NewTimer()

	startPhase := timer.Begin("start")
	rt := asyncrt.NewRuntime(cfg)
	if err := rt.Start(); err != nil {
		return err
	}
	defer rt.Shutdown()
	timer.End(startPhase, "")

	runPhase := timer.Begin("spawn+drain")
	var g errgroup.Group
	for c := 0; c < clients; c++ {
		g.Go(func() error {
			handles := make([]*asyncrt.Handle, 0, tasksPer)
			for i := 0; i < tasksPer; i++ {
				h, err := rt.Spawn(yieldingTask(yields))
				if err != nil {
					return err
				}
				handles = append(handles, h)
			}
			for _, h := range handles {
				if _, err := h.Join(); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	total := clients * tasksPer
	timer.End(runPhase, fmt.Sprintf("%d tasks", total))

	stats := rt.Stats()
	if stats.Completed < int64(total) {
		return fmt.Errorf("bench: %d of %d tasks completed", stats.Completed, total)
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return writeBenchJSON(out, timer.Report(), stats)
	}
	fmt.Fprint(out, timer.Summary())
	elapsed := timer.Report().TotalMS
	if elapsed > 0 {
		fmt.Fprintf(out, "throughput: %.0f tasks/s\n", float64(total)/(elapsed/1000.0))
	}
	fmt.Fprintf(out, "steals: %d  wakes: %d\n", stats.Steals, stats.Wakes)
	return nil
}

// yieldingTask builds a task that yields through the scheduler the
// given number of times before completing.
func yieldingTask(yields int) asyncrt.PollFunc {
	left := yields
	var op *asyncrt.YieldOp
	return func(tc *asyncrt.TaskContext) (asyncrt.Poll, error) {
		for {
			if op != nil {
				p, err := op.Poll(tc)
				if err != nil {
					return asyncrt.Poll{}, err
				}
				if !p.Done {
					return asyncrt.Pending(), nil
				}
				op = nil
			}
			if left <= 0 {
				return asyncrt.Ready(nil), nil
			}
			left--
			op = asyncrt.Yield()
		}
	}
}

func writeBenchJSON(out io.Writer, report observ.Report, stats asyncrt.Stats) error {
	payload := struct {
		Timings observ.Report `json:"timings"`
		Stats   asyncrt.Stats `json:"stats"`
	}{Timings: report, Stats: stats}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}
