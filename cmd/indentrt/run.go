package main

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"indent/internal/asyncrt"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] <demo>",
	Short: "Run a built-in demo workload on the runtime",
	Long: `Run one of the built-in demo workloads:

  pingpong    two tasks exchanging a counter over rendezvous channels
  sleepstorm  many tasks sleeping staggered durations on the timer wheel
  pipeline    producer/consumer stages joined by select with timeout
  blocking    tasks offloading closures to the blocking pool`,
	Args: cobra.ExactArgs(1),
	RunE: runDemo,
}

func init() {
	runCmd.Flags().Int("tasks", 100, "task count for sleepstorm/blocking")
	runCmd.Flags().Int("rounds", 1000, "round count for pingpong/pipeline")
	runCmd.Flags().Bool("stats", false, "print runtime counters on exit")
}

func runDemo(cmd *cobra.Command, args []string) error {
	tracer, cleanup, err := setupTracing(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	cfg, err := buildRuntimeConfig(cmd, tracer)
	if err != nil {
		return err
	}

	tasks, err := cmd.Flags().GetInt("tasks")
	if err != nil {
		return fmt.Errorf("failed to get tasks flag: %w", err)
	}
	rounds, err := cmd.Flags().GetInt("rounds")
	if err != nil {
		return fmt.Errorf("failed to get rounds flag: %w", err)
	}
	showStats, err := cmd.Flags().GetBool("stats")
	if err != nil {
		return fmt.Errorf("failed to get stats flag: %w", err)
	}

	rt := asyncrt.NewRuntime(cfg)
	if err := rt.Start(); err != nil {
		return err
	}
	defer rt.Shutdown()

	switch args[0] {
	case "pingpong":
		err = demoPingpong(rt, rounds)
	case "sleepstorm":
		err = demoSleepstorm(rt, tasks)
	case "pipeline":
		err = demoPipeline(rt, rounds)
	case "blocking":
		err = demoBlocking(rt, tasks)
	default:
		return fmt.Errorf("unknown demo %q (pingpong|sleepstorm|pipeline|blocking)", args[0])
	}
	if err != nil {
		return err
	}

	if showStats {
		printStats(cmd, rt.Stats())
	}
	return nil
}

func printStats(cmd *cobra.Command, s asyncrt.Stats) {
	out := cmd.OutOrStdout()
	label := fmt.Sprintf
	if isTerminal(os.Stdout) {
		label = color.New(color.FgCyan).Sprintf
	}
	fmt.Fprintf(out, "%s %d\n", label("spawned:  "), s.Spawned)
	fmt.Fprintf(out, "%s %d\n", label("completed:"), s.Completed)
	fmt.Fprintf(out, "%s %d\n", label("steals:   "), s.Steals)
	fmt.Fprintf(out, "%s %d\n", label("wakes:    "), s.Wakes)
	fmt.Fprintf(out, "%s %d\n", label("blocking: "), s.BlockingRuns)
}

// demoPingpong bounces a counter between two tasks over a pair of
// rendezvous channels.
func demoPingpong(rt *asyncrt.Runtime, rounds int) error {
	ping, pingRecv := asyncrt.NewChannel[int](0)
	pong, pongRecv := asyncrt.NewChannel[int](0)

	return rt.Concurrent(func(s *asyncrt.Scope) error {
		if _, err := s.Spawn(nil, pingpongEcho(pingRecv, pong)); err != nil {
			return err
		}
		h, err := s.Spawn(nil, pingpongServe(ping, pongRecv, rounds))
		if err != nil {
			return err
		}
		total, err := h.Join()
		if err != nil {
			return err
		}
		if got := total.(int); got != rounds {
			return fmt.Errorf("pingpong: expected %d round trips, got %d", rounds, got)
		}
		return nil
	})
}

// pingpongEcho receives until the channel closes and echoes each value
// incremented by one.
func pingpongEcho(in asyncrt.Receiver[int], out asyncrt.Sender[int]) asyncrt.PollFunc {
	var recvOp *asyncrt.RecvOp
	var sendOp *asyncrt.SendOp
	pending := 0
	return func(tc *asyncrt.TaskContext) (asyncrt.Poll, error) {
		for {
			if sendOp != nil {
				p, err := sendOp.Poll(tc)
				if err != nil {
					return asyncrt.Poll{}, err
				}
				if !p.Done {
					return asyncrt.Pending(), nil
				}
				sendOp = nil
			}
			if recvOp == nil {
				recvOp = in.Raw().NewRecvOp()
			}
			p, err := recvOp.Poll(tc)
			if err != nil {
				return asyncrt.Poll{}, err
			}
			if !p.Done {
				return asyncrt.Pending(), nil
			}
			recvOp = nil
			v, ok := in.Value(p)
			if !ok {
				out.Close()
				return asyncrt.Ready(nil), nil
			}
			pending = v + 1
			sendOp = out.Send(pending)
		}
	}
}

// pingpongServe drives the exchange for a fixed number of round trips.
func pingpongServe(out asyncrt.Sender[int], in asyncrt.Receiver[int], rounds int) asyncrt.PollFunc {
	var recvOp *asyncrt.RecvOp
	var sendOp *asyncrt.SendOp
	done := 0
	return func(tc *asyncrt.TaskContext) (asyncrt.Poll, error) {
		for {
			if done >= rounds {
				out.Close()
				return asyncrt.Ready(done), nil
			}
			if sendOp == nil && recvOp == nil {
				sendOp = out.Send(done)
			}
			if sendOp != nil {
				p, err := sendOp.Poll(tc)
				if err != nil {
					return asyncrt.Poll{}, err
				}
				if !p.Done {
					return asyncrt.Pending(), nil
				}
				sendOp = nil
				recvOp = in.Raw().NewRecvOp()
			}
			p, err := recvOp.Poll(tc)
			if err != nil {
				return asyncrt.Poll{}, err
			}
			if !p.Done {
				return asyncrt.Pending(), nil
			}
			recvOp = nil
			if _, ok := in.Value(p); !ok {
				return asyncrt.Ready(done), nil
			}
			done++
		}
	}
}

// demoSleepstorm parks n tasks on staggered timer deadlines and joins
// them all.
func demoSleepstorm(rt *asyncrt.Runtime, n int) error {
	//nolint:gosec // workload jitter, not cryptography
	rng := rand.New(rand.NewSource(42))
	return rt.Concurrent(func(s *asyncrt.Scope) error {
		for i := 0; i < n; i++ {
			d := time.Duration(1+rng.Intn(50)) * time.Millisecond
			op := asyncrt.SleepFor(d)
			if _, err := s.Spawn(nil, op.Poll); err != nil {
				return err
			}
		}
		return nil
	})
}

// demoPipeline runs a producer feeding a buffered stage that a consumer
// drains via select with a timeout guard.
func demoPipeline(rt *asyncrt.Runtime, rounds int) error {
	stage, stageRecv := asyncrt.NewChannel[int](16)

	producer := func() asyncrt.PollFunc {
		var sendOp *asyncrt.SendOp
		i := 0
		return func(tc *asyncrt.TaskContext) (asyncrt.Poll, error) {
			for {
				if sendOp != nil {
					p, err := sendOp.Poll(tc)
					if err != nil {
						return asyncrt.Poll{}, err
					}
					if !p.Done {
						return asyncrt.Pending(), nil
					}
					sendOp = nil
					i++
				}
				if i >= rounds {
					stage.Close()
					return asyncrt.Ready(i), nil
				}
				sendOp = stage.Send(i)
			}
		}
	}

	consumer := func() asyncrt.PollFunc {
		var sel *asyncrt.SelectOp
		sum := 0
		return func(tc *asyncrt.TaskContext) (asyncrt.Poll, error) {
			for {
				if sel == nil {
					var err error
					sel, err = asyncrt.NewSelect(
						asyncrt.RecvArm(stageRecv.Raw()),
						asyncrt.TimeoutArm(5*time.Second),
					)
					if err != nil {
						return asyncrt.Poll{}, err
					}
				}
				p, err := sel.Poll(tc)
				if err != nil {
					return asyncrt.Poll{}, err
				}
				if !p.Done {
					return asyncrt.Pending(), nil
				}
				res := p.Value.(asyncrt.SelectResult)
				sel = nil
				if res.TimedOut {
					return asyncrt.Poll{}, fmt.Errorf("pipeline: consumer starved")
				}
				if !res.OK {
					return asyncrt.Ready(sum), nil
				}
				sum += res.Value.(int)
			}
		}
	}

	return rt.Concurrent(func(s *asyncrt.Scope) error {
		if _, err := s.Spawn(nil, producer()); err != nil {
			return err
		}
		h, err := s.Spawn(nil, consumer())
		if err != nil {
			return err
		}
		sum, err := h.Join()
		if err != nil {
			return err
		}
		want := rounds * (rounds - 1) / 2
		if got := sum.(int); got != want {
			return fmt.Errorf("pipeline: checksum mismatch: got %d want %d", got, want)
		}
		return nil
	})
}

// demoBlocking offloads n closures to the blocking pool and checks each
// result round-trips intact.
func demoBlocking(rt *asyncrt.Runtime, n int) error {
	return rt.Concurrent(func(s *asyncrt.Scope) error {
		handles := make([]*asyncrt.Handle, 0, n)
		for i := 0; i < n; i++ {
			i := i
			op := asyncrt.Blocking(func() (any, error) {
				time.Sleep(time.Millisecond)
				return i * i, nil
			})
			// At the pool ceiling, back off and retry instead of failing
			// the task.
			fn := func(tc *asyncrt.TaskContext) (asyncrt.Poll, error) {
				p, err := op.Poll(tc)
				if errors.Is(err, asyncrt.ErrPoolExhausted) {
					tc.Waker().Wake()
					return asyncrt.Pending(), nil
				}
				return p, err
			}
			h, err := s.Spawn(nil, fn)
			if err != nil {
				return err
			}
			handles = append(handles, h)
		}
		for i, h := range handles {
			v, err := h.Join()
			if err != nil {
				return err
			}
			if v.(int) != i*i {
				return fmt.Errorf("blocking: task %d returned %v", i, v)
			}
		}
		return nil
	})
}
