package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/swaplink/internal/bridge"
	"github.com/chaz8081/swaplink/internal/bridge/sim"
	"github.com/chaz8081/swaplink/internal/config"
	"github.com/chaz8081/swaplink/internal/domain"
	"github.com/chaz8081/swaplink/internal/session"
)

type pairFlags struct {
	planID  string
	actorID string
	timeout time.Duration
}

// register adds the pairing flags. An empty defaultPlan makes --plan
// required.
func (f *pairFlags) register(cmd *cobra.Command, defaultPlan string) {
	cmd.Flags().StringVar(&f.planID, "plan", defaultPlan, "service plan id to report the completion against")
	cmd.Flags().StringVar(&f.actorID, "actor", "", "actor id (default: profile.actor_id)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 3*time.Minute, "give up after this long")
	if defaultPlan == "" {
		_ = cmd.MarkFlagRequired("plan")
	}
}

func pairCmd(configPath *string) *cobra.Command {
	var flags pairFlags
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Run one battery pairing and report the service completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return runPairCommand(cmd, cfg, flags, sim.DefaultScript())
		},
	}
	flags.register(cmd, "")
	return cmd
}

func simulateCmd(configPath *string) *cobra.Command {
	var flags pairFlags
	var scriptPath string
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run one pairing against the scripted in-process host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			cfg.Bridge.Mode = "sim"
			script, err := loadScript(scriptPath)
			if err != nil {
				return err
			}
			return runPairCommand(cmd, cfg, flags, script)
		},
	}
	flags.register(cmd, "sim-plan")
	cmd.Flags().StringVar(&scriptPath, "script", "", "YAML script overriding the default simulated host")
	return cmd
}

// loadScript reads a sim script. Fields absent from the file keep their
// DefaultScript values.
func loadScript(path string) (sim.Script, error) {
	script := sim.DefaultScript()
	if path == "" {
		return script, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return sim.Script{}, fmt.Errorf("reading script: %w", err)
	}
	if err := yaml.Unmarshal(data, &script); err != nil {
		return sim.Script{}, fmt.Errorf("parsing script: %w", err)
	}
	return script, nil
}

func runPairCommand(cmd *cobra.Command, cfg *config.Config, flags pairFlags, script sim.Script) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, flags.timeout)
	defer cancel()

	cleanup, err := setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	out := cmd.OutOrStdout()
	printBanner(out, cfg)

	transport, err := newTransport(ctx, cfg, script, nil)
	if err != nil {
		return err
	}
	res, err := runPair(ctx, cfg, transport, flags.planID, orDefault(flags.actorID, cfg.Profile.ActorID), out)
	if err != nil {
		return err
	}
	printResult(out, res)
	return nil
}

// runPair drives one pairing from battery scan to finalization.
func runPair(ctx context.Context, cfg *config.Config, transport bridge.Transport, planID, actorID string, out io.Writer) (session.Result, error) {
	client := bridge.NewClient(transport)
	defer client.Close()
	handle, err := client.Initialize(ctx)
	if err != nil {
		return session.Result{}, err
	}

	states := make(chan session.State, 8)
	results := make(chan session.Result, 1)
	s, err := session.New(handle, session.Options{
		Profile: profile(cfg.Profile),
		Timing:  sessionTiming(cfg.Timing),
		Listener: session.ListenerFuncs{
			State: func(st session.State) {
				fmt.Fprintf(out, "state: %s\n", st)
				switch st.(type) {
				case session.Idle, session.PendingCompletion, session.Failed:
					select {
					case states <- st:
					default:
					}
				}
			},
			Progress: func(stage string, pct int) {
				fmt.Fprintf(out, "  %s %d%%\n", stage, pct)
			},
			Error: func(err error) {
				fmt.Fprintf(out, "error: %s\n", domain.UserMessage(err))
			},
			Finalized: func(r session.Result) { results <- r },
		},
	})
	if err != nil {
		return session.Result{}, err
	}

	runCtx, stopRun := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(runCtx) }()
	defer func() {
		stopRun()
		<-runErr
	}()

	if a, ok := transport.(interface{ Attached() bool }); ok {
		fmt.Fprintln(out, "waiting for the terminal app to connect...")
		if err := waitAttached(ctx, a.Attached); err != nil {
			return session.Result{}, err
		}
	}
	if err := s.StartBatteryScan(ctx); err != nil {
		return session.Result{}, err
	}
	for {
		select {
		case st := <-states:
			switch st := st.(type) {
			case session.Idle:
				return session.Result{}, domain.ErrScanCancelled
			case session.Failed:
				return session.Result{}, st.Reason
			case session.PendingCompletion:
				if _, err := s.CompleteService(ctx, planID, actorID); err != nil {
					return session.Result{}, err
				}
			}
		case r := <-results:
			return r, nil
		case err := <-runErr:
			runErr <- err
			if err == nil {
				err = errors.New("session stopped")
			}
			return session.Result{}, err
		case <-ctx.Done():
			return session.Result{}, ctx.Err()
		}
	}
}

func waitAttached(ctx context.Context, attached func() bool) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for !attached() {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func printResult(w io.Writer, r session.Result) {
	fmt.Fprintln(w, "=== pairing complete ===")
	fmt.Fprintf(w, "  Battery:   %s (%s)\n", r.BatteryID, r.Address)
	fmt.Fprintf(w, "  Energy:    %.2f kWh\n", r.Metrics.KWh())
	fmt.Fprintf(w, "  Charge:    %d%%\n", r.Metrics.ChargePercent)
	fmt.Fprintf(w, "  Confirmed: %t (replay: %t)\n", r.Confirmed, r.Replay)
	fmt.Fprintf(w, "  Took:      %s\n", r.Duration().Round(time.Millisecond))
}
