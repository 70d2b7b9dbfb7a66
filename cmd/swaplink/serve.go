package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/swaplink/internal/bridge"
	"github.com/chaz8081/swaplink/internal/bridge/sim"
	"github.com/chaz8081/swaplink/internal/bridge/wsbridge"
	"github.com/chaz8081/swaplink/internal/config"
	"github.com/chaz8081/swaplink/internal/domain"
	"github.com/chaz8081/swaplink/internal/session"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket bridge and serve operator intents from the terminal app",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Bridge.Mode != "websocket" {
				return fmt.Errorf("serve needs bridge.mode websocket, got %q (use pair or simulate)", cfg.Bridge.Mode)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config validation: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cleanup, err := setup(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			printBanner(cmd.OutOrStdout(), cfg)
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	transport, err := newTransport(ctx, cfg, sim.Script{}, nil)
	if err != nil {
		return err
	}
	srv := transport.(*wsbridge.Server)

	client := bridge.NewClient(transport)
	handle, err := client.Initialize(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	s, err := session.New(handle, session.Options{
		Profile:  profile(cfg.Profile),
		Timing:   sessionTiming(cfg.Timing),
		Listener: noticeListener{srv: srv},
		Payments: session.PaymentHandlerFunc(func(_ context.Context, code string) error {
			slog.Info("[MAIN] Payment code scanned", "code", code)
			srv.Notify(wsbridge.Frame{Stage: "payment", Value: code})
			return nil
		}),
	})
	if err != nil {
		return err
	}
	srv.SetIntentHandler(intentHandler(s, cfg.Profile.ActorID))

	slog.Info("[MAIN] Ready, waiting for the terminal app", "addr", srv.Addr())
	err = s.Run(ctx)
	if errors.Is(err, context.Canceled) {
		slog.Info("[MAIN] Shutting down")
		return nil
	}
	return err
}

// intentHandler maps operator intents from the terminal app to session
// operations.
func intentHandler(s *session.Session, defaultActor string) wsbridge.IntentHandler {
	return func(ctx context.Context, in wsbridge.Intent) (*wsbridge.Frame, error) {
		switch in.Name {
		case wsbridge.IntentScanBattery:
			return nil, s.StartBatteryScan(ctx)
		case wsbridge.IntentScanPayment:
			return nil, s.StartPaymentScan(ctx)
		case wsbridge.IntentCancel:
			return nil, s.Cancel(ctx)
		case wsbridge.IntentComplete:
			actor := orDefault(in.ActorID, defaultActor)
			req, err := s.CompleteService(ctx, in.PlanID, actor)
			if err != nil {
				return nil, err
			}
			return &wsbridge.Frame{Type: wsbridge.FrameNotice, PlanID: req.PlanID, ActorID: actor, Message: "completion reported"}, nil
		case wsbridge.IntentStatus:
			snap, err := s.Snapshot(ctx)
			if err != nil {
				return nil, err
			}
			return statusFrame(snap), nil
		default:
			return nil, fmt.Errorf("unknown intent %q", in.Name)
		}
	}
}

func statusFrame(snap session.Snapshot) *wsbridge.Frame {
	f := &wsbridge.Frame{Type: wsbridge.FrameNotice, State: snap.State.String(), Stage: string(snap.ScanType)}
	if snap.Last != nil {
		f.Message = fmt.Sprintf("last battery %s, %.2f kWh", snap.Last.BatteryID, snap.Last.Metrics.KWh())
	}
	return f
}

// noticeListener forwards session notifications to the terminal app.
type noticeListener struct {
	srv *wsbridge.Server
}

func (l noticeListener) OnState(st session.State) {
	l.srv.Notify(wsbridge.Frame{State: st.String()})
}

func (l noticeListener) OnProgress(stage string, pct int) {
	l.srv.Notify(wsbridge.Frame{Stage: stage, Percent: &pct})
}

func (l noticeListener) OnError(err error) {
	l.srv.Notify(wsbridge.Frame{Error: err.Error(), Message: domain.UserMessage(err)})
}

func (l noticeListener) OnFinalized(r session.Result) {
	slog.Info("[MAIN] Pairing finalized",
		"battery", r.BatteryID,
		"energy_kwh", r.Metrics.KWh(),
		"confirmed", r.Confirmed,
		"duration", r.Duration().Round(time.Second),
	)
	l.srv.Notify(wsbridge.Frame{
		State:   "completed",
		Value:   r.BatteryID,
		Message: fmt.Sprintf("%.2f kWh", r.Metrics.KWh()),
	})
}

var _ session.Listener = noticeListener{}
