package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/chaz8081/swaplink/internal/ble"
	"github.com/chaz8081/swaplink/internal/bridge"
	"github.com/chaz8081/swaplink/internal/bridge/native"
	"github.com/chaz8081/swaplink/internal/bridge/sim"
	"github.com/chaz8081/swaplink/internal/bridge/wsbridge"
	"github.com/chaz8081/swaplink/internal/config"
	"github.com/chaz8081/swaplink/internal/connect"
	"github.com/chaz8081/swaplink/internal/domain"
	"github.com/chaz8081/swaplink/internal/logger"
	"github.com/chaz8081/swaplink/internal/pubsub"
	"github.com/chaz8081/swaplink/internal/session"
	"github.com/chaz8081/swaplink/internal/tracer"
)

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg, err := config.LoadOrDefault(config.DefaultConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", config.DefaultConfigPath(), err)
	}
	return cfg, nil
}

// setup installs logging and tracing for cfg and returns a cleanup func.
func setup(ctx context.Context, cfg *config.Config) (func(), error) {
	closeLog, err := logger.Install(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	shutdownTracing, err := tracer.Setup(ctx, cfg.Tracing)
	if err != nil {
		_ = closeLog()
		return nil, fmt.Errorf("tracer: %w", err)
	}
	return func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("[MAIN] Tracer shutdown failed", "error", err)
		}
		_ = closeLog()
	}, nil
}

func newBroker(ctx context.Context, cfg config.PubSubConfig) (pubsub.Broker, error) {
	switch cfg.Backend {
	case "redis":
		b, err := pubsub.NewRedisBroker(ctx, cfg.RedisURL, pubsub.BreakerConfig{
			MaxFailures: cfg.Breaker.MaxFailures,
			Timeout:     cfg.Breaker.Timeout,
			Interval:    cfg.Breaker.Interval,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return pubsub.NewMemoryBroker(), nil
	}
}

// newTransport builds the bridge transport for cfg.Bridge.Mode. script is
// used in sim mode only.
func newTransport(ctx context.Context, cfg *config.Config, script sim.Script, codes io.Reader) (bridge.Transport, error) {
	switch cfg.Bridge.Mode {
	case "websocket":
		return wsbridge.New(wsbridge.Config{
			Listen:         cfg.Bridge.Listen,
			Path:           cfg.Bridge.Path,
			AllowedOrigins: cfg.Bridge.AllowedOrigins,
		}), nil
	case "native":
		broker, err := newBroker(ctx, cfg.PubSub)
		if err != nil {
			return nil, err
		}
		if codes == nil {
			codes, err = openCodeInput(cfg.Telemetry.CodeInput)
			if err != nil {
				_ = broker.Close()
				return nil, err
			}
		}
		t, err := native.New(ble.NewTinygoAdapter(), broker, codes, native.Config{
			Service: ble.Service{
				UUID:            cfg.Telemetry.ServiceUUID,
				Characteristics: cfg.Telemetry.Characteristics,
			},
			Encodings:      cfg.Telemetry.Encodings,
			ConnectTimeout: cfg.Telemetry.ConnectTimeout,
		})
		if err != nil {
			_ = broker.Close()
			return nil, err
		}
		return t, nil
	case "sim":
		broker, err := newBroker(ctx, cfg.PubSub)
		if err != nil {
			return nil, err
		}
		return sim.New(script, cfg.Profile.TopicPrefix, sim.WithBroker(broker)), nil
	default:
		return nil, fmt.Errorf("unknown bridge mode %q", cfg.Bridge.Mode)
	}
}

func openCodeInput(input string) (io.Reader, error) {
	if input == "" || strings.EqualFold(input, "stdin") {
		return os.Stdin, nil
	}
	f, err := os.Open(input)
	if err != nil {
		return nil, fmt.Errorf("opening code input: %w", err)
	}
	return f, nil
}

func sessionTiming(t config.TimingConfig) session.Timing {
	return session.Timing{
		Connect: connect.Timing{
			Watchdog:    t.ConnectWatchdog,
			ReadTimeout: t.ReadTimeout,
			RetryStep:   t.RetryStep,
			MaxRetries:  t.MaxRetries,
		},
		ScanSafety:        t.ScanSafety,
		CompletionTimeout: t.CompletionTimeout,
	}
}

func profile(cfg config.ProfileConfig) domain.Profile {
	return domain.Profile{
		ActorType:     domain.ActorType(cfg.ActorType),
		TopicPrefix:   cfg.TopicPrefix,
		MatchStrategy: cfg.MatchStrategy,
	}
}

// printBanner displays the startup configuration summary.
func printBanner(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "=== swaplink ===")
	fmt.Fprintf(w, "  Version: %s\n", version)
	fmt.Fprintf(w, "  Profile: %s (%s)\n", cfg.Profile.ActorType, cfg.Profile.TopicPrefix)
	fmt.Fprintf(w, "  Match:   %s\n", orDefault(cfg.Profile.MatchStrategy, "exact"))
	switch cfg.Bridge.Mode {
	case "websocket":
		fmt.Fprintf(w, "  Bridge:  websocket ws://%s%s\n", cfg.Bridge.Listen, cfg.Bridge.Path)
	default:
		fmt.Fprintf(w, "  Bridge:  %s\n", cfg.Bridge.Mode)
	}
	fmt.Fprintf(w, "  PubSub:  %s\n", cfg.PubSub.Backend)
	fmt.Fprintf(w, "  Log:     %s\n", cfg.Log.Level)
	fmt.Fprintln(w, "================")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
