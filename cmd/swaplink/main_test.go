package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/swaplink/internal/bridge"
	"github.com/chaz8081/swaplink/internal/bridge/native"
	"github.com/chaz8081/swaplink/internal/bridge/sim"
	"github.com/chaz8081/swaplink/internal/bridge/wsbridge"
	"github.com/chaz8081/swaplink/internal/config"
	"github.com/chaz8081/swaplink/internal/domain"
	"github.com/chaz8081/swaplink/internal/session"
)

func instantScript() sim.Script {
	s := sim.DefaultScript()
	s.AdvertInterval = 0
	s.ConnectDelay = 0
	s.ReadDelay = 0
	return s
}

func simConfig() *config.Config {
	cfg := config.Default()
	cfg.Bridge.Mode = "sim"
	cfg.Profile.ActorID = "att-1"
	cfg.Timing.RetryStep = time.Millisecond
	return cfg
}

func TestSessionTiming(t *testing.T) {
	cfg := config.Default()
	got := sessionTiming(cfg.Timing)
	assert.Equal(t, session.DefaultTiming(), got)

	cfg.Timing.MaxRetries = 5
	assert.Equal(t, 5, sessionTiming(cfg.Timing).Connect.MaxRetries)
}

func TestProfile(t *testing.T) {
	p := profile(config.ProfileConfig{ActorType: "salesperson", TopicPrefix: "swap/sales", MatchStrategy: "exact+partial4"})
	assert.Equal(t, domain.ActorSalesperson, p.ActorType)
	assert.Equal(t, "swap/sales", p.TopicPrefix)
	assert.Equal(t, "exact+partial4", p.MatchStrategy)
}

func TestNewTransport(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	tr, err := newTransport(ctx, cfg, sim.Script{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &wsbridge.Server{}, tr)

	cfg.Bridge.Mode = "sim"
	tr, err = newTransport(ctx, cfg, instantScript(), nil)
	require.NoError(t, err)
	assert.IsType(t, &sim.Host{}, tr)
	require.NoError(t, tr.Close())

	cfg.Bridge.Mode = "native"
	cfg.Telemetry.ServiceUUID = "0000180f-0000-1000-8000-00805f9b34fb"
	cfg.Telemetry.Characteristics = map[string]string{"rcap": "00002a19-0000-1000-8000-00805f9b34fb"}
	tr, err = newTransport(ctx, cfg, sim.Script{}, strings.NewReader(""))
	require.NoError(t, err)
	assert.IsType(t, &native.Bridge{}, tr)

	cfg.Telemetry.Encodings = map[string]string{"rcap": "bcd"}
	_, err = newTransport(ctx, cfg, sim.Script{}, strings.NewReader(""))
	assert.Error(t, err)

	cfg.Bridge.Mode = "serial"
	_, err = newTransport(ctx, cfg, sim.Script{}, nil)
	assert.Error(t, err)
}

func TestRunPairAgainstSimulator(t *testing.T) {
	cfg := simConfig()
	script := instantScript()
	script.ConnectFailures = 1
	tr, err := newTransport(context.Background(), cfg, script, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out bytes.Buffer
	res, err := runPair(ctx, cfg, tr, "plan-7", "att-1", &out)
	require.NoError(t, err)

	assert.True(t, res.Confirmed)
	assert.Equal(t, "123456", res.BatteryID)
	assert.InDelta(t, 1.15, res.Metrics.KWh(), 1e-9)
	assert.Contains(t, out.String(), "state: scanning")
	assert.Contains(t, out.String(), "reading 100%")

	ledger := tr.(*sim.Host).Ledger()
	require.Len(t, ledger.Records(), 1)
	assert.Equal(t, "plan-7", ledger.Records()[0].Request.PlanID)
	assert.Equal(t, "att-1", ledger.Records()[0].Request.Actor.ID)

	var summary bytes.Buffer
	printResult(&summary, res)
	assert.Contains(t, summary.String(), "1.15 kWh")
}

func TestRunPairScanCancelled(t *testing.T) {
	cfg := simConfig()
	script := instantScript()
	script.Codes = nil
	tr, err := newTransport(context.Background(), cfg, script, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = runPair(ctx, cfg, tr, "plan-7", "att-1", &bytes.Buffer{})
	assert.ErrorIs(t, err, domain.ErrScanCancelled)
}

func TestRunPairConnectExhausted(t *testing.T) {
	cfg := simConfig()
	cfg.Timing.MaxRetries = 1
	script := instantScript()
	script.ConnectFailures = 10
	tr, err := newTransport(context.Background(), cfg, script, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out bytes.Buffer
	_, err = runPair(ctx, cfg, tr, "plan-7", "att-1", &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), "state: failed")
}

func TestIntentHandler(t *testing.T) {
	cfg := simConfig()
	host := sim.New(instantScript(), cfg.Profile.TopicPrefix)
	client := bridge.NewClient(host)
	handle, err := client.Initialize(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	s, err := session.New(handle, session.Options{Profile: profile(cfg.Profile), Timing: sessionTiming(cfg.Timing)})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	h := intentHandler(s, "att-9")
	f, err := h(ctx, wsbridge.Intent{Name: wsbridge.IntentStatus})
	require.NoError(t, err)
	assert.Equal(t, "idle", f.State)

	_, err = h(ctx, wsbridge.Intent{Name: wsbridge.IntentComplete, PlanID: "plan-1"})
	assert.ErrorIs(t, err, domain.ErrNoReading)

	_, err = h(ctx, wsbridge.Intent{Name: "dance"})
	assert.Error(t, err)

	_, err = h(ctx, wsbridge.Intent{Name: wsbridge.IntentScanBattery})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, err := s.State(ctx)
		_, ok := st.(session.PendingCompletion)
		return err == nil && ok
	}, 5*time.Second, 10*time.Millisecond)

	f, err = h(ctx, wsbridge.Intent{Name: wsbridge.IntentComplete, PlanID: "plan-1"})
	require.NoError(t, err)
	assert.Equal(t, "att-9", f.ActorID)
	require.Eventually(t, func() bool {
		f, err := h(ctx, wsbridge.Intent{Name: wsbridge.IntentStatus})
		return err == nil && f.State == "completed" && strings.Contains(f.Message, "123456")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLoadScript(t *testing.T) {
	script, err := loadScript("")
	require.NoError(t, err)
	assert.Equal(t, sim.DefaultScript(), script)

	path := filepath.Join(t.TempDir(), "script.yaml")
	require.NoError(t, os.WriteFile(path, []byte("codes: [\"987654\"]\nconnect_failures: 2\nread_delay: 10ms\n"), 0o644))
	script, err = loadScript(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"987654"}, script.Codes)
	assert.Equal(t, 2, script.ConnectFailures)
	assert.Equal(t, 10*time.Millisecond, script.ReadDelay)
	assert.Len(t, script.Peripherals, 2)
}

func TestRootCommands(t *testing.T) {
	run := func(args ...string) string {
		var out bytes.Buffer
		cmd := rootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs(args)
		require.NoError(t, cmd.Execute())
		return out.String()
	}

	assert.Equal(t, "swaplink dev\n", run("version"))
	assert.Equal(t, "/tmp/x.yaml\n", run("--config", "/tmp/x.yaml", "config", "path"))

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bridge:\n  mode: sim\n"), 0o644))
	assert.Contains(t, run("--config", path, "config", "show"), "mode: sim")
	assert.Equal(t, "Config is valid.\n", run("--config", path, "config", "validate"))
}
