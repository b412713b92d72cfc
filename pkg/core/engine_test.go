package core

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/opengrid/comsrv/pkg/channel"
	"github.com/opengrid/comsrv/pkg/config"
	"github.com/opengrid/comsrv/pkg/driver/virtual"
	"github.com/opengrid/comsrv/pkg/point"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := config.Default()
	cfg.Redis.Addr = mr.Addr()
	cfg.Logging.Level = "error"
	cfg.Persistence.Enabled = true
	cfg.Persistence.Path = filepath.Join(t.TempDir(), "queue.db")
	cfg.Channels = []config.ChannelConfig{
		{
			ID:             1,
			Name:           "sim",
			Protocol:       virtual.Type,
			PollIntervalMs: 20,
			Enabled:        true,
			Points: []config.PointConfig{
				{ID: 1, Type: "m", Register: 100, DataType: "u16", Scale: 0.5, Enabled: true},
				{ID: 2, Type: "c", Register: 200, DataType: "bool", Enabled: true},
				{ID: 3, Type: "a", Register: 210, DataType: "u16", Scale: 0.1, Enabled: true},
			},
		},
	}
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestEngineStartsConfiguredChannels(t *testing.T) {
	ctx := context.Background()
	e, err := New(ctx, testConfig(t))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	e.Start(ctx)
	defer e.Stop(ctx)

	infos := e.Registry().List()
	if len(infos) != 1 {
		t.Fatalf("channels = %d, want 1", len(infos))
	}
	if infos[0].State != channel.StateRunning {
		t.Fatalf("state = %v, want running", infos[0].State)
	}
}

func TestEngineSkipsDisabledChannels(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Channels[0].Enabled = false

	e, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer e.Stop(ctx)

	if got := len(e.Registry().List()); got != 0 {
		t.Fatalf("channels = %d, want 0", got)
	}
}

func TestSendCommandHotPath(t *testing.T) {
	ctx := context.Background()
	e, err := New(ctx, testConfig(t))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	e.Start(ctx)
	defer e.Stop(ctx)

	addr := point.Address{ChannelID: 1, Type: point.Adjustment, ID: 3}
	if err := e.SendCommand(ctx, addr, 5.5); err != nil {
		t.Fatalf("send: %v", err)
	}

	// The batcher applies the write and the ack echoes to the store.
	waitFor(t, 2*time.Second, func() bool {
		val, err := e.Store().GetPoint(ctx, 1, point.Adjustment, 3)
		return err == nil && val == 5.5
	})

	ch, err := e.Registry().Get(1)
	if err != nil {
		t.Fatalf("get channel: %v", err)
	}
	raw, err := ch.Driver().(*virtual.Virtual).ReadPoint(ctx, addr)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	// 5.5 engineering over scale 0.1 lands as wire value 55.
	if raw != 55 {
		t.Fatalf("wire value = %v, want 55", raw)
	}
}

func TestSendCommandRejectsReadOnlyPoints(t *testing.T) {
	ctx := context.Background()
	e, err := New(ctx, testConfig(t))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer e.Stop(ctx)

	addr := point.Address{ChannelID: 1, Type: point.Telemetry, ID: 1}
	if err := e.SendCommand(ctx, addr, 1); err == nil {
		t.Fatal("telemetry write must be rejected")
	}
}

func TestSendCommandParksOnCacheMiss(t *testing.T) {
	ctx := context.Background()
	e, err := New(ctx, testConfig(t))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	e.Start(ctx)
	defer e.Stop(ctx)

	if err := e.Registry().Stop(ctx, 1); err != nil {
		t.Fatalf("stop channel: %v", err)
	}

	addr := point.Address{ChannelID: 1, Type: point.Control, ID: 2}
	if err := e.SendCommand(ctx, addr, 1); err != nil {
		t.Fatalf("send while offline: %v", err)
	}

	pending, err := e.queue.Pending(1, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Value != 1 {
		t.Fatalf("pending = %+v, want one parked command", pending)
	}

	// Once the channel is back, a replay pass drains the queue into
	// the live sender.
	if err := e.Registry().Start(ctx, 1); err != nil {
		t.Fatalf("restart channel: %v", err)
	}
	e.replayQueued(ctx)

	waitFor(t, 2*time.Second, func() bool {
		val, err := e.Store().GetPoint(ctx, 1, point.Control, 2)
		return err == nil && val == 1
	})
	pending, err = e.queue.Pending(1, 10)
	if err != nil {
		t.Fatalf("pending after replay: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("queue not drained: %+v", pending)
	}
}

func TestSendCommandUnknownChannel(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Persistence.Enabled = false

	e, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer e.Stop(ctx)

	addr := point.Address{ChannelID: 42, Type: point.Control, ID: 1}
	err = e.SendCommand(ctx, addr, 1)
	if !errors.Is(err, channel.ErrChannelNotFound) {
		t.Fatalf("err = %v, want ErrChannelNotFound", err)
	}
}

func TestReplayDropsStalePoints(t *testing.T) {
	ctx := context.Background()
	e, err := New(ctx, testConfig(t))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	e.Start(ctx)
	defer e.Stop(ctx)

	if err := e.Registry().Stop(ctx, 1); err != nil {
		t.Fatalf("stop channel: %v", err)
	}
	// Park a command for a point that is not in the table.
	if err := e.SendCommand(ctx, point.Address{ChannelID: 1, Type: point.Control, ID: 99}, 1); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := e.Registry().Start(ctx, 1); err != nil {
		t.Fatalf("restart: %v", err)
	}

	e.replayQueued(ctx)
	pending, err := e.queue.Pending(1, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("stale command not dropped: %+v", pending)
	}
}
