// Package core assembles the gateway: point store, dispatch cache,
// retry queue, channel registry and the background workers that keep
// them converging. The engine is the single owner of component
// lifetimes; everything else is wired through it.
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opengrid/comsrv/pkg/channel"
	"github.com/opengrid/comsrv/pkg/config"
	"github.com/opengrid/comsrv/pkg/dispatch"
	"github.com/opengrid/comsrv/pkg/driver"
	"github.com/opengrid/comsrv/pkg/driver/canbus"
	"github.com/opengrid/comsrv/pkg/driver/iec104"
	"github.com/opengrid/comsrv/pkg/driver/modbus"
	"github.com/opengrid/comsrv/pkg/driver/virtual"
	"github.com/opengrid/comsrv/pkg/logger"
	"github.com/opengrid/comsrv/pkg/persistence"
	"github.com/opengrid/comsrv/pkg/persistence/sqlite"
	"github.com/opengrid/comsrv/pkg/point"
	"github.com/opengrid/comsrv/pkg/scheduler"
	"github.com/opengrid/comsrv/pkg/store"
)

const (
	retryInterval   = 5 * time.Second
	retryBatchLimit = 100
	maxReplayTries  = 5
)

// Engine owns the gateway's components and background workers.
type Engine struct {
	cfg      *config.Config
	log      *logger.Logger
	store    *store.PointStore
	cache    *dispatch.Cache
	queue    persistence.Queue
	registry *channel.Registry

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds the engine from configuration: connects the point store,
// opens the retry queue when persistence is enabled, registers every
// built-in protocol factory and creates the configured channels.
// Nothing is started yet.
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	})
	logger.SetGlobal(log)

	st, err := store.New(ctx, store.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, log)
	if err != nil {
		return nil, err
	}

	var queue persistence.Queue
	if cfg.Persistence.Enabled {
		queue, err = sqlite.New(cfg.Persistence.Path)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("open retry queue: %w", err)
		}
	}

	cache := dispatch.NewCache()
	reg := channel.NewRegistry(st, cache, log)

	e := &Engine{
		cfg:      cfg,
		log:      log.Named("core"),
		store:    st,
		cache:    cache,
		queue:    queue,
		registry: reg,
	}

	factories := []driver.Factory{
		modbus.TCPFactory{},
		modbus.RTUFactory{},
		iec104.Factory{},
		canbus.Factory{},
		virtual.Factory{},
	}
	for _, f := range factories {
		if err := reg.RegisterFactory(f); err != nil {
			e.close()
			return nil, err
		}
	}
	if len(reg.Protocols()) == 0 {
		e.close()
		return nil, fmt.Errorf("no protocol factories registered")
	}

	for _, ch := range cfg.Channels {
		if !ch.Enabled {
			continue
		}
		if _, err := reg.Create(ch); err != nil {
			e.close()
			return nil, err
		}
	}
	return e, nil
}

// Registry exposes the channel registry for management surfaces.
func (e *Engine) Registry() *channel.Registry { return e.registry }

// Store exposes the point store.
func (e *Engine) Store() *store.PointStore { return e.store }

// Start brings every channel up, best effort, and launches the retry
// and sweep workers. Channels that fail to start stay in Error state
// and are retried by the sweeper.
func (e *Engine) Start(ctx context.Context) {
	failures := e.registry.StartAll(ctx)
	for id, err := range failures {
		e.log.Error("channel failed to start", "channel_id", id, "error", err)
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancel = cancel
	e.done = make(chan struct{})
	done := e.done
	e.mu.Unlock()

	go func() {
		defer close(done)
		e.workers(workerCtx)
	}()
	e.log.Info("engine started", "channels", len(e.registry.List()))
}

// Stop tears the engine down: workers first, then channels, then the
// stores.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	e.registry.StopAll(ctx)
	e.close()
	e.log.Info("engine stopped")
}

func (e *Engine) close() {
	if e.queue != nil {
		if err := e.queue.Close(); err != nil {
			e.log.Warn("retry queue close failed", "error", err)
		}
	}
	if err := e.store.Close(); err != nil {
		e.log.Warn("point store close failed", "error", err)
	}
}

// SendCommand is the external write entry point. The hot path is one
// dispatch cache lookup and a submit; on a miss the command is parked
// in the retry queue when persistence is enabled, otherwise rejected.
func (e *Engine) SendCommand(ctx context.Context, addr point.Address, value float64) error {
	if !addr.Type.Writable() {
		return fmt.Errorf("point %s is not writable", addr)
	}

	if sender, ok := e.cache.Get(addr.ChannelID); ok {
		def, err := e.pointDef(addr)
		if err != nil {
			return err
		}
		return sender.Submit(ctx, scheduler.NewCommand(def, value))
	}

	if e.queue == nil {
		return fmt.Errorf("channel %d: %w", addr.ChannelID, channel.ErrChannelNotFound)
	}
	e.log.Info("channel offline, parking command",
		"point", addr.String(), "value", value)
	return e.queue.Save(&persistence.Command{
		ID:        uuid.New().String(),
		ChannelID: addr.ChannelID,
		PointType: addr.Type.Tag(),
		PointID:   addr.ID,
		Value:     value,
		CreatedAt: time.Now(),
	})
}

func (e *Engine) pointDef(addr point.Address) (driver.PointDef, error) {
	ch, err := e.registry.Get(addr.ChannelID)
	if err != nil {
		return driver.PointDef{}, err
	}
	for _, def := range ch.Driver().AllPoints() {
		if def.Address == addr {
			return def, nil
		}
	}
	return driver.PointDef{}, fmt.Errorf("point %s: %w", addr, driver.ErrInvalidAddress)
}

// workers runs the periodic background jobs until the context ends.
func (e *Engine) workers(ctx context.Context) {
	retryTicker := time.NewTicker(retryInterval)
	defer retryTicker.Stop()

	sweepInterval := time.Duration(e.cfg.Sweep.IntervalMs) * time.Millisecond
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	sweepTicker := time.NewTicker(sweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-retryTicker.C:
			e.replayQueued(ctx)
		case <-sweepTicker.C:
			e.sweep(ctx)
		}
	}
}

// replayQueued drains parked commands for every channel whose sender
// is registered again. Replay re-encodes from the engineering value so
// it always reflects the current point table.
func (e *Engine) replayQueued(ctx context.Context) {
	if e.queue == nil {
		return
	}
	channels, err := e.queue.Channels()
	if err != nil {
		e.log.Warn("retry queue scan failed", "error", err)
		return
	}

	for _, id := range channels {
		sender, ok := e.cache.Get(id)
		if !ok {
			continue
		}
		cmds, err := e.queue.Pending(id, retryBatchLimit)
		if err != nil {
			e.log.Warn("retry queue read failed", "channel_id", id, "error", err)
			continue
		}
		for _, cmd := range cmds {
			if err := e.replayOne(ctx, sender, cmd); err != nil {
				e.log.Warn("command replay failed",
					"command_id", cmd.ID, "channel_id", id, "error", err)
			}
		}
	}
}

func (e *Engine) replayOne(ctx context.Context, sender dispatch.Sender, cmd *persistence.Command) error {
	typ, err := point.ParseType(cmd.PointType)
	if err != nil {
		return e.queue.Delete(cmd.ID)
	}
	addr := point.Address{ChannelID: cmd.ChannelID, Type: typ, ID: cmd.PointID}

	def, err := e.pointDef(addr)
	if err != nil {
		// The point no longer exists; the command can never apply.
		return e.queue.Delete(cmd.ID)
	}

	if err := sender.Submit(ctx, scheduler.NewCommand(def, cmd.Value)); err != nil {
		if cmd.Retries+1 >= maxReplayTries {
			e.log.Warn("dropping command after repeated replay failures",
				"command_id", cmd.ID, "retries", cmd.Retries)
			return e.queue.Delete(cmd.ID)
		}
		if mErr := e.queue.MarkRetry(cmd.ID); mErr != nil {
			return mErr
		}
		return err
	}
	return e.queue.Delete(cmd.ID)
}

// sweep restarts channels that are running but have not produced a
// successful poll within the idle window. A restart tears the wire
// connection down and rebuilds it, which clears half-open TCP sessions
// and wedged serial adapters.
func (e *Engine) sweep(ctx context.Context) {
	idle := time.Duration(e.cfg.Sweep.IdleMs) * time.Millisecond
	if idle <= 0 {
		idle = 2 * time.Minute
	}

	for _, info := range e.registry.List() {
		if info.State != channel.StateRunning && info.State != channel.StateError {
			continue
		}
		if !info.LastSuccess.IsZero() && time.Since(info.LastSuccess) <= idle {
			continue
		}
		if info.State == channel.StateRunning && !info.Failing {
			continue
		}

		e.log.Info("sweeping stale channel",
			"channel_id", info.ID, "state", info.State.String(),
			"last_success", info.LastSuccess)
		if err := e.registry.Stop(ctx, info.ID); err != nil {
			e.log.Warn("sweep stop failed", "channel_id", info.ID, "error", err)
			continue
		}
		if err := e.registry.Start(ctx, info.ID); err != nil {
			e.log.Warn("sweep restart failed", "channel_id", info.ID, "error", err)
		}
	}
}
