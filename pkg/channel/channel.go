package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opengrid/comsrv/pkg/config"
	"github.com/opengrid/comsrv/pkg/dispatch"
	"github.com/opengrid/comsrv/pkg/driver"
	"github.com/opengrid/comsrv/pkg/logger"
	"github.com/opengrid/comsrv/pkg/scheduler"
	"github.com/opengrid/comsrv/pkg/store"
)

// State is a channel's lifecycle position.
type State uint8

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateError
	StateStopping
	StateStopped
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Info is a point-in-time snapshot of one channel used by status
// queries; it never exposes the live driver.
type Info struct {
	ID          int
	Name        string
	Protocol    string
	State       State
	Driver      driver.Status
	Failing     bool
	LastSuccess time.Time
	Points      int
	Diagnostics map[string]uint64
}

// Channel binds one configured channel's driver, poller and batcher and
// drives them through the lifecycle state machine. All transitions go
// through Start and Stop; the poller flags Error in the background via
// the failing indicator but never changes the lifecycle state itself.
type Channel struct {
	cfg   config.ChannelConfig
	drv   driver.Driver
	log   *logger.Logger
	cache *dispatch.Cache

	poller  *scheduler.Poller
	batcher *scheduler.Batcher

	mu    sync.Mutex
	state State
}

func newChannel(cfg config.ChannelConfig, drv driver.Driver, st *store.PointStore, cache *dispatch.Cache, log *logger.Logger) *Channel {
	clog := log.Named("channel").With("channel_id", cfg.ID)

	pollCfg := scheduler.PollerConfig{
		Interval:   cfg.PollInterval(),
		BatchSize:  cfg.BatchSize,
		MaxGap:     cfg.MaxGap,
		MaxRetries: cfg.MaxRetries,
		Timeout:    cfg.Timeout(),
	}
	batchCfg := scheduler.BatcherConfig{}

	return &Channel{
		cfg:     cfg,
		drv:     drv,
		log:     clog,
		cache:   cache,
		poller:  scheduler.NewPoller(cfg.ID, drv, st, log, pollCfg),
		batcher: scheduler.NewBatcher(cfg.ID, drv, st, log, batchCfg),
		state:   StateCreated,
	}
}

// ID returns the channel identifier.
func (c *Channel) ID() int { return c.cfg.ID }

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Config returns the channel's configuration.
func (c *Channel) Config() config.ChannelConfig { return c.cfg }

// Driver exposes the underlying driver for diagnostics.
func (c *Channel) Driver() driver.Driver { return c.drv }

// Submit hands a command to the channel's batcher. It satisfies
// dispatch.Sender so the channel itself can be registered in the
// dispatch cache.
func (c *Channel) Submit(ctx context.Context, cmd scheduler.Command) error {
	return c.batcher.Submit(ctx, cmd)
}

// Start connects the driver and brings up the poller and batcher. On
// success the channel is registered in the dispatch cache; on failure
// everything that came up is torn down and the channel lands in Error.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateRunning, StateStarting:
		return fmt.Errorf("channel %d: %w", c.cfg.ID, ErrChannelBusy)
	case StateRemoved:
		return fmt.Errorf("channel %d: %w", c.cfg.ID, ErrChannelRemoved)
	}
	c.state = StateStarting

	if err := c.drv.Connect(ctx); err != nil {
		c.state = StateError
		return fmt.Errorf("channel %d connect: %w", c.cfg.ID, err)
	}
	if err := c.drv.Start(ctx); err != nil {
		_ = c.drv.Disconnect()
		c.state = StateError
		return fmt.Errorf("channel %d start: %w", c.cfg.ID, err)
	}

	c.batcher.Start(ctx)
	c.poller.Start(ctx)
	c.cache.Register(c.cfg.ID, c)
	c.state = StateRunning
	c.log.Info("channel started", "protocol", c.cfg.Protocol)
	return nil
}

// Stop unregisters the channel from the dispatch cache first so no new
// commands arrive, then drains the batcher and tears the stack down in
// reverse start order.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

func (c *Channel) stopLocked() error {
	switch c.state {
	case StateStopped, StateCreated, StateRemoved:
		return nil
	}
	c.state = StateStopping

	c.cache.Unregister(c.cfg.ID)
	c.batcher.Stop()
	c.poller.Stop()
	if err := c.drv.Stop(); err != nil {
		c.log.Warn("driver stop failed", "error", err)
	}
	if err := c.drv.Disconnect(); err != nil {
		c.log.Warn("driver disconnect failed", "error", err)
	}

	c.state = StateStopped
	c.log.Info("channel stopped")
	return nil
}

// remove marks the channel terminally removed. The state is re-checked
// under the channel lock so a start racing the removal cannot leave a
// live poller behind an unregistered id.
func (c *Channel) remove() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateRunning, StateStarting, StateStopping:
		return fmt.Errorf("channel %d: %w", c.cfg.ID, ErrChannelBusy)
	}
	c.state = StateRemoved
	return nil
}

// Info snapshots the channel for status reporting. A running channel
// whose retry budget is exhausted reports Error; it flips back to
// Running on the next successful poll without a lifecycle transition.
func (c *Channel) Info() Info {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	failing := c.poller.Failing()
	if state == StateRunning && failing {
		state = StateError
	}

	return Info{
		ID:          c.cfg.ID,
		Name:        c.cfg.Name,
		Protocol:    c.cfg.Protocol,
		State:       state,
		Driver:      c.drv.Status(),
		Failing:     failing,
		LastSuccess: c.poller.LastSuccess(),
		Points:      len(c.cfg.Points),
		Diagnostics: c.drv.Diagnostics(),
	}
}
