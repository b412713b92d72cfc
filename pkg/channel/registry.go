// Package channel manages the gateway's communication channels: the
// factory catalog for protocol types, channel creation from
// configuration, and the lifecycle state machine that ties a driver,
// its polling loop and its command batcher together.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/opengrid/comsrv/pkg/config"
	"github.com/opengrid/comsrv/pkg/dispatch"
	"github.com/opengrid/comsrv/pkg/driver"
	"github.com/opengrid/comsrv/pkg/logger"
	"github.com/opengrid/comsrv/pkg/metrics"
	"github.com/opengrid/comsrv/pkg/store"
)

var (
	ErrFactoryRegistered = errors.New("factory already registered")
	ErrUnknownProtocol   = errors.New("unknown protocol type")
	ErrDuplicateChannel  = errors.New("channel id already exists")
	ErrChannelNotFound   = errors.New("channel not found")
	ErrChannelBusy       = errors.New("channel is busy")
	ErrChannelRemoved    = errors.New("channel is removed")
)

// Registry owns every channel in the process. Factories are registered
// once at startup; channels come and go at runtime. Mutating operations
// are serialized on one lock; the hot command path bypasses the
// registry entirely through the dispatch cache.
type Registry struct {
	store *store.PointStore
	cache *dispatch.Cache
	log   *logger.Logger

	mu        sync.RWMutex
	factories map[string]driver.Factory
	channels  map[int]*Channel
}

// NewRegistry creates an empty registry.
func NewRegistry(st *store.PointStore, cache *dispatch.Cache, log *logger.Logger) *Registry {
	return &Registry{
		store:     st,
		cache:     cache,
		log:       log.Named("registry"),
		factories: make(map[string]driver.Factory),
		channels:  make(map[int]*Channel),
	}
}

// RegisterFactory adds a protocol factory to the catalog. Registering
// the same protocol-type tag twice is a wiring bug and fails.
func (r *Registry) RegisterFactory(f driver.Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[f.Type()]; ok {
		return fmt.Errorf("%s: %w", f.Type(), ErrFactoryRegistered)
	}
	r.factories[f.Type()] = f
	return nil
}

// Protocols lists the registered protocol-type tags.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Create builds a channel from configuration. The operation is
// all-or-nothing: a factory failure leaves no trace in the registry.
// The new channel is created stopped; Start brings it up.
func (r *Registry) Create(cfg config.ChannelConfig) (*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.channels[cfg.ID]; ok {
		return nil, fmt.Errorf("channel %d: %w", cfg.ID, ErrDuplicateChannel)
	}
	factory, ok := r.factories[cfg.Protocol]
	if !ok {
		return nil, fmt.Errorf("channel %d protocol %q: %w", cfg.ID, cfg.Protocol, ErrUnknownProtocol)
	}

	drv, err := factory.Create(cfg)
	if err != nil {
		return nil, fmt.Errorf("channel %d: %w", cfg.ID, err)
	}

	ch := newChannel(cfg, drv, r.store, r.cache, r.log)
	r.channels[cfg.ID] = ch
	r.log.Info("channel created", "channel_id", cfg.ID, "protocol", cfg.Protocol)
	return ch, nil
}

// Get returns the channel with the given id.
func (r *Registry) Get(id int) (*Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	if !ok {
		return nil, fmt.Errorf("channel %d: %w", id, ErrChannelNotFound)
	}
	return ch, nil
}

// Status reports one channel's current status snapshot.
func (r *Registry) Status(id int) (Info, error) {
	ch, err := r.Get(id)
	if err != nil {
		return Info{}, err
	}
	return ch.Info(), nil
}

// List snapshots every channel's status, ordered by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	channels := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.mu.RUnlock()

	sort.Slice(channels, func(i, j int) bool { return channels[i].ID() < channels[j].ID() })
	out := make([]Info, len(channels))
	for i, ch := range channels {
		out[i] = ch.Info()
	}
	return out
}

// Start brings one channel up.
func (r *Registry) Start(ctx context.Context, id int) error {
	ch, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := ch.Start(ctx); err != nil {
		return err
	}
	r.updateRunningGauge()
	return nil
}

// Stop takes one channel down.
func (r *Registry) Stop(ctx context.Context, id int) error {
	ch, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := ch.Stop(ctx); err != nil {
		return err
	}
	r.updateRunningGauge()
	return nil
}

// Remove deletes a stopped channel from the registry and clears its
// points from the store. A running channel must be stopped first.
func (r *Registry) Remove(ctx context.Context, id int) error {
	r.mu.Lock()
	ch, ok := r.channels[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("channel %d: %w", id, ErrChannelNotFound)
	}
	// The channel marks itself removed under its own lock before the
	// table entry goes away, so a concurrent Start either beats the
	// removal (and Remove reports busy) or sees the terminal state.
	if err := ch.remove(); err != nil {
		r.mu.Unlock()
		return err
	}
	delete(r.channels, id)
	r.mu.Unlock()
	if err := r.store.DeleteChannel(ctx, id); err != nil {
		r.log.Warn("failed to clear channel points", "channel_id", id, "error", err)
	}
	r.log.Info("channel removed", "channel_id", id)
	return nil
}

// StartAll starts every channel, best effort: one channel's failure
// never prevents the rest from starting. The returned map holds the
// failures by channel id; an empty map means every channel is up.
func (r *Registry) StartAll(ctx context.Context) map[int]error {
	failures := make(map[int]error)
	for _, ch := range r.ordered() {
		if err := ch.Start(ctx); err != nil {
			r.log.Error("channel start failed", "channel_id", ch.ID(), "error", err)
			failures[ch.ID()] = err
		}
	}
	r.updateRunningGauge()
	return failures
}

// StopAll stops every channel, best effort.
func (r *Registry) StopAll(ctx context.Context) map[int]error {
	failures := make(map[int]error)
	for _, ch := range r.ordered() {
		if err := ch.Stop(ctx); err != nil {
			failures[ch.ID()] = err
		}
	}
	r.updateRunningGauge()
	return failures
}

func (r *Registry) ordered() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Registry) updateRunningGauge() {
	running := 0
	r.mu.RLock()
	for _, ch := range r.channels {
		if ch.State() == StateRunning {
			running++
		}
	}
	r.mu.RUnlock()
	metrics.SetRunningChannels(running)
}
