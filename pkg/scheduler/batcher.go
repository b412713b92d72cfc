package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/opengrid/comsrv/pkg/driver"
	"github.com/opengrid/comsrv/pkg/logger"
	"github.com/opengrid/comsrv/pkg/metrics"
	"github.com/opengrid/comsrv/pkg/store"
)

// Batcher errors.
var (
	ErrBatcherStopped = errors.New("command batcher stopped")
	ErrSubmitFull     = errors.New("command queue full")
)

// Batcher defaults. A flush happens when the window elapses since the
// last flush or the pending count reaches the ceiling, whichever comes
// first; this bounds both latency and memory under write bursts.
const (
	DefaultFlushWindow = 20 * time.Millisecond
	DefaultMaxPending  = 100

	submitQueueSize = 512
)

// BatcherConfig tunes the flush policy.
type BatcherConfig struct {
	FlushWindow time.Duration
	MaxPending  int
}

func (c BatcherConfig) withDefaults() BatcherConfig {
	if c.FlushWindow <= 0 {
		c.FlushWindow = DefaultFlushWindow
	}
	if c.MaxPending <= 0 {
		c.MaxPending = DefaultMaxPending
	}
	return c
}

// Batcher coalesces a channel's outbound writes. Exactly one consumer
// goroutine services the queue, so commands of one channel are
// processed in submission order.
type Batcher struct {
	channelID int
	drv       driver.Driver
	store     *store.PointStore
	log       *logger.Logger
	cfg       BatcherConfig

	// mu guards the per-run fields below so Submit stays safe against
	// a concurrent stop/start cycle. Each Start gets a fresh queue and
	// done channel; stale commands from a previous run are dropped.
	mu       sync.Mutex
	submitCh chan Command
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewBatcher creates a batcher for one channel. The store may be nil
// when write acknowledgments should not be echoed.
func NewBatcher(channelID int, drv driver.Driver, st *store.PointStore, log *logger.Logger, cfg BatcherConfig) *Batcher {
	if log == nil {
		log = logger.Global()
	}
	return &Batcher{
		channelID: channelID,
		drv:       drv,
		store:     st,
		log:       log.Named("batcher").With("channel", channelID),
		cfg:       cfg.withDefaults(),
	}
}

// Start launches the consumer loop. A stopped batcher may be started
// again.
func (b *Batcher) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ctx, b.cancel = context.WithCancel(ctx)
	b.submitCh = make(chan Command, submitQueueSize)
	b.done = make(chan struct{})
	go b.loop(ctx, b.submitCh, b.done)
}

// Stop cancels the consumer and waits for it to exit. Pending commands
// are discarded; shutdown never blocks on the wire.
func (b *Batcher) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done, b.submitCh = nil, nil, nil
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Submit enqueues one command. It never blocks on the wire: a full
// queue is reported immediately so the caller can fall back to the
// persisted retry path.
func (b *Batcher) Submit(ctx context.Context, cmd Command) error {
	b.mu.Lock()
	submitCh, done := b.submitCh, b.done
	b.mu.Unlock()

	if done == nil {
		return ErrBatcherStopped
	}
	select {
	case <-done:
		return ErrBatcherStopped
	default:
	}

	select {
	case submitCh <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrSubmitFull
	}
}

func (b *Batcher) loop(ctx context.Context, submitCh <-chan Command, done chan struct{}) {
	defer close(done)

	pending := make(map[groupKey][]Command)
	count := 0

	timer := time.NewTimer(b.cfg.FlushWindow)
	defer timer.Stop()

	resetTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(b.cfg.FlushWindow)
	}

	flush := func(trigger string) {
		if count == 0 {
			return
		}
		metrics.IncBatchFlush(b.channelID, trigger)
		for key, cmds := range pending {
			// The group is removed from the pending set before it is
			// handed to the wire, as one unit.
			delete(pending, key)
			b.flushGroup(ctx, cmds)
		}
		count = 0
		resetTimer()
	}

	for {
		select {
		case <-ctx.Done():
			// Discard whatever is pending; removal waits on us, not
			// on the wire.
			if count > 0 {
				metrics.IncBatchFlush(b.channelID, metrics.TriggerDrain)
				b.log.Debug("discarding pending commands on stop", "count", count)
			}
			return

		case cmd := <-submitCh:
			key := groupKey{Unit: cmd.Unit, Op: cmd.Op}
			pending[key] = append(pending[key], cmd)
			count++
			if count >= b.cfg.MaxPending {
				flush(metrics.TriggerSize)
			}

		case <-timer.C:
			if count > 0 {
				flush(metrics.TriggerWindow)
			} else {
				resetTimer()
			}
		}
	}
}

// flushGroup writes one (unit, opcode) group. Strictly consecutive
// register runs go out as a single write-many operation; anything with
// a gap falls back to individual writes. A failed member never aborts
// the rest of the group.
func (b *Batcher) flushGroup(ctx context.Context, cmds []Command) {
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Register < cmds[j].Register })

	bw, canBlock := b.drv.(driver.BlockWriter)
	if canBlock && cmds[0].Op == OpWriteRegister && isStrictlyConsecutive(cmds) && len(cmds) > 1 {
		data := make([]byte, 0, len(cmds)*2)
		for _, c := range cmds {
			data = append(data, c.Data...)
		}
		err := bw.WriteBlock(ctx, cmds[0].Unit, cmds[0].Register, data)
		if err == nil {
			metrics.IncCommand(b.channelID, metrics.ModeBlock, metrics.StatusSuccess)
			b.ack(ctx, cmds)
			return
		}
		metrics.IncCommand(b.channelID, metrics.ModeBlock, metrics.StatusFailed)
		b.log.Warn("block write failed, falling back to single writes",
			"unit", cmds[0].Unit, "start", cmds[0].Register, "error", err)
	}

	for _, c := range cmds {
		if err := b.drv.WritePoint(ctx, c.Address, c.Raw); err != nil {
			metrics.IncCommand(b.channelID, metrics.ModeSingle, metrics.StatusFailed)
			b.log.Warn("command write failed", "point", c.Address.String(), "error", err)
			continue
		}
		metrics.IncCommand(b.channelID, metrics.ModeSingle, metrics.StatusSuccess)
		b.ack(ctx, []Command{c})
	}
}

// ack echoes acknowledged command values into the point store so
// downstream consumers see the commanded state without waiting for the
// next poll cycle.
func (b *Batcher) ack(ctx context.Context, cmds []Command) {
	if b.store == nil {
		return
	}
	writes := make([]store.Write, 0, len(cmds))
	now := time.Now()
	for _, c := range cmds {
		if !c.Address.Type.Writable() {
			continue
		}
		writes = append(writes, store.Write{
			ChannelID: c.Address.ChannelID,
			Type:      c.Address.Type,
			PointID:   c.Address.ID,
			Value:     c.Value,
			Timestamp: now,
		})
	}
	if len(writes) == 0 {
		return
	}
	if err := b.store.SetPoints(ctx, writes); err != nil {
		b.log.Warn("command ack store write failed", "error", err)
	}
}
