package scheduler

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/opengrid/comsrv/pkg/driver"
	"github.com/opengrid/comsrv/pkg/logger"
	"github.com/opengrid/comsrv/pkg/metrics"
	"github.com/opengrid/comsrv/pkg/point"
	"github.com/opengrid/comsrv/pkg/store"
)

// Poller defaults.
const (
	DefaultBatchSize  = 100
	DefaultMaxGap     = 10
	DefaultMaxRetries = 3
)

// PollerConfig tunes one channel's polling loop.
type PollerConfig struct {
	// Interval is the tick cadence.
	Interval time.Duration

	// BatchSize caps the registers merged into one wire read.
	BatchSize int

	// MaxGap is the largest register gap still merged into a block; a
	// larger gap always draws a block boundary.
	MaxGap int

	// MaxRetries bounds consecutive failed ticks before the channel
	// surfaces Error status.
	MaxRetries int

	// Timeout is the per-operation deadline.
	Timeout time.Duration
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxGap < 0 {
		c.MaxGap = DefaultMaxGap
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

// readBlock is one merged wire read: consecutive (within MaxGap)
// registers of a single unit.
type readBlock struct {
	unit     byte
	start    uint16
	quantity uint16
	defs     []driver.PointDef
}

// Poller runs one channel's polling loop: read enabled points in
// windowed blocks, decode, apply value processing and forward to the
// point store. The loop keeps running through failures; it only exits
// when stopped.
type Poller struct {
	channelID int
	drv       driver.Driver
	store     *store.PointStore
	log       *logger.Logger
	cfg       PollerConfig

	cancel context.CancelFunc
	done   chan struct{}

	failures    atomic.Int64
	failing     atomic.Bool
	lastSuccess atomic.Int64 // unix nanos
}

// NewPoller creates a poller for one channel.
func NewPoller(channelID int, drv driver.Driver, st *store.PointStore, log *logger.Logger, cfg PollerConfig) *Poller {
	if log == nil {
		log = logger.Global()
	}
	return &Poller{
		channelID: channelID,
		drv:       drv,
		store:     st,
		log:       log.Named("poller").With("channel", channelID),
		cfg:       cfg.withDefaults(),
	}
}

// Start launches the polling loop. A stopped poller may be started
// again; the retry budget starts fresh on every run.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.failures.Store(0)
	p.failing.Store(false)
	go p.loop(ctx, p.done)
}

// Stop cancels the loop and waits for it to exit.
func (p *Poller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
}

// Failing reports whether the retry budget is currently exhausted.
func (p *Poller) Failing() bool {
	return p.failing.Load()
}

// LastSuccess returns the time of the last fully stored poll, or the
// zero time before the first one.
func (p *Poller) LastSuccess() time.Time {
	n := p.lastSuccess.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// First tick immediately so a freshly started channel populates
	// the store without waiting a full interval.
	p.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	writes, err := p.readAll(opCtx)

	if len(writes) > 0 {
		if serr := p.store.SetPoints(ctx, writes); serr != nil {
			// A missed store write is logged; the next tick proceeds.
			p.log.Warn("store write failed", "error", serr)
		}
	}

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		n := p.failures.Add(1)
		metrics.IncPoll(p.channelID, metrics.StatusFailed)
		metrics.IncDriverError(p.channelID, errKind(err))
		p.log.Warn("poll failed", "consecutive", n, "error", err)

		if n >= int64(p.cfg.MaxRetries) && !p.failing.Swap(true) {
			p.log.Error("retry budget exhausted, channel degraded", "failures", n)
		}
		if driver.NeedsReconnect(err) {
			p.reconnect(ctx)
		}
		return
	}

	p.failures.Store(0)
	if p.failing.Swap(false) {
		p.log.Info("channel recovered")
	}
	p.lastSuccess.Store(time.Now().UnixNano())
	metrics.IncPoll(p.channelID, metrics.StatusSuccess)
}

// readAll reads every enabled point once, using block reads where the
// driver supports them. It returns whatever values it could obtain
// together with the first error encountered; one failed block never
// discards the others' data.
func (p *Poller) readAll(ctx context.Context) ([]store.Write, error) {
	defs := enabledDefs(p.drv.AllPoints())
	if len(defs) == 0 {
		return nil, nil
	}

	now := time.Now()
	writes := make([]store.Write, 0, len(defs))
	var firstErr error

	blockable, single := splitBlockable(p.drv, defs)

	for _, blk := range buildBlocks(blockable, p.cfg.BatchSize, p.cfg.MaxGap) {
		br := p.drv.(driver.BlockReader)
		data, err := br.ReadBlock(ctx, blk.unit, blk.start, blk.quantity)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, def := range blk.defs {
			off := int(def.Register-blk.start) * 2
			if off < 0 || off >= len(data) {
				continue
			}
			raw := driver.DecodeValue(def, data[off:])
			writes = append(writes, processedWrite(def, raw, now))
		}
	}

	for _, def := range single {
		raw, err := p.drv.ReadPoint(ctx, def.Address)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			// Protocol-level rejections are per-request; keep reading
			// the remaining points.
			if driver.NeedsReconnect(err) {
				break
			}
			continue
		}
		writes = append(writes, processedWrite(def, raw, now))
	}

	return writes, firstErr
}

func (p *Poller) reconnect(ctx context.Context) {
	if err := p.drv.Disconnect(); err != nil {
		p.log.Debug("disconnect before reconnect", "error", err)
	}
	opCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	if err := p.drv.Connect(opCtx); err != nil {
		p.log.Warn("reconnect failed", "error", err)
		return
	}
	p.log.Info("reconnected")
}

func processedWrite(def driver.PointDef, raw float64, ts time.Time) store.Write {
	return store.Write{
		ChannelID: def.Address.ChannelID,
		Type:      def.Address.Type,
		PointID:   def.Address.ID,
		Value:     point.Process(def.Address.Type, def.Scaling, raw),
		Timestamp: ts,
	}
}

func enabledDefs(defs []driver.PointDef) []driver.PointDef {
	out := defs[:0:0]
	for _, d := range defs {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// splitBlockable separates register points eligible for windowed reads
// from points that must be read individually (bit-packed signals, or
// any point when the driver has no block capability).
func splitBlockable(drv driver.Driver, defs []driver.PointDef) (blockable, single []driver.PointDef) {
	if _, ok := drv.(driver.BlockReader); !ok {
		return nil, defs
	}
	for _, d := range defs {
		if d.Signal.BitLength > 0 {
			single = append(single, d)
		} else {
			blockable = append(blockable, d)
		}
	}
	return blockable, single
}

// buildBlocks merges consecutive register addresses into wire read
// windows: a block boundary is drawn at a gap larger than maxGap, at a
// unit change, or when the block would exceed batchSize registers.
func buildBlocks(defs []driver.PointDef, batchSize, maxGap int) []readBlock {
	if len(defs) == 0 {
		return nil
	}

	sorted := make([]driver.PointDef, len(defs))
	copy(sorted, defs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Unit != sorted[j].Unit {
			return sorted[i].Unit < sorted[j].Unit
		}
		return sorted[i].Register < sorted[j].Register
	})

	var blocks []readBlock
	cur := readBlock{
		unit:     sorted[0].Unit,
		start:    sorted[0].Register,
		quantity: sorted[0].DataType.RegisterWidth(),
		defs:     []driver.PointDef{sorted[0]},
	}

	for _, d := range sorted[1:] {
		end := cur.start + cur.quantity
		width := d.DataType.RegisterWidth()
		newQuantity := d.Register + width - cur.start

		sameRun := d.Unit == cur.unit &&
			d.Register >= end &&
			int(d.Register-end) <= maxGap &&
			int(newQuantity) <= batchSize

		if sameRun {
			cur.quantity = newQuantity
			cur.defs = append(cur.defs, d)
			continue
		}

		blocks = append(blocks, cur)
		cur = readBlock{
			unit:     d.Unit,
			start:    d.Register,
			quantity: width,
			defs:     []driver.PointDef{d},
		}
	}
	return append(blocks, cur)
}

func errKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case driver.NeedsReconnect(err):
		return "connection"
	default:
		return "protocol"
	}
}
