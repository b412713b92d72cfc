// Package store implements the real-time point store: the latest value
// of every point, kept in Redis hashes with publish-on-write change
// notification. Keys follow comsrv:{channelID}:{typeTag} with hash
// fields keyed by point id; values are fixed 6-decimal strings so
// cross-process readers never disagree on formatting.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opengrid/comsrv/pkg/logger"
	"github.com/opengrid/comsrv/pkg/metrics"
	"github.com/opengrid/comsrv/pkg/point"
)

// KeyPrefix is the namespace for all point store keys and topics.
const KeyPrefix = "comsrv"

// ErrNotFound is returned when a point has no stored value.
var ErrNotFound = errors.New("point not found")

// Key returns the hash key (and publish topic) for one channel+type.
func Key(channelID int, t point.Type) string {
	return fmt.Sprintf("%s:%d:%s", KeyPrefix, channelID, t.Tag())
}

// FormatValue renders a value in the canonical fixed 6-decimal form.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// Write is one pending point update.
type Write struct {
	ChannelID int
	Type      point.Type
	PointID   int
	Value     float64
	Timestamp time.Time
}

// Event is the change notification published alongside each write.
type Event struct {
	PointID   int    `json:"point_id"`
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

// Stats is a snapshot of store activity counters.
type Stats struct {
	Reads         uint64 `json:"reads"`
	Writes        uint64 `json:"writes"`
	ReadErrors    uint64 `json:"read_errors"`
	WriteErrors   uint64 `json:"write_errors"`
	PublishErrors uint64 `json:"publish_errors"`
}

// PointStore is safe for concurrent use; the Redis client does its own
// connection pooling and no cross-key transactional claims are made.
type PointStore struct {
	rdb *redis.Client
	log *logger.Logger

	reads         atomic.Uint64
	writes        atomic.Uint64
	readErrors    atomic.Uint64
	writeErrors   atomic.Uint64
	publishErrors atomic.Uint64
}

// Options holds store connection settings.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New connects to Redis and returns a PointStore.
func New(ctx context.Context, opts Options, log *logger.Logger) (*PointStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("point store ping: %w", err)
	}
	return NewWithClient(rdb, log), nil
}

// NewWithClient wraps an existing Redis client. Tests use this with a
// miniredis-backed client.
func NewWithClient(rdb *redis.Client, log *logger.Logger) *PointStore {
	if log == nil {
		log = logger.Global()
	}
	return &PointStore{rdb: rdb, log: log.Named("store")}
}

// SetPoint writes one value and publishes the change. Publish failure
// is counted but the value write stays authoritative.
func (s *PointStore) SetPoint(ctx context.Context, channelID int, t point.Type, pointID int, value float64) error {
	return s.write(ctx, Write{
		ChannelID: channelID,
		Type:      t,
		PointID:   pointID,
		Value:     value,
		Timestamp: time.Now(),
	})
}

// SetPoints writes a batch of values in one pipelined round-trip. Each
// key is written atomically on its own; the batch as a whole is not
// transactional. The first write error is returned after the remaining
// writes are attempted.
func (s *PointStore) SetPoints(ctx context.Context, writes []Write) error {
	if len(writes) == 0 {
		return nil
	}

	type queued struct {
		w   Write
		key string
		set *redis.IntCmd
		pub *redis.IntCmd
	}

	pipe := s.rdb.Pipeline()
	batch := make([]queued, 0, len(writes))
	for _, w := range writes {
		if w.Timestamp.IsZero() {
			w.Timestamp = time.Now()
		}
		key := Key(w.ChannelID, w.Type)
		val := FormatValue(w.Value)
		q := queued{w: w, key: key}
		q.set = pipe.HSet(ctx, key, strconv.Itoa(w.PointID), val)
		payload, err := json.Marshal(Event{
			PointID:   w.PointID,
			Value:     val,
			Timestamp: w.Timestamp.Unix(),
		})
		if err == nil {
			q.pub = pipe.Publish(ctx, key, payload)
		}
		batch = append(batch, q)
	}
	// Per-command results are inspected below; Exec's first-error
	// return would hide which writes made it.
	_, _ = pipe.Exec(ctx)

	var firstErr error
	for _, q := range batch {
		if err := q.set.Err(); err != nil {
			s.writeErrors.Add(1)
			metrics.IncPointWrite(q.w.ChannelID, metrics.StatusFailed)
			if firstErr == nil {
				firstErr = fmt.Errorf("store write %s[%d]: %w", q.key, q.w.PointID, err)
			}
			continue
		}
		s.writes.Add(1)
		metrics.IncPointWrite(q.w.ChannelID, metrics.StatusSuccess)
		if q.pub == nil || q.pub.Err() != nil {
			s.publishErrors.Add(1)
			metrics.IncPublishError(q.w.ChannelID)
			s.log.Warn("publish failed", "key", q.key, "point", q.w.PointID)
		}
	}
	return firstErr
}

func (s *PointStore) write(ctx context.Context, w Write) error {
	key := Key(w.ChannelID, w.Type)
	field := strconv.Itoa(w.PointID)
	val := FormatValue(w.Value)

	if err := s.rdb.HSet(ctx, key, field, val).Err(); err != nil {
		s.writeErrors.Add(1)
		metrics.IncPointWrite(w.ChannelID, metrics.StatusFailed)
		return fmt.Errorf("store write %s[%s]: %w", key, field, err)
	}
	s.writes.Add(1)
	metrics.IncPointWrite(w.ChannelID, metrics.StatusSuccess)

	payload, err := json.Marshal(Event{
		PointID:   w.PointID,
		Value:     val,
		Timestamp: w.Timestamp.Unix(),
	})
	if err == nil {
		err = s.rdb.Publish(ctx, key, payload).Err()
	}
	if err != nil {
		// The value write is authoritative; notification loss is
		// counted and logged only.
		s.publishErrors.Add(1)
		metrics.IncPublishError(w.ChannelID)
		s.log.Warn("publish failed", "key", key, "point", w.PointID, "error", err)
	}
	return nil
}

// GetPoint reads one current value.
func (s *PointStore) GetPoint(ctx context.Context, channelID int, t point.Type, pointID int) (float64, error) {
	val, err := s.rdb.HGet(ctx, Key(channelID, t), strconv.Itoa(pointID)).Result()
	if err == redis.Nil {
		return 0, ErrNotFound
	}
	if err != nil {
		s.readErrors.Add(1)
		return 0, fmt.Errorf("store read: %w", err)
	}
	s.reads.Add(1)

	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("store read: malformed value %q: %w", val, err)
	}
	return f, nil
}

// GetPoints reads many current values; addresses with no stored value
// are absent from the result.
func (s *PointStore) GetPoints(ctx context.Context, addrs []point.Address) (map[point.Address]float64, error) {
	out := make(map[point.Address]float64, len(addrs))
	for _, a := range addrs {
		v, err := s.GetPoint(ctx, a.ChannelID, a.Type, a.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return out, err
		}
		out[a] = v
	}
	return out, nil
}

// GetChannelPoints snapshots all values of one type for a channel,
// keyed by point id.
func (s *PointStore) GetChannelPoints(ctx context.Context, channelID int, t point.Type) (map[int]float64, error) {
	fields, err := s.rdb.HGetAll(ctx, Key(channelID, t)).Result()
	if err != nil {
		s.readErrors.Add(1)
		return nil, fmt.Errorf("store snapshot: %w", err)
	}
	s.reads.Add(1)

	out := make(map[int]float64, len(fields))
	for field, val := range fields {
		id, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			continue
		}
		out[id] = f
	}
	return out, nil
}

// DeleteChannel removes all stored values for a channel. Called on
// channel removal so a reused id never sees stale values.
func (s *PointStore) DeleteChannel(ctx context.Context, channelID int) error {
	keys := make([]string, 0, 4)
	for _, t := range []point.Type{point.Telemetry, point.Signal, point.Control, point.Adjustment} {
		keys = append(keys, Key(channelID, t))
	}
	return s.rdb.Del(ctx, keys...).Err()
}

// Subscribe returns a subscription for one channel+type topic. The
// caller owns the returned PubSub and must close it.
func (s *PointStore) Subscribe(ctx context.Context, channelID int, t point.Type) *redis.PubSub {
	return s.rdb.Subscribe(ctx, Key(channelID, t))
}

// Stats returns a snapshot of the activity counters.
func (s *PointStore) Stats() Stats {
	return Stats{
		Reads:         s.reads.Load(),
		Writes:        s.writes.Load(),
		ReadErrors:    s.readErrors.Load(),
		WriteErrors:   s.writeErrors.Load(),
		PublishErrors: s.publishErrors.Load(),
	}
}

// Close closes the Redis client.
func (s *PointStore) Close() error {
	return s.rdb.Close()
}
