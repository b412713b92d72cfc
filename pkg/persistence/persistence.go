// Package persistence defines the durable command retry queue. When
// the dispatch cache misses (channel stopped or restarting), write
// requests are parked here instead of being dropped, and replayed once
// the channel's sender registers again.
package persistence

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a command is not in the queue.
var ErrNotFound = errors.New("command not found")

// Command is a persisted outbound write request. It carries the
// engineering value, not wire bytes: the replay re-encodes against the
// channel's current point table so a configuration reload between park
// and replay cannot corrupt the write.
type Command struct {
	ID        string
	ChannelID int
	PointType string // point type tag (c/a)
	PointID   int
	Value     float64
	CreatedAt time.Time
	Retries   int
}

// Queue is the durable command store.
type Queue interface {
	// Save parks a command.
	Save(cmd *Command) error

	// Pending returns up to limit parked commands for a channel,
	// oldest first.
	Pending(channelID int, limit int) ([]*Command, error)

	// MarkRetry increments a command's retry counter.
	MarkRetry(id string) error

	// Delete removes a command after successful replay.
	Delete(id string) error

	// Channels lists the channel ids with parked commands.
	Channels() ([]int, error)

	// Close closes the queue.
	Close() error
}
