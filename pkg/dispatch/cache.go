// Package dispatch implements the registry-bypassing index from
// channel id to that channel's live command-submission handle. The
// latency-sensitive control/adjustment write path looks up here in
// O(1) without touching the channel registry's lock; a miss means the
// caller must take the slower registry-mediated or persisted path.
package dispatch

import (
	"context"
	"sync"

	"github.com/opengrid/comsrv/pkg/scheduler"
)

// Sender is a channel's live write-submission endpoint. The command
// batcher satisfies it.
type Sender interface {
	Submit(ctx context.Context, cmd scheduler.Command) error
}

// shardCount is a power of two so the shard index is a cheap mask.
const shardCount = 16

type shard struct {
	mu      sync.RWMutex
	senders map[int]Sender
}

// Cache is sharded so concurrent registrations and lookups for
// different channels never contend on one lock. A handle is present
// exactly while its channel is registered and running.
type Cache struct {
	shards [shardCount]shard
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	c := &Cache{}
	for i := range c.shards {
		c.shards[i].senders = make(map[int]Sender)
	}
	return c
}

func (c *Cache) shard(channelID int) *shard {
	return &c.shards[uint(channelID)&(shardCount-1)]
}

// Register installs a channel's sender. Called exactly once when the
// channel finishes starting; a re-registration overwrites, keeping the
// newest handle authoritative.
func (c *Cache) Register(channelID int, s Sender) {
	sh := c.shard(channelID)
	sh.mu.Lock()
	sh.senders[channelID] = s
	sh.mu.Unlock()
}

// Unregister removes a channel's sender. Called exactly once when the
// channel begins stopping.
func (c *Cache) Unregister(channelID int) {
	sh := c.shard(channelID)
	sh.mu.Lock()
	delete(sh.senders, channelID)
	sh.mu.Unlock()
}

// Get returns the channel's sender, or false on a miss.
func (c *Cache) Get(channelID int) (Sender, bool) {
	sh := c.shard(channelID)
	sh.mu.RLock()
	s, ok := sh.senders[channelID]
	sh.mu.RUnlock()
	return s, ok
}

// Len returns the number of registered channels.
func (c *Cache) Len() int {
	n := 0
	for i := range c.shards {
		c.shards[i].mu.RLock()
		n += len(c.shards[i].senders)
		c.shards[i].mu.RUnlock()
	}
	return n
}
