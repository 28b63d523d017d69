package syncutil

import (
	"context"
	"sync"
)

// ContextShardedMutex is the channel-backed variant of ShardedMutex. Wallet
// RPC operations can stall for the full HTTP timeout, so callers waiting on
// an endpoint lock must be able to give up when their context is cancelled.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewContextShardedMutex creates a context-aware sharded mutex with every
// shard unlocked.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			ch := make(chan struct{}, 1)
			ch <- struct{}{} // start unlocked
			m.shards[i] = ch
		}
	})
}

// LockContext acquires the mutex for key or gives up when ctx is done.
// On success the returned unlock function must be called exactly once.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	ch := m.shards[shardIndex(key)]

	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
