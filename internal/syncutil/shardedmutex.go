// Package syncutil provides keyed locking primitives. The escrow service
// locks by escrow ID to serialize state transitions, and the wallet pool
// locks by endpoint URL so only one caller talks to a monero-wallet-rpc
// process at a time.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// shardCount bounds memory: keys (escrow IDs) are unbounded over the life
// of the process, so per-key mutex maps would grow forever.
const shardCount = 128

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// ShardedMutex is a fixed-size pool of mutexes keyed by string. Keys that
// hash to the same shard contend with each other, which is acceptable for
// short critical sections like an escrow status transition.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the mutex for key and returns the unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardIndex(key)]
	mu.Lock()
	return mu.Unlock
}
