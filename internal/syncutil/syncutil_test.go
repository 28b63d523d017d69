package syncutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestShardedMutexSerializesOneKey(t *testing.T) {
	var m ShardedMutex
	var wg sync.WaitGroup

	counter := 0
	const n = 200

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock := m.Lock("es_contended")
			defer unlock()
			counter++ // racy without the lock
		}()
	}
	wg.Wait()

	if counter != n {
		t.Fatalf("counter = %d, want %d", counter, n)
	}
}

func TestContextMutexLockUnlock(t *testing.T) {
	m := NewContextShardedMutex()

	unlock, err := m.LockContext(context.Background(), "http://127.0.0.1:18081/json_rpc")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	unlock()
}

func TestContextMutexGivesUpOnCancel(t *testing.T) {
	m := NewContextShardedMutex()

	unlock, err := m.LockContext(context.Background(), "http://127.0.0.1:18082/json_rpc")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := m.LockContext(ctx, "http://127.0.0.1:18082/json_rpc"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded while endpoint held, got %v", err)
	}
}

func TestContextMutexHandoff(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	unlock, err := m.LockContext(ctx, "es_handoff")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		u, err := m.LockContext(ctx, "es_handoff")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second caller acquired the lock while it was held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second caller never acquired the lock after release")
	}
}

func TestContextMutexDistinctShards(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	k1, k2 := "http://10.0.0.1:18081/json_rpc", "http://10.0.0.2:18081/json_rpc"
	if shardIndex(k1) == shardIndex(k2) {
		t.Skip("keys share a shard")
	}

	unlock1, err := m.LockContext(ctx, k1)
	if err != nil {
		t.Fatalf("lock first endpoint: %v", err)
	}
	defer unlock1()

	timed, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	unlock2, err := m.LockContext(timed, k2)
	if err != nil {
		t.Fatalf("second endpoint should not contend with first: %v", err)
	}
	unlock2()
}
