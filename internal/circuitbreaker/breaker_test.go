package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

const (
	rpcA = "http://127.0.0.1:18081/json_rpc"
	rpcB = "http://127.0.0.1:18082/json_rpc"
)

func TestClosedAllows(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow(rpcA) {
		t.Fatal("closed circuit should allow")
	}
}

func TestTripsAtThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure(rpcA)
	b.RecordFailure(rpcA)
	if !b.Allow(rpcA) {
		t.Fatal("should still allow below threshold")
	}

	b.RecordFailure(rpcA)
	if b.Allow(rpcA) {
		t.Fatal("should be open after threshold failures")
	}
	if b.State(rpcA) != StateOpen {
		t.Fatalf("state = %v, want open", b.State(rpcA))
	}
}

func TestHalfOpenProbe(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure(rpcA)
	b.RecordFailure(rpcA)
	if b.Allow(rpcA) {
		t.Fatal("should be open")
	}

	time.Sleep(60 * time.Millisecond)

	// One probe is allowed after the open window elapses.
	if !b.Allow(rpcA) {
		t.Fatal("should allow the half-open probe")
	}
	if b.State(rpcA) != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", b.State(rpcA))
	}

	// The probe is in flight; everyone else keeps waiting.
	if b.Allow(rpcA) {
		t.Fatal("should reject while the probe is in flight")
	}
}

func TestProbeSuccessCloses(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure(rpcA)
	b.RecordFailure(rpcA)
	time.Sleep(60 * time.Millisecond)
	b.Allow(rpcA)

	b.RecordSuccess(rpcA)
	if b.State(rpcA) != StateClosed {
		t.Fatalf("state = %v, want closed after probe success", b.State(rpcA))
	}
	if !b.Allow(rpcA) {
		t.Fatal("recovered endpoint should allow")
	}
}

func TestProbeFailureReopens(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure(rpcA)
	b.RecordFailure(rpcA)
	time.Sleep(60 * time.Millisecond)
	b.Allow(rpcA)

	b.RecordFailure(rpcA)
	if b.State(rpcA) != StateOpen {
		t.Fatalf("state = %v, want open after probe failure", b.State(rpcA))
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure(rpcA)
	b.RecordFailure(rpcA)
	b.RecordSuccess(rpcA)

	b.RecordFailure(rpcA)
	if !b.Allow(rpcA) {
		t.Fatal("one failure after a success should not trip")
	}
}

func TestEndpointsTripIndependently(t *testing.T) {
	b := New(2, 100*time.Millisecond)

	b.RecordFailure(rpcA)
	b.RecordFailure(rpcA)

	if b.Allow(rpcA) {
		t.Fatal("failing endpoint should be open")
	}
	if !b.Allow(rpcB) {
		t.Fatal("healthy endpoint should stay closed")
	}
}

func TestUnknownEndpointIsClosed(t *testing.T) {
	b := New(2, 100*time.Millisecond)
	if b.State("http://127.0.0.1:18099/json_rpc") != StateClosed {
		t.Fatal("unseen endpoint should report closed")
	}
}

func TestTransitionCallback(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	var mu sync.Mutex
	var transitions []struct{ from, to State }
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		transitions = append(transitions, struct{ from, to State }{from, to})
		mu.Unlock()
	})

	b.RecordFailure(rpcA)
	b.RecordFailure(rpcA) // trips closed to open

	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 {
		t.Fatalf("transitions = %d, want 1", len(transitions))
	}
	if transitions[0].from != StateClosed || transitions[0].to != StateOpen {
		t.Fatalf("transition = %v to %v, want closed to open", transitions[0].from, transitions[0].to)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestSnapshotReportsOpenEndpoints(t *testing.T) {
	b := New(2, time.Minute)

	b.RecordFailure(rpcA)
	b.RecordFailure(rpcA)
	b.RecordFailure(rpcB)

	snap := b.Snapshot()
	if snap[rpcA] != StateOpen {
		t.Fatalf("rpcA = %v, want open", snap[rpcA])
	}
	if snap[rpcB] != StateClosed {
		t.Fatalf("rpcB = %v, want closed", snap[rpcB])
	}
	if len(snap) != 2 {
		t.Fatalf("snapshot size = %d, want 2", len(snap))
	}

	// The snapshot is a copy; mutating it does not touch the breaker.
	snap[rpcA] = StateClosed
	if b.State(rpcA) != StateOpen {
		t.Fatal("snapshot mutation leaked into breaker state")
	}
}
