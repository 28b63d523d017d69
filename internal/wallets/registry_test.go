package wallets

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Satisfyguy/escrowd/internal/testutil"
	"github.com/Satisfyguy/escrowd/internal/walletrpc"
)

func newTestRegistry(t *testing.T, endpoints int) (*Registry, *testutil.Cluster) {
	t.Helper()
	cluster := testutil.NewCluster(endpoints, "stagenet")
	t.Cleanup(cluster.Close)

	pool := NewPool(cluster.URLs(), walletrpc.Options{
		RetryAttempts: 1,
		RetryDelay:    time.Millisecond,
	})
	reg := NewRegistry(pool, 0, slog.New(slog.NewTextHandler(testWriter{t}, nil)))
	return reg, cluster
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestCreateTemporaryWallet(t *testing.T) {
	reg, cluster := newTestRegistry(t, 3)

	inst, err := reg.CreateTemporaryWallet(context.Background(), "esc_1", RoleBuyer)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inst.ID == "" || inst.ID[:3] != "wi_" {
		t.Errorf("unexpected instance ID %q", inst.ID)
	}
	if len(inst.Address) != testutil.AddressLen {
		t.Errorf("address length = %d, want %d", len(inst.Address), testutil.AddressLen)
	}
	if inst.State.Phase != PhaseNotStarted {
		t.Errorf("phase = %v, want %v", inst.State.Phase, PhaseNotStarted)
	}
	if got := cluster.OpenWallet(0); got != inst.WalletName {
		t.Errorf("endpoint open wallet = %q, want %q", got, inst.WalletName)
	}

	got, err := reg.Get(inst.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != inst {
		t.Error("Get returned a different instance")
	}
}

func TestCreateTemporaryWalletRoundRobin(t *testing.T) {
	reg, _ := newTestRegistry(t, 3)

	var urls []string
	for _, role := range Roles() {
		inst, err := reg.CreateTemporaryWallet(context.Background(), "esc_1", role)
		if err != nil {
			t.Fatalf("create %s: %v", role, err)
		}
		urls = append(urls, inst.Endpoint.URL)
	}
	if urls[0] == urls[1] || urls[1] == urls[2] || urls[0] == urls[2] {
		t.Errorf("expected three distinct endpoints, got %v", urls)
	}
}

func TestCreateTemporaryWalletInvalidRole(t *testing.T) {
	reg, _ := newTestRegistry(t, 1)

	_, err := reg.CreateTemporaryWallet(context.Background(), "esc_1", Role(42))
	if !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("err = %v, want ErrInvalidRole", err)
	}
}

func TestCreateTemporaryWalletNoEndpoints(t *testing.T) {
	pool := NewPool(nil, walletrpc.Options{})
	reg := NewRegistry(pool, 0, slog.Default())

	_, err := reg.CreateTemporaryWallet(context.Background(), "esc_1", RoleBuyer)
	if !errors.Is(err, ErrNoAvailableEndpoint) {
		t.Fatalf("err = %v, want ErrNoAvailableEndpoint", err)
	}
}

func TestCreateTemporaryWalletEndpointDown(t *testing.T) {
	reg, cluster := newTestRegistry(t, 1)
	cluster.SetDown(0, true)

	_, err := reg.CreateTemporaryWallet(context.Background(), "esc_1", RoleBuyer)
	if !errors.Is(err, walletrpc.ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}

	// Failure must not leave a half-registered instance behind.
	cluster.SetDown(0, false)
	inst, err := reg.CreateTemporaryWallet(context.Background(), "esc_1", RoleBuyer)
	if err != nil {
		t.Fatalf("create after recovery: %v", err)
	}
	if inst.Address == "" {
		t.Error("expected address on recovered create")
	}
}

func TestWithWalletSwitchesWallets(t *testing.T) {
	reg, cluster := newTestRegistry(t, 1)
	ctx := context.Background()

	a, err := reg.CreateTemporaryWallet(ctx, "esc_a", RoleBuyer)
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := reg.CreateTemporaryWallet(ctx, "esc_b", RoleVendor)
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	if _, err := reg.Prepare(ctx, a.ID); err != nil {
		t.Fatalf("prepare a: %v", err)
	}
	if got := cluster.OpenWallet(0); got != a.WalletName {
		t.Errorf("open wallet = %q, want %q", got, a.WalletName)
	}

	if _, err := reg.Prepare(ctx, b.ID); err != nil {
		t.Fatalf("prepare b: %v", err)
	}
	if got := cluster.OpenWallet(0); got != b.WalletName {
		t.Errorf("open wallet = %q, want %q after switch", got, b.WalletName)
	}
	if a.State.Phase != PhasePrepared || b.State.Phase != PhasePrepared {
		t.Errorf("phases = %v/%v, want prepared/prepared", a.State.Phase, b.State.Phase)
	}
}

func TestWithWalletVerifiesAddress(t *testing.T) {
	reg, _ := newTestRegistry(t, 1)
	ctx := context.Background()

	a, err := reg.CreateTemporaryWallet(ctx, "esc_a", RoleBuyer)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Second wallet takes over the endpoint so the next call on a has to
	// reopen and verify.
	if _, err := reg.CreateTemporaryWallet(ctx, "esc_b", RoleVendor); err != nil {
		t.Fatalf("create b: %v", err)
	}

	a.Address = "5deadbeef"
	if err := reg.Reopen(ctx, a.ID); err == nil {
		t.Fatal("expected verification failure for corrupted address")
	}
}

func TestRetire(t *testing.T) {
	reg, cluster := newTestRegistry(t, 1)
	ctx := context.Background()

	inst, err := reg.CreateTemporaryWallet(ctx, "esc_1", RoleBuyer)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	reg.Retire(ctx, inst.ID)

	if _, err := reg.Get(inst.ID); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("Get after retire = %v, want ErrInstanceNotFound", err)
	}
	if got := cluster.OpenWallet(0); got != "" {
		t.Errorf("endpoint still has %q open after retire", got)
	}
}

func TestConcurrentAllocationSpreadsEndpoints(t *testing.T) {
	reg, _ := newTestRegistry(t, 3)
	ctx := context.Background()

	const perEndpoint = 3
	var wg sync.WaitGroup
	var mu sync.Mutex
	counts := make(map[string]int)

	for i := 0; i < 3*perEndpoint; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			inst, err := reg.CreateTemporaryWallet(ctx, "esc_conc", Roles()[n%3])
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			mu.Lock()
			counts[inst.Endpoint.URL]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(counts) != 3 {
		t.Fatalf("used %d endpoints, want 3", len(counts))
	}
	for url, n := range counts {
		if n != perEndpoint {
			t.Errorf("endpoint %s allocated %d instances, want %d", url, n, perEndpoint)
		}
	}
}

func TestPoolStats(t *testing.T) {
	reg, _ := newTestRegistry(t, 2)
	ctx := context.Background()

	stats := reg.Pool().Stats()
	if stats.Total != 2 || stats.Busy != 0 {
		t.Fatalf("initial stats = %+v", stats)
	}

	inst, err := reg.CreateTemporaryWallet(ctx, "esc_1", RoleBuyer)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	stats = reg.Pool().Stats()
	if stats.Busy != 1 || stats.Free != 1 {
		t.Errorf("stats after create = %+v, want 1 busy 1 free", stats)
	}

	if err := reg.Close(ctx, inst.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	stats = reg.Pool().Stats()
	if stats.Busy != 0 {
		t.Errorf("stats after close = %+v, want 0 busy", stats)
	}
}

func TestRestoreRebindsInstanceAfterRestart(t *testing.T) {
	reg, cluster := newTestRegistry(t, 3)
	ctx := context.Background()

	inst, err := reg.CreateTemporaryWallet(ctx, "esc_1", RoleVendor)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	snap, err := reg.Snapshot(inst.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.WalletName != inst.WalletName || snap.EndpointURL != inst.Endpoint.URL || snap.Role != "vendor" {
		t.Fatalf("snapshot = %+v", snap)
	}

	// A fresh registry over the same endpoints stands in for a restarted
	// process: the wallet file still exists on the endpoint's disk, only
	// the in-memory binding is gone.
	pool := NewPool(cluster.URLs(), walletrpc.Options{
		RetryAttempts: 1,
		RetryDelay:    time.Millisecond,
	})
	reg2 := NewRegistry(pool, 0, slog.New(slog.NewTextHandler(testWriter{t}, nil)))

	if _, err := reg2.Get(inst.ID); !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("fresh registry resolved a dead instance: %v", err)
	}
	if err := reg2.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}

	got, err := reg2.Get(inst.ID)
	if err != nil {
		t.Fatalf("get after restore: %v", err)
	}
	if got.WalletName != inst.WalletName || got.Endpoint.URL != inst.Endpoint.URL {
		t.Fatalf("restored binding = %s on %s, want %s on %s",
			got.WalletName, got.Endpoint.URL, inst.WalletName, inst.Endpoint.URL)
	}
	if _, _, err := reg2.Balance(ctx, inst.ID); err != nil {
		t.Fatalf("balance through restored instance: %v", err)
	}
	if open := cluster.OpenWallet(0); open != inst.WalletName {
		t.Fatalf("endpoint open wallet = %q, want %q", open, inst.WalletName)
	}
}

func TestRestoreRejectsUnknownEndpoint(t *testing.T) {
	reg, _ := newTestRegistry(t, 1)

	err := reg.Restore(InstanceSnapshot{
		ID:          "wi_gone",
		EscrowID:    "esc_1",
		Role:        "buyer",
		WalletName:  "buyer_temp_esc_1_dead",
		EndpointURL: "http://127.0.0.1:1/json_rpc",
	})
	if !errors.Is(err, ErrNoAvailableEndpoint) {
		t.Fatalf("got %v, want ErrNoAvailableEndpoint", err)
	}
}

func TestRestoreIsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t, 1)
	ctx := context.Background()

	inst, err := reg.CreateTemporaryWallet(ctx, "esc_1", RoleBuyer)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	snap, err := reg.Snapshot(inst.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	// Restoring into a registry that already holds the instance keeps the
	// live one.
	if err := reg.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got, err := reg.Get(inst.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != inst {
		t.Fatal("restore replaced a live instance")
	}
}
