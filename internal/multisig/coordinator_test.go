package multisig

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/Satisfyguy/escrowd/internal/testutil"
	"github.com/Satisfyguy/escrowd/internal/walletrpc"
	"github.com/Satisfyguy/escrowd/internal/wallets"
)

func newTestCoordinator(t *testing.T, endpoints int, network string) (*Coordinator, *testutil.Cluster) {
	t.Helper()
	cluster := testutil.NewCluster(endpoints, "stagenet")
	t.Cleanup(cluster.Close)

	pool := wallets.NewPool(cluster.URLs(), walletrpc.Options{
		RetryAttempts: 1,
		RetryDelay:    time.Millisecond,
	})
	logger := slog.New(slog.DiscardHandler)
	reg := wallets.NewRegistry(pool, 0, logger)
	return NewCoordinator(reg, network, logger), cluster
}

func TestCombineRounds(t *testing.T) {
	// 2-of-3 needs exactly two combination rounds: make_multisig and one
	// exchange_multisig_keys. Pinned so nobody "fixes" it to 3.
	if combineRounds != 2 {
		t.Fatalf("combineRounds = %d, want 2", combineRounds)
	}
}

func TestSetup(t *testing.T) {
	coord, cluster := newTestCoordinator(t, 3, "stagenet")

	var phases []string
	checkpoint := func(_ context.Context, phase string, blob []byte) error {
		if len(blob) == 0 {
			t.Errorf("empty checkpoint blob for phase %s", phase)
		}
		phases = append(phases, phase)
		return nil
	}

	res, err := coord.Setup(context.Background(), "esc_1", checkpoint)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	if res.SharedAddress != cluster.SharedAddress() {
		t.Errorf("shared address = %q, want %q", res.SharedAddress, cluster.SharedAddress())
	}
	if len(res.SharedAddress) != AddressLength {
		t.Errorf("address length = %d, want %d", len(res.SharedAddress), AddressLength)
	}
	if res.SharedAddress[0] != '5' {
		t.Errorf("address prefix = %q, want '5' for stagenet", res.SharedAddress[0])
	}
	for role, id := range res.InstanceIDs {
		if id == "" {
			t.Errorf("missing instance ID for %s", wallets.Role(role))
		}
	}

	want := []string{PhasePrepared, PhaseRound1, PhaseReady}
	if len(phases) != len(want) {
		t.Fatalf("checkpoints = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Errorf("checkpoint %d = %s, want %s", i, phases[i], want[i])
		}
	}

	// Endpoints must be released for other escrows after setup.
	for i := 0; i < 3; i++ {
		if open := cluster.OpenWallet(i); open != "" {
			t.Errorf("endpoint %d still has %q open after setup", i, open)
		}
	}
}

func TestSetupDuplicatePrepare(t *testing.T) {
	coord, cluster := newTestCoordinator(t, 3, "stagenet")
	cluster.DuplicatePrepare = true

	_, err := coord.Setup(context.Background(), "esc_1", nil)
	if !errors.Is(err, ErrProtocolAnomaly) {
		t.Fatalf("err = %v, want ErrProtocolAnomaly", err)
	}
	for i := 0; i < 3; i++ {
		if open := cluster.OpenWallet(i); open != "" {
			t.Errorf("endpoint %d still has %q open after discarded setup", i, open)
		}
	}
}

func TestSetupWrongNetwork(t *testing.T) {
	// The fake cluster issues stagenet addresses; a mainnet coordinator
	// must reject them during validation.
	coord, _ := newTestCoordinator(t, 3, "mainnet")

	_, err := coord.Setup(context.Background(), "esc_1", nil)
	if !errors.Is(err, ErrAddressMismatch) {
		t.Fatalf("err = %v, want ErrAddressMismatch", err)
	}
}

func TestSetupEndpointFailureMidProtocol(t *testing.T) {
	coord, cluster := newTestCoordinator(t, 3, "stagenet")
	cluster.FailNext(1, "make_multisig", 3)

	_, err := coord.Setup(context.Background(), "esc_1", nil)
	if !errors.Is(err, walletrpc.ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}
	for i := 0; i < 3; i++ {
		if open := cluster.OpenWallet(i); open != "" {
			t.Errorf("endpoint %d still has %q open after discarded setup", i, open)
		}
	}
}

func TestSetupCheckpointFailureAborts(t *testing.T) {
	coord, _ := newTestCoordinator(t, 3, "stagenet")

	boom := errors.New("store down")
	checkpoint := func(context.Context, string, []byte) error { return boom }

	_, err := coord.Setup(context.Background(), "esc_1", checkpoint)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want checkpoint error", err)
	}
}

func TestSyncBalance(t *testing.T) {
	coord, cluster := newTestCoordinator(t, 3, "stagenet")
	ctx := context.Background()

	res, err := coord.Setup(ctx, "esc_1", nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	// Before the external payment lands, every view must be exactly zero.
	total, unlocked, err := coord.SyncBalance(ctx, res.InstanceIDs)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if total != 0 || unlocked != 0 {
		t.Fatalf("pre-funding balance = %d/%d, want 0/0", total, unlocked)
	}

	const amount = 100000000000
	cluster.Deposit(amount)

	total, unlocked, err = coord.SyncBalance(ctx, res.InstanceIDs)
	if err != nil {
		t.Fatalf("sync after deposit: %v", err)
	}
	if unlocked != amount {
		t.Fatalf("unlocked = %d, want %d", unlocked, amount)
	}

	// Idempotence: re-syncing with no new activity changes nothing.
	total2, unlocked2, err := coord.SyncBalance(ctx, res.InstanceIDs)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if total2 != total || unlocked2 != unlocked {
		t.Fatalf("second sync = %d/%d, want unchanged %d/%d", total2, unlocked2, total, unlocked)
	}
}

func TestSpendCooperative(t *testing.T) {
	coord, cluster := newTestCoordinator(t, 3, "stagenet")
	ctx := context.Background()

	res, err := coord.Setup(ctx, "esc_1", nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	const amount = 100000000000
	cluster.Deposit(amount)
	if _, _, err := coord.SyncBalance(ctx, res.InstanceIDs); err != nil {
		t.Fatalf("sync: %v", err)
	}

	spend, err := coord.Spend(ctx, "esc_1", res.InstanceIDs,
		wallets.RoleBuyer, wallets.RoleVendor, vendorPayout(), amount-1000000)
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	if spend.TxHash == "" {
		t.Fatal("expected a tx hash")
	}

	submitted := cluster.SubmittedTxs()
	if len(submitted) != 1 || submitted[0] != spend.TxHash {
		t.Errorf("submitted txs = %v, want [%s]", submitted, spend.TxHash)
	}
}

func TestSpendSameSignerRejected(t *testing.T) {
	coord, _ := newTestCoordinator(t, 3, "stagenet")

	_, err := coord.Spend(context.Background(), "esc_1", [3]string{"a", "b", "c"},
		wallets.RoleBuyer, wallets.RoleBuyer, vendorPayout(), 1)
	if !errors.Is(err, ErrInsufficientSignatures) {
		t.Fatalf("err = %v, want ErrInsufficientSignatures", err)
	}
}

func TestSpendSignFailureKeepsPartialTxset(t *testing.T) {
	coord, cluster := newTestCoordinator(t, 3, "stagenet")
	ctx := context.Background()

	res, err := coord.Setup(ctx, "esc_1", nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	cluster.Deposit(100000000000)
	if _, _, err := coord.SyncBalance(ctx, res.InstanceIDs); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// Buyer wallet landed on endpoint 0, vendor on endpoint 1.
	cluster.FailNext(1, "sign_multisig", 3)

	spend, err := coord.Spend(ctx, "esc_1", res.InstanceIDs,
		wallets.RoleBuyer, wallets.RoleVendor, vendorPayout(), 50000000000)
	if !errors.Is(err, ErrInsufficientSignatures) {
		t.Fatalf("err = %v, want ErrInsufficientSignatures", err)
	}
	if spend.PartialTxset == "" {
		t.Fatal("expected the partial txset preserved for retry")
	}
	if len(cluster.SubmittedTxs()) != 0 {
		t.Error("nothing should have been broadcast")
	}
}

func vendorPayout() string {
	addr := "5"
	for len(addr) < AddressLength {
		addr += "v"
	}
	return addr
}

func TestRestoreServesEscrowAfterRestart(t *testing.T) {
	coord, cluster := newTestCoordinator(t, 3, "stagenet")
	ctx := context.Background()

	var readyBlob []byte
	checkpoint := func(_ context.Context, phase string, blob []byte) error {
		if phase == PhaseReady {
			readyBlob = append([]byte(nil), blob...)
		}
		return nil
	}
	res, err := coord.Setup(ctx, "esc_1", checkpoint)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if len(readyBlob) == 0 {
		t.Fatal("ready checkpoint carried no recovery payload")
	}

	// A second coordinator over the same endpoints stands in for a
	// restarted process working from the persisted checkpoint.
	pool := wallets.NewPool(cluster.URLs(), walletrpc.Options{
		RetryAttempts: 1,
		RetryDelay:    time.Millisecond,
	})
	logger := slog.New(slog.DiscardHandler)
	reg := wallets.NewRegistry(pool, 0, logger)
	restarted := NewCoordinator(reg, "stagenet", logger)

	if err := restarted.Restore(readyBlob); err != nil {
		t.Fatalf("restore: %v", err)
	}

	const amount = 100000000000
	cluster.Deposit(amount)
	_, unlocked, err := restarted.SyncBalance(ctx, res.InstanceIDs)
	if err != nil {
		t.Fatalf("sync through restored instances: %v", err)
	}
	if unlocked != amount {
		t.Fatalf("unlocked = %d, want %d", unlocked, amount)
	}
}

func TestRestoreRejectsMidHandshakeCheckpoint(t *testing.T) {
	coord, _ := newTestCoordinator(t, 3, "stagenet")
	ctx := context.Background()

	var round1Blob []byte
	checkpoint := func(_ context.Context, phase string, blob []byte) error {
		if phase == PhaseRound1 {
			round1Blob = append([]byte(nil), blob...)
		}
		return nil
	}
	if _, err := coord.Setup(ctx, "esc_1", checkpoint); err != nil {
		t.Fatalf("setup: %v", err)
	}

	// A setup interrupted mid-handshake is restarted from scratch, never
	// resumed against stale wallet state.
	if err := coord.Restore(round1Blob); err == nil {
		t.Fatal("mid-handshake checkpoint accepted for recovery")
	}
}
