package escrow

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func newTestMonitor(t *testing.T) (*Monitor, *Service, *MemoryStore, *recorder) {
	t.Helper()
	svc, store, _, rec := newTestService(t)
	m := NewMonitor(svc, store, rec, time.Minute, slog.New(slog.DiscardHandler))
	return m, svc, store, rec
}

func TestMonitorAutoCancelsExpired(t *testing.T) {
	m, svc, store, rec := newTestMonitor(t)
	ctx := context.Background()

	e := openEscrow(t, svc)
	expire(t, store, e.ID)

	m.Sweep(ctx)

	got, err := store.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if len(rec.ofType("escrow.expired")) != 1 {
		t.Fatal("missing expired event")
	}
	if len(rec.ofType("escrow.auto_cancelled")) != 1 {
		t.Fatal("missing auto_cancelled event")
	}
}

func TestMonitorEscalatesExpiredDispute(t *testing.T) {
	m, svc, store, rec := newTestMonitor(t)
	ctx := context.Background()

	e := openEscrow(t, svc)
	fundEscrow(t, svc, e.ID)
	if _, err := svc.Dispute(ctx, e.ID, "disagreement"); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	expire(t, store, e.ID)

	m.Sweep(ctx)

	got, err := store.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusDisputed {
		t.Fatalf("status = %s, want disputed (escalated, not resolved)", got.Status)
	}
	if got.EscalatedAt == nil {
		t.Fatal("escalation not recorded")
	}
	if d := time.Until(*got.ExpiresAt); d < 167*time.Hour {
		t.Fatalf("dispute clock not restarted: %v", d)
	}
	if len(rec.ofType("dispute.escalated")) != 1 {
		t.Fatal("missing escalation event")
	}

	// The restarted clock means the next sweep leaves it alone.
	m.Sweep(ctx)
	if len(rec.ofType("dispute.escalated")) != 1 {
		t.Fatal("second sweep re-escalated a fresh dispute")
	}
}

func TestMonitorAlertsStuckTransactionOnce(t *testing.T) {
	m, svc, store, rec := newTestMonitor(t)
	ctx := context.Background()

	e := openEscrow(t, svc)
	fundEscrow(t, svc, e.ID)
	if _, err := svc.Release(ctx, e.ID, testAddress); err != nil {
		t.Fatalf("release: %v", err)
	}
	expire(t, store, e.ID)

	m.Sweep(ctx)
	m.Sweep(ctx)

	got, err := store.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusReleasing {
		t.Fatalf("status = %s, want releasing (never force-cancelled mid-broadcast)", got.Status)
	}
	if n := len(rec.ofType("transaction.stuck")); n != 1 {
		t.Fatalf("stuck alerts = %d, want 1", n)
	}
}

func TestMonitorWarnsExpiring(t *testing.T) {
	m, svc, store, rec := newTestMonitor(t)
	ctx := context.Background()

	e := openEscrow(t, svc)
	stored, err := store.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	soon := time.Now().Add(5 * time.Minute)
	stored.ExpiresAt = &soon
	if err := store.Update(ctx, stored); err != nil {
		t.Fatalf("update: %v", err)
	}

	m.Sweep(ctx)
	m.Sweep(ctx)
	warnings := rec.ofType("escrow.expiring")
	if len(warnings) != 1 {
		t.Fatalf("warnings = %d, want 1 (deduplicated)", len(warnings))
	}
	secs, ok := warnings[0].Data["secondsRemaining"].(int64)
	if !ok || secs <= 0 || secs > 300 {
		t.Fatalf("secondsRemaining = %v", warnings[0].Data["secondsRemaining"])
	}

	// A new deadline re-arms the warning.
	later := time.Now().Add(10 * time.Minute)
	stored.ExpiresAt = &later
	if err := store.Update(ctx, stored); err != nil {
		t.Fatalf("update: %v", err)
	}
	m.Sweep(ctx)
	if n := len(rec.ofType("escrow.expiring")); n != 2 {
		t.Fatalf("warnings after new deadline = %d, want 2", n)
	}
}

func TestMonitorFlagsStuckSetup(t *testing.T) {
	m, svc, store, rec := newTestMonitor(t)
	ctx := context.Background()

	e := openEscrow(t, svc)
	stored, err := store.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	stored.MultisigAddress = ""
	stored.MultisigPhase = "combining_1"
	stored.LastActivityAt = time.Now().Add(-20 * time.Minute)
	if err := store.Update(ctx, stored); err != nil {
		t.Fatalf("update: %v", err)
	}

	m.Sweep(ctx)
	m.Sweep(ctx)

	flagged := rec.ofType("multisig.setup_stuck")
	if len(flagged) != 1 {
		t.Fatalf("setup_stuck events = %d, want 1", len(flagged))
	}
	if flagged[0].Data["phase"] != "combining_1" {
		t.Fatalf("phase = %v", flagged[0].Data["phase"])
	}

	// An escrow whose handshake finished is never flagged.
	e2 := openEscrow(t, svc)
	m.Sweep(ctx)
	if n := len(rec.ofType("multisig.setup_stuck")); n != 1 {
		t.Fatalf("completed setup flagged: events = %d", n)
	}
	_ = e2
}

func TestMonitorStartStop(t *testing.T) {
	m, _, _, _ := newTestMonitor(t)
	done := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for !m.Running() {
		select {
		case <-deadline:
			t.Fatal("monitor never reported running")
		case <-time.After(5 * time.Millisecond):
		}
	}
	m.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
	if m.Running() {
		t.Fatal("monitor still reports running after stop")
	}
}

func TestMonitorAnnouncesLapsedDeadlineOnce(t *testing.T) {
	m, svc, store, rec := newTestMonitor(t)
	ctx := context.Background()

	// A releasing escrow past its deadline stays non-terminal, so it shows
	// up in every sweep until the transaction confirms or an operator
	// steps in. Subscribers should hear about the lapse once, not every
	// poll interval.
	e := openEscrow(t, svc)
	fundEscrow(t, svc, e.ID)
	if _, err := svc.Release(ctx, e.ID, testAddress); err != nil {
		t.Fatalf("release: %v", err)
	}
	expire(t, store, e.ID)

	m.Sweep(ctx)
	m.Sweep(ctx)
	m.Sweep(ctx)

	if n := len(rec.ofType("escrow.expired")); n != 1 {
		t.Fatalf("expired events after 3 sweeps = %d, want 1 (deduplicated)", n)
	}

	// A fresh lapsed deadline announces again.
	expire(t, store, e.ID)
	m.Sweep(ctx)
	if n := len(rec.ofType("escrow.expired")); n != 2 {
		t.Fatalf("expired events after new deadline = %d, want 2", n)
	}
}

func TestMonitorEscalatesToConfiguredBackup(t *testing.T) {
	m, svc, store, rec := newTestMonitor(t)
	ctx := context.Background()
	svc.Policy().BackupArbiter = "arbiter-standby"

	e := openEscrow(t, svc)
	fundEscrow(t, svc, e.ID)
	if _, err := svc.Dispute(ctx, e.ID, "disagreement"); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	expire(t, store, e.ID)

	m.Sweep(ctx)

	got, err := store.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.BackupArbiterID != "arbiter-standby" {
		t.Fatalf("backup arbiter = %q, want arbiter-standby", got.BackupArbiterID)
	}
	escalations := rec.ofType("dispute.escalated")
	if len(escalations) != 1 {
		t.Fatalf("escalations = %d, want 1", len(escalations))
	}
	if escalations[0].Data["backupArbiterId"] != "arbiter-standby" {
		t.Fatalf("event backup arbiter = %v", escalations[0].Data["backupArbiterId"])
	}
}

func TestMonitorEscalationWithoutBackupFlagsOperator(t *testing.T) {
	m, svc, store, rec := newTestMonitor(t)
	ctx := context.Background()

	e := openEscrow(t, svc)
	fundEscrow(t, svc, e.ID)
	if _, err := svc.Dispute(ctx, e.ID, "disagreement"); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	expire(t, store, e.ID)

	m.Sweep(ctx)

	escalations := rec.ofType("dispute.escalated")
	if len(escalations) != 1 {
		t.Fatalf("escalations = %d, want 1", len(escalations))
	}
	if escalations[0].Data["action"] != "admin intervention required" {
		t.Fatalf("action = %v, want operator flag when no standby is configured", escalations[0].Data["action"])
	}
}
