package escrow

import (
	"context"
	"errors"
	"testing"
	"time"
)

func storeEscrow(t *testing.T, store Store, id string, status Status, expiresIn time.Duration) *Escrow {
	t.Helper()
	now := time.Now()
	e := &Escrow{
		ID:             id,
		OrderID:        "order-" + id,
		BuyerID:        "buyer",
		VendorID:       "vendor",
		ArbiterID:      "arbiter",
		Amount:         1000,
		Status:         status,
		CreatedAt:      now,
		LastActivityAt: now,
		UpdatedAt:      now,
	}
	if expiresIn != 0 {
		deadline := now.Add(expiresIn)
		e.ExpiresAt = &deadline
	}
	if err := store.Create(context.Background(), e); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	return e
}

func TestMemoryStoreCRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Get(ctx, "esc_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing: %v, want ErrNotFound", err)
	}
	if err := store.Update(ctx, &Escrow{ID: "esc_missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing: %v, want ErrNotFound", err)
	}

	e := storeEscrow(t, store, "esc_1", StatusCreated, time.Hour)
	got, err := store.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.OrderID != e.OrderID || got.Status != StatusCreated {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}

	// Stored records are isolated from caller mutation.
	got.Status = StatusFunded
	*got.ExpiresAt = time.Time{}
	again, err := store.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again.Status != StatusCreated || again.ExpiresAt.IsZero() {
		t.Fatal("caller mutation leaked into the store")
	}

	got.Status = StatusFunded
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	updated, err := store.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if updated.Status != StatusFunded {
		t.Fatalf("status = %s after update", updated.Status)
	}
}

func TestMemoryStoreListExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	storeEscrow(t, store, "esc_overdue", StatusFunded, -time.Minute)
	storeEscrow(t, store, "esc_live", StatusFunded, time.Hour)
	storeEscrow(t, store, "esc_terminal", StatusCancelled, 0)

	expired, err := store.ListExpired(ctx, time.Now(), 100)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "esc_overdue" {
		t.Fatalf("expired = %v", expired)
	}
}

func TestMemoryStoreListExpiring(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	storeEscrow(t, store, "esc_soon", StatusCreated, 5*time.Minute)
	storeEscrow(t, store, "esc_later", StatusCreated, time.Hour)
	storeEscrow(t, store, "esc_past", StatusCreated, -time.Minute)

	expiring, err := store.ListExpiring(ctx, time.Now(), 15*time.Minute, 100)
	if err != nil {
		t.Fatalf("list expiring: %v", err)
	}
	if len(expiring) != 1 || expiring[0].ID != "esc_soon" {
		t.Fatalf("expiring = %v", expiring)
	}
}

func TestMemoryStoreCountByStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	storeEscrow(t, store, "esc_a", StatusCreated, time.Hour)
	storeEscrow(t, store, "esc_b", StatusCreated, time.Hour)
	storeEscrow(t, store, "esc_c", StatusFunded, time.Hour)

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[StatusCreated] != 2 || counts[StatusFunded] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}
