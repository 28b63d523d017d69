package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Satisfyguy/escrowd/internal/wallets"
)

// Detector is the funding poller. Each sweep cross-synchronizes the three
// wallet instances of every awaiting escrow and promotes it to funded once
// the unlocked balance covers the amount. It also finishes releasing and
// refunding escrows whose transaction has enough confirmations.
type Detector struct {
	service     *Service
	store       Store
	coord       Coordinator
	interval    time.Duration
	minConfirms uint64
	logger      *slog.Logger
	stop        chan struct{}
	running     atomic.Bool
}

// NewDetector creates a funding detector.
func NewDetector(service *Service, store Store, coord Coordinator, interval time.Duration, minConfirms uint64, logger *slog.Logger) *Detector {
	return &Detector{
		service:     service,
		store:       store,
		coord:       coord,
		interval:    interval,
		minConfirms: minConfirms,
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// Running reports whether the detector loop is actively running.
func (d *Detector) Running() bool {
	return d.running.Load()
}

// Start begins the polling loop. Call in a goroutine.
func (d *Detector) Start(ctx context.Context) {
	d.running.Store(true)
	defer d.running.Store(false)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.safeSweep(ctx)
		}
	}
}

// Stop signals the detector to stop after the current sweep.
func (d *Detector) Stop() {
	select {
	case d.stop <- struct{}{}:
	default:
	}
}

func (d *Detector) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in funding detector", "panic", fmt.Sprint(r))
		}
	}()
	d.Sweep(ctx)
}

// Sweep runs one detection pass. Exported for tests and for a forced check
// from the admin surface.
func (d *Detector) Sweep(ctx context.Context) {
	created, err := d.store.ListByStatus(ctx, StatusCreated, 100)
	if err != nil {
		d.logger.Warn("list created escrows", "error", err)
		return
	}
	for _, e := range created {
		if e.MultisigAddress == "" || e.BuyerWalletID == "" {
			// Setup still in flight; nothing to poll yet.
			continue
		}
		d.checkFunding(ctx, e)
	}

	for _, status := range []Status{StatusReleasing, StatusRefunding} {
		inFlight, err := d.store.ListByStatus(ctx, status, 100)
		if err != nil {
			d.logger.Warn("list in-flight escrows", "status", status, "error", err)
			continue
		}
		for _, e := range inFlight {
			d.checkConfirmations(ctx, e)
		}
	}
}

func (d *Detector) checkFunding(ctx context.Context, e *Escrow) {
	total, unlocked, err := d.coord.SyncBalance(ctx, e.WalletIDs())
	if err != nil {
		d.logger.Warn("funding sync failed", "escrow", e.ID, "error", err)
		return
	}

	switch {
	case unlocked >= e.Amount:
		if _, err := d.service.MarkFunded(ctx, e.ID, unlocked); err != nil {
			d.logger.Warn("mark funded failed", "escrow", e.ID, "error", err)
			return
		}
		d.logger.Info("escrow funded",
			"escrow", e.ID, "amount", e.Amount, "unlocked", unlocked)
	case total > 0:
		// Balance below the escrowed amount: either a partial payment or
		// still-locked outputs. Not silently accepted.
		d.logger.Error("unexpected pre-funding balance",
			"escrow", e.ID, "total", total, "unlocked", unlocked, "amount", e.Amount)
	}
}

func (d *Detector) checkConfirmations(ctx context.Context, e *Escrow) {
	if e.TxHash == "" {
		return
	}
	confs, err := d.coord.Confirmations(ctx, e.WalletIDs()[wallets.RoleBuyer], e.TxHash)
	if err != nil {
		d.logger.Warn("confirmation check failed",
			"escrow", e.ID, "tx", e.TxHash, "error", err)
		return
	}
	if confs < d.minConfirms {
		return
	}
	if _, err := d.service.Finalize(ctx, e.ID); err != nil {
		d.logger.Warn("finalize failed", "escrow", e.ID, "error", err)
		return
	}
	d.logger.Info("escrow finalized",
		"escrow", e.ID, "tx", e.TxHash, "confirmations", confs)
}
