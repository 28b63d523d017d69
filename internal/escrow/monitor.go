package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Satisfyguy/escrowd/internal/events"
	"github.com/Satisfyguy/escrowd/internal/metrics"
)

// Monitor is the timeout poller. Each sweep expires escrows past their
// deadline with a per-status action, warns about escrows nearing their
// deadline, and flags multisig setups that stopped making progress.
//
// Timeouts are cooperative: the per-escrow service lock means an in-flight
// protocol round finishes before a forced transition is applied, and the
// deadline is re-verified under that lock.
type Monitor struct {
	service  *Service
	store    Store
	bus      Notifier
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool

	mu          sync.Mutex
	warned      map[string]time.Time // escrow ID -> deadline already warned for
	expired     map[string]time.Time // escrow ID -> lapsed deadline already announced
	alerted     map[string]struct{}  // stuck transactions already alerted
	stuckSetups map[string]struct{}  // stuck setups already flagged
}

// NewMonitor creates a timeout monitor.
func NewMonitor(service *Service, store Store, bus Notifier, interval time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		service:     service,
		store:       store,
		bus:         bus,
		interval:    interval,
		logger:      logger,
		stop:        make(chan struct{}),
		warned:      make(map[string]time.Time),
		expired:     make(map[string]time.Time),
		alerted:     make(map[string]struct{}),
		stuckSetups: make(map[string]struct{}),
	}
}

// Running reports whether the monitor loop is actively running.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// Start begins the monitoring loop. Call in a goroutine.
func (m *Monitor) Start(ctx context.Context) {
	m.running.Store(true)
	defer m.running.Store(false)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.safeSweep(ctx)
		}
	}
}

// Stop signals the monitor to stop after the current sweep.
func (m *Monitor) Stop() {
	select {
	case m.stop <- struct{}{}:
	default:
	}
}

func (m *Monitor) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in timeout monitor", "panic", fmt.Sprint(r))
		}
	}()
	m.Sweep(ctx)
}

// Sweep runs one monitoring pass. Exported for tests.
func (m *Monitor) Sweep(ctx context.Context) {
	now := time.Now()
	m.expireOverdue(ctx, now)
	m.warnExpiring(ctx, now)
	m.flagStuckSetups(ctx, now)
}

func (m *Monitor) expireOverdue(ctx context.Context, now time.Time) {
	expired, err := m.store.ListExpired(ctx, now, 100)
	if err != nil {
		m.logger.Warn("list expired escrows", "error", err)
		return
	}

	for _, e := range expired {
		// A releasing or refunding escrow stays in ListExpired for as long
		// as its transaction is stuck, so the announcement is keyed by the
		// lapsed deadline, once. A fresh deadline (e.g. after escalation)
		// announces again.
		if e.ExpiresAt != nil {
			m.mu.Lock()
			prev, seen := m.expired[e.ID]
			if seen && prev.Equal(*e.ExpiresAt) {
				m.mu.Unlock()
			} else {
				m.expired[e.ID] = *e.ExpiresAt
				m.mu.Unlock()
				m.bus.Emit(ctx, events.TypeExpired, e.ID, map[string]interface{}{
					"status":    string(e.Status),
					"expiresAt": e.ExpiresAt,
				})
			}
		}

		switch e.Status {
		case StatusCreated, StatusFunded:
			if _, err := m.service.AutoCancel(ctx, e.ID); err != nil {
				m.logger.Warn("auto-cancel failed", "escrow", e.ID, "error", err)
				continue
			}
			metrics.TimeoutActionsTotal.WithLabelValues("auto_cancel").Inc()
			m.logger.Info("auto-cancelled expired escrow",
				"escrow", e.ID, "status", e.Status, "amount", e.Amount)

		case StatusReleasing, StatusRefunding:
			// A broadcast transaction cannot be retracted; blind re-submit
			// would double-spend. Alert and leave it to operators.
			m.mu.Lock()
			_, seen := m.alerted[e.ID]
			if !seen {
				m.alerted[e.ID] = struct{}{}
			}
			m.mu.Unlock()
			if seen {
				continue
			}
			metrics.TimeoutActionsTotal.WithLabelValues("alert").Inc()
			m.bus.Emit(ctx, events.TypeTransactionStuck, e.ID, map[string]interface{}{
				"status": string(e.Status),
				"txHash": e.TxHash,
			})
			m.logger.Warn("transaction stuck past deadline",
				"escrow", e.ID, "status", e.Status, "tx", e.TxHash)

		case StatusDisputed:
			// Never auto-resolved. Hand to the configured standby
			// arbiter, or flag for an operator; the dispute clock
			// restarts either way.
			if _, err := m.service.Escalate(ctx, e.ID, m.service.Policy().BackupArbiter); err != nil {
				m.logger.Warn("escalation failed", "escrow", e.ID, "error", err)
				continue
			}
			m.logger.Info("dispute escalated after deadline", "escrow", e.ID)
		}
	}
}

func (m *Monitor) warnExpiring(ctx context.Context, now time.Time) {
	expiring, err := m.store.ListExpiring(ctx, now, m.service.Policy().WarningThreshold, 100)
	if err != nil {
		m.logger.Warn("list expiring escrows", "error", err)
		return
	}

	for _, e := range expiring {
		if e.ExpiresAt == nil {
			continue
		}
		m.mu.Lock()
		prev, seen := m.warned[e.ID]
		if seen && prev.Equal(*e.ExpiresAt) {
			m.mu.Unlock()
			continue
		}
		m.warned[e.ID] = *e.ExpiresAt
		m.mu.Unlock()

		m.bus.Emit(ctx, events.TypeExpiring, e.ID, map[string]interface{}{
			"status":           string(e.Status),
			"secondsRemaining": int64(e.ExpiresAt.Sub(now).Seconds()),
			"action":           expiryHint(e.Status),
		})
	}
}

// flagStuckSetups reports created escrows whose multisig handshake stopped
// advancing, so operators can retry them with fresh instances.
func (m *Monitor) flagStuckSetups(ctx context.Context, now time.Time) {
	created, err := m.store.ListByStatus(ctx, StatusCreated, 100)
	if err != nil {
		m.logger.Warn("list created escrows", "error", err)
		return
	}

	threshold := m.service.Policy().SetupStuckAfter
	for _, e := range created {
		if e.MultisigAddress != "" || now.Sub(e.LastActivityAt) < threshold {
			continue
		}
		m.mu.Lock()
		_, seen := m.stuckSetups[e.ID]
		if !seen {
			m.stuckSetups[e.ID] = struct{}{}
		}
		m.mu.Unlock()
		if seen {
			continue
		}
		metrics.TimeoutActionsTotal.WithLabelValues("setup_stuck").Inc()
		m.bus.Emit(ctx, events.TypeSetupStuck, e.ID, map[string]interface{}{
			"phase":        e.MultisigPhase,
			"stalledSince": e.LastActivityAt,
		})
		m.logger.Warn("multisig setup stuck",
			"escrow", e.ID, "phase", e.MultisigPhase, "since", e.LastActivityAt)
	}
}

func expiryHint(s Status) string {
	switch s {
	case StatusCreated:
		return "awaiting payment; escrow will be cancelled"
	case StatusFunded:
		return "awaiting release or dispute; escrow will be cancelled"
	case StatusDisputed:
		return "awaiting arbiter decision; dispute will be escalated"
	case StatusReleasing, StatusRefunding:
		return "awaiting confirmations; will alert as stuck"
	default:
		return ""
	}
}
