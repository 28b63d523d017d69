package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/Satisfyguy/escrowd/internal/events"
	"github.com/Satisfyguy/escrowd/internal/idgen"
	"github.com/Satisfyguy/escrowd/internal/metrics"
	"github.com/Satisfyguy/escrowd/internal/multisig"
	"github.com/Satisfyguy/escrowd/internal/syncutil"
	"github.com/Satisfyguy/escrowd/internal/wallets"
)

// Coordinator abstracts the multisig layer so the service can be tested
// without wallet processes. Implemented by multisig.Coordinator.
type Coordinator interface {
	Setup(ctx context.Context, escrowID string, checkpoint multisig.CheckpointFunc) (multisig.SetupResult, error)
	SyncBalance(ctx context.Context, ids [3]string) (total, unlocked uint64, err error)
	Spend(ctx context.Context, escrowID string, ids [3]string, first, second wallets.Role, recipient string, amount uint64) (multisig.SpendResult, error)
	Confirmations(ctx context.Context, instanceID, txHash string) (uint64, error)
	Restore(blob []byte) error
	Retire(ctx context.Context, ids [3]string)
}

// Notifier publishes typed events to subscribers. Implemented by
// events.Bus.
type Notifier interface {
	Emit(ctx context.Context, eventType, escrowID string, data map[string]interface{})
}

// OpenRequest contains the parameters for opening an escrow.
type OpenRequest struct {
	OrderID   string `json:"orderId" binding:"required"`
	BuyerID   string `json:"buyerId" binding:"required"`
	VendorID  string `json:"vendorId" binding:"required"`
	ArbiterID string `json:"arbiterId" binding:"required"`
	Amount    uint64 `json:"amount" binding:"required"`
}

// ResolveRequest is an arbiter decision on a disputed escrow. The decision
// itself is made outside the engine; this only executes it.
type ResolveRequest struct {
	Decision  string `json:"decision" binding:"required"` // "release" or "refund"
	Recipient string `json:"recipient" binding:"required"`
	Reason    string `json:"reason"`
}

// Service implements the escrow business logic.
type Service struct {
	store  Store
	coord  Coordinator
	bus    Notifier
	policy *Policy
	logger *slog.Logger
	locks  syncutil.ShardedMutex // per-escrow ID locks to prevent race conditions
}

// NewService creates an escrow service.
func NewService(store Store, coord Coordinator, bus Notifier, policy *Policy, logger *slog.Logger) *Service {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Service{
		store:  store,
		coord:  coord,
		bus:    bus,
		policy: policy,
		logger: logger,
	}
}

// Policy returns the active timeout policy.
func (s *Service) Policy() *Policy { return s.policy }

// escrowLock serializes state transitions for one escrow ID (e.g. a
// release racing the timeout monitor) and returns the unlock func.
func (s *Service) escrowLock(id string) func() {
	return s.locks.Lock(id)
}

// Open creates an escrow: persists the record, runs the multisig
// handshake, and stores the shared address and wallet linkage. On setup
// failure the record is cancelled, never left half-configured, and a
// generic error is returned.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Escrow, error) {
	if req.Amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	// The store keeps amounts in a signed 64-bit column; anything larger
	// must be rejected here, not after the handshake has run.
	if req.Amount > math.MaxInt64 {
		return nil, fmt.Errorf("%w: amount exceeds %d atomic units", ErrInvalidAmount, int64(math.MaxInt64))
	}
	if req.BuyerID == req.VendorID || req.BuyerID == req.ArbiterID || req.VendorID == req.ArbiterID {
		return nil, errors.New("buyer, vendor and arbiter must be distinct parties")
	}

	now := time.Now()
	e := &Escrow{
		ID:        idgen.WithPrefix("esc_"),
		OrderID:   req.OrderID,
		BuyerID:   req.BuyerID,
		VendorID:  req.VendorID,
		ArbiterID: req.ArbiterID,
		Amount:    req.Amount,
		Status:    StatusCreated,
		CreatedAt: now,
	}
	e.Touch(s.policy, now)

	// The row exists before the handshake so phase checkpoints have
	// somewhere to land; a restart can then spot a stalled setup.
	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("persist escrow: %w", err)
	}

	checkpoint := func(ctx context.Context, phase string, blob []byte) error {
		e.MultisigPhase = phase
		e.MultisigStateBlob = blob
		e.UpdatedAt = time.Now()
		return s.store.Update(ctx, e)
	}

	res, err := s.coord.Setup(ctx, e.ID, checkpoint)
	if err != nil {
		s.logger.Error("multisig setup failed", "escrow", e.ID, "error", err)
		s.abandonSetup(ctx, e, err)
		// Internal detail (endpoints, wallet names) stays out of the
		// outward error.
		return nil, fmt.Errorf("escrow setup failed, please retry: %w", classify(err))
	}

	e.MultisigAddress = res.SharedAddress
	e.BuyerWalletID = res.InstanceIDs[wallets.RoleBuyer]
	e.VendorWalletID = res.InstanceIDs[wallets.RoleVendor]
	e.ArbiterWalletID = res.InstanceIDs[wallets.RoleArbiter]
	e.Touch(s.policy, time.Now())
	if err := s.store.Update(ctx, e); err != nil {
		s.coord.Retire(context.WithoutCancel(ctx), res.InstanceIDs)
		return nil, fmt.Errorf("persist multisig address: %w", err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusCreated)).Inc()
	s.logger.Info("escrow opened",
		"escrow", e.ID, "order", e.OrderID, "amount", e.Amount)
	return e, nil
}

// abandonSetup cancels an escrow whose handshake failed. The record is
// kept for audit with the failure class as resolution.
func (s *Service) abandonSetup(ctx context.Context, e *Escrow, cause error) {
	ctx = context.WithoutCancel(ctx)
	e.Resolution = "setup_failed"
	e.DisputeReason = classify(cause).Error()
	if err := e.Transition(StatusCancelled, s.policy); err != nil {
		s.logger.Error("cancel after failed setup", "escrow", e.ID, "error", err)
		return
	}
	if err := s.store.Update(ctx, e); err != nil {
		s.logger.Error("persist cancelled escrow", "escrow", e.ID, "error", err)
	}
}

// classify collapses setup errors into the coarse classes that are safe to
// show outward.
func classify(err error) error {
	switch {
	case errors.Is(err, multisig.ErrProtocolAnomaly),
		errors.Is(err, multisig.ErrAlreadyFinalized),
		errors.Is(err, multisig.ErrAddressMismatch):
		return errors.New("multisig setup error")
	case errors.Is(err, wallets.ErrNoAvailableEndpoint):
		return errors.New("no wallet capacity")
	default:
		return errors.New("wallet backend unavailable")
	}
}

// RecoverWallets rebinds the wallet instances of every live escrow after
// a process restart. Wallet instances are in-memory; without this pass a
// funded escrow could never be released because its instance IDs would
// resolve to nothing. Escrows whose handshake never finished are skipped:
// those are restarted from scratch, not resumed. Returns the number of
// escrows recovered.
func (s *Service) RecoverWallets(ctx context.Context) (int, error) {
	recovered := 0
	for _, status := range []Status{StatusCreated, StatusFunded, StatusReleasing, StatusRefunding, StatusDisputed} {
		list, err := s.store.ListByStatus(ctx, status, 500)
		if err != nil {
			return recovered, fmt.Errorf("list %s escrows: %w", status, err)
		}
		for _, e := range list {
			if e.MultisigAddress == "" || len(e.MultisigStateBlob) == 0 {
				continue
			}
			if err := s.coord.Restore(e.MultisigStateBlob); err != nil {
				s.logger.Error("wallet recovery failed",
					"escrow", e.ID, "status", e.Status, "error", err)
				continue
			}
			recovered++
			s.logger.Info("recovered escrow wallets",
				"escrow", e.ID, "status", e.Status)
		}
	}
	return recovered, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// MarkFunded promotes a created escrow whose payment has landed. Called by
// the funding detector; a second call is a no-op.
func (s *Service) MarkFunded(ctx context.Context, id string, unlocked uint64) (*Escrow, error) {
	defer s.escrowLock(id)()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusCreated {
		return e, nil
	}
	if err := s.transition(ctx, e, StatusFunded); err != nil {
		return nil, err
	}
	s.bus.Emit(ctx, events.TypeFunded, e.ID, map[string]interface{}{
		"amount":   e.Amount,
		"unlocked": unlocked,
	})
	return e, nil
}

// Release executes a cooperative payout: buyer and vendor sign a transfer
// of the full escrowed amount to recipient. The escrow moves to releasing;
// confirmation polling finishes the job.
func (s *Service) Release(ctx context.Context, id, recipient string) (*Escrow, error) {
	return s.spend(ctx, id, StatusFunded, StatusReleasing,
		wallets.RoleBuyer, wallets.RoleVendor, recipient, "release")
}

// Refund executes a cooperative refund to the buyer, signed by buyer and
// vendor. The escrow moves to refunding.
func (s *Service) Refund(ctx context.Context, id, recipient string) (*Escrow, error) {
	return s.spend(ctx, id, StatusFunded, StatusRefunding,
		wallets.RoleVendor, wallets.RoleBuyer, recipient, "refund")
}

// Dispute freezes a funded escrow pending an external arbiter decision.
func (s *Service) Dispute(ctx context.Context, id, reason string) (*Escrow, error) {
	defer s.escrowLock(id)()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusFunded {
		return nil, fmt.Errorf("%w: %s cannot be disputed", ErrInvalidTransition, e.Status)
	}
	e.DisputeReason = reason
	if err := s.transition(ctx, e, StatusDisputed); err != nil {
		return nil, err
	}
	return e, nil
}

// Resolve executes an externally supplied arbiter decision on a disputed
// escrow: the arbiter co-signs with the winning side.
func (s *Service) Resolve(ctx context.Context, id string, req ResolveRequest) (*Escrow, error) {
	var to Status
	var winner wallets.Role
	switch req.Decision {
	case "release":
		to, winner = StatusReleasing, wallets.RoleVendor
	case "refund":
		to, winner = StatusRefunding, wallets.RoleBuyer
	default:
		return nil, fmt.Errorf("unknown decision %q", req.Decision)
	}
	e, err := s.spend(ctx, id, StatusDisputed, to, wallets.RoleArbiter, winner, req.Recipient, req.Decision)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// spend runs the 2-of-3 signing flow and advances the state machine. On a
// signing failure the partial txset is persisted for retry and the escrow
// stays in its current state.
func (s *Service) spend(ctx context.Context, id string, from, to Status, first, second wallets.Role, recipient, resolution string) (*Escrow, error) {
	if len(recipient) != multisig.AddressLength {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidAddress, len(recipient))
	}

	defer s.escrowLock(id)()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != from {
		if from == StatusFunded {
			return nil, fmt.Errorf("%w: escrow is %s", ErrNotFunded, e.Status)
		}
		return nil, fmt.Errorf("%w: escrow is %s, want %s", ErrInvalidTransition, e.Status, from)
	}

	res, err := s.coord.Spend(ctx, e.ID, e.WalletIDs(), first, second, recipient, e.Amount)
	if err != nil {
		if res.PartialTxset != "" {
			e.PartialTxset = res.PartialTxset
			e.UpdatedAt = time.Now()
			if uerr := s.store.Update(ctx, e); uerr != nil {
				s.logger.Error("persist partial txset", "escrow", e.ID, "error", uerr)
			}
		}
		return nil, fmt.Errorf("collect signatures: %w", err)
	}

	e.TxHash = res.TxHash
	e.PartialTxset = ""
	e.Resolution = resolution
	if err := s.transition(ctx, e, to); err != nil {
		// The transfer is broadcast; there is no retraction. Persisting
		// the hash is mandatory, so retry once before giving up loudly.
		if uerr := s.store.Update(ctx, e); uerr != nil {
			s.logger.Error("CRITICAL: broadcast tx not persisted",
				"escrow", e.ID, "tx", res.TxHash, "error", uerr)
		}
		return nil, err
	}
	return e, nil
}

// AutoCancel force-cancels an escrow whose deadline has lapsed. The
// deadline is re-verified under the lock so a racing progress mutation
// wins over the monitor.
func (s *Service) AutoCancel(ctx context.Context, id string) (*Escrow, error) {
	defer s.escrowLock(id)()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Terminal() || e.ExpiresAt == nil || time.Now().Before(*e.ExpiresAt) {
		return e, nil
	}
	prev := e.Status
	e.Resolution = "timeout"
	if err := s.transition(ctx, e, StatusCancelled); err != nil {
		return nil, err
	}
	if ids := e.WalletIDs(); ids[0] != "" {
		s.coord.Retire(context.WithoutCancel(ctx), ids)
	}
	s.bus.Emit(ctx, events.TypeAutoCancelled, e.ID, map[string]interface{}{
		"previousStatus": string(prev),
		"reason":         "deadline lapsed",
	})
	return e, nil
}

// Escalate hands a stale dispute to a backup arbiter and restarts the
// dispute clock. The dispute itself stays open.
func (s *Service) Escalate(ctx context.Context, id, backupArbiterID string) (*Escrow, error) {
	defer s.escrowLock(id)()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: cannot escalate %s", ErrInvalidTransition, e.Status)
	}
	now := time.Now()
	e.EscalatedAt = &now
	e.BackupArbiterID = backupArbiterID
	e.Touch(s.policy, now)
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}
	metrics.TimeoutActionsTotal.WithLabelValues("escalate").Inc()
	data := map[string]interface{}{
		"backupArbiterId": backupArbiterID,
		"escalatedAt":     now,
	}
	if backupArbiterID == "" {
		data["action"] = "admin intervention required"
	}
	s.bus.Emit(ctx, events.TypeDisputeEscalated, e.ID, data)
	return e, nil
}

// Finalize completes a releasing or refunding escrow once its transaction
// has enough confirmations, and retires the wallet instances.
func (s *Service) Finalize(ctx context.Context, id string) (*Escrow, error) {
	defer s.escrowLock(id)()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var to Status
	switch e.Status {
	case StatusReleasing:
		to = StatusCompleted
	case StatusRefunding:
		to = StatusRefunded
	default:
		return nil, fmt.Errorf("%w: cannot finalize %s", ErrInvalidTransition, e.Status)
	}
	if err := s.transition(ctx, e, to); err != nil {
		return nil, err
	}
	s.coord.Retire(context.WithoutCancel(ctx), e.WalletIDs())
	return e, nil
}

// transition mutates the state machine, persists and emits. The caller
// holds the escrow lock.
func (s *Service) transition(ctx context.Context, e *Escrow, to Status) error {
	from := e.Status
	if err := e.Transition(to, s.policy); err != nil {
		return fmt.Errorf("%w: %s to %s", err, from, to)
	}
	if err := s.store.Update(ctx, e); err != nil {
		return fmt.Errorf("persist %s to %s: %w", from, to, err)
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(to)).Inc()
	s.bus.Emit(ctx, events.TypeStatusChanged, e.ID, map[string]interface{}{
		"from": string(from),
		"to":   string(to),
	})
	s.logger.Info("escrow transition", "escrow", e.ID, "from", from, "to", to)
	return nil
}
