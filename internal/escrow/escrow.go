// Package escrow implements the 2-of-3 multisig escrow lifecycle.
//
// Flow:
//  1. Open → three temporary wallets created, multisig handshake run,
//     escrow persisted as "created" with the shared address
//  2. Buyer pays the shared address from any external wallet
//  3. Funding detector observes the balance → "funded"
//  4. Cooperative release (buyer+vendor sign) or arbitrated resolution
//     (arbiter + winning side sign) → "releasing"/"refunding"
//  5. Confirmation polling → "completed"/"refunded"
//
// The timeout monitor forces "cancelled"/"expired" transitions when a
// state's deadline lapses.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/Satisfyguy/escrowd/internal/wallets"
)

var (
	ErrNotFound          = errors.New("escrow not found")
	ErrInvalidTransition = errors.New("invalid escrow status transition")
	ErrNotFunded         = errors.New("escrow is not funded")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidAddress    = errors.New("invalid recipient address")
)

// Status is the escrow lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"   // multisig address derived, awaiting payment
	StatusFunded    Status = "funded"    // payment landed and synced
	StatusReleasing Status = "releasing" // payout to vendor broadcast, awaiting confirmations
	StatusRefunding Status = "refunding" // refund to buyer broadcast, awaiting confirmations
	StatusDisputed  Status = "disputed"  // awaiting arbiter decision
	StatusCompleted Status = "completed" // payout confirmed
	StatusRefunded  Status = "refunded"  // refund confirmed
	StatusCancelled Status = "cancelled" // cancelled before completion
	StatusExpired   Status = "expired"   // forced terminal by the timeout monitor
)

// Terminal reports whether the status is final. Terminal escrows are
// retained for audit and never carry a deadline.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// transitions is the complete edge set of the state machine. Every
// mutation goes through Escrow.Transition; nothing skips a state.
var transitions = map[Status][]Status{
	StatusCreated:   {StatusFunded, StatusCancelled, StatusExpired},
	StatusFunded:    {StatusReleasing, StatusRefunding, StatusDisputed, StatusCancelled, StatusExpired},
	StatusDisputed:  {StatusReleasing, StatusRefunding, StatusCancelled, StatusExpired},
	StatusReleasing: {StatusCompleted, StatusCancelled, StatusExpired},
	StatusRefunding: {StatusRefunded, StatusCancelled, StatusExpired},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Escrow is the persisted record of one escrow's lifecycle.
type Escrow struct {
	ID        string `json:"id"`
	OrderID   string `json:"orderId"`
	BuyerID   string `json:"buyerId"`
	VendorID  string `json:"vendorId"`
	ArbiterID string `json:"arbiterId"`

	// Amount is in atomic units. Never a float.
	Amount uint64 `json:"amount"`

	Status            Status `json:"status"`
	MultisigAddress   string `json:"multisigAddress,omitempty"`
	MultisigPhase     string `json:"multisigPhase,omitempty"`
	MultisigStateBlob []byte `json:"-"`

	// Wallet instance IDs, empty until the handshake completes.
	BuyerWalletID   string `json:"buyerWalletId,omitempty"`
	VendorWalletID  string `json:"vendorWalletId,omitempty"`
	ArbiterWalletID string `json:"arbiterWalletId,omitempty"`

	TxHash       string `json:"txHash,omitempty"`
	PartialTxset string `json:"-"`

	DisputeReason   string     `json:"disputeReason,omitempty"`
	Resolution      string     `json:"resolution,omitempty"`
	EscalatedAt     *time.Time `json:"escalatedAt,omitempty"`
	BackupArbiterID string     `json:"backupArbiterId,omitempty"`

	CreatedAt      time.Time  `json:"createdAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Terminal reports whether the escrow is in a final state.
func (e *Escrow) Terminal() bool { return e.Status.Terminal() }

// WalletIDs returns the three instance IDs indexed by wallets.Role.
func (e *Escrow) WalletIDs() [3]string {
	return [3]string{
		wallets.RoleBuyer:   e.BuyerWalletID,
		wallets.RoleVendor:  e.VendorWalletID,
		wallets.RoleArbiter: e.ArbiterWalletID,
	}
}

// Transition moves the escrow along a legal edge, resetting the activity
// clock and recomputing the deadline from the destination state's policy.
func (e *Escrow) Transition(to Status, policy *Policy) error {
	if !CanTransition(e.Status, to) {
		return ErrInvalidTransition
	}
	now := time.Now()
	e.Status = to
	e.Touch(policy, now)
	return nil
}

// Touch resets last_activity_at to now and recomputes expires_at for the
// current status. Terminal escrows never have an active deadline.
func (e *Escrow) Touch(policy *Policy, now time.Time) {
	e.LastActivityAt = now
	e.UpdatedAt = now
	if d, ok := policy.DeadlineFor(e.Status); ok {
		deadline := now.Add(d)
		e.ExpiresAt = &deadline
	} else {
		e.ExpiresAt = nil
	}
}

// Policy holds the per-state deadlines and the expiry warning threshold.
type Policy struct {
	CreatedDeadline  time.Duration
	FundedDeadline   time.Duration
	InFlightDeadline time.Duration // releasing and refunding
	DisputedDeadline time.Duration
	WarningThreshold time.Duration
	SetupStuckAfter  time.Duration
	// BackupArbiter receives disputes that lapse their deadline. Empty
	// means no standby is configured and escalation flags the dispute
	// for an operator instead.
	BackupArbiter string
}

// DefaultPolicy returns the standard timeout policy.
func DefaultPolicy() *Policy {
	return &Policy{
		CreatedDeadline:  time.Hour,
		FundedDeadline:   24 * time.Hour,
		InFlightDeadline: 6 * time.Hour,
		DisputedDeadline: 7 * 24 * time.Hour,
		WarningThreshold: 15 * time.Minute,
		SetupStuckAfter:  15 * time.Minute,
	}
}

// DeadlineFor returns the deadline for a status, or false for terminal
// states.
func (p *Policy) DeadlineFor(s Status) (time.Duration, bool) {
	switch s {
	case StatusCreated:
		return p.CreatedDeadline, true
	case StatusFunded:
		return p.FundedDeadline, true
	case StatusDisputed:
		return p.DisputedDeadline, true
	case StatusReleasing, StatusRefunding:
		return p.InFlightDeadline, true
	default:
		return 0, false
	}
}

// Store is the persistence contract. Implementations must make Update
// all-or-nothing per transition.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, escrow *Escrow) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error)
	// ListExpired returns non-terminal escrows whose expires_at has passed.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
	// ListExpiring returns non-terminal escrows whose expires_at falls in
	// (now, now+within].
	ListExpiring(ctx context.Context, now time.Time, within time.Duration, limit int) ([]*Escrow, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
}
