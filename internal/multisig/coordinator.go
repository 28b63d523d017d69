// Package multisig runs the three-party 2-of-3 multisig handshake and the
// threshold signing flow on top of the wallet registry.
package multisig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Satisfyguy/escrowd/internal/metrics"
	"github.com/Satisfyguy/escrowd/internal/traces"
	"github.com/Satisfyguy/escrowd/internal/walletrpc"
	"github.com/Satisfyguy/escrowd/internal/wallets"
)

var (
	// ErrProtocolAnomaly indicates impossible protocol output, e.g. two
	// parties producing byte-identical prepare blobs. That means endpoint
	// state cross-contamination, and the whole instance set is discarded.
	ErrProtocolAnomaly = errors.New("multisig protocol anomaly")

	// ErrAlreadyFinalized indicates a wallet finalized before receiving all
	// peer material, or accepted a round after finalizing. Fatal for the
	// attempt; retried from scratch with fresh instances.
	ErrAlreadyFinalized = errors.New("wallet finalized out of order")

	// ErrAddressMismatch indicates the three wallets disagree on the shared
	// address after the final round, or the address fails validation.
	ErrAddressMismatch = errors.New("shared address mismatch")

	// ErrInsufficientSignatures indicates the signing threshold was not
	// reached; the escrow stays funded and the spend is safe to retry.
	ErrInsufficientSignatures = errors.New("insufficient signatures")
)

// Threshold is the number of signatures required to spend.
const Threshold = 2

// combineRounds is the number of combination rounds for 2-of-3:
// make_multisig followed by one exchange_multisig_keys. The wallet RPC
// needs N-1 rounds for N participants, verified against live wallets and
// pinned by TestCombineRounds.
const combineRounds = 2

// Setup phase markers, persisted after each completed round so a restart
// can tell a stalled setup from a crashed process.
const (
	PhasePrepared = "prepared"
	PhaseRound1   = "combining_1"
	PhaseReady    = "ready"
)

// AddressLength is the length of a standard address on every network.
const AddressLength = 95

// networkPrefix returns the required leading character of an address.
func networkPrefix(network string) byte {
	switch network {
	case "mainnet":
		return '4'
	case "testnet":
		return '9'
	default:
		return '5' // stagenet
	}
}

// CheckpointFunc persists the completed setup phase and an opaque recovery
// blob before the next round starts.
type CheckpointFunc func(ctx context.Context, phase string, blob []byte) error

// SetupResult is the outcome of a successful handshake.
type SetupResult struct {
	SharedAddress string
	// InstanceIDs holds the wallet instance IDs indexed by wallets.Role.
	InstanceIDs [3]string
}

// checkpointBlob is the recovery payload stored with each phase marker.
// Mid-handshake phases carry the round blobs for diagnostics; the ready
// phase carries the wallet snapshots a restart needs to rebind instances.
type checkpointBlob struct {
	Phase   string                     `json:"phase"`
	Infos   []string                   `json:"infos,omitempty"`
	Wallets []wallets.InstanceSnapshot `json:"wallets,omitempty"`
}

// Coordinator sequences the multisig protocol for one escrow at a time.
type Coordinator struct {
	registry *wallets.Registry
	network  string
	logger   *slog.Logger
}

// NewCoordinator creates a coordinator bound to a wallet registry.
// network selects address validation rules: mainnet, stagenet or testnet.
func NewCoordinator(registry *wallets.Registry, network string, logger *slog.Logger) *Coordinator {
	return &Coordinator{registry: registry, network: network, logger: logger}
}

// Setup creates three fresh wallet instances and runs the full handshake:
// prepare, two combination rounds, then address validation. checkpoint is
// called after each completed phase; a nil checkpoint skips persistence.
// On any failure the instance set is retired and the error surfaced; no
// half-configured set survives.
func (c *Coordinator) Setup(ctx context.Context, escrowID string, checkpoint CheckpointFunc) (SetupResult, error) {
	ctx, span := traces.StartSpan(ctx, "multisig.setup", traces.EscrowID(escrowID))
	defer span.End()
	start := time.Now()

	res, err := c.setup(ctx, escrowID, checkpoint)
	if err != nil {
		metrics.MultisigSetupFailuresTotal.WithLabelValues(failureReason(err)).Inc()
		span.RecordError(err)
		return SetupResult{}, err
	}
	metrics.MultisigSetupDuration.Observe(time.Since(start).Seconds())
	return res, nil
}

func (c *Coordinator) setup(ctx context.Context, escrowID string, checkpoint CheckpointFunc) (SetupResult, error) {
	var ids [3]string
	created := 0

	discard := func() {
		c.registry.Retire(context.WithoutCancel(ctx), ids[:created]...)
	}

	for _, role := range wallets.Roles() {
		inst, err := c.registry.CreateTemporaryWallet(ctx, escrowID, role)
		if err != nil {
			discard()
			return SetupResult{}, fmt.Errorf("create %s wallet: %w", role, err)
		}
		ids[role] = inst.ID
		created++
	}

	// Preparation round. Each party generates its first-round blob
	// independently; identical blobs cannot legitimately happen.
	prepared := make([]string, 3)
	for _, role := range wallets.Roles() {
		info, err := c.registry.Prepare(ctx, ids[role])
		if err != nil {
			discard()
			return SetupResult{}, fmt.Errorf("prepare %s: %w", role, err)
		}
		prepared[role] = info
	}
	if prepared[0] == prepared[1] || prepared[0] == prepared[2] || prepared[1] == prepared[2] {
		discard()
		return SetupResult{}, fmt.Errorf("%w: duplicate prepare blobs for escrow %s", ErrProtocolAnomaly, escrowID)
	}
	if err := c.checkpoint(ctx, checkpoint, PhasePrepared, prepared); err != nil {
		discard()
		return SetupResult{}, err
	}

	// Combination round 1: each wallet absorbs the other two parties'
	// prepare blobs.
	round1 := make([]string, 3)
	for _, role := range wallets.Roles() {
		res, err := c.registry.Make(ctx, ids[role], Threshold, peersOf(role, prepared))
		if err != nil {
			discard()
			return SetupResult{}, fmt.Errorf("combine round 1 %s: %w", role, asProtocolError(err))
		}
		if res.MultisigInfo == "" {
			// A 2-of-3 wallet must emit material for the next round; an
			// empty blob means it thinks it is already done.
			discard()
			return SetupResult{}, fmt.Errorf("%w: %s finalized after round 1 of %d", ErrAlreadyFinalized, role, combineRounds)
		}
		round1[role] = res.MultisigInfo
	}
	if err := c.checkpoint(ctx, checkpoint, PhaseRound1, round1); err != nil {
		discard()
		return SetupResult{}, err
	}

	// Combination round 2 (final): key exchange yields the definitive
	// shared address on every wallet.
	addresses := make([]string, 3)
	for _, role := range wallets.Roles() {
		res, err := c.registry.Exchange(ctx, ids[role], combineRounds, peersOf(role, round1))
		if err != nil {
			discard()
			return SetupResult{}, fmt.Errorf("combine round 2 %s: %w", role, asProtocolError(err))
		}
		if res.Address == "" {
			discard()
			return SetupResult{}, fmt.Errorf("%w: %s produced no address on final round", ErrProtocolAnomaly, role)
		}
		addresses[role] = res.Address
	}

	// Validation: each wallet's own view of the shared address, queried
	// fresh rather than trusted from the round response.
	shared := addresses[0]
	for _, role := range wallets.Roles() {
		st, err := c.registry.IsMultisig(ctx, ids[role])
		if err != nil {
			discard()
			return SetupResult{}, fmt.Errorf("verify %s: %w", role, err)
		}
		if !st.Ready {
			discard()
			return SetupResult{}, fmt.Errorf("%w: %s not finalized after %d rounds", ErrProtocolAnomaly, role, combineRounds)
		}
		addr, err := c.registry.Address(ctx, ids[role])
		if err != nil {
			discard()
			return SetupResult{}, fmt.Errorf("query %s address: %w", role, err)
		}
		if addr != shared {
			discard()
			return SetupResult{}, fmt.Errorf("%w: %s reports a different address", ErrAddressMismatch, role)
		}
	}
	if err := validateAddress(shared, c.network); err != nil {
		discard()
		return SetupResult{}, err
	}

	for _, id := range ids {
		c.registry.MarkReady(id, shared)
	}

	// The ready checkpoint carries everything a restarted process needs
	// to rebind these wallets: file name, endpoint, shared address.
	snapshots := make([]wallets.InstanceSnapshot, 0, 3)
	for _, id := range ids {
		snap, err := c.registry.Snapshot(id)
		if err != nil {
			discard()
			return SetupResult{}, fmt.Errorf("snapshot %s: %w", id, err)
		}
		snapshots = append(snapshots, snap)
	}
	if err := c.writeCheckpoint(ctx, checkpoint, checkpointBlob{Phase: PhaseReady, Wallets: snapshots}); err != nil {
		discard()
		return SetupResult{}, err
	}

	// Free the endpoints for other escrows; the wallet files stay on disk.
	for _, id := range ids {
		if err := c.registry.Close(ctx, id); err != nil {
			c.logger.Warn("close after setup failed", "instance", id, "error", err)
		}
	}

	c.logger.Info("multisig setup complete",
		"escrow", escrowID, "address", shared[:12]+"…")
	return SetupResult{SharedAddress: shared, InstanceIDs: ids}, nil
}

func (c *Coordinator) checkpoint(ctx context.Context, fn CheckpointFunc, phase string, infos []string) error {
	return c.writeCheckpoint(ctx, fn, checkpointBlob{Phase: phase, Infos: infos})
}

func (c *Coordinator) writeCheckpoint(ctx context.Context, fn CheckpointFunc, cp checkpointBlob) error {
	if fn == nil {
		return nil
	}
	blob, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := fn(ctx, cp.Phase, blob); err != nil {
		return fmt.Errorf("checkpoint %s: %w", cp.Phase, err)
	}
	return nil
}

// Restore re-registers the wallet instances recorded in a ready-phase
// checkpoint blob, rebinding them to their pool endpoints. Blobs from
// earlier phases are not recoverable: a setup interrupted mid-handshake is
// restarted from scratch with fresh instances rather than resumed against
// stale wallet state.
func (c *Coordinator) Restore(blob []byte) error {
	var cp checkpointBlob
	if err := json.Unmarshal(blob, &cp); err != nil {
		return fmt.Errorf("decode checkpoint: %w", err)
	}
	if cp.Phase != PhaseReady || len(cp.Wallets) == 0 {
		return fmt.Errorf("checkpoint phase %q is not recoverable", cp.Phase)
	}
	return c.registry.Restore(cp.Wallets...)
}

// peersOf selects the other two parties' blobs. Exhaustive over the closed
// role set so a wrong-peer pairing cannot compile in silently.
func peersOf(role wallets.Role, blobs []string) []string {
	switch role {
	case wallets.RoleBuyer:
		return []string{blobs[wallets.RoleVendor], blobs[wallets.RoleArbiter]}
	case wallets.RoleVendor:
		return []string{blobs[wallets.RoleBuyer], blobs[wallets.RoleArbiter]}
	case wallets.RoleArbiter:
		return []string{blobs[wallets.RoleBuyer], blobs[wallets.RoleVendor]}
	default:
		panic("unknown role")
	}
}

// validateAddress checks length and network prefix of the shared address.
func validateAddress(addr, network string) error {
	if len(addr) != AddressLength {
		return fmt.Errorf("%w: address length %d, want %d", ErrAddressMismatch, len(addr), AddressLength)
	}
	if addr[0] != networkPrefix(network) {
		return fmt.Errorf("%w: address prefix %q not valid for %s", ErrAddressMismatch, addr[0], network)
	}
	return nil
}

// asProtocolError maps wallet RPC rejections of out-of-order rounds onto
// ErrAlreadyFinalized so callers can classify them.
func asProtocolError(err error) error {
	var rpcErr *walletrpc.RPCError
	if errors.As(err, &rpcErr) && strings.Contains(strings.ToLower(rpcErr.Message), "finalized") {
		return fmt.Errorf("%w: %v", ErrAlreadyFinalized, err)
	}
	return err
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrProtocolAnomaly):
		return "protocol_anomaly"
	case errors.Is(err, ErrAlreadyFinalized):
		return "already_finalized"
	case errors.Is(err, ErrAddressMismatch):
		return "address_mismatch"
	case errors.Is(err, wallets.ErrNoAvailableEndpoint):
		return "no_endpoint"
	case errors.Is(err, walletrpc.ErrUnreachable):
		return "unreachable"
	default:
		return "other"
	}
}
