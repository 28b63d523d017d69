// Package wallets manages temporary per-escrow wallet instances across a
// fixed pool of wallet-rpc endpoints.
//
// Endpoints support exactly one open wallet file at a time and silently
// operate on "whatever wallet is currently open". Every operation here
// therefore runs a close / open / verify sequence before touching a wallet,
// and a settling delay between consecutive calls on the same endpoint.
package wallets

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Satisfyguy/escrowd/internal/idgen"
	"github.com/Satisfyguy/escrowd/internal/walletrpc"
)

// Registry owns all live wallet instances and the endpoint pool.
type Registry struct {
	pool        *Pool
	settleDelay time.Duration
	logger      *slog.Logger

	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewRegistry creates a registry over the given pool. settleDelay is the
// pause enforced between consecutive protocol calls on one endpoint; tests
// pass 0.
func NewRegistry(pool *Pool, settleDelay time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		pool:        pool,
		settleDelay: settleDelay,
		logger:      logger,
		instances:   make(map[string]*Instance),
	}
}

// Pool returns the underlying endpoint pool (for stats reporting).
func (r *Registry) Pool() *Pool { return r.pool }

// CreateTemporaryWallet allocates the next endpoint round-robin, creates a
// fresh empty wallet on it and registers the instance. A hard RPC failure
// aborts cleanly: no instance is registered.
func (r *Registry) CreateTemporaryWallet(ctx context.Context, escrowID string, role Role) (*Instance, error) {
	switch role {
	case RoleBuyer, RoleVendor, RoleArbiter:
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidRole, role)
	}

	ep, err := r.pool.Next()
	if err != nil {
		return nil, err
	}

	inst := &Instance{
		ID:         idgen.WithPrefix("wi_"),
		EscrowID:   escrowID,
		Role:       role,
		WalletName: fmt.Sprintf("%s_temp_%s_%s", role, escrowID, idgen.Hex(4)),
		Endpoint:   ep,
		State:      MultisigState{Phase: PhaseNotStarted},
		CreatedAt:  time.Now(),
	}

	release, err := r.pool.Acquire(ctx, ep)
	if err != nil {
		return nil, err
	}
	defer release()

	// The endpoint may still have another escrow's wallet active.
	if ep.OpenWalletName() != "" {
		if err := ep.Client.CloseWallet(ctx); err != nil {
			return nil, fmt.Errorf("close active wallet on %s: %w", ep.URL, err)
		}
		ep.setOpenWallet("")
	}

	if err := ep.Client.CreateWallet(ctx, inst.WalletName); err != nil {
		return nil, fmt.Errorf("create wallet %s: %w", inst.WalletName, err)
	}
	ep.setOpenWallet(inst.WalletName)

	if err := ep.Client.EnableMultisigExperimental(ctx); err != nil {
		return nil, fmt.Errorf("enable multisig on %s: %w", inst.WalletName, err)
	}

	addr, err := ep.Client.GetAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("query address of %s: %w", inst.WalletName, err)
	}
	inst.Address = addr
	ep.touchLastCall()

	r.mu.Lock()
	r.instances[inst.ID] = inst
	r.mu.Unlock()

	r.logger.Debug("created temporary wallet",
		"instance", inst.ID, "escrow", escrowID, "role", role.String(), "endpoint", ep.URL)
	return inst, nil
}

// Snapshot captures an instance's durable identity for persistence.
func (r *Registry) Snapshot(id string) (InstanceSnapshot, error) {
	inst, err := r.Get(id)
	if err != nil {
		return InstanceSnapshot{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return InstanceSnapshot{
		ID:          inst.ID,
		EscrowID:    inst.EscrowID,
		Role:        inst.Role.String(),
		WalletName:  inst.WalletName,
		Address:     inst.Address,
		EndpointURL: inst.Endpoint.URL,
	}, nil
}

// Restore re-registers finalized instances from persisted snapshots after
// a restart. The wallet files are still on the endpoints' disks; only the
// in-memory binding was lost. The wallet itself is opened lazily on the
// next operation, through the usual close / open / verify discipline.
// Snapshots whose endpoint is no longer configured are rejected, since the
// wallet file lives on that specific process's disk.
func (r *Registry) Restore(snapshots ...InstanceSnapshot) error {
	for _, snap := range snapshots {
		role, err := ParseRole(snap.Role)
		if err != nil {
			return fmt.Errorf("restore instance %s: %w", snap.ID, err)
		}
		ep, ok := r.pool.Endpoint(snap.EndpointURL)
		if !ok {
			return fmt.Errorf("restore instance %s: %w: %s no longer configured",
				snap.ID, ErrNoAvailableEndpoint, snap.EndpointURL)
		}

		r.mu.Lock()
		if _, exists := r.instances[snap.ID]; !exists {
			r.instances[snap.ID] = &Instance{
				ID:         snap.ID,
				EscrowID:   snap.EscrowID,
				Role:       role,
				WalletName: snap.WalletName,
				Address:    snap.Address,
				Endpoint:   ep,
				State:      MultisigState{Phase: PhaseReady, SharedAddress: snap.Address},
				CreatedAt:  time.Now(),
			}
		}
		r.mu.Unlock()

		r.logger.Debug("restored wallet instance",
			"instance", snap.ID, "escrow", snap.EscrowID, "role", snap.Role, "endpoint", snap.EndpointURL)
	}
	return nil
}

// Get returns a live instance by ID.
func (r *Registry) Get(id string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok || inst.Retired {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return inst, nil
}

// Retire marks instances as retired once their escrow is terminal. Their
// wallet files stay on disk for audit; the endpoint slot is freed.
func (r *Registry) Retire(ctx context.Context, ids ...string) {
	for _, id := range ids {
		r.mu.RLock()
		inst, ok := r.instances[id]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		if err := r.Close(ctx, id); err != nil {
			r.logger.Warn("close on retire failed", "instance", id, "error", err)
		}
		r.mu.Lock()
		inst.Retired = true
		r.mu.Unlock()
	}
}

// Close explicitly closes the instance's wallet file if it is the one
// active on its endpoint, freeing the endpoint for other escrows.
func (r *Registry) Close(ctx context.Context, id string) error {
	r.mu.RLock()
	inst, ok := r.instances[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}

	release, err := r.pool.Acquire(ctx, inst.Endpoint)
	if err != nil {
		return err
	}
	defer release()

	if inst.Endpoint.OpenWalletName() != inst.WalletName {
		return nil
	}
	if err := inst.Endpoint.Client.CloseWallet(ctx); err != nil {
		return fmt.Errorf("close wallet %s: %w", inst.WalletName, err)
	}
	inst.Endpoint.setOpenWallet("")
	return nil
}

// Reopen makes the instance's wallet the active one on its endpoint and
// verifies it via an address query.
func (r *Registry) Reopen(ctx context.Context, id string) error {
	inst, err := r.Get(id)
	if err != nil {
		return err
	}
	return r.withWallet(ctx, inst, func(context.Context, *walletrpc.Client) error { return nil })
}

// Balance returns total and unlocked balance for the instance. Used by the
// funding detector only.
func (r *Registry) Balance(ctx context.Context, id string) (total, unlocked uint64, err error) {
	inst, getErr := r.Get(id)
	if getErr != nil {
		return 0, 0, getErr
	}
	err = r.withWallet(ctx, inst, func(ctx context.Context, c *walletrpc.Client) error {
		total, unlocked, err = c.GetBalance(ctx)
		return err
	})
	return total, unlocked, err
}

// Prepare runs prepare_multisig on the instance and records its phase.
func (r *Registry) Prepare(ctx context.Context, id string) (string, error) {
	inst, err := r.Get(id)
	if err != nil {
		return "", err
	}
	var info string
	err = r.withWallet(ctx, inst, func(ctx context.Context, c *walletrpc.Client) error {
		var e error
		info, e = c.PrepareMultisig(ctx)
		return e
	})
	if err != nil {
		return "", err
	}
	r.setState(inst, MultisigState{Phase: PhasePrepared})
	return info, nil
}

// Make runs make_multisig with the two peers' prepare blobs. The wallet's
// own address changes to the candidate shared address afterwards.
func (r *Registry) Make(ctx context.Context, id string, threshold uint32, peerInfos []string) (walletrpc.MakeMultisigResult, error) {
	inst, err := r.Get(id)
	if err != nil {
		return walletrpc.MakeMultisigResult{}, err
	}
	var res walletrpc.MakeMultisigResult
	err = r.withWallet(ctx, inst, func(ctx context.Context, c *walletrpc.Client) error {
		var e error
		res, e = c.MakeMultisig(ctx, threshold, peerInfos)
		return e
	})
	if err != nil {
		return res, err
	}
	r.update(inst, res.Address, MultisigState{Phase: PhaseCombining, Round: 1})
	return res, nil
}

// Exchange runs exchange_multisig_keys with the peers' previous-round
// blobs. round is recorded for crash diagnostics.
func (r *Registry) Exchange(ctx context.Context, id string, round int, peerInfos []string) (walletrpc.ExchangeMultisigKeysResult, error) {
	inst, err := r.Get(id)
	if err != nil {
		return walletrpc.ExchangeMultisigKeysResult{}, err
	}
	var res walletrpc.ExchangeMultisigKeysResult
	err = r.withWallet(ctx, inst, func(ctx context.Context, c *walletrpc.Client) error {
		var e error
		res, e = c.ExchangeMultisigKeys(ctx, peerInfos)
		return e
	})
	if err != nil {
		return res, err
	}
	r.update(inst, res.Address, MultisigState{Phase: PhaseCombining, Round: round})
	return res, nil
}

// MarkReady records the instance as finalized on the shared address.
func (r *Registry) MarkReady(id, sharedAddress string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[id]; ok {
		inst.Address = sharedAddress
		inst.State = MultisigState{Phase: PhaseReady, SharedAddress: sharedAddress}
	}
}

// IsMultisig reports the endpoint's own view of the instance's multisig
// state.
func (r *Registry) IsMultisig(ctx context.Context, id string) (walletrpc.IsMultisigResult, error) {
	inst, err := r.Get(id)
	if err != nil {
		return walletrpc.IsMultisigResult{}, err
	}
	var res walletrpc.IsMultisigResult
	err = r.withWallet(ctx, inst, func(ctx context.Context, c *walletrpc.Client) error {
		var e error
		res, e = c.IsMultisig(ctx)
		return e
	})
	return res, err
}

// Address queries the wallet's current primary address.
func (r *Registry) Address(ctx context.Context, id string) (string, error) {
	inst, err := r.Get(id)
	if err != nil {
		return "", err
	}
	var addr string
	err = r.withWallet(ctx, inst, func(ctx context.Context, c *walletrpc.Client) error {
		var e error
		addr, e = c.GetAddress(ctx)
		return e
	})
	return addr, err
}

// ExportSync exports the instance's multisig output-sync blob.
func (r *Registry) ExportSync(ctx context.Context, id string) (string, error) {
	inst, err := r.Get(id)
	if err != nil {
		return "", err
	}
	var info string
	err = r.withWallet(ctx, inst, func(ctx context.Context, c *walletrpc.Client) error {
		var e error
		info, e = c.ExportMultisigInfo(ctx)
		return e
	})
	return info, err
}

// ImportSync imports the peers' output-sync blobs into the instance.
func (r *Registry) ImportSync(ctx context.Context, id string, peerInfos []string) (uint64, error) {
	inst, err := r.Get(id)
	if err != nil {
		return 0, err
	}
	var n uint64
	err = r.withWallet(ctx, inst, func(ctx context.Context, c *walletrpc.Client) error {
		var e error
		n, e = c.ImportMultisigInfo(ctx, peerInfos)
		return e
	})
	return n, err
}

// Transfer builds a spend from the instance's multisig wallet.
func (r *Registry) Transfer(ctx context.Context, id string, dest walletrpc.Destination) (walletrpc.TransferResult, error) {
	inst, err := r.Get(id)
	if err != nil {
		return walletrpc.TransferResult{}, err
	}
	var res walletrpc.TransferResult
	err = r.withWallet(ctx, inst, func(ctx context.Context, c *walletrpc.Client) error {
		var e error
		res, e = c.Transfer(ctx, dest)
		return e
	})
	return res, err
}

// Sign adds the instance's signature to a partially signed txset.
func (r *Registry) Sign(ctx context.Context, id, txDataHex string) (walletrpc.SignMultisigResult, error) {
	inst, err := r.Get(id)
	if err != nil {
		return walletrpc.SignMultisigResult{}, err
	}
	var res walletrpc.SignMultisigResult
	err = r.withWallet(ctx, inst, func(ctx context.Context, c *walletrpc.Client) error {
		var e error
		res, e = c.SignMultisig(ctx, txDataHex)
		return e
	})
	return res, err
}

// Submit broadcasts a fully signed txset from the instance's wallet.
func (r *Registry) Submit(ctx context.Context, id, txDataHex string) ([]string, error) {
	inst, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	var hashes []string
	err = r.withWallet(ctx, inst, func(ctx context.Context, c *walletrpc.Client) error {
		var e error
		hashes, e = c.SubmitMultisig(ctx, txDataHex)
		return e
	})
	return hashes, err
}

// Confirmations looks up a transaction's confirmation depth as seen by the
// instance's wallet.
func (r *Registry) Confirmations(ctx context.Context, id, txHash string) (uint64, error) {
	inst, err := r.Get(id)
	if err != nil {
		return 0, err
	}
	var confs uint64
	err = r.withWallet(ctx, inst, func(ctx context.Context, c *walletrpc.Client) error {
		entry, e := c.GetTransferByTxID(ctx, txHash)
		if e != nil {
			return e
		}
		confs = entry.Confirmations
		return nil
	})
	return confs, err
}

func (r *Registry) setState(inst *Instance, s MultisigState) {
	r.mu.Lock()
	inst.State = s
	r.mu.Unlock()
}

func (r *Registry) update(inst *Instance, address string, s MultisigState) {
	r.mu.Lock()
	if address != "" {
		inst.Address = address
	}
	inst.State = s
	r.mu.Unlock()
}

// withWallet runs fn against the instance's endpoint with the full
// discipline: exclusive endpoint lock, close of any foreign wallet, open of
// the target wallet, address verification, settling delay.
func (r *Registry) withWallet(ctx context.Context, inst *Instance, fn func(context.Context, *walletrpc.Client) error) error {
	ep := inst.Endpoint
	release, err := r.pool.Acquire(ctx, ep)
	if err != nil {
		return err
	}
	defer release()

	if ep.OpenWalletName() != inst.WalletName {
		if ep.OpenWalletName() != "" {
			if err := ep.Client.CloseWallet(ctx); err != nil {
				return fmt.Errorf("close foreign wallet on %s: %w", ep.URL, err)
			}
			ep.setOpenWallet("")
		}
		if err := ep.Client.OpenWallet(ctx, inst.WalletName); err != nil {
			return fmt.Errorf("open wallet %s: %w", inst.WalletName, err)
		}
		ep.setOpenWallet(inst.WalletName)

		// The endpoint answers for whatever wallet is open, not the one
		// named in the request. Verify before issuing protocol calls.
		if inst.Address != "" {
			addr, err := ep.Client.GetAddress(ctx)
			if err != nil {
				return fmt.Errorf("verify wallet %s: %w", inst.WalletName, err)
			}
			if addr != inst.Address {
				return fmt.Errorf("wallet verification failed on %s: address %s does not match instance %s",
					ep.URL, short(addr), inst.ID)
			}
		}
	}

	if r.settleDelay > 0 {
		if wait := r.settleDelay - ep.sinceLastCall(); wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}

	err = fn(ctx, ep.Client)
	ep.touchLastCall()
	return err
}

// short truncates an address for log output.
func short(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:12] + "…"
}
