package multisig

import (
	"context"
	"fmt"

	"github.com/Satisfyguy/escrowd/internal/traces"
	"github.com/Satisfyguy/escrowd/internal/walletrpc"
	"github.com/Satisfyguy/escrowd/internal/wallets"
)

// SpendResult is the outcome of a threshold signing attempt. On failure
// after the transfer was built, PartialTxset carries the signed-so-far
// transaction set so the caller can persist it for retry.
type SpendResult struct {
	TxHash       string
	Fee          uint64
	PartialTxset string
}

// SyncBalance cross-exchanges multisig sync data between the three
// instances and returns the balance afterwards. Multisig wallets do not see
// incoming funds without this exchange, so a balance read without it is
// meaningless. The reported balance is the most conservative of the three
// wallets' views. All wallets are closed before returning, freeing their
// endpoints.
func (c *Coordinator) SyncBalance(ctx context.Context, ids [3]string) (total, unlocked uint64, err error) {
	defer c.closeAll(ctx, ids)

	exports := make([]string, 3)
	for _, role := range wallets.Roles() {
		info, err := c.registry.ExportSync(ctx, ids[role])
		if err != nil {
			return 0, 0, fmt.Errorf("export sync %s: %w", role, err)
		}
		exports[role] = info
	}
	for _, role := range wallets.Roles() {
		if _, err := c.registry.ImportSync(ctx, ids[role], peersOf(role, exports)); err != nil {
			return 0, 0, fmt.Errorf("import sync %s: %w", role, err)
		}
	}

	first := true
	for _, role := range wallets.Roles() {
		t, u, err := c.registry.Balance(ctx, ids[role])
		if err != nil {
			return 0, 0, fmt.Errorf("balance %s: %w", role, err)
		}
		if first || t < total {
			total = t
		}
		if first || u < unlocked {
			unlocked = u
		}
		first = false
	}
	return total, unlocked, nil
}

// Spend builds, co-signs and broadcasts a transfer of amount to recipient.
// first builds the transaction, second adds the other required signature
// and submits. A failure after the transfer was built returns
// ErrInsufficientSignatures with the partial txset preserved in the result;
// the escrow's funds are untouched and the spend can be retried.
func (c *Coordinator) Spend(ctx context.Context, escrowID string, ids [3]string, first, second wallets.Role, recipient string, amount uint64) (SpendResult, error) {
	ctx, span := traces.StartSpan(ctx, "multisig.spend",
		traces.EscrowID(escrowID), traces.Amount(amount))
	defer span.End()
	defer c.closeAll(ctx, ids)

	if first == second {
		return SpendResult{}, fmt.Errorf("%w: need two distinct signers, got %s twice", ErrInsufficientSignatures, first)
	}

	// Refresh each wallet's output view before spending; a stale wallet
	// builds transactions that the network rejects.
	exports := make([]string, 3)
	for _, role := range wallets.Roles() {
		info, err := c.registry.ExportSync(ctx, ids[role])
		if err != nil {
			return SpendResult{}, fmt.Errorf("export sync %s: %w", role, err)
		}
		exports[role] = info
	}
	for _, role := range []wallets.Role{first, second} {
		if _, err := c.registry.ImportSync(ctx, ids[role], peersOf(role, exports)); err != nil {
			return SpendResult{}, fmt.Errorf("import sync %s: %w", role, err)
		}
	}

	transfer, err := c.registry.Transfer(ctx, ids[first], walletrpc.Destination{
		Address: recipient,
		Amount:  amount,
	})
	if err != nil {
		return SpendResult{}, fmt.Errorf("build transfer as %s: %w", first, err)
	}
	if transfer.MultisigTxset == "" {
		return SpendResult{}, fmt.Errorf("%w: %s produced no multisig txset", ErrProtocolAnomaly, first)
	}

	signed, err := c.registry.Sign(ctx, ids[second], transfer.MultisigTxset)
	if err != nil {
		return SpendResult{PartialTxset: transfer.MultisigTxset},
			fmt.Errorf("%w: sign as %s: %v", ErrInsufficientSignatures, second, err)
	}

	hashes, err := c.registry.Submit(ctx, ids[second], signed.TxDataHex)
	if err != nil {
		return SpendResult{PartialTxset: signed.TxDataHex},
			fmt.Errorf("submit signed transfer: %w", err)
	}
	if len(hashes) == 0 {
		return SpendResult{PartialTxset: signed.TxDataHex},
			fmt.Errorf("%w: submit returned no tx hash", ErrProtocolAnomaly)
	}

	span.SetAttributes(traces.TxHash(hashes[0]))
	c.logger.Info("multisig spend broadcast",
		"escrow", escrowID, "tx", hashes[0], "signers", first.String()+"+"+second.String())
	return SpendResult{TxHash: hashes[0], Fee: transfer.Fee}, nil
}

// Confirmations reports a broadcast transaction's confirmation depth as
// seen by the given wallet instance.
func (c *Coordinator) Confirmations(ctx context.Context, instanceID, txHash string) (uint64, error) {
	return c.registry.Confirmations(ctx, instanceID, txHash)
}

// Retire releases the escrow's wallet instances once it is terminal.
func (c *Coordinator) Retire(ctx context.Context, ids [3]string) {
	c.registry.Retire(ctx, ids[:]...)
}

func (c *Coordinator) closeAll(ctx context.Context, ids [3]string) {
	for _, id := range ids {
		if err := c.registry.Close(context.WithoutCancel(ctx), id); err != nil {
			c.logger.Warn("close wallet failed", "instance", id, "error", err)
		}
	}
}
