package escrow

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, order_id, buyer_id, vendor_id, arbiter_id, amount,
			status, multisig_address, multisig_phase, multisig_state_blob,
			buyer_wallet_id, vendor_wallet_id, arbiter_wallet_id,
			tx_hash, partial_txset, dispute_reason, resolution,
			escalated_at, backup_arbiter_id,
			created_at, last_activity_at, expires_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13,
			$14, $15, $16, $17,
			$18, $19,
			$20, $21, $22, $23
		)`,
		e.ID, e.OrderID, e.BuyerID, e.VendorID, e.ArbiterID, int64(e.Amount),
		string(e.Status), nullString(e.MultisigAddress), nullString(e.MultisigPhase), e.MultisigStateBlob,
		nullString(e.BuyerWalletID), nullString(e.VendorWalletID), nullString(e.ArbiterWalletID),
		nullString(e.TxHash), nullString(e.PartialTxset), nullString(e.DisputeReason), nullString(e.Resolution),
		nullTime(e.EscalatedAt), nullString(e.BackupArbiterID),
		e.CreatedAt, e.LastActivityAt, nullTime(e.ExpiresAt), e.UpdatedAt,
	)
	return err
}

const escrowColumns = `id, order_id, buyer_id, vendor_id, arbiter_id, amount,
		       status, multisig_address, multisig_phase, multisig_state_blob,
		       buyer_wallet_id, vendor_wallet_id, arbiter_wallet_id,
		       tx_hash, partial_txset, dispute_reason, resolution,
		       escalated_at, backup_arbiter_id,
		       created_at, last_activity_at, expires_at, updated_at`

const terminalStatuses = `('completed', 'refunded', 'cancelled', 'expired')`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, multisig_address = $2, multisig_phase = $3, multisig_state_blob = $4,
			buyer_wallet_id = $5, vendor_wallet_id = $6, arbiter_wallet_id = $7,
			tx_hash = $8, partial_txset = $9, dispute_reason = $10, resolution = $11,
			escalated_at = $12, backup_arbiter_id = $13,
			last_activity_at = $14, expires_at = $15, updated_at = $16
		WHERE id = $17`,
		string(e.Status), nullString(e.MultisigAddress), nullString(e.MultisigPhase), e.MultisigStateBlob,
		nullString(e.BuyerWalletID), nullString(e.VendorWalletID), nullString(e.ArbiterWalletID),
		nullString(e.TxHash), nullString(e.PartialTxset), nullString(e.DisputeReason), nullString(e.Resolution),
		nullTime(e.EscalatedAt), nullString(e.BackupArbiterID),
		e.LastActivityAt, nullTime(e.ExpiresAt), e.UpdatedAt,
		e.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status NOT IN `+terminalStatuses+`
		  AND expires_at IS NOT NULL
		  AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListExpiring(ctx context.Context, now time.Time, within time.Duration, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status NOT IN `+terminalStatuses+`
		  AND expires_at IS NOT NULL
		  AND expires_at > $1
		  AND expires_at <= $2
		ORDER BY expires_at ASC
		LIMIT $3`, now, now.Add(within), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM escrows GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		amount          int64
		status          string
		multisigAddress sql.NullString
		multisigPhase   sql.NullString
		buyerWalletID   sql.NullString
		vendorWalletID  sql.NullString
		arbiterWalletID sql.NullString
		txHash          sql.NullString
		partialTxset    sql.NullString
		disputeReason   sql.NullString
		resolution      sql.NullString
		escalatedAt     sql.NullTime
		backupArbiterID sql.NullString
		expiresAt       sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.OrderID, &e.BuyerID, &e.VendorID, &e.ArbiterID, &amount,
		&status, &multisigAddress, &multisigPhase, &e.MultisigStateBlob,
		&buyerWalletID, &vendorWalletID, &arbiterWalletID,
		&txHash, &partialTxset, &disputeReason, &resolution,
		&escalatedAt, &backupArbiterID,
		&e.CreatedAt, &e.LastActivityAt, &expiresAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Amount = uint64(amount)
	e.Status = Status(status)
	e.MultisigAddress = multisigAddress.String
	e.MultisigPhase = multisigPhase.String
	e.BuyerWalletID = buyerWalletID.String
	e.VendorWalletID = vendorWalletID.String
	e.ArbiterWalletID = arbiterWalletID.String
	e.TxHash = txHash.String
	e.PartialTxset = partialTxset.String
	e.DisputeReason = disputeReason.String
	e.Resolution = resolution.String
	e.BackupArbiterID = backupArbiterID.String
	if escalatedAt.Valid {
		e.EscalatedAt = &escalatedAt.Time
	}
	if expiresAt.Valid {
		e.ExpiresAt = &expiresAt.Time
	}

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
