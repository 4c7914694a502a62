package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/satlink/internal/errs"
	"github.com/and161185/satlink/internal/model"
	"github.com/and161185/satlink/internal/repository"
)

// WalletRepo implements WalletRepository using PostgreSQL.
type WalletRepo struct{ db *DB }

var _ repository.WalletRepository = (*WalletRepo)(nil)

// NewWalletRepo constructs a wallet repository.
func NewWalletRepo(db *DB) *WalletRepo { return &WalletRepo{db: db} }

// Upsert inserts or refreshes the wallet row for rec.UserID.
func (r *WalletRepo) Upsert(ctx context.Context, rec model.WalletRecord) (model.WalletRecord, error) {
	const q = `
INSERT INTO wallets (user_id, wallet_name, pubkey, address)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id) DO UPDATE
SET pubkey = EXCLUDED.pubkey, address = EXCLUDED.address, updated_at = now()
RETURNING created_at`
	err := r.db.Pool.QueryRow(ctx, q, rec.UserID, rec.WalletName, rec.Pubkey, rec.Address).Scan(&rec.CreatedAt)
	if isUniqueViolation(err) {
		// wallet_name taken by another user_id
		return rec, fmt.Errorf("wallet %s: %w", rec.WalletName, errs.ErrAlreadyExists)
	}
	if err != nil {
		return rec, fmt.Errorf("upsert wallet: %w", err)
	}
	return rec, nil
}

// GetByUserID selects the wallet row for userID.
func (r *WalletRepo) GetByUserID(ctx context.Context, userID string) (*model.WalletRecord, error) {
	const q = `
SELECT user_id, wallet_name, pubkey, address, created_at
FROM wallets WHERE user_id=$1`
	var w model.WalletRecord
	err := r.db.Pool.QueryRow(ctx, q, userID).Scan(&w.UserID, &w.WalletName, &w.Pubkey, &w.Address, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return &w, nil
}
