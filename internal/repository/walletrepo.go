// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/satlink/internal/model"
)

// WalletRepository persists the public wallet record per user.
type WalletRepository interface {
	// Upsert stores rec keyed by UserID; pubkey and address are refreshed on conflict.
	// The returned record carries the original CreatedAt.
	Upsert(ctx context.Context, rec model.WalletRecord) (model.WalletRecord, error)
	// GetByUserID loads the record for userID (errs.ErrNotFound if absent).
	GetByUserID(ctx context.Context, userID string) (*model.WalletRecord, error)
}
