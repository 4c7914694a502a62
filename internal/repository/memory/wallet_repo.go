// Package memory contains in-process repository implementations for
// single-node and test deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/and161185/satlink/internal/errs"
	"github.com/and161185/satlink/internal/model"
	"github.com/and161185/satlink/internal/repository"
)

// WalletRepo keeps wallet records in a map.
type WalletRepo struct {
	mu   sync.RWMutex
	byID map[string]model.WalletRecord
}

var _ repository.WalletRepository = (*WalletRepo)(nil)

func NewWalletRepo() *WalletRepo {
	return &WalletRepo{byID: make(map[string]model.WalletRecord)}
}

func (r *WalletRepo) Upsert(_ context.Context, rec model.WalletRecord) (model.WalletRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for uid, w := range r.byID {
		if uid != rec.UserID && w.WalletName == rec.WalletName {
			return rec, errs.ErrAlreadyExists
		}
	}
	if cur, ok := r.byID[rec.UserID]; ok {
		rec.CreatedAt = cur.CreatedAt
	} else {
		rec.CreatedAt = time.Now().UTC()
	}
	r.byID[rec.UserID] = rec
	return rec, nil
}

func (r *WalletRepo) GetByUserID(_ context.Context, userID string) (*model.WalletRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.byID[userID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &w, nil
}

// Len reports the number of stored records.
func (r *WalletRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
