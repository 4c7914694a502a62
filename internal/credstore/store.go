// Package credstore persists per-wallet node credentials.
//
// Records are keyed by wallet name and written create-if-absent: once a
// wallet's password and seed are stored they are never replaced.
package credstore

import (
	"github.com/and161185/satlink/internal/model"
)

// Store is the credential persistence contract.
type Store interface {
	// Create stores creds unless a record for creds.WalletName exists (errs.ErrAlreadyExists).
	Create(creds model.WalletCredentials) error
	// Load returns the record for walletName. A missing record is
	// errs.ErrCredentialsMissing; an unreadable one is errs.ErrCredentialsCorrupt.
	Load(walletName string) (model.WalletCredentials, error)
}
