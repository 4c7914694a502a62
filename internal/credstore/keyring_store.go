package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"

	"github.com/and161185/satlink/internal/errs"
	"github.com/and161185/satlink/internal/model"
)

// DefaultKeyringService is the OS keychain service name.
const DefaultKeyringService = "satlink"

// KeyringStore keeps one OS keychain entry per wallet.
type KeyringStore struct {
	service string
	mu      sync.Mutex
}

var _ Store = (*KeyringStore)(nil)

func NewKeyringStore(service string) *KeyringStore {
	if service == "" {
		service = DefaultKeyringService
	}
	return &KeyringStore{service: service}
}

func (s *KeyringStore) Create(creds model.WalletCredentials) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("credstore: marshal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = keyring.Get(s.service, creds.WalletName)
	switch {
	case err == nil:
		return fmt.Errorf("credstore: %s: %w", creds.WalletName, errs.ErrAlreadyExists)
	case !errors.Is(err, keyring.ErrNotFound):
		return fmt.Errorf("credstore: keyring get: %w", err)
	}
	if err := keyring.Set(s.service, creds.WalletName, string(raw)); err != nil {
		return fmt.Errorf("credstore: keyring set: %w", err)
	}
	return nil
}

func (s *KeyringStore) Load(walletName string) (model.WalletCredentials, error) {
	var creds model.WalletCredentials
	s.mu.Lock()
	v, err := keyring.Get(s.service, walletName)
	s.mu.Unlock()
	if errors.Is(err, keyring.ErrNotFound) {
		return creds, fmt.Errorf("credstore: %s: %w", walletName, errs.ErrCredentialsMissing)
	}
	if err != nil {
		return creds, fmt.Errorf("credstore: keyring get: %w", err)
	}
	if err := json.Unmarshal([]byte(v), &creds); err != nil {
		return creds, fmt.Errorf("credstore: %s: %w: %v", walletName, errs.ErrCredentialsCorrupt, err)
	}
	return creds, nil
}
