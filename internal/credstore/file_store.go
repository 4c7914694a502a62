package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/and161185/satlink/internal/crypto"
	"github.com/and161185/satlink/internal/errs"
	"github.com/and161185/satlink/internal/model"
)

const formatVersion = 1

// blob is the on-disk JSON structure holding the sealed credentials.
type blob struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	Sealed []byte `json:"sealed"`
}

// FileStore keeps one sealed JSON file per wallet under dir.
type FileStore struct {
	dir        string
	passphrase []byte
	mu         sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates dir if needed. The passphrase seals every record.
func NewFileStore(dir, passphrase string) (*FileStore, error) {
	if passphrase == "" {
		return nil, errors.New("credstore: empty passphrase")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("credstore: mkdir: %w", err)
	}
	return &FileStore{dir: dir, passphrase: []byte(passphrase)}, nil
}

func (s *FileStore) path(walletName string) (string, error) {
	if walletName == "" || strings.ContainsAny(walletName, `/\`) || walletName == "." || walletName == ".." {
		return "", fmt.Errorf("credstore: invalid wallet name %q", walletName)
	}
	return filepath.Join(s.dir, walletName+".json"), nil
}

func (s *FileStore) Create(creds model.WalletCredentials) error {
	path, err := s.path(creds.WalletName)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("credstore: marshal: %w", err)
	}
	salt, err := crypto.RandBytes(crypto.SaltLen)
	if err != nil {
		return fmt.Errorf("credstore: salt: %w", err)
	}
	key, err := crypto.DeriveWalletKey(crypto.DeriveKEK(s.passphrase, salt), creds.WalletName)
	if err != nil {
		return fmt.Errorf("credstore: derive key: %w", err)
	}
	sealed, err := crypto.Seal(key, creds.WalletName, raw)
	if err != nil {
		return fmt.Errorf("credstore: seal: %w", err)
	}
	b, err := json.MarshalIndent(blob{V: formatVersion, Salt: salt, Sealed: sealed}, "", "  ")
	if err != nil {
		return fmt.Errorf("credstore: marshal blob: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return createExclusive(path, b)
}

// createExclusive writes via a temp file, then hard-links it into place,
// which fails if path already exists, even across processes.
func createExclusive(path string, b []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cred-*.tmp")
	if err != nil {
		return fmt.Errorf("credstore: temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("credstore: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("credstore: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credstore: close: %w", err)
	}
	if err := os.Link(tmpName, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("credstore: %s: %w", filepath.Base(path), errs.ErrAlreadyExists)
		}
		return fmt.Errorf("credstore: link: %w", err)
	}
	return nil
}

func (s *FileStore) Load(walletName string) (model.WalletCredentials, error) {
	var creds model.WalletCredentials
	path, err := s.path(walletName)
	if err != nil {
		return creds, err
	}

	s.mu.Lock()
	b, err := os.ReadFile(path)
	s.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return creds, fmt.Errorf("credstore: %s: %w", walletName, errs.ErrCredentialsMissing)
	}
	if err != nil {
		return creds, fmt.Errorf("credstore: read: %w", err)
	}

	var bl blob
	if err := json.Unmarshal(b, &bl); err != nil || bl.V != formatVersion {
		return creds, fmt.Errorf("credstore: %s: %w: bad envelope", walletName, errs.ErrCredentialsCorrupt)
	}
	key, err := crypto.DeriveWalletKey(crypto.DeriveKEK(s.passphrase, bl.Salt), walletName)
	if err != nil {
		return creds, fmt.Errorf("credstore: derive key: %w", err)
	}
	raw, err := crypto.Open(key, walletName, bl.Sealed)
	if err != nil {
		return creds, fmt.Errorf("credstore: %s: %w: %v", walletName, errs.ErrCredentialsCorrupt, err)
	}
	if err := json.Unmarshal(raw, &creds); err != nil {
		return creds, fmt.Errorf("credstore: %s: %w: %v", walletName, errs.ErrCredentialsCorrupt, err)
	}
	return creds, nil
}
