package migrations

import (
	"io/fs"
	"strings"
	"testing"
)

func TestFS_ContainsWalletsTable(t *testing.T) {
	names, err := fs.Glob(FS, "*.sql")
	if err != nil || len(names) == 0 {
		t.Fatalf("no embedded migrations: %v", err)
	}
	b, err := fs.ReadFile(FS, "00001_wallets.sql")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, want := range []string{"-- +goose Up", "-- +goose Down", "wallet_name TEXT NOT NULL UNIQUE"} {
		if !strings.Contains(string(b), want) {
			t.Fatalf("migration missing %q", want)
		}
	}
}
