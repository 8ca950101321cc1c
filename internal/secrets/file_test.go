package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStore_PutAndGet(t *testing.T) {
	tests := []struct {
		name    string
		secrets *Secrets
	}{
		{
			name: "full record",
			secrets: &Secrets{
				ClientID:     "client-id",
				ClientSecret: "client-secret",
				RefreshToken: "refresh",
				AccessToken:  "access",
				TokenExpiry:  time.Now().Add(time.Hour).UTC().Truncate(time.Second),
			},
		},
		{
			name: "record without access token",
			secrets: &Secrets{
				ClientID:     "client-id",
				ClientSecret: "client-secret",
				RefreshToken: "refresh-only",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := NewFileStore(filepath.Join(t.TempDir(), "secrets.json"))

			if err := store.Put(ctx, tt.secrets); err != nil {
				t.Fatalf("Put() error = %v", err)
			}

			loaded, err := store.Get(ctx)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}

			if loaded.RefreshToken != tt.secrets.RefreshToken {
				t.Errorf("RefreshToken = %q, want %q", loaded.RefreshToken, tt.secrets.RefreshToken)
			}
			if loaded.AccessToken != tt.secrets.AccessToken {
				t.Errorf("AccessToken = %q, want %q", loaded.AccessToken, tt.secrets.AccessToken)
			}
			if !loaded.TokenExpiry.Equal(tt.secrets.TokenExpiry) {
				t.Errorf("TokenExpiry = %v, want %v", loaded.TokenExpiry, tt.secrets.TokenExpiry)
			}
		})
	}
}

func TestFileStore_GetNonExistent(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "nonexistent", "secrets.json"))

	_, err := store.Get(context.Background())
	if !errors.Is(err, ErrSecretRetrievalFailed) {
		t.Errorf("Get() error = %v, want ErrSecretRetrievalFailed", err)
	}
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestFileStore_GetMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	if err := os.WriteFile(path, []byte("not json"), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	_, err := NewFileStore(path).Get(context.Background())
	if !errors.Is(err, ErrSecretRetrievalFailed) {
		t.Errorf("Get() error = %v, want ErrSecretRetrievalFailed", err)
	}
}

func TestFileStore_PutCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeply", "secrets.json")
	store := NewFileStore(path)

	if err := store.Put(context.Background(), &Secrets{ClientID: "id", ClientSecret: "secret"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("Put() did not create secrets file")
	}
}

func TestFileStore_PutNil(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "secrets.json"))

	err := store.Put(context.Background(), nil)
	if !errors.Is(err, ErrSecretPersistFailed) {
		t.Errorf("Put(nil) error = %v, want ErrSecretPersistFailed", err)
	}
}

func TestFileStore_Path(t *testing.T) {
	path := "/custom/path/secrets.json"
	if got := NewFileStore(path).Path(); got != path {
		t.Errorf("Path() = %q, want %q", got, path)
	}
}

func TestFileStore_FilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	store := NewFileStore(path)

	if err := store.Put(context.Background(), &Secrets{ClientID: "id", ClientSecret: "secret", RefreshToken: "r"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}

	if mode := info.Mode().Perm(); mode&0077 != 0 {
		t.Errorf("File permissions = %o, want 0600 (no group/other access)", mode)
	}
}

func TestFileStore_PutOverwrites(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "secrets.json"))

	for _, rt := range []string{"R1", "R2"} {
		if err := store.Put(ctx, &Secrets{ClientID: "id", ClientSecret: "secret", RefreshToken: rt}); err != nil {
			t.Fatalf("Put(%s) error = %v", rt, err)
		}
	}

	loaded, err := store.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if loaded.RefreshToken != "R2" {
		t.Errorf("RefreshToken = %q, want R2", loaded.RefreshToken)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want only the secrets file", len(entries))
	}
}
