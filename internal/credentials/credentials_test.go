package credentials

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hearthworks/calsync/internal/crypto"
	"github.com/hearthworks/calsync/internal/db"
)

func setupManager(t *testing.T) (*Manager, *db.DB) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "calsync-cred-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	database, err := db.New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	enc, err := crypto.NewEncryptor(key)
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	return NewManager(database, enc, "client-id", "client-secret"), database
}

func sealCredential(t *testing.T, m *Manager, cred *Credential) string {
	t.Helper()
	blob, err := m.Seal(cred)
	if err != nil {
		t.Fatalf("failed to seal credential: %v", err)
	}
	return blob
}

func TestCredentialRoundTrip(t *testing.T) {
	m, database := setupManager(t)

	cred := &Credential{
		AccessToken:  "ya29.token",
		RefreshToken: "1//refresh",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}

	conn := &db.SyncConnection{
		TenantID:    "tenant-1",
		Provider:    db.ProviderGoogle,
		Credentials: sealCredential(t, m, cred),
		CalendarID:  "primary",
		IsActive:    true,
	}
	if err := database.CreateConnection(conn); err != nil {
		t.Fatalf("failed to create connection: %v", err)
	}

	got, err := m.Credentials(conn)
	if err != nil {
		t.Fatalf("failed to decode credentials: %v", err)
	}
	if got.AccessToken != cred.AccessToken {
		t.Errorf("expected %q, got %q", cred.AccessToken, got.AccessToken)
	}
	if got.RefreshToken != cred.RefreshToken {
		t.Errorf("expected %q, got %q", cred.RefreshToken, got.RefreshToken)
	}
	if !got.Expiry.Equal(cred.Expiry) {
		t.Errorf("expected expiry %v, got %v", cred.Expiry, got.Expiry)
	}
}

func TestValidate(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	t.Run("google token with future expiry is valid", func(t *testing.T) {
		conn := &db.SyncConnection{
			Provider: db.ProviderGoogle,
			Credentials: sealCredential(t, m, &Credential{
				AccessToken: "tok",
				Expiry:      time.Now().Add(time.Hour),
			}),
		}
		if err := m.Validate(ctx, conn); err != nil {
			t.Errorf("expected valid, got %v", err)
		}
	})

	t.Run("google token expiring within lead window is invalid", func(t *testing.T) {
		conn := &db.SyncConnection{
			Provider: db.ProviderGoogle,
			Credentials: sealCredential(t, m, &Credential{
				AccessToken: "tok",
				Expiry:      time.Now().Add(time.Minute),
			}),
		}
		err := m.Validate(ctx, conn)
		if !errors.Is(err, ErrCredentialExpired) {
			t.Errorf("expected ErrCredentialExpired, got %v", err)
		}
	})

	t.Run("google credential without access token is invalid", func(t *testing.T) {
		conn := &db.SyncConnection{
			Provider:    db.ProviderGoogle,
			Credentials: sealCredential(t, m, &Credential{RefreshToken: "r"}),
		}
		err := m.Validate(ctx, conn)
		if !errors.Is(err, ErrInvalidCredential) {
			t.Errorf("expected ErrInvalidCredential, got %v", err)
		}
	})

	t.Run("caldav basic auth present is valid", func(t *testing.T) {
		conn := &db.SyncConnection{
			Provider:    db.ProviderCalDAV,
			Credentials: sealCredential(t, m, &Credential{Username: "u", Password: "p"}),
		}
		if err := m.Validate(ctx, conn); err != nil {
			t.Errorf("expected valid, got %v", err)
		}
	})

	t.Run("caldav missing password is invalid", func(t *testing.T) {
		conn := &db.SyncConnection{
			Provider:    db.ProviderCalDAV,
			Credentials: sealCredential(t, m, &Credential{Username: "u"}),
		}
		err := m.Validate(ctx, conn)
		if !errors.Is(err, ErrInvalidCredential) {
			t.Errorf("expected ErrInvalidCredential, got %v", err)
		}
	})

	t.Run("caldav probe verifies credentials against the server", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != "u" || pass != "p" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("DAV", "1, calendar-access")
		}))
		defer srv.Close()

		conn := &db.SyncConnection{
			Provider:    db.ProviderCalDAV,
			ServerURL:   srv.URL,
			Credentials: sealCredential(t, m, &Credential{Username: "u", Password: "p"}),
		}
		if err := m.Validate(ctx, conn); err != nil {
			t.Errorf("expected valid, got %v", err)
		}

		conn.Credentials = sealCredential(t, m, &Credential{Username: "u", Password: "wrong"})
		err := m.Validate(ctx, conn)
		if !errors.Is(err, ErrInvalidCredential) {
			t.Errorf("expected ErrInvalidCredential, got %v", err)
		}
	})

	t.Run("garbage blob is invalid", func(t *testing.T) {
		conn := &db.SyncConnection{
			Provider:    db.ProviderGoogle,
			Credentials: "not-a-blob",
		}
		err := m.Validate(ctx, conn)
		if !errors.Is(err, ErrInvalidCredential) {
			t.Errorf("expected ErrInvalidCredential, got %v", err)
		}
	})
}

func TestRefresh(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	t.Run("caldav refresh requires re-authentication", func(t *testing.T) {
		conn := &db.SyncConnection{
			Provider:    db.ProviderCalDAV,
			Credentials: sealCredential(t, m, &Credential{Username: "u", Password: "p"}),
		}
		err := m.Refresh(ctx, conn)
		if !errors.Is(err, ErrReauthRequired) {
			t.Errorf("expected ErrReauthRequired, got %v", err)
		}
	})

	t.Run("google refresh without refresh token requires re-authentication", func(t *testing.T) {
		conn := &db.SyncConnection{
			Provider:    db.ProviderGoogle,
			Credentials: sealCredential(t, m, &Credential{AccessToken: "tok"}),
		}
		err := m.Refresh(ctx, conn)
		if !errors.Is(err, ErrReauthRequired) {
			t.Errorf("expected ErrReauthRequired, got %v", err)
		}
	})

	t.Run("unknown provider is rejected", func(t *testing.T) {
		conn := &db.SyncConnection{
			Provider:    db.Provider("outlook"),
			Credentials: sealCredential(t, m, &Credential{}),
		}
		err := m.Refresh(ctx, conn)
		if !errors.Is(err, ErrInvalidCredential) {
			t.Errorf("expected ErrInvalidCredential, got %v", err)
		}
	})
}
