package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/hearthworks/calsync/internal/crypto"
	"github.com/hearthworks/calsync/internal/db"
	"github.com/hearthworks/calsync/internal/validator"
)

var (
	ErrInvalidCredential = errors.New("invalid credential blob")
	ErrCredentialExpired = errors.New("credential expired")
	ErrReauthRequired    = errors.New("provider requires re-authentication")
	ErrRefreshFailed     = errors.New("credential refresh failed")
)

// expiryLead treats a token expiring within this window as already invalid,
// so refresh is enqueued before calls start failing.
const expiryLead = 5 * time.Minute

// Credential is the decrypted credential payload for one connection.
// OAuth providers populate the token fields; basic-auth providers
// populate username/password.
type Credential struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	Username     string    `json:"username,omitempty"`
	Password     string    `json:"password,omitempty"`
}

// Token converts an OAuth credential to an oauth2 token.
func (c *Credential) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		Expiry:       c.Expiry,
	}
}

// Manager owns credential decryption, validation and refresh.
// It never mutates connection activity state - that decision belongs
// to the retry coordinator.
type Manager struct {
	db        *db.DB
	encryptor *crypto.Encryptor
	oauth     *oauth2.Config
	probe     *validator.Validator
}

// NewManager creates a credential lifecycle manager. The Google OAuth
// client is used only for silent refresh-token exchange.
func NewManager(database *db.DB, encryptor *crypto.Encryptor, googleClientID, googleClientSecret string) *Manager {
	return &Manager{
		db:        database,
		encryptor: encryptor,
		// Self-hosted CalDAV servers are routinely on private networks
		probe: validator.New(validator.WithAllowPrivateIPs()),
		oauth: &oauth2.Config{
			ClientID:     googleClientID,
			ClientSecret: googleClientSecret,
			Scopes:       []string{"https://www.googleapis.com/auth/calendar"},
			Endpoint:     google.Endpoint,
		},
	}
}

// Credentials decrypts and decodes the credential blob for a connection.
// The plaintext is never logged or persisted.
func (m *Manager) Credentials(conn *db.SyncConnection) (*Credential, error) {
	plaintext, err := m.encryptor.Decrypt(conn.Credentials)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}

	cred := &Credential{}
	if err := json.Unmarshal([]byte(plaintext), cred); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}

	return cred, nil
}

// Seal encodes and encrypts a credential into a storable blob.
func (m *Manager) Seal(cred *Credential) (string, error) {
	plaintext, err := json.Marshal(cred)
	if err != nil {
		return "", fmt.Errorf("failed to encode credential: %w", err)
	}
	return m.encryptor.Encrypt(string(plaintext))
}

// Validate checks whether the stored credential still authorizes access.
// It never mutates connection state; the caller decides the follow-up.
func (m *Manager) Validate(ctx context.Context, conn *db.SyncConnection) error {
	cred, err := m.Credentials(conn)
	if err != nil {
		return err
	}

	switch conn.Provider {
	case db.ProviderGoogle:
		if cred.AccessToken == "" {
			return fmt.Errorf("%w: missing access token", ErrInvalidCredential)
		}
		if !cred.Expiry.IsZero() && time.Now().Add(expiryLead).After(cred.Expiry) {
			return fmt.Errorf("%w: token expires at %s", ErrCredentialExpired, cred.Expiry.Format(time.RFC3339))
		}
		return nil
	case db.ProviderCalDAV:
		if cred.Username == "" || cred.Password == "" {
			return fmt.Errorf("%w: missing basic auth credentials", ErrInvalidCredential)
		}
		if conn.ServerURL == "" {
			return nil
		}
		if err := m.probe.ValidateCalDAVEndpoint(ctx, conn.ServerURL, cred.Username, cred.Password); err != nil {
			if errors.Is(err, validator.ErrUnauthorized) {
				return fmt.Errorf("%w: %w", ErrInvalidCredential, err)
			}
			return err
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidCredential, conn.Provider)
	}
}

// Refresh exchanges the refresh credential for a new access credential and
// persists it re-encrypted. Providers without silent refresh return
// ErrReauthRequired, which must never be retried automatically.
func (m *Manager) Refresh(ctx context.Context, conn *db.SyncConnection) error {
	switch conn.Provider {
	case db.ProviderGoogle:
		return m.refreshGoogle(ctx, conn)
	case db.ProviderCalDAV:
		// Basic auth has no refresh path; the owner must re-link.
		return ErrReauthRequired
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidCredential, conn.Provider)
	}
}

func (m *Manager) refreshGoogle(ctx context.Context, conn *db.SyncConnection) error {
	cred, err := m.Credentials(conn)
	if err != nil {
		return err
	}

	if cred.RefreshToken == "" {
		return fmt.Errorf("%w: no refresh token stored", ErrReauthRequired)
	}

	// Force the exchange by presenting an expired access token
	stale := cred.Token()
	stale.Expiry = time.Now().Add(-time.Minute)

	fresh, err := m.oauth.TokenSource(ctx, stale).Token()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	cred.AccessToken = fresh.AccessToken
	cred.TokenType = fresh.TokenType
	cred.Expiry = fresh.Expiry
	if fresh.RefreshToken != "" {
		cred.RefreshToken = fresh.RefreshToken
	}

	blob, err := m.Seal(cred)
	if err != nil {
		return err
	}

	if err := m.db.UpdateConnectionCredentials(conn.ID, blob); err != nil {
		return fmt.Errorf("failed to persist refreshed credential: %w", err)
	}
	conn.Credentials = blob

	return nil
}

// TokenSource returns an oauth2 token source for a google connection,
// for use by the provider adapter when building API clients.
func (m *Manager) TokenSource(ctx context.Context, conn *db.SyncConnection) (oauth2.TokenSource, error) {
	cred, err := m.Credentials(conn)
	if err != nil {
		return nil, err
	}
	return m.oauth.TokenSource(ctx, cred.Token()), nil
}
