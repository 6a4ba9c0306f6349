// Package token stores OAuth2 credentials in the system keyring and
// implements mailapi.TokenProvider on top of them.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/99designs/keyring"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/Sternrassler/mailfetch/pkg/mailapi"
)

// ServiceName is the keyring service all credentials are stored under.
const ServiceName = "mailfetch"

// KeyringConfig selects the keyring backend.
type KeyringConfig struct {
	// Backends restricts the allowed backends, e.g. "file" or
	// "secret-service". Empty allows all platform backends.
	Backends []string `mapstructure:"backends"`
	FileDir  string   `mapstructure:"file_dir"`

	// FilePassword unlocks the file backend.
	FilePassword string `mapstructure:"file_password"`
}

// OpenKeyring opens the configured keyring.
func OpenKeyring(cfg KeyringConfig) (keyring.Keyring, error) {
	kc := keyring.Config{
		ServiceName: ServiceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  cfg.FileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(cfg.FilePassword),
		KeychainTrustApplication: true,
	}
	if kc.FileDir == "" {
		kc.FileDir = "~/.config/mailfetch/credentials"
	}
	if len(cfg.Backends) > 0 {
		kc.AllowedBackends = nil
		for _, b := range cfg.Backends {
			kc.AllowedBackends = append(kc.AllowedBackends, keyring.BackendType(b))
		}
	}

	ring, err := keyring.Open(kc)
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Key returns the keyring item key for a tenant.
func Key(tenant string) string {
	return "oauth:" + tenant
}

// Provider is a per-tenant mailapi.TokenProvider backed by a keyring item
// holding the JSON-encoded oauth2.Token.
type Provider struct {
	ring   keyring.Keyring
	tenant string
	oauth  *oauth2.Config
	logger zerolog.Logger

	mu  sync.Mutex
	tok *oauth2.Token
}

// NewProvider creates a provider for tenant. oauth supplies the client
// credentials and token endpoint used for refresh.
func NewProvider(ring keyring.Keyring, tenant string, oauth *oauth2.Config) *Provider {
	return &Provider{
		ring:   ring,
		tenant: tenant,
		oauth:  oauth,
		logger: log.With().Str("component", "token-provider").Str("tenant", tenant).Logger(),
	}
}

// Save stores tok for the provider's tenant.
func (p *Provider) Save(tok *oauth2.Token) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saveLocked(tok)
}

func (p *Provider) saveLocked(tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	if err := p.ring.Set(keyring.Item{
		Key:         Key(p.tenant),
		Data:        data,
		Label:       "mailfetch OAuth token (" + p.tenant + ")",
		Description: "OAuth2 token",
	}); err != nil {
		return fmt.Errorf("setting credential %q: %w", Key(p.tenant), err)
	}
	p.tok = tok
	return nil
}

func (p *Provider) loadLocked() (*oauth2.Token, error) {
	if p.tok != nil {
		return p.tok, nil
	}
	item, err := p.ring.Get(Key(p.tenant))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, mailapi.NewError(mailapi.ErrorClassAuth, 0, "no stored credential", err)
	}
	if err != nil {
		return nil, mailapi.NewError(mailapi.ErrorClassTransient, 0, "read credential", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(item.Data, &tok); err != nil {
		return nil, mailapi.NewError(mailapi.ErrorClassAuth, 0, "decode stored credential", err)
	}
	p.tok = &tok
	return p.tok, nil
}

// AccessToken returns the stored access token, refreshing it first when
// it has expired.
func (p *Provider) AccessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tok, err := p.loadLocked()
	if err != nil {
		return "", err
	}
	if tok.Valid() {
		return tok.AccessToken, nil
	}
	return p.refreshLocked(ctx, tok)
}

// Refresh exchanges the refresh token for a new access token regardless
// of the current token's expiry.
func (p *Provider) Refresh(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tok, err := p.loadLocked()
	if err != nil {
		return "", err
	}
	return p.refreshLocked(ctx, tok)
}

func (p *Provider) refreshLocked(ctx context.Context, tok *oauth2.Token) (string, error) {
	if tok.RefreshToken == "" || p.oauth == nil {
		return "", mailapi.NewError(mailapi.ErrorClassAuth, 0, "credential cannot be refreshed", nil)
	}

	// An access-token-less copy forces the token source to hit the endpoint.
	src := p.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		p.logger.Warn().Err(err).Msg("Token refresh failed")
		return "", classifyRefresh(err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}

	if err := p.saveLocked(fresh); err != nil {
		// The new token is still usable for this process.
		p.logger.Error().Err(err).Msg("Failed to persist refreshed token")
		p.tok = fresh
	}

	p.logger.Info().Time("expiry", fresh.Expiry).Msg("Access token refreshed")
	return fresh.AccessToken, nil
}

// classifyRefresh maps token endpoint failures: a rejected grant or client
// is an auth failure, everything else transient.
func classifyRefresh(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		switch {
		case re.ErrorCode == "invalid_grant", re.ErrorCode == "invalid_client", re.ErrorCode == "unauthorized_client":
			return mailapi.NewError(mailapi.ErrorClassAuth, status, "refresh token rejected", err)
		case status == http.StatusBadRequest || status == http.StatusUnauthorized:
			return mailapi.NewError(mailapi.ErrorClassAuth, status, "refresh token rejected", err)
		case status == http.StatusTooManyRequests:
			return mailapi.NewError(mailapi.ErrorClassRateLimit, status, "token endpoint throttled", err)
		}
		return mailapi.NewError(mailapi.ErrorClassTransient, status, "token endpoint error", err)
	}
	return mailapi.NewError(mailapi.ErrorClassTransient, 0, "token endpoint unreachable", err)
}
