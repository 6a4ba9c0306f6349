package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Sternrassler/mailfetch/pkg/config"
	"github.com/Sternrassler/mailfetch/pkg/gmail"
	"github.com/Sternrassler/mailfetch/pkg/imapmail"
	"github.com/Sternrassler/mailfetch/pkg/mailapi"
	"github.com/Sternrassler/mailfetch/pkg/token"
)

// connector builds and memoizes one backend client and token provider per
// tenant. For Gmail the tenant is the account address whose OAuth token
// is stored in the keyring; for IMAP it is the login name.
type connector struct {
	cfg   *config.Config
	ring  keyring.Keyring
	oauth *oauth2.Config

	mu      sync.Mutex
	tenants map[string]tenantConn
}

type tenantConn struct {
	client mailapi.Client
	tokens mailapi.TokenProvider
}

func newConnector(cfg *config.Config, ring keyring.Keyring) *connector {
	return &connector{
		cfg:  cfg,
		ring: ring,
		oauth: &oauth2.Config{
			ClientID:     cfg.Gmail.ClientID,
			ClientSecret: cfg.Gmail.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{gmailv1.GmailReadonlyScope},
		},
		tenants: make(map[string]tenantConn),
	}
}

// Connect implements fetcher.Connector.
func (c *connector) Connect(ctx context.Context, tenant string) (mailapi.Client, mailapi.TokenProvider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tc, ok := c.tenants[tenant]; ok {
		return tc.client, tc.tokens, nil
	}

	var tc tenantConn
	var err error
	switch c.cfg.Backend {
	case config.BackendIMAP:
		tc, err = c.connectIMAP(tenant)
	default:
		tc, err = c.connectGmail(tenant)
	}
	if err != nil {
		return nil, nil, err
	}

	c.tenants[tenant] = tc
	return tc.client, tc.tokens, nil
}

func (c *connector) connectGmail(tenant string) (tenantConn, error) {
	provider := token.NewProvider(c.ring, tenant, c.oauth)

	var opts []option.ClientOption
	if c.cfg.Gmail.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.cfg.Gmail.Endpoint))
	}

	// The client outlives the request that created it.
	client, err := gmail.NewWithProvider(context.Background(), provider, opts...)
	if err != nil {
		return tenantConn{}, mailapi.NewError(mailapi.ErrorClassUnknown, 0, "create gmail client", err)
	}
	return tenantConn{client: client, tokens: provider}, nil
}

func (c *connector) connectIMAP(tenant string) (tenantConn, error) {
	cfg := c.cfg.IMAP
	cfg.Username = tenant

	var opts []imapmail.Option
	var tokens mailapi.TokenProvider
	if cfg.Password == "" {
		provider := token.NewProvider(c.ring, tenant, c.oauth)
		opts = append(opts, imapmail.WithTokenProvider(provider))
		tokens = provider
	}

	client, err := imapmail.New(cfg, opts...)
	if err != nil {
		return tenantConn{}, fmt.Errorf("create imap client: %w", err)
	}
	return tenantConn{client: client, tokens: tokens}, nil
}

// Close releases backend connections.
func (c *connector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tenant, tc := range c.tenants {
		if closer, ok := tc.client.(interface{ Close() error }); ok {
			closer.Close()
		}
		delete(c.tenants, tenant)
	}
}
