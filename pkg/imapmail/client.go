// Package imapmail adapts an IMAP mailbox to the mailapi.Client surface.
//
// Message IDs are UIDs of the selected mailbox. List pages run newest
// first and the page token is the lowest UID already returned, so
// messages arriving mid-session never shift later pages.
package imapmail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/mailfetch/pkg/mailapi"
	"github.com/Sternrassler/mailfetch/pkg/mimeparse"
)

const backendName = "imap"

// Config holds the IMAP connection settings.
type Config struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Mailbox  string `mapstructure:"mailbox"`

	// TLS dials with implicit TLS. Plain connections are meant for tests.
	TLS bool `mapstructure:"tls"`

	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// DefaultConfig returns a configuration for an implicit TLS server.
func DefaultConfig(addr, username string) Config {
	return Config{
		Addr:        addr,
		Username:    username,
		Mailbox:     "INBOX",
		TLS:         true,
		DialTimeout: 10 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("imap addr is required")
	}
	if c.Username == "" {
		return fmt.Errorf("imap username is required")
	}
	return nil
}

// Client implements mailapi.Client over one IMAP connection. Commands are
// serialized; the connection is re-established after a failure or a
// cancelled command.
type Client struct {
	cfg    Config
	tokens mailapi.TokenProvider
	logger zerolog.Logger

	mu   sync.Mutex
	conn *imapclient.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTokenProvider authenticates with OAUTHBEARER instead of a password.
func WithTokenProvider(p mailapi.TokenProvider) Option {
	return func(c *Client) { c.tokens = p }
}

// New creates a client. The connection is opened on first use.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	c := &Client{
		cfg:    cfg,
		logger: log.With().Str("component", "imap-client").Str("addr", cfg.Addr).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close logs out and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Logout().Wait()
	c.conn.Close()
	c.conn = nil
	return err
}

// ListMessages searches the mailbox and returns one page of UIDs, newest
// first.
func (c *Client) ListMessages(ctx context.Context, query string, pageSize int, pageToken string) (mailapi.ListPage, error) {
	start := time.Now()
	page, err := c.listMessages(ctx, query, pageSize, pageToken)
	mailapi.ObserveRequest(backendName, "list", start, err)
	return page, err
}

func (c *Client) listMessages(ctx context.Context, query string, pageSize int, pageToken string) (mailapi.ListPage, error) {
	var below imap.UID
	if pageToken != "" {
		n, err := strconv.ParseUint(pageToken, 10, 32)
		if err != nil {
			return mailapi.ListPage{}, mailapi.NewError(mailapi.ErrorClassClient, 400, "invalid page token", err)
		}
		below = imap.UID(n)
	}

	criteria, err := ParseQuery(query)
	if err != nil {
		return mailapi.ListPage{}, mailapi.NewError(mailapi.ErrorClassClient, 400, "invalid query", err)
	}

	var uids []imap.UID
	err = c.do(ctx, "search", func(conn *imapclient.Client) error {
		data, err := conn.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return err
		}
		uids = data.AllUIDs()
		return nil
	})
	if err != nil {
		return mailapi.ListPage{}, err
	}

	return pageUIDs(uids, pageSize, below), nil
}

// pageUIDs sorts uids newest first and returns up to size of those below
// the boundary (zero means no boundary).
func pageUIDs(uids []imap.UID, size int, below imap.UID) mailapi.ListPage {
	sorted := make([]imap.UID, 0, len(uids))
	for _, uid := range uids {
		if below == 0 || uid < below {
			sorted = append(sorted, uid)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })

	var page mailapi.ListPage
	if size <= 0 {
		size = len(sorted)
	}
	if len(sorted) > size {
		sorted = sorted[:size]
		page.NextPageToken = strconv.FormatUint(uint64(sorted[size-1]), 10)
	}
	page.Stubs = make([]mailapi.MessageStub, len(sorted))
	for i, uid := range sorted {
		page.Stubs[i] = mailapi.MessageStub{ID: strconv.FormatUint(uint64(uid), 10)}
	}
	return page
}

// GetMessage fetches one message by UID without setting \Seen.
func (c *Client) GetMessage(ctx context.Context, id string) (mailapi.MessageDetail, error) {
	start := time.Now()
	d, err := c.getMessage(ctx, id)
	mailapi.ObserveRequest(backendName, "get", start, err)
	return d, err
}

func (c *Client) getMessage(ctx context.Context, id string) (mailapi.MessageDetail, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return mailapi.MessageDetail{}, mailapi.NewError(mailapi.ErrorClassClient, 400, "invalid message id", err)
	}

	section := &imap.FetchItemBodySection{Peek: true}
	opts := &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		Envelope:     true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	}

	var buf *imapclient.FetchMessageBuffer
	err = c.do(ctx, "fetch", func(conn *imapclient.Client) error {
		cmd := conn.Fetch(imap.UIDSetNum(imap.UID(n)), opts)
		defer cmd.Close()

		msg := cmd.Next()
		if msg == nil {
			return cmd.Close()
		}
		b, err := msg.Collect()
		if err != nil {
			return err
		}
		buf = b
		return cmd.Close()
	})
	if err != nil {
		return mailapi.MessageDetail{}, err
	}
	if buf == nil {
		return mailapi.MessageDetail{}, mailapi.NewError(mailapi.ErrorClassClient, 404, "message not found", fmt.Errorf("uid %s", id))
	}

	return decodeBuffer(id, buf, section)
}

func decodeBuffer(id string, buf *imapclient.FetchMessageBuffer, section *imap.FetchItemBodySection) (mailapi.MessageDetail, error) {
	d := mailapi.MessageDetail{ID: id}
	for _, f := range buf.Flags {
		d.Labels = append(d.Labels, string(f))
	}

	if raw := buf.FindBodySection(section); raw != nil {
		parsed, err := mimeparse.Parse(bytes.NewReader(raw))
		if err != nil {
			return mailapi.MessageDetail{}, mailapi.NewError(mailapi.ErrorClassUnknown, 0, "parse message", err)
		}
		parsed.Apply(&d)
	}

	if env := buf.Envelope; env != nil {
		if d.Subject == "" {
			d.Subject = env.Subject
		}
		if d.Date.IsZero() {
			d.Date = env.Date
		}
		if d.From == "" && len(env.From) > 0 {
			d.From = env.From[0].Addr()
		}
	}
	if d.Date.IsZero() {
		d.Date = buf.InternalDate
	}

	return d, nil
}

// do runs fn on a live connection. When ctx ends first the connection is
// closed, which unblocks fn, and a timeout error is returned.
func (c *Client) do(ctx context.Context, op string, fn func(conn *imapclient.Client) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return mailapi.NewError(mailapi.ErrorClassTimeout, 0, op, err)
	}

	conn, err := c.connectLocked(ctx)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- fn(conn) }()

	select {
	case err := <-done:
		if err != nil {
			classified := classify(op, err)
			if mailapi.ClassOf(classified) == mailapi.ErrorClassTransient {
				c.dropLocked()
			}
			return classified
		}
		return nil
	case <-ctx.Done():
		c.dropLocked()
		<-done
		return mailapi.NewError(mailapi.ErrorClassTimeout, 0, op, ctx.Err())
	}
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// connectLocked dials, authenticates and selects the mailbox.
func (c *Client) connectLocked(ctx context.Context) (*imapclient.Client, error) {
	if c.conn != nil {
		return c.conn, nil
	}

	dialCtx := ctx
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}

	var netConn net.Conn
	var err error
	if c.cfg.TLS {
		host, _, _ := net.SplitHostPort(c.cfg.Addr)
		d := &tls.Dialer{Config: &tls.Config{ServerName: host}}
		netConn, err = d.DialContext(dialCtx, "tcp", c.cfg.Addr)
	} else {
		var d net.Dialer
		netConn, err = d.DialContext(dialCtx, "tcp", c.cfg.Addr)
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("IMAP dial failed")
		return nil, mailapi.NewError(mailapi.ErrorClassTransient, 0, "dial", err)
	}

	conn := imapclient.New(netConn, nil)

	if err := c.authenticate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}

	if _, err := conn.Select(c.cfg.Mailbox, nil).Wait(); err != nil {
		conn.Close()
		return nil, classify("select "+c.cfg.Mailbox, err)
	}

	c.logger.Debug().Str("mailbox", c.cfg.Mailbox).Msg("IMAP session established")
	c.conn = conn
	return conn, nil
}

func (c *Client) authenticate(ctx context.Context, conn *imapclient.Client) error {
	if c.tokens != nil {
		tok, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return err
		}
		saslClient := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: c.cfg.Username,
			Token:    tok,
		})
		if err := conn.Authenticate(saslClient); err != nil {
			c.logger.Warn().Err(err).Str("username", c.cfg.Username).Msg("IMAP OAUTHBEARER authentication failed")
			return mailapi.NewError(mailapi.ErrorClassAuth, 0, "authenticate", err)
		}
		return nil
	}

	if err := conn.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		c.logger.Warn().Err(err).Str("username", c.cfg.Username).Msg("IMAP login failed")
		if class := classify("login", err); mailapi.ClassOf(class) == mailapi.ErrorClassTransient {
			return class
		}
		return mailapi.NewError(mailapi.ErrorClassAuth, 0, "login", err)
	}
	return nil
}

// classify maps IMAP status responses and transport errors to classes.
func classify(op string, err error) error {
	var tagged *mailapi.Error
	if errors.As(err, &tagged) {
		return tagged
	}

	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		switch imapErr.Code {
		case imap.ResponseCodeAuthenticationFailed, imap.ResponseCodeAuthorizationFailed, imap.ResponseCodeExpired:
			return mailapi.NewError(mailapi.ErrorClassAuth, 0, op, err)
		case imap.ResponseCodeLimit:
			return mailapi.NewError(mailapi.ErrorClassRateLimit, 0, op, err)
		case imap.ResponseCodeUnavailable, imap.ResponseCodeServerBug:
			return mailapi.NewError(mailapi.ErrorClassTransient, 0, op, err)
		}
		if imapErr.Type == imap.StatusResponseTypeBad {
			return mailapi.NewError(mailapi.ErrorClassClient, 0, op, err)
		}
		return mailapi.NewError(mailapi.ErrorClassUnknown, 0, op, err)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return mailapi.NewError(mailapi.ErrorClassTimeout, 0, op, err)
	}

	// Protocol or network failure; the connection is unusable.
	return mailapi.NewError(mailapi.ErrorClassTransient, 0, op, err)
}
