// Package gmail adapts the Gmail REST API to the mailapi.Client surface.
// Details are requested in raw format and parsed locally so that Gmail and
// IMAP produce identical message shapes.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Sternrassler/mailfetch/pkg/mailapi"
	"github.com/Sternrassler/mailfetch/pkg/mimeparse"
)

const (
	backendName = "gmail"

	// MaxPageSize is the largest maxResults the list endpoint accepts.
	MaxPageSize = 500

	// DefaultUser addresses the authenticated account.
	DefaultUser = "me"
)

// Client implements mailapi.Client over the Gmail API.
type Client struct {
	svc    *gmailv1.Service
	user   string
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a Gmail client. Pass option.WithTokenSource (see
// TokenSource) for production use.
func New(ctx context.Context, opts ...option.ClientOption) (*Client, error) {
	svc, err := gmailv1.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return NewFromService(svc), nil
}

// NewFromService wraps an existing Gmail service.
func NewFromService(svc *gmailv1.Service) *Client {
	return &Client{
		svc:    svc,
		user:   DefaultUser,
		logger: log.With().Str("component", "gmail-client").Logger(),
		now:    time.Now,
	}
}

// ListMessages returns one page of message stubs matching query.
func (c *Client) ListMessages(ctx context.Context, query string, pageSize int, pageToken string) (mailapi.ListPage, error) {
	start := time.Now()
	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	call := c.svc.Users.Messages.List(c.user).MaxResults(int64(pageSize))
	if query != "" {
		call = call.Q(query)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	res, err := call.Context(ctx).Do()
	if err != nil {
		err = c.classify(ctx, "list messages", err)
		mailapi.ObserveRequest(backendName, "list", start, err)
		return mailapi.ListPage{}, err
	}
	mailapi.ObserveRequest(backendName, "list", start, nil)

	page := mailapi.ListPage{
		Stubs:         make([]mailapi.MessageStub, 0, len(res.Messages)),
		NextPageToken: res.NextPageToken,
	}
	for _, m := range res.Messages {
		if m == nil || m.Id == "" {
			continue
		}
		page.Stubs = append(page.Stubs, mailapi.MessageStub{ID: m.Id, ThreadID: m.ThreadId})
	}

	c.logger.Debug().
		Int("stubs", len(page.Stubs)).
		Bool("has_next", page.NextPageToken != "").
		Msg("List page received")

	return page, nil
}

// GetMessage fetches and parses one message.
func (c *Client) GetMessage(ctx context.Context, id string) (mailapi.MessageDetail, error) {
	start := time.Now()

	msg, err := c.svc.Users.Messages.Get(c.user, id).Format("raw").Context(ctx).Do()
	if err != nil {
		err = c.classify(ctx, "get message", err)
		mailapi.ObserveRequest(backendName, "get", start, err)
		return mailapi.MessageDetail{}, err
	}
	mailapi.ObserveRequest(backendName, "get", start, nil)

	return decodeMessage(msg)
}

// decodeMessage converts a raw-format Gmail message to a detail.
func decodeMessage(msg *gmailv1.Message) (mailapi.MessageDetail, error) {
	d := mailapi.MessageDetail{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Snippet:  msg.Snippet,
		Labels:   msg.LabelIds,
	}

	if msg.Raw != "" {
		raw, err := decodeRaw(msg.Raw)
		if err != nil {
			return mailapi.MessageDetail{}, mailapi.NewError(mailapi.ErrorClassUnknown, 0, "decode raw message", err)
		}
		parsed, err := mimeparse.Parse(strings.NewReader(string(raw)))
		if err != nil {
			return mailapi.MessageDetail{}, mailapi.NewError(mailapi.ErrorClassUnknown, 0, "parse raw message", err)
		}
		parsed.Apply(&d)
	}

	if d.Date.IsZero() && msg.InternalDate > 0 {
		d.Date = time.UnixMilli(msg.InternalDate).UTC()
	}

	return d, nil
}

// decodeRaw accepts both padded and unpadded base64url.
func decodeRaw(s string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// classify converts a Gmail API or transport error into a *mailapi.Error.
func (c *Client) classify(ctx context.Context, msg string, err error) error {
	classified := c.classifyErr(ctx, msg, err)
	c.logger.Debug().
		Err(err).
		Str("error_class", string(mailapi.ClassOf(classified))).
		Msg("Gmail request failed")
	return classified
}

func (c *Client) classifyErr(ctx context.Context, msg string, err error) error {
	// Already tagged, e.g. a token provider failure surfaced by the transport.
	var tagged *mailapi.Error
	if errors.As(err, &tagged) {
		return tagged
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		reason := ""
		if len(apiErr.Errors) > 0 {
			reason = apiErr.Errors[0].Reason
		}
		if reason == "" {
			reason = apiErr.Message
		}
		e := mailapi.NewError(mailapi.ClassifyStatus(apiErr.Code, reason), apiErr.Code, msg, err)
		e.RetryAfter = mailapi.ParseRetryAfter(apiErr.Header.Get("Retry-After"), c.now())
		return e
	}

	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return mailapi.NewError(mailapi.ErrorClassTimeout, 0, msg, err)
	}

	// Anything else failed in transit.
	return mailapi.NewError(mailapi.ErrorClassTransient, 0, msg, err)
}

// TokenSource exposes a token provider as an oauth2.TokenSource. The
// provider is consulted on every request so a refresh made by the engine
// takes effect immediately.
func TokenSource(ctx context.Context, p mailapi.TokenProvider) oauth2.TokenSource {
	return &providerSource{ctx: ctx, provider: p}
}

type providerSource struct {
	ctx      context.Context
	provider mailapi.TokenProvider
}

func (s *providerSource) Token() (*oauth2.Token, error) {
	tok, err := s.provider.AccessToken(s.ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: tok, TokenType: "Bearer"}, nil
}

// NewWithProvider creates a client authenticating through p. Extra options
// such as option.WithEndpoint are applied after the credential.
func NewWithProvider(ctx context.Context, p mailapi.TokenProvider, opts ...option.ClientOption) (*Client, error) {
	// oauth2.NewClient would cache the first token indefinitely.
	hc := &http.Client{Transport: &oauth2.Transport{
		Source: TokenSource(ctx, p),
		Base:   http.DefaultTransport,
	}}
	all := append([]option.ClientOption{option.WithHTTPClient(hc)}, opts...)
	return New(ctx, all...)
}
