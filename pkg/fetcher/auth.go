package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/mailfetch/pkg/mailapi"
)

// ErrReauthenticate marks auth failures that a token refresh could not
// resolve. The caller must re-authenticate.
var ErrReauthenticate = errors.New("credential rejected; re-authenticate")

// refreshingClient refreshes the token at most once per session. A call
// failing with an auth error is re-attempted once after the refresh; a
// second auth failure propagates as ErrReauthenticate.
type refreshingClient struct {
	next   mailapi.Client
	tokens mailapi.TokenProvider
	logger zerolog.Logger

	mu         sync.Mutex
	refreshed  bool
	refreshErr error
}

func withAuthRefresh(next mailapi.Client, tokens mailapi.TokenProvider, logger zerolog.Logger) mailapi.Client {
	if tokens == nil {
		return &refreshingClient{next: next, refreshed: true, logger: logger}
	}
	return &refreshingClient{next: next, tokens: tokens, logger: logger}
}

func (c *refreshingClient) ListMessages(ctx context.Context, query string, pageSize int, pageToken string) (mailapi.ListPage, error) {
	page, err := c.next.ListMessages(ctx, query, pageSize, pageToken)
	if !mailapi.IsAuth(err) {
		return page, err
	}
	if rerr := c.refresh(ctx, err); rerr != nil {
		return mailapi.ListPage{}, rerr
	}
	page, err = c.next.ListMessages(ctx, query, pageSize, pageToken)
	return page, reauth(err)
}

func (c *refreshingClient) GetMessage(ctx context.Context, id string) (mailapi.MessageDetail, error) {
	d, err := c.next.GetMessage(ctx, id)
	if !mailapi.IsAuth(err) {
		return d, err
	}
	if rerr := c.refresh(ctx, err); rerr != nil {
		return mailapi.MessageDetail{}, rerr
	}
	d, err = c.next.GetMessage(ctx, id)
	return d, reauth(err)
}

// refresh performs the session's single token refresh. It returns nil when
// the caller may re-attempt, or the error to propagate.
func (c *refreshingClient) refresh(ctx context.Context, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refreshed {
		if c.refreshErr == nil && c.tokens == nil {
			return reauth(cause)
		}
		return c.refreshErr
	}
	c.refreshed = true

	if _, err := c.tokens.Refresh(ctx); err != nil {
		if !mailapi.IsAuth(err) {
			err = mailapi.NewError(mailapi.ErrorClassAuth, 0, "token refresh failed", err)
		}
		c.refreshErr = reauth(err)
		c.logger.Error().Err(err).Msg("Token refresh failed")
		return c.refreshErr
	}

	c.logger.Info().Msg("Access token refreshed after auth failure")
	return nil
}

func reauth(err error) error {
	if !mailapi.IsAuth(err) || errors.Is(err, ErrReauthenticate) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrReauthenticate, err)
}
