package pagination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/mailfetch/pkg/breaker"
	"github.com/Sternrassler/mailfetch/pkg/mailapi"
	"github.com/Sternrassler/mailfetch/pkg/retry"
)

// ErrNoPages is returned when listing ended before a single page was
// retrieved.
var ErrNoPages = errors.New("no list page could be retrieved; try the reset operation")

// Stop reasons reported in Result.StopReason.
const (
	StopTarget         = "target_reached"
	StopEndOfList      = "end_of_list"
	StopSinglePage     = "single_page"
	StopDeadline       = "deadline"
	StopRetryExhausted = "retry_exhausted"
	StopAuth           = "auth"
	StopRejected       = "request_rejected"
)

// Prometheus metrics for list fetching.
var (
	listPagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailfetch_list_pages_total",
		Help: "Total number of list pages by outcome",
	}, []string{"outcome"})

	listStopsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailfetch_list_stops_total",
		Help: "Total number of listing runs by stop reason",
	}, []string{"reason"})
)

// Request describes one listing run.
type Request struct {
	Query string

	// Target is the number of stubs wanted. Zero or less lists until the
	// end of the mailbox or the context deadline.
	Target int

	// PageSize is the maximum page size requested from the server.
	PageSize int

	// ResumeToken continues a previous listing.
	ResumeToken string

	// SinglePage stops after the first successful page.
	SinglePage bool

	// PageDelay is the pause between successive page requests.
	PageDelay time.Duration
}

// Result is the outcome of a listing run.
type Result struct {
	Stubs []mailapi.MessageStub

	// NextPageToken is the raw token returned with the last page, empty
	// when the list is exhausted.
	NextPageToken string

	// Pages is the number of pages successfully retrieved.
	Pages int

	// Stopped reports that listing ended early (deadline or retries
	// exhausted) with fewer stubs than available.
	Stopped    bool
	StopReason string
}

// Fetcher walks the list endpoint of one tenant.
type Fetcher struct {
	client  mailapi.Client
	breaker *breaker.Breaker
	policy  retry.Policy
}

// NewFetcher creates a list fetcher gated by b.
func NewFetcher(client mailapi.Client, b *breaker.Breaker, policy retry.Policy) *Fetcher {
	return &Fetcher{
		client:  client,
		breaker: b,
		policy:  policy,
	}
}

// Fetch lists stubs according to req. Stubs accumulated before a failure
// are always returned; the error is non-nil for an auth failure, for a
// first page rejected as a client error (bad query or token), or when no
// page was retrieved (wrapping ErrNoPages).
func (f *Fetcher) Fetch(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	sleep := f.policy.Sleep
	if sleep == nil {
		sleep = retry.Sleep
	}

	var res Result
	seen := make(map[string]struct{})
	token := req.ResumeToken

	stop := func(reason string, stopped bool) {
		res.StopReason = reason
		res.Stopped = stopped
		listStopsTotal.WithLabelValues(reason).Inc()
	}

	for {
		if err := ctx.Err(); err != nil {
			stop(StopDeadline, true)
			if res.Pages == 0 {
				return res, fmt.Errorf("%w: %w", ErrNoPages, err)
			}
			break
		}

		size := req.PageSize
		if req.Target > 0 {
			if remaining := req.Target - len(res.Stubs); remaining < size {
				size = remaining
			}
		}

		pageToken := token
		page, err := retry.Do(ctx, f.policy, func(ctx context.Context, attempt int) (mailapi.ListPage, error) {
			return breaker.Call(ctx, f.breaker, attempt, func(ctx context.Context) (mailapi.ListPage, error) {
				return f.client.ListMessages(ctx, req.Query, size, pageToken)
			})
		})
		if err != nil {
			listPagesTotal.WithLabelValues("failed").Inc()
			if mailapi.IsAuth(err) {
				stop(StopAuth, true)
				return res, err
			}

			rejected := mailapi.ClassOf(err) == mailapi.ErrorClassClient
			if rejected && res.Pages == 0 {
				stop(StopRejected, true)
				return res, err
			}

			reason := StopRetryExhausted
			switch {
			case rejected:
				reason = StopRejected
			case errors.Is(err, retry.ErrContextCancelled):
				reason = StopDeadline
			}
			stop(reason, true)

			log.Warn().
				Err(err).
				Str("tenant", f.breaker.Tenant()).
				Int("page", res.Pages+1).
				Int("accumulated", len(res.Stubs)).
				Msg("List page failed, returning accumulated stubs")

			if res.Pages == 0 {
				return res, fmt.Errorf("%w: %w", ErrNoPages, err)
			}
			break
		}

		listPagesTotal.WithLabelValues("ok").Inc()
		res.Pages++
		for _, s := range page.Stubs {
			if _, dup := seen[s.ID]; dup {
				continue
			}
			seen[s.ID] = struct{}{}
			res.Stubs = append(res.Stubs, s)
		}
		res.NextPageToken = page.NextPageToken
		token = page.NextPageToken

		log.Debug().
			Str("tenant", f.breaker.Tenant()).
			Int("page", res.Pages).
			Int("page_stubs", len(page.Stubs)).
			Int("accumulated", len(res.Stubs)).
			Bool("has_next", token != "").
			Msg("List page fetched")

		if req.Target > 0 && len(res.Stubs) >= req.Target {
			res.Stubs = res.Stubs[:req.Target]
			stop(StopTarget, false)
			break
		}
		if token == "" {
			stop(StopEndOfList, false)
			break
		}
		if req.SinglePage {
			stop(StopSinglePage, false)
			break
		}

		if req.PageDelay > 0 {
			if err := sleep(ctx, req.PageDelay); err != nil {
				stop(StopDeadline, true)
				break
			}
		}
	}

	log.Info().
		Str("tenant", f.breaker.Tenant()).
		Int("pages", res.Pages).
		Int("stubs", len(res.Stubs)).
		Str("stop_reason", res.StopReason).
		Dur("duration", time.Since(start)).
		Msg("Listing complete")

	return res, nil
}
