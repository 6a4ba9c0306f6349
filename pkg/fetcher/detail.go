package fetcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/mailfetch/pkg/breaker"
	"github.com/Sternrassler/mailfetch/pkg/mailapi"
	"github.com/Sternrassler/mailfetch/pkg/retry"
)

// DetailCache stores resolved details across sessions.
type DetailCache interface {
	GetDetail(ctx context.Context, tenant, id string) (mailapi.MessageDetail, bool)
	PutDetail(ctx context.Context, tenant string, d mailapi.MessageDetail)
}

// DetailOutcome is the result of the detailing phase.
type DetailOutcome struct {
	// Details holds one entry per attempted stub, placeholders included.
	Details []mailapi.MessageDetail

	Batches int

	// Stopped reports that the session deadline ended detailing before
	// every stub was attempted.
	Stopped bool
}

// DetailPool resolves stubs into details in sequential batches. Items in a
// batch run concurrently; a failing item never cancels its siblings.
type DetailPool struct {
	client      mailapi.Client
	breaker     *breaker.Breaker
	policy      retry.Policy
	cache       DetailCache
	itemTimeout time.Duration
	logger      zerolog.Logger
}

// NewDetailPool creates a pool. cache may be nil.
func NewDetailPool(client mailapi.Client, b *breaker.Breaker, policy retry.Policy, cache DetailCache, itemTimeout time.Duration, logger zerolog.Logger) *DetailPool {
	return &DetailPool{
		client:      client,
		breaker:     b,
		policy:      policy,
		cache:       cache,
		itemTimeout: itemTimeout,
		logger:      logger,
	}
}

// Fetch resolves stubs according to plan. ctx carries the session
// deadline, checked before each batch. An auth failure of any item is
// returned once its batch has completed, together with everything
// resolved so far.
func (p *DetailPool) Fetch(ctx context.Context, stubs []mailapi.MessageStub, plan BatchPlan) (DetailOutcome, error) {
	var out DetailOutcome
	size := plan.DetailConcurrency
	if size < 1 {
		size = 1
	}
	sleep := p.policy.Sleep
	if sleep == nil {
		sleep = retry.Sleep
	}

	for start := 0; start < len(stubs); start += size {
		if start > 0 && plan.InterBatchDelay > 0 {
			if err := sleep(ctx, plan.InterBatchDelay); err != nil {
				out.Stopped = true
				break
			}
		}
		if ctx.Err() != nil {
			out.Stopped = true
			break
		}

		end := start + size
		if end > len(stubs) {
			end = len(stubs)
		}
		batch := stubs[start:end]
		out.Batches++
		detailBatchesTotal.Inc()

		results := make([]mailapi.MessageDetail, len(batch))
		var (
			authMu  sync.Mutex
			authErr error
		)

		var g errgroup.Group
		g.SetLimit(size)
		for i, stub := range batch {
			g.Go(func() error {
				d, err := p.fetchOne(ctx, stub)
				results[i] = d
				if mailapi.IsAuth(err) {
					authMu.Lock()
					if authErr == nil {
						authErr = err
					}
					authMu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()

		out.Details = append(out.Details, results...)

		p.logger.Debug().
			Int("batch", out.Batches).
			Int("batch_size", len(batch)).
			Int("resolved", len(out.Details)).
			Int("remaining", len(stubs)-end).
			Msg("Detail batch complete")

		if authErr != nil {
			return out, authErr
		}
	}

	if out.Stopped {
		p.logger.Warn().
			Int("resolved", len(out.Details)).
			Int("requested", len(stubs)).
			Msg("Session deadline reached, returning partial details")
	}
	return out, nil
}

// fetchOne resolves one stub. It never returns a zero detail: failures
// yield a placeholder alongside the error.
func (p *DetailPool) fetchOne(ctx context.Context, stub mailapi.MessageStub) (mailapi.MessageDetail, error) {
	tenant := p.breaker.Tenant()
	if p.cache != nil {
		if d, ok := p.cache.GetDetail(ctx, tenant, stub.ID); ok {
			detailRequestsTotal.WithLabelValues("cached").Inc()
			return d, nil
		}
	}

	itemCtx, cancel := context.WithTimeout(ctx, p.itemTimeout)
	defer cancel()

	d, err := retry.Do(itemCtx, p.policy, func(ctx context.Context, attempt int) (mailapi.MessageDetail, error) {
		return breaker.Call(ctx, p.breaker, attempt, func(ctx context.Context) (mailapi.MessageDetail, error) {
			return p.client.GetMessage(ctx, stub.ID)
		})
	})
	if err != nil {
		detailRequestsTotal.WithLabelValues("placeholder").Inc()
		p.logger.Warn().
			Err(err).
			Str("message_id", stub.ID).
			Str("error_class", string(mailapi.ClassOf(err))).
			Msg("Detail fetch failed, using placeholder")
		return mailapi.Placeholder(stub, err), err
	}

	if d.ID == "" {
		d.ID = stub.ID
	}
	if d.ThreadID == "" {
		d.ThreadID = stub.ThreadID
	}
	detailRequestsTotal.WithLabelValues("ok").Inc()
	if p.cache != nil {
		p.cache.PutDetail(ctx, tenant, d)
	}
	return d, nil
}
