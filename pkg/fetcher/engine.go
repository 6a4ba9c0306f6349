package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sternrassler/mailfetch/pkg/breaker"
	"github.com/Sternrassler/mailfetch/pkg/logging"
	"github.com/Sternrassler/mailfetch/pkg/mailapi"
	"github.com/Sternrassler/mailfetch/pkg/pagination"
)

const tracerName = "github.com/Sternrassler/mailfetch/pkg/fetcher"

// ErrInvalidRequest wraps request validation failures.
var ErrInvalidRequest = errors.New("invalid request")

// Connector resolves the mail client and token provider of a tenant. The
// token provider may be nil when the backend cannot refresh credentials.
type Connector interface {
	Connect(ctx context.Context, tenant string) (mailapi.Client, mailapi.TokenProvider, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, tenant string) (mailapi.Client, mailapi.TokenProvider, error)

// Connect implements Connector.
func (f ConnectorFunc) Connect(ctx context.Context, tenant string) (mailapi.Client, mailapi.TokenProvider, error) {
	return f(ctx, tenant)
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache enables the cross-session detail cache.
func WithCache(c DetailCache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine runs fetch sessions against per-tenant breakers.
type Engine struct {
	cfg      Config
	conn     Connector
	breakers *breaker.Registry
	cache    DetailCache
	logger   zerolog.Logger
	tracer   trace.Tracer
}

// New creates an engine.
func New(cfg Config, conn Connector, breakers *breaker.Registry, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if conn == nil {
		return nil, fmt.Errorf("connector is required")
	}
	if breakers == nil {
		return nil, fmt.Errorf("breaker registry is required")
	}
	if cfg.Sleep != nil {
		cfg.ListPolicy.Sleep = cfg.Sleep
		cfg.DetailPolicy.Sleep = cfg.Sleep
	}

	e := &Engine{
		cfg:      cfg,
		conn:     conn,
		breakers: breakers,
		logger:   zerolog.Nop(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Fetch runs one session. The result is always populated; see the package
// documentation for when the error is non-nil.
func (e *Engine) Fetch(ctx context.Context, req Request) (FetchResult, error) {
	if err := req.Validate(e.cfg.MaxTarget); err != nil {
		return FetchResult{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if req.Mode == "" {
		req.Mode = ModeFetchAll
	}

	start := time.Now()
	sessionID := uuid.NewString()
	logger := logging.ForSession(e.logger, logging.Session{
		Tenant: req.Tenant,
		ID:     sessionID,
		Mode:   string(req.Mode),
	})

	ctx, span := e.tracer.Start(ctx, "mailfetch.session", trace.WithAttributes(
		attribute.String("mailfetch.session_id", sessionID),
		attribute.String("mailfetch.tenant", req.Tenant),
		attribute.String("mailfetch.mode", string(req.Mode)),
		attribute.Int("mailfetch.target", req.TargetCount),
	))
	defer span.End()

	sessCtx, cancel := context.WithTimeout(ctx, e.cfg.SessionTimeout)
	defer cancel()

	res, err := e.run(sessCtx, req, logger)
	res.SessionID = sessionID

	outcome := "complete"
	switch {
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case res.IsPartial:
		outcome = "partial"
	}
	sessionsTotal.WithLabelValues(string(req.Mode), outcome).Inc()
	sessionDurationSeconds.WithLabelValues(string(req.Mode)).Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("mailfetch.total_fetched", res.TotalFetched),
		attribute.Int("mailfetch.failed", res.Failed),
		attribute.Bool("mailfetch.partial", res.IsPartial),
	)

	event := logger.Info()
	if err != nil {
		event = logger.Error().Err(err)
	}
	event.
		Int("target", req.TargetCount).
		Int("total_fetched", res.TotalFetched).
		Int("failed", res.Failed).
		Bool("is_partial", res.IsPartial).
		Dur("duration", time.Since(start)).
		Msg("Fetch session complete")

	return res, err
}

func (e *Engine) run(ctx context.Context, req Request, logger zerolog.Logger) (FetchResult, error) {
	empty := Aggregate(nil, req.TargetCount, req.Mode, "")

	b := e.breakers.Get(ctx, req.Tenant)
	client, tokens, err := e.conn.Connect(ctx, req.Tenant)
	if err != nil {
		return empty, fmt.Errorf("connect: %w", reauth(err))
	}
	client = withAuthRefresh(client, tokens, logger)

	plan := PlanFor(b.Current(ctx), e.cfg.Plans)
	planName := "normal"
	if plan.Heavy {
		planName = "heavy"
	}
	planSelectionsTotal.WithLabelValues(planName).Inc()
	logger.Debug().
		Str("plan", planName).
		Int("page_size", plan.PageSize).
		Int("detail_concurrency", plan.DetailConcurrency).
		Dur("inter_batch_delay", plan.InterBatchDelay).
		Msg("Batch plan selected")

	// LISTING
	listReq := pagination.Request{
		Query:       req.Query,
		Target:      req.TargetCount,
		PageSize:    plan.PageSize,
		ResumeToken: req.PageToken,
		SinglePage:  req.Mode == ModeSinglePage,
		PageDelay:   plan.PageDelay,
	}
	if listReq.SinglePage && req.TargetCount < plan.PageSize {
		listReq.PageSize = req.TargetCount
	}

	listCtx, listSpan := e.tracer.Start(ctx, "mailfetch.list", trace.WithAttributes(
		attribute.Int("mailfetch.page_size", listReq.PageSize),
		attribute.Bool("mailfetch.heavy", plan.Heavy),
	))
	listed, err := pagination.NewFetcher(client, b, e.cfg.ListPolicy).Fetch(listCtx, listReq)
	listSpan.SetAttributes(
		attribute.Int("mailfetch.pages", listed.Pages),
		attribute.Int("mailfetch.stubs", len(listed.Stubs)),
		attribute.String("mailfetch.stop_reason", listed.StopReason),
	)
	listSpan.End()
	if err != nil {
		if mailapi.ClassOf(err) == mailapi.ErrorClassClient {
			return empty, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		return empty, reauth(err)
	}

	stubs := DedupeStubs(listed.Stubs)

	// DETAILING
	detailCtx, detailSpan := e.tracer.Start(ctx, "mailfetch.details", trace.WithAttributes(
		attribute.Int("mailfetch.stubs", len(stubs)),
		attribute.Int("mailfetch.concurrency", plan.DetailConcurrency),
	))
	pool := NewDetailPool(client, b, e.cfg.DetailPolicy, e.cache, e.cfg.ItemTimeout, logger)
	details, err := pool.Fetch(detailCtx, stubs, plan)
	detailSpan.SetAttributes(
		attribute.Int("mailfetch.batches", details.Batches),
		attribute.Bool("mailfetch.stopped", details.Stopped),
	)
	detailSpan.End()

	// AGGREGATE
	res := Aggregate(details.Details, req.TargetCount, req.Mode, listed.NextPageToken)
	if err != nil {
		return res, reauth(err)
	}
	return res, nil
}

// ResetCircuit performs an emergency reset of tenant's breaker.
func (e *Engine) ResetCircuit(ctx context.Context, tenant string) breaker.Status {
	status := e.breakers.Reset(ctx, tenant)
	e.logger.Warn().Str("tenant", tenant).Msg("Circuit reset requested")
	return status
}

// CircuitStatus returns the breaker status of tenant.
func (e *Engine) CircuitStatus(ctx context.Context, tenant string) breaker.Status {
	return e.breakers.Status(ctx, tenant)
}

// IsHardFailure reports whether err from Fetch requires caller action.
func IsHardFailure(err error) bool {
	return errors.Is(err, ErrReauthenticate) || errors.Is(err, pagination.ErrNoPages) || mailapi.IsAuth(err)
}
