package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/mailfetch/pkg/breaker"
	"github.com/Sternrassler/mailfetch/pkg/fetcher"
	"github.com/Sternrassler/mailfetch/pkg/metrics"
	"github.com/Sternrassler/mailfetch/pkg/pagination"
)

// resetHint is returned with every response that a circuit reset can fix.
const resetHint = "try the reset operation (POST /v1/circuit/reset)"

// engine is the part of *fetcher.Engine the handlers use.
type engine interface {
	Fetch(ctx context.Context, req fetcher.Request) (fetcher.FetchResult, error)
	ResetCircuit(ctx context.Context, tenant string) breaker.Status
	CircuitStatus(ctx context.Context, tenant string) breaker.Status
}

// errorResponse is the body of every non-2xx fetch response. Result is
// present when the session produced one.
type errorResponse struct {
	Error  string               `json:"error"`
	Hint   string               `json:"hint,omitempty"`
	Result *fetcher.FetchResult `json:"result,omitempty"`
}

// purger drops a tenant's cached details.
type purger interface {
	PurgeTenant(ctx context.Context, tenant string) (int, error)
}

// circuitResponse reports a tenant's breaker.
type circuitResponse struct {
	Tenant string `json:"tenant"`
	breaker.Status
}

// newMux routes the API. cache may be nil when no detail cache is
// configured.
func newMux(e engine, redisClient *redis.Client, cache purger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", readyHandler(redisClient))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /v1/fetch", fetchHandler(e))
	mux.HandleFunc("POST /v1/circuit/reset", resetHandler(e))
	mux.HandleFunc("GET /v1/circuit/status", statusHandler(e))
	mux.HandleFunc("DELETE /v1/cache", purgeHandler(cache))
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// readyHandler checks Redis when it is configured.
func readyHandler(redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := redisClient.Ping(ctx).Err(); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

// parseFetchRequest reads tenant, q, target, mode and page_token.
func parseFetchRequest(r *http.Request) (fetcher.Request, error) {
	q := r.URL.Query()

	req := fetcher.Request{
		Tenant:    q.Get("tenant"),
		Query:     q.Get("q"),
		PageToken: q.Get("page_token"),
	}

	mode, err := fetcher.ParseMode(q.Get("mode"))
	if err != nil {
		return req, err
	}
	req.Mode = mode

	target := q.Get("target")
	if target == "" {
		return req, fmt.Errorf("target is required")
	}
	n, err := strconv.Atoi(target)
	if err != nil {
		return req, fmt.Errorf("target must be an integer: %w", err)
	}
	req.TargetCount = n
	return req, nil
}

func fetchHandler(e engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := parseFetchRequest(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}

		res, err := e.Fetch(r.Context(), req)
		if err == nil {
			writeJSON(w, http.StatusOK, res)
			return
		}

		status, body := fetchError(err, res)
		log.Warn().
			Err(err).
			Str("tenant", req.Tenant).
			Int("status_code", status).
			Msg("Fetch request failed")
		writeJSON(w, status, body)
	}
}

// fetchError maps a session error to a status code and body.
func fetchError(err error, res fetcher.FetchResult) (int, errorResponse) {
	switch {
	case errors.Is(err, fetcher.ErrInvalidRequest):
		return http.StatusBadRequest, errorResponse{Error: err.Error()}
	case errors.Is(err, fetcher.ErrReauthenticate):
		return http.StatusUnauthorized, errorResponse{
			Error:  err.Error(),
			Hint:   "re-authenticate the account",
			Result: &res,
		}
	case errors.Is(err, pagination.ErrNoPages), errors.Is(err, breaker.ErrOpen):
		return http.StatusServiceUnavailable, errorResponse{
			Error:  err.Error(),
			Hint:   resetHint,
			Result: &res,
		}
	default:
		return http.StatusBadGateway, errorResponse{Error: err.Error(), Result: &res}
	}
}

func resetHandler(e engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := r.URL.Query().Get("tenant")
		if tenant == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "tenant is required"})
			return
		}
		status := e.ResetCircuit(r.Context(), tenant)
		writeJSON(w, http.StatusOK, circuitResponse{Tenant: tenant, Status: status})
	}
}

func statusHandler(e engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := r.URL.Query().Get("tenant")
		if tenant == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "tenant is required"})
			return
		}
		status := e.CircuitStatus(r.Context(), tenant)
		writeJSON(w, http.StatusOK, circuitResponse{Tenant: tenant, Status: status})
	}
}

func purgeHandler(cache purger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := r.URL.Query().Get("tenant")
		if tenant == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "tenant is required"})
			return
		}
		if cache == nil {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "detail cache is not configured"})
			return
		}
		n, err := cache.PurgeTenant(r.Context(), tenant)
		if err != nil {
			log.Error().Err(err).Str("tenant", tenant).Msg("Cache purge failed")
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tenant": tenant, "purged": n})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}
