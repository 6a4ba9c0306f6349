package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/mailfetch/internal/testutil"
	"github.com/Sternrassler/mailfetch/pkg/breaker"
	"github.com/Sternrassler/mailfetch/pkg/config"
	"github.com/Sternrassler/mailfetch/pkg/fetcher"
	"github.com/Sternrassler/mailfetch/pkg/imapmail"
	"github.com/Sternrassler/mailfetch/pkg/mailapi"
	"github.com/Sternrassler/mailfetch/pkg/pagination"
	"github.com/Sternrassler/mailfetch/pkg/retry"
)

var testNow = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// newTestServer wires a real engine to a scripted mailbox.
func newTestServer(t *testing.T, mb *testutil.FakeMailbox, tokens mailapi.TokenProvider) *httptest.Server {
	t.Helper()
	return newTestServerFor(t, mb, tokens)
}

func newTestServerFor(t *testing.T, client mailapi.Client, tokens mailapi.TokenProvider) *httptest.Server {
	t.Helper()

	cfg := fetcher.DefaultConfig()
	cfg.Sleep = retry.NoSleep
	cfg.ItemTimeout = time.Second

	reg := breaker.NewRegistry(breaker.DefaultConfig(), breaker.NewMemoryStore(), zerolog.Nop(),
		breaker.WithClock(func() time.Time { return testNow }))
	conn := fetcher.ConnectorFunc(func(ctx context.Context, tenant string) (mailapi.Client, mailapi.TokenProvider, error) {
		return client, tokens, nil
	})
	e, err := fetcher.New(cfg, conn, reg)
	if err != nil {
		t.Fatalf("fetcher.New() error = %v", err)
	}

	srv := httptest.NewServer(newMux(e, nil, nil))
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, method, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestReadyEndpoint_NoRedis(t *testing.T) {
	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()

	readyHandler(nil)(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 without redis, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, testutil.NewFakeMailbox(testutil.GenerateMessages(5)), nil)

	// Drive one session so the labelled series exist.
	doRequest(t, "GET", srv.URL+"/v1/fetch?tenant=alice&target=5")

	resp, body := doRequest(t, "GET", srv.URL+"/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	bodyStr := string(body)
	if !strings.Contains(bodyStr, "# HELP") || !strings.Contains(bodyStr, "# TYPE") {
		t.Error("Expected Prometheus format metrics output")
	}
	for _, name := range []string{"mailfetch_sessions_total", "mailfetch_list_pages_total", "mailfetch_detail_requests_total"} {
		if !strings.Contains(bodyStr, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}
}

func TestFetchEndpoint_Success(t *testing.T) {
	srv := newTestServer(t, testutil.NewFakeMailbox(testutil.GenerateMessages(30)), nil)

	resp, body := doRequest(t, "GET", srv.URL+"/v1/fetch?tenant=alice&target=20&q=in:inbox")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}

	var res fetcher.FetchResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.TotalFetched != 20 || res.IsPartial || len(res.Messages) != 20 {
		t.Errorf("result = fetched %d partial %v messages %d", res.TotalFetched, res.IsPartial, len(res.Messages))
	}
	if res.SessionID == "" {
		t.Error("missing session id")
	}
	if res.NextPageToken != nil {
		t.Errorf("fetch-all must not return a page token, got %q", *res.NextPageToken)
	}
}

func TestFetchEndpoint_SinglePageReturnsToken(t *testing.T) {
	srv := newTestServer(t, testutil.NewFakeMailbox(testutil.GenerateMessages(30)), nil)

	resp, body := doRequest(t, "GET", srv.URL+"/v1/fetch?tenant=alice&target=10&mode=single-page")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var res fetcher.FetchResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.NextPageToken == nil || *res.NextPageToken == "" {
		t.Fatal("expected next page token")
	}

	resp, body = doRequest(t, "GET", srv.URL+"/v1/fetch?tenant=alice&target=10&mode=single-page&page_token="+*res.NextPageToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume status = %d, body = %s", resp.StatusCode, body)
	}
	var next fetcher.FetchResult
	if err := json.Unmarshal(body, &next); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(next.Messages) == 0 || next.Messages[0].ID == res.Messages[0].ID {
		t.Errorf("resumed page should start after the first page")
	}
}

func TestFetchEndpoint_BadRequests(t *testing.T) {
	srv := newTestServer(t, testutil.NewFakeMailbox(nil), nil)

	tests := []struct {
		name  string
		query string
	}{
		{name: "missing target", query: "tenant=alice"},
		{name: "non numeric target", query: "tenant=alice&target=ten"},
		{name: "unknown mode", query: "tenant=alice&target=5&mode=stream"},
		{name: "missing tenant", query: "target=5"},
		{name: "zero target", query: "tenant=alice&target=0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doRequest(t, "GET", srv.URL+"/v1/fetch?"+tt.query)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %s)", resp.StatusCode, body)
			}
		})
	}
}

func TestFetchEndpoint_InvalidIMAPQuery(t *testing.T) {
	client, err := imapmail.New(imapmail.Config{Addr: "localhost:1", Username: "alice"})
	if err != nil {
		t.Fatalf("imapmail.New() error = %v", err)
	}
	srv := newTestServerFor(t, client, nil)

	resp, body := doRequest(t, "GET", srv.URL+"/v1/fetch?tenant=alice&target=5&q=is:foo")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (body %s)", resp.StatusCode, body)
	}
	if strings.Contains(string(body), "reset") {
		t.Errorf("body = %s, a bad query must not suggest a circuit reset", body)
	}

	resp, body = doRequest(t, "GET", srv.URL+"/v1/circuit/status?tenant=alice")
	var status breaker.Status
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("decode status: %v (status %d)", err, resp.StatusCode)
	}
	if status != (breaker.Status{}) {
		t.Errorf("status = %+v, a bad query must not touch the breaker", status)
	}
}

func TestFetchEndpoint_QuotaExhaustionThenReset(t *testing.T) {
	mb := testutil.NewFakeMailbox(testutil.GenerateMessages(10))
	mb.ListErrors = testutil.QuotaErrors(5)
	srv := newTestServer(t, mb, nil)

	resp, body := doRequest(t, "GET", srv.URL+"/v1/fetch?tenant=alice&target=10")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 (body %s)", resp.StatusCode, body)
	}
	var er errorResponse
	if err := json.Unmarshal(body, &er); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(er.Hint, "reset") {
		t.Errorf("hint = %q, want reset guidance", er.Hint)
	}
	if er.Result == nil || !er.Result.IsPartial || er.Result.TotalFetched != 0 {
		t.Errorf("expected empty partial result, got %+v", er.Result)
	}

	_, body = doRequest(t, "GET", srv.URL+"/v1/circuit/status?tenant=alice")
	var status circuitResponse
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.IsOpen || !status.IsHeavy {
		t.Errorf("status = %+v, want open and heavy", status)
	}

	resp, body = doRequest(t, "POST", srv.URL+"/v1/circuit/reset?tenant=alice")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset status = %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("decode reset: %v", err)
	}
	if status.IsOpen || status.IsHeavy || status.ConsecutiveErrors != 0 {
		t.Errorf("after reset = %+v, want cleared", status)
	}

	mb.ListErrors = nil
	resp, body = doRequest(t, "GET", srv.URL+"/v1/fetch?tenant=alice&target=10")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("fetch after reset status = %d (body %s)", resp.StatusCode, body)
	}
}

func TestFetchEndpoint_AuthFailure(t *testing.T) {
	mb := testutil.NewFakeMailbox(testutil.GenerateMessages(10))
	mb.ListErrors = []error{
		mailapi.NewError(mailapi.ErrorClassAuth, 401, "invalid credentials", nil),
		mailapi.NewError(mailapi.ErrorClassAuth, 401, "invalid credentials", nil),
	}
	tokens := &testutil.FakeTokens{Token: "t", RefreshErr: mailapi.NewError(mailapi.ErrorClassAuth, 400, "invalid_grant", nil)}
	srv := newTestServer(t, mb, tokens)

	resp, body := doRequest(t, "GET", srv.URL+"/v1/fetch?tenant=alice&target=10")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 (body %s)", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "re-authenticate") {
		t.Errorf("body = %s, want re-authenticate guidance", body)
	}
}

func TestCircuitEndpoints_RequireTenant(t *testing.T) {
	srv := newTestServer(t, testutil.NewFakeMailbox(nil), nil)

	for _, tc := range []struct{ method, path string }{
		{"GET", "/v1/circuit/status"},
		{"POST", "/v1/circuit/reset"},
	} {
		resp, _ := doRequest(t, tc.method, srv.URL+tc.path)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s %s status = %d, want 400", tc.method, tc.path, resp.StatusCode)
		}
	}

	resp, _ := doRequest(t, "GET", srv.URL+"/v1/circuit/reset?tenant=alice")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET reset status = %d, want 405", resp.StatusCode)
	}
}

func TestPurgeEndpoint_NoCache(t *testing.T) {
	srv := newTestServer(t, testutil.NewFakeMailbox(nil), nil)

	resp, _ := doRequest(t, "DELETE", srv.URL+"/v1/cache?tenant=alice")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 without a cache", resp.StatusCode)
	}
	resp, _ = doRequest(t, "DELETE", srv.URL+"/v1/cache")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 without tenant", resp.StatusCode)
	}
}

type fakePurger struct {
	tenant string
	n      int
	err    error
}

func (f *fakePurger) PurgeTenant(ctx context.Context, tenant string) (int, error) {
	f.tenant = tenant
	return f.n, f.err
}

func TestPurgeHandler(t *testing.T) {
	tests := []struct {
		name       string
		purger     *fakePurger
		wantStatus int
	}{
		{name: "purged", purger: &fakePurger{n: 4}, wantStatus: http.StatusOK},
		{name: "redis failure", purger: &fakePurger{err: errors.New("connection refused")}, wantStatus: http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("DELETE", "/v1/cache?tenant=alice", nil)
			w := httptest.NewRecorder()

			purgeHandler(tt.purger)(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.purger.tenant != "alice" {
				t.Errorf("purged tenant = %q, want alice", tt.purger.tenant)
			}
		})
	}
}

func TestFetchError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantResult bool
	}{
		{name: "invalid request", err: fetcher.ErrInvalidRequest, wantStatus: http.StatusBadRequest},
		{name: "reauthenticate", err: fetcher.ErrReauthenticate, wantStatus: http.StatusUnauthorized, wantResult: true},
		{name: "no pages", err: pagination.ErrNoPages, wantStatus: http.StatusServiceUnavailable, wantResult: true},
		{name: "breaker open", err: breaker.ErrOpen, wantStatus: http.StatusServiceUnavailable, wantResult: true},
		{name: "other", err: errors.New("boom"), wantStatus: http.StatusBadGateway, wantResult: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := fetchError(tt.err, fetcher.FetchResult{IsPartial: true})
			if status != tt.wantStatus {
				t.Errorf("status = %d, want %d", status, tt.wantStatus)
			}
			if (body.Result != nil) != tt.wantResult {
				t.Errorf("result present = %v, want %v", body.Result != nil, tt.wantResult)
			}
		})
	}
}

func TestConnector_MemoizesPerTenant(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = config.BackendIMAP
	cfg.IMAP.Addr = "imap.example.com:993"
	cfg.IMAP.Password = "secret"

	conn := newConnector(cfg, nil)
	defer conn.Close()

	a1, tokens, err := conn.Connect(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if tokens != nil {
		t.Error("password login should not have a token provider")
	}
	a2, _, _ := conn.Connect(context.Background(), "alice")
	b, _, _ := conn.Connect(context.Background(), "bob")

	if a1 != a2 {
		t.Error("same tenant should reuse its client")
	}
	if a1 == b {
		t.Error("tenants must not share a client")
	}
}
