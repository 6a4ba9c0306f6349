package testutil

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// gmailPrefix is the path prefix of the Gmail REST API messages collection.
const gmailPrefix = "/gmail/v1/users/me/messages"

// MockGmailResponse defines a canned response for a mock Gmail endpoint.
type MockGmailResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockGmailMessage is one message served by MockGmail.
type MockGmailMessage struct {
	ID           string
	ThreadID     string
	Raw          string
	LabelIDs     []string
	Snippet      string
	InternalDate time.Time
}

// MockGmail is a configurable mock of the Gmail REST API for testing the
// Gmail adapter. Page tokens are offsets into Messages.
type MockGmail struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	Messages []MockGmailMessage

	// Tracking
	RequestCount     int
	ListRequestCount int
	last             MockGmailRequest
}

// MockGmailRequest captures the parameters of the most recent request.
type MockGmailRequest struct {
	Query         string
	MaxResults    int
	Format        string
	Authorization string
}

// NewMockGmail creates a mock Gmail server serving msgs.
func NewMockGmail(msgs ...MockGmailMessage) *MockGmail {
	mock := &MockGmail{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
		Messages: msgs,
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.last.Authorization = r.Header.Get("Authorization")
		mock.mu.Unlock()

		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()

		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL with a trailing slash, suitable as a
// client endpoint.
func (m *MockGmail) URL() string {
	return m.server.URL + "/"
}

// Close shuts down the mock server.
func (m *MockGmail) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockGmail) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.ListRequestCount = 0
	m.last = MockGmailRequest{}
}

// SetHandler sets a custom handler for a specific path.
func (m *MockGmail) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a canned response for a path.
func (m *MockGmail) SetResponse(path string, resp MockGmailResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			select {
			case <-time.After(resp.Delay):
			case <-r.Context().Done():
				return
			}
		}

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}

		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetListResponse configures the list endpoint.
func (m *MockGmail) SetListResponse(resp MockGmailResponse) {
	m.SetResponse(gmailPrefix, resp)
}

// SetMessageResponse configures the get endpoint for one message ID.
func (m *MockGmail) SetMessageResponse(id string, resp MockGmailResponse) {
	m.SetResponse(gmailPrefix+"/"+id, resp)
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockGmail) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// Last returns the parameters of the most recent request.
func (m *MockGmail) Last() MockGmailRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// GetListRequestCount returns the number of list requests served by the
// default handler.
func (m *MockGmail) GetListRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ListRequestCount
}

// defaultHandler serves list and get requests from Messages.
func (m *MockGmail) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	switch {
	case r.URL.Path == gmailPrefix:
		m.serveList(w, r)
	case strings.HasPrefix(r.URL.Path, gmailPrefix+"/"):
		m.serveGet(w, r, strings.TrimPrefix(r.URL.Path, gmailPrefix+"/"))
	default:
		writeJSON(w, http.StatusNotFound, apiError(http.StatusNotFound, "notFound", "Not Found"))
	}
}

func (m *MockGmail) serveList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	size, _ := strconv.Atoi(q.Get("maxResults"))
	if size <= 0 {
		size = 100
	}
	offset, _ := strconv.Atoi(q.Get("pageToken"))

	m.mu.Lock()
	m.ListRequestCount++
	m.last.Query = q.Get("q")
	m.last.MaxResults = size
	msgs := m.Messages
	m.mu.Unlock()

	if offset > len(msgs) {
		offset = len(msgs)
	}
	end := offset + size
	if end > len(msgs) {
		end = len(msgs)
	}

	type ref struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId,omitempty"`
	}
	resp := struct {
		Messages           []ref  `json:"messages,omitempty"`
		NextPageToken      string `json:"nextPageToken,omitempty"`
		ResultSizeEstimate int    `json:"resultSizeEstimate"`
	}{ResultSizeEstimate: len(msgs)}
	for _, msg := range msgs[offset:end] {
		resp.Messages = append(resp.Messages, ref{ID: msg.ID, ThreadID: msg.ThreadID})
	}
	if end < len(msgs) {
		resp.NextPageToken = strconv.Itoa(end)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (m *MockGmail) serveGet(w http.ResponseWriter, r *http.Request, id string) {
	m.mu.Lock()
	m.last.Format = r.URL.Query().Get("format")
	var found *MockGmailMessage
	for i := range m.Messages {
		if m.Messages[i].ID == id {
			found = &m.Messages[i]
			break
		}
	}
	m.mu.Unlock()

	if found == nil {
		writeJSON(w, http.StatusNotFound, apiError(http.StatusNotFound, "notFound", "Requested entity was not found."))
		return
	}

	resp := map[string]any{
		"id":       found.ID,
		"threadId": found.ThreadID,
		"labelIds": found.LabelIDs,
		"snippet":  found.Snippet,
		"raw":      base64.URLEncoding.EncodeToString([]byte(found.Raw)),
	}
	if !found.InternalDate.IsZero() {
		resp["internalDate"] = strconv.FormatInt(found.InternalDate.UnixMilli(), 10)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func apiError(code int, reason, message string) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"errors": []map[string]string{
				{"reason": reason, "message": message, "domain": "global"},
			},
		},
	}
}

func apiErrorBody(code int, reason, message string) string {
	b, _ := json.Marshal(apiError(code, reason, message))
	return string(b)
}

// NewRateLimitResponse creates a 429 response carrying a Retry-After hint.
func NewRateLimitResponse(retryAfter int) MockGmailResponse {
	resp := MockGmailResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       apiErrorBody(http.StatusTooManyRequests, "rateLimitExceeded", "Rate Limit Exceeded"),
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
	if retryAfter > 0 {
		resp.Headers["Retry-After"] = strconv.Itoa(retryAfter)
	}
	return resp
}

// NewQuotaForbiddenResponse creates a 403 response with a per-user rate
// limit reason.
func NewQuotaForbiddenResponse() MockGmailResponse {
	return MockGmailResponse{
		StatusCode: http.StatusForbidden,
		Body:       apiErrorBody(http.StatusForbidden, "userRateLimitExceeded", "User-rate limit exceeded"),
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewUnauthorizedResponse creates a 401 response.
func NewUnauthorizedResponse() MockGmailResponse {
	return MockGmailResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       apiErrorBody(http.StatusUnauthorized, "authError", "Invalid Credentials"),
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewServerErrorResponse creates a 503 response.
func NewServerErrorResponse() MockGmailResponse {
	return MockGmailResponse{
		StatusCode: http.StatusServiceUnavailable,
		Body:       apiErrorBody(http.StatusServiceUnavailable, "backendError", "Backend Error"),
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// RawMessage builds a minimal RFC 5322 message for fixtures.
func RawMessage(from, to, subject string, date time.Time, body string) string {
	return fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nDate: %s\r\nMessage-Id: <%d@example.test>\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		from, to, subject, date.Format(time.RFC1123Z), date.UnixNano(), body)
}
