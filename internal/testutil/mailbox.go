// Package testutil provides testing utilities for the mail fetch engine.
package testutil

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Sternrassler/mailfetch/pkg/mailapi"
)

// ListRequest records one ListMessages call.
type ListRequest struct {
	Query     string
	PageSize  int
	PageToken string
}

// FakeMailbox is a scripted in-process mail backend implementing
// mailapi.Client. Page tokens are offsets into Messages.
type FakeMailbox struct {
	mu sync.Mutex

	// Messages in list order (newest first).
	Messages []mailapi.MessageDetail

	// MaxPageSize caps the page size the "server" honours. Zero means no cap.
	MaxPageSize int

	// Overlap makes each page repeat the last Overlap stubs of the
	// previous page.
	Overlap int

	// ListErrors are returned by successive ListMessages calls before any
	// page is served.
	ListErrors []error

	// FailAfterPages makes every ListMessages call after that many served
	// pages return PageFailure. Zero disables it.
	FailAfterPages int
	PageFailure    error

	// GetErrors are returned by successive GetMessage calls per ID.
	GetErrors map[string][]error

	// GetDelay blocks GetMessage for an ID until the delay elapses or ctx
	// is done.
	GetDelay map[string]time.Duration

	// Tracking
	ListRequests []ListRequest
	GetCalls     map[string]int
	Cancelled    map[string]int
	pagesServed  int
}

// NewFakeMailbox creates a mailbox serving msgs.
func NewFakeMailbox(msgs []mailapi.MessageDetail) *FakeMailbox {
	return &FakeMailbox{
		Messages:  msgs,
		GetErrors: make(map[string][]error),
		GetDelay:  make(map[string]time.Duration),
		GetCalls:  make(map[string]int),
		Cancelled: make(map[string]int),
	}
}

// GenerateMessages returns n messages with IDs msg-000.. and dates one
// minute apart, newest first.
func GenerateMessages(n int) []mailapi.MessageDetail {
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	msgs := make([]mailapi.MessageDetail, n)
	for i := range msgs {
		id := fmt.Sprintf("msg-%03d", i)
		msgs[i] = mailapi.MessageDetail{
			ID:       id,
			ThreadID: fmt.Sprintf("thread-%03d", i/2),
			From:     "sender@example.com",
			To:       []string{"me@example.com"},
			Subject:  "Subject " + id,
			Date:     base.Add(-time.Duration(i) * time.Minute),
			Snippet:  "snippet " + id,
			Body:     "body " + id,
			Labels:   []string{"INBOX"},
		}
	}
	return msgs
}

// ListMessages implements mailapi.Client.
func (m *FakeMailbox) ListMessages(ctx context.Context, query string, pageSize int, pageToken string) (mailapi.ListPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ListRequests = append(m.ListRequests, ListRequest{Query: query, PageSize: pageSize, PageToken: pageToken})

	if err := ctx.Err(); err != nil {
		return mailapi.ListPage{}, mailapi.NewError(mailapi.ErrorClassTimeout, 0, "request cancelled", err)
	}
	if len(m.ListErrors) > 0 {
		err := m.ListErrors[0]
		m.ListErrors = m.ListErrors[1:]
		return mailapi.ListPage{}, err
	}
	if m.FailAfterPages > 0 && m.pagesServed >= m.FailAfterPages {
		return mailapi.ListPage{}, m.PageFailure
	}

	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 || n > len(m.Messages) {
			return mailapi.ListPage{}, mailapi.NewError(mailapi.ErrorClassClient, 400, "invalid page token", err)
		}
		offset = n
	}

	size := pageSize
	if m.MaxPageSize > 0 && size > m.MaxPageSize {
		size = m.MaxPageSize
	}
	end := offset + size
	if end > len(m.Messages) {
		end = len(m.Messages)
	}

	page := mailapi.ListPage{}
	for _, msg := range m.Messages[offset:end] {
		page.Stubs = append(page.Stubs, mailapi.MessageStub{ID: msg.ID, ThreadID: msg.ThreadID})
	}
	if end < len(m.Messages) {
		next := end - m.Overlap
		if next <= offset {
			next = end
		}
		page.NextPageToken = strconv.Itoa(next)
	}
	m.pagesServed++
	return page, nil
}

// GetMessage implements mailapi.Client.
func (m *FakeMailbox) GetMessage(ctx context.Context, id string) (mailapi.MessageDetail, error) {
	m.mu.Lock()
	m.GetCalls[id]++
	var scripted error
	if errs := m.GetErrors[id]; len(errs) > 0 {
		scripted = errs[0]
		m.GetErrors[id] = errs[1:]
	}
	delay := m.GetDelay[id]
	m.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.Cancelled[id]++
			m.mu.Unlock()
			return mailapi.MessageDetail{}, mailapi.NewError(mailapi.ErrorClassTimeout, 0, "request cancelled", ctx.Err())
		case <-t.C:
		}
	}
	if scripted != nil {
		return mailapi.MessageDetail{}, scripted
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.Messages {
		if msg.ID == id {
			return msg, nil
		}
	}
	return mailapi.MessageDetail{}, mailapi.NewError(mailapi.ErrorClassClient, 404, "message not found", nil)
}

// ListCallCount returns the number of ListMessages calls.
func (m *FakeMailbox) ListCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ListRequests)
}

// GetCallCount returns the number of GetMessage calls for id.
func (m *FakeMailbox) GetCallCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.GetCalls[id]
}

// TotalGetCalls returns the number of GetMessage calls for all IDs.
func (m *FakeMailbox) TotalGetCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.GetCalls {
		total += n
	}
	return total
}

// CancelledCount returns the number of GetMessage calls for id abandoned
// because ctx ended.
func (m *FakeMailbox) CancelledCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Cancelled[id]
}

// SetGetDelay makes GetMessage for id block for d.
func (m *FakeMailbox) SetGetDelay(id string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetDelay[id] = d
}

// QuotaErrors returns n rate limit errors.
func QuotaErrors(n int) []error {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = mailapi.NewError(mailapi.ErrorClassRateLimit, 429, "quota exceeded", nil)
	}
	return errs
}

// FakeTokens is a scripted mailapi.TokenProvider.
type FakeTokens struct {
	mu sync.Mutex

	Token      string
	RefreshErr error

	AccessCalls  int
	RefreshCalls int
}

// AccessToken implements mailapi.TokenProvider.
func (f *FakeTokens) AccessToken(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AccessCalls++
	return f.Token, nil
}

// Refresh implements mailapi.TokenProvider.
func (f *FakeTokens) Refresh(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RefreshCalls++
	if f.RefreshErr != nil {
		return "", f.RefreshErr
	}
	f.Token = f.Token + "-refreshed"
	return f.Token, nil
}
