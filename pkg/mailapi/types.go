// Package mailapi defines the boundary between the fetch engine and a
// remote mail backend: the narrow client surface, the message types that
// cross it, and the tagged errors every backend must return.
package mailapi

import (
	"context"
	"time"
)

// PlaceholderSubject is the subject given to detail entries that could not
// be loaded.
const PlaceholderSubject = "(failed to load)"

// Client is the narrow mail backend surface required by the fetch engine.
// Implementations must return *Error for every failure and must honour ctx
// cancellation at the transport level.
type Client interface {
	ListMessages(ctx context.Context, query string, pageSize int, pageToken string) (ListPage, error)
	GetMessage(ctx context.Context, id string) (MessageDetail, error)
}

// TokenProvider supplies bearer credentials for a backend.
// Refresh fails with an ErrorClassAuth error when the refresh credential
// itself is no longer valid.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// MessageStub is a list result: enough to request the detail later.
type MessageStub struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id,omitempty"`
}

// ListPage is one page of the remote list endpoint.
type ListPage struct {
	Stubs         []MessageStub
	NextPageToken string
}

// Attachment is attachment metadata; content is never fetched.
type Attachment struct {
	Filename string `json:"filename"`
	MIMEType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// MessageDetail is a fully resolved message, or a placeholder when the
// detail fetch failed.
type MessageDetail struct {
	ID          string       `json:"id"`
	ThreadID    string       `json:"thread_id,omitempty"`
	From        string       `json:"from"`
	To          []string     `json:"to,omitempty"`
	Subject     string       `json:"subject"`
	Date        time.Time    `json:"date"`
	Snippet     string       `json:"snippet,omitempty"`
	Body        string       `json:"body,omitempty"`
	HTMLBody    string       `json:"html_body,omitempty"`
	Labels      []string     `json:"labels,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	Placeholder bool   `json:"placeholder,omitempty"`
	LoadError   string `json:"load_error,omitempty"`
}

// Placeholder returns the stand-in detail for a stub whose fetch failed.
func Placeholder(stub MessageStub, cause error) MessageDetail {
	d := MessageDetail{
		ID:          stub.ID,
		ThreadID:    stub.ThreadID,
		Subject:     PlaceholderSubject,
		Placeholder: true,
	}
	if cause != nil {
		d.LoadError = cause.Error()
	}
	return d
}
