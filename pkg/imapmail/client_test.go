package imapmail

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/Sternrassler/mailfetch/pkg/mailapi"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "default config", cfg: DefaultConfig("imap.example.com:993", "alice"), wantErr: false},
		{name: "missing addr", cfg: Config{Username: "alice"}, wantErr: true},
		{name: "missing username", cfg: Config{Addr: "imap.example.com:993"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNew_DefaultsMailbox(t *testing.T) {
	c, err := New(Config{Addr: "localhost:143", Username: "alice"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.cfg.Mailbox != "INBOX" {
		t.Errorf("Mailbox = %q, want INBOX", c.cfg.Mailbox)
	}
}

func stubIDs(page mailapi.ListPage) []string {
	ids := make([]string, len(page.Stubs))
	for i, s := range page.Stubs {
		ids[i] = s.ID
	}
	return ids
}

func TestPageUIDs(t *testing.T) {
	uids := []imap.UID{3, 9, 1, 7, 5}

	tests := []struct {
		name      string
		size      int
		below     imap.UID
		wantIDs   []string
		wantToken string
	}{
		{name: "first page newest first", size: 2, wantIDs: []string{"9", "7"}, wantToken: "7"},
		{name: "second page below boundary", size: 2, below: 7, wantIDs: []string{"5", "3"}, wantToken: "3"},
		{name: "last page has no token", size: 2, below: 3, wantIDs: []string{"1"}},
		{name: "exact fit has no token", size: 5, wantIDs: []string{"9", "7", "5", "3", "1"}},
		{name: "zero size returns everything", size: 0, below: 6, wantIDs: []string{"5", "3", "1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := pageUIDs(uids, tt.size, tt.below)
			got := stubIDs(page)
			if fmt.Sprint(got) != fmt.Sprint(tt.wantIDs) {
				t.Errorf("ids = %v, want %v", got, tt.wantIDs)
			}
			if page.NextPageToken != tt.wantToken {
				t.Errorf("token = %q, want %q", page.NextPageToken, tt.wantToken)
			}
		})
	}
}

func TestListMessages_InvalidToken(t *testing.T) {
	c, err := New(Config{Addr: "localhost:1", Username: "alice"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = c.ListMessages(context.Background(), "", 10, "not-a-uid")
	if got := mailapi.ClassOf(err); got != mailapi.ErrorClassClient {
		t.Errorf("class = %q, want client", got)
	}
}

func TestListMessages_InvalidQuery(t *testing.T) {
	c, err := New(Config{Addr: "localhost:1", Username: "alice"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = c.ListMessages(context.Background(), "is:foo", 10, "")
	if got := mailapi.ClassOf(err); got != mailapi.ErrorClassClient {
		t.Errorf("class = %q, want client", got)
	}
}

func TestGetMessage_InvalidID(t *testing.T) {
	c, err := New(Config{Addr: "localhost:1", Username: "alice"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = c.GetMessage(context.Background(), "msg-000")
	if got := mailapi.ClassOf(err); got != mailapi.ErrorClassClient {
		t.Errorf("class = %q, want client", got)
	}
}

func TestGetMessage_CancelledContext(t *testing.T) {
	c, err := New(Config{Addr: "localhost:1", Username: "alice"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = c.GetMessage(ctx, "42")
	if got := mailapi.ClassOf(err); got != mailapi.ErrorClassTimeout {
		t.Errorf("class = %q, want timeout", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want mailapi.ErrorClass
	}{
		{
			name: "authentication failed",
			err:  &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeAuthenticationFailed, Text: "bad password"},
			want: mailapi.ErrorClassAuth,
		},
		{
			name: "limit",
			err:  &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeLimit, Text: "too many"},
			want: mailapi.ErrorClassRateLimit,
		},
		{
			name: "unavailable",
			err:  &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeUnavailable, Text: "try later"},
			want: mailapi.ErrorClassTransient,
		},
		{
			name: "bad command",
			err:  &imap.Error{Type: imap.StatusResponseTypeBad, Text: "syntax"},
			want: mailapi.ErrorClassClient,
		},
		{
			name: "other status",
			err:  &imap.Error{Type: imap.StatusResponseTypeNo, Text: "nope"},
			want: mailapi.ErrorClassUnknown,
		},
		{
			name: "deadline",
			err:  fmt.Errorf("read: %w", context.DeadlineExceeded),
			want: mailapi.ErrorClassTimeout,
		},
		{
			name: "broken connection",
			err:  errors.New("use of closed network connection"),
			want: mailapi.ErrorClassTransient,
		},
		{
			name: "already tagged",
			err:  mailapi.NewError(mailapi.ErrorClassAuth, 0, "token", nil),
			want: mailapi.ErrorClassAuth,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mailapi.ClassOf(classify("op", tt.err)); got != tt.want {
				t.Errorf("classify() class = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeBuffer(t *testing.T) {
	section := &imap.FetchItemBodySection{Peek: true}
	raw := "From: Alice <alice@example.com>\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: Hello\r\n" +
		"Date: Wed, 01 May 2024 12:00:00 +0000\r\n" +
		"\r\n" +
		"Body text\r\n"

	buf := &imapclient.FetchMessageBuffer{
		UID:   42,
		Flags: []imap.Flag{imap.FlagSeen},
		BodySection: []imapclient.FetchBodySectionBuffer{
			{Section: section, Bytes: []byte(raw)},
		},
	}

	d, err := decodeBuffer("42", buf, section)
	if err != nil {
		t.Fatalf("decodeBuffer() error = %v", err)
	}
	if d.ID != "42" || d.Subject != "Hello" {
		t.Errorf("detail = %+v", d)
	}
	want := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if !d.Date.Equal(want) {
		t.Errorf("Date = %v, want %v", d.Date, want)
	}
	if len(d.Labels) != 1 || d.Labels[0] != string(imap.FlagSeen) {
		t.Errorf("Labels = %v", d.Labels)
	}
}

func TestDecodeBuffer_EnvelopeFallback(t *testing.T) {
	internal := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	buf := &imapclient.FetchMessageBuffer{
		UID:          7,
		InternalDate: internal,
		Envelope: &imap.Envelope{
			Subject: "From envelope",
			From:    []imap.Address{{Name: "Carol", Mailbox: "carol", Host: "example.com"}},
		},
	}

	d, err := decodeBuffer("7", buf, &imap.FetchItemBodySection{Peek: true})
	if err != nil {
		t.Fatalf("decodeBuffer() error = %v", err)
	}
	if d.Subject != "From envelope" {
		t.Errorf("Subject = %q", d.Subject)
	}
	if d.From != "carol@example.com" {
		t.Errorf("From = %q", d.From)
	}
	if !d.Date.Equal(internal) {
		t.Errorf("Date = %v, want internal date", d.Date)
	}
}
