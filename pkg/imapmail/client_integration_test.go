//go:build integration

package imapmail

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"

	"github.com/Sternrassler/mailfetch/pkg/mailapi"
)

// setupIMAP starts an in-memory IMAP server holding n messages.
func setupIMAP(t *testing.T, n int) string {
	t.Helper()

	user := imapmemserver.NewUser("alice", "secret")
	if err := user.Create("INBOX", nil); err != nil {
		t.Fatalf("create INBOX: %v", err)
	}
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		raw := fmt.Sprintf("From: sender%d@example.com\r\nTo: alice@example.com\r\nSubject: Message %d\r\nDate: %s\r\n\r\nBody %d\r\n",
			i, i, base.Add(time.Duration(i)*time.Minute).Format(time.RFC1123Z), i)
		if _, err := user.Append("INBOX", bytes.NewReader([]byte(raw)), &imap.AppendOptions{}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	mem := imapmemserver.New()
	mem.AddUser(user)

	server := imapserver.New(&imapserver.Options{
		NewSession: func(conn *imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return mem.NewSession(), nil, nil
		},
		Caps:         imap.CapSet{imap.CapIMAP4rev1: {}, imap.CapIMAP4rev2: {}},
		InsecureAuth: true,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go server.Serve(ln)
	t.Cleanup(func() { server.Close() })

	return ln.Addr().String()
}

func TestIntegration_ListAndGet(t *testing.T) {
	addr := setupIMAP(t, 5)

	c, err := New(Config{Addr: addr, Username: "alice", Password: "secret"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	page, err := c.ListMessages(ctx, "", 3, "")
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(page.Stubs) != 3 || page.NextPageToken == "" {
		t.Fatalf("first page = %+v", page)
	}
	if page.Stubs[0].ID != "5" {
		t.Errorf("newest UID = %s, want 5", page.Stubs[0].ID)
	}

	next, err := c.ListMessages(ctx, "", 3, page.NextPageToken)
	if err != nil {
		t.Fatalf("ListMessages() second page error = %v", err)
	}
	if len(next.Stubs) != 2 || next.NextPageToken != "" {
		t.Errorf("second page = %+v", next)
	}

	d, err := c.GetMessage(ctx, page.Stubs[0].ID)
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if d.Subject != "Message 4" {
		t.Errorf("Subject = %q, want Message 4", d.Subject)
	}
	for _, l := range d.Labels {
		if l == string(imap.FlagSeen) {
			t.Error("fetch must not set \\Seen")
		}
	}
}

func TestIntegration_BadPasswordIsAuth(t *testing.T) {
	addr := setupIMAP(t, 1)

	c, err := New(Config{Addr: addr, Username: "alice", Password: "wrong"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	_, err = c.ListMessages(context.Background(), "", 10, "")
	if !mailapi.IsAuth(err) {
		t.Errorf("expected auth error, got %v", err)
	}
}
