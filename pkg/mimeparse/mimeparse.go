// Package mimeparse turns raw RFC 5322 messages into mail API details.
// Both the Gmail adapter (format=raw) and the IMAP adapter (BODY[] peek)
// hand their payloads to Parse.
package mimeparse

import (
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/Sternrassler/mailfetch/pkg/mailapi"
)

// SnippetLength is the maximum snippet length in runes.
const SnippetLength = 200

// Message is the parsed content of a raw message.
type Message struct {
	MessageID   string
	From        string
	To          []string
	Subject     string
	Date        time.Time
	Text        string
	HTML        string
	Attachments []mailapi.Attachment
}

// Parse reads a raw message. Header fields that fail to decode are left
// empty; only an unreadable header block is an error.
func Parse(r io.Reader) (*Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("read message header: %w", err)
	}
	defer mr.Close()

	m := &Message{}
	h := mr.Header
	m.MessageID, _ = h.MessageID()
	m.Subject, _ = h.Subject()
	m.Date, _ = h.Date()
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		m.From = from[0].String()
	}
	if to, err := h.AddressList("To"); err == nil {
		for _, a := range to {
			m.To = append(m.To, a.Address)
		}
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Keep what was read; a broken trailing part is common.
			break
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := ph.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain") && m.Text == "":
				m.Text = string(body)
			case strings.HasPrefix(contentType, "text/html") && m.HTML == "":
				m.HTML = string(body)
			}

		case *mail.AttachmentHeader:
			filename, _ := ph.Filename()
			contentType, _, _ := ph.ContentType()
			n, err := io.Copy(io.Discard, part.Body)
			if err != nil {
				continue
			}
			m.Attachments = append(m.Attachments, mailapi.Attachment{
				Filename: filename,
				MIMEType: contentType,
				Size:     n,
			})
		}
	}

	return m, nil
}

// Apply copies the parsed content into d without overwriting fields the
// backend already filled.
func (m *Message) Apply(d *mailapi.MessageDetail) {
	if d.From == "" {
		d.From = m.From
	}
	if len(d.To) == 0 {
		d.To = m.To
	}
	if d.Subject == "" {
		d.Subject = m.Subject
	}
	if d.Date.IsZero() {
		d.Date = m.Date
	}
	if d.Body == "" {
		d.Body = m.Text
	}
	if d.HTMLBody == "" {
		d.HTMLBody = m.HTML
	}
	if len(d.Attachments) == 0 {
		d.Attachments = m.Attachments
	}
	if d.Snippet == "" {
		d.Snippet = Snippet(m.Text, SnippetLength)
	}
}

// Snippet collapses whitespace in text and truncates it to n runes.
func Snippet(text string, n int) string {
	fields := strings.FieldsFunc(text, unicode.IsSpace)
	s := strings.Join(fields, " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
