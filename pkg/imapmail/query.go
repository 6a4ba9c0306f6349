package imapmail

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
)

const queryDateLayout = "2006/01/02"

// ParseQuery translates the subset of Gmail search syntax that maps onto
// IMAP SEARCH: from:, to:, subject:, after:, before:, is:unread, is:read,
// is:starred. Any other term is a full-text match. Dates use YYYY/MM/DD
// or YYYY-MM-DD.
func ParseQuery(q string) (*imap.SearchCriteria, error) {
	criteria := &imap.SearchCriteria{}

	for _, term := range splitTerms(q) {
		key, value, hasKey := strings.Cut(term, ":")
		if !hasKey || value == "" {
			criteria.Text = append(criteria.Text, term)
			continue
		}

		switch strings.ToLower(key) {
		case "from", "to", "subject", "cc":
			criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{
				Key:   headerName(key),
				Value: value,
			})
		case "after", "since":
			t, err := parseQueryDate(value)
			if err != nil {
				return nil, err
			}
			criteria.Since = t
		case "before":
			t, err := parseQueryDate(value)
			if err != nil {
				return nil, err
			}
			criteria.Before = t
		case "is":
			switch strings.ToLower(value) {
			case "unread":
				criteria.NotFlag = append(criteria.NotFlag, imap.FlagSeen)
			case "read":
				criteria.Flag = append(criteria.Flag, imap.FlagSeen)
			case "starred", "flagged":
				criteria.Flag = append(criteria.Flag, imap.FlagFlagged)
			default:
				return nil, fmt.Errorf("unsupported is: value %q", value)
			}
		case "in", "label":
			// The mailbox is fixed per client.
		default:
			criteria.Text = append(criteria.Text, term)
		}
	}

	return criteria, nil
}

func headerName(key string) string {
	k := strings.ToLower(key)
	return strings.ToUpper(k[:1]) + k[1:]
}

func parseQueryDate(s string) (time.Time, error) {
	if t, err := time.Parse(queryDateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return t, nil
}

// splitTerms splits on whitespace, keeping double-quoted phrases together
// and dropping the quotes.
func splitTerms(q string) []string {
	var terms []string
	var cur strings.Builder
	quoted := false
	flush := func() {
		if cur.Len() > 0 {
			terms = append(terms, cur.String())
			cur.Reset()
		}
	}
	for _, r := range q {
		switch {
		case r == '"':
			quoted = !quoted
		case !quoted && (r == ' ' || r == '\t' || r == '\n'):
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return terms
}
