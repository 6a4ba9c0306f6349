package fetcher

import (
	"fmt"

	"github.com/Sternrassler/mailfetch/pkg/mailapi"
)

// Mode selects how far a session paginates.
type Mode string

const (
	// ModeSinglePage lists one page and surfaces its next page token.
	ModeSinglePage Mode = "single-page"

	// ModeFetchAll paginates internally until the target is reached.
	ModeFetchAll Mode = "fetch-all"
)

// ParseMode parses a mode name. The empty string means ModeFetchAll.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeFetchAll:
		return ModeFetchAll, nil
	case ModeSinglePage:
		return ModeSinglePage, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want %q or %q)", s, ModeSinglePage, ModeFetchAll)
	}
}

// Request is one fetch session.
type Request struct {
	// Tenant keys the circuit breaker and the mail client.
	Tenant string

	Query       string
	TargetCount int
	Mode        Mode

	// PageToken resumes listing from a previous single-page result.
	PageToken string
}

// Validate checks the request against maxTarget (0 means unlimited).
func (r Request) Validate(maxTarget int) error {
	if r.Tenant == "" {
		return fmt.Errorf("tenant is required")
	}
	if r.TargetCount < 1 {
		return fmt.Errorf("target count must be >= 1, got %d", r.TargetCount)
	}
	if maxTarget > 0 && r.TargetCount > maxTarget {
		return fmt.Errorf("target count %d exceeds maximum %d", r.TargetCount, maxTarget)
	}
	if _, err := ParseMode(string(r.Mode)); err != nil {
		return err
	}
	return nil
}

// FetchResult is the outcome of a session.
type FetchResult struct {
	SessionID string `json:"session_id"`

	// Messages are sorted by date, newest first. Placeholders for details
	// that failed to load are included.
	Messages []mailapi.MessageDetail `json:"messages"`

	// TotalFetched counts successfully loaded messages.
	TotalFetched int `json:"total_fetched"`

	// IsPartial reports TotalFetched < TargetCount.
	IsPartial bool `json:"is_partial"`

	// NextPageToken is set in single-page mode only.
	NextPageToken *string `json:"next_page_token"`

	// Failed counts placeholders.
	Failed int `json:"failed"`
}
