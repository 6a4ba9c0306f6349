package fetcher

import (
	"sort"

	"github.com/Sternrassler/mailfetch/pkg/mailapi"
)

// DedupeStubs drops repeated IDs, keeping the first occurrence and the
// original order.
func DedupeStubs(stubs []mailapi.MessageStub) []mailapi.MessageStub {
	seen := make(map[string]struct{}, len(stubs))
	out := make([]mailapi.MessageStub, 0, len(stubs))
	for _, s := range stubs {
		if _, dup := seen[s.ID]; dup {
			continue
		}
		seen[s.ID] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Aggregate merges details by ID (a real detail wins over a placeholder),
// sorts them by date descending with ties broken by ID, and flags partial
// completion against target. nextToken is surfaced in single-page mode
// only.
func Aggregate(details []mailapi.MessageDetail, target int, mode Mode, nextToken string) FetchResult {
	index := make(map[string]int, len(details))
	merged := make([]mailapi.MessageDetail, 0, len(details))
	for _, d := range details {
		i, ok := index[d.ID]
		if !ok {
			index[d.ID] = len(merged)
			merged = append(merged, d)
			continue
		}
		if merged[i].Placeholder && !d.Placeholder {
			merged[i] = d
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.After(b.Date)
		}
		return a.ID < b.ID
	})

	res := FetchResult{Messages: merged}
	for _, d := range merged {
		if d.Placeholder {
			res.Failed++
		}
	}
	res.TotalFetched = len(merged) - res.Failed
	res.IsPartial = res.TotalFetched < target

	if mode == ModeSinglePage && nextToken != "" {
		tok := nextToken
		res.NextPageToken = &tok
	}
	return res
}
