// Package pagination walks a paginated mail list endpoint.
//
// Pages are requested strictly in order: page N+1 is never requested
// before page N's outcome is known. Every page request is gated by the
// tenant's circuit breaker and retried under a retry.Policy; a failed page
// is retried with the same page token, never advanced.
//
// Example usage:
//
//	f := pagination.NewFetcher(client, tenantBreaker, retry.ListPolicy())
//	res, err := f.Fetch(ctx, pagination.Request{
//		Query:    "in:inbox",
//		Target:   150,
//		PageSize: 100,
//	})
//
// The fetcher:
//   - Requests min(PageSize, remaining) stubs per page
//   - Deduplicates stubs as they accumulate and truncates to Target
//   - Stops on target reached, no next token, single-page mode or ctx end
//   - Returns accumulated stubs when retries run out (Stopped=true)
//   - Fails only on auth errors or when no page was ever retrieved
package pagination
