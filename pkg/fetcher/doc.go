// Package fetcher orchestrates quota-aware mailbox fetch sessions.
//
// A session runs INIT → LISTING → DETAILING → AGGREGATE → DONE:
//
//	plan := PlanFor(breaker state)           // once, at session start
//	stubs := pagination.Fetcher.Fetch(...)   // sequential pages
//	stubs = DedupeStubs(stubs)
//	details := DetailPool.Fetch(...)         // sequential batches, concurrent items
//	result := Aggregate(details, ...)        // merge, sort, flag partial
//
// Every loop has an attempt or time ceiling, so DONE is always reached.
// Fetch always returns a FetchResult. The error is non-nil only when the
// credential was rejected (ErrReauthenticate) or no list page could be
// retrieved (pagination.ErrNoPages); the possibly empty result is returned
// alongside it.
//
// The session deadline is authoritative: per-item contexts derive from the
// session context, and no batch is started once it has passed.
package fetcher
