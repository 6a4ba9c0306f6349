package retry

import (
	"time"

	"github.com/Sternrassler/mailfetch/pkg/mailapi"
)

// QuotaBackoff is the backoff used after quota violations: base 2s,
// doubling, capped at 10s.
var QuotaBackoff = Backoff{
	Base:       2 * time.Second,
	Max:        10 * time.Second,
	Multiplier: 2.0,
	Jitter:     0.2,
}

// TransientBackoff is the shorter backoff used for 5xx and network errors.
var TransientBackoff = Backoff{
	Base:       1 * time.Second,
	Max:        5 * time.Second,
	Multiplier: 2.0,
	Jitter:     0.2,
}

// ListPolicy returns the policy for list page requests. The same page token
// is retried on every attempt.
func ListPolicy() Policy {
	return Policy{
		Name: "list",
		Rules: map[mailapi.ErrorClass]Rule{
			mailapi.ErrorClassAuth:      {Retryable: false},
			mailapi.ErrorClassClient:    {Retryable: false},
			mailapi.ErrorClassRateLimit: {Retryable: true, MaxAttempts: 5, Backoff: QuotaBackoff},
			mailapi.ErrorClassTransient: {Retryable: true, MaxAttempts: 3, Backoff: TransientBackoff},
			mailapi.ErrorClassTimeout:   {Retryable: true, MaxAttempts: 3, Backoff: TransientBackoff},
		},
		// Unknown errors are treated as transient with a lower ceiling.
		Default: Rule{Retryable: true, MaxAttempts: 2, Backoff: TransientBackoff},
	}
}

// DetailPolicy returns the policy for single message detail requests.
// Timeouts are final: the item becomes a placeholder.
func DetailPolicy() Policy {
	return Policy{
		Name: "detail",
		Rules: map[mailapi.ErrorClass]Rule{
			mailapi.ErrorClassAuth:      {Retryable: false},
			mailapi.ErrorClassClient:    {Retryable: false},
			mailapi.ErrorClassTimeout:   {Retryable: false},
			mailapi.ErrorClassRateLimit: {Retryable: true, MaxAttempts: 3, Backoff: QuotaBackoff},
			mailapi.ErrorClassTransient: {Retryable: true, MaxAttempts: 2, Backoff: TransientBackoff},
		},
		Default: Rule{Retryable: true, MaxAttempts: 2, Backoff: TransientBackoff},
	}
}
