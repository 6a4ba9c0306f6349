package cache

import "strings"

// KeyPrefix namespaces detail entries in Redis.
const KeyPrefix = "mailfetch:detail"

// Key identifies a cached detail. Message IDs are only unique per mailbox,
// so the tenant is part of the key.
type Key struct {
	Tenant    string
	MessageID string
}

// String generates the Redis key.
// Format: mailfetch:detail:<tenant>:<message id>
//
// Colons inside the tenant are escaped so tenants cannot collide.
func (k Key) String() string {
	tenant := strings.ReplaceAll(k.Tenant, ":", "%3A")
	return KeyPrefix + ":" + tenant + ":" + k.MessageID
}

// TenantPattern returns the SCAN pattern matching every key of tenant.
func TenantPattern(tenant string) string {
	return Key{Tenant: tenant}.String() + "*"
}
