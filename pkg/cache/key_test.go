package cache

import "testing"

func TestKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		want string
	}{
		{
			name: "plain tenant",
			key:  Key{Tenant: "alice@example.com", MessageID: "18c1f0a"},
			want: "mailfetch:detail:alice@example.com:18c1f0a",
		},
		{
			name: "tenant with colon is escaped",
			key:  Key{Tenant: "imap:alice", MessageID: "42"},
			want: "mailfetch:detail:imap%3Aalice:42",
		},
		{
			name: "empty message id",
			key:  Key{Tenant: "bob"},
			want: "mailfetch:detail:bob:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKey_TenantsDoNotCollide(t *testing.T) {
	a := Key{Tenant: "a:b", MessageID: "c"}.String()
	b := Key{Tenant: "a", MessageID: "b:c"}.String()
	if a == b {
		t.Errorf("keys collide: %q", a)
	}
}

func TestTenantPattern(t *testing.T) {
	if got := TenantPattern("alice"); got != "mailfetch:detail:alice:*" {
		t.Errorf("TenantPattern() = %q", got)
	}
}
