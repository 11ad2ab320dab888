package middleware

import (
	"testing"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected string
	}{
		// Static routes - no normalization
		{
			name:     "root path",
			path:     "/",
			expected: "/",
		},
		{
			name:     "balance endpoint",
			path:     "/v1/balance",
			expected: "/v1/balance",
		},
		{
			name:     "debit endpoint",
			path:     "/v1/debit",
			expected: "/v1/debit",
		},
		{
			name:     "ledger endpoint",
			path:     "/v1/ledger",
			expected: "/v1/ledger",
		},
		{
			name:     "admin adjust",
			path:     "/v1/admin/adjust",
			expected: "/v1/admin/adjust",
		},
		{
			name:     "admin actions",
			path:     "/v1/admin/actions",
			expected: "/v1/admin/actions",
		},
		{
			name:     "admin reconcile",
			path:     "/v1/admin/reconcile",
			expected: "/v1/admin/reconcile",
		},
		{
			name:     "stripe webhook",
			path:     "/webhooks/stripe",
			expected: "/webhooks/stripe",
		},
		{
			name:     "health endpoint",
			path:     "/health",
			expected: "/health",
		},
		{
			name:     "ready endpoint",
			path:     "/ready",
			expected: "/ready",
		},
		{
			name:     "metrics endpoint",
			path:     "/metrics",
			expected: "/metrics",
		},

		// Admin account subresources
		{
			name:     "account balance by id",
			path:     "/v1/admin/accounts/acct-123/balance",
			expected: "/v1/admin/accounts/{id}/balance",
		},
		{
			name:     "account balance by uuid",
			path:     "/v1/admin/accounts/550e8400-e29b-41d4-a716-446655440000/balance",
			expected: "/v1/admin/accounts/{id}/balance",
		},
		{
			name:     "account ledger",
			path:     "/v1/admin/accounts/acct-456/ledger",
			expected: "/v1/admin/accounts/{id}/ledger",
		},
		{
			name:     "account anonymize",
			path:     "/v1/admin/accounts/acct-789/anonymize",
			expected: "/v1/admin/accounts/{id}/anonymize",
		},
		{
			name:     "account root",
			path:     "/v1/admin/accounts/acct-123",
			expected: "/v1/admin/accounts/{id}",
		},

		// Edge cases
		{
			name:     "unknown account subresource",
			path:     "/v1/admin/accounts/acct-123/identities",
			expected: "/v1/admin/accounts/acct-123/identities",
		},
		{
			name:     "unknown route",
			path:     "/unknown/path",
			expected: "/unknown/path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := normalizePath(tt.path)
			if result != tt.expected {
				t.Errorf("normalizePath(%q) = %q, want %q", tt.path, result, tt.expected)
			}
		})
	}
}

func TestNormalizePath_CardinalityControl(t *testing.T) {
	// Test that different IDs normalize to the same pattern
	paths := []string{
		"/v1/admin/accounts/1/balance",
		"/v1/admin/accounts/2/balance",
		"/v1/admin/accounts/999/balance",
		"/v1/admin/accounts/550e8400-e29b-41d4-a716-446655440000/balance",
		"/v1/admin/accounts/abc-def-ghi/balance",
	}

	expected := "/v1/admin/accounts/{id}/balance"
	seen := make(map[string]bool)

	for _, path := range paths {
		result := normalizePath(path)
		if result != expected {
			t.Errorf("normalizePath(%q) = %q, want %q", path, result, expected)
		}
		seen[result] = true
	}

	// Should all normalize to the same pattern (low cardinality)
	if len(seen) != 1 {
		t.Errorf("Expected all paths to normalize to single pattern, got %d patterns: %v", len(seen), seen)
	}
}
