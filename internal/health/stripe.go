package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// DefaultStripeURL is the base URL of the Stripe API.
const DefaultStripeURL = "https://api.stripe.com"

// StripeChecker implements health checking for the payment provider.
type StripeChecker struct {
	url    string
	client *http.Client
}

// NewStripeChecker creates a new Stripe health checker. An empty url falls
// back to the public API base URL.
func NewStripeChecker(url string) *StripeChecker {
	if url == "" {
		url = DefaultStripeURL
	}
	return &StripeChecker{
		url: url,
		client: &http.Client{
			Timeout: 3 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

// HealthCheck verifies the provider API is reachable. An unauthenticated
// request returns 401, which still proves reachability, so any status below
// 500 counts as healthy.
func (s *StripeChecker) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach stripe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("stripe unhealthy: unexpected status code %d", resp.StatusCode)
	}

	return nil
}
