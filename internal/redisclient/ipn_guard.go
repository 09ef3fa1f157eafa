package redisclient

import (
	"context"
	"fmt"
	"time"
)

// IPNGuard drops duplicate IPN deliveries for the same tracking id that
// arrive inside the dedupe window.
type IPNGuard struct {
	client *Client
	window time.Duration
}

func NewIPNGuard(client *Client, window time.Duration) *IPNGuard {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &IPNGuard{client: client, window: window}
}

func ipnKey(trackingID, notificationType string) string {
	return fmt.Sprintf("ipn:%s:%s", trackingID, notificationType)
}

// CheckAndMark returns true when this delivery is the first one seen in the
// window and should be processed.
func (g *IPNGuard) CheckAndMark(ctx context.Context, trackingID, notificationType string) (bool, error) {
	return g.client.MarkIdempotencyKey(ctx, ipnKey(trackingID, notificationType), g.window)
}

// Release clears the mark so a gateway retry can be processed after a failure.
func (g *IPNGuard) Release(ctx context.Context, trackingID, notificationType string) error {
	return g.client.ClearIdempotencyKey(ctx, ipnKey(trackingID, notificationType))
}
