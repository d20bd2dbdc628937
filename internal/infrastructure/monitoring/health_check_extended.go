package monitoring

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"relayspaces/internal/core/domain"
	"relayspaces/internal/core/ports"
	"relayspaces/pkg/circuitbreaker"
)

// AddRelayCheck requires at least one relay to answer a ping.
func (h *HealthChecker) AddRelayCheck(relay ports.Relay, interval, timeout time.Duration) {
	h.AddCheck("relays", func(ctx context.Context) (bool, error) {
		if err := relay.Ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddBreakerCheck degrades the status while any relay's circuit is open.
func (h *HealthChecker) AddBreakerCheck(states func() map[string]string, interval time.Duration) {
	h.AddOptionalCheck("relay_breakers", func(ctx context.Context) (bool, error) {
		var open []string
		for url, state := range states() {
			if state == circuitbreaker.StateOpen.String() {
				open = append(open, url)
			}
		}
		if len(open) == 0 {
			return true, nil
		}
		sort.Strings(open)
		return false, fmt.Errorf("circuit open for %s", strings.Join(open, ", "))
	}, interval, time.Second)
}

// AddSignalingCheck requires the signaling channel to hold an identity.
func (h *HealthChecker) AddSignalingCheck(sig ports.Signaling, interval time.Duration) {
	h.AddCheck("signaling", func(ctx context.Context) (bool, error) {
		if !sig.IsOpen() {
			return false, domain.ErrChannelNotOpen
		}
		return true, nil
	}, interval, time.Second)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status != StatusUnhealthy
}
