package kmnet

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"kmnet/internal/network"
)

// DiscoveredBox is an appliance found by Discover. Its Token pairs with it.
type DiscoveredBox = network.DiscoveredBox

// DefaultProbeTimeout bounds the wait for each probed address.
const DefaultProbeTimeout = 300 * time.Millisecond

// Discover probes subnet for appliances listening on port. An invalid
// (zero) subnet scans every local IPv4 network instead.
func Discover(ctx context.Context, subnet netip.Prefix, port uint16, timeout time.Duration) ([]DiscoveredBox, error) {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if subnet.IsValid() {
		return network.Scan(ctx, subnet, port, timeout)
	}

	subnets, err := network.LocalSubnets()
	if err != nil {
		return nil, err
	}
	var (
		found []DiscoveredBox
		errs  []error
	)
	for _, s := range subnets {
		boxes, err := network.Scan(ctx, s, port, timeout)
		found = append(found, boxes...)
		if err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
	}
	return found, errors.Join(errs...)
}
