package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"sync"
	"time"

	"kmnet/internal/kmerr"
	"kmnet/internal/protocol"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrSubnetTooLarge is returned by Scan for prefixes wider than /16.
var ErrSubnetTooLarge = errors.New("subnet too large to scan")

const scanWorkers = 64

// DiscoveredBox is an appliance that answered a probe.
type DiscoveredBox struct {
	Addr netip.AddrPort
	// Mac is the pairing id the appliance answered with. Its 8 hex digit
	// rendering is the token.
	Mac uint32
}

// Token returns the pairing token for the discovered appliance.
func (b DiscoveredBox) Token() string {
	return fmt.Sprintf("%08X", b.Mac)
}

// LocalSubnets returns the IPv4 networks of the interfaces that are up,
// loopback excluded.
func LocalSubnets() ([]netip.Prefix, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []netip.Prefix
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipn, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			p, ok := netip.AddrFromSlice(ipn.IP)
			if !ok {
				continue
			}
			p = p.Unmap()
			if !p.Is4() || p.IsLoopback() {
				continue
			}
			ones, _ := ipn.Mask.Size()
			out = append(out, netip.PrefixFrom(p, ones).Masked())
		}
	}
	return out, nil
}

// Probe sends an unpaired connect frame to addr. An appliance answers with
// its own pairing id, which is how it reveals itself.
func Probe(ctx context.Context, addr netip.AddrPort, timeout time.Duration) (DiscoveredBox, bool) {
	t, err := Dial(ctx, addr.Addr().String(), strconv.Itoa(int(addr.Port())), TransportOptions{})
	if err != nil {
		return DiscoveredBox{}, false
	}
	defer func() { _ = t.Close() }()

	f := &protocol.Frame{Cmd: protocol.CmdConnect, Index: 1}
	buf, err := protocol.EncodeFrame(f)
	if err != nil {
		return DiscoveredBox{}, false
	}
	ack, err := t.Exchange(ctx, buf, f.Header(), timeout)
	if err != nil {
		if !errors.Is(err, kmerr.ErrAckTimeout) {
			log.Debug().Err(err).Str("addr", addr.String()).Msg("probe failed")
		}
		return DiscoveredBox{}, false
	}
	return DiscoveredBox{Addr: addr, Mac: ack.Mac}, true
}

// Scan probes every host address of subnet on port and returns the
// appliances that answered, ordered by address.
func Scan(ctx context.Context, subnet netip.Prefix, port uint16, timeout time.Duration) ([]DiscoveredBox, error) {
	subnet = subnet.Masked()
	if !subnet.Addr().Is4() {
		return nil, fmt.Errorf("%w: %s is not IPv4", kmerr.ErrBadAddress, subnet)
	}
	if subnet.Bits() < 16 {
		return nil, fmt.Errorf("%w: %s", ErrSubnetTooLarge, subnet)
	}

	var (
		mu    sync.Mutex
		found []DiscoveredBox
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanWorkers)

	for _, addr := range hosts(subnet) {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if box, ok := Probe(gctx, netip.AddrPortFrom(addr, port), timeout); ok {
				mu.Lock()
				found = append(found, box)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return found, err
	}

	slices.SortFunc(found, func(a, b DiscoveredBox) int {
		return a.Addr.Compare(b.Addr)
	})
	log.Debug().Str("subnet", subnet.String()).Int("found", len(found)).Msg("scan finished")
	return found, nil
}

// hosts lists the usable addresses of p: network and broadcast addresses
// are skipped for prefixes shorter than /31.
func hosts(p netip.Prefix) []netip.Addr {
	var out []netip.Addr
	first := p.Addr()
	for a := first; p.Contains(a); a = a.Next() {
		out = append(out, a)
	}
	if p.Bits() < 31 && len(out) > 2 {
		out = out[1 : len(out)-1]
	}
	return out
}
