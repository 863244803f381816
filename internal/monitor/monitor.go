// Package monitor mirrors the appliance's physical input reports into a
// published snapshot that callers read without touching the network.
package monitor

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"kmnet/internal/input"
	"kmnet/internal/kmerr"
	"kmnet/internal/network"
	"kmnet/internal/protocol"
	"kmnet/internal/syncutil"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Sender delivers a frame on the current session.
type Sender interface {
	Send(ctx context.Context, f *protocol.Frame) error
}

// Options tunes the monitor socket.
type Options struct {
	Clock clockwork.Clock
	// Port is the local port reports are pushed to; 0 picks a free one.
	Port       int
	ReadBuffer int
}

// Stats counts monitor traffic since the Monitor was created.
type Stats struct {
	LastUpdate time.Time
	Deadline   time.Time
	Decoded    uint64
	Dropped    uint64
	Active     bool
}

// Monitor owns the monitor socket, its expiry timer and the published state.
type Monitor struct {
	opts  Options
	store *input.Store
	masks *input.MaskTable

	source  atomic.Pointer[netip.Addr]
	active  atomic.Bool
	decoded atomic.Uint64
	dropped atomic.Uint64

	// mu guards the socket and timer. State reads never take it.
	mu         syncutil.Mutex
	listener   *network.MonitorListener
	timer      clockwork.Timer
	deadline   time.Time
	generation uint64
}

// New returns an idle monitor that filters published state through masks.
func New(masks *input.MaskTable, opts Options) *Monitor {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Monitor{
		opts:  opts,
		store: input.NewStore(),
		masks: masks,
	}
}

// Arm starts (or extends) report forwarding for timeout. The appliance at
// source is told where to push reports; datagrams from anywhere else are
// dropped. When timeout lapses without another Arm the monitor stops and the
// state returns to all-released.
//
// A monitor socket that cannot be bound is reported as a *kmerr.ConnError
// with Op "monitor"; errors from sess are returned as they are.
func (m *Monitor) Arm(ctx context.Context, sess Sender, source netip.Addr, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src := source.Unmap()
	m.source.Store(&src)

	started := false
	if m.listener == nil {
		l, err := network.ListenMonitor(ctx, m.opts.Port, m.opts.ReadBuffer, m.handle)
		if err != nil {
			return &kmerr.ConnError{Op: "monitor", Addr: fmt.Sprintf(":%d", m.opts.Port), Err: err}
		}
		l.Start()
		m.listener = l
		started = true
	}

	f := &protocol.Frame{
		Cmd:     protocol.CmdMonitor,
		Rand:    protocol.MonitorRand(m.listener.Port()),
		Timeout: durationMillis(timeout),
	}
	if err := sess.Send(ctx, f); err != nil {
		if started {
			m.stopLocked()
		}
		return err
	}

	if m.timer != nil {
		m.timer.Stop()
	}
	m.generation++
	gen := m.generation
	m.timer = m.opts.Clock.AfterFunc(timeout, func() { m.expire(gen) })
	m.deadline = m.opts.Clock.Now().Add(timeout)
	m.active.Store(true)

	log.Debug().
		Uint16("port", m.listener.Port()).
		Dur("timeout", timeout).
		Msg("monitor armed")
	return nil
}

// Disarm tells the appliance to stop forwarding, then stops locally. The
// local stop happens even if the appliance could not be told.
func (m *Monitor) Disarm(ctx context.Context, sess Sender) error {
	var err error
	if sess != nil && m.Active() {
		err = sess.Send(ctx, &protocol.Frame{Cmd: protocol.CmdMonitor, Rand: protocol.MonitorRand(0)})
	}
	m.Stop()
	return err
}

func (m *Monitor) expire(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation || m.listener == nil {
		return
	}
	// Already fired.
	m.timer = nil
	m.stopLocked()
	log.Info().Msg("monitor window elapsed, input state reset")
}

// Stop closes the socket and resets the state without telling the appliance.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

// stopLocked releases the socket and resets the state before the monitor
// reads as inactive, so an inactive monitor never reports a pressed input.
func (m *Monitor) stopLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.generation++
	m.deadline = time.Time{}
	if m.listener != nil {
		// Stop waits for the receive loop, so nothing publishes after Reset.
		m.listener.Stop()
		m.listener = nil
	}
	m.store.Reset()
	m.active.Store(false)
}

// handle runs on the receive goroutine for every datagram.
func (m *Monitor) handle(data []byte, from *net.UDPAddr) {
	if src := m.source.Load(); src != nil && from.AddrPort().Addr().Unmap() != *src {
		m.dropped.Add(1)
		log.Debug().Str("from", from.String()).Msg("monitor: dropped datagram from foreign source")
		return
	}

	var r protocol.Report
	if err := r.UnmarshalBinary(data); err != nil {
		m.dropped.Add(1)
		log.Debug().Err(err).Int("len", len(data)).Msg("monitor: dropped malformed report")
		return
	}

	m.publish(&r)
}

func (m *Monitor) publish(r *protocol.Report) {
	snap := &input.Snapshot{
		Buttons:   input.Buttons(r.Buttons) & input.AllButtons,
		Keys:      input.KeysFromReport(r.Modifiers, r.Keys[:]),
		UpdatedAt: m.opts.Clock.Now(),
	}
	m.masks.Filter(snap)
	m.store.Publish(snap)
	m.decoded.Add(1)
}

// Snapshot returns the latest published state.
func (m *Monitor) Snapshot() *input.Snapshot {
	return m.store.Load()
}

// ButtonDown reports whether b is pressed in the latest state. Masked
// buttons always read as released.
func (m *Monitor) ButtonDown(b input.Button) bool {
	if m.masks.ButtonMasked(b) {
		return false
	}
	return m.store.Load().Buttons.Down(b)
}

// KeyDown reports whether code is pressed in the latest state. Masked codes
// always read as released.
func (m *Monitor) KeyDown(code uint8) bool {
	if m.masks.KeyMasked(code) {
		return false
	}
	return m.store.Load().Keys.Down(code)
}

// Active reports whether the monitor window is open.
func (m *Monitor) Active() bool {
	return m.active.Load()
}

// Stale reports whether the state is unknown: the monitor is not armed, or
// no report arrived since it was armed. Re-arming an open window keeps the
// last report.
func (m *Monitor) Stale() bool {
	return !m.active.Load() || m.store.Load().Zero()
}

// Port returns the bound monitor port, or 0 when idle.
func (m *Monitor) Port() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return 0
	}
	return m.listener.Port()
}

func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	deadline := m.deadline
	m.mu.Unlock()
	return Stats{
		Decoded:    m.decoded.Load(),
		Dropped:    m.dropped.Load(),
		LastUpdate: m.store.Load().UpdatedAt,
		Deadline:   deadline,
		Active:     m.active.Load(),
	}
}

func durationMillis(d time.Duration) uint32 {
	ms := d.Milliseconds()
	switch {
	case ms < 0:
		return 0
	case ms > math.MaxUint32:
		return math.MaxUint32
	default:
		return uint32(ms)
	}
}
