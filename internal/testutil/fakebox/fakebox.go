// Package fakebox is a loopback stand-in for the appliance used by tests.
// It echoes frame headers the way the device acknowledges commands, records
// every frame it decodes, and pushes monitor reports to the armed client.
package fakebox

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"kmnet/internal/protocol"

	"github.com/stretchr/testify/require"
)

// Box is a fake appliance listening on 127.0.0.1.
type Box struct {
	conn *net.UDPConn
	done chan struct{}
	wg   sync.WaitGroup

	mu          sync.Mutex
	frames      []protocol.Frame
	monitorAddr *net.UDPAddr
	silent      map[protocol.Command]bool
	mute        bool
	mac         uint32
}

// Start runs a box paired with mac until the test ends.
func Start(tb testing.TB, mac uint32) *Box {
	tb.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(tb, err)
	_ = conn.SetReadBuffer(4 << 20)

	b := &Box{
		conn:   conn,
		done:   make(chan struct{}),
		silent: make(map[protocol.Command]bool),
		mac:    mac,
	}
	b.wg.Add(1)
	go b.readLoop()
	tb.Cleanup(b.Close)
	return b
}

// Host returns the box's IP as a string.
func (b *Box) Host() string {
	return b.addr().IP.String()
}

// Port returns the box's command port as a string.
func (b *Box) Port() string {
	return strconv.Itoa(b.addr().Port)
}

// Token returns the pairing token the box accepts.
func (b *Box) Token() string {
	return fmt.Sprintf("%08X", b.mac)
}

func (b *Box) addr() *net.UDPAddr {
	return b.conn.LocalAddr().(*net.UDPAddr)
}

// SetMute stops (or resumes) every reply, as if the device went away.
func (b *Box) SetMute(mute bool) {
	b.mu.Lock()
	b.mute = mute
	b.mu.Unlock()
}

// SetSilent suppresses acknowledgements for one command.
func (b *Box) SetSilent(cmd protocol.Command, silent bool) {
	b.mu.Lock()
	b.silent[cmd] = silent
	b.mu.Unlock()
}

func (b *Box) readLoop() {
	defer b.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, from, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-b.done:
				return
			default:
				continue
			}
		}
		b.handle(buf[:n], from)
	}
}

func (b *Box) handle(data []byte, from *net.UDPAddr) {
	h, err := protocol.DecodeHeader(data)
	if err != nil {
		return
	}
	f, err := protocol.DecodeFrame(data)
	if err != nil {
		f = &protocol.Frame{Mac: h.Mac, Rand: h.Rand, Index: h.Index, Cmd: h.Cmd}
	}

	b.mu.Lock()
	b.frames = append(b.frames, *f)
	paired := h.Mac == b.mac
	if paired && h.Cmd == protocol.CmdMonitor {
		if h.Rand&0xFFFF0000 == protocol.MonitorEnableMagic {
			b.monitorAddr = &net.UDPAddr{IP: from.IP, Port: int(h.Rand & 0xFFFF)}
		} else {
			b.monitorAddr = nil
		}
	}
	reply := !b.mute && !b.silent[h.Cmd]
	b.mu.Unlock()

	if !reply {
		return
	}
	ack := h
	if !paired {
		ack.Mac = b.mac
	}
	_, _ = b.conn.WriteToUDP(protocol.EncodeHeader(ack), from)
}

// Frames returns the decoded frames received for cmd, in arrival order.
func (b *Box) Frames(cmd protocol.Command) []protocol.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []protocol.Frame
	for _, f := range b.frames {
		if f.Cmd == cmd {
			out = append(out, f)
		}
	}
	return out
}

// Count returns how many frames for cmd have arrived.
func (b *Box) Count(cmd protocol.Command) int {
	return len(b.Frames(cmd))
}

// WaitFor blocks until at least n frames for cmd arrived.
func (b *Box) WaitFor(tb testing.TB, cmd protocol.Command, n int) []protocol.Frame {
	tb.Helper()
	require.Eventually(tb, func() bool {
		return b.Count(cmd) >= n
	}, 5*time.Second, 5*time.Millisecond, "waiting for %d %s frames", n, cmd)
	return b.Frames(cmd)
}

// MonitorAddr returns where monitor reports go, or nil when disarmed.
func (b *Box) MonitorAddr() *net.UDPAddr {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.monitorAddr
}

// Push sends a monitor report to the armed client.
func (b *Box) Push(r protocol.Report) error {
	data, err := r.MarshalBinary()
	if err != nil {
		return err
	}
	return b.PushRaw(data)
}

// PushRaw sends arbitrary bytes to the armed client.
func (b *Box) PushRaw(data []byte) error {
	addr := b.MonitorAddr()
	if addr == nil {
		return errors.New("fakebox: monitor not armed")
	}
	_, err := b.conn.WriteToUDP(data, addr)
	return err
}

// Close stops the box.
func (b *Box) Close() {
	select {
	case <-b.done:
		return
	default:
	}
	close(b.done)
	_ = b.conn.Close()
	b.wg.Wait()
}
