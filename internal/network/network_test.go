package network

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"testing"
	"time"

	"kmnet/internal/kmerr"
	"kmnet/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// echoServer answers every datagram through reply, which may return nil to
// stay quiet or several datagrams to send back in order.
type echoServer struct {
	conn  *net.UDPConn
	reply func(data []byte) [][]byte
	wg    sync.WaitGroup
}

func startEchoServer(t *testing.T, reply func(data []byte) [][]byte) *echoServer {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	s := &echoServer{conn: conn, reply: reply}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		buf := make([]byte, 2048)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			for _, out := range s.reply(append([]byte(nil), buf[:n]...)) {
				_, _ = conn.WriteToUDP(out, from)
			}
		}
	}()
	t.Cleanup(func() {
		_ = conn.Close()
		s.wg.Wait()
	})
	return s
}

func (s *echoServer) port() string {
	return strconv.Itoa(s.conn.LocalAddr().(*net.UDPAddr).Port)
}

func dialServer(t *testing.T, s *echoServer, opts TransportOptions) *Transport {
	t.Helper()
	tr, err := Dial(context.Background(), "127.0.0.1", s.port(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func connectFrame(t *testing.T, index uint32) ([]byte, protocol.Header) {
	t.Helper()
	f := &protocol.Frame{Mac: 0x24875054, Rand: 7, Index: index, Cmd: protocol.CmdConnect}
	buf, err := protocol.EncodeFrame(f)
	require.NoError(t, err)
	return buf, f.Header()
}

func TestExchangeReturnsEcho(t *testing.T) {
	s := startEchoServer(t, func(data []byte) [][]byte {
		return [][]byte{data[:protocol.HeaderSize]}
	})
	tr := dialServer(t, s, TransportOptions{})

	buf, req := connectFrame(t, 1)
	ack, err := tr.Exchange(context.Background(), buf, req, time.Second)
	require.NoError(t, err)
	assert.Equal(t, req, ack)
	assert.Equal(t, s.port(), strconv.Itoa(tr.RemoteAddr().Port))
}

func TestExchangeSkipsStaleEchoes(t *testing.T) {
	s := startEchoServer(t, func(data []byte) [][]byte {
		h, err := protocol.DecodeHeader(data)
		if err != nil {
			return nil
		}
		stale := h
		stale.Index--
		return [][]byte{
			[]byte("junk"),
			protocol.EncodeHeader(stale),
			protocol.EncodeHeader(h),
		}
	})
	tr := dialServer(t, s, TransportOptions{})

	buf, req := connectFrame(t, 42)
	ack, err := tr.Exchange(context.Background(), buf, req, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), ack.Index)
}

func TestExchangeTimeout(t *testing.T) {
	s := startEchoServer(t, func([]byte) [][]byte { return nil })
	tr := dialServer(t, s, TransportOptions{})

	buf, req := connectFrame(t, 1)
	start := time.Now()
	_, err := tr.Exchange(context.Background(), buf, req, 50*time.Millisecond)
	require.ErrorIs(t, err, kmerr.ErrAckTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestExchangeContextDeadline(t *testing.T) {
	s := startEchoServer(t, func([]byte) [][]byte { return nil })
	tr := dialServer(t, s, TransportOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	buf, req := connectFrame(t, 1)
	_, err := tr.Exchange(ctx, buf, req, time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExchangeAfterClose(t *testing.T) {
	s := startEchoServer(t, func([]byte) [][]byte { return nil })
	tr := dialServer(t, s, TransportOptions{})
	require.NoError(t, tr.Close())

	buf, req := connectFrame(t, 1)
	_, err := tr.Exchange(context.Background(), buf, req, time.Second)
	require.ErrorIs(t, err, net.ErrClosed)
}

func TestSendIsPaced(t *testing.T) {
	var mu sync.Mutex
	received := 0
	s := startEchoServer(t, func([]byte) [][]byte {
		mu.Lock()
		received++
		mu.Unlock()
		return nil
	})
	tr := dialServer(t, s, TransportOptions{MaxRate: 100})

	start := time.Now()
	for i := 0; i < 6; i++ {
		require.NoError(t, tr.Send(context.Background(), []byte("frame")))
	}
	// One token up front, then one every 10ms.
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received == 6
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSendPacingHonorsContext(t *testing.T) {
	s := startEchoServer(t, func([]byte) [][]byte { return nil })
	tr := dialServer(t, s, TransportOptions{MaxRate: 0.001})

	require.NoError(t, tr.Send(context.Background(), []byte("first")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, tr.Send(ctx, []byte("second")))
}

func TestMonitorListenerDelivers(t *testing.T) {
	got := make(chan string, 4)
	l, err := ListenMonitor(context.Background(), 0, 1<<16, func(data []byte, _ *net.UDPAddr) {
		got <- string(data)
	})
	require.NoError(t, err)
	require.NotZero(t, l.Port())
	l.Start()
	defer l.Stop()

	c, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(l.Port())})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	_, err = c.Write([]byte("report"))
	require.NoError(t, err)

	select {
	case s := <-got:
		assert.Equal(t, "report", s)
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not delivered")
	}
}

func TestMonitorListenerStopIsIdempotent(t *testing.T) {
	l, err := ListenMonitor(context.Background(), 0, 0, func([]byte, *net.UDPAddr) {})
	require.NoError(t, err)
	l.Start()
	l.Stop()
	l.Stop()
}

func TestMonitorListenerFixedPort(t *testing.T) {
	probe, err := ListenMonitor(context.Background(), 0, 0, func([]byte, *net.UDPAddr) {})
	require.NoError(t, err)
	port := probe.Port()
	probe.Stop()

	l, err := ListenMonitor(context.Background(), int(port), 0, func([]byte, *net.UDPAddr) {})
	require.NoError(t, err)
	defer l.Stop()
	assert.Equal(t, port, l.Port())
}

func applianceServer(t *testing.T, mac uint32) *echoServer {
	t.Helper()
	return startEchoServer(t, func(data []byte) [][]byte {
		h, err := protocol.DecodeHeader(data)
		if err != nil {
			return nil
		}
		h.Mac = mac
		return [][]byte{protocol.EncodeHeader(h)}
	})
}

func TestProbeRevealsPairingID(t *testing.T) {
	s := applianceServer(t, 0x24875054)
	port, err := strconv.Atoi(s.port())
	require.NoError(t, err)

	addr := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(port))
	box, ok := Probe(context.Background(), addr, time.Second)
	require.True(t, ok)
	assert.Equal(t, addr, box.Addr)
	assert.Equal(t, "24875054", box.Token())
}

func TestProbeSilentHost(t *testing.T) {
	s := startEchoServer(t, func([]byte) [][]byte { return nil })
	port, err := strconv.Atoi(s.port())
	require.NoError(t, err)

	_, ok := Probe(context.Background(), netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(port)), 50*time.Millisecond)
	assert.False(t, ok)
}

func TestScan(t *testing.T) {
	s := applianceServer(t, 0xF101383B)
	port, err := strconv.Atoi(s.port())
	require.NoError(t, err)

	found, err := Scan(context.Background(), netip.MustParsePrefix("127.0.0.1/32"), uint16(port), time.Second)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, uint32(0xF101383B), found[0].Mac)
}

func TestScanRejectsLargeSubnets(t *testing.T) {
	_, err := Scan(context.Background(), netip.MustParsePrefix("10.0.0.0/8"), 8320, time.Millisecond)
	require.ErrorIs(t, err, ErrSubnetTooLarge)

	_, err = Scan(context.Background(), netip.MustParsePrefix("fe80::/120"), 8320, time.Millisecond)
	require.ErrorIs(t, err, kmerr.ErrBadAddress)
}

func TestHosts(t *testing.T) {
	tests := []struct {
		prefix string
		want   []string
	}{
		{prefix: "192.168.2.188/32", want: []string{"192.168.2.188"}},
		{prefix: "192.168.2.0/31", want: []string{"192.168.2.0", "192.168.2.1"}},
		{prefix: "192.168.2.0/30", want: []string{"192.168.2.1", "192.168.2.2"}},
	}
	for _, tt := range tests {
		var got []string
		for _, a := range hosts(netip.MustParsePrefix(tt.prefix)) {
			got = append(got, a.String())
		}
		assert.Equal(t, tt.want, got, tt.prefix)
	}
	assert.Len(t, hosts(netip.MustParsePrefix("192.168.2.0/24")), 254)
}
