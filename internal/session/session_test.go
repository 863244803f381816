package session

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"kmnet/internal/kmerr"
	"kmnet/internal/protocol"
	"kmnet/internal/testutil/fakebox"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMac = 0x24875054

func testOptions() Options {
	return Options{AckTimeout: 100 * time.Millisecond, HandshakeAttempts: 2}
}

func openBox(t *testing.T, box *fakebox.Box, opts Options) *Session {
	t.Helper()
	s, err := Open(context.Background(), Params{Host: box.Host(), Port: box.Port(), Token: box.Token()}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestParseToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		token   string
		want    uint32
		wantErr bool
	}{
		{token: "24875054", want: 0x24875054},
		{token: "F101383B", want: 0xF101383B},
		{token: "f101383b", want: 0xF101383B},
		{token: " 24875054 ", want: 0x24875054},
		{token: "", wantErr: true},
		{token: "1234567", wantErr: true},
		{token: "123456789", wantErr: true},
		{token: "G101383B", wantErr: true},
		{token: "-1013838", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			t.Parallel()
			got, err := ParseToken(tt.token)
			if tt.wantErr {
				require.ErrorIs(t, err, kmerr.ErrBadToken)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePort(t *testing.T) {
	t.Parallel()

	p, err := ParsePort("8320")
	require.NoError(t, err)
	assert.Equal(t, uint16(8320), p)

	for _, bad := range []string{"", "0", "65536", "-1", "http", "83 20"} {
		_, err := ParsePort(bad)
		require.ErrorIs(t, err, kmerr.ErrBadAddress, bad)
	}
}

func TestOpenValidatesBeforeDialing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		params Params
		want   error
	}{
		{name: "empty host", params: Params{Host: "", Port: "8320", Token: "24875054"}, want: kmerr.ErrBadAddress},
		{name: "bad port", params: Params{Host: "127.0.0.1", Port: "99999", Token: "24875054"}, want: kmerr.ErrBadAddress},
		{name: "bad token", params: Params{Host: "127.0.0.1", Port: "8320", Token: "nothex!!"}, want: kmerr.ErrBadToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Open(context.Background(), tt.params, testOptions())
			var connErr *kmerr.ConnError
			require.ErrorAs(t, err, &connErr)
			assert.Equal(t, "init", connErr.Op)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOpenHandshake(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	box := fakebox.Start(t, testMac)
	opts := testOptions()
	opts.Clock = clock

	s := openBox(t, box, opts)

	assert.True(t, s.Connected())
	assert.Equal(t, uint32(testMac), s.Mac())
	assert.Equal(t, clock.Now().UnixNano(), s.LastHandshake().UnixNano())
	assert.Equal(t, box.Port(), strconv.Itoa(s.RemoteAddr().Port))

	frames := box.Frames(protocol.CmdConnect)
	require.Len(t, frames, 1)
	assert.Equal(t, uint32(testMac), frames[0].Mac)
}

func TestOpenRejected(t *testing.T) {
	t.Parallel()

	box := fakebox.Start(t, testMac)
	_, err := Open(context.Background(), Params{Host: box.Host(), Port: box.Port(), Token: "F101383B"}, testOptions())

	var connErr *kmerr.ConnError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "handshake", connErr.Op)
	require.ErrorIs(t, err, kmerr.ErrHandshakeRejected)
}

func TestOpenTimeout(t *testing.T) {
	t.Parallel()

	box := fakebox.Start(t, testMac)
	box.SetMute(true)

	_, err := Open(context.Background(), Params{Host: box.Host(), Port: box.Port(), Token: box.Token()}, testOptions())
	require.ErrorIs(t, err, kmerr.ErrHandshakeTimeout)
	assert.Equal(t, 2, box.Count(protocol.CmdConnect), "one connect frame per attempt")
}

func TestOpenUnreachable(t *testing.T) {
	t.Parallel()

	// Grab a free port and release it so nothing answers there.
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := strconv.Itoa(conn.LocalAddr().(*net.UDPAddr).Port)
	require.NoError(t, conn.Close())

	_, err = Open(context.Background(), Params{Host: "127.0.0.1", Port: port, Token: "00000001"}, testOptions())
	var connErr *kmerr.ConnError
	require.ErrorAs(t, err, &connErr)
}

func TestSendFireAndForget(t *testing.T) {
	t.Parallel()

	box := fakebox.Start(t, testMac)
	s := openBox(t, box, testOptions())

	require.NoError(t, s.Send(context.Background(), &protocol.Frame{Cmd: protocol.CmdMouseMove, X: 3, Y: -4}))
	frames := box.WaitFor(t, protocol.CmdMouseMove, 1)
	assert.Equal(t, int32(3), frames[0].X)
	assert.Equal(t, int32(-4), frames[0].Y)
	assert.Equal(t, uint32(testMac), frames[0].Mac)
}

func TestSendIndexIncreases(t *testing.T) {
	t.Parallel()

	box := fakebox.Start(t, testMac)
	s := openBox(t, box, testOptions())

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Send(context.Background(), &protocol.Frame{Cmd: protocol.CmdMouseWheel, Wheel: 1}))
	}
	frames := box.WaitFor(t, protocol.CmdMouseWheel, 5)
	for i := 1; i < len(frames); i++ {
		assert.Greater(t, frames[i].Index, frames[i-1].Index)
	}
}

func TestSendAcked(t *testing.T) {
	t.Parallel()

	box := fakebox.Start(t, testMac)
	s := openBox(t, box, testOptions())

	err := s.Send(context.Background(), &protocol.Frame{
		Cmd: protocol.CmdMask, MaskKind: protocol.MaskKeyboard, MaskCode: 4, MaskOn: true,
	})
	require.NoError(t, err)
	frames := box.Frames(protocol.CmdMask)
	require.Len(t, frames, 1)
	assert.Equal(t, uint8(4), frames[0].MaskCode)
}

func TestSendAckTimeoutReauthenticates(t *testing.T) {
	t.Parallel()

	box := fakebox.Start(t, testMac)
	s := openBox(t, box, testOptions())
	box.SetSilent(protocol.CmdUnmaskAll, true)

	err := s.Send(context.Background(), &protocol.Frame{Cmd: protocol.CmdUnmaskAll})
	var sendErr *kmerr.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, "unmask_all", sendErr.Cmd)
	require.ErrorIs(t, err, kmerr.ErrAckTimeout)

	// The handshake still works, so the session stays usable.
	assert.Equal(t, 2, box.Count(protocol.CmdConnect))
	assert.True(t, s.Connected())

	box.SetSilent(protocol.CmdUnmaskAll, false)
	require.NoError(t, s.Send(context.Background(), &protocol.Frame{Cmd: protocol.CmdUnmaskAll}))
}

func TestSendLostSessionFailsFast(t *testing.T) {
	t.Parallel()

	box := fakebox.Start(t, testMac)
	s := openBox(t, box, testOptions())
	box.SetMute(true)

	err := s.Send(context.Background(), &protocol.Frame{Cmd: protocol.CmdUnmaskAll})
	require.ErrorIs(t, err, kmerr.ErrAckTimeout)
	require.ErrorIs(t, err, kmerr.ErrHandshakeTimeout)
	assert.False(t, s.Connected())

	err = s.Send(context.Background(), &protocol.Frame{Cmd: protocol.CmdMouseMove, X: 1})
	require.ErrorIs(t, err, kmerr.ErrNotConnected)

	box.SetMute(false)
	require.NoError(t, s.Reconnect(context.Background()))
	assert.True(t, s.Connected())
	require.NoError(t, s.Send(context.Background(), &protocol.Frame{Cmd: protocol.CmdMouseMove, X: 1}))
}

func TestConcurrentRecoveryIsShared(t *testing.T) {
	t.Parallel()

	box := fakebox.Start(t, testMac)
	s := openBox(t, box, testOptions())
	box.SetSilent(protocol.CmdMask, true)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(code uint8) {
			defer wg.Done()
			_ = s.Send(context.Background(), &protocol.Frame{Cmd: protocol.CmdMask, MaskCode: code, MaskOn: true})
		}(uint8(i))
	}
	wg.Wait()

	// Each of the four failures either ran or joined a re-handshake; there
	// can never be more than one per failure.
	connects := box.Count(protocol.CmdConnect) - 1
	assert.GreaterOrEqual(t, connects, 1)
	assert.LessOrEqual(t, connects, 4)
	assert.True(t, s.Connected())
}

func TestSendAfterClose(t *testing.T) {
	t.Parallel()

	box := fakebox.Start(t, testMac)
	s := openBox(t, box, testOptions())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err := s.Send(context.Background(), &protocol.Frame{Cmd: protocol.CmdMouseMove})
	require.ErrorIs(t, err, kmerr.ErrClosed)
	assert.False(t, s.Connected())

	err = s.Reconnect(context.Background())
	require.ErrorIs(t, err, kmerr.ErrClosed)
}

func TestSendCanceledContext(t *testing.T) {
	t.Parallel()

	box := fakebox.Start(t, testMac)
	s := openBox(t, box, testOptions())
	box.SetSilent(protocol.CmdMask, true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Send(ctx, &protocol.Frame{Cmd: protocol.CmdMask, MaskCode: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	// A caller giving up is not a lost session.
	assert.Equal(t, 1, box.Count(protocol.CmdConnect))
	assert.True(t, s.Connected())
}
