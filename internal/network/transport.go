// Package network provides the UDP sockets used to talk to the appliance.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"kmnet/internal/kmerr"
	"kmnet/internal/protocol"
	"kmnet/internal/syncutil"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// TransportOptions tunes the command socket.
type TransportOptions struct {
	// ReadBuffer and WriteBuffer set the kernel socket buffers; 0 keeps the OS default.
	ReadBuffer  int
	WriteBuffer int

	// MaxRate caps outbound frames per second; 0 disables pacing.
	MaxRate float64
	// Burst is the pacing burst size, defaulting to 1 when MaxRate is set.
	Burst int
}

// Transport is the client-side command socket, connected to one appliance
// address. Sends are safe for concurrent use; request/ack exchanges are
// serialized so that one caller never consumes another's echo.
type Transport struct {
	conn    *net.UDPConn
	remote  *net.UDPAddr
	limiter *rate.Limiter

	exchangeMu syncutil.Mutex
	ackBuf     []byte
}

// Dial resolves host:port and opens a connected UDP socket to it.
func Dial(ctx context.Context, host, port string, opts TransportOptions) (*Transport, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "udp4", net.JoinHostPort(host, port))
	if err != nil {
		return nil, err
	}
	conn, ok := c.(*net.UDPConn)
	if !ok {
		_ = c.Close()
		return nil, fmt.Errorf("unexpected connection type %T", c)
	}

	if opts.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(opts.ReadBuffer); err != nil {
			log.Debug().Err(err).Msg("transport: failed to set read buffer")
		}
	}
	if opts.WriteBuffer > 0 {
		if err := conn.SetWriteBuffer(opts.WriteBuffer); err != nil {
			log.Debug().Err(err).Msg("transport: failed to set write buffer")
		}
	}

	t := &Transport{
		conn:   conn,
		remote: conn.RemoteAddr().(*net.UDPAddr),
		ackBuf: make([]byte, 1500),
	}
	if opts.MaxRate > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(opts.MaxRate), burst)
	}

	log.Debug().
		Str("remote", t.remote.String()).
		Str("local", conn.LocalAddr().String()).
		Msg("transport: command socket open")
	return t, nil
}

// RemoteAddr returns the appliance address the socket is connected to.
func (t *Transport) RemoteAddr() *net.UDPAddr {
	return t.remote
}

// Send writes one frame without waiting for an answer.
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	_, err := t.conn.Write(frame)
	return err
}

// Exchange writes frame and waits up to timeout for the echo of req.
// Stale echoes of earlier fire-and-forget frames are skipped.
func (t *Transport) Exchange(
	ctx context.Context,
	frame []byte,
	req protocol.Header,
	timeout time.Duration,
) (protocol.Header, error) {
	t.exchangeMu.Lock()
	defer t.exchangeMu.Unlock()

	if err := t.Send(ctx, frame); err != nil {
		return protocol.Header{}, err
	}

	deadline := time.Now().Add(timeout)
	ctxBound := false
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
		ctxBound = true
	}
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return protocol.Header{}, err
	}
	defer func() {
		_ = t.conn.SetReadDeadline(time.Time{})
	}()

	for {
		n, err := t.conn.Read(t.ackBuf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return protocol.Header{}, ctxErr
				}
				if ctxBound {
					return protocol.Header{}, context.DeadlineExceeded
				}
				return protocol.Header{}, kmerr.ErrAckTimeout
			}
			return protocol.Header{}, err
		}

		ack, err := protocol.DecodeHeader(t.ackBuf[:n])
		if err != nil {
			continue
		}
		if ack.Answers(req) {
			return ack, nil
		}
	}
}

// Close shuts the socket down; pending exchanges fail with net.ErrClosed.
func (t *Transport) Close() error {
	return t.conn.Close()
}
