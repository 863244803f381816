// Package session owns the authenticated command channel to one appliance.
package session

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"sync/atomic"
	"time"

	"kmnet/internal/kmerr"
	"kmnet/internal/network"
	"kmnet/internal/protocol"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultAckTimeout        = 200 * time.Millisecond
	DefaultHandshakeAttempts = 3
)

// Options tunes a Session. Zero values select the defaults.
type Options struct {
	Clock             clockwork.Clock
	Transport         network.TransportOptions
	AckTimeout        time.Duration
	HandshakeAttempts int
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.HandshakeAttempts <= 0 {
		o.HandshakeAttempts = DefaultHandshakeAttempts
	}
	return o
}

// Session is an authenticated connection to the appliance. Commands sent on
// a session that is not connected fail; a delivery failure triggers one
// re-handshake, shared by every goroutine that hit it.
type Session struct {
	tr     *network.Transport
	opts   Options
	params Params

	reconnect     singleflight.Group
	lastHandshake atomic.Int64
	index         atomic.Uint32
	mac           uint32
	connected     atomic.Bool
	closed        atomic.Bool
}

// Open validates params, opens the command socket and performs the handshake.
func Open(ctx context.Context, params Params, opts Options) (*Session, error) {
	if err := params.Validate(); err != nil {
		return nil, &kmerr.ConnError{Op: "init", Addr: params.Addr(), Err: err}
	}
	mac, _ := ParseToken(params.Token)
	opts = opts.withDefaults()

	tr, err := network.Dial(ctx, params.Host, params.Port, opts.Transport)
	if err != nil {
		var dnsErr *net.DNSError
		var addrErr *net.AddrError
		if errors.As(err, &dnsErr) || errors.As(err, &addrErr) {
			err = errors.Join(kmerr.ErrBadAddress, err)
		}
		return nil, &kmerr.ConnError{Op: "dial", Addr: params.Addr(), Err: err}
	}

	s := &Session{
		tr:     tr,
		opts:   opts,
		params: params,
		mac:    mac,
	}
	if err := s.handshake(ctx); err != nil {
		_ = tr.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) Params() Params { return s.params }

// Mac returns the pairing id carried in every frame.
func (s *Session) Mac() uint32 { return s.mac }

func (s *Session) Connected() bool { return s.connected.Load() && !s.closed.Load() }

// LastHandshake returns when the appliance last accepted the pairing.
func (s *Session) LastHandshake() time.Time {
	ns := s.lastHandshake.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// RemoteAddr returns the appliance's command address.
func (s *Session) RemoteAddr() *net.UDPAddr { return s.tr.RemoteAddr() }

func (s *Session) handshake(ctx context.Context) error {
	addr := s.params.Addr()
	for attempt := 1; attempt <= s.opts.HandshakeAttempts; attempt++ {
		f := &protocol.Frame{
			Mac:   s.mac,
			Rand:  rand.Uint32(), //nolint:gosec // nonce, not a secret
			Index: s.index.Add(1),
			Cmd:   protocol.CmdConnect,
		}
		buf, err := protocol.EncodeFrame(f)
		if err != nil {
			return &kmerr.ConnError{Op: "handshake", Addr: addr, Err: err}
		}

		ack, err := s.tr.Exchange(ctx, buf, f.Header(), s.opts.AckTimeout)
		switch {
		case err == nil && ack.Rejects(f.Header()):
			s.connected.Store(false)
			log.Warn().Str("addr", addr).Msgf("handshake rejected, appliance answered as %08X", ack.Mac)
			return &kmerr.ConnError{Op: "handshake", Addr: addr, Err: kmerr.ErrHandshakeRejected}
		case err == nil:
			s.lastHandshake.Store(s.opts.Clock.Now().UnixNano())
			s.connected.Store(true)
			log.Info().Str("addr", addr).Int("attempt", attempt).Msg("session connected")
			return nil
		case errors.Is(err, kmerr.ErrAckTimeout):
			log.Debug().Str("addr", addr).Int("attempt", attempt).Msg("handshake timed out, retrying")
			continue
		default:
			s.connected.Store(false)
			return &kmerr.ConnError{Op: "handshake", Addr: addr, Err: err}
		}
	}
	s.connected.Store(false)
	return &kmerr.ConnError{Op: "handshake", Addr: addr, Err: kmerr.ErrHandshakeTimeout}
}

// Send delivers f, filling in the mac and frame index. Commands that the
// appliance acknowledges wait for the echo.
func (s *Session) Send(ctx context.Context, f *protocol.Frame) error {
	name := f.Cmd.String()
	if s.closed.Load() {
		return &kmerr.SendError{Cmd: name, Err: kmerr.ErrClosed}
	}
	if !s.connected.Load() {
		return &kmerr.SendError{Cmd: name, Err: kmerr.ErrNotConnected}
	}

	err := s.deliver(ctx, f)
	if err == nil {
		return nil
	}
	if !recoverable(err) {
		return &kmerr.SendError{Cmd: name, Err: err}
	}

	log.Warn().Err(err).Str("cmd", name).Msg("delivery failed, re-authenticating")
	if rerr := s.recover(ctx); rerr != nil {
		return &kmerr.SendError{Cmd: name, Err: errors.Join(err, rerr)}
	}
	if err := s.deliver(ctx, f); err != nil {
		return &kmerr.SendError{Cmd: name, Err: err}
	}
	return nil
}

func (s *Session) deliver(ctx context.Context, f *protocol.Frame) error {
	f.Mac = s.mac
	f.Index = s.index.Add(1)
	buf, err := protocol.EncodeFrame(f)
	if err != nil {
		return err
	}
	if !f.Cmd.Acked() {
		return s.tr.Send(ctx, buf)
	}

	ack, err := s.tr.Exchange(ctx, buf, f.Header(), s.opts.AckTimeout)
	if err != nil {
		return err
	}
	if ack.Rejects(f.Header()) {
		s.connected.Store(false)
		return kmerr.ErrHandshakeRejected
	}
	return nil
}

func recoverable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, kmerr.ErrHandshakeRejected),
		errors.Is(err, protocol.ErrUnknownCommand),
		errors.Is(err, protocol.ErrPictureChunk):
		return false
	default:
		return true
	}
}

func (s *Session) recover(ctx context.Context) error {
	_, err, _ := s.reconnect.Do("handshake", func() (any, error) {
		return nil, s.handshake(ctx)
	})
	if err != nil {
		log.Error().Err(err).Str("addr", s.params.Addr()).Msg("session lost")
	}
	return err //nolint:wrapcheck // already a ConnError
}

// Reconnect repeats the handshake with the session's own parameters.
func (s *Session) Reconnect(ctx context.Context) error {
	if s.closed.Load() {
		return &kmerr.ConnError{Op: "reconnect", Addr: s.params.Addr(), Err: kmerr.ErrClosed}
	}
	return s.recover(ctx)
}

// Close releases the command socket. Later sends fail with ErrClosed.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.connected.Store(false)
	return s.tr.Close()
}
