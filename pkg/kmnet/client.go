// Package kmnet is a client for the KMBox network HID relay: it injects
// pointer and keyboard input through the appliance and mirrors the physical
// mouse and keyboard state the appliance reports back.
//
// A Client holds at most one session. Init replaces it wholesale; state
// queries read the last published monitor snapshot and never block on the
// network.
package kmnet

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"kmnet/internal/input"
	"kmnet/internal/kmerr"
	"kmnet/internal/monitor"
	"kmnet/internal/network"
	"kmnet/internal/protocol"
	"kmnet/internal/session"
	"kmnet/internal/syncutil"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Button names one mouse button.
type Button = input.Button

const (
	ButtonLeft   = input.ButtonLeft
	ButtonRight  = input.ButtonRight
	ButtonMiddle = input.ButtonMiddle
	ButtonSide1  = input.ButtonSide1
	ButtonSide2  = input.ButtonSide2
)

// PictureSize is the exact byte length LCDPicture accepts (128x80, one byte per pixel).
const PictureSize = protocol.PictureSize

// Options tunes a Client. Zero values select the defaults.
type Options struct {
	Clock clockwork.Clock

	// AckTimeout bounds the wait for each acknowledged command.
	AckTimeout time.Duration
	// HandshakeAttempts is how many connect frames Init sends before giving up.
	HandshakeAttempts int

	// MonitorPort is the local port the appliance pushes reports to; 0 picks a free one.
	MonitorPort int

	ReadBuffer  int
	WriteBuffer int

	// MaxCommandRate caps outbound frames per second; 0 sends as fast as possible.
	MaxCommandRate float64
}

// Stats describes the client's session and monitor.
type Stats struct {
	LastHandshake time.Time
	LastUpdate    time.Time
	MonitorUntil  time.Time
	MaskedKeys    []uint8
	MaskedButtons []Button
	FramesDecoded uint64
	FramesDropped uint64
	MonitorPort   uint16
	Connected     bool
	MonitorActive bool
}

// Client talks to one appliance.
type Client struct {
	opts  Options
	sess  atomic.Pointer[session.Session]
	masks *input.MaskTable
	mon   *monitor.Monitor

	// mu serializes session replacement, monitor arming and shutdown.
	mu     syncutil.Mutex
	closed atomic.Bool
}

var _ input.Injector = (*Client)(nil)

// New returns a client with no session; call Init before sending commands.
func New(opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	masks := input.NewMaskTable()
	return &Client{
		opts:  opts,
		masks: masks,
		mon: monitor.New(masks, monitor.Options{
			Clock:      opts.Clock,
			Port:       opts.MonitorPort,
			ReadBuffer: opts.ReadBuffer,
		}),
	}
}

func (c *Client) sessionOptions() session.Options {
	return session.Options{
		Clock:             c.opts.Clock,
		AckTimeout:        c.opts.AckTimeout,
		HandshakeAttempts: c.opts.HandshakeAttempts,
		Transport: network.TransportOptions{
			ReadBuffer:  c.opts.ReadBuffer,
			WriteBuffer: c.opts.WriteBuffer,
			MaxRate:     c.opts.MaxCommandRate,
		},
	}
}

// Init connects to the appliance at host:port with the pairing token,
// replacing any previous session and stopping its monitor. On failure the
// client is left without a session.
func (c *Client) Init(ctx context.Context, host, port, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return &kmerr.ConnError{Op: "init", Err: kmerr.ErrClosed}
	}

	c.mon.Stop()
	if old := c.sess.Swap(nil); old != nil {
		if err := old.Close(); err != nil {
			log.Debug().Err(err).Msg("closing previous session")
		}
	}

	sess, err := session.Open(ctx, session.Params{Host: host, Port: port, Token: token}, c.sessionOptions())
	if err != nil {
		return err
	}
	c.sess.Store(sess)
	c.forwardMasks(ctx, sess)
	return nil
}

// Reconnect repeats the handshake of the current session.
func (c *Client) Reconnect(ctx context.Context) error {
	sess := c.sess.Load()
	if sess == nil {
		return &kmerr.ConnError{Op: "reconnect", Err: kmerr.ErrNotConnected}
	}
	return sess.Reconnect(ctx)
}

// Connected reports whether the current session is authenticated.
func (c *Client) Connected() bool {
	sess := c.sess.Load()
	return sess != nil && sess.Connected()
}

func (c *Client) send(ctx context.Context, f *protocol.Frame) error {
	if c.closed.Load() {
		return &kmerr.SendError{Cmd: f.Cmd.String(), Err: kmerr.ErrClosed}
	}
	sess := c.sess.Load()
	if sess == nil {
		return &kmerr.SendError{Cmd: f.Cmd.String(), Err: kmerr.ErrNotConnected}
	}
	return sess.Send(ctx, f)
}

func toInt32(field string, v int) (int32, error) {
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, &kmerr.PayloadError{Field: field, Got: v, Err: kmerr.ErrOutOfRange}
	}
	return int32(v), nil
}

// Move moves the pointer by a relative delta. It does not wait for the
// appliance.
func (c *Client) Move(ctx context.Context, dx, dy int) error {
	x, err := toInt32("dx", dx)
	if err != nil {
		return err
	}
	y, err := toInt32("dy", dy)
	if err != nil {
		return err
	}
	return c.send(ctx, &protocol.Frame{Cmd: protocol.CmdMouseMove, X: x, Y: y})
}

// AutoMove moves the pointer by a relative delta, spread by the appliance over d.
func (c *Client) AutoMove(ctx context.Context, dx, dy int, d time.Duration) error {
	x, err := toInt32("dx", dx)
	if err != nil {
		return err
	}
	y, err := toInt32("dy", dy)
	if err != nil {
		return err
	}
	return c.send(ctx, &protocol.Frame{Cmd: protocol.CmdAutoMove, X: x, Y: y, Duration: millis(d)})
}

// BezierMove moves the pointer by (dx, dy) along a cubic curve with control
// points (cx1, cy1) and (cx2, cy2), taking d.
func (c *Client) BezierMove(ctx context.Context, dx, dy int, d time.Duration, cx1, cy1, cx2, cy2 int) error {
	f := &protocol.Frame{Cmd: protocol.CmdBezierMove, Duration: millis(d)}
	var err error
	if f.X, err = toInt32("dx", dx); err != nil {
		return err
	}
	if f.Y, err = toInt32("dy", dy); err != nil {
		return err
	}
	for i, v := range [4]int{cx1, cy1, cx2, cy2} {
		if f.Control[i], err = toInt32("control point", v); err != nil {
			return err
		}
	}
	return c.send(ctx, f)
}

func (c *Client) button(ctx context.Context, cmd protocol.Command, down bool) error {
	f := &protocol.Frame{Cmd: cmd}
	if down {
		f.State = 1
	}
	return c.send(ctx, f)
}

// Left presses or releases the left button.
func (c *Client) Left(ctx context.Context, down bool) error {
	return c.button(ctx, protocol.CmdMouseLeft, down)
}

// Right presses or releases the right button.
func (c *Client) Right(ctx context.Context, down bool) error {
	return c.button(ctx, protocol.CmdMouseRight, down)
}

// Middle presses or releases the middle button.
func (c *Client) Middle(ctx context.Context, down bool) error {
	return c.button(ctx, protocol.CmdMouseMiddle, down)
}

// Wheel scrolls by delta notches.
func (c *Client) Wheel(ctx context.Context, delta int) error {
	w, err := toInt32("wheel", delta)
	if err != nil {
		return err
	}
	return c.send(ctx, &protocol.Frame{Cmd: protocol.CmdMouseWheel, Wheel: w})
}

// KeyboardAll replaces the injected keyboard report: a modifier bitfield
// and up to ten pressed key codes.
func (c *Client) KeyboardAll(ctx context.Context, modifiers uint8, keys ...uint8) error {
	if len(keys) > protocol.MaxKeys {
		return &kmerr.PayloadError{Field: "keys", Got: len(keys), Want: protocol.MaxKeys, Err: kmerr.ErrTooManyKeys}
	}
	f := &protocol.Frame{Cmd: protocol.CmdKeyboardAll, Modifiers: modifiers}
	copy(f.Keys[:], keys)
	return c.send(ctx, f)
}

// Reboot restarts the appliance. The session is unusable afterwards until Init.
func (c *Client) Reboot(ctx context.Context) error {
	return c.send(ctx, &protocol.Frame{Cmd: protocol.CmdReboot})
}

// LCDPicture uploads a full 128x80 picture to the appliance display. Any
// other buffer size is rejected.
func (c *Client) LCDPicture(ctx context.Context, pic []byte) error {
	if len(pic) != protocol.PictureSize {
		return &kmerr.PayloadError{Field: "picture", Got: len(pic), Want: protocol.PictureSize, Err: kmerr.ErrImageSize}
	}
	for i := 0; i < protocol.PictureChunks; i++ {
		f := &protocol.Frame{
			Cmd:     protocol.CmdShowPicture,
			Rand:    uint32(i), //nolint:gosec // bounded by PictureChunks
			Picture: pic[i*protocol.PictureChunkSize : (i+1)*protocol.PictureChunkSize],
		}
		if err := c.send(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the monitor and releases the session. Every later call fails
// with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Swap(true) {
		return nil
	}
	c.mon.Stop()
	if sess := c.sess.Swap(nil); sess != nil {
		return sess.Close()
	}
	return nil
}

// Stats reports the session and monitor counters.
func (c *Client) Stats() Stats {
	ms := c.mon.Stats()
	st := Stats{
		Connected:     c.Connected(),
		MonitorActive: ms.Active,
		MonitorUntil:  ms.Deadline,
		MonitorPort:   c.mon.Port(),
		LastUpdate:    ms.LastUpdate,
		FramesDecoded: ms.Decoded,
		FramesDropped: ms.Dropped,
		MaskedKeys:    c.masks.KeyCodes(),
		MaskedButtons: c.masks.MaskedButtons(),
	}
	if sess := c.sess.Load(); sess != nil {
		st.LastHandshake = sess.LastHandshake()
	}
	return st
}

func millis(d time.Duration) uint32 {
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
