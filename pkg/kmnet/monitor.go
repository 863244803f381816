package kmnet

import (
	"context"
	"math"
	"time"

	"kmnet/internal/input"
	"kmnet/internal/kmerr"
	"kmnet/internal/protocol"

	"github.com/rs/zerolog/log"
)

// Monitor arms physical input forwarding for timeoutMs milliseconds. Calling
// it again before the window closes extends it; when it closes every query
// reads as released until Monitor is called again. A timeoutMs of 0 or less
// switches monitoring off. Windows longer than the appliance accepts
// (math.MaxUint32 milliseconds) are clamped.
//
// Failures are a *SendError when the appliance could not be told, or a
// *ConnError with Op "monitor" when the local monitor socket cannot be bound.
func (c *Client) Monitor(ctx context.Context, timeoutMs int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return &kmerr.SendError{Cmd: protocol.CmdMonitor.String(), Err: kmerr.ErrClosed}
	}
	sess := c.sess.Load()
	if sess == nil {
		if timeoutMs <= 0 {
			c.mon.Stop()
			return nil
		}
		return &kmerr.SendError{Cmd: protocol.CmdMonitor.String(), Err: kmerr.ErrNotConnected}
	}
	if timeoutMs <= 0 {
		return c.mon.Disarm(ctx, sess)
	}
	source := sess.RemoteAddr().AddrPort().Addr()
	return c.mon.Arm(ctx, sess, source, monitorWindow(timeoutMs))
}

func monitorWindow(timeoutMs int) time.Duration {
	ms := int64(timeoutMs)
	if ms > math.MaxUint32 {
		ms = math.MaxUint32
	}
	return time.Duration(ms) * time.Millisecond
}

func (c *Client) IsDownLeft() bool   { return c.mon.ButtonDown(input.ButtonLeft) }
func (c *Client) IsDownRight() bool  { return c.mon.ButtonDown(input.ButtonRight) }
func (c *Client) IsDownMiddle() bool { return c.mon.ButtonDown(input.ButtonMiddle) }
func (c *Client) IsDownSide1() bool  { return c.mon.ButtonDown(input.ButtonSide1) }
func (c *Client) IsDownSide2() bool  { return c.mon.ButtonDown(input.ButtonSide2) }

// IsDownKeyboard reports whether the physical key with HID usage code is
// pressed. Masked codes and codes outside 0..255 always read as released.
func (c *Client) IsDownKeyboard(code int) bool {
	if code < 0 || code > 255 {
		return false
	}
	return c.mon.KeyDown(uint8(code))
}

// Stale reports whether the mirrored state is unknown: monitoring is off or
// no report has arrived since it was armed.
func (c *Client) Stale() bool {
	return c.mon.Stale()
}

func keyCode(code int) (uint8, error) {
	if code < 0 || code > 255 {
		return 0, &kmerr.PayloadError{Field: "key code", Got: code, Err: kmerr.ErrKeyRange}
	}
	return uint8(code), nil
}

// MaskKeyboard hides key code from the mirrored state: IsDownKeyboard
// reports it released even while physically held. The mask is also
// forwarded to the appliance when a session is up; forwarding failures are
// logged only. Masking an already masked code does nothing.
func (c *Client) MaskKeyboard(ctx context.Context, code int) error {
	k, err := keyCode(code)
	if err != nil {
		return err
	}
	if !c.masks.MaskKey(k) {
		return nil
	}
	c.forwardMask(ctx, protocol.MaskKeyboard, k, true)
	return nil
}

// UnmaskKeyboard releases a mask set by MaskKeyboard.
func (c *Client) UnmaskKeyboard(ctx context.Context, code int) error {
	k, err := keyCode(code)
	if err != nil {
		return err
	}
	if !c.masks.UnmaskKey(k) {
		return nil
	}
	c.forwardMask(ctx, protocol.MaskKeyboard, k, false)
	return nil
}

// MaskMouse hides mouse button b from the mirrored state, like MaskKeyboard.
func (c *Client) MaskMouse(ctx context.Context, b Button) error {
	if !b.Valid() {
		return &kmerr.PayloadError{Field: "button", Got: int(b), Err: kmerr.ErrButtonRange}
	}
	if !c.masks.MaskButton(b) {
		return nil
	}
	c.forwardMask(ctx, protocol.MaskMouse, uint8(b), true)
	return nil
}

// UnmaskMouse releases a mask set by MaskMouse.
func (c *Client) UnmaskMouse(ctx context.Context, b Button) error {
	if !b.Valid() {
		return &kmerr.PayloadError{Field: "button", Got: int(b), Err: kmerr.ErrButtonRange}
	}
	if !c.masks.UnmaskButton(b) {
		return nil
	}
	c.forwardMask(ctx, protocol.MaskMouse, uint8(b), false)
	return nil
}

// UnmaskAll releases every key and button mask.
func (c *Client) UnmaskAll(ctx context.Context) {
	c.masks.Clear()
	sess := c.sess.Load()
	if sess == nil || !sess.Connected() {
		return
	}
	if err := sess.Send(ctx, &protocol.Frame{Cmd: protocol.CmdUnmaskAll}); err != nil {
		log.Warn().Err(err).Msg("unmask all not forwarded to appliance")
	}
}

func (c *Client) forwardMask(ctx context.Context, kind protocol.MaskKind, code uint8, on bool) {
	sess := c.sess.Load()
	if sess == nil || !sess.Connected() {
		return
	}
	f := &protocol.Frame{Cmd: protocol.CmdMask, MaskKind: kind, MaskCode: code, MaskOn: on}
	if err := sess.Send(ctx, f); err != nil {
		log.Warn().Err(err).Uint8("code", code).Msg("mask not forwarded to appliance")
	}
}

// forwardMasks replays the local masks onto a freshly opened session.
func (c *Client) forwardMasks(ctx context.Context, sess sender) {
	for _, k := range c.masks.KeyCodes() {
		f := &protocol.Frame{Cmd: protocol.CmdMask, MaskKind: protocol.MaskKeyboard, MaskCode: k, MaskOn: true}
		if err := sess.Send(ctx, f); err != nil {
			log.Warn().Err(err).Uint8("code", k).Msg("mask not forwarded to appliance")
		}
	}
	for _, b := range c.masks.MaskedButtons() {
		f := &protocol.Frame{Cmd: protocol.CmdMask, MaskKind: protocol.MaskMouse, MaskCode: uint8(b), MaskOn: true}
		if err := sess.Send(ctx, f); err != nil {
			log.Warn().Err(err).Stringer("button", b).Msg("mask not forwarded to appliance")
		}
	}
}

type sender interface {
	Send(ctx context.Context, f *protocol.Frame) error
}
