// Package input models the physical mouse and keyboard state mirrored from
// the appliance, and the set of codes the client suppresses.
package input

import (
	"context"
	"math/bits"
	"time"
)

// Button is one mouse button, as its bit in the report's button field.
type Button uint8

const (
	ButtonLeft Button = 1 << iota
	ButtonRight
	ButtonMiddle
	ButtonSide1
	ButtonSide2
)

// AllButtons covers every button the report can carry.
const AllButtons Buttons = Buttons(ButtonLeft | ButtonRight | ButtonMiddle | ButtonSide1 | ButtonSide2)

func (b Button) String() string {
	switch b {
	case ButtonLeft:
		return "left"
	case ButtonRight:
		return "right"
	case ButtonMiddle:
		return "middle"
	case ButtonSide1:
		return "side1"
	case ButtonSide2:
		return "side2"
	default:
		return "unknown"
	}
}

// Valid reports whether b names exactly one known button.
func (b Button) Valid() bool {
	return b != 0 && Buttons(b)&^AllButtons == 0 && bits.OnesCount8(uint8(b)) == 1
}

// Buttons is the mouse button state: bit set = pressed.
type Buttons uint8

func (s Buttons) Down(b Button) bool { return s&Buttons(b) != 0 }
func (s Buttons) Left() bool         { return s.Down(ButtonLeft) }
func (s Buttons) Right() bool        { return s.Down(ButtonRight) }
func (s Buttons) Middle() bool       { return s.Down(ButtonMiddle) }
func (s Buttons) Side1() bool        { return s.Down(ButtonSide1) }
func (s Buttons) Side2() bool        { return s.Down(ButtonSide2) }

// ModifierBase is the key code of the first modifier (left control).
// Modifier bit n of a keyboard report is reported as key code ModifierBase+n.
const ModifierBase = 0xE0

// Keys is the keyboard state as a 256-bit bitmap indexed by key code.
type Keys [32]byte

// Set marks code as pressed.
func (k *Keys) Set(code uint8) { k[code>>3] |= 1 << (code & 7) }

// Clear marks code as released.
func (k *Keys) Clear(code uint8) { k[code>>3] &^= 1 << (code & 7) }

// Down reports whether code is pressed.
func (k *Keys) Down(code uint8) bool { return k[code>>3]&(1<<(code&7)) != 0 }

// Count returns the number of pressed codes.
func (k *Keys) Count() int {
	n := 0
	for _, b := range k {
		n += bits.OnesCount8(b)
	}
	return n
}

// Codes lists the pressed codes in ascending order.
func (k *Keys) Codes() []uint8 {
	codes := make([]uint8, 0, k.Count())
	for i := 0; i < 256; i++ {
		if k.Down(uint8(i)) {
			codes = append(codes, uint8(i))
		}
	}
	return codes
}

// AndNot clears every code set in mask.
func (k *Keys) AndNot(mask *Keys) {
	for i := range k {
		k[i] &^= mask[i]
	}
}

// KeysFromReport builds the bitmap for a keyboard report. Empty slots (0)
// are skipped.
func KeysFromReport(modifiers uint8, slots []byte) Keys {
	var k Keys
	for i := 0; i < 8; i++ {
		if modifiers&(1<<i) != 0 {
			k.Set(uint8(ModifierBase + i))
		}
	}
	for _, code := range slots {
		if code != 0 {
			k.Set(code)
		}
	}
	return k
}

// Snapshot is one published view of the physical input state. Snapshots are
// immutable once published; a new frame replaces the whole value.
type Snapshot struct {
	UpdatedAt time.Time
	Keys      Keys
	Buttons   Buttons
}

// Zero reports whether no frame has produced this snapshot.
func (s *Snapshot) Zero() bool {
	return s.UpdatedAt.IsZero()
}

// Injector is the outbound side of the appliance: synthetic input sent to
// the host.
type Injector interface {
	Move(ctx context.Context, dx, dy int) error
	Left(ctx context.Context, down bool) error
	Right(ctx context.Context, down bool) error
	Middle(ctx context.Context, down bool) error
	Wheel(ctx context.Context, delta int) error
}
