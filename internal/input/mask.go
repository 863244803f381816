package input

import (
	"sync/atomic"

	"kmnet/internal/syncutil"
)

type maskSet struct {
	keys    Keys
	buttons Buttons
}

// MaskTable is the set of key codes and mouse buttons suppressed from the
// published state. Reads are lock-free; writers copy the set and swap it in.
type MaskTable struct {
	cur atomic.Pointer[maskSet]
	mu  syncutil.Mutex
}

func NewMaskTable() *MaskTable {
	m := &MaskTable{}
	m.cur.Store(&maskSet{})
	return m
}

func (m *MaskTable) update(fn func(s *maskSet) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := *m.cur.Load()
	if !fn(&next) {
		return false
	}
	m.cur.Store(&next)
	return true
}

// MaskKey adds code to the set. It reports false if code was already masked.
func (m *MaskTable) MaskKey(code uint8) bool {
	return m.update(func(s *maskSet) bool {
		if s.keys.Down(code) {
			return false
		}
		s.keys.Set(code)
		return true
	})
}

// UnmaskKey removes code from the set. It reports false if code was not masked.
func (m *MaskTable) UnmaskKey(code uint8) bool {
	return m.update(func(s *maskSet) bool {
		if !s.keys.Down(code) {
			return false
		}
		s.keys.Clear(code)
		return true
	})
}

// MaskButton adds b to the set. It reports false if b was already masked.
func (m *MaskTable) MaskButton(b Button) bool {
	return m.update(func(s *maskSet) bool {
		if s.buttons.Down(b) {
			return false
		}
		s.buttons |= Buttons(b)
		return true
	})
}

// UnmaskButton removes b from the set. It reports false if b was not masked.
func (m *MaskTable) UnmaskButton(b Button) bool {
	return m.update(func(s *maskSet) bool {
		if !s.buttons.Down(b) {
			return false
		}
		s.buttons &^= Buttons(b)
		return true
	})
}

// Clear removes every mask.
func (m *MaskTable) Clear() {
	m.mu.Lock()
	m.cur.Store(&maskSet{})
	m.mu.Unlock()
}

func (m *MaskTable) KeyMasked(code uint8) bool {
	return m.cur.Load().keys.Down(code)
}

func (m *MaskTable) ButtonMasked(b Button) bool {
	return m.cur.Load().buttons.Down(b)
}

// Len returns the number of masked key codes and buttons.
func (m *MaskTable) Len() int {
	s := m.cur.Load()
	n := s.keys.Count()
	for b := ButtonLeft; b <= ButtonSide2; b <<= 1 {
		if s.buttons.Down(b) {
			n++
		}
	}
	return n
}

// KeyCodes lists the masked key codes.
func (m *MaskTable) KeyCodes() []uint8 {
	return m.cur.Load().keys.Codes()
}

// MaskedButtons lists the masked buttons.
func (m *MaskTable) MaskedButtons() []Button {
	s := m.cur.Load()
	var out []Button
	for b := ButtonLeft; b <= ButtonSide2; b <<= 1 {
		if s.buttons.Down(b) {
			out = append(out, b)
		}
	}
	return out
}

// Filter scrubs masked codes and buttons from snap, which must not have been
// published yet.
func (m *MaskTable) Filter(snap *Snapshot) {
	s := m.cur.Load()
	snap.Keys.AndNot(&s.keys)
	snap.Buttons &^= s.buttons
}
