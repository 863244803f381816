package protocol

import (
	"encoding/binary"
	"errors"
)

// Monitor report: mouse(8) + keyboard(12) = 20 bytes.
const (
	MouseReportSize    = 8
	KeyboardReportSize = 2 + MaxKeys
	ReportSize         = MouseReportSize + KeyboardReportSize
)

var ErrReportSize = errors.New("protocol: monitor report must be 20 bytes")

// Report is one appliance-to-client monitor datagram mirroring the physical
// mouse and keyboard.
//
// Layout:
//
//	Byte 0    : mouse report id
//	Byte 1    : button bitfield (bit 0=left, 1=right, 2=middle, 3=side1, 4=side2)
//	Bytes 2-7 : x, y, wheel (int16 each)
//	Byte 8    : keyboard report id
//	Byte 9    : modifier bitfield (bit n = key code 0xE0+n)
//	Bytes 10-19: pressed key codes, 0 = empty slot
type Report struct {
	MouseID   uint8
	Buttons   uint8
	X         int16
	Y         int16
	Wheel     int16
	KeyID     uint8
	Modifiers uint8
	Keys      [MaxKeys]byte
}

// MarshalBinary encodes r to its 20-byte wire form.
func (r *Report) MarshalBinary() ([]byte, error) {
	b := make([]byte, ReportSize)
	b[0] = r.MouseID
	b[1] = r.Buttons
	binary.BigEndian.PutUint16(b[2:4], uint16(r.X))
	binary.BigEndian.PutUint16(b[4:6], uint16(r.Y))
	binary.BigEndian.PutUint16(b[6:8], uint16(r.Wheel))
	b[8] = r.KeyID
	b[9] = r.Modifiers
	copy(b[10:], r.Keys[:])
	return b, nil
}

// UnmarshalBinary decodes a monitor report. Anything but exactly ReportSize
// bytes is rejected so that a truncated datagram never publishes state.
func (r *Report) UnmarshalBinary(data []byte) error {
	if len(data) != ReportSize {
		return ErrReportSize
	}
	r.MouseID = data[0]
	r.Buttons = data[1]
	r.X = int16(binary.BigEndian.Uint16(data[2:4]))
	r.Y = int16(binary.BigEndian.Uint16(data[4:6]))
	r.Wheel = int16(binary.BigEndian.Uint16(data[6:8]))
	r.KeyID = data[8]
	r.Modifiers = data[9]
	copy(r.Keys[:], data[10:ReportSize])
	return nil
}
