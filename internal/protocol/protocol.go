// Package protocol implements the fixed binary frame layout spoken with the
// KMBox network appliance.
package protocol

import "fmt"

// Command identifies the operation carried by a frame.
type Command uint32

const (
	// CmdConnect authenticates a session. The appliance echoes the header.
	CmdConnect Command = 0x28283CAF

	// CmdMouseMove moves the pointer by a relative delta.
	CmdMouseMove Command = 0xAEDE7345

	// CmdAutoMove moves the pointer by a relative delta spread over a duration.
	CmdAutoMove Command = 0xAEDE7346

	CmdMouseLeft   Command = 0x9823AE8D
	CmdMouseMiddle Command = 0x97A3AE8D
	CmdMouseRight  Command = 0x238D8212
	CmdMouseWheel  Command = 0xFFEEAD38

	// CmdBezierMove moves the pointer along a cubic bezier curve.
	CmdBezierMove Command = 0x5A4538A2

	// CmdKeyboardAll replaces the whole injected keyboard report.
	CmdKeyboardAll Command = 0xABCD1234

	CmdReboot Command = 0xAA8855AA

	// CmdMonitor arms or disarms forwarding of physical input reports.
	CmdMonitor Command = 0x20803827

	// CmdMask suppresses (or releases) one key or mouse button on the host side.
	CmdMask Command = 0x43432323

	// CmdUnmaskAll releases every mask held by the appliance.
	CmdUnmaskAll Command = 0x43433423

	// CmdShowPicture carries one chunk of a display picture.
	CmdShowPicture Command = 0x83483312
)

var commandNames = map[Command]string{
	CmdConnect:     "connect",
	CmdMouseMove:   "move",
	CmdAutoMove:    "auto_move",
	CmdMouseLeft:   "left",
	CmdMouseMiddle: "middle",
	CmdMouseRight:  "right",
	CmdMouseWheel:  "wheel",
	CmdBezierMove:  "bezier_move",
	CmdKeyboardAll: "keyboard_all",
	CmdReboot:      "reboot",
	CmdMonitor:     "monitor",
	CmdMask:        "mask",
	CmdUnmaskAll:   "unmask_all",
	CmdShowPicture: "lcd_picture",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("cmd(0x%08X)", uint32(c))
}

// Acked reports whether the appliance's echo must be awaited for c.
// Pointer and button injection is fire-and-forget to keep latency low.
func (c Command) Acked() bool {
	switch c {
	case CmdConnect, CmdMonitor, CmdMask, CmdUnmaskAll, CmdShowPicture:
		return true
	default:
		return false
	}
}

// MaskKind selects the input class a mask frame applies to.
type MaskKind uint8

const (
	MaskKeyboard MaskKind = 1
	MaskMouse    MaskKind = 2
)

const (
	// MonitorEnableMagic is or'ed into the header rand field with the local
	// port when monitoring is switched on.
	MonitorEnableMagic uint32 = 0xAA55 << 16

	// PictureWidth and PictureHeight describe the appliance display, one byte per pixel.
	PictureWidth  = 128
	PictureHeight = 80
	PictureSize   = PictureWidth * PictureHeight

	// PictureChunkSize is the picture payload carried by one frame.
	PictureChunkSize = 1024
	PictureChunks    = PictureSize / PictureChunkSize

	// MaxKeys is the number of key slots in a keyboard report.
	MaxKeys = 10
)

// MonitorRand builds the header rand field for a monitor frame.
// A zero port disables monitoring.
func MonitorRand(port uint16) uint32 {
	if port == 0 {
		return 0
	}
	return MonitorEnableMagic | uint32(port)
}
