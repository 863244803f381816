package protocol

import (
	"encoding/binary"
	"errors"
)

// Header: [mac(4)] [rand(4)] [index(4)] [cmd(4)] = 16 bytes, big-endian.
const HeaderSize = 16

var (
	ErrShortFrame     = errors.New("protocol: frame too short")
	ErrUnknownCommand = errors.New("protocol: unknown command")
	ErrPictureChunk   = errors.New("protocol: picture chunk must be 1024 bytes")
)

// Frame is one client-to-appliance datagram.
//
// Wire format per command:
//
//	Connect     : header only, rand = nonce                                   = 16 bytes
//	MouseMove   : header + x(int32) + y(int32)                                = 24 bytes
//	AutoMove    : header + x(int32) + y(int32) + duration(uint32)             = 28 bytes
//	MouseLeft/Middle/Right: header + state(uint8)                             = 17 bytes
//	MouseWheel  : header + value(int32)                                       = 20 bytes
//	BezierMove  : header + x + y + duration + cx1 + cy1 + cx2 + cy2           = 44 bytes
//	KeyboardAll : header + modifiers(uint8) + keys(10 x uint8)                = 27 bytes
//	Reboot      : header only                                                 = 16 bytes
//	Monitor     : header + timeout_ms(uint32), rand = port | 0xAA55<<16       = 20 bytes
//	Mask        : header + kind(uint8) + code(uint8) + enable(uint8)          = 19 bytes
//	UnmaskAll   : header only                                                 = 16 bytes
//	ShowPicture : header + 1024 pixel bytes, rand = chunk index               = 1040 bytes
type Frame struct {
	Mac   uint32
	Rand  uint32
	Index uint32
	Cmd   Command

	X        int32    // move, auto move, bezier target
	Y        int32    // move, auto move, bezier target
	Duration uint32   // auto move, bezier (ms)
	Control  [4]int32 // bezier control points: cx1, cy1, cx2, cy2
	State    uint8    // mouse button (1=down, 0=up)
	Wheel    int32    // wheel delta

	Modifiers uint8         // keyboard all
	Keys      [MaxKeys]byte // keyboard all

	Timeout uint32 // monitor (ms)

	MaskKind MaskKind // mask
	MaskCode uint8    // mask
	MaskOn   bool     // mask

	Picture []byte // show picture chunk
}

func payloadSize(cmd Command) (int, bool) {
	switch cmd {
	case CmdConnect, CmdReboot, CmdUnmaskAll:
		return 0, true
	case CmdMouseMove:
		return 8, true
	case CmdAutoMove:
		return 12, true
	case CmdMouseLeft, CmdMouseMiddle, CmdMouseRight:
		return 1, true
	case CmdMouseWheel:
		return 4, true
	case CmdBezierMove:
		return 28, true
	case CmdKeyboardAll:
		return 1 + MaxKeys, true
	case CmdMonitor:
		return 4, true
	case CmdMask:
		return 3, true
	case CmdShowPicture:
		return PictureChunkSize, true
	}
	return 0, false
}

// EncodeFrame serializes f to wire format.
func EncodeFrame(f *Frame) ([]byte, error) {
	return AppendFrame(nil, f)
}

// AppendFrame appends the wire form of f to dst, reusing its capacity.
func AppendFrame(dst []byte, f *Frame) ([]byte, error) {
	size, ok := payloadSize(f.Cmd)
	if !ok {
		return dst, ErrUnknownCommand
	}
	if f.Cmd == CmdShowPicture && len(f.Picture) != PictureChunkSize {
		return dst, ErrPictureChunk
	}

	start := len(dst)
	dst = append(dst, make([]byte, HeaderSize+size)...)
	buf := dst[start:]
	putHeader(buf, f)

	payload := buf[HeaderSize:]
	switch f.Cmd {
	case CmdMouseMove:
		binary.BigEndian.PutUint32(payload[0:4], uint32(f.X))
		binary.BigEndian.PutUint32(payload[4:8], uint32(f.Y))
	case CmdAutoMove:
		binary.BigEndian.PutUint32(payload[0:4], uint32(f.X))
		binary.BigEndian.PutUint32(payload[4:8], uint32(f.Y))
		binary.BigEndian.PutUint32(payload[8:12], f.Duration)
	case CmdMouseLeft, CmdMouseMiddle, CmdMouseRight:
		payload[0] = f.State
	case CmdMouseWheel:
		binary.BigEndian.PutUint32(payload[0:4], uint32(f.Wheel))
	case CmdBezierMove:
		binary.BigEndian.PutUint32(payload[0:4], uint32(f.X))
		binary.BigEndian.PutUint32(payload[4:8], uint32(f.Y))
		binary.BigEndian.PutUint32(payload[8:12], f.Duration)
		for i, c := range f.Control {
			binary.BigEndian.PutUint32(payload[12+4*i:16+4*i], uint32(c))
		}
	case CmdKeyboardAll:
		payload[0] = f.Modifiers
		copy(payload[1:], f.Keys[:])
	case CmdMonitor:
		binary.BigEndian.PutUint32(payload[0:4], f.Timeout)
	case CmdMask:
		payload[0] = uint8(f.MaskKind)
		payload[1] = f.MaskCode
		if f.MaskOn {
			payload[2] = 1
		}
	case CmdShowPicture:
		copy(payload, f.Picture)
	}

	return dst, nil
}

// DecodeFrame deserializes wire bytes into a Frame. Trailing bytes beyond the
// command's payload are ignored.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, ErrShortFrame
	}

	f := &Frame{}
	h := DecodeHeaderUnchecked(data)
	f.Mac, f.Rand, f.Index, f.Cmd = h.Mac, h.Rand, h.Index, h.Cmd

	size, ok := payloadSize(f.Cmd)
	if !ok {
		return nil, ErrUnknownCommand
	}
	payload := data[HeaderSize:]
	if len(payload) < size {
		return nil, ErrShortFrame
	}

	switch f.Cmd {
	case CmdMouseMove:
		f.X = int32(binary.BigEndian.Uint32(payload[0:4]))
		f.Y = int32(binary.BigEndian.Uint32(payload[4:8]))
	case CmdAutoMove:
		f.X = int32(binary.BigEndian.Uint32(payload[0:4]))
		f.Y = int32(binary.BigEndian.Uint32(payload[4:8]))
		f.Duration = binary.BigEndian.Uint32(payload[8:12])
	case CmdMouseLeft, CmdMouseMiddle, CmdMouseRight:
		f.State = payload[0]
	case CmdMouseWheel:
		f.Wheel = int32(binary.BigEndian.Uint32(payload[0:4]))
	case CmdBezierMove:
		f.X = int32(binary.BigEndian.Uint32(payload[0:4]))
		f.Y = int32(binary.BigEndian.Uint32(payload[4:8]))
		f.Duration = binary.BigEndian.Uint32(payload[8:12])
		for i := range f.Control {
			f.Control[i] = int32(binary.BigEndian.Uint32(payload[12+4*i : 16+4*i]))
		}
	case CmdKeyboardAll:
		f.Modifiers = payload[0]
		copy(f.Keys[:], payload[1:1+MaxKeys])
	case CmdMonitor:
		f.Timeout = binary.BigEndian.Uint32(payload[0:4])
	case CmdMask:
		f.MaskKind = MaskKind(payload[0])
		f.MaskCode = payload[1]
		f.MaskOn = payload[2] != 0
	case CmdShowPicture:
		f.Picture = append([]byte(nil), payload[:PictureChunkSize]...)
	}

	return f, nil
}

func putHeader(buf []byte, f *Frame) {
	binary.BigEndian.PutUint32(buf[0:4], f.Mac)
	binary.BigEndian.PutUint32(buf[4:8], f.Rand)
	binary.BigEndian.PutUint32(buf[8:12], f.Index)
	binary.BigEndian.PutUint32(buf[12:16], uint32(f.Cmd))
}
