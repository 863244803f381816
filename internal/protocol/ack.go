package protocol

import "encoding/binary"

// Header is the 16-byte prefix shared by every frame. The appliance
// acknowledges a command by echoing it.
type Header struct {
	Mac   uint32
	Rand  uint32
	Index uint32
	Cmd   Command
}

// Header returns the header fields of f.
func (f *Frame) Header() Header {
	return Header{Mac: f.Mac, Rand: f.Rand, Index: f.Index, Cmd: f.Cmd}
}

// EncodeHeader serializes a bare header, the form of every ack.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, &Frame{Mac: h.Mac, Rand: h.Rand, Index: h.Index, Cmd: h.Cmd})
	return buf
}

// DecodeHeader parses the header at the start of data.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, ErrShortFrame
	}
	return DecodeHeaderUnchecked(data), nil
}

// DecodeHeaderUnchecked parses a header from data, which must hold at least
// HeaderSize bytes.
func DecodeHeaderUnchecked(data []byte) Header {
	return Header{
		Mac:   binary.BigEndian.Uint32(data[0:4]),
		Rand:  binary.BigEndian.Uint32(data[4:8]),
		Index: binary.BigEndian.Uint32(data[8:12]),
		Cmd:   Command(binary.BigEndian.Uint32(data[12:16])),
	}
}

// Answers reports whether ack is the echo of req. The mac is not compared:
// a matching echo carrying another mac is a rejection, see Rejects.
func (ack Header) Answers(req Header) bool {
	return ack.Cmd == req.Cmd && ack.Index == req.Index
}

// Rejects reports whether ack answers req but names a different pairing.
func (ack Header) Rejects(req Header) bool {
	return ack.Answers(req) && ack.Mac != req.Mac
}
