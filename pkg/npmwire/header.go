package npmwire

import "encoding/binary"

// Header starts every message on the wire.
type Header struct {
	Magic        uint32
	VersionMajor uint8
	VersionMinor uint8
	Cmd          Cmd
	Flags        uint8
	SeqID        uint32
	PayloadSize  uint32
}

// NewHeader builds a header for one outgoing message.
func NewHeader(cmd Cmd, seqID, payloadSize uint32) Header {
	return Header{
		Magic:        Magic,
		VersionMajor: VersionMajor,
		VersionMinor: VersionMinor,
		Cmd:          cmd,
		SeqID:        seqID,
		PayloadSize:  payloadSize,
	}
}

// Encode writes the header into b, which must hold HeaderSize bytes.
func (h Header) Encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	b[4] = h.VersionMajor
	b[5] = h.VersionMinor
	b[6] = byte(h.Cmd)
	b[7] = h.Flags
	binary.LittleEndian.PutUint32(b[8:12], h.SeqID)
	binary.LittleEndian.PutUint32(b[12:16], h.PayloadSize)
}

// DecodeHeader parses a header from b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortMessage
	}
	return Header{
		Magic:        binary.LittleEndian.Uint32(b[0:4]),
		VersionMajor: b[4],
		VersionMinor: b[5],
		Cmd:          Cmd(b[6]),
		Flags:        b[7],
		SeqID:        binary.LittleEndian.Uint32(b[8:12]),
		PayloadSize:  binary.LittleEndian.Uint32(b[12:16]),
	}, nil
}

// Validate checks the fields both peers must agree on. A failure here is a
// protocol error: the connection is torn down without a reply.
func (h Header) Validate() error {
	if h.Magic != Magic {
		return ErrBadMagic
	}
	if h.VersionMajor != VersionMajor {
		return ErrVersionMismatch
	}
	return nil
}
