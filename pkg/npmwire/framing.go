package npmwire

import "io"

// WriteMessage frames and sends one message. A nil payload sends a bare
// header with PayloadSize 0.
func WriteMessage(w io.Writer, cmd Cmd, seqID uint32, payload Payload) error {
	size := 0
	if payload != nil {
		size = payload.WireSize()
	}
	buf := make([]byte, HeaderSize+size)
	NewHeader(cmd, seqID, uint32(size)).Encode(buf[:HeaderSize])
	if payload != nil {
		payload.Encode(buf[HeaderSize:])
	}
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads and parses one header. Short reads surface as the
// underlying io error (io.EOF / io.ErrUnexpectedEOF), which callers treat
// as peer disconnect. The header is not validated here; protocol-level
// validation is the caller's decision point.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	return DecodeHeader(buf[:])
}

// ReadPayload reads hdr.PayloadSize bytes and decodes them into payload.
// The declared size must match the payload's wire size exactly.
func ReadPayload(r io.Reader, hdr Header, payload Payload) error {
	want := 0
	if payload != nil {
		want = payload.WireSize()
	}
	if int(hdr.PayloadSize) != want {
		return ErrPayloadSize
	}
	if want == 0 {
		return nil
	}
	buf := make([]byte, want)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	return payload.Decode(buf)
}

// DiscardPayload drains a payload that will not be decoded.
func DiscardPayload(r io.Reader, hdr Header) error {
	if hdr.PayloadSize == 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, r, int64(hdr.PayloadSize))
	return err
}
