// Package wire implements the daemon's length-framed request/reply codec:
// a fixed header followed by a TLV field payload.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// FixedHeaderLen is the byte size of Header on the wire.
	FixedHeaderLen = 22

	Magic   uint32 = 0x4a544147 // "JTAG"
	Version uint16 = 1

	FlagIsResponse uint16 = 0x01
	FlagIsError    uint16 = 0x02
)

var (
	ErrShortHeader     = errors.New("wire: short fixed header")
	ErrBadMagic        = errors.New("wire: bad magic")
	ErrUnsupportedVer  = errors.New("wire: unsupported version")
	ErrPayloadTooLarge = errors.New("wire: payload too large")
)

// Header is the fixed preamble of every frame.
type Header struct {
	Magic       uint32
	Version     uint16
	MessageType uint16
	MessageID   uint64
	Flags       uint16
	PayloadLen  uint32
}

// Frame is one complete wire message: header plus opaque TLV-encoded payload.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits bounds how much memory a single ReadFrame call will allocate.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 16 * 1024 * 1024}
}

// ReadFrame reads one frame from r, classifying a clean EOF on the header
// boundary as io.EOF rather than wrapping it — callers use this to detect a
// peer-initiated disconnect versus a truncated frame mid-stream.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.Magic != Magic {
		return Frame{}, ErrBadMagic
	}
	if h.Version != Version {
		return Frame{}, ErrUnsupportedVer
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Frame{}, ErrShortHeader
			}
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame writes f to w, recomputing PayloadLen from len(f.Payload).
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	payloadLen := uint32(len(f.Payload))
	if payloadLen > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}

	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.PayloadLen = payloadLen

	if _, err := w.Write(EncodeHeader(h)); err != nil {
		return err
	}
	if payloadLen > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.MessageType)
	binary.BigEndian.PutUint64(buf[8:16], h.MessageID)
	binary.BigEndian.PutUint16(buf[16:18], h.Flags)
	binary.BigEndian.PutUint32(buf[18:22], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != FixedHeaderLen {
		return Header{}, fmt.Errorf("wire: invalid fixed header length: %d", len(b))
	}
	return Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Version:     binary.BigEndian.Uint16(b[4:6]),
		MessageType: binary.BigEndian.Uint16(b[6:8]),
		MessageID:   binary.BigEndian.Uint64(b[8:16]),
		Flags:       binary.BigEndian.Uint16(b[16:18]),
		PayloadLen:  binary.BigEndian.Uint32(b[18:22]),
	}, nil
}
