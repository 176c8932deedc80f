package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Package framing turns a device's byte stream into frames and back.
// Which framing a device speaks is negotiated at connection time; the
// decode and encode sides may use different families.

var (
	// ErrBadFrame reports an unrecoverable framing error; the caller
	// is expected to reset its stream buffer.
	ErrBadFrame = errors.New("framing: malformed frame")
)

// Family is the negotiated framing variant.
type Family interface {
	// Codec resolves the family to its concrete decode/encode pair.
	Codec() Codec
	String() string
}

// Codec decodes at most one frame from the head of buf. A nil frame
// with a nil error means more data is needed; rest always carries the
// bytes not consumed.
type Codec interface {
	Decode(buf []byte) (frame, rest []byte, err error)
	Encode(frame []byte) []byte
}

// Raw applies no framing at all: every chunk is handed through as-is,
// leaving interpretation to the consumer.
type Raw struct{}

func (Raw) Codec() Codec   { return rawCodec{} }
func (Raw) String() string { return "raw" }

type rawCodec struct{}

func (rawCodec) Decode(buf []byte) ([]byte, []byte, error) {
	if len(buf) == 0 {
		return nil, nil, nil
	}
	return buf, nil, nil
}

func (rawCodec) Encode(frame []byte) []byte { return frame }

// LengthPrefixed frames each payload with an N-byte big-endian length
// header.
type LengthPrefixed struct {
	N int
}

func (f LengthPrefixed) Codec() Codec   { return lenCodec{n: f.N} }
func (f LengthPrefixed) String() string { return fmt.Sprintf("length_prefixed(%d)", f.N) }

type lenCodec struct {
	n int
}

func (c lenCodec) Decode(buf []byte) ([]byte, []byte, error) {
	if c.n < 1 || c.n > 8 {
		return nil, buf, fmt.Errorf("%w: length header size %d", ErrBadFrame, c.n)
	}
	if len(buf) < c.n {
		return nil, buf, nil
	}
	var size uint64
	for _, b := range buf[:c.n] {
		size = size<<8 | uint64(b)
	}
	if uint64(len(buf)-c.n) < size {
		return nil, buf, nil
	}
	end := c.n + int(size)
	return buf[c.n:end], buf[end:], nil
}

func (c lenCodec) Encode(frame []byte) []byte {
	out := make([]byte, c.n+len(frame))
	switch c.n {
	case 4:
		binary.BigEndian.PutUint32(out, uint32(len(frame)))
	default:
		size := uint64(len(frame))
		for i := c.n - 1; i >= 0; i-- {
			out[i] = byte(size)
			size >>= 8
		}
	}
	copy(out[c.n:], frame)
	return out
}

// SLIP byte stuffing (RFC 1055).
const (
	slipEnd    = 192
	slipEsc    = 219
	slipEscEnd = 220
	slipEscEsc = 221
)

type Slip struct{}

func (Slip) Codec() Codec   { return slipCodec{} }
func (Slip) String() string { return "slip" }

type slipCodec struct{}

func (slipCodec) Decode(buf []byte) ([]byte, []byte, error) {
	// Encoded frames open with a terminator too; consume one so a
	// frame boundary is not mistaken for an empty frame.
	start := 0
	if len(buf) > 0 && buf[0] == slipEnd {
		start = 1
	}
	frame := make([]byte, 0, len(buf))
	for i := start; i < len(buf); i++ {
		switch buf[i] {
		case slipEnd:
			return frame, buf[i+1:], nil
		case slipEsc:
			if i+1 >= len(buf) {
				// escape with no successor yet
				return nil, buf, nil
			}
			i++
			switch buf[i] {
			case slipEscEnd:
				frame = append(frame, slipEnd)
			case slipEscEsc:
				frame = append(frame, slipEsc)
			default:
				return nil, buf, fmt.Errorf("%w: invalid slip escape %d", ErrBadFrame, buf[i])
			}
		default:
			frame = append(frame, buf[i])
		}
	}
	return nil, buf, nil
}

func (slipCodec) Encode(frame []byte) []byte {
	out := make([]byte, 0, len(frame)+2)
	out = append(out, slipEnd)
	for _, b := range frame {
		switch b {
		case slipEnd:
			out = append(out, slipEsc, slipEscEnd)
		case slipEsc:
			out = append(out, slipEsc, slipEscEsc)
		default:
			out = append(out, b)
		}
	}
	return append(out, slipEnd)
}

// Driver wraps another family; the name selects device-specific
// behavior in an external collaborator and is ignored here. Resolution
// recurses to the base family.
type Driver struct {
	Name  string
	Inner Family
}

func (f Driver) Codec() Codec   { return f.Inner.Codec() }
func (f Driver) String() string { return fmt.Sprintf("driver(%s, %s)", f.Name, f.Inner) }

// Parse reads the negotiation vocabulary: "raw", "slip",
// "length_prefixed(N)", "driver(NAME, INNER)".
func Parse(s string) (Family, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "raw":
		return Raw{}, nil
	case s == "slip":
		return Slip{}, nil
	case strings.HasPrefix(s, "length_prefixed(") && strings.HasSuffix(s, ")"):
		arg := s[len("length_prefixed(") : len(s)-1]
		n, err := strconv.Atoi(strings.TrimSpace(arg))
		if err != nil || n < 1 || n > 8 {
			return nil, fmt.Errorf("framing: bad length_prefixed size %q", arg)
		}
		return LengthPrefixed{N: n}, nil
	case strings.HasPrefix(s, "driver(") && strings.HasSuffix(s, ")"):
		arg := s[len("driver(") : len(s)-1]
		comma := strings.Index(arg, ",")
		if comma < 0 {
			return nil, fmt.Errorf("framing: bad driver spec %q", s)
		}
		inner, err := Parse(arg[comma+1:])
		if err != nil {
			return nil, err
		}
		return Driver{Name: strings.TrimSpace(arg[:comma]), Inner: inner}, nil
	}
	return nil, fmt.Errorf("framing: unknown protocol %q", s)
}
