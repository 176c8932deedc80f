package bert

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Package bert is a minimal codec for the Erlang external term format
// (the BERT subset the devices actually emit). The hub uses it for the
// opaque ack blobs of correlated calls and to render term-tagged
// frames into the log.

const (
	version = 131

	tagSmallInteger = 97
	tagInteger      = 98
	tagAtom         = 100
	tagSmallTuple   = 104
	tagNil          = 106
	tagString       = 107
	tagList         = 108
	tagBinary       = 109
	tagSmallAtom    = 115
)

var (
	ErrBadTerm = errors.New("bert: malformed term")
)

// Term is one decoded Erlang term.
type Term interface {
	String() string
}

type Int int64

func (i Int) String() string { return fmt.Sprintf("%d", int64(i)) }

type Atom string

func (a Atom) String() string { return string(a) }

type Binary []byte

func (b Binary) String() string { return fmt.Sprintf("<<%q>>", []byte(b)) }

type Tuple []Term

func (t Tuple) String() string { return "{" + join(t) + "}" }

type List []Term

func (l List) String() string { return "[" + join(l) + "]" }

func join(terms []Term) string {
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = t.String()
	}
	return strings.Join(parts, ",")
}

// Encode serializes a term, including the version byte.
func Encode(t Term) ([]byte, error) {
	buf, err := encode([]byte{version}, t)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func encode(buf []byte, t Term) ([]byte, error) {
	switch v := t.(type) {
	case Int:
		if v >= 0 && v < 256 {
			return append(buf, tagSmallInteger, byte(v)), nil
		}
		if v < -1<<31 || v > 1<<31-1 {
			return nil, fmt.Errorf("bert: integer %d out of range", int64(v))
		}
		buf = append(buf, tagInteger)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(int32(v)))
		return append(buf, b[:]...), nil
	case Atom:
		if len(v) > 255 {
			return nil, errors.New("bert: atom too long")
		}
		return append(append(buf, tagSmallAtom, byte(len(v))), v...), nil
	case Binary:
		buf = append(buf, tagBinary)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(len(v)))
		return append(append(buf, b[:]...), v...), nil
	case Tuple:
		if len(v) > 255 {
			return nil, errors.New("bert: tuple too large")
		}
		buf = append(buf, tagSmallTuple, byte(len(v)))
		var err error
		for _, el := range v {
			if buf, err = encode(buf, el); err != nil {
				return nil, err
			}
		}
		return buf, nil
	case List:
		if len(v) == 0 {
			return append(buf, tagNil), nil
		}
		buf = append(buf, tagList)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(len(v)))
		buf = append(buf, b[:]...)
		var err error
		for _, el := range v {
			if buf, err = encode(buf, el); err != nil {
				return nil, err
			}
		}
		return append(buf, tagNil), nil
	}
	return nil, fmt.Errorf("bert: cannot encode %T", t)
}

// Decode parses one term, requiring the version byte and the exact
// length to match.
func Decode(data []byte) (Term, error) {
	if len(data) < 2 || data[0] != version {
		return nil, ErrBadTerm
	}
	t, rest, err := decode(data[1:])
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadTerm, len(rest))
	}
	return t, nil
}

func decode(data []byte) (Term, []byte, error) {
	if len(data) == 0 {
		return nil, nil, ErrBadTerm
	}
	tag, data := data[0], data[1:]
	switch tag {
	case tagSmallInteger:
		if len(data) < 1 {
			return nil, nil, ErrBadTerm
		}
		return Int(data[0]), data[1:], nil
	case tagInteger:
		if len(data) < 4 {
			return nil, nil, ErrBadTerm
		}
		return Int(int32(binary.BigEndian.Uint32(data))), data[4:], nil
	case tagAtom:
		if len(data) < 2 {
			return nil, nil, ErrBadTerm
		}
		n := int(binary.BigEndian.Uint16(data))
		if len(data) < 2+n {
			return nil, nil, ErrBadTerm
		}
		return Atom(data[2 : 2+n]), data[2+n:], nil
	case tagSmallAtom:
		if len(data) < 1 || len(data) < 1+int(data[0]) {
			return nil, nil, ErrBadTerm
		}
		n := int(data[0])
		return Atom(data[1 : 1+n]), data[1+n:], nil
	case tagBinary:
		if len(data) < 4 {
			return nil, nil, ErrBadTerm
		}
		n := int(binary.BigEndian.Uint32(data))
		if len(data) < 4+n {
			return nil, nil, ErrBadTerm
		}
		return Binary(append([]byte{}, data[4:4+n]...)), data[4+n:], nil
	case tagSmallTuple:
		if len(data) < 1 {
			return nil, nil, ErrBadTerm
		}
		n := int(data[0])
		data = data[1:]
		t := make(Tuple, 0, n)
		for i := 0; i < n; i++ {
			el, rest, err := decode(data)
			if err != nil {
				return nil, nil, err
			}
			t = append(t, el)
			data = rest
		}
		return t, data, nil
	case tagNil:
		return List{}, data, nil
	case tagString:
		// a compact list of small integers
		if len(data) < 2 {
			return nil, nil, ErrBadTerm
		}
		n := int(binary.BigEndian.Uint16(data))
		if len(data) < 2+n {
			return nil, nil, ErrBadTerm
		}
		l := make(List, 0, n)
		for _, b := range data[2 : 2+n] {
			l = append(l, Int(b))
		}
		return l, data[2+n:], nil
	case tagList:
		if len(data) < 4 {
			return nil, nil, ErrBadTerm
		}
		n := int(binary.BigEndian.Uint32(data))
		data = data[4:]
		// every element takes at least one byte; a count the input
		// cannot back must not reach the allocator
		if n < 0 || n > len(data) {
			return nil, nil, fmt.Errorf("%w: list length %d exceeds input", ErrBadTerm, n)
		}
		l := make(List, 0, n)
		for i := 0; i < n; i++ {
			el, rest, err := decode(data)
			if err != nil {
				return nil, nil, err
			}
			l = append(l, el)
			data = rest
		}
		// improper tails are not produced by the devices; require nil
		if len(data) < 1 || data[0] != tagNil {
			return nil, nil, ErrBadTerm
		}
		return l, data[1:], nil
	}
	return nil, nil, fmt.Errorf("%w: unknown tag %d", ErrBadTerm, tag)
}
