package framing

import (
	"bytes"
	"errors"
	"testing"
)

func TestSlipRoundTrip(t *testing.T) {
	testcases := [][]byte{
		[]byte(""),
		[]byte("hello"),
		{192},
		{219},
		{192, 219, 192, 219},
		{0, 1, 2, 3, 255},
		{219, 220}, // escape sequences as payload
		{219, 221},
	}
	codec := Slip{}.Codec()
	for _, tc := range testcases {
		frame, rest, err := codec.Decode(codec.Encode(tc))
		if err != nil {
			t.Errorf("decode(encode(%v)): %s", tc, err)
			continue
		}
		if !bytes.Equal(frame, tc) {
			t.Errorf("decode(encode(%v)) = %v", tc, frame)
		}
		if len(rest) != 0 {
			t.Errorf("decode(encode(%v)) leftover %v", tc, rest)
		}
	}
}

func TestSlipDecodeNeedsMoreData(t *testing.T) {
	codec := Slip{}.Codec()

	// no terminator yet
	frame, rest, err := codec.Decode([]byte{1, 2, 3})
	if err != nil || frame != nil {
		t.Fatalf("partial buffer: frame %v err %v", frame, err)
	}
	if !bytes.Equal(rest, []byte{1, 2, 3}) {
		t.Fatalf("partial buffer leftover %v", rest)
	}

	// a lone trailing escape is not an error
	frame, rest, err = codec.Decode([]byte{1, 219})
	if err != nil || frame != nil {
		t.Fatalf("lone escape: frame %v err %v", frame, err)
	}
	if !bytes.Equal(rest, []byte{1, 219}) {
		t.Fatalf("lone escape leftover %v", rest)
	}
}

func TestSlipDecodeBadEscape(t *testing.T) {
	codec := Slip{}.Codec()
	_, _, err := codec.Decode([]byte{219, 7, 192})
	if !errors.Is(err, ErrBadFrame) {
		t.Fatalf("invalid escape successor: err %v", err)
	}
}

func TestSlipDecodeLeftover(t *testing.T) {
	codec := Slip{}.Codec()
	buf := append(codec.Encode([]byte("one")), codec.Encode([]byte("two"))...)

	frame, rest, err := codec.Decode(buf)
	if err != nil || string(frame) != "one" {
		t.Fatalf("first frame %q err %v", frame, err)
	}
	frame, rest, err = codec.Decode(rest)
	if err != nil || string(frame) != "two" {
		t.Fatalf("second frame %q err %v", frame, err)
	}
	if len(rest) != 0 {
		t.Fatalf("leftover %v", rest)
	}
}

func TestLengthPrefixed(t *testing.T) {
	codec := LengthPrefixed{N: 4}.Codec()

	buf := codec.Encode([]byte("payload"))
	want := []byte{0, 0, 0, 7, 'p', 'a', 'y', 'l', 'o', 'a', 'd'}
	if !bytes.Equal(buf, want) {
		t.Fatalf("encode = %v, want %v", buf, want)
	}

	frame, rest, err := codec.Decode(append(buf, 0xAA))
	if err != nil || string(frame) != "payload" {
		t.Fatalf("decode frame %q err %v", frame, err)
	}
	if !bytes.Equal(rest, []byte{0xAA}) {
		t.Fatalf("decode leftover %v", rest)
	}

	// incomplete header, then incomplete payload
	frame, _, err = codec.Decode([]byte{0, 0})
	if err != nil || frame != nil {
		t.Fatalf("short header: frame %v err %v", frame, err)
	}
	frame, _, err = codec.Decode([]byte{0, 0, 0, 7, 'p'})
	if err != nil || frame != nil {
		t.Fatalf("short payload: frame %v err %v", frame, err)
	}
}

func TestLengthPrefixedSmallHeader(t *testing.T) {
	codec := LengthPrefixed{N: 2}.Codec()
	buf := codec.Encode([]byte("ab"))
	if !bytes.Equal(buf, []byte{0, 2, 'a', 'b'}) {
		t.Fatalf("encode = %v", buf)
	}
	frame, rest, err := codec.Decode(buf)
	if err != nil || string(frame) != "ab" || len(rest) != 0 {
		t.Fatalf("decode frame %q rest %v err %v", frame, rest, err)
	}
}

func TestRaw(t *testing.T) {
	codec := Raw{}.Codec()
	frame, rest, err := codec.Decode([]byte("anything"))
	if err != nil || string(frame) != "anything" || len(rest) != 0 {
		t.Fatalf("raw decode frame %q rest %v err %v", frame, rest, err)
	}
	if string(codec.Encode([]byte("x"))) != "x" {
		t.Fatalf("raw encode modified the frame")
	}
	frame, _, err = codec.Decode(nil)
	if err != nil || frame != nil {
		t.Fatalf("raw decode of nothing: frame %v err %v", frame, err)
	}
}

func TestParse(t *testing.T) {
	testcases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"raw", "raw", true},
		{"slip", "slip", true},
		{"length_prefixed(4)", "length_prefixed(4)", true},
		{"length_prefixed( 2 )", "length_prefixed(2)", true},
		{"driver(ftdi, slip)", "driver(ftdi, slip)", true},
		{"driver(x, driver(y, length_prefixed(1)))", "driver(x, driver(y, length_prefixed(1)))", true},
		{"length_prefixed(0)", "", false},
		{"length_prefixed(nine)", "", false},
		{"driver(noinner)", "", false},
		{"packet", "", false},
		{"", "", false},
	}
	for _, tc := range testcases {
		fam, err := Parse(tc.in)
		if tc.ok != (err == nil) {
			t.Errorf("Parse(%q): err %v", tc.in, err)
			continue
		}
		if tc.ok && fam.String() != tc.want {
			t.Errorf("Parse(%q) = %s, want %s", tc.in, fam, tc.want)
		}
	}
}

func TestDriverResolvesToBase(t *testing.T) {
	fam, err := Parse("driver(ftdi, slip)")
	if err != nil {
		t.Fatal(err)
	}
	codec := fam.Codec()
	frame, _, err := codec.Decode(codec.Encode([]byte{192}))
	if err != nil || !bytes.Equal(frame, []byte{192}) {
		t.Fatalf("driver codec frame %v err %v", frame, err)
	}
}
