package bert

import (
	"bytes"
	"errors"
	"testing"
)

func TestIntRoundTrip(t *testing.T) {
	testcases := []Int{0, 1, 7, 255, 256, -1, 1 << 20, -(1 << 20)}
	for _, tc := range testcases {
		data, err := Encode(tc)
		if err != nil {
			t.Fatalf("encode(%d): %s", tc, err)
		}
		term, err := Decode(data)
		if err != nil {
			t.Fatalf("decode(encode(%d)): %s", tc, err)
		}
		if term != tc {
			t.Errorf("round trip %d = %v", tc, term)
		}
	}
}

func TestSmallIntWireFormat(t *testing.T) {
	data, err := Encode(Int(3))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte{131, 97, 3}) {
		t.Errorf("encode(3) = %v", data)
	}
}

func TestCompoundRoundTrip(t *testing.T) {
	term := Tuple{
		Atom("reply"),
		Int(42),
		Binary("payload"),
		List{Int(1), Int(2)},
		List{},
	}
	data, err := Encode(term)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.String() != term.String() {
		t.Errorf("round trip = %s, want %s", got, term)
	}
}

func TestDecodeString(t *testing.T) {
	// STRING_EXT is a compact list of small integers
	term, err := Decode([]byte{131, 107, 0, 2, 65, 66})
	if err != nil {
		t.Fatal(err)
	}
	if term.String() != "[65,66]" {
		t.Errorf("decoded %s", term)
	}
}

func TestDecodeErrors(t *testing.T) {
	testcases := [][]byte{
		nil,
		{},
		{131},
		{130, 97, 3},     // wrong version
		{131, 97},        // truncated small int
		{131, 98, 0},     // truncated int
		{131, 109, 0, 0}, // truncated binary size
		{131, 97, 3, 97}, // trailing bytes
		{131, 200},       // unknown tag
		// list headers claiming more elements than there are bytes
		// must fail cleanly, not size an allocation
		{131, 108, 0xFF, 0xFF, 0xFF, 0xFF},
		{131, 108, 0, 0, 0, 9, 97, 1},
	}
	for _, tc := range testcases {
		if _, err := Decode(tc); err == nil {
			t.Errorf("Decode(%v) succeeded", tc)
		}
	}
}

// A six-byte term can claim four billion list elements; that has to
// come back as a malformed-term error, never as an allocation.
func TestDecodeOversizedListLength(t *testing.T) {
	_, err := Decode([]byte{131, 108, 0xFF, 0xFF, 0xFF, 0xFF})
	if !errors.Is(err, ErrBadTerm) {
		t.Errorf("err = %v, want ErrBadTerm", err)
	}
}

func TestTermString(t *testing.T) {
	term := Tuple{Atom("info"), Int(7)}
	if term.String() != "{info,7}" {
		t.Errorf("String = %s", term)
	}
}
