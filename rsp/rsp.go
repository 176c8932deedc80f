package rsp

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
)

// Package rsp frames the GDB remote-serial-protocol style packets used
// on the debug sub-channel: "$" payload "#" two-hex-digit checksum,
// with "+"/"-" ack markers in front. Only framing lives here; packet
// contents are opaque to the hub.

const (
	packetStart = '$'
	packetEnd   = '#'
	escapeChar  = '}'
	ack         = '+'
	nack        = '-'
)

// Reserved bytes that must be escaped inside a payload.
func reserved(b byte) bool {
	return b == packetEnd || b == packetStart || b == escapeChar || b == '*'
}

// Escape prefixes each reserved byte with '}'. Note that unlike most
// RSP implementations the escaped byte is NOT xored with 0x20; the
// byte goes out unmodified after the marker.
func Escape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		if reserved(b) {
			out = append(out, escapeChar)
		}
		out = append(out, b)
	}
	return out
}

// Unescape drops escape markers, passing the following byte through.
func Unescape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	esc := false
	for _, b := range data {
		if !esc && b == escapeChar {
			esc = true
			continue
		}
		esc = false
		out = append(out, b)
	}
	return out
}

// Checksum is the sum of the bytes mod 256.
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// Wrap produces a full packet, with a leading ack simulating the
// acknowledgment that would travel alongside it.
func Wrap(payload []byte) []byte {
	esc := Escape(payload)
	out := make([]byte, 0, len(esc)+6)
	out = append(out, ack, packetStart)
	out = append(out, esc...)
	out = append(out, packetEnd)
	out = append(out, fmt.Sprintf("%02x", Checksum(esc))...)
	return out
}

// Unwrap strips ack/nack markers, the '$' and the trailing '#XX'.
// The checksum is not verified; the transport below is assumed to be
// reliable.
func Unwrap(packet []byte) ([]byte, error) {
	i := 0
	for i < len(packet) && (packet[i] == ack || packet[i] == nack) {
		i++
	}
	packet = packet[i:]
	if len(packet) == 0 {
		return []byte{}, nil
	}
	if packet[0] != packetStart {
		return nil, fmt.Errorf("rsp: packet does not start with $: %q", packet)
	}
	if len(packet) < 4 || packet[len(packet)-3] != packetEnd {
		return nil, fmt.Errorf("rsp: packet does not end with #XX: %q", packet)
	}
	return Unescape(packet[1 : len(packet)-3]), nil
}

// IsComplete reports whether buf holds one full packet: either a bare
// ack, or anything ending in '#' plus exactly two checksum characters.
func IsComplete(buf []byte) bool {
	if len(buf) == 1 && buf[0] == ack {
		return true
	}
	return len(buf) >= 3 && buf[len(buf)-3] == packetEnd
}

// Assembler accumulates stream chunks until IsComplete holds, then
// hands out the whole buffer and starts over empty.
type Assembler struct {
	buf []byte
}

// Feed appends data and returns any packets completed by it.
func (a *Assembler) Feed(data []byte) [][]byte {
	var packets [][]byte
	for _, b := range data {
		a.buf = append(a.buf, b)
		if IsComplete(a.buf) {
			packets = append(packets, a.buf)
			a.buf = nil
		}
	}
	return packets
}

// Pending returns the bytes accumulated so far.
func (a *Assembler) Pending() []byte {
	return a.buf
}

// ReadPacket blocks on r until one complete packet has been read.
func ReadPacket(r io.Reader) ([]byte, error) {
	var a Assembler
	chunk := make([]byte, 1)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if packets := a.Feed(chunk[:n]); len(packets) > 0 {
				return packets[0], nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

var monitorPrefix = []byte("qRcmd,")

// ParseMonitorCommand recognizes an unwrapped "monitor" packet and
// returns its hex-decoded argument.
func ParseMonitorCommand(packet []byte) ([]byte, bool) {
	if !bytes.HasPrefix(packet, monitorPrefix) {
		return nil, false
	}
	cmd, err := hex.DecodeString(string(packet[len(monitorPrefix):]))
	if err != nil {
		return nil, false
	}
	return cmd, true
}

// MonitorCommand builds the unwrapped form of a monitor packet.
func MonitorCommand(cmd string) []byte {
	return append(append([]byte{}, monitorPrefix...), hex.EncodeToString([]byte(cmd))...)
}
