package relay

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

// clientFrame builds a masked client-to-server frame the way browsers do.
func clientFrame(opcode byte, fin bool, payload []byte) []byte {
	var buf bytes.Buffer
	first := opcode
	if fin {
		first |= 0x80
	}
	buf.WriteByte(first)

	n := len(payload)
	switch {
	case n < 126:
		buf.WriteByte(0x80 | byte(n))
	case n <= 0xffff:
		buf.WriteByte(0x80 | 126)
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(n))
		buf.Write(ext[:])
	default:
		buf.WriteByte(0x80 | 127)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(n))
		buf.Write(ext[:])
	}

	maskKey := [4]byte{0x12, 0x34, 0x56, 0x78}
	buf.Write(maskKey[:])
	for i, b := range payload {
		buf.WriteByte(b ^ maskKey[i%4])
	}
	return buf.Bytes()
}

func TestReadFrameUnmasksClientPayload(t *testing.T) {
	payload := []byte(`{"type":"say","text":"hi"}`)
	r := bufio.NewReader(bytes.NewReader(clientFrame(opText, true, payload)))

	f, err := readFrame(r)
	if err != nil {
		t.Fatalf("readFrame() error = %v", err)
	}
	if !f.fin || f.opcode != opText {
		t.Fatalf("frame = fin=%v opcode=%#x, want final text frame", f.fin, f.opcode)
	}
	if !bytes.Equal(f.payload, payload) {
		t.Fatalf("payload = %q, want %q", f.payload, payload)
	}
}

func TestReadFrameExtendedLengths(t *testing.T) {
	cases := []struct {
		name string
		size int
	}{
		{name: "16-bit length", size: 300},
		{name: "64-bit length", size: 70_000},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			payload := bytes.Repeat([]byte{'x'}, tc.size)
			r := bufio.NewReader(bytes.NewReader(clientFrame(opText, true, payload)))

			f, err := readFrame(r)
			if err != nil {
				t.Fatalf("readFrame() error = %v", err)
			}
			if len(f.payload) != tc.size {
				t.Fatalf("payload length = %d, want %d", len(f.payload), tc.size)
			}
			if !bytes.Equal(f.payload, payload) {
				t.Fatalf("payload corrupted during unmasking")
			}
		})
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0x80 | opText)
	buf.WriteByte(0x80 | 127)
	var ext [8]byte
	binary.BigEndian.PutUint64(ext[:], uint64(maxFramePayload)+1)
	buf.Write(ext[:])

	_, err := readFrame(bufio.NewReader(&buf))
	if !errors.Is(err, errFrameTooLarge) {
		t.Fatalf("readFrame() error = %v, want errFrameTooLarge", err)
	}
}

func TestReadFrameHugeClaimedLengthDoesNotAllocate(t *testing.T) {
	// A 10-byte header claiming 2^52 bytes, under the protocol ceiling but far
	// beyond anything allocatable. The reader must fail on the missing bytes,
	// not crash trying to reserve the claimed size.
	var buf bytes.Buffer
	buf.WriteByte(0x80 | opText)
	buf.WriteByte(127)
	var ext [8]byte
	binary.BigEndian.PutUint64(ext[:], 1<<52)
	buf.Write(ext[:])
	buf.WriteString("only a few real bytes")

	_, err := readFrame(bufio.NewReader(&buf))
	if err == nil {
		t.Fatalf("readFrame() error = nil, want failure for truncated giant frame")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("readFrame() error = %v, want unexpected EOF once the stream runs dry", err)
	}
}

func TestReadFrameReportsContinuationFlag(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader(clientFrame(opText, false, []byte("part"))))

	f, err := readFrame(r)
	if err != nil {
		t.Fatalf("readFrame() error = %v", err)
	}
	if f.fin {
		t.Fatalf("frame reports fin, want continuation flagged for the caller to reject")
	}
}

func TestReadFrameAcceptsUnmaskedPayload(t *testing.T) {
	payload := []byte("plain")
	var buf bytes.Buffer
	buf.WriteByte(0x80 | opText)
	buf.WriteByte(byte(len(payload)))
	buf.Write(payload)

	f, err := readFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("readFrame() error = %v", err)
	}
	if !bytes.Equal(f.payload, payload) {
		t.Fatalf("payload = %q, want %q passed through", f.payload, payload)
	}
}

func TestEncodeFrameRoundTrip(t *testing.T) {
	for _, size := range []int{0, 5, 125, 126, 300, 70_000} {
		payload := bytes.Repeat([]byte{'y'}, size)
		encoded := encodeFrame(opText, payload)

		f, err := readFrame(bufio.NewReader(bytes.NewReader(encoded)))
		if err != nil {
			t.Fatalf("size %d: readFrame() error = %v", size, err)
		}
		if !f.fin || f.opcode != opText || !bytes.Equal(f.payload, payload) {
			t.Fatalf("size %d: round trip mismatch", size)
		}
	}
}
