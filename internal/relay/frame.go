package relay

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
)

// Opcodes of the supported frame subset.
const (
	opText  byte = 0x1
	opClose byte = 0x8
	opPing  byte = 0x9
	opPong  byte = 0xA
)

// Payload lengths above 2^53-1 are not representable by every consumer of
// this protocol; such frames close the connection.
const maxFramePayload = 1<<53 - 1

var errFrameTooLarge = errors.New("frame payload too large")

type frame struct {
	fin     bool
	opcode  byte
	payload []byte
}

// encodeFrame builds one server-to-client frame. Server frames are always
// final and never masked.
func encodeFrame(opcode byte, payload []byte) []byte {
	n := len(payload)
	switch {
	case n < 126:
		header := []byte{0x80 | opcode, byte(n)}
		return append(header, payload...)
	case n <= 0xffff:
		header := make([]byte, 4)
		header[0] = 0x80 | opcode
		header[1] = 126
		binary.BigEndian.PutUint16(header[2:], uint16(n))
		return append(header, payload...)
	default:
		header := make([]byte, 10)
		header[0] = 0x80 | opcode
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(n))
		return append(header, payload...)
	}
}

// readFrame decodes one client frame. bufio buffers partial reads, so frames
// split across TCP segments reassemble transparently. Client frames should be
// masked per RFC6455, but unmasked payloads pass through unchanged rather
// than killing the connection over a telemetry frame.
func readFrame(r *bufio.Reader) (frame, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return frame{}, err
	}

	fin := header[0]&0x80 != 0
	opcode := header[0] & 0x0f
	masked := header[1]&0x80 != 0
	length := uint64(header[1] & 0x7f)

	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return frame{}, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return frame{}, err
		}
		length = binary.BigEndian.Uint64(ext[:])
		if length > maxFramePayload {
			return frame{}, errFrameTooLarge
		}
	}

	var maskKey [4]byte
	if masked {
		if _, err := io.ReadFull(r, maskKey[:]); err != nil {
			return frame{}, err
		}
	}

	payload, err := readPayload(r, length)
	if err != nil {
		return frame{}, err
	}
	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}

	return frame{fin: fin, opcode: opcode, payload: payload}, nil
}

// payloadChunk bounds each allocation while draining a frame body.
const payloadChunk = 1 << 20

// readPayload grows the buffer only as bytes actually arrive. The declared
// length is untrusted client input; allocating it up front would let a short
// header with an absurd length crash the process before a single payload byte
// is read.
func readPayload(r *bufio.Reader, length uint64) ([]byte, error) {
	var payload []byte
	chunk := make([]byte, payloadChunk)
	for remaining := length; remaining > 0; {
		n := uint64(len(chunk))
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(r, chunk[:n]); err != nil {
			return nil, err
		}
		payload = append(payload, chunk[:n]...)
		remaining -= n
	}
	return payload, nil
}
