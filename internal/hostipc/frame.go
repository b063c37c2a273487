package hostipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ///////////////////////////////////////////////
// Constants
// ///////////////////////////////////////////////

// Opcode identifies the kind of an IPC frame.
type Opcode uint32

const (
	// OpHandshake opens a session. The payload is a [Handshake].
	OpHandshake Opcode = 0
	// OpFrame carries one [Message].
	OpFrame Opcode = 1
	// OpClose ends the session.
	OpClose Opcode = 2

	// frameHeaderSize is the 4-byte LE opcode plus the 4-byte LE length.
	frameHeaderSize = 8

	// MaxPayloadSize is the largest accepted payload (1 MB).
	MaxPayloadSize = 1 << 20

	// ProtocolVersion is the handshake version this package speaks.
	ProtocolVersion = 1
)

// ErrPayloadTooLarge is returned for frames whose payload exceeds MaxPayloadSize.
var ErrPayloadTooLarge = errors.New("payload too large")

// ///////////////////////////////////////////////
// Frame Encoding
// ///////////////////////////////////////////////

// EncodeFrame builds a frame: [4-byte LE opcode][4-byte LE length][payload].
func EncodeFrame(opcode Opcode, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(opcode))
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)
	return frame, nil
}

// WriteFrame JSON-encodes v and writes it as a single frame.
func WriteFrame(w io.Writer, opcode Opcode, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	frame, err := EncodeFrame(opcode, payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ///////////////////////////////////////////////
// Frame Decoding
// ///////////////////////////////////////////////

// DecodeFrame reads one frame from r, tolerating partial reads.
func DecodeFrame(r io.Reader) (opcode Opcode, payload []byte, err error) {
	var header [frameHeaderSize]byte
	if _, err = io.ReadFull(r, header[:]); err != nil {
		return 0, nil, fmt.Errorf("read frame header: %w", err)
	}

	opcode = Opcode(binary.LittleEndian.Uint32(header[0:4]))
	length := binary.LittleEndian.Uint32(header[4:8])
	if length > MaxPayloadSize {
		return 0, nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, length, MaxPayloadSize)
	}

	payload = make([]byte, length)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read frame payload: %w", err)
	}
	return opcode, payload, nil
}

// ReadMessage reads one frame and decodes an OpFrame payload into a
// [Message]. Other opcodes are returned with a zero Message.
func ReadMessage(r io.Reader) (Opcode, Message, error) {
	opcode, payload, err := DecodeFrame(r)
	if err != nil {
		return 0, Message{}, err
	}
	var msg Message
	if opcode == OpFrame {
		if err := json.Unmarshal(payload, &msg); err != nil {
			return opcode, Message{}, fmt.Errorf("parse message: %w", err)
		}
	}
	return opcode, msg, nil
}
