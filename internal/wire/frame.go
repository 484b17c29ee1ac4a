// Package wire implements the length-prefixed frame codec shared by the
// initiator and responder. Every byte that crosses a connection is carried
// inside a frame, so payload bytes can never be confused with control
// signals such as acknowledgments or the end of a stream.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	headerSize   = 8
	maxPayloadMB = 64
	// MaxPayload is the largest payload a single frame may carry.
	MaxPayload = maxPayloadMB * 1024 * 1024
)

const maxUint32 = ^uint32(0)

// FrameType identifies what a frame carries.
type FrameType uint32

const (
	// FrameCommand carries an encoded protocol command.
	FrameCommand FrameType = iota + 1
	// FrameResponse carries an encoded protocol response.
	FrameResponse
	// FrameData carries one chunk of an artifact body.
	FrameData
	// FrameAck acknowledges a single data frame.
	FrameAck
	// FrameEnd marks the end of an artifact body.
	FrameEnd
)

var frameTypeNames = map[FrameType]string{
	FrameCommand:  "Command",
	FrameResponse: "Response",
	FrameData:     "Data",
	FrameAck:      "Ack",
	FrameEnd:      "End",
}

// String returns the string representation of a FrameType.
func (ft FrameType) String() string { // A
	if name, ok := frameTypeNames[ft]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", uint32(ft))
}

// ErrUnexpectedFrame is returned when a peer sends a frame type that is not
// valid at the current point of the exchange.
var ErrUnexpectedFrame = errors.New("wire: unexpected frame")

// Frame is a single unit on the wire.
type Frame struct {
	Type    FrameType
	Payload []byte
}

func intLenToUint32(value int) (uint32, error) { // A
	if value < 0 || uint64(value) > uint64(maxUint32) {
		return 0, fmt.Errorf(
			"length out of uint32 range: %d",
			value,
		)
	}
	// #nosec G115 -- bounds are validated just above.
	return uint32(value), nil
}

// WriteFrame serializes a Frame to w. Wire format:
//
//	[4B type big-endian uint32]
//	[4B payload length big-endian uint32]
//	[N bytes payload]
func WriteFrame(w io.Writer, f Frame) error { // A
	if len(f.Payload) > MaxPayload {
		return fmt.Errorf(
			"payload exceeds %dMB limit",
			maxPayloadMB,
		)
	}
	payloadLen, err := intLenToUint32(len(f.Payload))
	if err != nil {
		return err
	}

	// Header and payload go out in one write so a frame is never split
	// across two segments by the transport unless it has to be.
	buf := make([]byte, headerSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(f.Type))
	binary.BigEndian.PutUint32(buf[4:8], payloadLen)
	copy(buf[headerSize:], f.Payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

// ReadFrame deserializes a Frame from r. A clean io.EOF before any header
// byte is returned unwrapped so callers can tell a closed connection from a
// truncated frame.
func ReadFrame(r io.Reader) (Frame, error) { // A
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("read header: %w", err)
	}
	frameType := FrameType(binary.BigEndian.Uint32(hdr[:4]))
	payloadLen := binary.BigEndian.Uint32(hdr[4:])
	if payloadLen > MaxPayload {
		return Frame{}, fmt.Errorf(
			"payload length %d exceeds %dMB limit",
			payloadLen,
			maxPayloadMB,
		)
	}
	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("read payload: %w", err)
		}
	}
	return Frame{Type: frameType, Payload: payload}, nil
}

// Expect reads the next frame and fails with ErrUnexpectedFrame if it is
// not of the wanted type.
func Expect(r io.Reader, want FrameType) (Frame, error) { // A
	f, err := ReadFrame(r)
	if err != nil {
		return Frame{}, err
	}
	if f.Type != want {
		return Frame{}, fmt.Errorf(
			"%w: got %s, want %s",
			ErrUnexpectedFrame,
			f.Type,
			want,
		)
	}
	return f, nil
}
