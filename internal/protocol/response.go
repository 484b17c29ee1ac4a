package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Literal responses. Clients only look at OK; the texts are kept stable
// for operators reading logs.
const (
	MsgFilenameReceived = "Filename received."
	MsgArtifactStored   = "Artifact stored."
	MsgTransformApplied = "Apply grayscale filter successfully"
	MsgOutputFollows    = "Output follows."
)

// ErrRejected wraps every error response a responder sends back.
var ErrRejected = errors.New("protocol: rejected by responder")

// Response answers a command. Length is set when a body follows.
type Response struct {
	OK      bool
	Message string
	Length  int64
}

// Okay returns a successful response.
func Okay(msg string) Response { // A
	return Response{OK: true, Message: msg}
}

// Failure turns err into an error response.
func Failure(err error) Response { // A
	return Response{Message: err.Error()}
}

// Err returns nil for successful responses and an ErrRejected error
// carrying the message otherwise.
func (r Response) Err() error { // A
	if r.OK {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRejected, r.Message)
}

const (
	fieldOK      protowire.Number = 1
	fieldMessage protowire.Number = 2
	fieldBody    protowire.Number = 3
)

func (r Response) MarshalBinary() ([]byte, error) { // A
	var b []byte
	b = protowire.AppendTag(b, fieldOK, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(r.OK))
	if r.Message != "" {
		b = protowire.AppendTag(b, fieldMessage, protowire.BytesType)
		b = protowire.AppendString(b, r.Message)
	}
	if r.Length > 0 {
		b = protowire.AppendTag(b, fieldBody, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Length))
	}
	return b, nil
}

// UnmarshalResponse decodes a response payload.
func UnmarshalResponse(b []byte) (Response, error) { // A
	var r Response
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Response{}, fmt.Errorf("decode response: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldOK && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Response{}, fmt.Errorf("decode response: %w", protowire.ParseError(n))
			}
			r.OK = protowire.DecodeBool(v)
			b = b[n:]
		case num == fieldMessage && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return Response{}, fmt.Errorf("decode response: %w", protowire.ParseError(n))
			}
			r.Message = s
			b = b[n:]
		case num == fieldBody && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Response{}, fmt.Errorf("decode response: %w", protowire.ParseError(n))
			}
			if v > 1<<62 {
				return Response{}, fmt.Errorf("decode response: body length %d", v)
			}
			r.Length = int64(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Response{}, fmt.Errorf("decode response: %w", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return r, nil
}
