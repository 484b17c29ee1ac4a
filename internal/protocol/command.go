// Package protocol implements the command exchange between initiator and
// responder. Each connection carries exactly one command: INPUT uploads an
// artifact, APPLY-TRANSFORM runs the weighted combination and GET-OUTPUT
// downloads the combined result.
//
// Commands and responses travel as protobuf-wire encoded payloads inside
// wire frames. The historical underscore-delimited text form is still
// produced by Command.String and accepted by ParseLine.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i5heu/ouroboros-fhe/internal/session"
)

// Kind selects the command.
type Kind uint8

const (
	KindInput Kind = iota + 1
	KindApplyTransform
	KindGetOutput
)

var kindKeywords = map[Kind]string{
	KindInput:          "INPUT",
	KindApplyTransform: "APPLY-TRANSFORM",
	KindGetOutput:      "GET-OUTPUT",
}

func (k Kind) String() string { // A
	if kw, ok := kindKeywords[k]; ok {
		return kw
	}
	return fmt.Sprintf("Unknown(%d)", uint8(k))
}

const fieldDelimiter = "_"

var (
	// ErrUnknownCommand is returned for command kinds or keywords this
	// version does not implement.
	ErrUnknownCommand = errors.New("protocol: unknown command")
	// ErrMalformedCommand is returned for commands with missing or invalid
	// fields.
	ErrMalformedCommand = errors.New("protocol: malformed command")
)

// Command is one request. Only the fields of its Kind are meaningful.
type Command struct {
	Kind Kind
	User session.UserID
	// Name and Length describe the artifact of an INPUT.
	Name   string
	Length int64
	// Channels is the channel count of an APPLY-TRANSFORM.
	Channels int
	// Channel is the output index of a GET-OUTPUT.
	Channel int
}

// Input returns an INPUT command.
func Input( // A
	user session.UserID,
	name string,
	length int64,
) Command {
	return Command{Kind: KindInput, User: user, Name: name, Length: length}
}

// ApplyTransform returns an APPLY-TRANSFORM command.
func ApplyTransform(user session.UserID, channels int) Command { // A
	return Command{Kind: KindApplyTransform, User: user, Channels: channels}
}

// GetOutput returns a GET-OUTPUT command.
func GetOutput(user session.UserID, channel int) Command { // A
	return Command{Kind: KindGetOutput, User: user, Channel: channel}
}

// Validate checks the fields of the command's kind.
func (c Command) Validate() error { // A
	switch c.Kind {
	case KindInput:
		if c.Name == "" {
			return fmt.Errorf("%w: empty artifact name", ErrMalformedCommand)
		}
		if strings.Contains(c.Name, fieldDelimiter) {
			return fmt.Errorf("%w: artifact name %q contains %q", ErrMalformedCommand, c.Name, fieldDelimiter)
		}
		if c.Length < 0 {
			return fmt.Errorf("%w: negative length %d", ErrMalformedCommand, c.Length)
		}
	case KindApplyTransform:
		if c.Channels < 1 {
			return fmt.Errorf("%w: channel count %d", ErrMalformedCommand, c.Channels)
		}
	case KindGetOutput:
		if c.Channel < 0 {
			return fmt.Errorf("%w: channel index %d", ErrMalformedCommand, c.Channel)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, c.Kind)
	}
	return nil
}

// String renders the legacy text form, e.g. "INPUT_image-0_42_1024".
func (c Command) String() string { // A
	parts := []string{c.Kind.String()}
	switch c.Kind {
	case KindInput:
		parts = append(parts, c.Name, c.User.String(), strconv.FormatInt(c.Length, 10))
	case KindApplyTransform:
		parts = append(parts, c.User.String(), strconv.Itoa(c.Channels))
	case KindGetOutput:
		parts = append(parts, c.User.String(), strconv.Itoa(c.Channel))
	}
	return strings.Join(parts, fieldDelimiter)
}

// ParseLine parses the legacy text form. Because fields are positional and
// unescaped, any field containing the delimiter is rejected.
func ParseLine(line string) (Command, error) { // A
	fields := strings.Split(strings.TrimSpace(line), fieldDelimiter)
	var (
		cmd  Command
		want int
	)
	switch fields[0] {
	case KindInput.String():
		cmd.Kind, want = KindInput, 4
	case KindApplyTransform.String():
		cmd.Kind, want = KindApplyTransform, 3
	case KindGetOutput.String():
		cmd.Kind, want = KindGetOutput, 3
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, fields[0])
	}
	if len(fields) != want {
		return Command{}, fmt.Errorf("%w: %s takes %d fields, got %d",
			ErrMalformedCommand, cmd.Kind, want-1, len(fields)-1)
	}

	args := fields[1:]
	if cmd.Kind == KindInput {
		cmd.Name = args[0]
		args = args[1:]
	}
	user, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return Command{}, fmt.Errorf("%w: user id %q", ErrMalformedCommand, args[0])
	}
	cmd.User = session.UserID(user)
	n, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return Command{}, fmt.Errorf("%w: %q is not a number", ErrMalformedCommand, args[1])
	}
	switch cmd.Kind {
	case KindInput:
		cmd.Length = n
	case KindApplyTransform:
		cmd.Channels = int(n)
	case KindGetOutput:
		cmd.Channel = int(n)
	}
	return cmd, cmd.Validate()
}

const (
	fieldKind     protowire.Number = 1
	fieldUser     protowire.Number = 2
	fieldName     protowire.Number = 3
	fieldLength   protowire.Number = 4
	fieldChannels protowire.Number = 5
	fieldChannel  protowire.Number = 6
)

// MarshalBinary encodes the command as protobuf wire fields.
func (c Command) MarshalBinary() ([]byte, error) { // A
	if err := c.Validate(); err != nil {
		return nil, err
	}
	var b []byte
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Kind))
	b = protowire.AppendTag(b, fieldUser, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.User))
	switch c.Kind {
	case KindInput:
		b = protowire.AppendTag(b, fieldName, protowire.BytesType)
		b = protowire.AppendString(b, c.Name)
		b = protowire.AppendTag(b, fieldLength, protowire.VarintType)
		// #nosec G115 -- Validate rejected negative lengths.
		b = protowire.AppendVarint(b, uint64(c.Length))
	case KindApplyTransform:
		b = protowire.AppendTag(b, fieldChannels, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.Channels))
	case KindGetOutput:
		b = protowire.AppendTag(b, fieldChannel, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.Channel))
	}
	return b, nil
}

// UnmarshalCommand decodes and validates a command. Unknown fields are
// skipped so newer peers can add fields.
func UnmarshalCommand(b []byte) (Command, error) { // A
	var c Command
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Command{}, fmt.Errorf("%w: %v", ErrMalformedCommand, protowire.ParseError(n))
		}
		b = b[n:]

		if typ == protowire.VarintType && num != fieldName {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Command{}, fmt.Errorf("%w: %v", ErrMalformedCommand, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldKind:
				if v > 255 {
					return Command{}, fmt.Errorf("%w: kind %d", ErrUnknownCommand, v)
				}
				c.Kind = Kind(v)
			case fieldUser:
				c.User = session.UserID(v)
			case fieldLength:
				// #nosec G115 -- wraps to negative and fails Validate.
				c.Length = int64(v)
			case fieldChannels:
				c.Channels = varintToInt(v)
			case fieldChannel:
				c.Channel = varintToInt(v)
			}
			continue
		}
		if num == fieldName && typ == protowire.BytesType {
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return Command{}, fmt.Errorf("%w: %v", ErrMalformedCommand, protowire.ParseError(n))
			}
			c.Name = s
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return Command{}, fmt.Errorf("%w: %v", ErrMalformedCommand, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return c, c.Validate()
}

func varintToInt(v uint64) int { // A
	if v > uint64(^uint(0)>>1) {
		return -1
	}
	return int(v)
}
