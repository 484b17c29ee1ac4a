// Package session is the artifact registry shared by the stages of one
// user's interaction. Artifacts are keyed by user id, kind and channel
// index; an artifact becomes visible only once it has been written in full.
package session

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// UserID scopes every artifact of one client session.
type UserID uint64

// NewUserID draws a random id. Ids are never checked for collisions; the
// 64-bit space makes one negligible.
func NewUserID() (UserID, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generate user id: %w", err)
	}
	return UserID(binary.BigEndian.Uint64(b[:])), nil
}

// String renders the id in decimal, as it appears in commands.
func (u UserID) String() string {
	return strconv.FormatUint(uint64(u), 10)
}

// Kind is the role of an artifact.
type Kind uint8

const (
	// KindProfile is the public profile of the encryption context.
	KindProfile Kind = iota + 1
	// KindImage is one encrypted input channel.
	KindImage
	// KindOutput is the combined result channel.
	KindOutput
)

var kindNames = map[Kind]string{
	KindProfile: "profile",
	KindImage:   "image",
	KindOutput:  "output",
}

// String returns the string representation of a Kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", uint8(k))
}

// ErrInvalidName is returned for artifact names that do not follow the
// "profile", "image-<i>" or "output-<i>" forms.
var ErrInvalidName = errors.New("session: invalid artifact name")

// Key identifies one artifact.
type Key struct {
	User    UserID
	Kind    Kind
	Channel int
}

// ProfileKey returns the key of a user's public profile.
func ProfileKey(user UserID) Key {
	return Key{User: user, Kind: KindProfile}
}

// ImageKey returns the key of one input channel.
func ImageKey(user UserID, channel int) Key {
	return Key{User: user, Kind: KindImage, Channel: channel}
}

// OutputKey returns the key of one output channel.
func OutputKey(user UserID, channel int) Key {
	return Key{User: user, Kind: KindOutput, Channel: channel}
}

// Name is the artifact name used on the wire.
func (k Key) Name() string {
	if k.Kind == KindProfile {
		return k.Kind.String()
	}
	return k.Kind.String() + "-" + strconv.Itoa(k.Channel)
}

// String renders the key for logs, e.g. "image-1/42".
func (k Key) String() string {
	return k.Name() + "/" + k.User.String()
}

// ParseName is the inverse of Key.Name.
func ParseName(user UserID, name string) (Key, error) {
	if name == KindProfile.String() {
		return ProfileKey(user), nil
	}
	prefix, idx, ok := strings.Cut(name, "-")
	if !ok {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	channel, err := strconv.Atoi(idx)
	if err != nil || channel < 0 {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	switch prefix {
	case KindImage.String():
		return ImageKey(user, channel), nil
	case KindOutput.String():
		return OutputKey(user, channel), nil
	default:
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
}
