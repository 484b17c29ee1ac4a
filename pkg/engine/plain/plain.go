// Package plain is a stand-in engine that keeps values in the clear. It
// implements the same capability as a real homomorphic engine so the
// transfer protocol and the orchestrators can be exercised without any
// cryptography. It provides no confidentiality whatsoever.
package plain

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/i5heu/ouroboros-fhe/pkg/engine"
)

// Name is the registry name of this engine.
const Name = "plain"

var profileMagic = []byte("plain-profile/1")

func init() {
	engine.Register(Name, func() engine.Engine { return Engine{} })
}

// Ciphertext is a vector of clear values.
type Ciphertext []float64

// MarshalBinary encodes the values as little-endian IEEE-754 words.
func (c Ciphertext) MarshalBinary() ([]byte, error) {
	out := make([]byte, 8*len(c))
	for i, v := range c {
		binary.LittleEndian.PutUint64(out[8*i:], math.Float64bits(v))
	}
	return out, nil
}

func unmarshal(data []byte) (Ciphertext, error) {
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("plain: ciphertext length %d is not a multiple of 8", len(data))
	}
	out := make(Ciphertext, len(data)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[8*i:]))
	}
	return out, nil
}

func cast(ct engine.Ciphertext) (Ciphertext, error) {
	c, ok := ct.(Ciphertext)
	if !ok {
		return nil, fmt.Errorf("plain: foreign ciphertext %T", ct)
	}
	return c, nil
}

// Engine is the plain engine.
type Engine struct{}

// Name implements engine.Engine.
func (Engine) Name() string { return Name }

// NewContext implements engine.Engine.
func (Engine) NewContext() (engine.SecretContext, error) {
	return secretContext{}, nil
}

// LoadPublicProfile implements engine.Engine.
func (Engine) LoadPublicProfile(profile []byte) (engine.Evaluator, error) {
	if !bytes.Equal(profile, profileMagic) {
		return nil, engine.ErrProfileMismatch
	}
	return evaluator{}, nil
}

type secretContext struct{}

func (secretContext) PublicProfile() ([]byte, error) {
	return append([]byte(nil), profileMagic...), nil
}

func (secretContext) EncodeEncrypt(values []float64) (engine.Ciphertext, error) {
	return append(Ciphertext(nil), values...), nil
}

func (secretContext) Decrypt(ct engine.Ciphertext) ([]float64, error) {
	c, err := cast(ct)
	if err != nil {
		return nil, err
	}
	return append([]float64(nil), c...), nil
}

func (secretContext) Deserialize(data []byte) (engine.Ciphertext, error) {
	return unmarshal(data)
}

type evaluator struct{}

func (evaluator) Deserialize(data []byte) (engine.Ciphertext, error) {
	return unmarshal(data)
}

func (evaluator) ScalarMultiply(ct engine.Ciphertext, factor float64) (engine.Ciphertext, error) {
	c, err := cast(ct)
	if err != nil {
		return nil, err
	}
	out := make(Ciphertext, len(c))
	for i, v := range c {
		out[i] = v * factor
	}
	return out, nil
}

func (evaluator) Add(a, b engine.Ciphertext) (engine.Ciphertext, error) {
	ca, err := cast(a)
	if err != nil {
		return nil, err
	}
	cb, err := cast(b)
	if err != nil {
		return nil, err
	}
	if len(ca) != len(cb) {
		return nil, errors.New("plain: adding ciphertexts of different length")
	}
	out := make(Ciphertext, len(ca))
	for i := range ca {
		out[i] = ca[i] + cb[i]
	}
	return out, nil
}
