// Package ckks provides the homomorphic engine backed by the CKKS scheme
// of lattigo. A session context holds a fresh key pair; its public profile
// carries the scheme parameters and the public key, which is all the
// responder needs to scale and add row ciphertexts.
package ckks

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	heckks "github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"github.com/i5heu/ouroboros-fhe/internal/codec"
	"github.com/i5heu/ouroboros-fhe/pkg/engine"
)

// Name is the registry name of this engine.
const Name = "ckks"

var profileMagic = []byte("ckks-profile/1")

// DefaultParameters gives 4096 slots per ciphertext and two levels, one of
// which is consumed by the rescale after the scalar multiplication.
var DefaultParameters = heckks.ParametersLiteral{
	LogN:            13,
	LogQ:            []int{55, 40, 40},
	LogP:            []int{61},
	LogDefaultScale: 40,
}

func init() {
	engine.Register(Name, func() engine.Engine {
		return &Engine{Literal: DefaultParameters}
	})
}

// Ciphertext wraps a lattigo ciphertext.
type Ciphertext struct {
	*rlwe.Ciphertext
}

func cast(ct engine.Ciphertext) (*rlwe.Ciphertext, error) {
	c, ok := ct.(Ciphertext)
	if !ok || c.Ciphertext == nil {
		return nil, fmt.Errorf("ckks: foreign ciphertext %T", ct)
	}
	return c.Ciphertext, nil
}

func deserialize(params heckks.Parameters, data []byte) (engine.Ciphertext, error) {
	ct := rlwe.NewCiphertext(params, 1, params.MaxLevel())
	if err := ct.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("ckks: unmarshal ciphertext: %w", err)
	}
	if ct.Degree() != 1 {
		return nil, fmt.Errorf("%w: degree %d", engine.ErrIncompatibleCiphertext, ct.Degree())
	}
	if n := ct.Value[0].N(); n != params.N() {
		return nil, fmt.Errorf("%w: ring degree %d, want %d", engine.ErrIncompatibleCiphertext, n, params.N())
	}
	if ct.Level() > params.MaxLevel() {
		return nil, fmt.Errorf("%w: level %d above %d",
			engine.ErrIncompatibleCiphertext, ct.Level(), params.MaxLevel())
	}
	return Ciphertext{ct}, nil
}

// Engine creates CKKS contexts from a parameter literal.
type Engine struct {
	Literal heckks.ParametersLiteral
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return Name }

// NewContext generates a fresh key pair.
func (e *Engine) NewContext() (engine.SecretContext, error) {
	params, err := heckks.NewParametersFromLiteral(e.Literal)
	if err != nil {
		return nil, fmt.Errorf("ckks: parameters: %w", err)
	}
	sk, pk := rlwe.NewKeyGenerator(params).GenKeyPairNew()
	return &secretContext{
		params:    params,
		pk:        pk,
		encoder:   heckks.NewEncoder(params),
		encryptor: rlwe.NewEncryptor(params, pk),
		decryptor: rlwe.NewDecryptor(params, sk),
	}, nil
}

// LoadPublicProfile parses a profile produced by a secret context of this
// engine.
func (e *Engine) LoadPublicProfile(profile []byte) (engine.Evaluator, error) {
	segs, err := codec.Decode(profile)
	if err != nil {
		return nil, fmt.Errorf("ckks: profile: %w", err)
	}
	if len(segs) != 3 || !bytes.Equal(segs[0], profileMagic) {
		return nil, engine.ErrProfileMismatch
	}
	var params heckks.Parameters
	if err := params.UnmarshalBinary(segs[1]); err != nil {
		return nil, fmt.Errorf("ckks: unmarshal parameters: %w", err)
	}
	pk := rlwe.NewPublicKey(params)
	if err := pk.UnmarshalBinary(segs[2]); err != nil {
		return nil, fmt.Errorf("ckks: unmarshal public key: %w", err)
	}
	return newEvaluator(params), nil
}

type secretContext struct {
	params    heckks.Parameters
	pk        *rlwe.PublicKey
	encoder   *heckks.Encoder
	encryptor *rlwe.Encryptor
	decryptor *rlwe.Decryptor
}

func (c *secretContext) PublicProfile() ([]byte, error) {
	paramsBytes, err := c.params.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("ckks: marshal parameters: %w", err)
	}
	pkBytes, err := c.pk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("ckks: marshal public key: %w", err)
	}
	return codec.Encode([][]byte{profileMagic, paramsBytes, pkBytes})
}

func (c *secretContext) EncodeEncrypt(values []float64) (engine.Ciphertext, error) {
	if len(values) > c.params.MaxSlots() {
		return nil, fmt.Errorf(
			"ckks: %d values exceed %d slots",
			len(values),
			c.params.MaxSlots(),
		)
	}
	pt := heckks.NewPlaintext(c.params, c.params.MaxLevel())
	if err := c.encoder.Encode(values, pt); err != nil {
		return nil, fmt.Errorf("ckks: encode: %w", err)
	}
	ct, err := c.encryptor.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("ckks: encrypt: %w", err)
	}
	return Ciphertext{ct}, nil
}

func (c *secretContext) Decrypt(ct engine.Ciphertext) ([]float64, error) {
	raw, err := cast(ct)
	if err != nil {
		return nil, err
	}
	pt := c.decryptor.DecryptNew(raw)
	values := make([]float64, c.params.MaxSlots())
	if err := c.encoder.Decode(pt, values); err != nil {
		return nil, fmt.Errorf("ckks: decode: %w", err)
	}
	return values, nil
}

func (c *secretContext) Deserialize(data []byte) (engine.Ciphertext, error) {
	return deserialize(c.params, data)
}

// evaluator hands each call its own lattigo evaluator from a pool, since
// those keep scratch buffers and must not be shared between goroutines.
type evaluator struct {
	params heckks.Parameters
	pool   sync.Pool
}

func newEvaluator(params heckks.Parameters) *evaluator {
	ev := &evaluator{params: params}
	ev.pool.New = func() any {
		return heckks.NewEvaluator(params, nil)
	}
	return ev
}

func (ev *evaluator) Deserialize(data []byte) (engine.Ciphertext, error) {
	return deserialize(ev.params, data)
}

func (ev *evaluator) ScalarMultiply(ct engine.Ciphertext, factor float64) (engine.Ciphertext, error) {
	raw, err := cast(ct)
	if err != nil {
		return nil, err
	}
	eval := ev.pool.Get().(*heckks.Evaluator)
	defer ev.pool.Put(eval)

	out, err := eval.MulNew(raw, factor)
	if err != nil {
		return nil, fmt.Errorf("ckks: multiply: %w", err)
	}
	if err := eval.Rescale(out, out); err != nil {
		return nil, fmt.Errorf("ckks: rescale: %w", err)
	}
	return Ciphertext{out}, nil
}

func (ev *evaluator) Add(a, b engine.Ciphertext) (engine.Ciphertext, error) {
	ra, err := cast(a)
	if err != nil {
		return nil, err
	}
	rb, err := cast(b)
	if err != nil {
		return nil, err
	}
	if ra.Level() != rb.Level() {
		return nil, errors.New("ckks: adding ciphertexts at different levels")
	}
	eval := ev.pool.Get().(*heckks.Evaluator)
	defer ev.pool.Put(eval)

	out, err := eval.AddNew(ra, rb)
	if err != nil {
		return nil, fmt.Errorf("ckks: add: %w", err)
	}
	return Ciphertext{out}, nil
}
