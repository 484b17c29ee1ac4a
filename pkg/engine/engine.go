// Package engine defines the cryptographic capability the orchestrators
// depend on. The initiator holds a SecretContext and never lets its secret
// material leave the process; the responder only ever sees the serialized
// public profile, from which it builds an Evaluator able to scale and add
// ciphertexts without decrypting them.
package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownEngine is returned by New for an unregistered engine name.
var ErrUnknownEngine = errors.New("engine: unknown engine")

// ErrProfileMismatch is returned when a public profile was produced by a
// different engine than the one asked to load it.
var ErrProfileMismatch = errors.New("engine: public profile from another engine")

// ErrIncompatibleCiphertext is returned when a serialized ciphertext was
// produced under different scheme parameters than the context or profile
// decoding it.
var ErrIncompatibleCiphertext = errors.New("engine: ciphertext does not match parameters")

// Ciphertext is one opaque encrypted unit. In this system it always holds
// one row of one image channel.
type Ciphertext interface {
	MarshalBinary() ([]byte, error)
}

// SecretContext is the full encryption context of one session.
type SecretContext interface {
	// PublicProfile serializes the context without its secret key.
	PublicProfile() ([]byte, error)
	// EncodeEncrypt encodes values into a single ciphertext.
	EncodeEncrypt(values []float64) (Ciphertext, error)
	// Decrypt recovers the encoded values. The result may be longer than
	// what was encoded; callers trim it to the width they expect.
	Decrypt(ct Ciphertext) ([]float64, error)
	// Deserialize parses a ciphertext produced by this context or by an
	// Evaluator loaded from its public profile.
	Deserialize(data []byte) (Ciphertext, error)
}

// Evaluator computes on ciphertexts with public material only. It is safe
// for concurrent use.
type Evaluator interface {
	Deserialize(data []byte) (Ciphertext, error)
	ScalarMultiply(ct Ciphertext, factor float64) (Ciphertext, error)
	Add(a, b Ciphertext) (Ciphertext, error)
}

// Engine creates contexts and loads public profiles.
type Engine interface {
	Name() string
	NewContext() (SecretContext, error)
	LoadPublicProfile(profile []byte) (Evaluator, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Engine{}
)

// Register makes an engine constructor available under name. It is meant
// to be called from the init function of an engine package.
func Register(name string, factory func() Engine) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New returns a fresh instance of the named engine.
func New(name string) (Engine, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownEngine, name, Names())
	}
	return factory(), nil
}

// Names lists the registered engines in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Sum adds every ciphertext in cts. It exists so callers do not repeat the
// fold over Evaluator.Add.
func Sum(ev Evaluator, cts []Ciphertext) (Ciphertext, error) {
	if len(cts) == 0 {
		return nil, errors.New("engine: sum of zero ciphertexts")
	}
	acc := cts[0]
	for _, ct := range cts[1:] {
		var err error
		acc, err = ev.Add(acc, ct)
		if err != nil {
			return nil, fmt.Errorf("add: %w", err)
		}
	}
	return acc, nil
}
