package plain

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-fhe/pkg/engine"
)

func TestRegistered(t *testing.T) {
	e, err := engine.New(Name)
	require.NoError(t, err)
	require.Equal(t, Name, e.Name())
	require.Contains(t, engine.Names(), Name)

	_, err = engine.New("does-not-exist")
	require.ErrorIs(t, err, engine.ErrUnknownEngine)
}

func TestWeightedSum(t *testing.T) {
	ctx, err := Engine{}.NewContext()
	require.NoError(t, err)
	profile, err := ctx.PublicProfile()
	require.NoError(t, err)
	ev, err := Engine{}.LoadPublicProfile(profile)
	require.NoError(t, err)

	a, err := ctx.EncodeEncrypt([]float64{10, 20})
	require.NoError(t, err)
	b, err := ctx.EncodeEncrypt([]float64{1, 2})
	require.NoError(t, err)

	raw, err := a.MarshalBinary()
	require.NoError(t, err)
	a, err = ev.Deserialize(raw)
	require.NoError(t, err)

	wa, err := ev.ScalarMultiply(a, 0.5)
	require.NoError(t, err)
	sum, err := engine.Sum(ev, []engine.Ciphertext{wa, b})
	require.NoError(t, err)

	got, err := ctx.Decrypt(sum)
	require.NoError(t, err)
	require.InDeltaSlice(t, []float64{6, 12}, got, 1e-12)
}

func TestRejectsForeignProfile(t *testing.T) {
	_, err := Engine{}.LoadPublicProfile([]byte("ckks"))
	require.ErrorIs(t, err, engine.ErrProfileMismatch)
}

func TestDeserializeRejectsOddLength(t *testing.T) {
	_, err := evaluator{}.Deserialize([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestAddLengthMismatch(t *testing.T) {
	_, err := evaluator{}.Add(Ciphertext{1}, Ciphertext{1, 2})
	require.Error(t, err)
}
