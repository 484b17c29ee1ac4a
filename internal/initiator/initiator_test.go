package initiator

import (
	"context"
	"io"
	"log/slog"
	"math"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/i5heu/ouroboros-fhe/internal/protocol"
	"github.com/i5heu/ouroboros-fhe/internal/responder"
	"github.com/i5heu/ouroboros-fhe/internal/session"
	"github.com/i5heu/ouroboros-fhe/internal/transport"
	"github.com/i5heu/ouroboros-fhe/pkg/engine"
	"github.com/i5heu/ouroboros-fhe/pkg/engine/ckks"
	"github.com/i5heu/ouroboros-fhe/pkg/engine/plain"
	"github.com/i5heu/ouroboros-fhe/pkg/imaging"
)

var luma = []float64{0.299, 0.587, 0.114}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	in       *Initiator
	store    *session.MemoryStore
	remote   *session.MemoryStore
	shutdown func()
}

// newHarness starts a responder on loopback TCP and returns an initiator
// talking to it. Both sides use e.
func newHarness(t *testing.T, e engine.Engine) *harness {
	t.Helper()
	remote := session.NewMemoryStore()
	r, err := responder.New(responder.Config{
		Store:   remote,
		Engine:  e,
		Weights: luma,
		Logger:  quietLogger(),
	})
	require.NoError(t, err)

	ln, err := transport.TCP{}.Listen("127.0.0.1:0")
	require.NoError(t, err)
	srv := protocol.NewServer(r, protocol.ServerConfig{ChunkSize: 512, Logger: quietLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	var stopped bool
	shutdown := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		require.NoError(t, <-done)
		r.Close()
	}
	t.Cleanup(shutdown)

	client := protocol.NewClient(protocol.ClientConfig{
		Addr:      ln.Addr(),
		ChunkSize: 512,
		Timeout:   30 * time.Second,
		Logger:    quietLogger(),
	})
	local := session.NewMemoryStore()
	in, err := New(Config{Client: client, Engine: e, Store: local, Logger: quietLogger()})
	require.NoError(t, err)
	return &harness{in: in, store: local, remote: remote, shutdown: shutdown}
}

func planesOf(r, g, b [][]float64) imaging.Planes {
	return imaging.Planes{
		Width:    len(r[0]),
		Height:   len(r),
		Channels: [][][]float64{r, g, b},
	}
}

func TestLumaScenario(t *testing.T) {
	t.Parallel()
	r := [][]float64{{255, 0}, {10, 200}}
	g := [][]float64{{0, 255}, {20, 100}}
	b := [][]float64{{0, 0}, {30, 50}}

	for _, e := range []engine.Engine{plain.Engine{}, &ckks.Engine{Literal: ckks.DefaultParameters}} {
		e := e
		t.Run(e.Name(), func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, e)
			s, rows, err := h.in.Run(context.Background(), planesOf(r, g, b))
			require.NoError(t, err)
			require.Equal(t, 2, s.Width)
			require.Equal(t, 2, s.Height)

			img, err := imaging.ToGray(rows, s.Width)
			require.NoError(t, err)
			for y := 0; y < 2; y++ {
				for x := 0; x < 2; x++ {
					want := 0.299*r[y][x] + 0.587*g[y][x] + 0.114*b[y][x]
					require.InDelta(t, want, rows[y][x], 1e-3, "pixel %d,%d", y, x)
					require.Equal(t, uint8(math.Round(want)), img.GrayAt(x, y).Y)
				}
			}
		})
	}
}

func TestStagesInOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, plain.Engine{})
	ctx := context.Background()
	s, err := h.in.NewSession()
	require.NoError(t, err)

	require.ErrorIs(t, h.in.Upload(ctx, s), ErrStageOrder)
	require.ErrorIs(t, h.in.ApplyTransform(ctx, s), ErrStageOrder)
	_, err = h.in.Decrypt(ctx, s)
	require.ErrorIs(t, err, ErrStageOrder)

	one := [][]float64{{1, 2, 3}}
	require.NoError(t, h.in.Encrypt(ctx, s, planesOf(one, one, one)))
	// Transform before upload: the responder has nothing for this user.
	err = h.in.ApplyTransform(ctx, s)
	require.ErrorIs(t, err, protocol.ErrRejected)
	require.Contains(t, err.Error(), "missing artifact")

	require.NoError(t, h.in.Upload(ctx, s))
	for _, key := range []session.Key{
		session.ProfileKey(s.User),
		session.ImageKey(s.User, 0),
		session.ImageKey(s.User, 1),
		session.ImageKey(s.User, 2),
	} {
		local, err := session.Get(ctx, h.store, key)
		require.NoError(t, err)
		remote, err := session.Get(ctx, h.remote, key)
		require.NoError(t, err)
		require.Equal(t, local, remote, key.Name())
	}

	require.NoError(t, h.in.ApplyTransform(ctx, s))
	require.NoError(t, h.in.FetchOutput(ctx, s))
	rows, err := h.in.Decrypt(ctx, s)
	require.NoError(t, err)
	require.InDeltaSlice(t, []float64{1, 2, 3}, rows[0], 1e-9)
}

func TestEncryptRejectsShapes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, plain.Engine{})
	ctx := context.Background()
	s, err := h.in.NewSession()
	require.NoError(t, err)

	one := [][]float64{{1}}
	err = h.in.Encrypt(ctx, s, imaging.Planes{Width: 1, Height: 1, Channels: [][][]float64{one, one}})
	require.ErrorIs(t, err, imaging.ErrNotRGB)

	ragged := imaging.Planes{Width: 2, Height: 1, Channels: [][][]float64{{{1, 2}}, {{1}}, {{1, 2}}}}
	require.ErrorIs(t, h.in.Encrypt(ctx, s, ragged), ErrShape)

	short := imaging.Planes{Width: 1, Height: 2, Channels: [][][]float64{one, one, one}}
	require.ErrorIs(t, h.in.Encrypt(ctx, s, short), ErrShape)
}

func TestRowOrderPreserved(t *testing.T) {
	t.Parallel()
	h := newHarness(t, plain.Engine{})
	ctx := context.Background()
	r := [][]float64{{10}, {20}, {30}, {40}}
	zero := [][]float64{{0}, {0}, {0}, {0}}

	_, forward, err := h.in.Run(ctx, planesOf(r, zero, zero))
	require.NoError(t, err)

	reversed := slices.Clone(r)
	slices.Reverse(reversed)
	_, backward, err := h.in.Run(ctx, planesOf(reversed, zero, zero))
	require.NoError(t, err)

	for y := range forward {
		require.InDelta(t, 0.299*r[y][0], forward[y][0], 1e-9)
		require.InDelta(t, forward[y][0], backward[len(backward)-1-y][0], 1e-9)
	}
}

func TestUploadFailsWhenResponderGone(t *testing.T) {
	t.Parallel()
	h := newHarness(t, plain.Engine{})
	ctx := context.Background()
	s, err := h.in.NewSession()
	require.NoError(t, err)
	one := [][]float64{{1}}
	require.NoError(t, h.in.Encrypt(ctx, s, planesOf(one, one, one)))

	h.shutdown()
	require.Error(t, h.in.Upload(ctx, s))
	// Local artifacts survive for a retry.
	_, err = session.Get(ctx, h.store, session.ImageKey(s.User, 2))
	require.NoError(t, err)
}

func TestLinearityProperty(t *testing.T) {
	t.Parallel()
	h := newHarness(t, plain.Engine{})
	ctx := context.Background()

	transform := func(t *rapid.T, p imaging.Planes) [][]float64 {
		_, rows, err := h.in.Run(ctx, p)
		if err != nil {
			t.Fatal(err)
		}
		return rows
	}
	genPlanes := func(t *rapid.T, label string, w, hgt int) imaging.Planes {
		p := imaging.Planes{Width: w, Height: hgt, Channels: make([][][]float64, 3)}
		for c := range p.Channels {
			p.Channels[c] = make([][]float64, hgt)
			for y := range p.Channels[c] {
				p.Channels[c][y] = rapid.SliceOfN(rapid.Float64Range(0, 255), w, w).Draw(t, label)
			}
		}
		return p
	}
	combine := func(a, b imaging.Planes, sa, sb float64) imaging.Planes {
		out := imaging.Planes{Width: a.Width, Height: a.Height, Channels: make([][][]float64, 3)}
		for c := range out.Channels {
			out.Channels[c] = make([][]float64, a.Height)
			for y := range out.Channels[c] {
				out.Channels[c][y] = make([]float64, a.Width)
				for x := range out.Channels[c][y] {
					out.Channels[c][y][x] = sa*a.Channels[c][y][x] + sb*b.Channels[c][y][x]
				}
			}
		}
		return out
	}

	rapid.Check(t, func(t *rapid.T) {
		w := rapid.IntRange(1, 4).Draw(t, "width")
		hgt := rapid.IntRange(1, 3).Draw(t, "height")
		a := genPlanes(t, "a", w, hgt)
		b := genPlanes(t, "b", w, hgt)
		s := rapid.Float64Range(-4, 4).Draw(t, "s")

		ta, tb := transform(t, a), transform(t, b)
		scaled := transform(t, combine(a, b, s, 0))
		summed := transform(t, combine(a, b, 1, 1))
		for y := 0; y < hgt; y++ {
			for x := 0; x < w; x++ {
				if d := math.Abs(scaled[y][x] - s*ta[y][x]); d > 1e-6 {
					t.Fatalf("scaling off by %v at %d,%d", d, y, x)
				}
				if d := math.Abs(summed[y][x] - (ta[y][x] + tb[y][x])); d > 1e-6 {
					t.Fatalf("additivity off by %v at %d,%d", d, y, x)
				}
			}
		}
	})
}
