package main

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	ouroborosfhe "github.com/i5heu/ouroboros-fhe"
	"github.com/i5heu/ouroboros-fhe/internal/config"
	"github.com/i5heu/ouroboros-fhe/pkg/logging"
)

func TestParseFlagsRequiresImage(t *testing.T) { // A
	t.Parallel()
	_, err := parseFlags([]string{"-server", "localhost:1"})
	require.Error(t, err)
}

func writePNG(t *testing.T, path string) { // A
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	img.Set(1, 0, color.RGBA{G: 255, A: 255})
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func TestRunWritesGrayscale(t *testing.T) { // A
	t.Parallel()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.InMemory = true
	cfg.Engine = config.EnginePlain
	r, err := ouroborosfhe.New(cfg, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	defer func() { require.NoError(t, r.Close(context.Background())) }()
	addr, err := r.Addr()
	require.NoError(t, err)

	in := filepath.Join(dir, "in.png")
	out := filepath.Join(dir, "out.png")
	writePNG(t, in)

	f, err := parseFlags([]string{
		"-server", addr, "-engine", "plain", "-memory", "-clean",
		"-image", in, "-out", out,
	})
	require.NoError(t, err)
	cfg, err = loadConfig(f)
	require.NoError(t, err)
	require.NoError(t, run(context.Background(), cfg, f, logging.Discard()))

	rf, err := os.Open(out)
	require.NoError(t, err)
	defer rf.Close()
	got, err := png.Decode(rf)
	require.NoError(t, err)
	gray, ok := got.(*image.Gray)
	require.True(t, ok, "output is %T", got)
	require.Equal(t, uint8(76), gray.GrayAt(0, 0).Y)
	require.Equal(t, uint8(150), gray.GrayAt(1, 0).Y)
}
