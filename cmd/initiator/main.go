package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	ouroborosfhe "github.com/i5heu/ouroboros-fhe"
	"github.com/i5heu/ouroboros-fhe/internal/config"
	"github.com/i5heu/ouroboros-fhe/pkg/imaging"
	"github.com/i5heu/ouroboros-fhe/pkg/logging"
)

const (
	logKeyServer = "server"
	logKeyImage  = "image"
	logKeyOutput = "output"
	logKeyUserID = "userId"
	logKeyWidth  = "width"
	logKeyHeight = "height"
	logKeySignal = "signal"
	logKeyError  = "error"
)

type flags struct {
	configPath string
	server     string
	imagePath  string
	outPath    string
	dataPath   string
	transport  string
	engine     string
	inMemory   bool
	clean      bool
	debug      bool
}

func parseFlags(args []string) (flags, error) { // A
	var f flags
	fs := flag.NewFlagSet("initiator", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "Path to a YAML config file")
	fs.StringVar(&f.server, "server", "", "Responder address (default "+config.DefaultServer+")")
	fs.StringVar(&f.imagePath, "image", "", "PNG or JPEG input image")
	fs.StringVar(&f.outPath, "out", "gray.png", "Where to write the grayscale PNG")
	fs.StringVar(&f.dataPath, "data", "", "Path to the local data directory")
	fs.StringVar(&f.transport, "transport", "", "Transport: tcp or quic")
	fs.StringVar(&f.engine, "engine", "", "Homomorphic engine: ckks or plain")
	fs.BoolVar(&f.inMemory, "memory", false, "Keep local artifacts in memory only")
	fs.BoolVar(&f.clean, "clean", false, "Delete local artifacts after a successful run")
	fs.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	if f.imagePath == "" {
		return flags{}, errors.New("-image is required")
	}
	return f, nil
}

func loadConfig(f flags) (config.Config, error) { // A
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if f.server != "" {
		cfg.Server = f.server
	}
	if f.dataPath != "" {
		cfg.DataDir = f.dataPath
	}
	if f.transport != "" {
		cfg.Transport = f.transport
	}
	if f.engine != "" {
		cfg.Engine = f.engine
	}
	if f.inMemory {
		cfg.InMemory = true
	}
	if f.debug {
		cfg.LogLevel = "debug"
	}
	return cfg, cfg.Validate()
}

func main() { // A
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.New(level, cfg.NoColor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.InfoContext(ctx, "received shutdown signal", logKeySignal, sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, f, logger); err != nil {
		logger.ErrorContext(context.Background(), "initiator error", logKeyError, err)
		os.Exit(1)
	}
}

// run converts f.imagePath to grayscale through the responder and writes
// the result to f.outPath.
func run( // A
	ctx context.Context,
	cfg config.Config,
	f flags,
	logger *slog.Logger,
) (err error) {
	planes, err := imaging.Load(f.imagePath)
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "image loaded",
		logKeyImage, f.imagePath,
		logKeyWidth, planes.Width,
		logKeyHeight, planes.Height,
		logKeyServer, cfg.Server)

	in, store, err := ouroborosfhe.NewInitiator(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close store: %w", cerr))
		}
	}()

	s, rows, err := in.Run(ctx, planes)
	if err != nil {
		return err
	}
	if f.clean {
		if err := store.DeleteUser(ctx, s.User); err != nil {
			return fmt.Errorf("clean up: %w", err)
		}
	}

	img, err := imaging.ToGray(rows, s.Width)
	if err != nil {
		return err
	}
	if err := imaging.SavePNG(f.outPath, img); err != nil {
		return err
	}
	logger.InfoContext(ctx, "grayscale image written",
		logKeyOutput, f.outPath,
		logKeyUserID, s.User.String())
	return nil
}
