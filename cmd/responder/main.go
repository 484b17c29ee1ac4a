package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	ouroborosfhe "github.com/i5heu/ouroboros-fhe"
	"github.com/i5heu/ouroboros-fhe/internal/config"
	"github.com/i5heu/ouroboros-fhe/pkg/logging"
)

const (
	logKeyListenAddr = "listenAddr"
	logKeyDataPath   = "dataPath"
	logKeyTransport  = "transport"
	logKeyEngine     = "engine"
	logKeySignal     = "signal"
	logKeyError      = "error"
)

// flags holds the command line. Empty values leave the config file alone.
type flags struct {
	configPath string
	listen     string
	dataPath   string
	transport  string
	engine     string
	inMemory   bool
	debug      bool
}

func parseFlags(args []string) (flags, error) { // A
	var f flags
	fs := flag.NewFlagSet("responder", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "Path to a YAML config file")
	fs.StringVar(&f.listen, "listen", "", "Address to listen on (default "+config.DefaultListen+")")
	fs.StringVar(&f.dataPath, "data", "", "Path to the data directory")
	fs.StringVar(&f.transport, "transport", "", "Transport: tcp or quic")
	fs.StringVar(&f.engine, "engine", "", "Homomorphic engine: ckks or plain")
	fs.BoolVar(&f.inMemory, "memory", false, "Keep artifacts in memory only")
	fs.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	return f, fs.Parse(args)
}

// loadConfig reads the config file and applies command line overrides.
func loadConfig(f flags) (config.Config, error) { // A
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if f.listen != "" {
		cfg.Listen = f.listen
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

	logger.InfoContext(context.Background(), "starting responder",
		logKeyListenAddr, cfg.Listen,
		logKeyDataPath, cfg.DataDir,
		logKeyTransport, cfg.Transport,
		logKeyEngine, cfg.Engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.InfoContext(ctx, "received shutdown signal", logKeySignal, sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.ErrorContext(context.Background(), "responder error", logKeyError, err)
		os.Exit(1)
	}
}

// run blocks until ctx is cancelled.
func run( // A
	ctx context.Context,
	cfg config.Config,
	logger *slog.Logger,
) error {
	r, err := ouroborosfhe.New(cfg, logger)
	if err != nil {
		return err
	}
	return r.Run(ctx)
}
