package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	TransportTCP  = "tcp"
	TransportQUIC = "quic"

	EngineCKKS  = "ckks"
	EnginePlain = "plain"

	DefaultListen    = "0.0.0.0:4242"
	DefaultServer    = "localhost:4242"
	DefaultChunkSize = 4096
)

// LumaWeights are the ITU-R BT.601 coefficients for red, green and blue.
var LumaWeights = []float64{0.299, 0.587, 0.114}

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	// Listen is the responder's listen address.
	Listen string `yaml:"listen"`
	// Server is the responder address the initiator dials.
	Server    string `yaml:"server"`
	Transport string `yaml:"transport"`
	ChunkSize int    `yaml:"chunkSize"`
	DataDir   string `yaml:"dataDir"`
	InMemory  bool   `yaml:"inMemory"`
	// MinimumFreeMB rejects uploads when the data directory has less free
	// space. Zero disables the check.
	MinimumFreeMB uint64 `yaml:"minimumFreeMB"`
	// Weights holds one coefficient per input channel.
	Weights []float64 `yaml:"weights"`
	Workers int       `yaml:"workers"`
	// ConnTimeout bounds the lifetime of one command connection. Zero means
	// no deadline.
	ConnTimeout time.Duration `yaml:"connTimeout"`
	Engine      string        `yaml:"engine"`
	LogLevel    string        `yaml:"logLevel"`
	NoColor     bool          `yaml:"noColor"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:    DefaultListen,
		Server:    DefaultServer,
		Transport: TransportTCP,
		ChunkSize: DefaultChunkSize,
		DataDir:   "data",
		Weights:   append([]float64(nil), LumaWeights...),
		Engine:    EngineCKKS,
		LogLevel:  "info",
	}
}

// Load reads path on top of the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator.
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

// applyDefaults fills fields a file set to their zero value.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Server == "" {
		c.Server = d.Server
	}
	if c.Transport == "" {
		c.Transport = d.Transport
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = d.ChunkSize
	}
	if len(c.Weights) == 0 {
		c.Weights = d.Weights
	}
	if c.Engine == "" {
		c.Engine = d.Engine
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunkSize must be positive, got %d", ErrInvalid, c.ChunkSize)
	}
	if len(c.Weights) == 0 {
		return fmt.Errorf("%w: weights must not be empty", ErrInvalid)
	}
	var sum float64
	for _, w := range c.Weights {
		sum += w
	}
	if math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("%w: weights sum to %v, want 1", ErrInvalid, sum)
	}
	switch c.Transport {
	case TransportTCP, TransportQUIC:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalid, c.Transport)
	}
	switch c.Engine {
	case EngineCKKS, EnginePlain:
	default:
		return fmt.Errorf("%w: unknown engine %q", ErrInvalid, c.Engine)
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: workers must not be negative", ErrInvalid)
	}
	if c.ConnTimeout < 0 {
		return fmt.Errorf("%w: connTimeout must not be negative", ErrInvalid)
	}
	if !c.InMemory && c.DataDir == "" {
		return fmt.Errorf("%w: dataDir is required unless inMemory is set", ErrInvalid)
	}
	return nil
}
