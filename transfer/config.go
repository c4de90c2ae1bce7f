// Copyright 2014 Google Inc. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transfer

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/qrtp/fountain"
)

// Config holds the transfer parameters. The fields marked shared must match
// between sender and receiver; frames do not carry them.
type Config struct {
	// BlockSize is the source block size in bytes (sender only).
	BlockSize int `toml:"block_size"`

	// Seed is the session seed. Zero derives one from the payload (sender only).
	Seed uint64 `toml:"seed"`

	// Algorithm names the composition generator: mix, pcg or chacha (shared).
	Algorithm string `toml:"algorithm"`

	// Distribution names the degree distribution: ideal or robust (shared).
	Distribution string `toml:"distribution"`

	// Compress wraps the payload in zstd before encoding (shared).
	Compress bool `toml:"compress"`

	// MaxPending bounds the decoder's pending set (receiver only).
	MaxPending int `toml:"max_pending"`

	// AnnounceEvery repeats the session frame after this many block frames.
	AnnounceEvery int `toml:"announce_every"`

	// MaxBacklog bounds the block frames held before a session frame arrives.
	MaxBacklog int `toml:"max_backlog"`

	// MaxDecompressed caps the decompressed payload size in bytes (receiver
	// only, with compress).
	MaxDecompressed int64 `toml:"max_decompressed"`

	LogLevel    string `toml:"log_level"`
	MetricsAddr string `toml:"metrics_addr"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		BlockSize:     fountain.DefaultBlockSize,
		Algorithm:     fountain.AlgorithmMix.String(),
		Distribution:  fountain.IdealSoliton.String(),
		MaxPending:    fountain.DefaultMaxPending,
		AnnounceEvery: 32,
		MaxBacklog:    256,
		LogLevel:      "info",

		MaxDecompressed: 64 << 20,
	}
}

// LoadConfig reads a toml file over DefaultConfig and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	var errs []error
	if c.BlockSize <= 0 || c.BlockSize > fountain.MaxBlockSize {
		errs = append(errs, fmt.Errorf("block_size must be between 1 and %d, got %d", fountain.MaxBlockSize, c.BlockSize))
	}
	if _, err := fountain.ParseAlgorithm(c.Algorithm); err != nil {
		errs = append(errs, err)
	}
	if _, err := fountain.ParseDistribution(c.Distribution); err != nil {
		errs = append(errs, err)
	}
	if c.MaxPending < 0 {
		errs = append(errs, fmt.Errorf("max_pending must not be negative, got %d", c.MaxPending))
	}
	if c.AnnounceEvery < 0 {
		errs = append(errs, fmt.Errorf("announce_every must not be negative, got %d", c.AnnounceEvery))
	}
	if c.MaxBacklog < 0 {
		errs = append(errs, fmt.Errorf("max_backlog must not be negative, got %d", c.MaxBacklog))
	}
	if c.MaxDecompressed <= 0 {
		errs = append(errs, fmt.Errorf("max_decompressed must be positive, got %d", c.MaxDecompressed))
	}
	return errors.Join(errs...)
}

// codecOptions converts the shared settings into fountain.Options.
func (c *Config) codecOptions() (fountain.Options, error) {
	alg, err := fountain.ParseAlgorithm(c.Algorithm)
	if err != nil {
		return fountain.Options{}, err
	}
	dist, err := fountain.ParseDistribution(c.Distribution)
	if err != nil {
		return fountain.Options{}, err
	}
	return fountain.Options{
		Algorithm:    alg,
		Distribution: dist,
		MaxPending:   c.MaxPending,
	}, nil
}
