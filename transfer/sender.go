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

// Package transfer moves a payload through a lossy frame channel with a
// fountain code. It adds what the bare codec leaves to its host: session
// announcement, optional compression, metrics and logging.
package transfer

import (
	"context"
	"fmt"

	"github.com/dchest/siphash"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/qrtp/fountain"
	"github.com/qrtp/fountain/frame"
)

// FrameWriter carries one frame to the receiving side. It must not retain
// frame after returning.
type FrameWriter interface {
	WriteFrame(ctx context.Context, frame []byte) error
}

// Keys for deriving a session seed from the payload. They only need to be
// fixed, not secret.
const (
	seedKey0 = 0x7172747073656564
	seedKey1 = 0x666f756e7461696e
)

// SeedFor derives a session seed from payload contents.
func SeedFor(payload []byte) uint64 {
	return siphash.Hash(seedKey0, seedKey1, payload)
}

// Sender encodes one payload into session and block frames.
type Sender struct {
	cfg     Config
	enc     *fountain.Encoder
	log     *zap.Logger
	metrics *Metrics

	session []byte
	buf     [frame.MaxFrameSize]byte
}

// NewSender prepares payload for sending. logger and metrics may be nil.
func NewSender(payload []byte, cfg Config, logger *zap.Logger, metrics *Metrics) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transfer config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	opts, err := cfg.codecOptions()
	if err != nil {
		return nil, err
	}

	data := payload
	if cfg.Compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		data = enc.EncodeAll(payload, nil)
		enc.Close()
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = SeedFor(data)
	}
	e, err := fountain.NewEncoder(data, seed, cfg.BlockSize, opts)
	if err != nil {
		return nil, fmt.Errorf("create encoder: %w", err)
	}

	s := e.Session()
	logger.Info("session prepared",
		zap.Uint64("seed", s.Seed),
		zap.Uint16("k", s.K),
		zap.Int("payload_bytes", len(payload)),
		zap.Int("encoded_bytes", len(data)),
		zap.Stringer("algorithm", opts.Algorithm),
		zap.Bool("compress", cfg.Compress))

	return &Sender{
		cfg:     cfg,
		enc:     e,
		log:     logger,
		metrics: metrics,
		session: frame.AppendSession(nil, s),
	}, nil
}

// Session returns the announced session metadata.
func (s *Sender) Session() fountain.Session {
	return s.enc.Session()
}

// SessionFrame returns the encoded session announcement.
func (s *Sender) SessionFrame() []byte {
	return s.session
}

// NextFrame encodes the next code block. The returned slice is only valid
// until the following call.
func (s *Sender) NextFrame() []byte {
	b := s.enc.NextBlock()
	n, err := frame.EncodeBlock(s.buf[:], &b)
	if err != nil {
		// Block frames are bounded well below MaxFrameSize.
		panic(err)
	}
	return s.buf[:n]
}

// Stream writes the session frame followed by count block frames, repeating
// the session frame every AnnounceEvery blocks. A count <= 0 streams until
// ctx is done.
func (s *Sender) Stream(ctx context.Context, w FrameWriter, count int) error {
	if err := s.write(ctx, w, s.session, frame.KindSession); err != nil {
		return err
	}
	for sent := 0; count <= 0 || sent < count; sent++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if every := s.cfg.AnnounceEvery; every > 0 && sent > 0 && sent%every == 0 {
			if err := s.write(ctx, w, s.session, frame.KindSession); err != nil {
				return err
			}
		}
		if err := s.write(ctx, w, s.NextFrame(), frame.KindBlock); err != nil {
			return err
		}
	}
	s.log.Debug("stream finished", zap.Int("blocks", count), zap.Uint32("next_index", s.enc.NextIndex()))
	return nil
}

func (s *Sender) write(ctx context.Context, w FrameWriter, buf []byte, kind frame.Kind) error {
	if err := w.WriteFrame(ctx, buf); err != nil {
		return fmt.Errorf("write %s frame: %w", kind, err)
	}
	s.metrics.FramesSent.WithLabelValues(kind.String()).Inc()
	return nil
}
