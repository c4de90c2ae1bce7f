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
	"context"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/qrtp/fountain"
	"github.com/qrtp/fountain/frame"
)

// ErrIncomplete is returned when the payload is requested before every
// source block is known.
var ErrIncomplete = errors.New("transfer: session not complete")

// FrameReader yields frames from the sending side. The returned slice is
// owned by the caller.
type FrameReader interface {
	ReadFrame(ctx context.Context) ([]byte, error)
}

// Receiver turns session and block frames back into the payload. Block
// frames that arrive before any session frame are held in a bounded backlog
// and replayed once the session is known. A Receiver is not safe for
// concurrent use.
type Receiver struct {
	cfg     Config
	opts    fountain.Options
	log     *zap.Logger
	metrics *Metrics

	dec     *fountain.Decoder
	block   fountain.EncodedBlock
	backlog [][]byte
}

// NewReceiver creates a receiver waiting for its first session frame.
// logger and metrics may be nil.
func NewReceiver(cfg Config, logger *zap.Logger, metrics *Metrics) (*Receiver, error) {
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
	opts.Logger = logger.Named("decoder")
	return &Receiver{
		cfg:     cfg,
		opts:    opts,
		log:     logger,
		metrics: metrics,
		block: fountain.EncodedBlock{
			SourceIndices: make([]uint16, 0, fountain.MaxDegree),
			Payload:       make([]byte, 0, fountain.MaxBlockSize),
		},
	}, nil
}

// HandleFrame processes one raw frame and reports whether the session is
// complete. Errors describe why this frame was discarded; none of them
// leave the receiver in a bad state, so the caller can keep feeding frames.
func (r *Receiver) HandleFrame(buf []byte) (bool, error) {
	kind, err := frame.Peek(buf)
	if err != nil {
		return r.Done(), r.reject(err)
	}
	r.metrics.FramesReceived.WithLabelValues(kind.String()).Inc()

	switch kind {
	case frame.KindSession:
		s, err := frame.DecodeSession(buf)
		if err != nil {
			return r.Done(), r.reject(err)
		}
		if err := r.startSession(s); err != nil {
			return r.Done(), r.reject(err)
		}
	case frame.KindBlock:
		if r.dec == nil {
			r.hold(buf)
			return false, nil
		}
		if err := r.handleBlock(buf); err != nil {
			return r.Done(), r.reject(err)
		}
	}
	return r.Done(), nil
}

func (r *Receiver) reject(err error) error {
	r.metrics.FramesRejected.WithLabelValues(rejectReason(err)).Inc()
	return err
}

// hold keeps a copy of a block frame until a session frame arrives.
func (r *Receiver) hold(buf []byte) {
	if len(r.backlog) >= r.cfg.MaxBacklog {
		r.metrics.FramesRejected.WithLabelValues("backlog_full").Inc()
		return
	}
	r.backlog = append(r.backlog, append([]byte(nil), buf...))
}

// startSession creates a decoder for s. A repeated announcement of the
// current session is a no-op; a different session replaces the decoder.
func (r *Receiver) startSession(s fountain.Session) error {
	if r.dec != nil && r.dec.Session() == s {
		return nil
	}
	dec, err := fountain.NewDecoder(s, r.opts)
	if err != nil {
		return err
	}
	if r.dec != nil && !r.dec.IsComplete() {
		r.log.Warn("session replaced before completion",
			zap.Stringer("old", r.dec.Session()),
			zap.Stringer("new", s),
			zap.Int("recovered", r.dec.Recovered()))
	}
	r.dec = dec
	r.metrics.BlocksRecovered.Set(0)
	r.metrics.PendingBlocks.Set(0)
	r.log.Info("session started", zap.Uint64("seed", s.Seed), zap.Uint16("k", s.K), zap.Uint32("size", s.TotalSize))

	backlog := r.backlog
	r.backlog = nil
	for _, buf := range backlog {
		if err := r.handleBlock(buf); err != nil {
			r.reject(err)
		}
	}
	return nil
}

func (r *Receiver) handleBlock(buf []byte) error {
	if err := frame.DecodeBlockInto(buf, &r.block); err != nil {
		return err
	}
	if err := frame.Verify(r.dec.Codec(), &r.block); err != nil {
		return err
	}
	if r.dec.IsComplete() {
		return nil
	}
	progress, err := r.dec.ProcessBlock(&r.block)
	if err != nil {
		return err
	}
	r.metrics.PendingBlocks.Set(float64(r.dec.Pending()))
	if !progress {
		return nil
	}
	r.metrics.BlocksRecovered.Set(float64(r.dec.Recovered()))
	if r.dec.IsComplete() {
		r.metrics.SessionsCompleted.Inc()
		r.log.Info("session complete",
			zap.Uint64("seed", r.block.Seed),
			zap.Uint32("last_block_index", r.block.BlockIndex),
			zap.Int("dropped", r.dec.Dropped()))
	}
	return nil
}

// Done reports whether the current session is fully decoded.
func (r *Receiver) Done() bool {
	return r.dec != nil && r.dec.IsComplete()
}

// Progress returns the recovered and total source block counts of the
// current session, or zeros before a session frame has arrived.
func (r *Receiver) Progress() (recovered, total int) {
	if r.dec == nil {
		return 0, 0
	}
	return r.dec.Recovered(), int(r.dec.Session().K)
}

// Payload returns the decoded payload, decompressing it when the
// configuration says the sender compressed it.
func (r *Receiver) Payload() ([]byte, error) {
	if !r.Done() {
		return nil, ErrIncomplete
	}
	data := r.dec.Reassemble()
	if !r.cfg.Compress {
		return data, nil
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(uint64(r.cfg.MaxDecompressed)))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return out, nil
}

// Receive reads frames from fr until the session completes and returns the
// payload. Discarded frames are logged and skipped; a read error ends the
// loop.
func (r *Receiver) Receive(ctx context.Context, fr FrameReader) ([]byte, error) {
	for !r.Done() {
		buf, err := fr.ReadFrame(ctx)
		if err != nil {
			recovered, total := r.Progress()
			return nil, fmt.Errorf("read frame (%d/%d blocks recovered): %w", recovered, total, err)
		}
		if _, err := r.HandleFrame(buf); err != nil {
			if frame.IsFramingError(err) {
				r.log.Debug("malformed frame discarded", zap.Error(err), zap.Int("len", len(buf)))
			} else {
				r.log.Warn("frame discarded", zap.Error(err))
			}
		}
	}
	return r.Payload()
}
