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

package fountain

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// pendingBlock is a code block that still combines two or more unknown
// source blocks. data has already had every known source block XORed out.
type pendingBlock struct {
	blockIndex uint32
	data       []byte
	unknown    []uint16
}

// Decoder is the state required to decode a Luby Transform message with a
// peeling (belief propagation) decoder.
//
// Each source block moves from unknown to known exactly once. A code block
// that reduces to a single unknown solves it; code blocks with more unknowns
// wait in a bounded pending set until enough of their sources are solved.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	codec *Codec
	log   *zap.Logger

	known     []bool
	source    []block
	recovered int

	pending    []*pendingBlock
	maxPending int
	dropped    int

	scratch []uint16
	queue   []uint16
}

// NewDecoder creates a decoder for the given session.
func NewDecoder(s Session, opts Options) (*Decoder, error) {
	c, err := NewCodec(s, opts)
	if err != nil {
		return nil, err
	}
	return c.NewDecoder(), nil
}

// NewDecoder creates a decoder suitable for use with blocks encoded using this
// codec. The decoder will be initialized and ready to receive incoming blocks.
func (c *Codec) NewDecoder() *Decoder {
	k := c.SourceBlocks()
	return &Decoder{
		codec:      c,
		log:        c.opts.Logger,
		known:      make([]bool, k),
		source:     make([]block, k),
		maxPending: c.opts.MaxPending,
		scratch:    make([]uint16, k),
	}
}

// Codec returns the codec the decoder derives compositions from.
func (d *Decoder) Codec() *Codec {
	return d.codec
}

// Session returns the session the decoder was built for.
func (d *Decoder) Session() Session {
	return d.codec.session
}

// ProcessBlock adds one code block to the decoder and reports whether any
// source block was recovered as a result. Blocks from another session are
// rejected with ErrSessionMismatch and leave the decoder untouched.
//
// The block's Degree and SourceIndices fields are ignored; the composition
// is derived from (Seed, BlockIndex, K).
func (d *Decoder) ProcessBlock(b *EncodedBlock) (bool, error) {
	s := d.codec.session
	if b.K != s.K || b.Seed != s.Seed {
		return false, fmt.Errorf("%w: got seed=%#x k=%d, want seed=%#x k=%d",
			ErrSessionMismatch, b.Seed, b.K, s.Seed, s.K)
	}
	if len(b.Payload) > int(s.BlockSize) {
		return false, fmt.Errorf("%w: %d > %d", ErrBlockTooLarge, len(b.Payload), s.BlockSize)
	}
	if d.IsComplete() {
		return false, nil
	}

	indices := d.codec.pickIndices(b.BlockIndex, d.scratch)
	data := make([]byte, s.BlockSize)
	copy(data, b.Payload)

	unknown := indices[:0]
	for _, i := range indices {
		if d.known[i] {
			XORInto(data, d.source[i].data)
		} else {
			unknown = append(unknown, i)
		}
	}

	switch len(unknown) {
	case 0:
		return false, nil
	case 1:
		d.solve(unknown[0], data)
		return true, nil
	}

	if slices.IndexFunc(d.pending, func(p *pendingBlock) bool { return p.blockIndex == b.BlockIndex }) >= 0 {
		return false, nil
	}
	if len(d.pending) >= d.maxPending {
		d.dropped++
		d.log.Debug("pending set full, dropping block",
			zap.Uint32("block_index", b.BlockIndex),
			zap.Int("unknown", len(unknown)),
			zap.Int("pending", len(d.pending)))
		return false, nil
	}
	d.pending = append(d.pending, &pendingBlock{
		blockIndex: b.BlockIndex,
		data:       data,
		unknown:    unknown,
	})
	return false, nil
}

// markKnown stores data as source block i, trimmed to its true length.
func (d *Decoder) markKnown(i uint16, data []byte) {
	s := d.codec.session
	n := blockLength(int(s.TotalSize), int(s.BlockSize), int(i))
	d.source[i] = block{data: data[:n], padding: int(s.BlockSize) - n}
	d.known[i] = true
	d.recovered++
}

// solve records source block i and runs the adhesion filter: every pending
// block that contains a newly known source has it XORed out, and any block
// left with a single unknown solves that one too, which may cascade further.
func (d *Decoder) solve(i uint16, data []byte) {
	d.markKnown(i, data)
	queue := append(d.queue[:0], i)
	cascaded := 0

	for len(queue) > 0 {
		idx := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		for j := 0; j < len(d.pending); {
			p := d.pending[j]
			pos := slices.Index(p.unknown, idx)
			if pos < 0 {
				j++
				continue
			}
			XORInto(p.data, d.source[idx].data)
			p.unknown = slices.Delete(p.unknown, pos, pos+1)

			switch len(p.unknown) {
			case 0:
				d.removePending(j)
				continue
			case 1:
				next := p.unknown[0]
				d.removePending(j)
				if !d.known[next] {
					d.markKnown(next, p.data)
					queue = append(queue, next)
					cascaded++
				}
				continue
			}
			j++
		}
	}
	d.queue = queue[:0]

	if cascaded > 0 {
		d.log.Debug("adhesion filter solved pending blocks",
			zap.Uint16("trigger", i),
			zap.Int("cascaded", cascaded),
			zap.Int("recovered", d.recovered),
			zap.Int("pending", len(d.pending)))
	}
}

// removePending drops pending block j by moving the last one into its place.
func (d *Decoder) removePending(j int) {
	last := len(d.pending) - 1
	d.pending[j] = d.pending[last]
	d.pending[last] = nil
	d.pending = d.pending[:last]
}

// IsComplete reports whether every source block has been recovered.
func (d *Decoder) IsComplete() bool {
	return d.recovered == len(d.known)
}

// Recovered is the number of source blocks known so far.
func (d *Decoder) Recovered() int {
	return d.recovered
}

// Pending is the number of code blocks waiting on two or more unknowns.
func (d *Decoder) Pending() int {
	return len(d.pending)
}

// Dropped counts code blocks discarded because the pending set was full.
func (d *Decoder) Dropped() int {
	return d.dropped
}

// Progress is the fraction of source blocks recovered, in [0,1].
func (d *Decoder) Progress() float64 {
	return float64(d.recovered) / float64(len(d.known))
}

// SourceBlock returns the recovered contents of source block i, or false if
// it is not known yet.
func (d *Decoder) SourceBlock(i int) ([]byte, bool) {
	if i < 0 || i >= len(d.known) || !d.known[i] {
		return nil, false
	}
	return d.source[i].data, true
}

// Reassemble concatenates the source blocks into the original message. It
// returns nil until the decoder is complete.
func (d *Decoder) Reassemble() []byte {
	if !d.IsComplete() {
		return nil
	}
	out := make([]byte, 0, d.codec.session.TotalSize)
	for i := range d.source {
		out = append(out, d.source[i].data...)
	}
	return out
}
