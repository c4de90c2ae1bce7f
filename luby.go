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

/*
Package fountain implements a rateless Luby Transform fountain code.

Fountain codes have the property that a very large (more or less unlimited)
number of code blocks can be generated from a fixed number of source
blocks. The original message can be recovered from any subset of sufficient
size of these code blocks, so even if some code blocks are lost, the message
can still be reconstructed once a sufficient number have been received.
So in a transmission system, the receiver need not notify the
transmitter about every code block, it only need notify the transmitter
when the source message has been fully reconstructed.

A message is split into K fixed-size source blocks. Code block number i is
built by seeding a Generator with seed^i, drawing a degree d from a soliton
distribution, picking d distinct source blocks and XORing them together.
Because the composition depends only on (seed, i, K), the decoder derives it
again instead of trusting anything carried beside the payload, and blocks may
arrive in any order, duplicated, or not at all.
*/
package fountain

import (
	"fmt"

	"go.uber.org/zap"
)

// Options are the parameters both sides of a session must agree on out of
// band, plus local decoder tuning.
type Options struct {
	// Algorithm selects the Generator used to pick block compositions.
	Algorithm Algorithm

	// Distribution is the degree distribution.
	Distribution Distribution

	// MaxPending bounds the decoder's set of unsolved multi-block equations.
	// Zero selects DefaultMaxPending. The encoder ignores it.
	MaxPending int

	// Logger receives decoder diagnostics. Nil disables logging.
	Logger *zap.Logger
}

// EncodedBlock is one LT code block. Degree and SourceIndices are redundant
// with (Seed, BlockIndex, K); they travel on the wire so frames are
// self-describing and can be cross-checked.
type EncodedBlock struct {
	Seed          uint64
	BlockIndex    uint32
	K             uint16
	Degree        uint8
	SourceIndices []uint16

	// Payload is the XOR of the selected source blocks, as long as the
	// longest of them.
	Payload []byte
}

// Codec holds the session parameters and the degree distribution table
// shared by an Encoder and a Decoder. It is immutable and safe for
// concurrent use.
type Codec struct {
	session Session
	opts    Options

	// degreeCDF is the degree distribution function from which encoding block
	// compositions are chosen.
	degreeCDF []float64
}

// NewCodec validates the session and prepares the degree distribution.
func NewCodec(s Session, opts Options) (*Codec, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if opts.Algorithm > AlgorithmChaCha {
		return nil, fmt.Errorf("fountain: unknown generator algorithm %d", opts.Algorithm)
	}
	if opts.Distribution > RobustSoliton {
		return nil, fmt.Errorf("fountain: unknown degree distribution %d", opts.Distribution)
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Codec{
		session:   s,
		opts:      opts,
		degreeCDF: opts.Distribution.cdf(int(s.K)),
	}, nil
}

// Session returns the session metadata the codec was built for.
func (c *Codec) Session() Session {
	return c.session
}

// SourceBlocks retrieves the number of source blocks (K) the codec is configured to use.
func (c *Codec) SourceBlocks() int {
	return int(c.session.K)
}

// PickIndices re-derives the degree and source indices of code block
// blockIndex. The result depends only on the seed, blockIndex and K.
func (c *Codec) PickIndices(blockIndex uint32) []uint16 {
	return c.pickIndices(blockIndex, nil)
}

func (c *Codec) pickIndices(blockIndex uint32, scratch []uint16) []uint16 {
	g := NewGenerator(c.opts.Algorithm, c.session.Seed^uint64(blockIndex))
	d := SampleDegree(g, c.degreeCDF)
	if d > MaxDegree {
		d = MaxDegree
	}
	return SelectSources(g, int(c.session.K), d, scratch)
}

// generateLubyTransformBlock generates a single code block payload from the
// set of source blocks, given the composition indices, by XORing the source
// blocks together. The payload is as long as the longest selected block.
func generateLubyTransformBlock(source []block, indices []uint16, blockSize int) []byte {
	payload := make([]byte, blockSize)
	n := 0
	for _, i := range indices {
		if int(i) >= len(source) {
			continue
		}
		XORInto(payload, source[i].data)
		if l := len(source[i].data); l > n {
			n = l
		}
	}
	return payload[:n]
}

// Encoder produces an unbounded sequence of code blocks for one message.
// An Encoder is not safe for concurrent use; the Codec behind it is.
type Encoder struct {
	codec     *Codec
	source    []block
	nextIndex uint32
	scratch   []uint16
}

// NewEncoder splits message into blockSize-byte source blocks under seed and
// returns an Encoder for it. A blockSize of 0 selects DefaultBlockSize.
func NewEncoder(message []byte, seed uint64, blockSize int, opts Options) (*Encoder, error) {
	s, err := NewSession(seed, len(message), blockSize)
	if err != nil {
		return nil, err
	}
	c, err := NewCodec(s, opts)
	if err != nil {
		return nil, err
	}
	return c.NewEncoder(message)
}

// NewEncoder creates an encoder for message, which must be exactly as long
// as the session's TotalSize. The message is copied.
func (c *Codec) NewEncoder(message []byte) (*Encoder, error) {
	if len(message) != int(c.session.TotalSize) {
		return nil, fmt.Errorf("%w: got %d bytes, session has %d", ErrMessageLength, len(message), c.session.TotalSize)
	}
	owned := make([]byte, len(message))
	copy(owned, message)
	return &Encoder{
		codec:   c,
		source:  splitBlocks(owned, int(c.session.BlockSize), int(c.session.K)),
		scratch: make([]uint16, c.session.K),
	}, nil
}

// Codec returns the codec the encoder draws compositions from.
func (e *Encoder) Codec() *Codec {
	return e.codec
}

// Session returns the metadata to announce to receivers.
func (e *Encoder) Session() Session {
	return e.codec.session
}

// NextIndex is the block index the next call to NextBlock will use.
func (e *Encoder) NextIndex() uint32 {
	return e.nextIndex
}

// NextBlock returns the code block at the current index and advances it.
// It never fails; after 2^32 blocks the index wraps.
func (e *Encoder) NextBlock() EncodedBlock {
	b := e.Block(e.nextIndex)
	e.nextIndex++
	return b
}

// Block returns code block index without touching the NextBlock counter.
func (e *Encoder) Block(index uint32) EncodedBlock {
	s := e.codec.session
	indices := e.codec.pickIndices(index, e.scratch)
	return EncodedBlock{
		Seed:          s.Seed,
		BlockIndex:    index,
		K:             s.K,
		Degree:        uint8(len(indices)),
		SourceIndices: indices,
		Payload:       generateLubyTransformBlock(e.source, indices, int(s.BlockSize)),
	}
}

// EncodeLTBlocks encodes the code blocks with the given IDs from message.
// Suitable for one-shot use when no Encoder needs to be kept around.
func EncodeLTBlocks(message []byte, encodedBlockIDs []uint32, c *Codec) ([]EncodedBlock, error) {
	e, err := c.NewEncoder(message)
	if err != nil {
		return nil, err
	}
	ltBlocks := make([]EncodedBlock, len(encodedBlockIDs))
	for i, id := range encodedBlockIDs {
		ltBlocks[i] = e.Block(id)
	}
	return ltBlocks, nil
}
