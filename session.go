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
	"errors"
	"fmt"
)

const (
	// DefaultBlockSize is the source block size used when none is given.
	DefaultBlockSize = 256

	// MaxBlockSize bounds the source block size so a block frame fits in a
	// single QR code at medium error correction.
	MaxBlockSize = 2048

	// MaxSourceBlocks bounds K, the number of source blocks in a session.
	MaxSourceBlocks = 4096

	// MaxDegree caps how many source blocks are combined into one code block.
	MaxDegree = 64

	// DefaultMaxPending bounds the decoder's set of partially solved blocks.
	DefaultMaxPending = 1024
)

var (
	ErrInvalidSession  = errors.New("fountain: invalid session parameters")
	ErrSessionMismatch = errors.New("fountain: block does not belong to this session")
	ErrMessageLength   = errors.New("fountain: message length does not match session")
	ErrBlockTooLarge   = errors.New("fountain: block payload exceeds block size")
)

// Session is the metadata a sender announces before its first code block.
// A receiver needs it to build a Decoder with the matching seed and K.
type Session struct {
	Seed      uint64
	K         uint16
	TotalSize uint32
	BlockSize uint16
}

// NewSession splits a payload of totalSize bytes into blockSize-byte source
// blocks. A blockSize of 0 selects DefaultBlockSize. An empty payload still
// gets one (empty) source block.
func NewSession(seed uint64, totalSize, blockSize int) (Session, error) {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if blockSize < 0 || blockSize > MaxBlockSize {
		return Session{}, fmt.Errorf("%w: block size %d not in [1,%d]", ErrInvalidSession, blockSize, MaxBlockSize)
	}
	if totalSize < 0 {
		return Session{}, fmt.Errorf("%w: negative payload size %d", ErrInvalidSession, totalSize)
	}
	k := (totalSize + blockSize - 1) / blockSize
	if k == 0 {
		k = 1
	}
	if k > MaxSourceBlocks {
		return Session{}, fmt.Errorf("%w: payload of %d bytes needs %d blocks, limit is %d",
			ErrInvalidSession, totalSize, k, MaxSourceBlocks)
	}
	return Session{
		Seed:      seed,
		K:         uint16(k),
		TotalSize: uint32(totalSize),
		BlockSize: uint16(blockSize),
	}, nil
}

// Validate checks that the fields are within limits and agree with each other.
func (s Session) Validate() error {
	if s.BlockSize == 0 || s.BlockSize > MaxBlockSize {
		return fmt.Errorf("%w: block size %d not in [1,%d]", ErrInvalidSession, s.BlockSize, MaxBlockSize)
	}
	if s.K == 0 || s.K > MaxSourceBlocks {
		return fmt.Errorf("%w: k=%d not in [1,%d]", ErrInvalidSession, s.K, MaxSourceBlocks)
	}
	want := (int(s.TotalSize) + int(s.BlockSize) - 1) / int(s.BlockSize)
	if want == 0 {
		want = 1
	}
	if want != int(s.K) {
		return fmt.Errorf("%w: %d bytes in %d-byte blocks is %d blocks, not k=%d",
			ErrInvalidSession, s.TotalSize, s.BlockSize, want, s.K)
	}
	return nil
}

func (s Session) String() string {
	return fmt.Sprintf("seed=%#x k=%d size=%d block=%d", s.Seed, s.K, s.TotalSize, s.BlockSize)
}
