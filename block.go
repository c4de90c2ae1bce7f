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
	"encoding/binary"
)

// A block represents one fixed-size source block of the payload being encoded
// or decoded. The bytes past the block's true length are implicit zero
// padding, so every block of a session has the same length().
type block struct {
	// Data content of this source block, at most the session block size.
	data []byte

	// How many padding bytes this block has at the end.
	padding int
}

// length returns the length of the block in bytes. Counts data bytes as well
// as any padding.
func (b *block) length() int {
	return len(b.data) + b.padding
}

// empty reports whether the block carries no payload bytes, only padding.
func (b *block) empty() bool {
	return len(b.data) == 0
}

// XORInto XORs src into dst over their overlapping length. It works on
// 16-byte chunks and finishes the tail a byte at a time; the result is
// identical to a plain byte-wise XOR.
func XORInto(dst, src []byte) {
	n := len(src)
	if len(dst) < n {
		n = len(dst)
	}
	i := 0
	for ; i+16 <= n; i += 16 {
		d, s := dst[i:i+16], src[i:i+16]
		binary.LittleEndian.PutUint64(d[0:8], binary.LittleEndian.Uint64(d[0:8])^binary.LittleEndian.Uint64(s[0:8]))
		binary.LittleEndian.PutUint64(d[8:16], binary.LittleEndian.Uint64(d[8:16])^binary.LittleEndian.Uint64(s[8:16]))
	}
	for ; i < n; i++ {
		dst[i] ^= src[i]
	}
}

// splitBlocks partitions a message into k blocks of blockSize bytes. The last
// block holds the remainder and is padded out to blockSize. The blocks alias
// the message.
func splitBlocks(message []byte, blockSize, k int) []block {
	blocks := make([]block, k)
	for i := range blocks {
		start := i * blockSize
		end := start + blockSize
		if start > len(message) {
			start = len(message)
		}
		if end > len(message) {
			end = len(message)
		}
		blocks[i].data = message[start:end]
		blocks[i].padding = blockSize - len(blocks[i].data)
	}
	return blocks
}

// blockLength is the true length of source block i of a session.
func blockLength(totalSize, blockSize, i int) int {
	start := i * blockSize
	if start >= totalSize {
		return 0
	}
	if rest := totalSize - start; rest < blockSize {
		return rest
	}
	return blockSize
}
