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

// Package frame is the wire format for fountain sessions: a fixed 21-byte
// session announcement ("qrts") and variable-length block frames ("qrtp"),
// all big-endian. Frames are sized to fit a single QR code at medium error
// correction or one UDP datagram.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/qrtp/fountain"
)

const (
	SessionTag = "qrts"
	BlockTag   = "qrtp"

	// Version is the only frame version this package reads or writes.
	Version uint8 = 1

	// SessionFrameLen is the fixed size of a session frame.
	SessionFrameLen = 21

	// BlockHeaderLen is the size of a block frame with no source indices
	// and an empty payload.
	BlockHeaderLen = 23

	// MaxFrameSize is the byte capacity of a version 40 QR code at medium
	// error correction.
	MaxFrameSize = 2953
)

var (
	ErrTooShort            = errors.New("frame: buffer shorter than header")
	ErrBadTag              = errors.New("frame: bad magic tag")
	ErrUnsupportedVersion  = errors.New("frame: unsupported version")
	ErrCountMismatch       = errors.New("frame: source index count does not match degree")
	ErrPayloadTooLarge     = errors.New("frame: payload too large")
	ErrDegreeIndexMismatch = errors.New("frame: transmitted composition does not match derived composition")
	ErrBufferTooSmall      = errors.New("frame: destination buffer too small")
)

// IsFramingError reports whether err is a local frame error. The offending
// frame should be discarded and decoding can continue.
func IsFramingError(err error) bool {
	for _, target := range []error{
		ErrTooShort, ErrBadTag, ErrUnsupportedVersion, ErrCountMismatch,
		ErrPayloadTooLarge, ErrDegreeIndexMismatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Kind identifies what a frame carries.
type Kind uint8

const (
	KindSession Kind = iota + 1
	KindBlock
)

func (k Kind) String() string {
	switch k {
	case KindSession:
		return "session"
	case KindBlock:
		return "block"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Peek inspects the magic tag of buf.
func Peek(buf []byte) (Kind, error) {
	if len(buf) < len(SessionTag) {
		return 0, ErrTooShort
	}
	switch string(buf[:4]) {
	case SessionTag:
		return KindSession, nil
	case BlockTag:
		return KindBlock, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrBadTag, buf[:4])
}

// AppendSession appends the session frame for s to dst.
func AppendSession(dst []byte, s fountain.Session) []byte {
	dst = append(dst, SessionTag...)
	dst = append(dst, Version)
	dst = binary.BigEndian.AppendUint64(dst, s.Seed)
	dst = binary.BigEndian.AppendUint16(dst, s.K)
	dst = binary.BigEndian.AppendUint32(dst, s.TotalSize)
	dst = binary.BigEndian.AppendUint16(dst, s.BlockSize)
	return dst
}

// DecodeSession parses a session frame. It checks the framing only; callers
// building a decoder still get the session validated by fountain.NewCodec.
func DecodeSession(buf []byte) (fountain.Session, error) {
	if len(buf) < SessionFrameLen {
		return fountain.Session{}, ErrTooShort
	}
	if err := checkPreamble(buf, SessionTag); err != nil {
		return fountain.Session{}, err
	}
	return fountain.Session{
		Seed:      binary.BigEndian.Uint64(buf[5:13]),
		K:         binary.BigEndian.Uint16(buf[13:15]),
		TotalSize: binary.BigEndian.Uint32(buf[15:19]),
		BlockSize: binary.BigEndian.Uint16(buf[19:21]),
	}, nil
}

func checkPreamble(buf []byte, tag string) error {
	if string(buf[:4]) != tag {
		return fmt.Errorf("%w: got %q, want %q", ErrBadTag, buf[:4], tag)
	}
	if buf[4] != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, buf[4])
	}
	return nil
}

// BlockFrameLen is the encoded size of b.
func BlockFrameLen(b *fountain.EncodedBlock) int {
	return BlockHeaderLen + 2*len(b.SourceIndices) + len(b.Payload)
}

// AppendBlock appends the block frame for b to dst. The degree byte is
// b.Degree and the count byte is len(b.SourceIndices); blocks from an
// Encoder always agree on both.
func AppendBlock(dst []byte, b *fountain.EncodedBlock) []byte {
	dst = append(dst, BlockTag...)
	dst = append(dst, Version)
	dst = binary.BigEndian.AppendUint64(dst, b.Seed)
	dst = binary.BigEndian.AppendUint32(dst, b.BlockIndex)
	dst = binary.BigEndian.AppendUint16(dst, b.K)
	dst = append(dst, b.Degree, uint8(len(b.SourceIndices)))
	for _, i := range b.SourceIndices {
		dst = binary.BigEndian.AppendUint16(dst, i)
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(b.Payload)))
	return append(dst, b.Payload...)
}

// EncodeBlock writes the block frame for b into the start of buf without
// allocating and returns the number of bytes written.
func EncodeBlock(buf []byte, b *fountain.EncodedBlock) (int, error) {
	n := BlockFrameLen(b)
	if len(buf) < n {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooSmall, n, len(buf))
	}
	AppendBlock(buf[:0], b)
	return n, nil
}

// DecodeBlock parses a block frame into a new EncodedBlock.
func DecodeBlock(buf []byte) (fountain.EncodedBlock, error) {
	var b fountain.EncodedBlock
	err := DecodeBlockInto(buf, &b)
	return b, err
}

// DecodeBlockInto parses a block frame into out, reusing the capacity of
// out.SourceIndices and out.Payload. Bytes after the payload are ignored.
// On error out is left in an unspecified state.
func DecodeBlockInto(buf []byte, out *fountain.EncodedBlock) error {
	if len(buf) < BlockHeaderLen {
		return ErrTooShort
	}
	if err := checkPreamble(buf, BlockTag); err != nil {
		return err
	}
	degree, count := buf[19], buf[20]
	if degree != count {
		return fmt.Errorf("%w: degree %d, %d indices", ErrCountMismatch, degree, count)
	}
	off := 21
	if len(buf) < BlockHeaderLen+2*int(count) {
		return ErrTooShort
	}

	out.Seed = binary.BigEndian.Uint64(buf[5:13])
	out.BlockIndex = binary.BigEndian.Uint32(buf[13:17])
	out.K = binary.BigEndian.Uint16(buf[17:19])
	out.Degree = degree
	out.SourceIndices = out.SourceIndices[:0]
	for i := 0; i < int(count); i++ {
		out.SourceIndices = append(out.SourceIndices, binary.BigEndian.Uint16(buf[off:]))
		off += 2
	}

	payloadLen := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if payloadLen > fountain.MaxBlockSize || payloadLen > len(buf)-off {
		return fmt.Errorf("%w: %d bytes declared, %d available", ErrPayloadTooLarge, payloadLen, len(buf)-off)
	}
	out.Payload = append(out.Payload[:0], buf[off:off+payloadLen]...)
	return nil
}

// Verify checks the transmitted degree and source indices of b against the
// composition c derives from (seed, block index, k). The derived composition
// is authoritative; a mismatch means the frame was corrupted or forged.
func Verify(c *fountain.Codec, b *fountain.EncodedBlock) error {
	s := c.Session()
	if b.Seed != s.Seed || b.K != s.K {
		return fmt.Errorf("%w: got seed=%#x k=%d", fountain.ErrSessionMismatch, b.Seed, b.K)
	}
	derived := c.PickIndices(b.BlockIndex)
	if int(b.Degree) != len(derived) || !slices.Equal(b.SourceIndices, derived) {
		return fmt.Errorf("%w: block %d carries %v, derived %v",
			ErrDegreeIndexMismatch, b.BlockIndex, b.SourceIndices, derived)
	}
	return nil
}
