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
	"fmt"
	"math/bits"
	"strings"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/exp/rand"
)

// Generator is a deterministic source of pseudo-random numbers keyed by a
// 64-bit seed. Two generators built with the same algorithm and seed produce
// the same infinite sequence.
type Generator interface {
	// Uint64 returns the next 64-bit value in the sequence.
	Uint64() uint64

	// Uint64n returns the next value reduced without bias to [0,n).
	Uint64n(n uint64) uint64
}

// Algorithm selects which Generator implementation a session uses. It is
// agreed out of band by the encoding and decoding sides; frames do not carry it.
type Algorithm uint8

const (
	// AlgorithmMix is the invertible splitmix-style counter generator.
	AlgorithmMix Algorithm = iota

	// AlgorithmPCG is a fast non-cryptographic PCG generator.
	AlgorithmPCG

	// AlgorithmChaCha draws from a ChaCha20 keystream whose key is expanded
	// from the seed with Mix.
	AlgorithmChaCha
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmMix:
		return "mix"
	case AlgorithmPCG:
		return "pcg"
	case AlgorithmChaCha:
		return "chacha"
	}
	return fmt.Sprintf("Algorithm(%d)", uint8(a))
}

// ParseAlgorithm maps the names returned by Algorithm.String back to an
// Algorithm. The empty string selects AlgorithmMix.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mix":
		return AlgorithmMix, nil
	case "pcg":
		return AlgorithmPCG, nil
	case "chacha", "chacha20":
		return AlgorithmChaCha, nil
	}
	return 0, fmt.Errorf("fountain: unknown generator algorithm %q", s)
}

// NewGenerator creates a generator of the given algorithm seeded with seed.
// Unknown algorithms fall back to AlgorithmMix.
func NewGenerator(alg Algorithm, seed uint64) Generator {
	switch alg {
	case AlgorithmPCG:
		src := &rand.PCGSource{}
		src.Seed(seed)
		return rand.New(src)
	case AlgorithmChaCha:
		return newChaChaGenerator(seed)
	}
	return newMixGenerator(seed)
}

const (
	mixGamma = 0x9e3779b97f4a7c15
	mixMul1  = 0xbf58476d1ce4e5b9
	mixMul2  = 0x94d049bb133111eb

	// Multiplicative inverses of mixMul1 and mixMul2 modulo 2^64.
	mixInv1 = 0x96de1b173f119089
	mixInv2 = 0x319642b2d24d8ec3
)

// Mix is a bijection on 64-bit integers after the splitmix64 finalizer.
// Unmix(Mix(x)) == x for every x.
func Mix(x uint64) uint64 {
	z := x + mixGamma
	z ^= z >> 30
	z *= mixMul1
	z ^= z >> 27
	z *= mixMul2
	z ^= z >> 31
	return z
}

// Unmix is the exact inverse of Mix.
func Unmix(z uint64) uint64 {
	z = unshiftRight(z, 31)
	z *= mixInv2
	z = unshiftRight(z, 27)
	z *= mixInv1
	z = unshiftRight(z, 30)
	return z - mixGamma
}

// unshiftRight inverts x ^= x >> s. Each pass recovers s more high bits.
func unshiftRight(x uint64, s uint) uint64 {
	r := x
	for c := s; c < 64; c += s {
		r = x ^ (r >> s)
	}
	return r
}

// ValueAt returns the index'th value of the addressable Mix sequence for seed.
// The result does not depend on which other indices were queried before.
func ValueAt(seed, index uint64) uint64 {
	return Mix(seed ^ index)
}

// mixGenerator walks the ValueAt sequence of a pre-mixed base, so that the
// streams for neighbouring seeds do not overlap.
type mixGenerator struct {
	base  uint64
	index uint64
}

func newMixGenerator(seed uint64) *mixGenerator {
	return &mixGenerator{base: Mix(seed)}
}

func (g *mixGenerator) Uint64() uint64 {
	v := ValueAt(g.base, g.index)
	g.index++
	return v
}

func (g *mixGenerator) Uint64n(n uint64) uint64 {
	return bounded(g, n)
}

// chachaGenerator serves 64-bit values out of a ChaCha20 keystream.
type chachaGenerator struct {
	cipher *chacha20.Cipher
	buf    [64]byte
	off    int
}

func newChaChaGenerator(seed uint64) *chachaGenerator {
	var key [chacha20.KeySize]byte
	for i := 0; i < len(key)/8; i++ {
		binary.BigEndian.PutUint64(key[i*8:], ValueAt(seed, uint64(i)))
	}
	var nonce [chacha20.NonceSize]byte
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		// Key and nonce sizes are fixed above.
		panic(err)
	}
	g := &chachaGenerator{cipher: c}
	g.off = len(g.buf)
	return g
}

func (g *chachaGenerator) Uint64() uint64 {
	if g.off == len(g.buf) {
		g.buf = [64]byte{}
		g.cipher.XORKeyStream(g.buf[:], g.buf[:])
		g.off = 0
	}
	v := binary.BigEndian.Uint64(g.buf[g.off:])
	g.off += 8
	return v
}

func (g *chachaGenerator) Uint64n(n uint64) uint64 {
	return bounded(g, n)
}

// bounded reduces draws from g into [0,n) with Lemire's multiply-and-reject
// method. It returns 0 when n <= 1.
func bounded(g interface{ Uint64() uint64 }, n uint64) uint64 {
	if n <= 1 {
		return 0
	}
	hi, lo := bits.Mul64(g.Uint64(), n)
	if lo < n {
		threshold := -n % n
		for lo < threshold {
			hi, lo = bits.Mul64(g.Uint64(), n)
		}
	}
	return hi
}

// unitFloat maps the top 52 bits of v to a float strictly inside (0,1).
// Both the midpoint offset and the division are exact at this width.
func unitFloat(v uint64) float64 {
	return (float64(v>>12) + 0.5) / (1 << 52)
}
