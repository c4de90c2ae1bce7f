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
	"math"
	"sort"
	"strings"
)

// Note that these CDFs (cumulative distribution function) are used for
// selecting how many source blocks go into a code block. To use a CDF, pick
// a random number r (0 < r < 1) and then find the smallest i such that
// CDF[i] >= r.

// Distribution names the degree distribution a session draws from. Like the
// Algorithm, it is agreed out of band.
type Distribution uint8

const (
	// IdealSoliton is P(1) = 1/k, P(i) = 1/(i(i-1)) for 2 <= i <= k.
	IdealSoliton Distribution = iota

	// RobustSoliton adds Luby's spike and low-degree boost to the ideal
	// soliton, with c = robustC and delta = robustDelta.
	RobustSoliton
)

const (
	robustC     = 0.1
	robustDelta = 0.5
)

func (d Distribution) String() string {
	switch d {
	case IdealSoliton:
		return "ideal"
	case RobustSoliton:
		return "robust"
	}
	return fmt.Sprintf("Distribution(%d)", uint8(d))
}

// ParseDistribution maps "ideal" or "robust" to a Distribution. The empty
// string selects IdealSoliton.
func ParseDistribution(s string) (Distribution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ideal":
		return IdealSoliton, nil
	case "robust":
		return RobustSoliton, nil
	}
	return 0, fmt.Errorf("fountain: unknown degree distribution %q", s)
}

// cdf returns the one-based CDF table for k source blocks.
func (d Distribution) cdf(k int) []float64 {
	if k < 1 {
		k = 1
	}
	if d == RobustSoliton && k > 1 {
		return robustSolitonDistribution(k, robustSpike(k), robustDelta)
	}
	return solitonDistribution(k)
}

// solitonDistribution returns a CDF mapping for the soliton distribution.
// N (the number of elements in the CDF) cannot be less than 1
// The CDF is one-based: the probability of picking 1 from the distribution
// is CDF[1].
func solitonDistribution(n int) []float64 {
	cdf := make([]float64, n+1)
	cdf[1] = 1 / float64(n)
	for i := 2; i < len(cdf); i++ {
		cdf[i] = cdf[i-1] + (1 / (float64(i) * float64(i-1)))
	}
	return cdf
}

// robustSpike is M = k/R with R = c*ln(k/delta)*sqrt(k), kept inside [1,k].
func robustSpike(k int) int {
	r := robustC * math.Log(float64(k)/robustDelta) * math.Sqrt(float64(k))
	m := int(math.Floor(float64(k) / r))
	if m < 1 {
		m = 1
	}
	if m > k {
		m = k
	}
	return m
}

// robustSolitonDistribution returns a CDF mapping for the robust soliton
// distribution.
// This is an addition to the soliton distribution with three parameters,
// N, M, and delta.
// Before normalization, the correction pdf(i) = 1/i*M, for i=1..M-1,
// pdf(M) = ln(N/(M*delta))/M
// pdf(i) = 0 for i = M+1..N
// These values are added to the ideal soliton distribution, and then the
// result normalized. With M = 1 the spike lands on pdf(1).
// The CDF is one-based: the probability of picking 1 from the distribution
// is CDF[1].
func robustSolitonDistribution(n int, m int, delta float64) []float64 {
	pdf := make([]float64, n+1)

	spike := math.Log(float64(n)/(float64(m)*delta)) / float64(m)

	pdf[1] = 1/float64(n) + 1/float64(m)
	if m == 1 {
		pdf[1] = 1/float64(n) + spike
	}
	total := pdf[1]
	for i := 2; i < len(pdf); i++ {
		pdf[i] = (1 / (float64(i) * float64(i-1)))
		if i < m {
			pdf[i] += 1 / (float64(i) * float64(m))
		}
		if i == m {
			pdf[i] += spike
		}
		total += pdf[i]
	}

	cdf := make([]float64, n+1)
	for i := 1; i < len(pdf); i++ {
		pdf[i] /= total
		cdf[i] = cdf[i-1] + pdf[i]
	}
	return cdf
}

// SampleDegree draws one value from g and maps it through the inverse of the
// one-based cdf. The result is in [1, len(cdf)-1]; a table for k <= 1 always
// yields 1.
func SampleDegree(g Generator, cdf []float64) int {
	n := len(cdf) - 1
	if n <= 1 {
		return 1
	}
	r := unitFloat(g.Uint64())
	d := sort.SearchFloat64s(cdf, r)
	if d < 1 {
		return 1
	}
	if d > n {
		// Rounding can leave cdf[n] a hair under 1.
		return n
	}
	return d
}

// SelectSources draws degree distinct indices from [0,k) with a partial
// Fisher-Yates shuffle. scratch is reused as the candidate array when it has
// room for k entries. The indices are returned in draw order.
func SelectSources(g Generator, k, degree int, scratch []uint16) []uint16 {
	if degree > k {
		degree = k
	}
	if cap(scratch) < k {
		scratch = make([]uint16, k)
	}
	candidates := scratch[:k]
	for i := range candidates {
		candidates[i] = uint16(i)
	}

	picks := make([]uint16, degree)
	for i := 0; i < degree; i++ {
		j := i + int(g.Uint64n(uint64(k-i)))
		candidates[i], candidates[j] = candidates[j], candidates[i]
		picks[i] = candidates[i]
	}
	return picks
}
