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
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/qrtp/fountain"
	"github.com/qrtp/fountain/frame"
)

// channel is an in-memory link that drops every frame for which drop
// returns true.
type channel struct {
	frames [][]byte
	sent   int
	drop   func(n int) bool
}

func (c *channel) WriteFrame(_ context.Context, buf []byte) error {
	n := c.sent
	c.sent++
	if c.drop != nil && c.drop(n) {
		return nil
	}
	c.frames = append(c.frames, append([]byte(nil), buf...))
	return nil
}

func (c *channel) ReadFrame(context.Context) ([]byte, error) {
	if len(c.frames) == 0 {
		return nil, io.EOF
	}
	buf := c.frames[0]
	c.frames = c.frames[1:]
	return buf, nil
}

func testPayload(size int) []byte {
	p := make([]byte, size)
	for i := range p {
		p[i] = byte(i*31 + i/7)
	}
	return p
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BlockSize = 64
	return cfg
}

func TestSeedFor(t *testing.T) {
	a := SeedFor([]byte("hello fountain"))
	assert.Equal(t, a, SeedFor([]byte("hello fountain")))
	assert.NotEqual(t, a, SeedFor([]byte("hello fountaim")))
}

func TestSenderSession(t *testing.T) {
	cfg := testConfig()
	payload := testPayload(1000)

	s, err := NewSender(payload, cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	assert.Equal(t, SeedFor(payload), s.Session().Seed)
	assert.Equal(t, uint16(16), s.Session().K)

	got, err := frame.DecodeSession(s.SessionFrame())
	require.NoError(t, err)
	assert.Equal(t, s.Session(), got)

	cfg.Seed = 0xCAFEBABE
	s, err = NewSender(payload, cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xCAFEBABE), s.Session().Seed)
}

func TestSenderRejects(t *testing.T) {
	cfg := testConfig()
	cfg.Algorithm = "rot13"
	_, err := NewSender([]byte("x"), cfg, nil, nil)
	assert.Error(t, err)

	_, err = NewSender(make([]byte, fountain.MaxSourceBlocks*64+1), testConfig(), nil, nil)
	assert.ErrorIs(t, err, fountain.ErrInvalidSession)
}

func TestSenderFramesDecode(t *testing.T) {
	s, err := NewSender(testPayload(500), testConfig(), nil, nil)
	require.NoError(t, err)
	c, err := fountain.NewCodec(s.Session(), fountain.Options{})
	require.NoError(t, err)

	for i := uint32(0); i < 20; i++ {
		b, err := frame.DecodeBlock(s.NextFrame())
		require.NoError(t, err)
		assert.Equal(t, i, b.BlockIndex)
		assert.NoError(t, frame.Verify(c, &b))
	}
}

func TestStreamAnnouncesSession(t *testing.T) {
	cfg := testConfig()
	cfg.AnnounceEvery = 4
	s, err := NewSender(testPayload(300), cfg, nil, nil)
	require.NoError(t, err)

	ch := &channel{}
	require.NoError(t, s.Stream(context.Background(), ch, 10))

	var kinds []frame.Kind
	for _, buf := range ch.frames {
		k, err := frame.Peek(buf)
		require.NoError(t, err)
		kinds = append(kinds, k)
	}
	S, B := frame.KindSession, frame.KindBlock
	assert.Equal(t, []frame.Kind{S, B, B, B, B, S, B, B, B, B, S, B, B}, kinds)
}

type cancelAfter struct {
	n      int
	cancel context.CancelFunc
}

func (c *cancelAfter) WriteFrame(context.Context, []byte) error {
	c.n--
	if c.n == 0 {
		c.cancel()
	}
	return nil
}

func TestStreamStopsOnCancel(t *testing.T) {
	s, err := NewSender(testPayload(300), testConfig(), nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err = s.Stream(ctx, &cancelAfter{n: 50, cancel: cancel}, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(*Config)
		size int
		drop func(n int) bool
	}{
		{name: "lossless", cfg: func(*Config) {}, size: 3000},
		{name: "empty", cfg: func(*Config) {}, size: 0},
		{name: "every third lost", cfg: func(*Config) {}, size: 3000, drop: func(n int) bool { return n%3 == 1 }},
		{name: "burst loss", cfg: func(*Config) {}, size: 2000, drop: func(n int) bool { return n%50 < 20 }},
		{name: "pcg robust", cfg: func(c *Config) { c.Algorithm = "pcg"; c.Distribution = "robust" }, size: 2500},
		{name: "chacha", cfg: func(c *Config) { c.Algorithm = "chacha" }, size: 2500, drop: func(n int) bool { return n%4 == 1 }},
		{name: "compressed", cfg: func(c *Config) { c.Compress = true }, size: 8000, drop: func(n int) bool { return n%3 == 1 }},
		{name: "first announcements lost", cfg: func(*Config) {}, size: 3000, drop: func(n int) bool { return n < 34 || n%3 == 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.cfg(&cfg)
			payload := testPayload(tt.size)
			if cfg.Compress {
				payload = bytes.Repeat([]byte("compressible fountain payload "), tt.size/30)
			}

			s, err := NewSender(payload, cfg, zaptest.NewLogger(t), nil)
			require.NoError(t, err)
			k := int(s.Session().K)

			ch := &channel{drop: tt.drop}
			require.NoError(t, s.Stream(context.Background(), ch, 80*k+80))

			r, err := NewReceiver(cfg, zaptest.NewLogger(t), nil)
			require.NoError(t, err)
			got, err := r.Receive(context.Background(), ch)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(payload, got), "payload mismatch")

			recovered, total := r.Progress()
			assert.Equal(t, k, recovered)
			assert.Equal(t, k, total)
		})
	}
}

func TestReceiveIncomplete(t *testing.T) {
	s, err := NewSender(testPayload(3000), testConfig(), nil, nil)
	require.NoError(t, err)
	ch := &channel{}
	require.NoError(t, s.Stream(context.Background(), ch, 3))

	r, err := NewReceiver(testConfig(), nil, nil)
	require.NoError(t, err)
	_, err = r.Receive(context.Background(), ch)
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, r.Done())

	_, err = r.Payload()
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestReceiverBacklog(t *testing.T) {
	payload := testPayload(400)
	s, err := NewSender(payload, testConfig(), nil, nil)
	require.NoError(t, err)

	r, err := NewReceiver(testConfig(), zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		done, err := r.HandleFrame(s.NextFrame())
		require.NoError(t, err)
		require.False(t, done)
	}
	recovered, total := r.Progress()
	assert.Zero(t, recovered)
	assert.Zero(t, total)

	done, err := r.HandleFrame(s.SessionFrame())
	require.NoError(t, err)
	assert.True(t, done)

	got, err := r.Payload()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReceiverLateAnnouncement(t *testing.T) {
	cfg := testConfig()
	cfg.AnnounceEvery = 8
	payload := testPayload(1500)
	s, err := NewSender(payload, cfg, nil, nil)
	require.NoError(t, err)
	k := int(s.Session().K)

	// Only the fourth session frame (position 27) gets through; every block
	// frame before it waits in the backlog.
	sessions := 0
	ch := &channel{drop: func(n int) bool {
		if n%9 != 0 {
			return false
		}
		sessions++
		return sessions != 4
	}}
	require.NoError(t, s.Stream(context.Background(), ch, 80*k+80))

	r, err := NewReceiver(cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	for i := 0; i < 24; i++ {
		buf, err := ch.ReadFrame(context.Background())
		require.NoError(t, err)
		done, err := r.HandleFrame(buf)
		require.NoError(t, err)
		require.False(t, done)
	}
	_, total := r.Progress()
	require.Zero(t, total, "no session frame should have arrived yet")

	got, err := r.Receive(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReceiverDecompressionCap(t *testing.T) {
	cfg := testConfig()
	cfg.Compress = true
	payload := make([]byte, 4<<20)
	s, err := NewSender(payload, cfg, nil, nil)
	require.NoError(t, err)
	k := int(s.Session().K)
	ch := &channel{}
	require.NoError(t, s.Stream(context.Background(), ch, 80*k+80))

	cfg.MaxDecompressed = 1 << 20
	r, err := NewReceiver(cfg, nil, nil)
	require.NoError(t, err)
	_, err = r.Receive(context.Background(), ch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decompress payload")
	assert.True(t, r.Done())
}

func TestReceiverBacklogFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBacklog = 0
	s, err := NewSender(testPayload(100), cfg, nil, nil)
	require.NoError(t, err)

	m := NewMetrics(prometheus.NewRegistry())
	r, err := NewReceiver(cfg, nil, m)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := r.HandleFrame(s.NextFrame())
		require.NoError(t, err)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.FramesRejected.WithLabelValues("backlog_full")))

	done, err := r.HandleFrame(s.SessionFrame())
	require.NoError(t, err)
	assert.False(t, done)
}

func TestReceiverSessionSwitch(t *testing.T) {
	cfg := testConfig()
	first, err := NewSender(testPayload(3000), cfg, nil, nil)
	require.NoError(t, err)
	cfg.Seed = 7
	secondPayload := bytes.Repeat([]byte{0xAB}, 700)
	second, err := NewSender(secondPayload, cfg, nil, nil)
	require.NoError(t, err)

	r, err := NewReceiver(testConfig(), zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	_, err = r.HandleFrame(first.SessionFrame())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := r.HandleFrame(first.NextFrame())
		require.NoError(t, err)
	}

	// Repeating the current announcement keeps the decoder state.
	before, _ := r.Progress()
	_, err = r.HandleFrame(first.SessionFrame())
	require.NoError(t, err)
	after, _ := r.Progress()
	assert.Equal(t, before, after)

	_, err = r.HandleFrame(second.SessionFrame())
	require.NoError(t, err)
	_, total := r.Progress()
	assert.Equal(t, int(second.Session().K), total)

	// Stale blocks from the first session are refused.
	_, err = r.HandleFrame(first.NextFrame())
	assert.ErrorIs(t, err, fountain.ErrSessionMismatch)

	for i := 0; i < 80*total+80 && !r.Done(); i++ {
		_, err := r.HandleFrame(second.NextFrame())
		require.NoError(t, err)
	}
	got, err := r.Payload()
	require.NoError(t, err)
	assert.Equal(t, secondPayload, got)
}

func TestReceiverRejects(t *testing.T) {
	s, err := NewSender(testPayload(1000), testConfig(), nil, nil)
	require.NoError(t, err)

	m := NewMetrics(prometheus.NewRegistry())
	r, err := NewReceiver(testConfig(), nil, m)
	require.NoError(t, err)
	_, err = r.HandleFrame(s.SessionFrame())
	require.NoError(t, err)

	_, err = r.HandleFrame([]byte("qr"))
	assert.ErrorIs(t, err, frame.ErrTooShort)

	_, err = r.HandleFrame([]byte("nope, not a frame"))
	assert.ErrorIs(t, err, frame.ErrBadTag)

	b := s.NextFrame()
	tampered := append([]byte(nil), b...)
	tampered[4] = frame.Version + 1
	_, err = r.HandleFrame(tampered)
	assert.ErrorIs(t, err, frame.ErrUnsupportedVersion)

	// Rewriting the block index keeps the frame well formed but breaks the
	// composition it claims.
	var eb fountain.EncodedBlock
	for i := 0; ; i++ {
		require.Less(t, i, 1000)
		require.NoError(t, frame.DecodeBlockInto(s.NextFrame(), &eb))
		if eb.Degree > 1 {
			break
		}
	}
	eb.BlockIndex += 1000
	c, err := fountain.NewCodec(s.Session(), fountain.Options{})
	require.NoError(t, err)
	if frame.Verify(c, &eb) != nil {
		_, err = r.HandleFrame(frame.AppendBlock(nil, &eb))
		assert.ErrorIs(t, err, frame.ErrDegreeIndexMismatch)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesRejected.WithLabelValues("composition_mismatch")))
	}

	_, err = r.HandleFrame(frame.AppendSession(nil, fountain.Session{Seed: 1, K: 9, TotalSize: 10, BlockSize: 64}))
	assert.ErrorIs(t, err, fountain.ErrInvalidSession)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesRejected.WithLabelValues("too_short")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesRejected.WithLabelValues("bad_tag")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesRejected.WithLabelValues("version")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesRejected.WithLabelValues("invalid_session")))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	cfg := testConfig()
	cfg.AnnounceEvery = 10
	s, err := NewSender(testPayload(2000), cfg, nil, m)
	require.NoError(t, err)
	k := int(s.Session().K)

	ch := &channel{}
	require.NoError(t, s.Stream(context.Background(), ch, 25))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.FramesSent.WithLabelValues("session")))
	assert.Equal(t, 25.0, testutil.ToFloat64(m.FramesSent.WithLabelValues("block")))

	require.NoError(t, s.Stream(context.Background(), ch, 80*k+80))
	r, err := NewReceiver(cfg, nil, m)
	require.NoError(t, err)
	_, err = r.Receive(context.Background(), ch)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsCompleted))
	assert.Equal(t, float64(k), testutil.ToFloat64(m.BlocksRecovered))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PendingBlocks))
	assert.Positive(t, testutil.ToFloat64(m.FramesReceived.WithLabelValues("block")))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Positive(t, n)
}
