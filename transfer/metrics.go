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
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/qrtp/fountain"
	"github.com/qrtp/fountain/frame"
)

// Metrics are the prometheus collectors updated by Sender and Receiver.
type Metrics struct {
	FramesSent        *prometheus.CounterVec
	FramesReceived    *prometheus.CounterVec
	FramesRejected    *prometheus.CounterVec
	BlocksRecovered   prometheus.Gauge
	PendingBlocks     prometheus.Gauge
	SessionsCompleted prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qrtp_frames_sent_total",
			Help: "Frames written by the sender, by kind",
		}, []string{"kind"}),

		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qrtp_frames_received_total",
			Help: "Frames handed to the receiver, by kind",
		}, []string{"kind"}),

		FramesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qrtp_frames_rejected_total",
			Help: "Frames discarded by the receiver, by reason",
		}, []string{"reason"}),

		BlocksRecovered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qrtp_source_blocks_recovered",
			Help: "Source blocks recovered in the current session",
		}),

		PendingBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qrtp_pending_blocks",
			Help: "Code blocks waiting on two or more unknown source blocks",
		}),

		SessionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qrtp_sessions_completed_total",
			Help: "Sessions fully decoded",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.FramesSent,
			m.FramesReceived,
			m.FramesRejected,
			m.BlocksRecovered,
			m.PendingBlocks,
			m.SessionsCompleted,
		)
	}
	return m
}

// rejectReason maps a receive error to a metrics label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, frame.ErrTooShort):
		return "too_short"
	case errors.Is(err, frame.ErrBadTag):
		return "bad_tag"
	case errors.Is(err, frame.ErrUnsupportedVersion):
		return "version"
	case errors.Is(err, frame.ErrCountMismatch):
		return "count_mismatch"
	case errors.Is(err, frame.ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, frame.ErrDegreeIndexMismatch):
		return "composition_mismatch"
	case errors.Is(err, fountain.ErrSessionMismatch):
		return "session_mismatch"
	case errors.Is(err, fountain.ErrInvalidSession):
		return "invalid_session"
	case errors.Is(err, fountain.ErrBlockTooLarge):
		return "block_too_large"
	}
	return "other"
}
