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

// Package transport moves raw frames between a Sender and a Receiver. Each
// frame travels as one unit: one UDP datagram or one file.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/qrtp/fountain/frame"
)

// ErrFrameTooLarge is returned when a frame cannot be sent as one unit.
var ErrFrameTooLarge = errors.New("transport: frame exceeds maximum frame size")

// pollInterval bounds how long a blocked read goes without checking its
// context.
const pollInterval = 200 * time.Millisecond

// UDPSender writes each frame as one datagram to a fixed peer.
type UDPSender struct {
	conn net.Conn
}

// DialUDP connects a UDPSender to addr.
func DialUDP(ctx context.Context, addr string) (*UDPSender, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &UDPSender{conn: conn}, nil
}

func (u *UDPSender) WriteFrame(ctx context.Context, buf []byte) error {
	if len(buf) > frame.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(buf))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	if err := u.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := u.conn.Write(buf)
	return err
}

func (u *UDPSender) Close() error {
	return u.conn.Close()
}

// UDPReceiver reads datagrams from any peer and hands them out as frames.
// Datagrams larger than frame.MaxFrameSize are skipped.
type UDPReceiver struct {
	conn net.PacketConn
	log  *zap.Logger
	buf  [frame.MaxFrameSize + 1]byte
}

// ListenUDP binds a UDPReceiver to addr. logger may be nil.
func ListenUDP(ctx context.Context, addr string, logger *zap.Logger) (*UDPReceiver, error) {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UDPReceiver{conn: conn, log: logger}, nil
}

// Addr returns the local address, useful when listening on port 0.
func (u *UDPReceiver) Addr() net.Addr {
	return u.conn.LocalAddr()
}

// ReadFrame blocks until a datagram arrives or ctx is done.
func (u *UDPReceiver) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		deadline := time.Now().Add(pollInterval)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := u.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}

		n, from, err := u.conn.ReadFrom(u.buf[:])
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return nil, err
		}
		if n > frame.MaxFrameSize {
			u.log.Debug("oversized datagram skipped", zap.Stringer("from", from), zap.Int("len", n))
			continue
		}
		return append([]byte(nil), u.buf[:n]...), nil
	}
}

func (u *UDPReceiver) Close() error {
	return u.conn.Close()
}
