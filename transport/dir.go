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

package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/qrtp/fountain/frame"
)

const (
	framePrefix = "frame-"
	frameSuffix = ".qrtp"
)

// DirWriter stores each frame as its own file in a directory, named so that
// lexical order is write order.
type DirWriter struct {
	dir string
	n   int
}

// NewDirWriter creates dir if needed.
func NewDirWriter(dir string) (*DirWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create frame directory: %w", err)
	}
	return &DirWriter{dir: dir}, nil
}

func (w *DirWriter) WriteFrame(ctx context.Context, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(buf) > frame.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(buf))
	}
	name := filepath.Join(w.dir, fmt.Sprintf("%s%08d%s", framePrefix, w.n, frameSuffix))
	if err := os.WriteFile(name, buf, 0o644); err != nil {
		return err
	}
	w.n++
	return nil
}

// DirReader replays the frame files of a directory in name order and
// returns io.EOF after the last one.
type DirReader struct {
	files []string
}

// OpenDir lists the frame files currently in dir.
func OpenDir(dir string) (*DirReader, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame directory: %w", err)
	}
	r := &DirReader{}
	for _, e := range entries {
		name := e.Name()
		if e.Type().IsRegular() && strings.HasPrefix(name, framePrefix) && strings.HasSuffix(name, frameSuffix) {
			r.files = append(r.files, filepath.Join(dir, name))
		}
	}
	return r, nil
}

// Len returns the number of frames not yet read.
func (r *DirReader) Len() int {
	return len(r.files)
}

func (r *DirReader) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(r.files) == 0 {
		return nil, io.EOF
	}
	name := r.files[0]
	r.files = r.files[1:]
	return os.ReadFile(name)
}
