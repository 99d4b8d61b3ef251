// The MIT License (MIT)
//
// # Copyright (c) 2023 farview authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"log"
	"sync/atomic"

	"github.com/pkg/errors"
)

// passthroughDecoder is the stand-in codec binding: it hands submissions
// back out as "decoded" frames. The renderer and playout controller only
// see the narrow submit/poll contract, so swapping in an ffmpeg-backed
// implementation touches nothing else.
type passthroughDecoder struct {
	queued [][]byte
}

func newPassthroughDecoder() *passthroughDecoder {
	return &passthroughDecoder{}
}

func (d *passthroughDecoder) SubmitEncoded(data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	d.queued = append(d.queued, cp)
	return nil
}

func (d *passthroughDecoder) PollDecoded(buf []byte) (int, bool, error) {
	if len(d.queued) == 0 {
		return 0, false, nil
	}
	frame := d.queued[0]
	d.queued = d.queued[1:]
	if len(frame) > len(buf) {
		return 0, false, errors.Errorf("decoded frame %d exceeds buffer %d", len(frame), len(buf))
	}
	return copy(buf, frame), true, nil
}

// loggingSink counts displayed pictures in place of the platform window.
type loggingSink struct {
	quiet  bool
	frames atomic.Uint64
}

func newLoggingSink(quiet bool) *loggingSink {
	return &loggingSink{quiet: quiet}
}

func (s *loggingSink) Display(width, height int, pixels []byte) error {
	n := s.frames.Add(1)
	if n == 1 && !s.quiet {
		log.Println("first frame displayed:", width, "x", height)
	}
	return nil
}
