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

package audio

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/pkg/errors"
)

// paDevice plays float32 stereo PCM through the default PortAudio output.
// Queued bytes wait in a userspace buffer the stream callback drains; an
// underrun plays silence rather than blocking the callback.
type paDevice struct {
	stream *portaudio.Stream

	mu  sync.Mutex
	buf []byte
}

// OpenDevice opens the default output device at the given sample rate.
// Callers treat failure as "audio muted for this session", never fatal.
func OpenDevice(sampleRate int) (Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, errors.Wrap(err, "portaudio init")
	}
	d := &paDevice{}
	stream, err := portaudio.OpenDefaultStream(0, channels, float64(sampleRate), 0, d.fill)
	if err != nil {
		portaudio.Terminate()
		return nil, errors.Wrap(err, "open output stream")
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, errors.Wrap(err, "start output stream")
	}
	d.stream = stream
	return d, nil
}

func (d *paDevice) fill(out []float32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for ; n < len(out) && (n+1)*bytesPerSample <= len(d.buf); n++ {
		out[n] = math.Float32frombits(binary.LittleEndian.Uint32(d.buf[n*bytesPerSample:]))
	}
	d.buf = d.buf[n*bytesPerSample:]
	for ; n < len(out); n++ {
		out[n] = 0
	}
}

func (d *paDevice) QueuedBytes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buf)
}

func (d *paDevice) Queue(pcm []byte) error {
	d.mu.Lock()
	d.buf = append(d.buf, pcm...)
	d.mu.Unlock()
	return nil
}

func (d *paDevice) Close() error {
	err := d.stream.Stop()
	if cerr := d.stream.Close(); err == nil {
		err = cerr
	}
	portaudio.Terminate()
	return err
}
