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

// Package render pumps the two decoders and the display sink: one goroutine
// per stream, woken edge-triggered by the receive path when a frame
// completes. Audio stays silent until the first video frame has actually
// hit the screen.
package render

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/farview/farview/audio"
	"github.com/farview/farview/ringbuffer"
	"github.com/farview/farview/wire"
)

// Decoder is the opaque video decoder collaborator; the only dynamic
// dispatch point in the receive core.
type Decoder interface {
	SubmitEncoded(data []byte) error
	PollDecoded(buf []byte) (n int, ok bool, err error)
}

// Sink displays one decoded picture.
type Sink interface {
	Display(width, height int, pixels []byte) error
}

// defaultDecodedCap holds one 1080p RGBA picture with headroom.
const defaultDecodedCap = 16 << 20

// audioPollInterval is the fallback wake for the audio goroutine so queue
// sampling continues between arrivals.
const audioPollInterval = 10 * time.Millisecond

// Config wires a Renderer.
type Config struct {
	VideoRing *ringbuffer.RingBuffer
	AudioRing *ringbuffer.RingBuffer

	VideoDecoder Decoder
	Audio        *audio.Controller
	Sink         Sink

	// OnFrameError fires when a frame fails to parse or decode, so the
	// session can ask for a recovery point.
	OnFrameError func(kind wire.Kind)

	// MaxDecodedFrame sizes the decoded-picture scratch buffer.
	MaxDecodedFrame int
}

// Renderer owns the video and audio render goroutines.
type Renderer struct {
	cfg Config

	videoWake chan struct{}
	audioWake chan struct{}

	hasVideoRendered atomic.Bool
	exiting          atomic.Bool
	wg               sync.WaitGroup

	decodedBuf []byte
}

// New builds a renderer; Run starts it.
func New(cfg Config) *Renderer {
	if cfg.MaxDecodedFrame <= 0 {
		cfg.MaxDecodedFrame = defaultDecodedCap
	}
	return &Renderer{
		cfg:        cfg,
		videoWake:  make(chan struct{}, 1),
		audioWake:  make(chan struct{}, 1),
		decodedBuf: make([]byte, cfg.MaxDecodedFrame),
	}
}

// Run starts the two render goroutines.
func (r *Renderer) Run() {
	r.wg.Add(2)
	go r.videoLoop()
	go r.audioLoop()
}

// Stop flags the goroutines down, wakes them, and joins them.
func (r *Renderer) Stop() {
	r.exiting.Store(true)
	r.wake(r.videoWake)
	r.wake(r.audioWake)
	r.wg.Wait()
}

// NotifyFrame is called by the receive goroutine after a frame completes.
// It never blocks.
func (r *Renderer) NotifyFrame(kind wire.Kind) {
	switch kind {
	case wire.KindVideo:
		r.wake(r.videoWake)
	case wire.KindAudio:
		r.wake(r.audioWake)
	}
}

// HasVideoRendered reports whether the first picture has been displayed.
func (r *Renderer) HasVideoRendered() bool {
	return r.hasVideoRendered.Load()
}

func (r *Renderer) wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (r *Renderer) videoLoop() {
	defer r.wg.Done()
	for !r.exiting.Load() {
		<-r.videoWake
		if r.exiting.Load() {
			return
		}
		for {
			frame, ok := r.cfg.VideoRing.TryPopNext()
			if !ok {
				break
			}
			r.renderVideoFrame(frame)
		}
	}
}

func (r *Renderer) renderVideoFrame(frame ringbuffer.Frame) {
	var vf wire.VideoFrame
	if err := wire.UnmarshalVideoFrame(frame.Data, &vf); err != nil {
		log.Printf("render: video frame %d: %v", frame.ID, err)
		r.frameError(wire.KindVideo)
		return
	}
	if vf.IsEmpty {
		// Keepalive while the encoder is idle; nothing to draw.
		return
	}

	r.cfg.VideoRing.SetDecodeInFlight(true)
	defer r.cfg.VideoRing.SetDecodeInFlight(false)

	if err := r.cfg.VideoDecoder.SubmitEncoded(vf.Data); err != nil {
		log.Printf("render: video decode submit %d: %v", frame.ID, err)
		r.frameError(wire.KindVideo)
		return
	}
	for {
		n, ok, err := r.cfg.VideoDecoder.PollDecoded(r.decodedBuf)
		if err != nil {
			log.Printf("render: video decode %d: %v", frame.ID, err)
			r.frameError(wire.KindVideo)
			return
		}
		if !ok {
			return
		}
		if err := r.cfg.Sink.Display(int(vf.Width), int(vf.Height), r.decodedBuf[:n]); err != nil {
			log.Printf("render: display %d: %v", frame.ID, err)
			return
		}
		r.cfg.VideoRing.MarkRendered()
		if !r.hasVideoRendered.Swap(true) {
			// First picture on screen: unblock audio.
			r.wake(r.audioWake)
		}
	}
}

func (r *Renderer) audioLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(audioPollInterval)
	defer ticker.Stop()
	for !r.exiting.Load() {
		select {
		case <-r.audioWake:
		case <-ticker.C:
		}
		if r.exiting.Load() {
			return
		}
		// Sound against a loading screen is worse than silence: re-sleep
		// until video has rendered once.
		if !r.hasVideoRendered.Load() {
			continue
		}
		r.pumpAudio()
	}
}

func (r *Renderer) pumpAudio() {
	ring := r.cfg.AudioRing
	ctrl := r.cfg.Audio
	for {
		backlog := int(ring.MaxReceivedID() - ring.LastSubmittedID())
		if backlog < 0 {
			backlog = 0
		}
		if !ctrl.ReadyForFrame(backlog) {
			return
		}
		frame, ok := ring.TryPopNext()
		if !ok {
			return
		}
		ctrl.ReceiveFrame(frame.Data)
		ctrl.RenderStaged()
		ring.MarkRendered()
	}
}

func (r *Renderer) frameError(kind wire.Kind) {
	if r.cfg.OnFrameError != nil {
		r.cfg.OnFrameError(kind)
	}
}
