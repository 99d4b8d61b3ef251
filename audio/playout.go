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

// Package audio bridges the jittery arrival stream of fixed-duration audio
// frames into a monotonic device-queue stream, without resampling. A state
// machine buffers up to an adaptive target before playing, then steers the
// queue length with frame-dup and frame-drop commands; duplication happens
// at the decoder input, where the decoder's own concealment smooths the
// seam.
package audio

import (
	"log"
	"time"
)

// DefaultSampleRate is used until the handshake reports the server's rate.
const DefaultSampleRate = 48000

const (
	channels       = 2
	bytesPerSample = 4 // float32 PCM
	// FrameDuration is the fixed length of one audio frame.
	FrameDuration = 10 * time.Millisecond
)

// FrameBytes returns the decoded size of one frame at the given sample rate.
func FrameBytes(sampleRate int) int {
	return sampleRate / 100 * channels * bytesPerSample
}

// Decoder is the opaque audio decoder collaborator.
type Decoder interface {
	SubmitEncoded(data []byte) error
	// PollDecoded fills buf with the next decoded frame, reporting n and
	// whether a frame was produced.
	PollDecoded(buf []byte) (n int, ok bool, err error)
}

// Device is the playback sink. QueuedBytes is read from the device callback
// side and must be cheap.
type Device interface {
	QueuedBytes() int
	Queue(pcm []byte) error
	Close() error
}

// State is the playout phase.
type State int

const (
	StateBuffering State = iota
	StatePlaying
)

// Controller owns the adaptive playout logic for one session. All methods
// run on the audio render goroutine; only the scale factor escapes to other
// threads, through ScaleFactor.
type Controller struct {
	dec Decoder
	dev Device
	now func() time.Time

	frameBytes int
	state      State

	scratch    []byte
	scratchLen int

	adaptive adaptiveTarget
	queue    queueLenController

	staged    []byte
	stagedCmd Command
	pending   bool

	decodeBuf []byte
	muted     bool

	framesDropped int
}

// Option mutates a Controller at construction.
type Option func(*Controller)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController builds the playout controller. A nil device mutes audio for
// the session: frames are still consumed and discarded so the receive path
// keeps draining.
func NewController(dec Decoder, dev Device, sampleRate int, opts ...Option) *Controller {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	c := &Controller{
		dec:        dec,
		dev:        dev,
		now:        time.Now,
		frameBytes: FrameBytes(sampleRate),
		state:      StateBuffering,
		muted:      dev == nil,
	}
	for _, o := range opts {
		o(c)
	}
	c.adaptive.init(c.now())
	c.queue.init()
	c.scratch = make([]byte, int(maxTargetQueueLen()+1)*c.frameBytes)
	c.decodeBuf = make([]byte, c.frameBytes)
	return c
}

// State returns the current playout phase.
func (c *Controller) State() State { return c.state }

// Muted reports whether the device failed to open for this session.
func (c *Controller) Muted() bool { return c.muted }

// ScaleFactor exposes the adaptive target multiplier as a quality signal.
// Safe to call from any thread.
func (c *Controller) ScaleFactor() float64 { return c.adaptive.scaleFactor() }

// IsOverflowing reports whether forced dropping is in effect.
func (c *Controller) IsOverflowing() bool { return c.queue.overflowing }

// FramesDropped counts frames discarded by DROP commands.
func (c *Controller) FramesDropped() int { return c.framesDropped }

func (c *Controller) deviceQueuedBytes() int {
	if c.muted {
		return 0
	}
	return c.dev.QueuedBytes()
}

// ReadyForFrame runs the sampling and scaling logic and reports whether the
// controller wants the next encoded frame. numFramesBuffered is how many
// complete frames wait upstream of the decoder.
func (c *Controller) ReadyForFrame(numFramesBuffered int) bool {
	deviceBytes := c.deviceQueuedBytes()
	totalBytes := deviceBytes + numFramesBuffered*c.frameBytes

	deviceQueueLen := float64(deviceBytes) / float64(c.frameBytes)
	totalQueueLen := float64(totalBytes) / float64(c.frameBytes)

	now := c.now()
	c.adaptive.handleScaling(deviceQueueLen, now)

	target := c.adaptive.targetQueueLen()
	overflow := c.adaptive.overflowQueueLen()

	if c.state == StatePlaying {
		c.queue.handleSampling(now, totalQueueLen, target)
	} else {
		c.queue.resetSampling()
	}
	c.queue.handleOverflowing(totalQueueLen, target, overflow)

	framesToRender := 1
	if c.queue.command == CmdDup {
		framesToRender = 2
	}
	wantsNewFrame := !c.pending &&
		float64(deviceBytes) <= (target-float64(framesToRender))*float64(c.frameBytes)
	return wantsNewFrame || c.queue.command == CmdDrop
}

// ReceiveFrame stages one encoded frame for rendering, or discards it when a
// DROP is pending. The command in effect is consumed either way.
func (c *Controller) ReceiveFrame(frame []byte) {
	if c.queue.command == CmdDrop {
		c.framesDropped++
		c.queue.consumeCommand()
		return
	}
	if c.pending {
		log.Println("audio: staging a frame while the renderer is busy")
		c.queue.consumeCommand()
		return
	}
	c.staged = frame
	c.stagedCmd = c.queue.command
	c.pending = true
	c.queue.consumeCommand()
}

// RenderStaged decodes the staged frame and feeds the device, buffering
// first while below the adaptive target. A decoder error drops the frame
// and keeps playing.
func (c *Controller) RenderStaged() {
	if !c.pending {
		return
	}
	frame := c.staged
	c.staged = nil
	defer func() { c.pending = false }()

	if c.muted {
		return
	}

	if err := c.dec.SubmitEncoded(frame); err != nil {
		log.Printf("audio: decoder rejected frame: %v", err)
		return
	}
	c.checkDeviceDry()

	// Duplicate at the decoder input; duping decoded PCM directly produces
	// an audible seam the decoder's concealment avoids.
	if c.stagedCmd == CmdDup && c.state != StateBuffering {
		if err := c.dec.SubmitEncoded(frame); err != nil {
			log.Printf("audio: decoder rejected duplicated frame: %v", err)
		}
	}

	for {
		n, ok, err := c.dec.PollDecoded(c.decodeBuf)
		if err != nil {
			log.Printf("audio: decode: %v", err)
			return
		}
		if !ok {
			return
		}
		pcm := c.decodeBuf[:n]
		c.checkDeviceDry()

		if c.state == StateBuffering {
			flushAt := (c.adaptive.targetQueueLen() - 1) * float64(c.frameBytes)
			if float64(c.scratchLen+n) > flushAt {
				if err := c.dev.Queue(c.scratch[:c.scratchLen]); err != nil {
					log.Printf("audio: queue flush: %v", err)
				}
				c.scratchLen = 0
				if err := c.dev.Queue(pcm); err != nil {
					log.Printf("audio: queue: %v", err)
				}
				c.state = StatePlaying
			} else {
				copy(c.scratch[c.scratchLen:], pcm)
				c.scratchLen += n
			}
		} else {
			if err := c.dev.Queue(pcm); err != nil {
				log.Printf("audio: queue: %v", err)
			}
		}
	}
}

// Close releases the device. The decoder belongs to the caller and outlives
// the controller; the device must close first.
func (c *Controller) Close() {
	if !c.muted {
		c.dev.Close()
	}
}

// checkDeviceDry falls back to buffering the moment the device runs dry.
func (c *Controller) checkDeviceDry() {
	if c.state != StateBuffering && c.deviceQueuedBytes() == 0 {
		log.Println("audio: device queue dry, rebuffering")
		c.state = StateBuffering
	}
}
