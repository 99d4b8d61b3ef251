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

// Package congestion turns arrival-side loss and render statistics into the
// NetworkSettings record the sender consumes: target bitrate, burst bitrate,
// FPS, and FEC ratios. The algorithm probes upward after sustained success
// and backs off on loss, holding each successful rate longer the more often
// a probe above it fails.
package congestion

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/farview/farview/wire"
)

// Statistics is one observation window's worth of arrival-side counters,
// normalized per second.
type Statistics struct {
	NacksPerSecond           int
	ReceivedPacketsPerSecond int
	SkippedFramesPerSecond   int
	RenderedFramesPerSecond  int
}

const (
	// WindowDuration is the statistics window the controller steps on.
	WindowDuration = 5 * time.Second

	ewmaAlpha = 0.8
	// The encoder's configured max usually runs above the bytes actually
	// shipped, so the bitrate asked for is padded above the throughput
	// measured.
	bitrateThroughputRatio = 1.25
	boostMultiplier        = 1.05

	meetExpectationsMin        = 5
	meetExpectationsMultiplier = 2
	meetExpectationsMax        = 1024

	dpiReference     = 192
	dpiRatioExponent = 1.6

	minBitratePerPixel      = 1.0
	startingBitratePerPixel = 3.0
	maxBitratePerPixel      = 4.0

	// BurstBitrateRatio bounds the short-timescale ceiling relative to the
	// averaged bitrate.
	BurstBitrateRatio = 4

	// One resent frame's worth of headroom on top of the audio stream.
	audioBitrate        = 128_000
	totalAudioAllowance = 2 * audioBitrate

	defaultFPS           = 60
	defaultVideoFECRatio = 0.1
	defaultAudioFECRatio = 0.2
	defaultCodecID       = 1
)

// probe is the per-dimension boost/back-off state machine, run once for the
// average bitrate and once for the burst bitrate.
type probe struct {
	metCount                int
	threshold               int
	lastSuccessful          int
	lastSuccessfulThreshold int
}

func newProbe() probe {
	return probe{
		threshold:               meetExpectationsMin,
		lastSuccessful:          -1,
		lastSuccessfulThreshold: meetExpectationsMin,
	}
}

// update advances the state machine with the window's measured value and
// returns the next expected value.
func (p *probe) update(expected, real int) int {
	if real == expected {
		p.metCount++
		if p.metCount >= p.threshold {
			// Expectations held long enough: remember this rate and probe
			// 5% above it.
			p.lastSuccessful = real
			p.metCount = 0
			p.lastSuccessfulThreshold = p.threshold
			p.threshold = meetExpectationsMin
			expected = int(float64(expected) * boostMultiplier)
		}
		return expected
	}

	if expected > p.lastSuccessful && p.lastSuccessful != -1 {
		// The probe above the last good rate failed: fall back to it and be
		// slower to probe again.
		expected = p.lastSuccessful
		p.lastSuccessfulThreshold = min(
			p.lastSuccessfulThreshold*meetExpectationsMultiplier, meetExpectationsMax)
		p.threshold = p.lastSuccessfulThreshold
	} else {
		// Loss below the known-good rate: the link itself degraded.
		expected = int(ewmaAlpha*float64(expected) + (1-ewmaAlpha)*float64(real))
		p.threshold = meetExpectationsMin
	}
	p.metCount = 0
	return expected
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Config parameterizes a Controller.
type Config struct {
	Width  int
	Height int
	DPI    int

	// StartingBitrate overrides the DPI-derived starting point when > 0.
	StartingBitrate int

	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// Controller holds the probe state for both dimensions and publishes the
// current NetworkSettings via atomic pointer swap.
type Controller struct {
	width, height, dpi int

	expectedThroughput int
	throughputProbe    probe

	burstBitrate int
	burstProbe   probe

	now      func() time.Time
	lastStep time.Time

	settings atomic.Pointer[wire.NetworkSettings]
}

// New builds a controller for the given output geometry.
func New(cfg Config) *Controller {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Controller{
		width:           cfg.Width,
		height:          cfg.Height,
		dpi:             cfg.DPI,
		throughputProbe: newProbe(),
		burstProbe:      newProbe(),
		now:             cfg.Now,
	}
	starting := c.startingBitrate()
	if cfg.StartingBitrate > 0 {
		starting = cfg.StartingBitrate
	}
	c.expectedThroughput = int(float64(starting) / bitrateThroughputRatio)
	c.burstBitrate = starting * BurstBitrateRatio
	c.lastStep = c.now()
	c.publish(c.buildSettings())
	return c
}

// SetDimensions rebinds the bitrate bounds to a new output geometry.
func (c *Controller) SetDimensions(width, height, dpi int) {
	c.width, c.height, c.dpi = width, height, dpi
}

// Settings returns the last published record. Safe from any thread.
func (c *Controller) Settings() wire.NetworkSettings {
	return *c.settings.Load()
}

// Observe steps the controller if a full window has elapsed, returning the
// fresh settings and true when a new record was produced.
func (c *Controller) Observe(stats Statistics) (wire.NetworkSettings, bool) {
	now := c.now()
	if now.Sub(c.lastStep) < WindowDuration {
		return c.Settings(), false
	}
	c.lastStep = now
	s := c.Step(stats)
	return s, true
}

// Step runs one window of the algorithm unconditionally.
func (c *Controller) Step(stats Statistics) wire.NetworkSettings {
	// Throughput dimension. Skip windows with no traffic at all: a static
	// screen sends nothing and teaches us nothing.
	if stats.ReceivedPacketsPerSecond+stats.NacksPerSecond > 0 {
		real := int(float64(c.expectedThroughput) *
			float64(stats.ReceivedPacketsPerSecond) /
			float64(stats.ReceivedPacketsPerSecond+stats.NacksPerSecond))
		c.expectedThroughput = c.throughputProbe.update(c.expectedThroughput, real)

		bitrate := int(bitrateThroughputRatio * float64(c.expectedThroughput))
		if bitrate > c.maxBitrate() {
			c.expectedThroughput = int(float64(c.maxBitrate()) / bitrateThroughputRatio)
		} else if bitrate < c.minBitrate() {
			c.expectedThroughput = int(float64(c.minBitrate()) / bitrateThroughputRatio)
		}
	}

	// Burst dimension, with skipped renders as the failure signal.
	if stats.RenderedFramesPerSecond > 0 {
		real := int(float64(c.burstBitrate) *
			float64(stats.RenderedFramesPerSecond) /
			float64(stats.RenderedFramesPerSecond+stats.SkippedFramesPerSecond))
		c.burstBitrate = c.burstProbe.update(c.burstBitrate, real)

		if c.burstBitrate > c.startingBurstBitrate() {
			c.burstBitrate = c.startingBurstBitrate()
		} else if c.burstBitrate < c.minBitrate() {
			c.burstBitrate = c.minBitrate()
		}
	}

	s := c.buildSettings()
	c.publish(s)
	return s
}

// OnRecoveryRequest reacts to a no-playable-frame stall by pulling the
// expected throughput down immediately instead of waiting out the window.
func (c *Controller) OnRecoveryRequest() {
	c.expectedThroughput = int(ewmaAlpha * float64(c.expectedThroughput))
	if int(bitrateThroughputRatio*float64(c.expectedThroughput)) < c.minBitrate() {
		c.expectedThroughput = int(float64(c.minBitrate()) / bitrateThroughputRatio)
	}
	c.publish(c.buildSettings())
}

// buildSettings clamps every output into its legal range; the sender must
// always receive a legal record.
func (c *Controller) buildSettings() wire.NetworkSettings {
	s := wire.NetworkSettings{
		Bitrate:       int(bitrateThroughputRatio * float64(c.expectedThroughput)),
		BurstBitrate:  c.burstBitrate,
		FPS:           defaultFPS,
		VideoFECRatio: defaultVideoFECRatio,
		AudioFECRatio: defaultAudioFECRatio,
		CodecID:       defaultCodecID,
	}
	if s.Bitrate < c.minBitrate() {
		s.Bitrate = c.minBitrate()
	}
	if s.Bitrate > c.maxBitrate() {
		s.Bitrate = c.maxBitrate()
	}
	if s.BurstBitrate < c.minBitrate()*BurstBitrateRatio {
		s.BurstBitrate = c.minBitrate() * BurstBitrateRatio
	}
	if s.BurstBitrate > c.maxBitrate()*BurstBitrateRatio {
		s.BurstBitrate = c.maxBitrate() * BurstBitrateRatio
	}
	if s.BurstBitrate > s.Bitrate*BurstBitrateRatio {
		s.BurstBitrate = s.Bitrate * BurstBitrateRatio
	}
	return s
}

func (c *Controller) publish(s wire.NetworkSettings) {
	c.settings.Store(&s)
}

// videoBitrate scales a per-pixel budget by the DPI ratio: low-DPI screens
// render more detail per pixel and need more bits.
func (c *Controller) videoBitrate(perPixel float64) int {
	ratio := float64(dpiReference) / float64(c.dpi)
	if ratio > 2.0 {
		ratio = 2.0
	}
	if ratio < 0.5 {
		ratio = 0.5
	}
	scale := math.Pow(ratio, dpiRatioExponent)
	return int(float64(c.width*c.height) * perPixel * scale)
}

func (c *Controller) totalBitrate(perPixel float64) int {
	return c.videoBitrate(perPixel) + totalAudioAllowance
}

func (c *Controller) minBitrate() int      { return c.totalBitrate(minBitratePerPixel) }
func (c *Controller) maxBitrate() int      { return c.totalBitrate(maxBitratePerPixel) }
func (c *Controller) startingBitrate() int { return c.totalBitrate(startingBitratePerPixel) }

func (c *Controller) startingBurstBitrate() int {
	return c.startingBitrate() * BurstBitrateRatio
}

// MinBitrate exposes the lower bound for tests and the session bootstrap.
func (c *Controller) MinBitrate() int { return c.minBitrate() }

// MaxBitrate exposes the upper bound for tests and the session bootstrap.
func (c *Controller) MaxBitrate() int { return c.maxBitrate() }
