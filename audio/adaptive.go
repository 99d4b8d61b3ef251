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
	"math"
	"sync/atomic"
	"time"
)

const (
	// targetQueueInitial is the unscaled device-queue target, in frames.
	targetQueueInitial = 8.0
	// overflowQueueInitial is the unscaled combined-queue overflow bound.
	overflowQueueInitial = 20.0

	scaleFactorMin = 1.0
	scaleFactorMax = 4.0
	scaleUpStep    = 1.5

	// below riskyThreshold frames the device queue is one hiccup from a
	// pop; at or above safeThreshold it has headroom to give back
	riskyThreshold = 2.0
	safeThreshold  = 4.0

	riskyCountBeforeScale = 3
	riskyExpire           = 30 * time.Second
	safeDuration          = 45 * time.Second

	startupCoolDown      = 4 * time.Second
	betweenRiskyCoolDown = 2 * time.Second
)

// adaptiveTarget scales the device-queue target between 1x and 4x of its
// initial size: up in steps after repeated risky observations, down toward
// the spare above the safe threshold after a long quiet stretch. Scale up
// and scale down run independently.
//
// Written only by the audio goroutine; the scale factor is read across
// threads as a quality signal.
type adaptiveTarget struct {
	coolDown  time.Duration
	lastRisky time.Time
	riskyCnt  int

	queueMin      float64
	queueMinSince time.Time

	scale atomic.Uint64 // float64 bits
}

func (a *adaptiveTarget) init(now time.Time) {
	a.setScale(1.0)
	a.resetRound(now)
	a.coolDown = startupCoolDown
}

func (a *adaptiveTarget) resetRound(now time.Time) {
	a.riskyCnt = 0
	a.lastRisky = now
	a.queueMinSince = now
	a.queueMin = math.Inf(1)
	a.coolDown = betweenRiskyCoolDown
}

func (a *adaptiveTarget) setScale(v float64) {
	a.scale.Store(math.Float64bits(v))
}

// ScaleFactor is the current multiplier on the target queue length.
func (a *adaptiveTarget) scaleFactor() float64 {
	return math.Float64frombits(a.scale.Load())
}

func (a *adaptiveTarget) targetQueueLen() float64 {
	return targetQueueInitial * a.scaleFactor()
}

func (a *adaptiveTarget) overflowQueueLen() float64 {
	return overflowQueueInitial * a.scaleFactor()
}

// maxTargetQueueLen bounds the buffering scratch allocation.
func maxTargetQueueLen() float64 {
	return targetQueueInitial * scaleFactorMax
}

func (a *adaptiveTarget) handleScaling(deviceQueueLen float64, now time.Time) {
	a.handleScalingDown(deviceQueueLen, now)
	a.handleScalingUp(deviceQueueLen, now)
}

func (a *adaptiveTarget) handleScalingDown(deviceQueueLen float64, now time.Time) {
	if deviceQueueLen < a.queueMin {
		a.queueMin = deviceQueueLen
	}

	// A dip below the safe threshold restarts the measurement from scratch.
	if a.queueMin < safeThreshold {
		a.queueMinSince = now
		a.queueMin = math.Inf(1)
		return
	}

	if !math.IsInf(a.queueMin, 1) && now.Sub(a.queueMinSince) > safeDuration {
		target := a.targetQueueLen()
		if a.queueMin > target {
			a.queueMin = target
		}
		// Shrink off only the spare above the safe threshold.
		spare := a.queueMin - safeThreshold
		scale := (target - spare) / targetQueueInitial
		if scale < scaleFactorMin {
			scale = scaleFactorMin
		}
		a.setScale(scale)
		a.resetRound(now)
	}
}

func (a *adaptiveTarget) handleScalingUp(deviceQueueLen float64, now time.Time) {
	if now.Sub(a.lastRisky) > riskyExpire {
		a.riskyCnt = 0
		a.lastRisky = now
		return
	}

	if deviceQueueLen < riskyThreshold && now.Sub(a.lastRisky) > a.coolDown {
		a.riskyCnt++
		a.lastRisky = now
		a.coolDown = betweenRiskyCoolDown

		if a.riskyCnt >= riskyCountBeforeScale {
			scale := a.scaleFactor() * scaleUpStep
			if scale > scaleFactorMax {
				scale = scaleFactorMax
			}
			a.setScale(scale)
			a.resetRound(now)
		}
	}
}
