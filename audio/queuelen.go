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
	"time"
)

// Command is the pending queue-length adjustment: duplicate the next frame
// at the decoder input, drop the next arriving frame, or neither.
type Command int

const (
	CmdNone Command = iota
	CmdDup
	CmdDrop
)

const (
	samplePeriod = 20 * time.Millisecond

	numSamplesMax = 50
	numSamplesMin = 8

	// acceptableDelta is the tolerated distance, in frames, between the
	// averaged queue length and the target.
	acceptableDelta = 1.2

	// strengthFactor sets where the expanding window starts shrinking: the
	// further off target the average runs, the fewer samples are needed to
	// act.
	strengthFactor = 3 * acceptableDelta
)

// queueLenController watches the combined (device + userspace) queue length
// and decides when to dup or drop a frame to steer it back to target. The
// newest sample sits at index 0.
type queueLenController struct {
	samples    []float64
	lastSample time.Time

	overflowing bool
	command     Command
}

func (q *queueLenController) init() {
	q.overflowing = false
	q.command = CmdNone
	q.resetSampling()
}

func (q *queueLenController) resetSampling() {
	q.samples = q.samples[:0]
}

// handleSampling records one queue-length sample per period and scans
// expanding windows of recent samples for a deviation worth acting on.
func (q *queueLenController) handleSampling(now time.Time, totalQueueLen, targetQueueLen float64) {
	if now.Sub(q.lastSample) < samplePeriod {
		return
	}
	q.lastSample = now
	q.samples = append([]float64{totalQueueLen}, q.samples...)
	if len(q.samples) > numSamplesMax {
		q.samples = q.samples[:numSamplesMax]
	}
	if len(q.samples) < numSamplesMin {
		return
	}

	runningSum := 0.0
	for i := 0; i < numSamplesMin-1; i++ {
		runningSum += q.samples[i]
	}

	for count := numSamplesMin; count <= len(q.samples); count++ {
		runningSum += q.samples[count-1]
		avg := runningSum / float64(count)
		deviation := math.Abs(avg - targetQueueLen)

		needed := float64(numSamplesMax)
		if deviation > strengthFactor {
			// React faster the further off target the average runs.
			needed /= deviation / strengthFactor
		}
		if float64(count) < needed {
			continue
		}
		switch {
		case avg < targetQueueLen-acceptableDelta:
			q.command = CmdDup
			q.resetSampling()
		case avg > targetQueueLen+acceptableDelta:
			q.command = CmdDrop
			q.resetSampling()
		default:
			q.command = CmdNone
		}
		break
	}
}

// handleOverflowing forces DROP while the combined queue sits above the
// overflow bound, until it returns to target+1. Runs after handleSampling.
func (q *queueLenController) handleOverflowing(totalQueueLen, targetQueueLen, overflowQueueLen float64) {
	if !q.overflowing && totalQueueLen > overflowQueueLen {
		q.overflowing = true
	}
	if q.overflowing && totalQueueLen < targetQueueLen+1 {
		q.overflowing = false
	}
	if q.overflowing {
		q.command = CmdDrop
	}
}

func (q *queueLenController) consumeCommand() {
	q.command = CmdNone
}
