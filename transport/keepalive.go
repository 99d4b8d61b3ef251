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

package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/farview/farview/stats"
)

const (
	// PingInterval is the keepalive cadence.
	PingInterval = 500 * time.Millisecond
	// PingTimeout is how long a ping may go unanswered.
	PingTimeout = 600 * time.Millisecond
	// MaxPingTimeouts consecutive unanswered pings mark the connection
	// lost.
	MaxPingTimeouts = 3
)

// Pinger probes the link every PingInterval and tracks the smoothed RTT.
// Three consecutive timeouts declare the connection lost.
type Pinger struct {
	// Send transmits a ping with the given id.
	Send func(id uint32) error
	// OnRTT observes every new smoothed RTT estimate.
	OnRTT func(rtt time.Duration)
	// OnLost fires once when the connection is declared lost.
	OnLost func()

	mu       sync.Mutex
	pending  map[uint32]time.Time
	nextID   uint32
	timeouts int
	lost     bool
	srtt     time.Duration
}

// Run loops until the exiting flag flips. Call on its own goroutine.
func (p *Pinger) Run(exiting *atomic.Bool) {
	p.mu.Lock()
	if p.pending == nil {
		p.pending = make(map[uint32]time.Time)
	}
	p.mu.Unlock()

	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for !exiting.Load() {
		<-ticker.C
		if exiting.Load() {
			return
		}
		p.expire()
		p.mu.Lock()
		p.nextID++
		id := p.nextID
		p.pending[id] = time.Now()
		p.mu.Unlock()
		stats.Add(&stats.DefaultSnmp.PingsSent, 1)
		if err := p.Send(id); err != nil {
			continue
		}
	}
}

// HandlePong consumes an echoed ping id.
func (p *Pinger) HandlePong(id uint32) {
	p.mu.Lock()
	sent, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
		p.timeouts = 0
		rtt := time.Since(sent)
		if p.srtt == 0 {
			p.srtt = rtt
		} else {
			// Standard 7/8 smoothing.
			p.srtt = (p.srtt*7 + rtt) / 8
		}
	}
	srtt := p.srtt
	p.mu.Unlock()
	if ok {
		stats.Add(&stats.DefaultSnmp.PongsReceived, 1)
		if p.OnRTT != nil {
			p.OnRTT(srtt)
		}
	}
}

// RTT returns the current smoothed estimate.
func (p *Pinger) RTT() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.srtt
}

func (p *Pinger) expire() {
	now := time.Now()
	var lostNow bool
	p.mu.Lock()
	for id, sent := range p.pending {
		if now.Sub(sent) > PingTimeout {
			delete(p.pending, id)
			p.timeouts++
			stats.Add(&stats.DefaultSnmp.PingTimeouts, 1)
			if p.timeouts >= MaxPingTimeouts && !p.lost {
				p.lost = true
				lostNow = true
			}
		}
	}
	p.mu.Unlock()
	if lostNow && p.OnLost != nil {
		p.OnLost()
	}
}
