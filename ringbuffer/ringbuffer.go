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

// Package ringbuffer reassembles frames from shards arriving in arbitrary
// order with arbitrary loss, hands complete frames to the render path in
// strict id order, and drives the retransmission and recovery-point signals
// for shards whose absence is blocking progress.
package ringbuffer

import (
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/farview/farview/fec"
	"github.com/farview/farview/wire"
)

const (
	// MaxVideoShards bounds the shard count of one video frame.
	MaxVideoShards = 500
	// MaxAudioShards bounds the shard count of one audio frame.
	MaxAudioShards = 16

	// LargestVideoFrame is the worst-case reassembled video frame.
	LargestVideoFrame = 4 << 20
	// LargestAudioFrame is the worst-case reassembled audio frame.
	LargestAudioFrame = 9000

	// maxUnsyncedFrames is how far the newest received id may run ahead of
	// the submit cursor before a recovery point is requested; the render
	// thread may still catch up while a decode is in flight, so the limit
	// is looser then.
	maxUnsyncedFrames       = 4
	maxUnsyncedFramesRender = 6

	// maxPacketNacks caps retransmission requests per shard.
	maxPacketNacks = 2
	// maxNackedPerTick caps single NACKs emitted per tick on audio; video
	// amortizes through bitmap NACKs instead.
	maxNackedPerTick = 1

	// recoveryInterval throttles recovery-point requests.
	recoveryInterval = 1500 * time.Millisecond

	// missingNackInterval throttles the probe NACK for frames with no
	// shards received at all.
	missingNackInterval = 25 * time.Millisecond

	defaultRTT = 60 * time.Millisecond
)

// Requester carries retransmission and recovery signals back to the sender.
// Implemented by the transport layer.
type Requester interface {
	NackShard(kind wire.Kind, frameID uint32, index uint16)
	NackBitmap(kind wire.Kind, frameID uint32, startIndex uint16, numBits int, bits []byte)
	RequestRecoveryPoint(kind wire.Kind)
}

// Statistics is the per-window counter snapshot consumed by the congestion
// controller.
type Statistics struct {
	PacketsReceived int
	PacketsNacked   int
	Retransmits     int
	FramesSkipped   int
	FramesRendered  int
	BytesReceived   int
}

// Frame is a complete reassembled frame handed to the render path.
type Frame struct {
	ID   uint32
	Data []byte
}

// slot is one frame in flight. Its scratch buffer cycles for the whole
// session; the assembled frame is a fresh buffer whose ownership transfers
// to the renderer on pop.
type slot struct {
	id        int64 // -1 while empty
	total     int
	numParity int
	received  []bool
	nacked    []int
	sizes     []int

	receivedCount int
	realReceived  int
	frameSize     int

	buffer []byte
	dec    *fec.Decoder

	firstArrival time.Time
	lastArrival  time.Time
	lastNackTime time.Time

	complete  bool
	submitted bool
	assembled []byte
}

// Config parameterizes a RingBuffer.
type Config struct {
	Kind      wire.Kind
	Capacity  int
	Requester Requester

	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// RingBuffer is a fixed-size ordered array of reassembly slots indexed by
// frame id modulo capacity. It is written by the receive goroutine and read
// by one render goroutine under a single mutex.
type RingBuffer struct {
	mu sync.Mutex

	kind       wire.Kind
	capacity   int
	slots      []slot
	maxPayload int
	maxShards  int
	largest    int

	maxReceivedID   int64 // newest id seen, -1 initially
	lastSubmittedID int64 // submit cursor, -1 initially

	// pendingRecoveryID is a completed recovery-point frame ahead of the
	// cursor; tick skips forward to it.
	pendingRecoveryID int64

	decodeInFlight  bool
	rtt             time.Duration
	lastProgress    time.Time
	lastMissingNack time.Time

	requester Requester
	recovery  *rate.Limiter
	now       func() time.Time

	stats Statistics
}

// New builds a ring buffer for one stream.
func New(cfg Config) *RingBuffer {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 16
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	maxShards, largest := MaxVideoShards, LargestVideoFrame
	if cfg.Kind == wire.KindAudio {
		maxShards, largest = MaxAudioShards, LargestAudioFrame
	}
	rb := &RingBuffer{
		kind:              cfg.Kind,
		capacity:          cfg.Capacity,
		slots:             make([]slot, cfg.Capacity),
		maxPayload:        wire.MaxShardPayload,
		maxShards:         maxShards,
		largest:           largest,
		maxReceivedID:     -1,
		lastSubmittedID:   -1,
		pendingRecoveryID: -1,
		rtt:               defaultRTT,
		requester:         cfg.Requester,
		recovery:          rate.NewLimiter(rate.Every(recoveryInterval), 1),
		now:               cfg.Now,
	}
	rb.lastProgress = rb.now()
	for i := range rb.slots {
		rb.slots[i].id = -1
		rb.slots[i].received = make([]bool, maxShards)
		rb.slots[i].nacked = make([]int, maxShards)
		rb.slots[i].sizes = make([]int, maxShards)
		rb.slots[i].buffer = make([]byte, maxShards*rb.maxPayload)
	}
	return rb
}

// SetRTT updates the smoothed round-trip estimate used by the NACK schedule.
func (rb *RingBuffer) SetRTT(d time.Duration) {
	rb.mu.Lock()
	if d > 0 {
		rb.rtt = d
	}
	rb.mu.Unlock()
}

// SetDecodeInFlight loosens the catch-up threshold while the render thread
// is busy decoding.
func (rb *RingBuffer) SetDecodeInFlight(busy bool) {
	rb.mu.Lock()
	rb.decodeInFlight = busy
	rb.mu.Unlock()
}

// MaxReceivedID returns the newest frame id seen, or -1.
func (rb *RingBuffer) MaxReceivedID() int64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.maxReceivedID
}

// LastSubmittedID returns the submit cursor, or -1.
func (rb *RingBuffer) LastSubmittedID() int64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.lastSubmittedID
}

// MarkRendered feeds the rendered-frames statistic from the render thread.
func (rb *RingBuffer) MarkRendered() {
	rb.mu.Lock()
	rb.stats.FramesRendered++
	rb.mu.Unlock()
}

// CollectStatistics returns the counters accumulated since the previous call
// and resets them.
func (rb *RingBuffer) CollectStatistics() Statistics {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	s := rb.stats
	rb.stats = Statistics{}
	return s
}

func (rb *RingBuffer) slotFor(id int64) *slot {
	return &rb.slots[id%int64(rb.capacity)]
}

// Receive accepts one shard. It returns true when the shard completed its
// frame. Malformed shards are dropped and never corrupt the buffer; the
// receive path must stay well under the per-shard latency budget, so all
// work here is copies and counter updates.
func (rb *RingBuffer) Receive(sh *wire.Shard) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if int(sh.Total) > rb.maxShards {
		log.Printf("ringbuffer: %v frame %d declares %d shards, max %d",
			rb.kind, sh.FrameID, sh.Total, rb.maxShards)
		return false
	}
	if len(sh.Payload) > rb.maxPayload {
		log.Printf("ringbuffer: %v frame %d shard %d payload %d too large",
			rb.kind, sh.FrameID, sh.Index, len(sh.Payload))
		return false
	}

	id := int64(sh.FrameID)
	s := rb.slotFor(id)

	switch {
	case s.id > id:
		// stale: the stream has moved past this frame
		return false
	case s.id < id:
		if s.id != -1 && !s.submitted && s.id > rb.lastSubmittedID {
			// The buffer is full of yet-unrendered frames. Resetting and
			// asking for a recovery point beats blocking the receive path.
			log.Printf("ringbuffer: %v frame %d overwrites unsubmitted %d, resetting",
				rb.kind, id, s.id)
			rb.resetAllLocked()
			rb.requestRecoveryLocked()
		}
		if err := rb.initSlotLocked(s, id, sh); err != nil {
			log.Printf("ringbuffer: %v frame %d: %v", rb.kind, id, err)
			return false
		}
	}

	if sh.IsNack {
		rb.stats.Retransmits++
	} else {
		rb.stats.PacketsReceived++
	}
	rb.stats.BytesReceived += len(sh.Payload)

	if id > rb.maxReceivedID {
		rb.maxReceivedID = id
	}
	if s.complete || s.received[sh.Index] {
		return false
	}
	if int(sh.Total) != s.total || int(sh.NumParity) != s.numParity {
		log.Printf("ringbuffer: %v frame %d shard %d disagrees on layout (%d/%d vs %d/%d)",
			rb.kind, id, sh.Index, sh.Total, sh.NumParity, s.total, s.numParity)
		return false
	}

	idx := int(sh.Index)
	off := idx * rb.maxPayload
	n := copy(s.buffer[off:off+rb.maxPayload], sh.Payload)
	s.received[idx] = true
	s.sizes[idx] = n
	s.receivedCount++
	if idx < s.total-s.numParity {
		s.realReceived++
		s.frameSize += n
	}
	now := rb.now()
	if s.receivedCount == 1 {
		s.firstArrival = now
	}
	s.lastArrival = now

	if s.dec != nil {
		if err := s.dec.Register(idx, s.buffer[off:off+n]); err != nil {
			log.Printf("ringbuffer: %v frame %d shard %d: %v", rb.kind, id, idx, err)
			return false
		}
	}
	if rb.completeLocked(s) {
		rb.assembleLocked(s)
		return s.complete
	}
	return false
}

func (rb *RingBuffer) initSlotLocked(s *slot, id int64, sh *wire.Shard) error {
	s.id = id
	s.total = int(sh.Total)
	s.numParity = int(sh.NumParity)
	for i := 0; i < s.total; i++ {
		s.received[i] = false
		s.nacked[i] = 0
		s.sizes[i] = 0
	}
	s.receivedCount = 0
	s.realReceived = 0
	s.frameSize = 0
	s.complete = false
	s.submitted = false
	s.assembled = nil
	s.lastNackTime = time.Time{}
	s.dec = nil
	if s.numParity > 0 {
		dec, err := fec.NewDecoder(s.total-s.numParity, s.numParity, rb.maxPayload)
		if err != nil {
			s.id = -1
			return err
		}
		s.dec = dec
	}
	return nil
}

func (rb *RingBuffer) completeLocked(s *slot) bool {
	if s.dec != nil {
		return s.dec.Ready()
	}
	return s.receivedCount == s.total
}

// assembleLocked materializes the frame bytes once, at completion, so the
// recovery-point check and the pop both read the same buffer.
func (rb *RingBuffer) assembleLocked(s *slot) {
	if s.dec != nil {
		size, err := s.dec.DecodedSize()
		if err != nil {
			log.Printf("ringbuffer: %v frame %d undecodable: %v", rb.kind, s.id, err)
			rb.requestRecoveryLocked()
			return
		}
		if size > rb.largest {
			log.Printf("ringbuffer: %v frame %d decodes to %d bytes, max %d",
				rb.kind, s.id, size, rb.largest)
			rb.requestRecoveryLocked()
			return
		}
		out := make([]byte, size)
		if _, err := s.dec.Decode(out); err != nil {
			log.Printf("ringbuffer: %v frame %d decode: %v", rb.kind, s.id, err)
			rb.requestRecoveryLocked()
			return
		}
		s.assembled = out
	} else {
		if s.frameSize > rb.largest {
			log.Printf("ringbuffer: %v frame %d is %d bytes, max %d",
				rb.kind, s.id, s.frameSize, rb.largest)
			return
		}
		out := make([]byte, 0, s.frameSize)
		for i := 0; i < s.total; i++ {
			off := i * rb.maxPayload
			out = append(out, s.buffer[off:off+s.sizes[i]]...)
		}
		s.assembled = out
	}
	s.complete = true

	if rb.kind == wire.KindVideo && s.id > rb.lastSubmittedID+1 &&
		wire.FrameIsRecoveryPoint(s.assembled) {
		rb.pendingRecoveryID = s.id
	}
}

// TryPopNext returns the frame at the submit cursor if it is complete.
// Ownership of the returned buffer transfers to the caller.
func (rb *RingBuffer) TryPopNext() (Frame, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	next := rb.lastSubmittedID + 1
	s := rb.slotFor(next)
	if s.id != next || !s.complete || s.submitted {
		return Frame{}, false
	}
	s.submitted = true
	rb.lastSubmittedID = next
	rb.lastProgress = rb.now()
	out := Frame{ID: uint32(next), Data: s.assembled}
	s.assembled = nil
	if rb.pendingRecoveryID <= next {
		rb.pendingRecoveryID = -1
	}
	return out, true
}

// Tick runs the retransmission policies. Call it at least every few
// milliseconds; it takes the ring's mutex, so it may run on its own ticker
// goroutine beside the receive loop.
func (rb *RingBuffer) Tick() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.catchUpLocked()
	rb.requestRecoveryIfStalledLocked()
	rb.nackOldestIncompleteLocked()
}

// catchUpLocked skips the cursor to just before a completed recovery-point
// frame, resetting the intervening slots.
func (rb *RingBuffer) catchUpLocked() {
	target := rb.pendingRecoveryID
	if target <= rb.lastSubmittedID+1 {
		return
	}
	for id := rb.lastSubmittedID + 1; id < target; id++ {
		s := rb.slotFor(id)
		if s.id == id && !s.submitted {
			rb.stats.FramesSkipped++
			rb.resetSlotLocked(s)
		}
	}
	log.Printf("ringbuffer: %v skipping cursor %d -> %d for recovery point",
		rb.kind, rb.lastSubmittedID, target-1)
	rb.lastSubmittedID = target - 1
	rb.lastProgress = rb.now()
	rb.pendingRecoveryID = -1
}

func (rb *RingBuffer) requestRecoveryIfStalledLocked() {
	if rb.maxReceivedID <= rb.lastSubmittedID {
		rb.lastProgress = rb.now()
		return
	}
	next := rb.slotFor(rb.lastSubmittedID + 1)
	if next.id == rb.lastSubmittedID+1 && next.complete {
		return
	}
	limit := int64(maxUnsyncedFrames)
	if rb.decodeInFlight {
		limit = maxUnsyncedFramesRender
	}
	behind := rb.maxReceivedID-rb.lastSubmittedID >= limit
	stalled := rb.now().Sub(rb.lastProgress) >= recoveryInterval
	if behind || stalled {
		rb.requestRecoveryLocked()
	}
}

func (rb *RingBuffer) requestRecoveryLocked() {
	if rb.requester == nil || !rb.recovery.AllowN(rb.now(), 1) {
		return
	}
	rb.requester.RequestRecoveryPoint(rb.kind)
}

// nackOldestIncompleteLocked emits retransmission requests for the shards
// blocking the cursor, each absent for longer than the RTT schedule allows.
func (rb *RingBuffer) nackOldestIncompleteLocked() {
	if rb.requester == nil {
		return
	}
	next := rb.lastSubmittedID + 1
	if next > rb.maxReceivedID {
		return
	}
	s := rb.slotFor(next)
	if s.id != next {
		// No shard of the blocking frame has arrived at all; a single NACK
		// for index 0 probes whether the frame exists.
		if rb.maxReceivedID > next && rb.now().Sub(rb.lastMissingNack) >= missingNackInterval {
			rb.lastMissingNack = rb.now()
			rb.stats.PacketsNacked++
			rb.requester.NackShard(rb.kind, uint32(next), 0)
		}
		return
	}
	if s.complete {
		return
	}

	now := rb.now()
	if rb.kind == wire.KindAudio {
		nacked := 0
		for i := 0; i < s.total && nacked < maxNackedPerTick; i++ {
			if s.received[i] || !rb.shardNackDueLocked(s, i, now) {
				continue
			}
			s.nacked[i]++
			s.lastNackTime = now
			rb.stats.PacketsNacked++
			rb.requester.NackShard(rb.kind, uint32(next), uint16(i))
			nacked++
		}
		return
	}

	// Video: one bitmap spanning the missing window amortizes the signal.
	first := -1
	last := -1
	for i := 0; i < s.total; i++ {
		if s.received[i] || !rb.shardNackDueLocked(s, i, now) {
			continue
		}
		if first == -1 {
			first = i
		}
		last = i
	}
	if first == -1 {
		return
	}
	numBits := last - first + 1
	bits := make([]byte, (numBits+7)/8)
	count := 0
	for i := first; i <= last; i++ {
		if s.received[i] || s.nacked[i] >= maxPacketNacks {
			continue
		}
		bit := i - first
		bits[bit/8] |= 1 << (bit % 8)
		s.nacked[i]++
		count++
	}
	if count == 0 {
		return
	}
	s.lastNackTime = now
	rb.stats.PacketsNacked += count
	if count == 1 {
		rb.requester.NackShard(rb.kind, uint32(next), uint16(first))
		return
	}
	rb.requester.NackBitmap(rb.kind, uint32(next), uint16(first), numBits, bits)
}

// shardNackDueLocked applies the per-shard schedule: wait one RTT since the
// frame's latest arrival, then back off exponentially per retry, capped.
func (rb *RingBuffer) shardNackDueLocked(s *slot, idx int, now time.Time) bool {
	if s.nacked[idx] >= maxPacketNacks {
		return false
	}
	wait := rb.rtt << uint(s.nacked[idx])
	since := now.Sub(s.lastArrival)
	if !s.lastNackTime.IsZero() && now.Sub(s.lastNackTime) < wait {
		return false
	}
	return since >= wait
}

func (rb *RingBuffer) resetSlotLocked(s *slot) {
	s.id = -1
	s.complete = false
	s.submitted = false
	s.assembled = nil
	s.dec = nil
	s.receivedCount = 0
	s.realReceived = 0
	s.frameSize = 0
}

func (rb *RingBuffer) resetAllLocked() {
	for i := range rb.slots {
		rb.resetSlotLocked(&rb.slots[i])
	}
	rb.pendingRecoveryID = -1
}
