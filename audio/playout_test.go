package audio

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// simDecoder produces one silent PCM frame per encoded submission.
type simDecoder struct {
	frameBytes  int
	queued      int
	submissions int
	failNext    bool
}

func (d *simDecoder) SubmitEncoded(data []byte) error {
	if d.failNext {
		d.failNext = false
		return assert.AnError
	}
	d.submissions++
	d.queued++
	return nil
}

func (d *simDecoder) PollDecoded(buf []byte) (int, bool, error) {
	if d.queued == 0 {
		return 0, false, nil
	}
	d.queued--
	return d.frameBytes, true, nil
}

// simDevice is a device whose playback the test drains manually.
type simDevice struct {
	queued int
	closed bool
}

func (d *simDevice) QueuedBytes() int { return d.queued }

func (d *simDevice) Queue(pcm []byte) error {
	d.queued += len(pcm)
	return nil
}

func (d *simDevice) Close() error {
	d.closed = true
	return nil
}

// drain consumes up to n bytes of playback, reporting whether the device ran
// dry (would have played silence).
func (d *simDevice) drain(n int) bool {
	if d.queued >= n {
		d.queued -= n
		return false
	}
	d.queued = 0
	return true
}

type simClock struct{ t time.Time }

func (c *simClock) now() time.Time          { return c.t }
func (c *simClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newSim() (*Controller, *simDecoder, *simDevice, *simClock) {
	fb := FrameBytes(DefaultSampleRate)
	dec := &simDecoder{frameBytes: fb}
	dev := &simDevice{}
	clock := &simClock{t: time.Unix(1700000000, 0)}
	ctrl := NewController(dec, dev, DefaultSampleRate, WithClock(clock.now))
	return ctrl, dec, dev, clock
}

func TestBufferingFlushesAtTarget(t *testing.T) {
	ctrl, _, dev, clock := newSim()
	fb := ctrl.frameBytes

	require.Equal(t, StateBuffering, ctrl.State())
	frame := []byte("opus packet")
	for i := 0; i < 8; i++ {
		clock.advance(10 * time.Millisecond)
		require.True(t, ctrl.ReadyForFrame(0))
		ctrl.ReceiveFrame(frame)
		ctrl.RenderStaged()
	}
	// The eighth decoded frame crosses (target-1) frames of scratch: the
	// whole accumulation flushes at once.
	assert.Equal(t, StatePlaying, ctrl.State())
	assert.Equal(t, 8*fb, dev.QueuedBytes())
}

func TestDeviceDryRebuffers(t *testing.T) {
	ctrl, _, dev, clock := newSim()

	frame := []byte("opus packet")
	for i := 0; i < 8; i++ {
		clock.advance(10 * time.Millisecond)
		ctrl.ReadyForFrame(0)
		ctrl.ReceiveFrame(frame)
		ctrl.RenderStaged()
	}
	require.Equal(t, StatePlaying, ctrl.State())

	dev.drain(dev.QueuedBytes())
	clock.advance(10 * time.Millisecond)
	ctrl.ReadyForFrame(0)
	ctrl.ReceiveFrame(frame)
	ctrl.RenderStaged()
	assert.Equal(t, StateBuffering, ctrl.State())
}

func TestDupFeedsDecoderTwice(t *testing.T) {
	ctrl, dec, dev, clock := newSim()
	fb := ctrl.frameBytes

	frame := []byte("opus packet")
	for i := 0; i < 8; i++ {
		clock.advance(10 * time.Millisecond)
		ctrl.ReadyForFrame(0)
		ctrl.ReceiveFrame(frame)
		ctrl.RenderStaged()
	}
	require.Equal(t, StatePlaying, ctrl.State())

	// Hold the device at two frames: well under target, above dry. The
	// sampled average settles at 2, deviation 6, so the expanding window
	// acts after ceil(50/(6/3.6)) = 30 samples.
	dev.queued = 2 * fb
	submitted := dec.submissions
	for i := 0; i < 40; i++ {
		clock.advance(20 * time.Millisecond)
		if ctrl.ReadyForFrame(0) {
			ctrl.ReceiveFrame(frame)
			ctrl.RenderStaged()
			dev.queued = 2 * fb
		}
	}
	// At least one frame went through the decoder twice.
	delivered := dec.submissions - submitted
	assert.Greater(t, delivered, 40, "expected a DUP to double-feed the decoder")
}

func TestDecoderErrorDropsFrameKeepsPlaying(t *testing.T) {
	ctrl, dec, _, clock := newSim()

	frame := []byte("opus packet")
	for i := 0; i < 8; i++ {
		clock.advance(10 * time.Millisecond)
		ctrl.ReadyForFrame(0)
		ctrl.ReceiveFrame(frame)
		ctrl.RenderStaged()
	}
	require.Equal(t, StatePlaying, ctrl.State())

	dec.failNext = true
	clock.advance(10 * time.Millisecond)
	ctrl.ReadyForFrame(0)
	ctrl.ReceiveFrame(frame)
	ctrl.RenderStaged()
	assert.Equal(t, StatePlaying, ctrl.State())
}

func TestMutedControllerDiscardsFrames(t *testing.T) {
	dec := &simDecoder{frameBytes: FrameBytes(DefaultSampleRate)}
	ctrl := NewController(dec, nil, DefaultSampleRate)
	require.True(t, ctrl.Muted())

	for i := 0; i < 20; i++ {
		require.True(t, ctrl.ReadyForFrame(0))
		ctrl.ReceiveFrame([]byte("opus packet"))
		ctrl.RenderStaged()
	}
	assert.Zero(t, dec.submissions)
}

// playbackSim drives the controller through a trace of arrival offsets, one
// per nominal 10 ms slot, draining the device at exactly playback rate.
type playbackSim struct {
	t     *testing.T
	ctrl  *Controller
	dec   *simDecoder
	dev   *simDevice
	clock *simClock

	backlog   int
	underruns int
	everPlay  bool
	rebuffers int
}

func (s *playbackSim) step(arrivals int) {
	s.clock.advance(10 * time.Millisecond)
	if s.ctrl.State() == StatePlaying {
		s.everPlay = true
		if s.dev.drain(s.ctrl.frameBytes) {
			s.underruns++
		}
	}
	s.backlog += arrivals
	for i := 0; i < 100 && s.backlog > 0; i++ {
		if !s.ctrl.ReadyForFrame(s.backlog) {
			break
		}
		wasPlaying := s.ctrl.State() == StatePlaying
		s.backlog--
		s.ctrl.ReceiveFrame([]byte("opus packet"))
		s.ctrl.RenderStaged()
		if wasPlaying && s.ctrl.State() == StateBuffering {
			s.rebuffers++
		}
	}
}

func (s *playbackSim) totalQueueLen() float64 {
	return float64(s.dev.QueuedBytes())/float64(s.ctrl.frameBytes) + float64(s.backlog)
}

func newPlaybackSim(t *testing.T) *playbackSim {
	ctrl, dec, dev, clock := newSim()
	return &playbackSim{t: t, ctrl: ctrl, dec: dec, dev: dev, clock: clock}
}

// Property 5: Gaussian arrival jitter with the mean rate equal to the
// playback rate never underruns once playback has begun.
func TestJitterNeverUnderruns(t *testing.T) {
	sim := newPlaybackSim(t)
	rng := rand.New(rand.NewSource(7))

	const sigma = 15 * time.Millisecond
	const frames = 3000 // 30 s

	// Precompute jittered arrival slots.
	arrivalAt := make([]int, 0, frames)
	for i := 0; i < frames; i++ {
		j := time.Duration(rng.NormFloat64() * float64(sigma))
		if j > 3*sigma {
			j = 3 * sigma
		}
		if j < -3*sigma {
			j = -3 * sigma
		}
		slot := (time.Duration(i)*10*time.Millisecond + j) / (10 * time.Millisecond)
		if slot < 0 {
			slot = 0
		}
		arrivalAt = append(arrivalAt, int(slot))
	}
	perSlot := make(map[int]int)
	for _, s := range arrivalAt {
		perSlot[s]++
	}

	for step := 0; step < frames+20; step++ {
		sim.step(perSlot[step])
	}
	require.True(t, sim.everPlay)
	assert.Zero(t, sim.underruns, "silence emitted after playback began")
	assert.Zero(t, sim.rebuffers)
}

// Scenario E: 1.1x delivery for 10 s overflows, forces drops back to
// target+1, and settles near target once the rate normalizes.
func TestOverflowForcesDrops(t *testing.T) {
	sim := newPlaybackSim(t)

	sawOverflow := false
	for step := 0; step < 1000; step++ {
		arrivals := 1
		if step%10 == 9 {
			arrivals = 2 // the 10% surplus
		}
		sim.step(arrivals)
		if sim.ctrl.IsOverflowing() {
			sawOverflow = true
		}
	}
	assert.True(t, sawOverflow, "overflow flag never set")
	assert.Greater(t, sim.ctrl.FramesDropped(), 0)
	require.Equal(t, StatePlaying, sim.ctrl.State())

	// Settle at the nominal rate, then the combined queue must sit within
	// the acceptable band around the (possibly rescaled) target.
	for step := 0; step < 500; step++ {
		sim.step(1)
	}
	target := sim.ctrl.adaptive.targetQueueLen()
	assert.InDelta(t, target, sim.totalQueueLen(), acceptableDelta+1)
}

// Property 6: a persistent +5% rate mismatch is absorbed with a bounded
// drop rate and a scale factor that never exceeds 4x.
func TestPersistentMismatchBoundedDrops(t *testing.T) {
	sim := newPlaybackSim(t)

	const steps = 6000 // 60 s
	for step := 0; step < steps; step++ {
		arrivals := 1
		if step%20 == 19 {
			arrivals = 2
		}
		sim.step(arrivals)
	}
	assert.LessOrEqual(t, sim.ctrl.ScaleFactor(), 4.0)
	// 5% surplus is 5 frames/s; allow generous headroom for overflow
	// bursts but rule out unbounded dropping.
	dropsPerSecond := float64(sim.ctrl.FramesDropped()) / 60.0
	assert.Less(t, dropsPerSecond, 20.0)
	assert.Zero(t, sim.underruns)
}
