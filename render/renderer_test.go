package render

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farview/farview/audio"
	"github.com/farview/farview/ringbuffer"
	"github.com/farview/farview/wire"
)

// passthroughDecoder hands submissions back out as decoded frames.
type passthroughDecoder struct {
	mu     sync.Mutex
	queued [][]byte
}

func (d *passthroughDecoder) SubmitEncoded(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	d.queued = append(d.queued, cp)
	return nil
}

func (d *passthroughDecoder) PollDecoded(buf []byte) (int, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queued) == 0 {
		return 0, false, nil
	}
	n := copy(buf, d.queued[0])
	d.queued = d.queued[1:]
	return n, true, nil
}

// pcmDecoder yields one full PCM frame per submission, whatever the input.
type pcmDecoder struct {
	frameBytes int
	mu         sync.Mutex
	queued     int
}

func (d *pcmDecoder) SubmitEncoded(data []byte) error {
	d.mu.Lock()
	d.queued++
	d.mu.Unlock()
	return nil
}

func (d *pcmDecoder) PollDecoded(buf []byte) (int, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queued == 0 {
		return 0, false, nil
	}
	d.queued--
	return d.frameBytes, true, nil
}

type countingSink struct {
	mu       sync.Mutex
	displays int
}

func (s *countingSink) Display(w, h int, pixels []byte) error {
	s.mu.Lock()
	s.displays++
	s.mu.Unlock()
	return nil
}

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displays
}

type lockedDevice struct {
	mu     sync.Mutex
	queued int
}

func (d *lockedDevice) QueuedBytes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queued
}

func (d *lockedDevice) Queue(pcm []byte) error {
	d.mu.Lock()
	d.queued += len(pcm)
	d.mu.Unlock()
	return nil
}

func (d *lockedDevice) Close() error { return nil }

func deliverSingleShardFrame(rb *ringbuffer.RingBuffer, kind wire.Kind, id uint32, payload []byte) bool {
	return rb.Receive(&wire.Shard{
		Kind:    kind,
		FrameID: id,
		Index:   0,
		Total:   1,
		Payload: payload,
	})
}

func videoContainer(id uint32, data []byte) []byte {
	return wire.MarshalVideoFrame(nil, &wire.VideoFrame{
		Type:    wire.FrameNormal,
		Width:   640,
		Height:  480,
		FrameID: id,
		Data:    data,
	})
}

// Scenario D: audio delivered before any video stays out of the device;
// once the first picture renders, the backlog flushes and playback starts.
func TestAudioGatedOnFirstVideoRender(t *testing.T) {
	videoRing := ringbuffer.New(ringbuffer.Config{Kind: wire.KindVideo, Capacity: 32})
	audioRing := ringbuffer.New(ringbuffer.Config{Kind: wire.KindAudio, Capacity: 32})

	dev := &lockedDevice{}
	ctrl := audio.NewController(
		&pcmDecoder{frameBytes: audio.FrameBytes(audio.DefaultSampleRate)},
		dev, audio.DefaultSampleRate)

	sink := &countingSink{}
	r := New(Config{
		VideoRing:    videoRing,
		AudioRing:    audioRing,
		VideoDecoder: &passthroughDecoder{},
		Audio:        ctrl,
		Sink:         sink,
	})
	r.Run()
	defer r.Stop()

	for id := uint32(0); id < 20; id++ {
		require.True(t, deliverSingleShardFrame(audioRing, wire.KindAudio, id, []byte("opus")))
		r.NotifyFrame(wire.KindAudio)
	}
	// The audio goroutine keeps waking on its ticker; nothing may reach the
	// device before video renders.
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, dev.QueuedBytes())
	assert.False(t, r.HasVideoRendered())

	require.True(t, deliverSingleShardFrame(videoRing, wire.KindVideo, 0,
		videoContainer(0, []byte("picture"))))
	r.NotifyFrame(wire.KindVideo)

	require.Eventually(t, r.HasVideoRendered, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return dev.QueuedBytes() >= 8*audio.FrameBytes(audio.DefaultSampleRate)
	}, time.Second, 5*time.Millisecond, "accumulated audio never flushed")
	assert.Equal(t, 1, sink.count())
}

func TestEmptyFrameIsKeepaliveOnly(t *testing.T) {
	videoRing := ringbuffer.New(ringbuffer.Config{Kind: wire.KindVideo, Capacity: 8})
	audioRing := ringbuffer.New(ringbuffer.Config{Kind: wire.KindAudio, Capacity: 8})

	sink := &countingSink{}
	ctrl := audio.NewController(&pcmDecoder{frameBytes: 3840}, nil, audio.DefaultSampleRate)
	r := New(Config{
		VideoRing:    videoRing,
		AudioRing:    audioRing,
		VideoDecoder: &passthroughDecoder{},
		Audio:        ctrl,
		Sink:         sink,
	})
	r.Run()
	defer r.Stop()

	empty := wire.MarshalVideoFrame(nil, &wire.VideoFrame{IsEmpty: true})
	require.True(t, deliverSingleShardFrame(videoRing, wire.KindVideo, 0, empty))
	r.NotifyFrame(wire.KindVideo)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, sink.count())
	assert.False(t, r.HasVideoRendered())
	assert.Equal(t, int64(0), videoRing.LastSubmittedID())
}

func TestFrameErrorSignalsRecovery(t *testing.T) {
	videoRing := ringbuffer.New(ringbuffer.Config{Kind: wire.KindVideo, Capacity: 8})
	audioRing := ringbuffer.New(ringbuffer.Config{Kind: wire.KindAudio, Capacity: 8})

	var mu sync.Mutex
	errored := 0
	ctrl := audio.NewController(&pcmDecoder{frameBytes: 3840}, nil, audio.DefaultSampleRate)
	r := New(Config{
		VideoRing:    videoRing,
		AudioRing:    audioRing,
		VideoDecoder: &passthroughDecoder{},
		Audio:        ctrl,
		Sink:         &countingSink{},
		OnFrameError: func(kind wire.Kind) {
			mu.Lock()
			errored++
			mu.Unlock()
		},
	})
	r.Run()
	defer r.Stop()

	// A truncated container: flags byte promises a header that isn't there.
	require.True(t, deliverSingleShardFrame(videoRing, wire.KindVideo, 0, []byte{0x00}))
	r.NotifyFrame(wire.KindVideo)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return errored == 1
	}, time.Second, 5*time.Millisecond)
}
