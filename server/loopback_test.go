package main

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farview/farview/ringbuffer"
	"github.com/farview/farview/transport"
	"github.com/farview/farview/wire"
)

// ringHandler feeds received shards into per-stream ring buffers, the way
// the client's receive goroutine does.
type ringHandler struct {
	video *ringbuffer.RingBuffer
	audio *ringbuffer.RingBuffer

	mu       sync.Mutex
	retrans  int
	controls []wire.MsgType
}

func (h *ringHandler) HandleShard(sh *wire.Shard) {
	if sh.IsNack {
		h.mu.Lock()
		h.retrans++
		h.mu.Unlock()
	}
	switch sh.Kind {
	case wire.KindVideo:
		h.video.Receive(sh)
	case wire.KindAudio:
		h.audio.Receive(sh)
	}
}

func (h *ringHandler) HandleControl(t wire.MsgType, body []byte) {
	h.mu.Lock()
	h.controls = append(h.controls, t)
	h.mu.Unlock()
}

func (h *ringHandler) retransmits() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retrans
}

// The full datagram path over loopback: the sender fragments and
// FEC-encodes synthetic frames, the client side reassembles them in order,
// recovery points arrive on request, and NACKed shards are retransmitted.
func TestLoopbackEndToEnd(t *testing.T) {
	cfg := &Config{
		FPS:           60,
		VideoFECRatio: 0.1,
		AudioFECRatio: 0.2,
		FrameSize:     20000,
		Quiet:         true,
	}

	srvUDP, err := transport.ListenUDP("127.0.0.1:0", "loopback secret")
	require.NoError(t, err)
	defer srvUDP.Close()

	var exiting atomic.Bool
	defer exiting.Store(true)

	sender := newSender(srvUDP, cfg)
	go sender.run(&exiting)
	go srvUDP.ReadLoop(sender, &exiting)

	cli, err := transport.DialUDP(transport.UDPConfig{
		RemoteAddr: srvUDP.LocalAddr().String(),
		Key:        "loopback secret",
		Quiet:      true,
	})
	require.NoError(t, err)
	defer cli.Close()

	h := &ringHandler{
		video: ringbuffer.New(ringbuffer.Config{Kind: wire.KindVideo, Capacity: 64, Requester: cli}),
		audio: ringbuffer.New(ringbuffer.Config{Kind: wire.KindAudio, Capacity: 32, Requester: cli}),
	}
	go cli.ReadLoop(h, &exiting)

	// First datagram teaches the server our address.
	require.NoError(t, cli.SendControl(wire.MsgDimensionsChange, &wire.DimensionsChange{
		Width: 1280, Height: 720, DPI: 192,
	}))

	// Pop frames as they complete; the first video frame must be a
	// recovery point, ids must be strictly sequential.
	var popped []ringbuffer.Frame
	require.Eventually(t, func() bool {
		for {
			f, ok := h.video.TryPopNext()
			if !ok {
				break
			}
			popped = append(popped, f)
		}
		return len(popped) >= 10
	}, 5*time.Second, 5*time.Millisecond, "video frames never flowed")

	var first wire.VideoFrame
	require.NoError(t, wire.UnmarshalVideoFrame(popped[0].Data, &first))
	assert.Equal(t, wire.FrameRecoveryPoint, first.Type)
	assert.Equal(t, cfg.FrameSize, len(first.Data))
	for i, f := range popped {
		assert.Equal(t, uint32(i), f.ID)
	}

	// Audio flows on its own cadence.
	require.Eventually(t, func() bool {
		_, ok := h.audio.TryPopNext()
		return ok
	}, 5*time.Second, 5*time.Millisecond, "audio frames never flowed")

	// A NACK for a recently sent shard comes back flagged as a
	// retransmission.
	cli.NackShard(wire.KindVideo, popped[len(popped)-1].ID, 0)
	require.Eventually(t, func() bool {
		return h.retransmits() > 0
	}, 5*time.Second, 5*time.Millisecond, "NACKed shard never resent")

	// A recovery-point request turns a later frame into a recovery point.
	cli.RequestRecoveryPoint(wire.KindVideo)
	require.Eventually(t, func() bool {
		for {
			f, ok := h.video.TryPopNext()
			if !ok {
				return false
			}
			var vf wire.VideoFrame
			if err := wire.UnmarshalVideoFrame(f.Data, &vf); err != nil {
				continue
			}
			if vf.Type == wire.FrameRecoveryPoint {
				return true
			}
		}
	}, 5*time.Second, 5*time.Millisecond, "recovery point never produced")

	// Pings are answered with echoing pongs.
	require.NoError(t, cli.SendControl(wire.MsgPing, &wire.Ping{ID: 7}))
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, typ := range h.controls {
			if typ == wire.MsgPong {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "ping never answered")
}
