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

package main

import (
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/farview/farview/fec"
	"github.com/farview/farview/transport"
	"github.com/farview/farview/wire"
)

// historyDepth is how many sent frames, across both streams together, stay
// addressable for retransmission.
const historyDepth = 128

type frameKey struct {
	kind wire.Kind
	id   uint32
}

// sender generates, fragments and FEC-encodes synthetic frames, and answers
// the client's control traffic.
type sender struct {
	udp *transport.UDP
	cfg *Config

	mu           sync.Mutex
	history      map[frameKey][]*wire.Shard
	historyOrder []frameKey
	settings     wire.NetworkSettings

	videoFrameID uint32
	audioFrameID uint32
	framesSent   int

	recoveryWanted atomic.Bool
	peerSeen       atomic.Bool

	rng *rand.Rand
}

func newSender(udp *transport.UDP, cfg *Config) *sender {
	return &sender{
		udp:     udp,
		cfg:     cfg,
		history: make(map[frameKey][]*wire.Shard),
		settings: wire.NetworkSettings{
			FPS:           cfg.FPS,
			VideoFECRatio: cfg.VideoFECRatio,
			AudioFECRatio: cfg.AudioFECRatio,
		},
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// run paces the two media streams until the exiting flag flips. The first
// video frame is a recovery point; later ones only on request.
func (s *sender) run(exiting *atomic.Bool) {
	fps := s.cfg.FPS
	if fps <= 0 {
		fps = 60
	}
	videoTicker := time.NewTicker(time.Second / time.Duration(fps))
	audioTicker := time.NewTicker(10 * time.Millisecond)
	staticTicker := time.NewTicker(time.Second / wire.DisabledEncoderFPS)
	defer videoTicker.Stop()
	defer audioTicker.Stop()
	defer staticTicker.Stop()

	for !exiting.Load() {
		select {
		case <-videoTicker.C:
			if !s.peerSeen.Load() || s.isStatic() {
				continue
			}
			s.sendVideoFrame()
		case <-staticTicker.C:
			if !s.peerSeen.Load() || !s.isStatic() {
				continue
			}
			if s.recoveryWanted.Load() {
				// A recovery request wakes the encoder back up.
				s.mu.Lock()
				s.framesSent = 0
				s.mu.Unlock()
				s.sendVideoFrame()
				continue
			}
			s.sendEmptyFrame()
		case <-audioTicker.C:
			if !s.peerSeen.Load() {
				continue
			}
			s.sendAudioFrame()
		}
	}
}

func (s *sender) isStatic() bool {
	if s.cfg.StaticAfter <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.framesSent >= s.cfg.StaticAfter
}

func (s *sender) sendVideoFrame() {
	s.mu.Lock()
	id := s.videoFrameID
	s.videoFrameID++
	s.framesSent++
	ratio := s.settings.VideoFECRatio
	s.mu.Unlock()

	frameType := wire.FrameNormal
	if id == 0 || s.recoveryWanted.Swap(false) {
		frameType = wire.FrameRecoveryPoint
	}
	data := make([]byte, s.cfg.FrameSize)
	s.rng.Read(data)
	payload := wire.MarshalVideoFrame(nil, &wire.VideoFrame{
		Type:            frameType,
		Width:           1920,
		Height:          1080,
		CodecID:         1,
		FrameID:         id,
		IsWindowVisible: true,
		ServerTimestamp: uint64(time.Now().UnixMicro()),
		Data:            data,
	})
	s.fragmentAndSend(wire.KindVideo, id, payload, ratio)
}

func (s *sender) sendEmptyFrame() {
	s.mu.Lock()
	id := s.videoFrameID
	s.videoFrameID++
	s.mu.Unlock()
	payload := wire.MarshalVideoFrame(nil, &wire.VideoFrame{IsEmpty: true})
	s.fragmentAndSend(wire.KindVideo, id, payload, 0)
}

func (s *sender) sendAudioFrame() {
	s.mu.Lock()
	id := s.audioFrameID
	s.audioFrameID++
	ratio := s.settings.AudioFECRatio
	s.mu.Unlock()

	// Roughly one opus packet's worth of synthetic bytes.
	data := make([]byte, 400)
	s.rng.Read(data)
	s.fragmentAndSend(wire.KindAudio, id, data, ratio)
}

// fragmentAndSend cuts one frame into shards sized to the sealed datagram
// budget, FEC-encodes when a ratio is set, records them for retransmission,
// and ships them in index order.
func (s *sender) fragmentAndSend(kind wire.Kind, id uint32, frame []byte, ratio float64) {
	maxPayload := s.udp.MaxPayload()
	numReal := fec.NumRealShards(len(frame), maxPayload)
	numParity := fec.NumParityShards(numReal, ratio)

	var bufs [][]byte
	if numParity > 0 {
		enc, err := fec.NewEncoder(numReal, numParity, maxPayload)
		if err != nil {
			log.Println("fec encoder:", err)
			return
		}
		for i, seg := range fec.SplitFrame(frame, numReal) {
			if err := enc.Register(i, seg); err != nil {
				log.Println("fec register:", err)
				return
			}
		}
		bufs, err = enc.Shards()
		if err != nil {
			log.Println("fec encode:", err)
			return
		}
	} else {
		bufs = fec.SplitFrame(frame, numReal)
	}

	shards := make([]*wire.Shard, 0, len(bufs))
	for i, b := range bufs {
		shards = append(shards, &wire.Shard{
			Kind:      kind,
			FrameID:   id,
			Index:     uint16(i),
			Total:     uint16(len(bufs)),
			NumParity: uint16(numParity),
			Payload:   b,
		})
	}
	s.remember(frameKey{kind: kind, id: id}, shards)
	for _, sh := range shards {
		if err := s.udp.SendShard(sh); err != nil {
			if !s.cfg.Quiet {
				log.Println("send:", err)
			}
			return
		}
	}
}

func (s *sender) remember(key frameKey, shards []*wire.Shard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[key] = shards
	s.historyOrder = append(s.historyOrder, key)
	for len(s.historyOrder) > historyDepth {
		delete(s.history, s.historyOrder[0])
		s.historyOrder = s.historyOrder[1:]
	}
}

func (s *sender) resend(kind wire.Kind, id uint32, index uint16) {
	s.mu.Lock()
	shards := s.history[frameKey{kind: kind, id: id}]
	s.mu.Unlock()
	if int(index) >= len(shards) {
		return
	}
	resend := *shards[index]
	resend.IsNack = true
	if err := s.udp.SendShard(&resend); err != nil && !s.cfg.Quiet {
		log.Println("resend:", err)
	}
}

// HandleShard implements transport.Handler; the client sends no media.
func (s *sender) HandleShard(sh *wire.Shard) {}

// HandleControl implements transport.Handler.
func (s *sender) HandleControl(t wire.MsgType, body []byte) {
	s.peerSeen.Store(true)
	switch t {
	case wire.MsgPing:
		var ping wire.Ping
		if err := wire.DecodeBody(body, &ping); err == nil {
			s.udp.SendControl(wire.MsgPong, &wire.Pong{ID: ping.ID})
		}
	case wire.MsgNackSingle:
		var nack wire.NackSingle
		if err := wire.DecodeBody(body, &nack); err == nil {
			s.resend(nack.Kind, nack.FrameID, nack.Index)
		}
	case wire.MsgNackBitmap:
		var nack wire.NackBitmap
		if err := wire.DecodeBody(body, &nack); err == nil {
			for i := 0; i < int(nack.NumBits) && i/8 < len(nack.Bits); i++ {
				if nack.Bits[i/8]&(1<<(i%8)) != 0 {
					s.resend(nack.Kind, nack.FrameID, nack.Index+uint16(i))
				}
			}
		}
	case wire.MsgRecoveryPointRequest:
		s.recoveryWanted.Store(true)
	case wire.MsgNetworkSettings:
		var ns wire.NetworkSettings
		if err := wire.DecodeBody(body, &ns); err == nil {
			s.applySettings(ns)
		}
	case wire.MsgDimensionsChange:
		var dc wire.DimensionsChange
		if err := wire.DecodeBody(body, &dc); err == nil && !s.cfg.Quiet {
			log.Println("client geometry:", dc.Width, "x", dc.Height, "@", dc.DPI, "dpi")
		}
	case wire.MsgQuit:
		// loopback server has no session teardown beyond the socket
	}
}

func (s *sender) applySettings(ns wire.NetworkSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ns.VideoFECRatio > 0 && ns.VideoFECRatio <= 0.5 {
		s.settings.VideoFECRatio = ns.VideoFECRatio
	}
	if ns.AudioFECRatio > 0 && ns.AudioFECRatio <= 0.5 {
		s.settings.AudioFECRatio = ns.AudioFECRatio
	}
	if ns.FPS > 0 {
		s.settings.FPS = ns.FPS
	}
	s.settings.Bitrate = ns.Bitrate
	s.settings.BurstBitrate = ns.BurstBitrate
}
