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
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/farview/farview/audio"
	"github.com/farview/farview/congestion"
	"github.com/farview/farview/render"
	"github.com/farview/farview/ringbuffer"
	"github.com/farview/farview/stats"
	"github.com/farview/farview/transport"
	"github.com/farview/farview/wire"
)

const (
	// maxInitConnectionAttempts bounds the reconnect loop.
	maxInitConnectionAttempts = 6

	protocolVersion = 1

	videoRingCapacity = 64
	audioRingCapacity = 32

	// ringTickInterval drives the NACK policies.
	ringTickInterval = 5 * time.Millisecond
	// feedbackInterval paces statistics collection and settings delivery.
	feedbackInterval = time.Second
)

// session owns one connected lifetime: sockets, ring buffers, renderer,
// congestion feedback, keepalive.
type session struct {
	cfg *Config

	exiting       atomic.Bool
	quitRequested atomic.Bool

	udp *transport.UDP
	tcp *transport.TCP

	videoRing *ringbuffer.RingBuffer
	audioRing *ringbuffer.RingBuffer

	audioCtrl *audio.Controller
	renderer  *render.Renderer
	congest   *congestion.Controller
	pinger    *transport.Pinger

	windowStats ringbuffer.Statistics
	clipboard   wire.Clipboard
	statsMu     sync.Mutex

	wg sync.WaitGroup
}

// runSession connects, streams, and reconnects until a clean quit or until
// the attempts run out.
func runSession(cfg *Config) error {
	endpoint, err := transport.ParseEndpoint(cfg.ServerIP)
	if err != nil {
		return err
	}
	for attempt := 0; attempt < maxInitConnectionAttempts; attempt++ {
		s := &session{cfg: cfg}
		quit, err := s.run(endpoint, attempt)
		if quit {
			return nil
		}
		log.Println("re-connecting:", err)
		time.Sleep(time.Second)
	}
	return errors.Errorf("giving up after %d connection attempts", maxInitConnectionAttempts)
}

// run opens one session and blocks on the receive loop. It reports whether
// the server asked for a clean quit.
func (s *session) run(endpoint *transport.Endpoint, attempt int) (quit bool, err error) {
	tcpAddr := endpoint.Addr(attempt)
	tcp, err := transport.DialTCP(transport.TCPConfig{
		RemoteAddr: tcpAddr,
		NoComp:     s.cfg.NoComp,
	})
	if err != nil {
		return false, err
	}
	s.tcp = tcp
	defer tcp.Close()

	reply, err := tcp.Handshake(wire.Handshake{
		ClientID: uuid.NewString(),
		Version:  protocolVersion,
		User:     s.cfg.User,
	})
	if err != nil {
		return false, err
	}
	log.Println("handshake: udp port", reply.UDPPort, "tcp port", reply.TCPPort,
		"sample rate", reply.SampleRate)
	if err := tcp.StartMux(); err != nil {
		return false, err
	}

	udp, err := transport.DialUDP(transport.UDPConfig{
		RemoteAddr:   endpoint.WithPort(reply.UDPPort),
		Key:          s.cfg.Key,
		TCPEmulation: s.cfg.TCP,
		SockBuf:      s.cfg.SockBuf,
		Quiet:        s.cfg.Quiet,
	})
	if err != nil {
		return false, err
	}
	s.udp = udp
	defer udp.Close()

	s.congest = congestion.New(congestion.Config{
		Width:  s.cfg.Width,
		Height: s.cfg.Height,
		DPI:    s.cfg.DPI,
	})
	udp.OnRecovery = func(kind wire.Kind) {
		s.congest.OnRecoveryRequest()
	}

	s.videoRing = ringbuffer.New(ringbuffer.Config{
		Kind: wire.KindVideo, Capacity: videoRingCapacity, Requester: udp,
	})
	s.audioRing = ringbuffer.New(ringbuffer.Config{
		Kind: wire.KindAudio, Capacity: audioRingCapacity, Requester: udp,
	})

	// An unopenable device mutes audio for the session; video continues.
	dev, err := audio.OpenDevice(reply.SampleRate)
	if err != nil {
		log.Println("audio disabled:", err)
		dev = nil
	}
	s.audioCtrl = audio.NewController(newPassthroughDecoder(), dev, reply.SampleRate)

	s.renderer = render.New(render.Config{
		VideoRing:    s.videoRing,
		AudioRing:    s.audioRing,
		VideoDecoder: newPassthroughDecoder(),
		Audio:        s.audioCtrl,
		Sink:         newLoggingSink(s.cfg.Quiet),
		OnFrameError: func(kind wire.Kind) {
			udp.RequestRecoveryPoint(kind)
		},
	})

	s.pinger = &transport.Pinger{
		Send: func(id uint32) error {
			return udp.SendControl(wire.MsgPing, &wire.Ping{ID: id})
		},
		OnRTT: func(rtt time.Duration) {
			s.videoRing.SetRTT(rtt)
			s.audioRing.SetRTT(rtt)
		},
		OnLost: func() {
			log.Println("connection lost: 3 consecutive ping timeouts")
			s.exiting.Store(true)
		},
	}

	// Tell the server who we are before any media flows.
	if err := udp.SendControl(wire.MsgDimensionsChange, &wire.DimensionsChange{
		Width: uint16(s.cfg.Width), Height: uint16(s.cfg.Height), DPI: uint16(s.cfg.DPI),
	}); err != nil {
		return false, err
	}
	settings := s.congest.Settings()
	if err := udp.SendControl(wire.MsgNetworkSettings, &settings); err != nil {
		return false, err
	}

	// Dynamic "upload?path" lines bridge files through this session's mux.
	s.cfg.SetUploadHandler(s.uploadFile)
	defer s.cfg.SetUploadHandler(nil)

	s.renderer.Run()
	s.wg.Add(3)
	go func() { defer s.wg.Done(); s.pinger.Run(&s.exiting) }()
	go func() { defer s.wg.Done(); s.tickLoop() }()
	go func() { defer s.wg.Done(); s.feedbackLoop() }()
	go s.acceptStreams()

	// The receive goroutine is this one; reassembly happens inline.
	udp.ReadLoop(s, &s.exiting)
	s.exiting.Store(true)

	// Join in reverse dependency order: renderers before the ticker and
	// feedback loops, the device before the decoders go away.
	s.renderer.Stop()
	s.audioCtrl.Close()
	s.wg.Wait()
	if s.quitRequested.Load() {
		return true, nil
	}
	return false, errors.New("receive loop ended")
}

// HandleShard implements transport.Handler on the receive goroutine.
func (s *session) HandleShard(sh *wire.Shard) {
	var rb *ringbuffer.RingBuffer
	switch sh.Kind {
	case wire.KindVideo:
		rb = s.videoRing
	case wire.KindAudio:
		rb = s.audioRing
	default:
		return
	}
	if rb.Receive(sh) {
		stats.Add(&stats.DefaultSnmp.FramesCompleted, 1)
		s.renderer.NotifyFrame(sh.Kind)
	}
}

// HandleControl implements transport.Handler.
func (s *session) HandleControl(t wire.MsgType, body []byte) {
	switch t {
	case wire.MsgPong:
		var pong wire.Pong
		if err := wire.DecodeBody(body, &pong); err == nil {
			s.pinger.HandlePong(pong.ID)
		}
	case wire.MsgPing:
		var ping wire.Ping
		if err := wire.DecodeBody(body, &ping); err == nil {
			s.udp.SendControl(wire.MsgPong, &wire.Pong{ID: ping.ID})
		}
	case wire.MsgQuit:
		log.Println("server requested quit")
		s.quitRequested.Store(true)
		s.exiting.Store(true)
	default:
		if !s.cfg.Quiet {
			log.Println("unhandled control message type:", t)
		}
	}
}

// tickLoop drives the ring-buffer NACK policies.
func (s *session) tickLoop() {
	ticker := time.NewTicker(ringTickInterval)
	defer ticker.Stop()
	for !s.exiting.Load() {
		<-ticker.C
		s.videoRing.Tick()
		s.audioRing.Tick()
	}
}

// feedbackLoop aggregates window statistics and ships fresh settings to the
// sender when the congestion controller produces them.
func (s *session) feedbackLoop() {
	ticker := time.NewTicker(feedbackInterval)
	defer ticker.Stop()
	for !s.exiting.Load() {
		<-ticker.C

		vs := s.videoRing.CollectStatistics()
		as := s.audioRing.CollectStatistics()
		s.statsMu.Lock()
		s.windowStats.PacketsReceived += vs.PacketsReceived + as.PacketsReceived
		s.windowStats.PacketsNacked += vs.PacketsNacked + as.PacketsNacked
		s.windowStats.FramesSkipped += vs.FramesSkipped + as.FramesSkipped
		s.windowStats.FramesRendered += vs.FramesRendered + as.FramesRendered
		acc := s.windowStats
		s.statsMu.Unlock()
		stats.Add(&stats.DefaultSnmp.FramesSkipped, uint64(vs.FramesSkipped+as.FramesSkipped))
		stats.Add(&stats.DefaultSnmp.FramesRendered, uint64(vs.FramesRendered+as.FramesRendered))

		windowSecs := int(congestion.WindowDuration / time.Second)
		settings, stepped := s.congest.Observe(congestion.Statistics{
			NacksPerSecond:           acc.PacketsNacked / windowSecs,
			ReceivedPacketsPerSecond: acc.PacketsReceived / windowSecs,
			SkippedFramesPerSecond:   acc.FramesSkipped / windowSecs,
			RenderedFramesPerSecond:  acc.FramesRendered / windowSecs,
		})
		if !stepped {
			continue
		}
		s.statsMu.Lock()
		s.windowStats = ringbuffer.Statistics{}
		s.statsMu.Unlock()
		if err := s.udp.SendControl(wire.MsgNetworkSettings, &settings); err != nil {
			log.Println("settings update:", err)
		}
	}
}

// acceptStreams consumes server-initiated clipboard and file streams on the
// control channel.
func (s *session) acceptStreams() {
	for !s.exiting.Load() {
		stream, err := s.tcp.AcceptStream()
		if err != nil {
			if !s.exiting.Load() && !s.tcp.IsClosed() {
				log.Println("accept stream:", err)
			}
			return
		}
		go s.handleStream(stream)
	}
}
