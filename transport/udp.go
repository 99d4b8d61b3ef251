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

// Package transport owns the sockets: the UDP datagram path the media
// shards ride on, the keepalive loop, and the TCP control channel used for
// handshake, clipboard and file transfer.
package transport

import (
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/farview/farview/stats"
	"github.com/farview/farview/wire"
)

const readDeadline = 100 * time.Millisecond

// Handler consumes what the read loop demultiplexes.
type Handler interface {
	// HandleShard owns media shards; the payload is only valid for the
	// duration of the call.
	HandleShard(sh *wire.Shard)
	// HandleControl owns typed control messages arriving on the datagram
	// path.
	HandleControl(t wire.MsgType, body []byte)
}

// UDPConfig parameterizes DialUDP.
type UDPConfig struct {
	// RemoteAddr is "host:port".
	RemoteAddr string
	// Key is the pre-shared secret; empty disables sealing.
	Key string
	// TCPEmulation dials a raw fake-TCP socket instead of UDP, to punch
	// through UDP-hostile middleboxes (Linux only).
	TCPEmulation bool
	// SockBuf is the socket buffer size in bytes, 0 for the OS default.
	SockBuf int
	Quiet   bool
}

// UDP is the datagram transport. Reading happens on the session's receive
// goroutine; writes may come from any goroutine (net.PacketConn is safe for
// concurrent use).
type UDP struct {
	conn     net.PacketConn
	raddr    atomic.Value // net.Addr
	autoPeer bool
	sealer   *sealer
	sendID   atomic.Uint32
	quiet    bool

	// OnRecovery observes outgoing recovery-point requests so the
	// congestion controller can back off immediately.
	OnRecovery func(kind wire.Kind)
}

// DialUDP opens the datagram path to the server.
func DialUDP(cfg UDPConfig) (*UDP, error) {
	raddr, err := net.ResolveUDPAddr("udp", cfg.RemoteAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", cfg.RemoteAddr)
	}
	conn, err := dialPacketConn(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.SockBuf > 0 {
		if c, ok := conn.(*net.UDPConn); ok {
			if err := c.SetReadBuffer(cfg.SockBuf); err != nil {
				log.Println("SetReadBuffer:", err)
			}
			if err := c.SetWriteBuffer(cfg.SockBuf); err != nil {
				log.Println("SetWriteBuffer:", err)
			}
		}
	}
	s, err := newSealer(cfg.Key, dirClientToServer, dirServerToClient)
	if err != nil {
		conn.Close()
		return nil, err
	}
	u := &UDP{conn: conn, sealer: s, quiet: cfg.Quiet}
	u.raddr.Store(raddr)
	return u, nil
}

// ListenUDP binds the server end of the datagram path. The peer address is
// learned from whichever client datagram arrived last.
func ListenUDP(listenAddr, key string) (*UDP, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", listenAddr)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "listen udp")
	}
	s, err := newSealer(key, dirServerToClient, dirClientToServer)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &UDP{conn: conn, sealer: s, autoPeer: true, quiet: true}, nil
}

// Peer returns the current remote address, or nil before any datagram has
// been seen on an auto-peer socket.
func (u *UDP) Peer() net.Addr {
	a, _ := u.raddr.Load().(net.Addr)
	return a
}

// Close shuts the socket; the read loop unblocks with an error.
func (u *UDP) Close() error {
	return u.conn.Close()
}

// LocalAddr returns the bound local address.
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// ReadLoop demultiplexes datagrams into the handler until the exiting flag
// flips. It owns the receive hot path: per shard it does one read, one
// optional AEAD open, and one header parse.
func (u *UDP) ReadLoop(h Handler, exiting *atomic.Bool) {
	buf := make([]byte, 64<<10)
	var sh wire.Shard
	for !exiting.Load() {
		u.conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, from, err := u.conn.ReadFrom(buf)
		if err == nil && u.autoPeer {
			u.raddr.Store(from)
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if exiting.Load() {
				return
			}
			log.Println("udp read:", err)
			return
		}

		datagram := buf[:n]
		if u.sealer != nil {
			datagram, err = u.sealer.openDatagram(datagram)
			if err != nil {
				stats.Add(&stats.DefaultSnmp.ShardsDropped, 1)
				if !u.quiet {
					log.Println("udp:", err)
				}
				continue
			}
		}
		if err := wire.UnmarshalShard(datagram, &sh); err != nil {
			stats.Add(&stats.DefaultSnmp.ShardsDropped, 1)
			if !u.quiet {
				log.Println("udp:", err)
			}
			continue
		}

		stats.Add(&stats.DefaultSnmp.ShardsReceived, 1)
		stats.Add(&stats.DefaultSnmp.BytesReceived, uint64(n))
		if sh.Kind == wire.KindControl {
			t, body, err := wire.UnmarshalControlShardPayload(sh.Payload)
			if err != nil {
				stats.Add(&stats.DefaultSnmp.ShardsDropped, 1)
				if !u.quiet {
					log.Println("udp control:", err)
				}
				continue
			}
			h.HandleControl(t, body)
			continue
		}
		if sh.IsParity() {
			stats.Add(&stats.DefaultSnmp.ParityShards, 1)
		}
		if sh.IsNack {
			stats.Add(&stats.DefaultSnmp.Retransmits, 1)
		}
		h.HandleShard(&sh)
	}
}

// MaxPayload is the usable shard payload per datagram: the wire bound less
// the sealing overhead, so a sealed shard still fits one datagram.
func (u *UDP) MaxPayload() int {
	return wire.MaxShardPayload - u.sealer.Overhead()
}

// SendShard serializes, seals and sends one shard, assigning it the next
// send id.
func (u *UDP) SendShard(sh *wire.Shard) error {
	raddr := u.Peer()
	if raddr == nil {
		return errors.New("no peer yet")
	}
	if len(sh.Payload) > u.MaxPayload() {
		return errors.Errorf("payload %d exceeds sealed max %d", len(sh.Payload), u.MaxPayload())
	}
	sh.SendID = u.sendID.Add(1)
	datagram := wire.MarshalShard(nil, sh)
	datagram = u.sealer.sealDatagram(datagram, sh.SendID)
	_, err := u.conn.WriteTo(datagram, raddr)
	return errors.Wrap(err, "udp write")
}

// SendControl wraps a typed message into a control shard and sends it.
func (u *UDP) SendControl(t wire.MsgType, body interface{}) error {
	payload, err := wire.MarshalControlShardPayload(t, body)
	if err != nil {
		return err
	}
	return u.SendShard(&wire.Shard{
		Kind:    wire.KindControl,
		Index:   0,
		Total:   1,
		Payload: payload,
	})
}

// NackShard implements ringbuffer.Requester.
func (u *UDP) NackShard(kind wire.Kind, frameID uint32, index uint16) {
	stats.Add(&stats.DefaultSnmp.NacksSent, 1)
	err := u.SendControl(wire.MsgNackSingle, &wire.NackSingle{
		Kind: kind, FrameID: frameID, Index: index,
	})
	if err != nil && !u.quiet {
		log.Println("nack:", err)
	}
}

// NackBitmap implements ringbuffer.Requester.
func (u *UDP) NackBitmap(kind wire.Kind, frameID uint32, startIndex uint16, numBits int, bits []byte) {
	stats.Add(&stats.DefaultSnmp.NacksSent, 1)
	err := u.SendControl(wire.MsgNackBitmap, &wire.NackBitmap{
		Kind: kind, FrameID: frameID, Index: startIndex,
		NumBits: uint16(numBits), Bits: bits,
	})
	if err != nil && !u.quiet {
		log.Println("nack bitmap:", err)
	}
}

// RequestRecoveryPoint implements ringbuffer.Requester.
func (u *UDP) RequestRecoveryPoint(kind wire.Kind) {
	stats.Add(&stats.DefaultSnmp.RecoveryRequests, 1)
	if u.OnRecovery != nil {
		u.OnRecovery(kind)
	}
	err := u.SendControl(wire.MsgRecoveryPointRequest, &wire.RecoveryPointRequest{Kind: kind})
	if err != nil && !u.quiet {
		log.Println("recovery request:", err)
	}
}
