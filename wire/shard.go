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

// Package wire defines the datagram and stream formats spoken between the
// thin client and the streaming server: the per-shard UDP header, the typed
// control messages, and the encoded frame container. All multi-byte integers
// are little-endian.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Kind classifies a shard's stream.
type Kind uint8

const (
	KindAudio Kind = iota
	KindVideo
	KindControl
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	case KindControl:
		return "control"
	}
	return "unknown"
}

const (
	// ShardHeaderSize is the fixed size of the per-datagram header.
	ShardHeaderSize = 16

	// MTU is the assumed path MTU for a single datagram.
	MTU = 1350

	// MaxShardPayload bounds the payload of one shard.
	MaxShardPayload = MTU - ShardHeaderSize
)

// Shard is one datagram's worth of a frame: either a real segment of the
// frame, an FEC parity segment, or a control message.
//
// NumParity is the count of parity shards within the frame; a shard is a
// parity shard iff Index >= Total-NumParity. Carrying the split in every
// shard lets the receiver build the FEC decoder from whichever shard arrives
// first.
type Shard struct {
	Kind      Kind
	FrameID   uint32
	SendID    uint32
	Index     uint16
	Total     uint16
	IsNack    bool
	NumParity uint16
	Payload   []byte
}

// IsParity reports whether the shard is an FEC parity segment.
func (s *Shard) IsParity() bool {
	return int(s.Index) >= int(s.Total)-int(s.NumParity)
}

// MarshalShard appends the encoded shard to dst and returns the result.
func MarshalShard(dst []byte, s *Shard) []byte {
	var hdr [ShardHeaderSize]byte
	hdr[0] = byte(s.Kind)
	binary.LittleEndian.PutUint32(hdr[1:], s.FrameID)
	binary.LittleEndian.PutUint32(hdr[5:], s.SendID)
	binary.LittleEndian.PutUint16(hdr[9:], s.Index)
	binary.LittleEndian.PutUint16(hdr[11:], s.Total)
	if s.IsNack {
		hdr[13] = 1
	}
	binary.LittleEndian.PutUint16(hdr[14:], s.NumParity)
	dst = append(dst, hdr[:]...)
	return append(dst, s.Payload...)
}

// UnmarshalShard parses one datagram into s. The payload aliases b; callers
// that retain the shard past the read loop must copy it.
func UnmarshalShard(b []byte, s *Shard) error {
	if len(b) < ShardHeaderSize {
		return errors.Errorf("short datagram: %d bytes", len(b))
	}
	if b[0] > byte(KindControl) {
		return errors.Errorf("unknown stream kind %d", b[0])
	}
	s.Kind = Kind(b[0])
	s.FrameID = binary.LittleEndian.Uint32(b[1:])
	s.SendID = binary.LittleEndian.Uint32(b[5:])
	s.Index = binary.LittleEndian.Uint16(b[9:])
	s.Total = binary.LittleEndian.Uint16(b[11:])
	s.IsNack = b[13] == 1
	s.NumParity = binary.LittleEndian.Uint16(b[14:])
	s.Payload = b[ShardHeaderSize:]

	if len(s.Payload) > MaxShardPayload {
		return errors.Errorf("payload %d exceeds max %d", len(s.Payload), MaxShardPayload)
	}
	if s.Total == 0 {
		return errors.New("zero total shard count")
	}
	if s.Index >= s.Total {
		return errors.Errorf("shard index %d out of range, total %d", s.Index, s.Total)
	}
	if s.NumParity >= s.Total {
		return errors.Errorf("parity count %d out of range, total %d", s.NumParity, s.Total)
	}
	return nil
}
