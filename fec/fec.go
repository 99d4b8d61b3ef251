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

// Package fec implements the frame-level forward error correction layer: a
// systematic Reed-Solomon code over GF(2^8) whose shard count may exceed the
// code alphabet, handled by interleaved sub-grouping. Any numReal of the
// numReal+numParity shards of a frame suffice to reconstruct it.
//
// Each real shard is framed as a 2-byte little-endian length prefix followed
// by the payload; the prefix rides inside the coded region so a recovered
// shard knows its own length. Real shards travel unpadded; parity shards are
// always full payload size, so whenever recovery is actually needed the
// receiver can re-derive the coded shard length from any parity shard.
package fec

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

const (
	// LengthPrefixSize is the per-real-shard length header.
	LengthPrefixSize = 2

	// MaxShardData caps a single real shard's payload, as bounded by the
	// 16-bit length prefix.
	MaxShardData = 1<<16 - 1
)

// ErrNotReady is returned by Decoder.Decode while some sub-group is still
// short of shards. It signals "feed me more", not failure.
var ErrNotReady = errors.New("fec: not yet decodable")

// NumParityShards converts a parity fraction in (0, 0.5] to the parity shard
// count for numReal real shards, rounding up.
func NumParityShards(numReal int, ratio float64) int {
	if ratio <= 0 {
		return 0
	}
	return int(math.Ceil(float64(numReal) * ratio / (1 - ratio)))
}

// NumRealShards returns the real shard count needed to carry frameLen bytes
// when each shard holds at most maxShardSize bytes including its length
// prefix. A zero-length frame still occupies one shard.
func NumRealShards(frameLen, maxShardSize int) int {
	if frameLen == 0 {
		return 1
	}
	return ceilDiv(frameLen, maxShardSize-LengthPrefixSize)
}

// SplitFrame cuts frame into count nearly-even segments, the layout the
// encoder expects. Segments alias frame.
func SplitFrame(frame []byte, count int) [][]byte {
	segs := make([][]byte, 0, count)
	if count == 1 {
		return append(segs, frame)
	}
	per := ceilDiv(len(frame), count)
	for off := 0; off < len(frame); off += per {
		end := off + per
		if end > len(frame) {
			end = len(frame)
		}
		segs = append(segs, frame[off:end])
	}
	// a frame shorter than count bytes leaves empty tail segments
	for len(segs) < count {
		segs = append(segs, nil)
	}
	return segs
}

// Encoder produces the parity shards for one frame. It lives exactly one
// frame: register all numReal real payloads in any order, then read the
// encoded shards out.
type Encoder struct {
	w            *rsWrapper
	maxShardSize int
	shards       [][]byte // coded buffers, real then parity
	maxData      int      // largest registered payload
	registered   int
	encoded      bool
}

// NewEncoder builds an encoder for numReal real and numParity parity shards
// of at most maxShardSize bytes each (prefix included).
func NewEncoder(numReal, numParity, maxShardSize int) (*Encoder, error) {
	if maxShardSize < LengthPrefixSize {
		return nil, errors.Errorf("fec: shard size %d below prefix size", maxShardSize)
	}
	if maxShardSize-LengthPrefixSize > MaxShardData {
		return nil, errors.Errorf("fec: shard size %d exceeds length prefix cap", maxShardSize)
	}
	w, err := newRSWrapper(numReal, numParity)
	if err != nil {
		return nil, err
	}
	total := numReal + numParity
	return &Encoder{
		w:            w,
		maxShardSize: maxShardSize,
		shards:       make([][]byte, total),
	}, nil
}

// Register accepts the payload for real shard index. Duplicate registration
// and oversized payloads are errors.
func (e *Encoder) Register(index int, data []byte) error {
	if index < 0 || index >= e.w.numReal {
		return errors.Errorf("fec: real index %d out of range [0,%d)", index, e.w.numReal)
	}
	if e.shards[index] != nil {
		return errors.Errorf("fec: duplicate register of real index %d", index)
	}
	if len(data) > e.maxShardSize-LengthPrefixSize {
		return errors.Errorf("fec: payload %d exceeds shard capacity %d",
			len(data), e.maxShardSize-LengthPrefixSize)
	}
	buf := make([]byte, LengthPrefixSize+len(data))
	binary.LittleEndian.PutUint16(buf, uint16(len(data)))
	copy(buf[LengthPrefixSize:], data)
	e.shards[index] = buf
	if len(data) > e.maxData {
		e.maxData = len(data)
	}
	e.registered++
	return nil
}

// Shards performs the encode on first call and returns all numReal+numParity
// shard buffers: real shards carry prefix+payload unpadded, parity shards
// are uniformly LengthPrefixSize+maxData long.
func (e *Encoder) Shards() ([][]byte, error) {
	if e.registered != e.w.numReal {
		return nil, errors.Errorf("fec: %d of %d real shards registered", e.registered, e.w.numReal)
	}
	if e.encoded {
		return e.shards, nil
	}
	payloadSize := LengthPrefixSize + e.maxData

	// The code runs over equal-length buffers; pad the real shards up for
	// the duration of the encode.
	padded := make([][]byte, 0, e.w.numReal)
	for i := 0; i < e.w.numReal; i++ {
		p := make([]byte, payloadSize)
		copy(p, e.shards[i])
		padded = append(padded, p)
	}
	for i := e.w.numReal; i < len(e.shards); i++ {
		e.shards[i] = make([]byte, payloadSize)
	}

	scratch := make([][]byte, 0, e.w.maxGroupReal+e.w.numParity)
	for g := 0; g < e.w.numGroups; g++ {
		gi := e.w.groups[g]
		if gi.numParity == 0 {
			continue
		}
		scratch = scratch[:0]
		for pos := 0; pos < gi.numReal; pos++ {
			scratch = append(scratch, padded[e.w.subToIndex(g, pos)])
		}
		for pos := gi.numReal; pos < gi.numReal+gi.numParity; pos++ {
			scratch = append(scratch, e.shards[e.w.subToIndex(g, pos)])
		}
		if err := e.w.codecs[g].Encode(scratch); err != nil {
			return nil, errors.Wrapf(err, "fec: encode sub-group %d", g)
		}
	}
	e.encoded = true
	return e.shards, nil
}

// Decoder reconstructs one frame from any sufficient subset of its shards.
// It lives exactly one frame.
type Decoder struct {
	w            *rsWrapper
	maxShardSize int
	shards       [][]byte
	sizes        []int // -1 while absent
	maxSize      int   // largest received shard
	realReceived int
	recovered    bool
}

// NewDecoder builds a decoder for the same parameters the frame was encoded
// with.
func NewDecoder(numReal, numParity, maxShardSize int) (*Decoder, error) {
	if maxShardSize < LengthPrefixSize {
		return nil, errors.Errorf("fec: shard size %d below prefix size", maxShardSize)
	}
	w, err := newRSWrapper(numReal, numParity)
	if err != nil {
		return nil, err
	}
	total := numReal + numParity
	sizes := make([]int, total)
	for i := range sizes {
		sizes[i] = -1
	}
	return &Decoder{
		w:            w,
		maxShardSize: maxShardSize,
		shards:       make([][]byte, total),
		sizes:        sizes,
	}, nil
}

// Register accepts one received shard, real or parity, in any order. The
// shard is retained, not copied.
func (d *Decoder) Register(index int, shard []byte) error {
	total := d.w.numReal + d.w.numParity
	if index < 0 || index >= total {
		return errors.Errorf("fec: shard index %d out of range [0,%d)", index, total)
	}
	if d.sizes[index] != -1 {
		return errors.Errorf("fec: duplicate register of shard index %d", index)
	}
	if len(shard) > d.maxShardSize {
		return errors.Errorf("fec: shard size %d exceeds max %d", len(shard), d.maxShardSize)
	}
	if d.recovered {
		// Late arrivals after a successful recovery carry nothing new.
		return nil
	}
	d.shards[index] = shard
	d.sizes[index] = len(shard)
	if len(shard) > d.maxSize {
		d.maxSize = len(shard)
	}
	if index < d.w.numReal {
		d.realReceived++
	}
	d.w.registerIndex(index)
	return nil
}

// Ready reports whether enough shards have arrived for Decode to succeed.
func (d *Decoder) Ready() bool {
	return d.recovered || d.w.canDecode()
}

// Decode writes the reconstructed frame into dst and returns its length.
// While shards are missing it returns ErrNotReady.
func (d *Decoder) Decode(dst []byte) (int, error) {
	if !d.Ready() {
		return 0, ErrNotReady
	}

	// Recovery runs only when a real shard is actually missing; a complete
	// real set concatenates directly.
	if d.realReceived != d.w.numReal && !d.recovered {
		if err := d.reconstruct(); err != nil {
			return 0, err
		}
	}
	d.recovered = true

	n := 0
	for i := 0; i < d.w.numReal; i++ {
		shard := d.shards[i]
		if len(shard) < LengthPrefixSize {
			return 0, errors.Errorf("fec: real shard %d shorter than prefix", i)
		}
		size := int(binary.LittleEndian.Uint16(shard))
		if LengthPrefixSize+size > len(shard) {
			return 0, errors.Errorf("fec: real shard %d length %d exceeds buffer", i, size)
		}
		if dst != nil {
			copy(dst[n:], shard[LengthPrefixSize:LengthPrefixSize+size])
		}
		n += size
	}
	return n, nil
}

// DecodedSize returns the frame length without copying. Valid once Ready.
func (d *Decoder) DecodedSize() (int, error) {
	return d.Decode(nil)
}

func (d *Decoder) reconstruct() error {
	// Every group needing recovery holds at least one parity shard, and
	// parity shards are full coded length, so maxSize is the coded length.
	scratch := make([][]byte, 0, d.w.maxGroupReal+d.w.numParity)
	for g := 0; g < d.w.numGroups; g++ {
		gi := d.w.groups[g]
		groupTotal := gi.numReal + gi.numParity
		scratch = scratch[:0]
		missingReal := false
		for pos := 0; pos < groupTotal; pos++ {
			idx := d.w.subToIndex(g, pos)
			if d.sizes[idx] == -1 {
				scratch = append(scratch, nil)
				if pos < gi.numReal {
					missingReal = true
				}
				continue
			}
			buf := d.shards[idx]
			if len(buf) < d.maxSize {
				p := make([]byte, d.maxSize)
				copy(p, buf)
				buf = p
			}
			scratch = append(scratch, buf)
		}
		if !missingReal {
			continue
		}
		if err := d.w.codecs[g].ReconstructData(scratch); err != nil {
			return errors.Wrapf(err, "fec: reconstruct sub-group %d", g)
		}
		for pos := 0; pos < gi.numReal; pos++ {
			idx := d.w.subToIndex(g, pos)
			if d.sizes[idx] == -1 {
				d.shards[idx] = scratch[pos]
				d.sizes[idx] = len(scratch[pos])
			}
		}
	}
	return nil
}
