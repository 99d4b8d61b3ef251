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

package fec

import (
	"sync"

	"github.com/klauspost/reedsolomon"
	"github.com/pkg/errors"
)

// maxGroupSize bounds the total shard count of one Reed-Solomon code; a
// frame whose shard count exceeds it is split into interleaved sub-groups,
// each an independent code.
const maxGroupSize = 255

// indexInfo locates a frame-global shard index inside its sub-group.
type indexInfo struct {
	group int
	pos   int
}

type groupInfo struct {
	numReal    int
	numParity  int
	registered int
}

// rsWrapper distributes a (numReal, numParity) code over as many sub-groups
// as the alphabet requires. Sub-group g takes real indices g, g+G, g+2G, ...
// and parity indices analogously, so loss bursts spread across groups.
type rsWrapper struct {
	numGroups int
	numReal   int
	numParity int
	groups    []groupInfo
	codecs    []reedsolomon.Encoder

	// groups still short of their own numReal registered shards
	pendingGroups int
	// largest per-group real count, for scratch sizing
	maxGroupReal int
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func newRSWrapper(numReal, numParity int) (*rsWrapper, error) {
	if numReal <= 0 {
		return nil, errors.Errorf("fec: need at least one real shard, got %d", numReal)
	}
	if numParity < 0 {
		return nil, errors.Errorf("fec: negative parity count %d", numParity)
	}
	total := numReal + numParity
	numGroups := ceilDiv(total, maxGroupSize)
	if numGroups > numReal {
		// A sub-group would receive zero real shards, which can only happen
		// with a parity ratio far beyond anything the sender may request.
		return nil, errors.Errorf("fec: ratio %d/%d leaves a sub-group without real shards", numParity, total)
	}

	w := &rsWrapper{
		numGroups: numGroups,
		numReal:   numReal,
		numParity: numParity,
		groups:    make([]groupInfo, numGroups),
		codecs:    make([]reedsolomon.Encoder, numGroups),
	}
	for g := 0; g < numGroups; g++ {
		w.groups[g].numReal = ceilDiv(numReal-g, numGroups)
		w.groups[g].numParity = ceilDiv(numParity-g, numGroups)
		if w.groups[g].numReal > w.maxGroupReal {
			w.maxGroupReal = w.groups[g].numReal
		}
		if w.groups[g].numParity > 0 {
			codec, err := cachedCodec(w.groups[g].numReal, w.groups[g].numParity)
			if err != nil {
				return nil, err
			}
			w.codecs[g] = codec
		}
	}
	w.pendingGroups = numGroups
	return w, nil
}

// indexToSub maps a frame-global shard index to its sub-group and position.
func (w *rsWrapper) indexToSub(index int) indexInfo {
	if index < w.numReal {
		return indexInfo{group: index % w.numGroups, pos: index / w.numGroups}
	}
	j := index - w.numReal
	g := j % w.numGroups
	return indexInfo{group: g, pos: w.groups[g].numReal + j/w.numGroups}
}

// subToIndex is the inverse of indexToSub.
func (w *rsWrapper) subToIndex(group, pos int) int {
	if pos < w.groups[group].numReal {
		return group + pos*w.numGroups
	}
	j := group + (pos-w.groups[group].numReal)*w.numGroups
	return w.numReal + j
}

// registerIndex records one received shard for decodability tracking.
func (w *rsWrapper) registerIndex(index int) {
	info := w.indexToSub(index)
	g := &w.groups[info.group]
	g.registered++
	if g.registered == g.numReal {
		w.pendingGroups--
	}
}

// canDecode reports whether every sub-group has received at least its own
// real-shard count.
func (w *rsWrapper) canDecode() bool {
	return w.pendingGroups <= 0
}

// The per-(k,n) codec table is shared process-wide: generator matrices are
// identical for equal parameters and reedsolomon.Encoder is safe for
// concurrent use.
var (
	codecCacheOnce sync.Once
	codecCache     *sync.Map
)

func cachedCodec(numReal, numParity int) (reedsolomon.Encoder, error) {
	codecCacheOnce.Do(func() {
		codecCache = new(sync.Map)
	})
	key := [2]int{numReal, numParity}
	if v, ok := codecCache.Load(key); ok {
		return v.(reedsolomon.Encoder), nil
	}
	codec, err := reedsolomon.New(numReal, numParity)
	if err != nil {
		return nil, errors.Wrapf(err, "fec: new codec (%d,%d)", numReal, numParity)
	}
	v, _ := codecCache.LoadOrStore(key, codec)
	return v.(reedsolomon.Encoder), nil
}
