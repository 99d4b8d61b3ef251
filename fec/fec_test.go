package fec

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const testShardSize = 1334

func encodeFrame(t *testing.T, frame []byte, numReal, numParity, shardSize int) [][]byte {
	t.Helper()
	enc, err := NewEncoder(numReal, numParity, shardSize)
	require.NoError(t, err)
	for i, seg := range SplitFrame(frame, numReal) {
		require.NoError(t, enc.Register(i, seg))
	}
	shards, err := enc.Shards()
	require.NoError(t, err)
	require.Len(t, shards, numReal+numParity)
	return shards
}

func TestRoundTripNoLoss(t *testing.T) {
	frame := make([]byte, 10000)
	rand.New(rand.NewSource(1)).Read(frame)

	shards := encodeFrame(t, frame, 8, 2, testShardSize)
	dec, err := NewDecoder(8, 2, testShardSize)
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		require.NoError(t, dec.Register(i, shards[i]))
	}
	require.True(t, dec.Ready())

	out := make([]byte, len(frame))
	n, err := dec.Decode(out)
	require.NoError(t, err)
	assert.Equal(t, frame, out[:n])
}

func TestRoundTripWithParityOnly(t *testing.T) {
	// every real shard lost except what parity can rebuild
	frame := make([]byte, 4000)
	rand.New(rand.NewSource(2)).Read(frame)

	shards := encodeFrame(t, frame, 4, 4, testShardSize)
	dec, err := NewDecoder(4, 4, testShardSize)
	require.NoError(t, err)
	for i := 4; i < 8; i++ {
		require.NoError(t, dec.Register(i, shards[i]))
	}
	require.True(t, dec.Ready())

	out := make([]byte, len(frame))
	n, err := dec.Decode(out)
	require.NoError(t, err)
	assert.Equal(t, frame, out[:n])
}

func TestNotReadyUntilEnoughShards(t *testing.T) {
	frame := make([]byte, 5000)
	rand.New(rand.NewSource(3)).Read(frame)

	shards := encodeFrame(t, frame, 5, 2, testShardSize)
	dec, err := NewDecoder(5, 2, testShardSize)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, dec.Register(i, shards[i]))
		require.False(t, dec.Ready())
		_, err := dec.Decode(nil)
		require.ErrorIs(t, err, ErrNotReady)
	}
	require.NoError(t, dec.Register(6, shards[6]))
	require.True(t, dec.Ready())

	out := make([]byte, len(frame))
	n, err := dec.Decode(out)
	require.NoError(t, err)
	assert.Equal(t, frame, out[:n])
}

func TestSubGroupedLargeFrame(t *testing.T) {
	// 300 real + 60 parity forces two interleaved sub-groups.
	numReal, numParity := 300, 60
	frame := make([]byte, numReal*(testShardSize-LengthPrefixSize))
	rand.New(rand.NewSource(4)).Read(frame)

	shards := encodeFrame(t, frame, numReal, numParity, testShardSize)

	// Drop one real shard per sub-group plus a few more, keep parity.
	dec, err := NewDecoder(numReal, numParity, testShardSize)
	require.NoError(t, err)
	dropped := map[int]bool{0: true, 1: true, 150: true, 151: true}
	for i := range shards {
		if dropped[i] {
			continue
		}
		require.NoError(t, dec.Register(i, shards[i]))
	}
	require.True(t, dec.Ready())

	out := make([]byte, len(frame))
	n, err := dec.Decode(out)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(frame, out[:n]))
}

func TestSubGroupInvariant(t *testing.T) {
	// A frame is recoverable iff every sub-group has its own real count.
	numReal, numParity := 200, 100 // total 300 -> 2 sub-groups
	frame := make([]byte, 60000)
	rand.New(rand.NewSource(5)).Read(frame)
	shards := encodeFrame(t, frame, numReal, numParity, testShardSize)

	dec, err := NewDecoder(numReal, numParity, testShardSize)
	require.NoError(t, err)

	// Feed enough shards overall (numReal+20), but keep sub-group 1 short:
	// all 150 even indices go to sub-group 0, and only 70 of sub-group 1's
	// odd indices follow. The decoder must not report ready.
	fed := 0
	for i := 0; i < numReal+numParity; i += 2 {
		require.NoError(t, dec.Register(i, shards[i]))
		fed++
	}
	for i := 1; fed < numReal+20; i += 2 {
		require.NoError(t, dec.Register(i, shards[i]))
		fed++
	}
	assert.False(t, dec.Ready())
	_, err = dec.Decode(nil)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestPathologicalRatioRejected(t *testing.T) {
	// More sub-groups than real shards cannot be laid out.
	_, err := NewEncoder(1, 300, testShardSize)
	assert.Error(t, err)
}

func TestDuplicateRegisterRejected(t *testing.T) {
	enc, err := NewEncoder(2, 1, testShardSize)
	require.NoError(t, err)
	require.NoError(t, enc.Register(0, []byte("a")))
	assert.Error(t, enc.Register(0, []byte("b")))

	dec, err := NewDecoder(2, 1, testShardSize)
	require.NoError(t, err)
	require.NoError(t, dec.Register(0, []byte{1, 0, 'a'}))
	assert.Error(t, dec.Register(0, []byte{1, 0, 'a'}))
}

func TestOversizedInputsRejected(t *testing.T) {
	enc, err := NewEncoder(2, 1, testShardSize)
	require.NoError(t, err)
	assert.Error(t, enc.Register(0, make([]byte, testShardSize)))

	_, err = NewEncoder(2, 1, MaxShardData+LengthPrefixSize+1)
	assert.Error(t, err)
}

func TestZeroLengthFrame(t *testing.T) {
	shards := encodeFrame(t, nil, 1, 1, testShardSize)

	dec, err := NewDecoder(1, 1, testShardSize)
	require.NoError(t, err)
	require.NoError(t, dec.Register(1, shards[1]))
	require.True(t, dec.Ready())
	n, err := dec.Decode(nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// Property 3 of the acceptance suite: the encode/decode round trip is the
// identity for every buffer size and every ratio in (0, 0.5], over any
// sufficient shard subset in any order.
func TestRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		shardSize := rapid.IntRange(8, 256).Draw(t, "shardSize")
		numReal := rapid.IntRange(1, 64).Draw(t, "numReal")
		ratio := rapid.Float64Range(0.01, 0.5).Draw(t, "ratio")
		numParity := NumParityShards(numReal, ratio)

		maxFrame := numReal * (shardSize - LengthPrefixSize)
		frameLen := rapid.IntRange(1, maxFrame).Draw(t, "frameLen")
		frame := make([]byte, frameLen)
		rand.New(rand.NewSource(rapid.Int64().Draw(t, "seed"))).Read(frame)

		enc, err := NewEncoder(numReal, numParity, shardSize)
		if err != nil {
			t.Skip() // pathological sub-group layout
		}
		segs := SplitFrame(frame, numReal)
		if len(segs) != numReal {
			t.Fatalf("split produced %d of %d segments", len(segs), numReal)
		}
		for i, seg := range segs {
			if err := enc.Register(i, seg); err != nil {
				t.Fatalf("register %d: %v", i, err)
			}
		}
		shards, err := enc.Shards()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}

		// Deliver a random sufficient subset in random order.
		total := numReal + numParity
		order := rapid.SliceOfNDistinct(rapid.IntRange(0, total-1), total, total,
			func(i int) int { return i }).Draw(t, "order")

		dec, err := NewDecoder(numReal, numParity, shardSize)
		if err != nil {
			t.Fatalf("new decoder: %v", err)
		}
		decoded := false
		out := make([]byte, frameLen)
		for _, idx := range order {
			if err := dec.Register(idx, shards[idx]); err != nil {
				t.Fatalf("register shard %d: %v", idx, err)
			}
			if dec.Ready() {
				n, err := dec.Decode(out)
				if err != nil {
					t.Fatalf("decode: %v", err)
				}
				if !bytes.Equal(frame, out[:n]) {
					t.Fatalf("round trip mismatch: %d in, %d out", frameLen, n)
				}
				decoded = true
				break
			}
		}
		if !decoded {
			t.Fatal("decoder never became ready with all shards delivered")
		}
	})
}

func TestIndexMappingBijective(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		numReal := rapid.IntRange(1, 600).Draw(t, "numReal")
		numParity := rapid.IntRange(0, numReal/2+1).Draw(t, "numParity")
		w, err := newRSWrapper(numReal, numParity)
		if err != nil {
			t.Skip()
		}
		seen := make(map[indexInfo]bool)
		for i := 0; i < numReal+numParity; i++ {
			info := w.indexToSub(i)
			if seen[info] {
				t.Fatalf("index %d collides at %+v", i, info)
			}
			seen[info] = true
			if back := w.subToIndex(info.group, info.pos); back != i {
				t.Fatalf("index %d maps to %+v maps back to %d", i, info, back)
			}
			isParity := i >= numReal
			if got := info.pos >= w.groups[info.group].numReal; got != isParity {
				t.Fatalf("index %d parity classification wrong", i)
			}
		}
	})
}
