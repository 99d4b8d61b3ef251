package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardRoundTrip(t *testing.T) {
	s := Shard{
		Kind:      KindVideo,
		FrameID:   0xdeadbeef,
		SendID:    42,
		Index:     3,
		Total:     12,
		IsNack:    true,
		NumParity: 4,
		Payload:   []byte("segment"),
	}
	raw := MarshalShard(nil, &s)
	require.Equal(t, ShardHeaderSize+len(s.Payload), len(raw))

	var got Shard
	require.NoError(t, UnmarshalShard(raw, &got))
	assert.Equal(t, s, got)
	assert.False(t, got.IsParity())

	got.Index = 8
	assert.True(t, got.IsParity())
}

func TestShardRejectsMalformed(t *testing.T) {
	var s Shard
	if err := UnmarshalShard([]byte{1, 2, 3}, &s); err == nil {
		t.Fatal("short datagram accepted")
	}

	// index beyond declared total
	bad := MarshalShard(nil, &Shard{Kind: KindAudio, Index: 5, Total: 4, Payload: []byte("x")})
	if err := UnmarshalShard(bad, &s); err == nil {
		t.Fatal("out-of-range index accepted")
	}

	// unknown stream kind
	bad = MarshalShard(nil, &Shard{Kind: Kind(9), Index: 0, Total: 1})
	if err := UnmarshalShard(bad, &s); err == nil {
		t.Fatal("unknown kind accepted")
	}
}

func TestControlMessageRoundTrip(t *testing.T) {
	payload, err := MarshalControlShardPayload(MsgNackBitmap, &NackBitmap{
		Kind:    KindVideo,
		FrameID: 77,
		Index:   2,
		NumBits: 10,
		Bits:    []byte{0xff, 0x03},
	})
	require.NoError(t, err)

	typ, raw, err := UnmarshalControlShardPayload(payload)
	require.NoError(t, err)
	require.Equal(t, MsgNackBitmap, typ)

	var nb NackBitmap
	require.NoError(t, DecodeBody(raw, &nb))
	assert.Equal(t, uint32(77), nb.FrameID)
	assert.Equal(t, uint16(10), nb.NumBits)
	assert.Equal(t, []byte{0xff, 0x03}, nb.Bits)
}

func TestVideoFrameRoundTrip(t *testing.T) {
	f := VideoFrame{
		HasCursor:       true,
		IsWindowVisible: true,
		Type:            FrameNormal,
		Width:           1920,
		Height:          1080,
		CodecID:         1,
		FrameID:         123,
		Windows: []WindowDescriptor{
			{ID: 700, X: 10, Y: 20, W: 640, H: 480, CornerColor: RGB{1, 2, 3}, Flags: 1},
			{ID: 1 << 40, X: 0, Y: 0, W: 1920, H: 1080},
		},
		CornerColor:          RGB{250, 250, 250},
		ClientInputTimestamp: 1234567,
		ServerTimestamp:      7654321,
		Data:                 []byte("h264 bytestream"),
	}
	raw := MarshalVideoFrame(nil, &f)

	var got VideoFrame
	require.NoError(t, UnmarshalVideoFrame(raw, &got))
	assert.Equal(t, f, got)
	assert.False(t, FrameIsRecoveryPoint(raw))
}

func TestEmptyFrameIsOneByte(t *testing.T) {
	raw := MarshalVideoFrame(nil, &VideoFrame{IsEmpty: true, HasCursor: true})
	require.Len(t, raw, 1)

	var got VideoFrame
	require.NoError(t, UnmarshalVideoFrame(raw, &got))
	assert.True(t, got.IsEmpty)
	assert.True(t, got.HasCursor)
	assert.Nil(t, got.Data)
}

func TestFrameIsRecoveryPoint(t *testing.T) {
	raw := MarshalVideoFrame(nil, &VideoFrame{Type: FrameRecoveryPoint, Data: []byte{1}})
	assert.True(t, FrameIsRecoveryPoint(raw))

	raw = MarshalVideoFrame(nil, &VideoFrame{Type: FrameNormal, Data: []byte{1}})
	assert.False(t, FrameIsRecoveryPoint(raw))

	raw = MarshalVideoFrame(nil, &VideoFrame{IsEmpty: true})
	assert.False(t, FrameIsRecoveryPoint(raw))
}
