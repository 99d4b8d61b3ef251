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

package wire

import (
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// MsgType identifies a typed control message. Control messages travel either
// in the payload of a control shard (2-byte length prefix) or on the TCP
// stream (4-byte length prefix).
type MsgType uint8

const (
	MsgNackSingle MsgType = iota + 1
	MsgNackBitmap
	MsgRecoveryPointRequest
	MsgDimensionsChange
	MsgNetworkSettings
	MsgQuit
	MsgPing
	MsgPong
	MsgHandshake
	MsgHandshakeReply
	MsgClipboard
	MsgFileChunk
)

// NackSingle requests retransmission of one shard.
type NackSingle struct {
	Kind    Kind   `cbor:"1,keyasint"`
	FrameID uint32 `cbor:"2,keyasint"`
	Index   uint16 `cbor:"3,keyasint"`
}

// NackBitmap requests retransmission of every shard whose bit is set,
// starting at Index.
type NackBitmap struct {
	Kind    Kind   `cbor:"1,keyasint"`
	FrameID uint32 `cbor:"2,keyasint"`
	Index   uint16 `cbor:"3,keyasint"`
	NumBits uint16 `cbor:"4,keyasint"`
	Bits    []byte `cbor:"5,keyasint"`
}

// RecoveryPointRequest asks the sender for a frame that is decodable without
// reference to any earlier frame.
type RecoveryPointRequest struct {
	Kind Kind `cbor:"1,keyasint"`
}

// DimensionsChange informs the sender of the client's output geometry.
type DimensionsChange struct {
	Width  uint16 `cbor:"1,keyasint"`
	Height uint16 `cbor:"2,keyasint"`
	DPI    uint16 `cbor:"3,keyasint"`
}

// NetworkSettings is the feedback record produced by the congestion
// controller and consumed by the sender.
type NetworkSettings struct {
	Bitrate       int     `cbor:"1,keyasint"`
	BurstBitrate  int     `cbor:"2,keyasint"`
	FPS           int     `cbor:"3,keyasint"`
	VideoFECRatio float64 `cbor:"4,keyasint"`
	AudioFECRatio float64 `cbor:"5,keyasint"`
	CodecID       uint16  `cbor:"6,keyasint"`
}

// Ping is the keepalive probe; Pong echoes its id.
type Ping struct {
	ID uint32 `cbor:"1,keyasint"`
}

type Pong struct {
	ID uint32 `cbor:"1,keyasint"`
}

// Handshake opens a session on the TCP channel.
type Handshake struct {
	ClientID string `cbor:"1,keyasint"`
	Version  uint16 `cbor:"2,keyasint"`
	User     string `cbor:"3,keyasint"`
}

// HandshakeReply carries the server's session assignment.
type HandshakeReply struct {
	ClientID   string `cbor:"1,keyasint"`
	UDPPort    uint16 `cbor:"2,keyasint"`
	TCPPort    uint16 `cbor:"3,keyasint"`
	SampleRate int    `cbor:"4,keyasint"`
}

// Clipboard carries one clipboard update in either direction.
type Clipboard struct {
	MIME string `cbor:"1,keyasint"`
	Data []byte `cbor:"2,keyasint"`
}

// FileChunk carries one segment of a file transfer.
type FileChunk struct {
	TransferID uint32 `cbor:"1,keyasint"`
	Name       string `cbor:"2,keyasint"`
	Offset     uint64 `cbor:"3,keyasint"`
	Data       []byte `cbor:"4,keyasint"`
	Last       bool   `cbor:"5,keyasint"`
}

var cborEnc cbor.EncMode

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// MarshalMsg encodes a typed message as a type byte followed by the CBOR
// body.
func MarshalMsg(t MsgType, body interface{}) ([]byte, error) {
	raw, err := cborEnc.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal control body")
	}
	out := make([]byte, 0, 1+len(raw))
	out = append(out, byte(t))
	return append(out, raw...), nil
}

// UnmarshalMsg decodes the type byte and returns the raw CBOR body for
// DecodeBody.
func UnmarshalMsg(b []byte) (MsgType, []byte, error) {
	if len(b) < 1 {
		return 0, nil, errors.New("empty control message")
	}
	t := MsgType(b[0])
	if t < MsgNackSingle || t > MsgFileChunk {
		return 0, nil, errors.Errorf("unknown control message type %d", b[0])
	}
	return t, b[1:], nil
}

// DecodeBody unmarshals a CBOR body into dst.
func DecodeBody(raw []byte, dst interface{}) error {
	return errors.Wrap(cbor.Unmarshal(raw, dst), "decode control body")
}

// MarshalControlShardPayload wraps a typed message with the 2-byte length
// prefix used inside a control shard.
func MarshalControlShardPayload(t MsgType, body interface{}) ([]byte, error) {
	msg, err := MarshalMsg(t, body)
	if err != nil {
		return nil, err
	}
	if len(msg) > MaxShardPayload-2 {
		return nil, errors.Errorf("control message too large: %d bytes", len(msg))
	}
	out := make([]byte, 2, 2+len(msg))
	binary.LittleEndian.PutUint16(out, uint16(len(msg)))
	return append(out, msg...), nil
}

// UnmarshalControlShardPayload strips the 2-byte length prefix and returns
// the typed message.
func UnmarshalControlShardPayload(b []byte) (MsgType, []byte, error) {
	if len(b) < 2 {
		return 0, nil, errors.New("short control payload")
	}
	n := int(binary.LittleEndian.Uint16(b))
	if 2+n > len(b) {
		return 0, nil, errors.Errorf("control payload length %d exceeds %d", n, len(b)-2)
	}
	return UnmarshalMsg(b[2 : 2+n])
}
