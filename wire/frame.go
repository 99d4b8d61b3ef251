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

	"github.com/pkg/errors"
)

// FrameType classifies a video frame's decode dependency.
type FrameType uint8

const (
	// FrameRecoveryPoint is self-decodable without reference to any earlier
	// frame (an intra/IDR frame).
	FrameRecoveryPoint FrameType = iota
	FrameNormal
	FrameIntra
)

const (
	frameFlagHasCursor     = 1 << 0
	frameFlagEmpty         = 1 << 1
	frameFlagWindowVisible = 1 << 2
)

// DisabledEncoderFPS is the rate at which the sender emits empty keepalive
// frames while its content is static.
const DisabledEncoderFPS = 10

// RGB is a packed corner color.
type RGB struct {
	R, G, B uint8
}

// WindowDescriptor describes one server-side window within a frame.
type WindowDescriptor struct {
	ID          uint64
	X, Y        uint16
	W, H        uint16
	CornerColor RGB
	Flags       uint8
}

// VideoFrame is the decoded header of an encoded frame container plus the
// codec bytestream. An empty frame carries only the flags byte and exists as
// a keepalive while the encoder is idle.
type VideoFrame struct {
	HasCursor       bool
	IsEmpty         bool
	IsWindowVisible bool

	Type        FrameType
	Width       uint16
	Height      uint16
	CodecID     uint16
	FrameID     uint32
	Windows     []WindowDescriptor
	CornerColor RGB

	// Microsecond timestamps used for end-to-end latency accounting.
	ClientInputTimestamp uint64
	ServerTimestamp      uint64

	// Data is the codec-specific encoded bytestream.
	Data []byte
}

// MarshalVideoFrame appends the serialized container to dst.
func MarshalVideoFrame(dst []byte, f *VideoFrame) []byte {
	var flags byte
	if f.HasCursor {
		flags |= frameFlagHasCursor
	}
	if f.IsEmpty {
		flags |= frameFlagEmpty
	}
	if f.IsWindowVisible {
		flags |= frameFlagWindowVisible
	}
	dst = append(dst, flags)
	if f.IsEmpty {
		return dst
	}

	dst = append(dst, byte(f.Type))
	dst = binary.LittleEndian.AppendUint16(dst, f.Width)
	dst = binary.LittleEndian.AppendUint16(dst, f.Height)
	dst = binary.LittleEndian.AppendUint16(dst, f.CodecID)
	dst = binary.LittleEndian.AppendUint32(dst, f.FrameID)

	dst = append(dst, byte(len(f.Windows)))
	for i := range f.Windows {
		w := &f.Windows[i]
		dst = binary.AppendUvarint(dst, w.ID)
		dst = binary.LittleEndian.AppendUint16(dst, w.X)
		dst = binary.LittleEndian.AppendUint16(dst, w.Y)
		dst = binary.LittleEndian.AppendUint16(dst, w.W)
		dst = binary.LittleEndian.AppendUint16(dst, w.H)
		dst = append(dst, w.CornerColor.R, w.CornerColor.G, w.CornerColor.B)
		dst = append(dst, w.Flags)
	}
	dst = append(dst, f.CornerColor.R, f.CornerColor.G, f.CornerColor.B)
	dst = binary.LittleEndian.AppendUint64(dst, f.ClientInputTimestamp)
	dst = binary.LittleEndian.AppendUint64(dst, f.ServerTimestamp)
	return append(dst, f.Data...)
}

// UnmarshalVideoFrame parses a serialized container. Data aliases b.
func UnmarshalVideoFrame(b []byte, f *VideoFrame) error {
	if len(b) < 1 {
		return errors.New("empty frame container")
	}
	flags := b[0]
	f.HasCursor = flags&frameFlagHasCursor != 0
	f.IsEmpty = flags&frameFlagEmpty != 0
	f.IsWindowVisible = flags&frameFlagWindowVisible != 0
	if f.IsEmpty {
		f.Data = nil
		return nil
	}
	b = b[1:]

	if len(b) < 12 {
		return errors.New("truncated frame header")
	}
	f.Type = FrameType(b[0])
	f.Width = binary.LittleEndian.Uint16(b[1:])
	f.Height = binary.LittleEndian.Uint16(b[3:])
	f.CodecID = binary.LittleEndian.Uint16(b[5:])
	f.FrameID = binary.LittleEndian.Uint32(b[7:])
	count := int(b[11])
	b = b[12:]

	f.Windows = f.Windows[:0]
	for i := 0; i < count; i++ {
		id, n := binary.Uvarint(b)
		if n <= 0 || len(b[n:]) < 12 {
			return errors.New("truncated window descriptor")
		}
		b = b[n:]
		f.Windows = append(f.Windows, WindowDescriptor{
			ID: id,
			X:  binary.LittleEndian.Uint16(b[0:]),
			Y:  binary.LittleEndian.Uint16(b[2:]),
			W:  binary.LittleEndian.Uint16(b[4:]),
			H:  binary.LittleEndian.Uint16(b[6:]),
			CornerColor: RGB{
				R: b[8], G: b[9], B: b[10],
			},
			Flags: b[11],
		})
		b = b[12:]
	}

	if len(b) < 19 {
		return errors.New("truncated frame trailer")
	}
	f.CornerColor = RGB{R: b[0], G: b[1], B: b[2]}
	f.ClientInputTimestamp = binary.LittleEndian.Uint64(b[3:])
	f.ServerTimestamp = binary.LittleEndian.Uint64(b[11:])
	f.Data = b[19:]
	return nil
}

// FrameIsRecoveryPoint peeks at a serialized container and reports whether it
// holds a recovery-point frame, without parsing the whole header. Used by the
// reassembly path to decide on catch-up skips.
func FrameIsRecoveryPoint(b []byte) bool {
	if len(b) < 2 || b[0]&frameFlagEmpty != 0 {
		return false
	}
	return FrameType(b[1]) == FrameRecoveryPoint || FrameType(b[1]) == FrameIntra
}
