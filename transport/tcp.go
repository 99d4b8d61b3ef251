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

package transport

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/xtaci/smux"

	"github.com/farview/farview/wire"
)

// maxTCPMessage bounds one framed control message.
const maxTCPMessage = 16 << 20

// WriteMsg frames a typed message with the 4-byte little-endian length
// prefix used on the TCP channel.
func WriteMsg(w io.Writer, t wire.MsgType, body interface{}) error {
	msg, err := wire.MarshalMsg(t, body)
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(msg)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "tcp write")
	}
	_, err = w.Write(msg)
	return errors.Wrap(err, "tcp write")
}

// ReadMsg reads one framed typed message.
func ReadMsg(r io.Reader) (wire.MsgType, []byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, errors.Wrap(err, "tcp read")
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n == 0 || n > maxTCPMessage {
		return 0, nil, errors.Errorf("tcp message length %d out of range", n)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return 0, nil, errors.Wrap(err, "tcp read")
	}
	return wire.UnmarshalMsg(msg)
}

// TCPConfig parameterizes DialTCP.
type TCPConfig struct {
	RemoteAddr  string
	DialTimeout time.Duration
	// NoComp disables the snappy stream compression under smux.
	NoComp bool

	SmuxVersion int
	SmuxBuf     int
	StreamBuf   int
	FrameSize   int
	KeepAlive   int
}

// TCP is the out-of-band channel: the handshake runs first on the raw
// connection, then an smux session takes over for clipboard and file
// streams.
type TCP struct {
	conn net.Conn
	cfg  TCPConfig
	mux  *smux.Session
}

// DialTCP connects the control channel.
func DialTCP(cfg TCPConfig) (*TCP, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	conn, err := net.DialTimeout("tcp", cfg.RemoteAddr, cfg.DialTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", cfg.RemoteAddr)
	}
	return &TCP{conn: conn, cfg: cfg}, nil
}

// Handshake exchanges the session-open messages and returns the server's
// assignment.
func (t *TCP) Handshake(hs wire.Handshake) (wire.HandshakeReply, error) {
	var reply wire.HandshakeReply
	if err := WriteMsg(t.conn, wire.MsgHandshake, &hs); err != nil {
		return reply, err
	}
	typ, body, err := ReadMsg(t.conn)
	if err != nil {
		return reply, err
	}
	if typ != wire.MsgHandshakeReply {
		return reply, errors.Errorf("unexpected handshake reply type %d", typ)
	}
	if err := wire.DecodeBody(body, &reply); err != nil {
		return reply, err
	}
	if reply.ClientID != hs.ClientID {
		return reply, errors.New("handshake reply for a different client")
	}
	return reply, nil
}

// StartMux layers the stream multiplexer over the connection, compressed
// unless disabled. Call once, after Handshake.
func (t *TCP) StartMux() error {
	smuxCfg, err := buildSmuxConfig(t.cfg)
	if err != nil {
		return err
	}
	var conn io.ReadWriteCloser = t.conn
	if !t.cfg.NoComp {
		conn = NewCompStream(t.conn)
	}
	sess, err := smux.Client(conn, smuxCfg)
	if err != nil {
		return errors.Wrap(err, "smux client")
	}
	t.mux = sess
	return nil
}

// OpenStream opens one multiplexed stream for a clipboard or file exchange.
func (t *TCP) OpenStream() (*smux.Stream, error) {
	if t.mux == nil {
		return nil, errors.New("mux not started")
	}
	s, err := t.mux.OpenStream()
	return s, errors.Wrap(err, "open stream")
}

// AcceptStream accepts a server-initiated stream.
func (t *TCP) AcceptStream() (*smux.Stream, error) {
	if t.mux == nil {
		return nil, errors.New("mux not started")
	}
	s, err := t.mux.AcceptStream()
	return s, errors.Wrap(err, "accept stream")
}

// IsClosed reports whether the mux session has died.
func (t *TCP) IsClosed() bool {
	return t.mux != nil && t.mux.IsClosed()
}

// Close tears the channel down.
func (t *TCP) Close() error {
	if t.mux != nil {
		t.mux.Close()
	}
	return t.conn.Close()
}

// buildSmuxConfig constructs and verifies an smux.Config from the TCPConfig
// knobs; zero values keep smux's defaults.
func buildSmuxConfig(cfg TCPConfig) (*smux.Config, error) {
	c := smux.DefaultConfig()
	if cfg.SmuxVersion > 0 {
		c.Version = cfg.SmuxVersion
	}
	if cfg.SmuxBuf > 0 {
		c.MaxReceiveBuffer = cfg.SmuxBuf
	}
	if cfg.StreamBuf > 0 {
		c.MaxStreamBuffer = cfg.StreamBuf
	}
	if cfg.FrameSize > 0 {
		c.MaxFrameSize = cfg.FrameSize
	}
	if cfg.KeepAlive > 0 {
		c.KeepAliveInterval = time.Duration(cfg.KeepAlive) * time.Second
	}
	return c, smux.VerifyConfig(c)
}
