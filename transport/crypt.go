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
	"crypto/cipher"
	"crypto/sha1"
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"github.com/farview/farview/wire"
)

// SALT is used for pbkdf2 key expansion of the pre-shared key.
const SALT = "farview"

// Nonce direction bytes: send ids are per-sender, so the two directions
// must not share nonce space.
const (
	dirClientToServer = 0x01
	dirServerToClient = 0x02
)

// sealer authenticates and encrypts shard payloads. The shard header rides
// in the clear as associated data; the 12-byte nonce is the send id
// zero-extended plus a direction byte, unique per datagram because send ids
// never repeat within a direction.
type sealer struct {
	aead    cipher.AEAD
	sealDir byte
	openDir byte
}

func newSealer(key string, sealDir, openDir byte) (*sealer, error) {
	if key == "" {
		return nil, nil
	}
	pass := pbkdf2.Key([]byte(key), []byte(SALT), 4096, chacha20poly1305.KeySize, sha1.New)
	aead, err := chacha20poly1305.New(pass)
	if err != nil {
		return nil, errors.Wrap(err, "aead init")
	}
	return &sealer{aead: aead, sealDir: sealDir, openDir: openDir}, nil
}

// Overhead is the per-datagram cost of sealing.
func (s *sealer) Overhead() int {
	if s == nil {
		return 0
	}
	return s.aead.Overhead()
}

func (s *sealer) nonce(sendID uint32, dir byte) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint32(n, sendID)
	n[chacha20poly1305.NonceSize-1] = dir
	return n
}

// sealDatagram encrypts the payload portion of an encoded datagram in
// place-ish, returning the full datagram.
func (s *sealer) sealDatagram(datagram []byte, sendID uint32) []byte {
	if s == nil {
		return datagram
	}
	hdr := datagram[:wire.ShardHeaderSize]
	payload := datagram[wire.ShardHeaderSize:]
	return append(hdr, s.aead.Seal(nil, s.nonce(sendID, s.sealDir), payload, hdr)...)
}

// openDatagram authenticates and decrypts a received datagram, returning
// the plaintext datagram.
func (s *sealer) openDatagram(datagram []byte) ([]byte, error) {
	if s == nil {
		return datagram, nil
	}
	if len(datagram) < wire.ShardHeaderSize {
		return nil, errors.New("short datagram")
	}
	hdr := datagram[:wire.ShardHeaderSize]
	sendID := binary.LittleEndian.Uint32(hdr[5:])
	plain, err := s.aead.Open(nil, s.nonce(sendID, s.openDir), datagram[wire.ShardHeaderSize:], hdr)
	if err != nil {
		return nil, errors.Wrap(err, "open datagram")
	}
	return append(hdr, plain...), nil
}
