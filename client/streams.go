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

package main

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/xtaci/smux"

	"github.com/farview/farview/transport"
	"github.com/farview/farview/wire"
)

// handleStream consumes one server-initiated mux stream carrying clipboard
// updates or file-transfer chunks.
func (s *session) handleStream(stream *smux.Stream) {
	defer stream.Close()
	files := make(map[uint32]*os.File)
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	for {
		typ, body, err := transport.ReadMsg(stream)
		if err != nil {
			if err != io.EOF && !s.exiting.Load() {
				log.Println("control stream:", err)
			}
			return
		}
		switch typ {
		case wire.MsgClipboard:
			var cb wire.Clipboard
			if err := wire.DecodeBody(body, &cb); err != nil {
				log.Println("clipboard:", err)
				continue
			}
			s.setClipboard(cb)
		case wire.MsgFileChunk:
			var fc wire.FileChunk
			if err := wire.DecodeBody(body, &fc); err != nil {
				log.Println("file transfer:", err)
				continue
			}
			s.writeFileChunk(files, fc)
		default:
			log.Println("unexpected message on control stream:", typ)
		}
	}
}

func (s *session) setClipboard(cb wire.Clipboard) {
	// The platform clipboard bridge hangs off here; until a window exists
	// the content is only retained.
	s.statsMu.Lock()
	s.clipboard = cb
	s.statsMu.Unlock()
	if !s.cfg.Quiet {
		log.Println("clipboard updated:", cb.MIME, len(cb.Data), "bytes")
	}
}

// uploadFile bridges a local file onto a fresh control-channel stream: one
// announce frame naming the transfer, then the raw content until EOF. The
// bridge owns both ends and closes them together.
func (s *session) uploadFile(path string) {
	f, err := os.Open(path)
	if err != nil {
		log.Println("upload:", err)
		return
	}
	stream, err := s.tcp.OpenStream()
	if err != nil {
		f.Close()
		log.Println("upload:", err)
		return
	}
	if err := transport.WriteMsg(stream, wire.MsgFileChunk, &wire.FileChunk{
		TransferID: uint32(stream.ID()),
		Name:       filepath.Base(path),
	}); err != nil {
		f.Close()
		stream.Close()
		log.Println("upload:", err)
		return
	}
	if errF, errS := transport.Pipe(f, stream); errF != nil || errS != nil {
		log.Println("upload:", path, errF, errS)
		return
	}
	if !s.cfg.Quiet {
		log.Println("file sent:", path)
	}
}

func (s *session) writeFileChunk(files map[uint32]*os.File, fc wire.FileChunk) {
	f, ok := files[fc.TransferID]
	if !ok {
		dir := filepath.Join(os.TempDir(), "farview-downloads")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Println("file transfer:", err)
			return
		}
		var err error
		f, err = os.Create(filepath.Join(dir, filepath.Base(fc.Name)))
		if err != nil {
			log.Println("file transfer:", err)
			return
		}
		files[fc.TransferID] = f
	}
	if _, err := f.WriteAt(fc.Data, int64(fc.Offset)); err != nil {
		log.Println("file transfer:", err)
	}
	if fc.Last {
		f.Close()
		delete(files, fc.TransferID)
		log.Println("file received:", fc.Name)
	}
}
