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

// The loopback server speaks the farview wire protocol with synthetic
// content: it fragments and FEC-encodes generated frames, honors NACKs and
// recovery-point requests, and answers keepalives. It exists to soak-test
// the client's receive path end to end without a capture pipeline.
package main

import (
	"io"
	"log"
	"net"
	"os"
	"sync/atomic"

	"github.com/urfave/cli"
	"github.com/xtaci/smux"

	"github.com/farview/farview/transport"
	"github.com/farview/farview/wire"
)

// VERSION is injected by buildflags
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		// add more log flags for debugging
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "farview-server"
	myApp.Usage = "loopback media server for soak-testing the farview client"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "listen,l",
			Value: ":28800",
			Usage: "TCP listen address for handshake and control streams",
		},
		cli.StringFlag{
			Name:   "key",
			Value:  "",
			Usage:  "pre-shared secret sealing the datagram path, empty to disable",
			EnvVar: "FARVIEW_KEY",
		},
		cli.IntFlag{
			Name:  "fps",
			Value: 60,
			Usage: "synthetic video frame rate",
		},
		cli.Float64Flag{
			Name:  "video-fec-ratio",
			Value: 0.1,
			Usage: "parity share of each video frame, in (0,0.5]",
		},
		cli.Float64Flag{
			Name:  "audio-fec-ratio",
			Value: 0.2,
			Usage: "parity share of each audio frame, in (0,0.5]",
		},
		cli.IntFlag{
			Name:  "framesize",
			Value: 30000,
			Usage: "synthetic encoded video frame size in bytes",
		},
		cli.IntFlag{
			Name:  "static-after",
			Value: 0,
			Usage: "emit empty keepalive frames after this many frames, 0 to disable",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.BoolFlag{
			Name:  "nocomp",
			Usage: "disable compression on the control channel",
		},
		cli.BoolFlag{
			Name:  "quiet",
			Usage: "to suppress per-client messages",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "",
			Usage: "config from json file, which will override the command from shell",
		},
	}
	myApp.Action = func(c *cli.Context) error {
		config := Config{}
		config.Listen = c.String("listen")
		config.Key = c.String("key")
		config.FPS = c.Int("fps")
		config.VideoFECRatio = c.Float64("video-fec-ratio")
		config.AudioFECRatio = c.Float64("audio-fec-ratio")
		config.FrameSize = c.Int("framesize")
		config.StaticAfter = c.Int("static-after")
		config.NoComp = c.Bool("nocomp")
		config.Log = c.String("log")
		config.Quiet = c.Bool("quiet")

		if c.String("c") != "" {
			err := parseJSONConfig(&config, c.String("c"))
			checkError(err)
		}

		// log redirect
		if config.Log != "" {
			f, err := os.OpenFile(config.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
			checkError(err)
			defer f.Close()
			log.SetOutput(f)
		}

		log.Println("version:", VERSION)
		log.Println("listening on:", config.Listen)
		log.Println("sealing:", config.Key != "")
		log.Println("fps:", config.FPS)
		log.Println("video fec ratio:", config.VideoFECRatio)
		log.Println("audio fec ratio:", config.AudioFECRatio)
		log.Println("framesize:", config.FrameSize)
		log.Println("static-after:", config.StaticAfter)

		listener, err := net.Listen("tcp", config.Listen)
		checkError(err)

		for {
			conn, err := listener.Accept()
			if err != nil {
				log.Fatalf("%+v", err)
			}
			go handleClient(conn, &config)
		}
	}
	myApp.Run(os.Args)
}

// handleClient runs the handshake and one sender lifetime per connection.
func handleClient(conn net.Conn, config *Config) {
	defer conn.Close()

	typ, body, err := transport.ReadMsg(conn)
	if err != nil || typ != wire.MsgHandshake {
		log.Println("handshake:", err)
		return
	}
	var hs wire.Handshake
	if err := wire.DecodeBody(body, &hs); err != nil {
		log.Println("handshake:", err)
		return
	}
	if !config.Quiet {
		log.Println("client connected:", hs.ClientID, "user:", hs.User)
	}

	udp, err := transport.ListenUDP(net.JoinHostPort("", "0"), config.Key)
	if err != nil {
		log.Println("udp listen:", err)
		return
	}
	defer udp.Close()
	udpPort := uint16(udp.LocalAddr().(*net.UDPAddr).Port)

	tcpPort := uint16(conn.LocalAddr().(*net.TCPAddr).Port)
	if err := transport.WriteMsg(conn, wire.MsgHandshakeReply, &wire.HandshakeReply{
		ClientID:   hs.ClientID,
		UDPPort:    udpPort,
		TCPPort:    tcpPort,
		SampleRate: 48000,
	}); err != nil {
		log.Println("handshake reply:", err)
		return
	}

	var exiting atomic.Bool

	// The client layers smux over the connection; run the server end so
	// its keepalives are answered, and treat session death as disconnect.
	go func() {
		defer func() {
			exiting.Store(true)
			udp.Close()
		}()
		var rwc io.ReadWriteCloser = conn
		if !config.NoComp {
			rwc = transport.NewCompStream(conn)
		}
		sess, err := smux.Server(rwc, smux.DefaultConfig())
		if err != nil {
			log.Println("smux:", err)
			return
		}
		for {
			stream, err := sess.AcceptStream()
			if err != nil {
				return
			}
			stream.Close()
		}
	}()

	sender := newSender(udp, config)
	go sender.run(&exiting)
	udp.ReadLoop(sender, &exiting)
	exiting.Store(true)
	if !config.Quiet {
		log.Println("client gone:", hs.ClientID)
	}
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(-1)
	}
}
