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
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/urfave/cli"

	"github.com/farview/farview/stats"
)

// VERSION is injected by buildflags
var VERSION = "SELFBUILD"

const (
	exitOK = iota
	exitFailure
	exitBadCLI
)

func main() {
	if VERSION == "SELFBUILD" {
		// add more log flags for debugging
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "farview"
	myApp.Usage = "thin client for the farview remote-desktop stream"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "server-ip",
			Value: "",
			Usage: `server address, "IP:port" for a single port, "IP:minport-maxport" for a range`,
		},
		cli.BoolFlag{
			Name:  "dynamic-arguments",
			Usage: "accept key?value lines on stdin after startup",
		},
		cli.StringFlag{
			Name:  "user",
			Value: "",
			Usage: "user email the session runs as",
		},
		cli.StringFlag{
			Name:  "icon",
			Value: "",
			Usage: "path of the window icon",
		},
		cli.StringFlag{
			Name:  "name",
			Value: "farview",
			Usage: "window title",
		},
		cli.StringFlag{
			Name:  "new-tab-url",
			Value: "",
			Usage: "comma separated URLs to open on the remote side",
		},
		cli.StringFlag{
			Name:   "key",
			Value:  "",
			Usage:  "pre-shared secret sealing the datagram path, empty to disable",
			EnvVar: "FARVIEW_KEY",
		},
		cli.IntFlag{
			Name:  "width",
			Value: 1920,
			Usage: "output width in pixels",
		},
		cli.IntFlag{
			Name:  "height",
			Value: 1080,
			Usage: "output height in pixels",
		},
		cli.IntFlag{
			Name:  "dpi",
			Value: 192,
			Usage: "display DPI, drives the bitrate budget",
		},
		cli.IntFlag{
			Name:  "sockbuf",
			Value: 4194304, // socket buffer size in bytes
			Usage: "per-socket buffer in bytes",
		},
		cli.BoolFlag{
			Name:  "tcp",
			Usage: "to emulate a TCP connection for the datagram path (linux)",
		},
		cli.BoolFlag{
			Name:  "nocomp",
			Usage: "disable compression on the control channel",
		},
		cli.StringFlag{
			Name:  "snmplog",
			Value: "",
			Usage: "collect snmp to file, aware of timeformat in golang, like: ./snmp-20060102.log",
		},
		cli.IntFlag{
			Name:  "snmpperiod",
			Value: 60,
			Usage: "snmp collect period, in seconds",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.BoolFlag{
			Name:  "quiet",
			Usage: "to suppress per-frame diagnostics",
		},
		cli.BoolFlag{
			Name:  "pprof",
			Usage: "start profiling server on :6060",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "", // when the value is not empty, the config path must exists
			Usage: "config from json file, which will override the command from shell",
		},
	}
	myApp.Action = func(c *cli.Context) error {
		config := Config{}
		config.ServerIP = c.String("server-ip")
		config.DynamicArguments = c.Bool("dynamic-arguments")
		config.User = c.String("user")
		config.Icon = c.String("icon")
		config.Name = c.String("name")
		config.NewTabURL = c.String("new-tab-url")
		config.Key = c.String("key")
		config.Width = c.Int("width")
		config.Height = c.Int("height")
		config.DPI = c.Int("dpi")
		config.SockBuf = c.Int("sockbuf")
		config.TCP = c.Bool("tcp")
		config.NoComp = c.Bool("nocomp")
		config.SnmpLog = c.String("snmplog")
		config.SnmpPeriod = c.Int("snmpperiod")
		config.Log = c.String("log")
		config.Quiet = c.Bool("quiet")
		config.Pprof = c.Bool("pprof")

		if c.String("c") != "" {
			if err := parseJSONConfig(&config, c.String("c")); err != nil {
				log.Printf("%+v\n", err)
				os.Exit(exitBadCLI)
			}
		}
		if err := config.Validate(); err != nil {
			log.Printf("%+v\n", err)
			os.Exit(exitBadCLI)
		}

		// log redirect
		if config.Log != "" {
			f, err := os.OpenFile(config.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
			checkError(err)
			defer f.Close()
			log.SetOutput(f)
		}

		log.Println("version:", VERSION)
		log.Println("server:", config.ServerIP)
		log.Println("user:", config.User)
		log.Println("window:", config.Name)
		log.Println("geometry:", config.Width, "x", config.Height, "@", config.DPI, "dpi")
		log.Println("sealing:", config.Key != "")
		log.Println("tcp emulation:", config.TCP)
		log.Println("compression:", !config.NoComp)
		log.Println("sockbuf:", config.SockBuf)
		log.Println("snmplog:", config.SnmpLog)
		log.Println("snmpperiod:", config.SnmpPeriod)
		log.Println("quiet:", config.Quiet)
		log.Println("pprof:", config.Pprof)

		// start snmp logger
		go stats.SnmpLogger(config.SnmpLog, config.SnmpPeriod)

		// start pprof
		if config.Pprof {
			go http.ListenAndServe(":6060", nil)
		}

		if config.DynamicArguments {
			go readDynamicArguments(&config, os.Stdin)
		}

		if err := runSession(&config); err != nil {
			log.Printf("%+v\n", err)
			os.Exit(exitFailure)
		}
		return nil
	}
	if err := myApp.Run(os.Args); err != nil {
		log.Printf("%+v\n", err)
		os.Exit(exitBadCLI)
	}
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(exitFailure)
	}
}
