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
	"bufio"
	"encoding/json"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Config for the client
type Config struct {
	ServerIP         string `json:"server-ip"`
	DynamicArguments bool   `json:"dynamic-arguments"`
	User             string `json:"user"`
	Icon             string `json:"icon"`
	Name             string `json:"name"`
	NewTabURL        string `json:"new-tab-url"`
	Key              string `json:"key"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	DPI              int    `json:"dpi"`
	SockBuf          int    `json:"sockbuf"`
	TCP              bool   `json:"tcp"`
	NoComp           bool   `json:"nocomp"`
	SnmpLog          string `json:"snmplog"`
	SnmpPeriod       int    `json:"snmpperiod"`
	Log              string `json:"log"`
	Quiet            bool   `json:"quiet"`
	Pprof            bool   `json:"pprof"`

	mu       sync.Mutex
	onUpload func(path string)
}

// SetUploadHandler installs the active session's file-upload hook; dynamic
// "upload?path" lines route through it. A nil handler detaches it.
func (c *Config) SetUploadHandler(fn func(path string)) {
	c.mu.Lock()
	c.onUpload = fn
	c.mu.Unlock()
}

func parseJSONConfig(config *Config, path string) error {
	file, err := os.Open(path) // For read access.
	if err != nil {
		return err
	}
	defer file.Close()

	return json.NewDecoder(file).Decode(config)
}

// Validate rejects configurations that cannot possibly open a session.
func (c *Config) Validate() error {
	if c.ServerIP == "" {
		return errors.New("--server-ip is required")
	}
	if c.Width <= 0 || c.Height <= 0 || c.DPI <= 0 {
		return errors.Errorf("invalid geometry %dx%d@%d", c.Width, c.Height, c.DPI)
	}
	return nil
}

// applyDynamicArgument handles one key?value line from stdin. Unknown keys
// are logged and ignored so newer launchers keep working against older
// clients.
func (c *Config) applyDynamicArgument(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch key {
	case "user":
		c.User = value
	case "name":
		c.Name = value
	case "icon":
		c.Icon = value
	case "new-tab-url":
		c.NewTabURL = value
	case "quiet":
		c.Quiet = value == "true" || value == "1"
	case "upload":
		if c.onUpload != nil {
			go c.onUpload(value)
		} else {
			log.Println("no session to upload through:", value)
		}
	default:
		log.Println("dynamic argument ignored:", key)
	}
}

// readDynamicArguments consumes key?value lines until EOF.
func readDynamicArguments(config *Config, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, "?")
		if !found {
			log.Println("malformed dynamic argument:", line)
			continue
		}
		config.applyDynamicArgument(key, value)
	}
}
