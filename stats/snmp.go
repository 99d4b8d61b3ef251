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

// Package stats keeps session-wide SNMP-style counters, cheap enough for
// the receive hot path, with an optional periodic CSV dump.
package stats

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// Snmp aggregates the session counters. All fields are updated atomically.
type Snmp struct {
	ShardsReceived   uint64
	ParityShards     uint64
	Retransmits      uint64
	ShardsDropped    uint64
	BytesReceived    uint64
	NacksSent        uint64
	RecoveryRequests uint64
	FramesCompleted  uint64
	FramesSkipped    uint64
	FramesRendered   uint64
	PingsSent        uint64
	PongsReceived    uint64
	PingTimeouts     uint64
}

// DefaultSnmp is the session-wide instance.
var DefaultSnmp = new(Snmp)

// Add atomically bumps a counter field.
func Add(field *uint64, delta uint64) {
	atomic.AddUint64(field, delta)
}

// Copy returns a consistent-enough snapshot for logging.
func (s *Snmp) Copy() *Snmp {
	c := new(Snmp)
	c.ShardsReceived = atomic.LoadUint64(&s.ShardsReceived)
	c.ParityShards = atomic.LoadUint64(&s.ParityShards)
	c.Retransmits = atomic.LoadUint64(&s.Retransmits)
	c.ShardsDropped = atomic.LoadUint64(&s.ShardsDropped)
	c.BytesReceived = atomic.LoadUint64(&s.BytesReceived)
	c.NacksSent = atomic.LoadUint64(&s.NacksSent)
	c.RecoveryRequests = atomic.LoadUint64(&s.RecoveryRequests)
	c.FramesCompleted = atomic.LoadUint64(&s.FramesCompleted)
	c.FramesSkipped = atomic.LoadUint64(&s.FramesSkipped)
	c.FramesRendered = atomic.LoadUint64(&s.FramesRendered)
	c.PingsSent = atomic.LoadUint64(&s.PingsSent)
	c.PongsReceived = atomic.LoadUint64(&s.PongsReceived)
	c.PingTimeouts = atomic.LoadUint64(&s.PingTimeouts)
	return c
}

// Header returns the CSV column names.
func (s *Snmp) Header() []string {
	return []string{
		"ShardsReceived", "ParityShards", "Retransmits", "ShardsDropped",
		"BytesReceived", "NacksSent", "RecoveryRequests", "FramesCompleted",
		"FramesSkipped", "FramesRendered", "PingsSent", "PongsReceived",
		"PingTimeouts",
	}
}

// ToSlice returns the counters in Header order.
func (s *Snmp) ToSlice() []string {
	c := s.Copy()
	return []string{
		fmt.Sprint(c.ShardsReceived), fmt.Sprint(c.ParityShards),
		fmt.Sprint(c.Retransmits), fmt.Sprint(c.ShardsDropped),
		fmt.Sprint(c.BytesReceived), fmt.Sprint(c.NacksSent),
		fmt.Sprint(c.RecoveryRequests), fmt.Sprint(c.FramesCompleted),
		fmt.Sprint(c.FramesSkipped), fmt.Sprint(c.FramesRendered),
		fmt.Sprint(c.PingsSent), fmt.Sprint(c.PongsReceived),
		fmt.Sprint(c.PingTimeouts),
	}
}

// Reset zeroes every counter.
func (s *Snmp) Reset() {
	atomic.StoreUint64(&s.ShardsReceived, 0)
	atomic.StoreUint64(&s.ParityShards, 0)
	atomic.StoreUint64(&s.Retransmits, 0)
	atomic.StoreUint64(&s.ShardsDropped, 0)
	atomic.StoreUint64(&s.BytesReceived, 0)
	atomic.StoreUint64(&s.NacksSent, 0)
	atomic.StoreUint64(&s.RecoveryRequests, 0)
	atomic.StoreUint64(&s.FramesCompleted, 0)
	atomic.StoreUint64(&s.FramesSkipped, 0)
	atomic.StoreUint64(&s.FramesRendered, 0)
	atomic.StoreUint64(&s.PingsSent, 0)
	atomic.StoreUint64(&s.PongsReceived, 0)
	atomic.StoreUint64(&s.PingTimeouts, 0)
}

// SnmpLogger appends the counters to a CSV file on the given period. The
// filename may carry a Go time layout, one file per formatted name.
func SnmpLogger(path string, interval int) {
	if path == "" || interval == 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		logdir, logfile := filepath.Split(path)
		f, err := os.OpenFile(logdir+time.Now().Format(logfile),
			os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Println(err)
			return
		}
		w := csv.NewWriter(f)
		if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
			if err := w.Write(append([]string{"Unix"}, DefaultSnmp.Header()...)); err != nil {
				log.Println(err)
			}
		}
		if err := w.Write(append([]string{fmt.Sprint(time.Now().Unix())},
			DefaultSnmp.ToSlice()...)); err != nil {
			log.Println(err)
		}
		w.Flush()
		f.Close()
	}
}
