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
	"fmt"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
)

// Endpoint is a server address with an optional port range; reconnect
// attempts walk the range round-robin.
type Endpoint struct {
	Host    string
	MinPort uint16
	MaxPort uint16
}

var endpointMatcher = regexp.MustCompile(`(.*)\:([0-9]{1,5})-?([0-9]{1,5})?`)

// ParseEndpoint parses "host:port" or "host:minport-maxport".
func ParseEndpoint(addr string) (*Endpoint, error) {
	matches := endpointMatcher.FindStringSubmatch(addr)
	if len(matches) < 4 {
		return nil, errors.Errorf("malformed address: %v", addr)
	}

	minPort, err := strconv.Atoi(matches[2])
	if err != nil {
		return nil, err
	}
	maxPort := minPort
	if matches[3] != "" {
		maxPort, err = strconv.Atoi(matches[3])
		if err != nil {
			return nil, err
		}
	}
	if minPort > maxPort || minPort == 0 || maxPort > 65535 {
		return nil, errors.Errorf("invalid port range: %v -> %v", minPort, maxPort)
	}
	return &Endpoint{
		Host:    matches[1],
		MinPort: uint16(minPort),
		MaxPort: uint16(maxPort),
	}, nil
}

// Addr renders the i-th address of the range, wrapping round-robin.
func (e *Endpoint) Addr(i int) string {
	span := int(e.MaxPort-e.MinPort) + 1
	port := int(e.MinPort) + i%span
	return fmt.Sprintf("%s:%d", e.Host, port)
}

// WithPort renders the host against an explicitly assigned port.
func (e *Endpoint) WithPort(port uint16) string {
	return fmt.Sprintf("%s:%d", e.Host, port)
}
