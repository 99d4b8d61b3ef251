//go:build !linux

package transport

import (
	"net"

	"github.com/pkg/errors"
)

func dialPacketConn(cfg UDPConfig) (net.PacketConn, error) {
	if cfg.TCPEmulation {
		return nil, errors.New("TCP emulation is only available on linux")
	}
	conn, err := net.ListenUDP("udp", nil)
	return conn, errors.Wrap(err, "listen udp")
}
