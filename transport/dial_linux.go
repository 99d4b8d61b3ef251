//go:build linux

package transport

import (
	"net"

	"github.com/pkg/errors"
	"github.com/xtaci/tcpraw"
)

func dialPacketConn(cfg UDPConfig) (net.PacketConn, error) {
	if cfg.TCPEmulation {
		conn, err := tcpraw.Dial("tcp", cfg.RemoteAddr)
		return conn, errors.Wrap(err, "tcpraw dial")
	}
	conn, err := net.ListenUDP("udp", nil)
	return conn, errors.Wrap(err, "listen udp")
}
