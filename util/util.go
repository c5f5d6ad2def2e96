// Package util holds small host helpers for the daemon entrypoint.
package util

import (
	"fmt"
	"net"
)

// OutboundIP reports the address this host would use to reach the wider
// network, which is what peers need to dial us back. Dialing UDP does no
// handshake, so nothing is actually sent.
func OutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("unable to determine outbound ip: %v", err)
	}
	defer conn.Close()

	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return "", fmt.Errorf("unable to parse local address %q: %v", conn.LocalAddr(), err)
	}
	return host, nil
}
