package util

import (
	"fmt"
	"net"
)

// DefaultRouteAddress is dialed (UDP, nothing is sent) to learn which local
// address routes outward.
const DefaultRouteAddress = "8.8.8.8:80"

// GetIP returns the address other nodes should use to reach this one.
func GetIP() (string, error) {
	return OutboundIP(DefaultRouteAddress)
}

func OutboundIP(target string) (string, error) {
	conn, err := net.Dial("udp", target)
	if err != nil {
		return "", fmt.Errorf("error getting outbound ip: %v", err)
	}
	defer conn.Close()

	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return "", fmt.Errorf("error getting outbound ip: %v", err)
	}
	return host, nil
}
