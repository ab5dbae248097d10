package utils

import "net"

// GetOutboundIP reports the LAN address peers' phones should use to reach the
// web API. No packet is sent; dialing UDP just picks the preferred route.
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1", err
	}
	defer conn.Close()

	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
