package process

import (
	"errors"
	"net"
	"strings"
	"time"
)

// ErrInterfaceNotFound is returned when the tunnel interface cannot be
// located by its assigned IP.
var ErrInterfaceNotFound = errors.New("process: tunnel interface not found")

// DetectInterface finds the tun/tap/ppp network interface holding
// assignedIP. Connection.InitialState is its only caller in this package.
func DetectInterface(assignedIP string) (string, error) {
	if assignedIP == "" {
		return "", ErrInterfaceNotFound
	}
	target := net.ParseIP(assignedIP)
	if target == nil {
		return "", ErrInterfaceNotFound
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		if !isTunnelInterface(iface.Name) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && ip.Equal(target) {
				return iface.Name, nil
			}
		}
	}
	return "", ErrInterfaceNotFound
}

func isTunnelInterface(name string) bool {
	return strings.HasPrefix(name, "tun") || strings.HasPrefix(name, "tap") || strings.HasPrefix(name, "ppp")
}

// DetectInterfaceWithRetry retries DetectInterface with exponential
// backoff, since the interface may not appear in the routing table the
// instant the binary prints its "got addresses" line.
func DetectInterfaceWithRetry(assignedIP string, maxRetries int, initialBackoff time.Duration) (string, error) {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if initialBackoff <= 0 {
		initialBackoff = 100 * time.Millisecond
	}

	backoff := initialBackoff
	for i := 0; i < maxRetries; i++ {
		name, err := DetectInterface(assignedIP)
		if err == nil {
			return name, nil
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return "", ErrInterfaceNotFound
}
