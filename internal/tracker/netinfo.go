package tracker

import (
	"fmt"
	"net"
	"strings"
)

// LocalIP returns the first non-loopback IPv4 address of an interface that is
// up, or 127.0.0.1 when there is none.
func LocalIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip := ipnet.IP.To4(); ip != nil {
				return ip.String()
			}
		}
	}
	return "127.0.0.1"
}

// LANURL is the address other machines on the network should open.
func LANURL(listenAddr string) string {
	_, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		port = strings.TrimPrefix(listenAddr, ":")
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(LocalIP(), port))
}
