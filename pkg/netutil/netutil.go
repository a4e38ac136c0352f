// Package netutil provides local address discovery and the UDP socket helpers the
// hole-punching engine shares across candidate gathering and probing.
package netutil

import (
	"context"
	"fmt"
	"net"

	"github.com/jackpal/gateway"

	"github.com/saintparish4/rendezvous/pkg/types"
)

// LocalAddresses returns all non-loopback addresses of interfaces that are up
func LocalAddresses() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	var addresses []net.IP
	for _, iface := range ifaces {
		// Skip loopback and down interfaces
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
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

			if ip == nil || ip.IsLoopback() || ip.IsUnspecified() {
				continue
			}

			addresses = append(addresses, ip)
		}
	}

	return addresses, nil
}

// PreferredLocalIP returns the IPv4 address of the default-route interface. When the
// route cannot be determined it falls back to the first usable IPv4 interface address.
func PreferredLocalIP() (net.IP, error) {
	if ip, err := gateway.DiscoverInterface(); err == nil && ip.To4() != nil && !ip.IsLoopback() {
		return ip.To4(), nil
	}

	addresses, err := LocalAddresses()
	if err != nil {
		return nil, types.NewError(types.KindNoLocalAddress, "local address", err)
	}
	for _, ip := range addresses {
		if ip4 := ip.To4(); ip4 != nil && !ip4.IsLinkLocalUnicast() {
			return ip4, nil
		}
	}
	return nil, types.NewError(types.KindNoLocalAddress, "local address", nil)
}

// DefaultRouteMAC returns the hardware address of the interface that owns ip, nil if
// no interface carries it.
func DefaultRouteMAC(ip net.IP) net.HardwareAddr {
	if ip == nil {
		return nil
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.Equal(ip) {
				if len(iface.HardwareAddr) == 0 {
					return nil
				}
				return iface.HardwareAddr
			}
		}
	}
	return nil
}

// IsPrivateIP checks if an IP address is in a private range
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}

	if ip4 := ip.To4(); ip4 != nil {
		// 10.0.0.0/8
		if ip4[0] == 10 {
			return true
		}
		// 172.16.0.0/12
		if ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31 {
			return true
		}
		// 192.168.0.0/16
		if ip4[0] == 192 && ip4[1] == 168 {
			return true
		}
		// 169.254.0.0/16 (link-local)
		if ip4[0] == 169 && ip4[1] == 254 {
			return true
		}
		// 127.0.0.0/8
		return ip4[0] == 127
	}

	// fc00::/7 (unique local addresses)
	if len(ip) == net.IPv6len && ip[0] >= 0xfc && ip[0] <= 0xfd {
		return true
	}

	// fe80::/10 (link-local)
	if len(ip) == net.IPv6len && ip[0] == 0xfe && ip[1] >= 0x80 && ip[1] <= 0xbf {
		return true
	}

	return ip.IsLoopback()
}

// ListenUDP opens a UDP socket on addr with address/port reuse enabled so the port can
// later be rebound by Connect. network is "udp4" or "udp6".
func ListenUDP(ctx context.Context, network string, addr *net.UDPAddr) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: reuseControl}
	address := ""
	if addr != nil {
		address = addr.String()
	}
	pc, err := lc.ListenPacket(ctx, network, address)
	if err != nil {
		return nil, types.NewError(types.KindTransport, "listen udp", err)
	}
	return pc.(*net.UDPConn), nil
}

// Connect turns conn into a socket connected to remote on the same local port. The
// original socket is closed on success; on failure it is left open and owned by the
// caller.
func Connect(ctx context.Context, conn *net.UDPConn, remote *net.UDPAddr) (*net.UDPConn, error) {
	local := conn.LocalAddr().(*net.UDPAddr)
	network := "udp4"
	if remote.IP.To4() == nil {
		network = "udp6"
	}

	d := net.Dialer{LocalAddr: local, Control: reuseControl}
	c, err := d.DialContext(ctx, network, remote.String())
	if err != nil {
		return nil, types.NewError(types.KindTransport, "connect udp", err)
	}
	if err := conn.Close(); err != nil {
		c.Close()
		return nil, types.NewError(types.KindTransport, "connect udp", err)
	}
	return c.(*net.UDPConn), nil
}

// ResolveUDPAddr resolves a UDP address, naming the address in the error.
func ResolveUDPAddr(network, addr string) (*net.UDPAddr, error) {
	resolved, err := net.ResolveUDPAddr(network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address %q: %w", addr, err)
	}
	return resolved, nil
}
