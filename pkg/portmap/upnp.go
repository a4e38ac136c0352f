package portmap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"
	"go.uber.org/zap"

	"github.com/saintparish4/rendezvous/pkg/netutil"
)

// IGDClient is the subset of the WANIPConnection/WANPPPConnection services used here.
// Every generated goupnp client of those services satisfies it.
type IGDClient interface {
	GetExternalIPAddress() (string, error)
	AddPortMapping(
		remoteHost string,
		externalPort uint16,
		protocol string,
		internalPort uint16,
		internalClient string,
		enabled bool,
		description string,
		leaseDuration uint32,
	) error
	DeletePortMapping(remoteHost string, externalPort uint16, protocol string) error
}

// UPnP maps ports through an Internet Gateway Device.
type UPnP struct {
	client  IGDClient
	localIP net.IP
	logger  *zap.Logger
}

// NewUPnP wraps an IGD service client. localIP is the address mappings point at.
func NewUPnP(client IGDClient, localIP net.IP, logger *zap.Logger) *UPnP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UPnP{client: client, localIP: localIP, logger: logger}
}

func (u *UPnP) Name() string { return "upnp" }

func (u *UPnP) ExternalIP(ctx context.Context) (net.IP, error) {
	s, err := u.client.GetExternalIPAddress()
	if err != nil {
		return nil, fmt.Errorf("upnp external ip: %w", err)
	}
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil || ip.IsUnspecified() {
		return nil, fmt.Errorf("upnp external ip: gateway reported %q", s)
	}
	return ip, nil
}

func (u *UPnP) AddPortMapping(ctx context.Context, proto string, internal, external int, desc string, lease time.Duration) (int, error) {
	if u.localIP == nil {
		return 0, errors.New("upnp add mapping: no local address")
	}
	err := u.client.AddPortMapping(
		"",
		uint16(external),
		strings.ToUpper(proto),
		uint16(internal),
		u.localIP.String(),
		true,
		desc,
		uint32(lease/time.Second),
	)
	if err != nil {
		return 0, fmt.Errorf("upnp add mapping %d->%d: %w", external, internal, err)
	}
	u.logger.Debug("added mapping",
		zap.String("proto", proto),
		zap.Int("external", external),
		zap.Int("internal", internal))
	return external, nil
}

func (u *UPnP) DeletePortMapping(ctx context.Context, proto string, external int) error {
	if err := u.client.DeletePortMapping("", uint16(external), strings.ToUpper(proto)); err != nil {
		return fmt.Errorf("upnp delete mapping %d: %w", external, err)
	}
	return nil
}

// discoverUPnP tries IGDv2 before IGDv1, and IP connections before PPP connections.
func discoverUPnP(ctx context.Context, timeout time.Duration, logger *zap.Logger) (*UPnP, error) {
	client, err := runWithTimeout(ctx, timeout, func() (IGDClient, error) {
		if clients, _, err := internetgateway2.NewWANIPConnection1ClientsCtx(ctx); err == nil && len(clients) > 0 {
			return clients[0], nil
		}
		if clients, _, err := internetgateway2.NewWANPPPConnection1ClientsCtx(ctx); err == nil && len(clients) > 0 {
			return clients[0], nil
		}
		if clients, _, err := internetgateway1.NewWANIPConnection1ClientsCtx(ctx); err == nil && len(clients) > 0 {
			return clients[0], nil
		}
		if clients, _, err := internetgateway1.NewWANPPPConnection1ClientsCtx(ctx); err == nil && len(clients) > 0 {
			return clients[0], nil
		}
		return nil, errors.New("no IGD found")
	})
	if err != nil {
		return nil, err
	}

	localIP, err := netutil.PreferredLocalIP()
	if err != nil {
		return nil, err
	}
	return NewUPnP(client, localIP, logger), nil
}
