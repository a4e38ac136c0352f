package portmap

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
	"go.uber.org/zap"
)

// NATPMPClient is the part of *natpmp.Client used here.
type NATPMPClient interface {
	GetExternalAddress() (*natpmp.GetExternalAddressResult, error)
	AddPortMapping(protocol string, internalPort, requestedExternalPort int, lifetime int) (*natpmp.AddPortMappingResult, error)
}

// NATPMP maps ports through a NAT-PMP gateway.
type NATPMP struct {
	client NATPMPClient
	logger *zap.Logger

	mu sync.Mutex
	// external port -> internal port; NAT-PMP deletes by internal port
	internal map[int]int
}

// NewNATPMP wraps a NAT-PMP client.
func NewNATPMP(client NATPMPClient, logger *zap.Logger) *NATPMP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATPMP{
		client:   client,
		logger:   logger,
		internal: make(map[int]int),
	}
}

func (n *NATPMP) Name() string { return "nat-pmp" }

func (n *NATPMP) ExternalIP(ctx context.Context) (net.IP, error) {
	res, err := n.client.GetExternalAddress()
	if err != nil {
		return nil, fmt.Errorf("nat-pmp external ip: %w", err)
	}
	a := res.ExternalIPAddress
	return net.IPv4(a[0], a[1], a[2], a[3]), nil
}

func (n *NATPMP) AddPortMapping(ctx context.Context, proto string, internal, external int, desc string, lease time.Duration) (int, error) {
	res, err := n.client.AddPortMapping(strings.ToLower(proto), internal, external, int(lease/time.Second))
	if err != nil {
		return 0, fmt.Errorf("nat-pmp add mapping %d->%d: %w", external, internal, err)
	}
	mapped := int(res.MappedExternalPort)

	n.mu.Lock()
	n.internal[mapped] = internal
	n.mu.Unlock()

	n.logger.Debug("added mapping",
		zap.String("proto", proto),
		zap.Int("requested", external),
		zap.Int("external", mapped),
		zap.Int("internal", internal))
	return mapped, nil
}

func (n *NATPMP) DeletePortMapping(ctx context.Context, proto string, external int) error {
	n.mu.Lock()
	internal, ok := n.internal[external]
	delete(n.internal, external)
	n.mu.Unlock()
	if !ok {
		internal = external
	}

	// A zero lifetime removes the mapping
	if _, err := n.client.AddPortMapping(strings.ToLower(proto), internal, 0, 0); err != nil {
		return fmt.Errorf("nat-pmp delete mapping %d: %w", external, err)
	}
	return nil
}

func discoverNATPMP(ctx context.Context, timeout time.Duration, logger *zap.Logger) (*NATPMP, error) {
	return runWithTimeout(ctx, timeout, func() (*NATPMP, error) {
		gw, err := gateway.DiscoverGateway()
		if err != nil {
			return nil, fmt.Errorf("discover gateway: %w", err)
		}
		client := natpmp.NewClientWithTimeout(gw, timeout)
		// A gateway that cannot report its address does not speak NAT-PMP
		if _, err := client.GetExternalAddress(); err != nil {
			return nil, fmt.Errorf("nat-pmp probe %s: %w", gw, err)
		}
		return NewNATPMP(client, logger), nil
	})
}
