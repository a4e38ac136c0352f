// Package portmap asks the local gateway to forward an external UDP port to this host,
// through UPnP IGD or NAT-PMP.
package portmap

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
)

// ErrNoGateway is returned by Discover when no mapping-capable gateway answered.
var ErrNoGateway = errors.New("no port mapping gateway found")

// Mapper is a gateway able to forward ports.
type Mapper interface {
	// Name identifies the protocol ("upnp", "nat-pmp").
	Name() string

	// ExternalIP returns the gateway's internet-facing address.
	ExternalIP(ctx context.Context) (net.IP, error)

	// AddPortMapping forwards external to internal and returns the external port the
	// gateway actually assigned.
	AddPortMapping(ctx context.Context, proto string, internal, external int, desc string, lease time.Duration) (int, error)

	// DeletePortMapping removes a mapping previously added for external.
	DeletePortMapping(ctx context.Context, proto string, external int) error
}

// Config holds gateway discovery settings
type Config struct {
	// Bound on each discovery protocol
	DiscoveryTimeout time.Duration

	EnableUPnP   bool
	EnableNATPMP bool

	Logger *zap.Logger
}

// DefaultConfig returns a discovery configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DiscoveryTimeout: 2 * time.Second,
		EnableUPnP:       true,
		EnableNATPMP:     true,
	}
}

// Discover looks for a UPnP Internet Gateway Device, then a NAT-PMP gateway. It
// returns ErrNoGateway when neither answers.
func Discover(ctx context.Context, cfg *Config) (Mapper, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("portmap")

	if cfg.EnableUPnP {
		m, err := discoverUPnP(ctx, cfg.DiscoveryTimeout, logger)
		if err == nil {
			logger.Info("found UPnP gateway")
			return m, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Debug("UPnP discovery failed", zap.Error(err))
	}

	if cfg.EnableNATPMP {
		m, err := discoverNATPMP(ctx, cfg.DiscoveryTimeout, logger)
		if err == nil {
			logger.Info("found NAT-PMP gateway")
			return m, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Debug("NAT-PMP discovery failed", zap.Error(err))
	}

	return nil, ErrNoGateway
}

// runWithTimeout runs fn on its own goroutine and gives up after timeout or when ctx
// ends. The gateway libraries block without a context.
func runWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	var zero T
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-timer.C:
		return zero, context.DeadlineExceeded
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
