// Package gather collects the local candidate set for one hole punch round: the LAN
// address, the NAT-external address (UPnP/NAT-PMP mapping or STUN), and predicted
// ports when the NAT is symmetric.
package gather

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/saintparish4/rendezvous/internal/metrics"
	"github.com/saintparish4/rendezvous/pkg/nat"
	"github.com/saintparish4/rendezvous/pkg/netutil"
	"github.com/saintparish4/rendezvous/pkg/portmap"
	"github.com/saintparish4/rendezvous/pkg/stun"
	"github.com/saintparish4/rendezvous/pkg/types"
)

// Config holds candidate gathering settings
type Config struct {
	// LocalIP overrides local address discovery
	LocalIP net.IP

	STUN *stun.Config

	// PortMap nil disables UPnP and NAT-PMP
	PortMap *portmap.Config

	MappingDescription string
	MappingLease       time.Duration

	// Binding requests sent by the allocation test
	AllocationSamples int

	Predict nat.PredictConfig

	Logger *zap.Logger
}

// DefaultConfig returns a gathering configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		STUN:               stun.DefaultConfig(),
		PortMap:            portmap.DefaultConfig(),
		MappingDescription: "Remote Play",
		MappingLease:       time.Hour,
		AllocationSamples:  4,
		Predict:            nat.DefaultPredictConfig(),
	}
}

// Set is the candidate set gathered for one socket
type Set struct {
	LocalIP net.IP
	Port    int

	Local  types.Candidate
	Static *types.Candidate

	// Guesses holds predicted ports for a symmetric NAT
	Guesses []types.Candidate

	Allocation *nat.Allocation
	MAC        net.HardwareAddr
}

// Candidates returns the set in offer order: static, local, then guesses.
func (s *Set) Candidates() []types.Candidate {
	var out []types.Candidate
	if s.Static != nil {
		out = append(out, *s.Static)
	}
	out = append(out, s.Local)
	return append(out, s.Guesses...)
}

type mapperState int

const (
	mapperUnknown mapperState = iota
	mapperFound
	mapperNotFound
)

// Gatherer discovers candidates. Results of gateway discovery and the allocation test
// are cached for the gatherer's lifetime.
type Gatherer struct {
	cfg    *Config
	stun   *stun.Client
	logger *zap.Logger

	// discover is portmap.Discover outside of tests
	discover   func(context.Context, *portmap.Config) (portmap.Mapper, error)
	discoverMu sync.Mutex

	mu          sync.Mutex
	mapper      portmap.Mapper
	mapperState mapperState
	mappings    map[int]struct{}
	allocDone   bool
	allocation  *nat.Allocation
	localIP     net.IP
}

// New creates a gatherer
func New(cfg *Config) *Gatherer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	stunCfg := stun.DefaultConfig()
	if cfg.STUN != nil {
		*stunCfg = *cfg.STUN
	}
	stunCfg.Logger = logger

	return &Gatherer{
		cfg:      cfg,
		stun:     stun.NewClient(stunCfg),
		logger:   logger.Named("gather"),
		discover: portmap.Discover,
		mappings: make(map[int]struct{}),
	}
}

// Local returns the address of the default-route interface.
func (g *Gatherer) Local() (net.IP, error) {
	g.mu.Lock()
	ip := g.localIP
	g.mu.Unlock()
	if ip != nil {
		return ip, nil
	}

	ip = g.cfg.LocalIP
	if ip == nil {
		var err error
		if ip, err = netutil.PreferredLocalIP(); err != nil {
			return nil, err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.localIP == nil {
		g.localIP = ip
	}
	return g.localIP, nil
}

// PortMapper returns the discovered gateway. A missing gateway is remembered and
// reported as false, never as an error. Concurrent callers share one discovery and
// g.mu is not held while it runs.
func (g *Gatherer) PortMapper(ctx context.Context) (portmap.Mapper, bool) {
	if m, state := g.mapperStatus(); state != mapperUnknown {
		return m, state == mapperFound
	}

	g.discoverMu.Lock()
	defer g.discoverMu.Unlock()

	// Another caller may have finished discovery while we waited
	if m, state := g.mapperStatus(); state != mapperUnknown {
		return m, state == mapperFound
	}
	if g.cfg.PortMap == nil {
		g.setMapper(nil, mapperNotFound)
		return nil, false
	}

	m, err := g.discover(ctx, g.cfg.PortMap)
	if err != nil {
		// A canceled discovery says nothing about the gateway
		if ctx.Err() == nil {
			g.setMapper(nil, mapperNotFound)
		}
		g.logger.Info("no port mapping gateway", zap.Error(err))
		return nil, false
	}
	g.setMapper(m, mapperFound)
	return m, true
}

func (g *Gatherer) mapperStatus() (portmap.Mapper, mapperState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mapper, g.mapperState
}

func (g *Gatherer) setMapper(m portmap.Mapper, state mapperState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	// SetPortMapper wins over a discovery that raced it
	if g.mapperState == mapperFound {
		return
	}
	g.mapper = m
	g.mapperState = state
}

// SetPortMapper installs m as the gateway, skipping discovery.
func (g *Gatherer) SetPortMapper(m portmap.Mapper) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mapper = m
	g.mapperState = mapperFound
}

// AddPortMapping forwards external UDP port to internal and reports success.
func (g *Gatherer) AddPortMapping(ctx context.Context, internal, external int) bool {
	m, ok := g.PortMapper(ctx)
	if !ok {
		return false
	}
	port, err := m.AddPortMapping(ctx, "udp", internal, external, g.cfg.MappingDescription, g.cfg.MappingLease)
	if err != nil {
		g.logger.Warn("port mapping failed", zap.Int("port", external), zap.Error(err))
		return false
	}
	if port != external {
		// Only same-port mappings are advertised; give this one back
		g.logger.Info("gateway assigned a different port",
			zap.Int("requested", external), zap.Int("assigned", port))
		if err := m.DeletePortMapping(ctx, "udp", port); err != nil {
			g.logger.Debug("releasing mismatched mapping failed", zap.Error(err))
		}
		return false
	}

	g.mu.Lock()
	g.mappings[external] = struct{}{}
	g.mu.Unlock()
	return true
}

// DeletePortMapping removes a mapping added by AddPortMapping.
func (g *Gatherer) DeletePortMapping(ctx context.Context, external int) bool {
	m, ok := g.PortMapper(ctx)
	if !ok {
		return false
	}
	g.mu.Lock()
	delete(g.mappings, external)
	g.mu.Unlock()

	if err := m.DeletePortMapping(ctx, "udp", external); err != nil {
		g.logger.Warn("deleting port mapping failed", zap.Int("port", external), zap.Error(err))
		return false
	}
	return true
}

// ReleaseMappings removes every mapping this gatherer added.
func (g *Gatherer) ReleaseMappings(ctx context.Context) error {
	g.mu.Lock()
	m := g.mapper
	ports := make([]int, 0, len(g.mappings))
	for p := range g.mappings {
		ports = append(ports, p)
	}
	g.mappings = make(map[int]struct{})
	g.mu.Unlock()

	if m == nil {
		return nil
	}
	var err error
	for _, p := range ports {
		err = multierr.Append(err, m.DeletePortMapping(ctx, "udp", p))
	}
	return err
}

// Allocation returns the cached allocation test result, nil before the first IPv4
// STUN query.
func (g *Gatherer) Allocation() *nat.Allocation {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.allocation
}

// STUN returns the external mapping of conn. The first IPv4 call also runs the port
// allocation test on a separate socket.
func (g *Gatherer) STUN(ctx context.Context, conn *net.UDPConn, ipv4 bool) (*net.UDPAddr, error) {
	if ipv4 {
		g.mu.Lock()
		runTest := !g.allocDone
		g.allocDone = true
		g.mu.Unlock()

		if runTest {
			alloc, err := g.allocationTest(ctx)
			if err != nil {
				if types.KindOf(err) == types.KindCanceled {
					g.mu.Lock()
					g.allocDone = false
					g.mu.Unlock()
					return nil, err
				}
				g.logger.Info("allocation test failed", zap.Error(err))
			}
			g.mu.Lock()
			g.allocation = alloc
			g.mu.Unlock()
		}
	}

	return g.stun.Discover(ctx, conn, ipv4)
}

func (g *Gatherer) allocationTest(ctx context.Context) (*nat.Allocation, error) {
	if len(g.stun.Servers()) == 0 {
		return nil, nil
	}
	conn, err := netutil.ListenUDP(ctx, "udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	samples, err := g.stun.Samples(ctx, conn, g.cfg.AllocationSamples)
	if err != nil {
		return nil, err
	}
	localPort := conn.LocalAddr().(*net.UDPAddr).Port
	alloc := nat.Classify(localPort, samples)
	g.logger.Info("port allocation", zap.Stringer("allocation", alloc))
	return alloc, nil
}

// Gather builds the candidate set for conn.
func (g *Gatherer) Gather(ctx context.Context, conn *net.UDPConn) (*Set, error) {
	ip, err := g.Local()
	if err != nil {
		return nil, err
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port

	set := &Set{
		LocalIP: ip,
		Port:    port,
		Local: types.Candidate{
			Type:       types.CandidateLocal,
			Addr:       ip.String(),
			MappedAddr: "0.0.0.0",
			Port:       port,
		},
		MAC: netutil.DefaultRouteMAC(ip),
	}

	if static, err := g.mappedStatic(ctx, port); err == nil {
		set.Static = static
	} else if types.KindOf(err) == types.KindCanceled {
		return nil, err
	}

	if set.Static == nil {
		mapped, err := g.STUN(ctx, conn, ip.To4() != nil)
		switch {
		case err == nil:
			set.Static = &types.Candidate{
				Type:       types.CandidateStatic,
				Addr:       mapped.IP.String(),
				MappedAddr: "0.0.0.0",
				Port:       mapped.Port,
			}
			set.Allocation = g.Allocation()
			if set.Allocation != nil && set.Allocation.Type.Symmetric() {
				for _, p := range nat.GuessPorts(set.Allocation.After(mapped.Port), g.cfg.Predict) {
					set.Guesses = append(set.Guesses, types.Candidate{
						Type:       types.CandidateStun,
						Addr:       mapped.IP.String(),
						MappedAddr: "0.0.0.0",
						Port:       p,
					})
				}
			}
		case types.KindOf(err) == types.KindCanceled:
			return nil, err
		default:
			g.logger.Info("no STUN mapping, offering local candidate only", zap.Error(err))
		}
	}

	for _, c := range set.Candidates() {
		metrics.GatheredCandidatesTotal.WithLabelValues(c.Type.String()).Inc()
	}
	g.logger.Debug("gathered candidates",
		zap.Int("port", port),
		zap.Int("count", len(set.Candidates())),
		zap.Int("guesses", len(set.Guesses)))
	return set, nil
}

// mappedStatic returns the gateway's external address for a same-port mapping of port.
func (g *Gatherer) mappedStatic(ctx context.Context, port int) (*types.Candidate, error) {
	m, ok := g.PortMapper(ctx)
	if !ok {
		if err := ctx.Err(); err != nil {
			return nil, types.FromContext("gather", err)
		}
		return nil, errors.New("no gateway")
	}
	extIP, err := m.ExternalIP(ctx)
	if err != nil {
		g.logger.Info("gateway has no external address", zap.String("mapper", m.Name()), zap.Error(err))
		return nil, err
	}
	if !g.AddPortMapping(ctx, port, port) {
		return nil, fmt.Errorf("%s mapping of port %d failed", m.Name(), port)
	}
	return &types.Candidate{
		Type:       types.CandidateStatic,
		Addr:       extIP.String(),
		MappedAddr: "0.0.0.0",
		Port:       port,
	}, nil
}
