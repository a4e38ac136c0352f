// Package stun discovers NAT-external addresses with RFC 5389 Binding requests sent
// over a caller-owned UDP socket.
package stun

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/stun"
	"go.uber.org/zap"

	"github.com/saintparish4/rendezvous/pkg/netutil"
	"github.com/saintparish4/rendezvous/pkg/types"
)

// DefaultPort is used when a server is given without a port.
const DefaultPort = 3478

// Server is one STUN server endpoint.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (s Server) String() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ParseServer parses "host" or "host:port".
func ParseServer(s string) (Server, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// No port given
		if s == "" {
			return Server{}, fmt.Errorf("empty STUN server")
		}
		return Server{Host: s, Port: DefaultPort}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Server{}, fmt.Errorf("invalid STUN server port %q", portStr)
	}
	return Server{Host: host, Port: port}, nil
}

// DefaultServers returns the built-in server list. The first entry is the preferred
// server; NewClient shuffles the rest.
func DefaultServers() []Server {
	servers := []Server{{Host: "stun.moonlight-stream.org", Port: 3478}}
	for _, host := range []string{
		"stun.l.google.com",
		"stun1.l.google.com",
		"stun2.l.google.com",
		"stun3.l.google.com",
		"stun4.l.google.com",
	} {
		servers = append(servers, Server{Host: host, Port: 19302}, Server{Host: host, Port: 19305})
	}
	return servers
}

// Config holds STUN client settings
type Config struct {
	// Servers in preference order. Empty means DefaultServers.
	Servers []Server

	// Timeout for one Binding exchange
	Timeout time.Duration

	// Shuffle everything after the first server
	Shuffle bool

	// Seed for the shuffle; zero picks a time-based seed
	Seed int64

	Logger *zap.Logger
}

// DefaultConfig returns a client configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Servers: DefaultServers(),
		Timeout: 5 * time.Second,
		Shuffle: true,
	}
}

// Client sends Binding requests to an ordered list of servers.
type Client struct {
	servers []Server
	timeout time.Duration
	logger  *zap.Logger

	// A socket must not see two exchanges at once or responses get consumed by the
	// wrong reader.
	mu sync.Mutex
}

// NewClient creates a new STUN client
func NewClient(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	// nil means the built-in list, an empty non-nil slice disables STUN.
	servers := append([]Server{}, cfg.Servers...)
	if cfg.Servers == nil {
		servers = DefaultServers()
	}
	if cfg.Shuffle && len(servers) > 2 {
		seed := cfg.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		rng := rand.New(rand.NewSource(seed))
		rest := servers[1:]
		rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		servers: servers,
		timeout: timeout,
		logger:  logger.Named("stun"),
	}
}

// Servers returns the server list in query order.
func (c *Client) Servers() []Server {
	return append([]Server(nil), c.servers...)
}

// Query performs one Binding exchange with server over conn and returns the mapped
// address. conn stays open and its read deadline is cleared afterwards.
func (c *Client) Query(ctx context.Context, conn *net.UDPConn, server *net.UDPAddr) (*net.UDPAddr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Step 1: Build the Binding request
	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, types.NewError(types.KindProtocol, "stun build request", err)
	}

	// Step 2: Bound the exchange by timeout and ctx
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, types.NewError(types.KindTransport, "stun set deadline", err)
	}
	defer conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	// Step 3: Send
	if _, err := conn.WriteToUDP(req.Raw, server); err != nil {
		return nil, types.NewError(types.KindTransport, "stun send request", err)
	}

	// Step 4: Read until a response with our transaction id arrives
	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, types.FromContext("stun read response", ctxErr)
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, types.NewError(types.KindTimeout, "stun read response", err)
			}
			return nil, types.NewError(types.KindTransport, "stun read response", err)
		}
		if !from.IP.Equal(server.IP) || from.Port != server.Port {
			c.logger.Debug("ignoring packet from unexpected source", zap.Stringer("from", from))
			continue
		}

		res := new(stun.Message)
		res.Raw = append([]byte(nil), buf[:n]...)
		if err := res.Decode(); err != nil {
			c.logger.Debug("ignoring undecodable packet", zap.Error(err))
			continue
		}
		if res.TransactionID != req.TransactionID {
			continue
		}
		if res.Type != stun.BindingSuccess {
			return nil, types.NewError(types.KindProtocol, "stun response", fmt.Errorf("unexpected message type %s", res.Type))
		}

		// Step 5: Extract the mapped address
		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(res); err == nil {
			return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
		}
		var mapped stun.MappedAddress
		if err := mapped.GetFrom(res); err != nil {
			return nil, types.NewError(types.KindProtocol, "stun response", errors.New("no mapped address in response"))
		}
		return &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}, nil
	}
}

// Discover queries the servers in order over conn until one answers. ipv4 selects the
// address family servers are resolved to. The last failure is returned when nobody
// answers.
func (c *Client) Discover(ctx context.Context, conn *net.UDPConn, ipv4 bool) (*net.UDPAddr, error) {
	network := "udp6"
	if ipv4 {
		network = "udp4"
	}

	lastErr := types.NewError(types.KindTimeout, "stun discover", errors.New("no STUN servers"))
	for _, s := range c.servers {
		if err := ctx.Err(); err != nil {
			return nil, types.FromContext("stun discover", err)
		}
		addr, err := netutil.ResolveUDPAddr(network, s.String())
		if err != nil {
			c.logger.Debug("resolve failed", zap.Stringer("server", s), zap.Error(err))
			lastErr = types.NewError(types.KindTransport, "stun resolve", err)
			continue
		}
		mapped, err := c.Query(ctx, conn, addr)
		if err != nil {
			if k := types.KindOf(err); k == types.KindCanceled {
				return nil, err
			}
			c.logger.Debug("query failed", zap.Stringer("server", s), zap.Error(err))
			lastErr = err
			continue
		}
		c.logger.Debug("mapped address",
			zap.Stringer("server", s),
			zap.Stringer("local", conn.LocalAddr()),
			zap.Stringer("mapped", mapped))
		return mapped, nil
	}
	return nil, lastErr
}

// Samples sends one IPv4 Binding request to each of the first n servers from conn, in
// order. Entry i is the mapping seen by server i, nil when that server did not answer.
// An error is returned only when ctx ends.
func (c *Client) Samples(ctx context.Context, conn *net.UDPConn, n int) ([]*net.UDPAddr, error) {
	if n > len(c.servers) {
		n = len(c.servers)
	}
	samples := make([]*net.UDPAddr, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, types.FromContext("stun samples", err)
		}
		addr, err := netutil.ResolveUDPAddr("udp4", c.servers[i].String())
		if err != nil {
			c.logger.Debug("resolve failed", zap.Stringer("server", c.servers[i]), zap.Error(err))
			continue
		}
		mapped, err := c.Query(ctx, conn, addr)
		if err != nil {
			if types.KindOf(err) == types.KindCanceled {
				return nil, err
			}
			continue
		}
		samples[i] = mapped
	}
	return samples, nil
}
