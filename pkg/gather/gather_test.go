package gather

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saintparish4/rendezvous/pkg/nat"
	"github.com/saintparish4/rendezvous/pkg/portmap"
	"github.com/saintparish4/rendezvous/pkg/stun"
	"github.com/saintparish4/rendezvous/pkg/stun/stuntest"
	"github.com/saintparish4/rendezvous/pkg/types"
)

var loopback = net.IPv4(127, 0, 0, 1)

type fakeMapper struct {
	mu       sync.Mutex
	external net.IP
	assign   func(external int) int
	mapped   map[int]bool
	deleted  []int
}

func newFakeMapper(external net.IP) *fakeMapper {
	return &fakeMapper{external: external, mapped: make(map[int]bool)}
}

func (f *fakeMapper) Name() string { return "fake" }

func (f *fakeMapper) ExternalIP(context.Context) (net.IP, error) {
	if f.external == nil {
		return nil, errors.New("no external address")
	}
	return f.external, nil
}

func (f *fakeMapper) AddPortMapping(_ context.Context, _ string, _, external int, _ string, _ time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	port := external
	if f.assign != nil {
		port = f.assign(external)
	}
	f.mapped[port] = true
	return port, nil
}

func (f *fakeMapper) DeletePortMapping(_ context.Context, _ string, external int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, external)
	if !f.mapped[external] {
		return errors.New("no such mapping")
	}
	delete(f.mapped, external)
	return nil
}

func listen(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: loopback})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func serversOf(srvs ...*stuntest.Server) []stun.Server {
	var out []stun.Server
	for _, s := range srvs {
		out = append(out, stun.Server{Host: s.Addr().IP.String(), Port: s.Addr().Port})
	}
	return out
}

func testConfig(t *testing.T, servers []stun.Server) *Config {
	cfg := DefaultConfig()
	cfg.LocalIP = loopback
	cfg.PortMap = nil
	cfg.STUN = &stun.Config{Servers: servers, Timeout: 200 * time.Millisecond}
	cfg.Logger = zaptest.NewLogger(t)
	return cfg
}

func TestGatherLocalOnly(t *testing.T) {
	g := New(testConfig(t, []stun.Server{}))
	conn := listen(t)

	set, err := g.Gather(context.Background(), conn)
	require.NoError(t, err)

	port := conn.LocalAddr().(*net.UDPAddr).Port
	assert.Nil(t, set.Static)
	assert.Empty(t, set.Guesses)
	assert.Equal(t, types.Candidate{
		Type:       types.CandidateLocal,
		Addr:       "127.0.0.1",
		MappedAddr: "0.0.0.0",
		Port:       port,
	}, set.Local)
	assert.Equal(t, []types.Candidate{set.Local}, set.Candidates())
}

func TestGatherUsesPortMapping(t *testing.T) {
	g := New(testConfig(t, []stun.Server{}))
	mapper := newFakeMapper(net.IPv4(203, 0, 113, 5))
	g.SetPortMapper(mapper)
	conn := listen(t)
	port := conn.LocalAddr().(*net.UDPAddr).Port

	set, err := g.Gather(context.Background(), conn)
	require.NoError(t, err)
	require.NotNil(t, set.Static)
	assert.Equal(t, types.Candidate{
		Type:       types.CandidateStatic,
		Addr:       "203.0.113.5",
		MappedAddr: "0.0.0.0",
		Port:       port,
	}, *set.Static)

	cands := set.Candidates()
	require.Len(t, cands, 2)
	assert.Equal(t, types.CandidateStatic, cands[0].Type)
	assert.Equal(t, types.CandidateLocal, cands[1].Type)

	require.NoError(t, g.ReleaseMappings(context.Background()))
	assert.Equal(t, []int{port}, mapper.deleted)
	assert.Empty(t, mapper.mapped)

	// Nothing left to release
	require.NoError(t, g.ReleaseMappings(context.Background()))
	assert.Len(t, mapper.deleted, 1)
}

func TestAddPortMappingRejectsDifferentPort(t *testing.T) {
	g := New(testConfig(t, []stun.Server{}))
	mapper := newFakeMapper(net.IPv4(203, 0, 113, 5))
	mapper.assign = func(external int) int { return external + 1 }
	g.SetPortMapper(mapper)

	assert.False(t, g.AddPortMapping(context.Background(), 9295, 9295))
	assert.Equal(t, []int{9296}, mapper.deleted)
	assert.Empty(t, mapper.mapped)
}

func TestPortMapperNotFoundIsCached(t *testing.T) {
	g := New(testConfig(t, []stun.Server{}))

	_, ok := g.PortMapper(context.Background())
	assert.False(t, ok)
	assert.False(t, g.AddPortMapping(context.Background(), 1, 1))
	assert.False(t, g.DeletePortMapping(context.Background(), 1))
	assert.NoError(t, g.ReleaseMappings(context.Background()))
}

func TestPortMapperDiscoveryDoesNotBlockState(t *testing.T) {
	cfg := testConfig(t, []stun.Server{})
	cfg.PortMap = portmap.DefaultConfig()
	g := New(cfg)

	mapper := newFakeMapper(net.IPv4(203, 0, 113, 5))
	started := make(chan struct{})
	release := make(chan struct{})
	var calls int
	var callsMu sync.Mutex
	g.discover = func(context.Context, *portmap.Config) (portmap.Mapper, error) {
		callsMu.Lock()
		calls++
		first := calls == 1
		callsMu.Unlock()
		if first {
			close(started)
		}
		<-release
		return mapper, nil
	}

	results := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, ok := g.PortMapper(context.Background())
			results <- ok
		}()
	}
	<-started

	done := make(chan struct{})
	go func() {
		defer close(done)
		g.Allocation()
		_, _ = g.Local()
		_ = g.ReleaseMappings(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("gatherer state blocked while discovery ran")
	}

	close(release)
	assert.True(t, <-results)
	assert.True(t, <-results)

	callsMu.Lock()
	assert.Equal(t, 1, calls)
	callsMu.Unlock()

	m, ok := g.PortMapper(context.Background())
	require.True(t, ok)
	assert.Same(t, mapper, m)
}

func TestGatherFallsBackToSTUN(t *testing.T) {
	srv := stuntest.NewServer(t, stuntest.Reflect)
	g := New(testConfig(t, serversOf(srv)))
	conn := listen(t)
	port := conn.LocalAddr().(*net.UDPAddr).Port

	set, err := g.Gather(context.Background(), conn)
	require.NoError(t, err)
	require.NotNil(t, set.Static)
	assert.Equal(t, "127.0.0.1", set.Static.Addr)
	assert.Equal(t, port, set.Static.Port)
	assert.Empty(t, set.Guesses)
}

func TestGatherSymmetricIncrement(t *testing.T) {
	ext := net.IPv4(203, 0, 113, 9)
	// The allocation test asks a then b; the gathered socket then asks a again
	a := stuntest.NewServer(t, stuntest.Sequence(ext, 40000, 40020))
	b := stuntest.NewServer(t, stuntest.Sequence(ext, 40008))

	g := New(testConfig(t, serversOf(a, b)))
	set, err := g.Gather(context.Background(), listen(t))
	require.NoError(t, err)

	alloc := g.Allocation()
	require.NotNil(t, alloc)
	assert.Equal(t, nat.TypeSymmetricIncrement, alloc.Type)
	assert.Equal(t, 8, alloc.Increment)

	require.NotNil(t, set.Static)
	assert.Equal(t, 40020, set.Static.Port)
	require.Len(t, set.Guesses, 8)
	for k, c := range set.Guesses {
		assert.Equal(t, types.CandidateStun, c.Type)
		assert.Equal(t, "203.0.113.9", c.Addr)
		assert.Equal(t, 40028+8*k, c.Port)
	}
	assert.Len(t, set.Candidates(), 10)
}

func TestAllocationTestRunsOnce(t *testing.T) {
	srv := stuntest.NewServer(t, stuntest.Reflect)
	g := New(testConfig(t, serversOf(srv)))
	conn := listen(t)

	_, err := g.STUN(context.Background(), conn, true)
	require.NoError(t, err)
	first := srv.Requests()

	_, err = g.STUN(context.Background(), conn, true)
	require.NoError(t, err)
	assert.Equal(t, first+1, srv.Requests())
}
