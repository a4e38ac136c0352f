package stun_test

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saintparish4/rendezvous/pkg/stun"
	"github.com/saintparish4/rendezvous/pkg/stun/stuntest"
	"github.com/saintparish4/rendezvous/pkg/types"
)

func serverOf(addr *net.UDPAddr) stun.Server {
	return stun.Server{Host: addr.IP.String(), Port: addr.Port}
}

func listen(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestParseServer(t *testing.T) {
	tests := []struct {
		in      string
		want    stun.Server
		wantErr bool
	}{
		{"stun.example.org:19302", stun.Server{Host: "stun.example.org", Port: 19302}, false},
		{"stun.example.org", stun.Server{Host: "stun.example.org", Port: stun.DefaultPort}, false},
		{"[::1]:3478", stun.Server{Host: "::1", Port: 3478}, false},
		{"stun.example.org:0", stun.Server{}, true},
		{"stun.example.org:port", stun.Server{}, true},
		{"", stun.Server{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := stun.ParseServer(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewClientKeepsPreferredServerFirst(t *testing.T) {
	defaults := stun.DefaultServers()
	client := stun.NewClient(&stun.Config{Servers: defaults, Shuffle: true, Seed: 42})

	servers := client.Servers()
	require.Len(t, servers, len(defaults))
	assert.Equal(t, defaults[0], servers[0])
	assert.ElementsMatch(t, defaults[1:], servers[1:])
}

func TestNewClientEmptyServerList(t *testing.T) {
	client := stun.NewClient(&stun.Config{Servers: []stun.Server{}})
	assert.Empty(t, client.Servers())

	_, err := client.Discover(context.Background(), listen(t), true)
	assert.True(t, errors.Is(err, types.ErrTimeout))
}

func TestQueryReturnsMappedAddress(t *testing.T) {
	srv := stuntest.NewServer(t, stuntest.Reflect)
	conn := listen(t)

	client := stun.NewClient(&stun.Config{Timeout: time.Second, Logger: zaptest.NewLogger(t)})
	mapped, err := client.Query(context.Background(), conn, srv.Addr())
	require.NoError(t, err)

	assert.True(t, mapped.IP.Equal(net.IPv4(127, 0, 0, 1)))
	assert.Equal(t, conn.LocalAddr().(*net.UDPAddr).Port, mapped.Port)
	assert.Equal(t, 1, srv.Requests())
}

func TestQueryTimeout(t *testing.T) {
	srv := stuntest.NewServer(t, func(*net.UDPAddr, int) *net.UDPAddr { return nil })
	conn := listen(t)

	client := stun.NewClient(&stun.Config{Timeout: 100 * time.Millisecond})
	_, err := client.Query(context.Background(), conn, srv.Addr())
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrTimeout))

	// The socket is still usable after a failed exchange
	require.NoError(t, conn.SetReadDeadline(time.Time{}))
	_, err = conn.WriteToUDP([]byte{0}, srv.Addr())
	assert.NoError(t, err)
}

func TestQueryCanceled(t *testing.T) {
	srv := stuntest.NewServer(t, func(*net.UDPAddr, int) *net.UDPAddr { return nil })
	conn := listen(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	client := stun.NewClient(&stun.Config{Timeout: 5 * time.Second})
	start := time.Now()
	_, err := client.Query(ctx, conn, srv.Addr())
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrCanceled))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDiscoverFallsThroughToAnsweringServer(t *testing.T) {
	silent := stuntest.NewServer(t, func(*net.UDPAddr, int) *net.UDPAddr { return nil })
	answering := stuntest.NewServer(t, stuntest.Sequence(net.IPv4(203, 0, 113, 9), 40000))

	client := stun.NewClient(&stun.Config{
		Servers: []stun.Server{serverOf(silent.Addr()), serverOf(answering.Addr())},
		Timeout: 100 * time.Millisecond,
	})
	mapped, err := client.Discover(context.Background(), listen(t), true)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9:"+strconv.Itoa(40000), mapped.String())
	assert.Equal(t, 1, silent.Requests())
}

func TestDiscoverUnresolvableServer(t *testing.T) {
	answering := stuntest.NewServer(t, stuntest.Sequence(net.IPv4(203, 0, 113, 9), 40000))
	bad := stun.Server{Host: "stun.host.invalid", Port: stun.DefaultPort}

	client := stun.NewClient(&stun.Config{Servers: []stun.Server{bad}, Timeout: 100 * time.Millisecond})
	_, err := client.Discover(context.Background(), listen(t), true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrTransport))
	assert.Contains(t, err.Error(), "stun.host.invalid")

	client = stun.NewClient(&stun.Config{
		Servers: []stun.Server{bad, serverOf(answering.Addr())},
		Timeout: 100 * time.Millisecond,
	})
	mapped, err := client.Discover(context.Background(), listen(t), true)
	require.NoError(t, err)
	assert.Equal(t, 40000, mapped.Port)
}

func TestSamplesKeepsIndexOfSilentServers(t *testing.T) {
	ip := net.IPv4(203, 0, 113, 9)
	a := stuntest.NewServer(t, stuntest.Sequence(ip, 40000))
	b := stuntest.NewServer(t, func(*net.UDPAddr, int) *net.UDPAddr { return nil })
	c := stuntest.NewServer(t, stuntest.Sequence(ip, 40008))

	client := stun.NewClient(&stun.Config{
		Servers: []stun.Server{serverOf(a.Addr()), serverOf(b.Addr()), serverOf(c.Addr())},
		Timeout: 100 * time.Millisecond,
	})
	samples, err := client.Samples(context.Background(), listen(t), 4)
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.Equal(t, 40000, samples[0].Port)
	assert.Nil(t, samples[1])
	assert.Equal(t, 40008, samples[2].Port)
}
