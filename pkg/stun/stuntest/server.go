// Package stuntest provides a loopback STUN server for tests.
package stuntest

import (
	"net"
	"sync"
	"testing"

	"github.com/pion/stun"
)

// MapFunc returns the address reported back to the requester. n counts requests the
// server has seen, starting at 0. Returning nil drops the request.
type MapFunc func(from *net.UDPAddr, n int) *net.UDPAddr

// Server is a STUN server on 127.0.0.1 answering Binding requests.
type Server struct {
	conn *net.UDPConn
	mapf MapFunc

	mu    sync.Mutex
	count int

	done chan struct{}
}

// Reflect reports the requester's own source address.
func Reflect(from *net.UDPAddr, _ int) *net.UDPAddr {
	return from
}

// Sequence reports ip with ports[n], dropping requests beyond the list.
func Sequence(ip net.IP, ports ...int) MapFunc {
	return func(_ *net.UDPAddr, n int) *net.UDPAddr {
		if n >= len(ports) || ports[n] == 0 {
			return nil
		}
		return &net.UDPAddr{IP: ip, Port: ports[n]}
	}
}

// NewServer starts a server that answers with mapf. It is closed with the test.
func NewServer(t testing.TB, mapf MapFunc) *Server {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("stuntest: listen: %v", err)
	}
	s := &Server{
		conn: conn,
		mapf: mapf,
		done: make(chan struct{}),
	}
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Addr returns the server's address.
func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Requests returns the number of Binding requests received.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Close stops the server.
func (s *Server) Close() {
	s.conn.Close()
	<-s.done
}

func (s *Server) serve() {
	defer close(s.done)

	buf := make([]byte, 1500)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}

		req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := req.Decode(); err != nil || req.Type != stun.BindingRequest {
			continue
		}

		s.mu.Lock()
		idx := s.count
		s.count++
		s.mu.Unlock()

		mapped := s.mapf(from, idx)
		if mapped == nil {
			continue
		}

		res, err := stun.Build(
			stun.NewTransactionIDSetter(req.TransactionID),
			stun.BindingSuccess,
			&stun.XORMappedAddress{IP: mapped.IP, Port: mapped.Port},
			stun.Fingerprint,
		)
		if err != nil {
			continue
		}
		s.conn.WriteToUDP(res.Raw, from)
	}
}
