package holepunch

import (
	"fmt"
	"net"
	"time"

	"github.com/saintparish4/rendezvous/pkg/types"
)

// Connection is an established hole for one port type. The socket is connected to
// the host and belongs to the caller once PunchHole returns it.
type Connection struct {
	PortType  types.PortType
	Conn      *net.UDPConn
	Remote    *net.UDPAddr
	Candidate types.Candidate
	LocalPort int

	RTT           time.Duration
	EstablishedAt time.Time
}

// String returns a string representation of the connection
func (c *Connection) String() string {
	return fmt.Sprintf("%s: :%d <-> %s via %s (RTT: %v)", c.PortType, c.LocalPort, c.Remote, c.Candidate.Type, c.RTT)
}

// Close closes the underlying socket
func (c *Connection) Close() error {
	if c.Conn == nil {
		return nil
	}
	return c.Conn.Close()
}
