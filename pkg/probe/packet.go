// Package probe runs the connectivity check between the client and the host: both
// sides fire fixed-size request packets at every candidate and answer the other
// side's requests until a pair has been confirmed in both directions.
package probe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// PacketSize is the length of every probe packet.
const PacketSize = 88

// MsgType is the first word of a packet.
type MsgType uint32

const (
	TypeRequest  MsgType = 0x06000000
	TypeResponse MsgType = 0x07000000
)

func (t MsgType) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	default:
		return fmt.Sprintf("unknown(%#x)", uint32(t))
	}
}

// Field offsets.
const (
	offType         = 0x00
	offLocalHashed  = 0x04
	offPeerHashed   = 0x24
	offLocalSID     = 0x44
	offPeerSID      = 0x46
	offTxID         = 0x4b
	offObservedIP   = 0x51
	offObservedPort = 0x55
)

var errPacketSize = errors.New("probe: packet must be 88 bytes")

// Packet is a decoded probe packet. IDs are from the sender's point of view.
type Packet struct {
	Type          MsgType
	LocalHashedID [20]byte
	PeerHashedID  [20]byte
	LocalSID      uint16
	PeerSID       uint16
	TxID          [5]byte

	// Observed is the requester's address as seen by the responder. Responses only,
	// IPv4 only.
	Observed *net.UDPAddr
}

// MarshalBinary encodes p. The observed address is XOR-ed with the sender's
// session ids.
func (p *Packet) MarshalBinary() ([]byte, error) {
	b := make([]byte, PacketSize)
	binary.BigEndian.PutUint32(b[offType:], uint32(p.Type))
	copy(b[offLocalHashed:], p.LocalHashedID[:])
	copy(b[offPeerHashed:], p.PeerHashedID[:])
	binary.BigEndian.PutUint16(b[offLocalSID:], p.LocalSID)
	binary.BigEndian.PutUint16(b[offPeerSID:], p.PeerSID)
	copy(b[offTxID:], p.TxID[:])

	if p.Type == TypeResponse {
		copy(b[offObservedIP:offObservedIP+4], b[offLocalSID:offLocalSID+4])
		copy(b[offObservedPort:offObservedPort+2], b[offLocalSID:offLocalSID+2])
		if p.Observed != nil {
			ip := p.Observed.IP.To4()
			if ip == nil {
				return nil, fmt.Errorf("probe: observed address %s is not IPv4", p.Observed.IP)
			}
			var port [2]byte
			binary.BigEndian.PutUint16(port[:], uint16(p.Observed.Port))
			xor(b[offObservedIP:offObservedIP+4], ip)
			xor(b[offObservedPort:offObservedPort+2], port[:])
		}
	}
	return b, nil
}

// UnmarshalBinary decodes an 88-byte packet of a known type.
func (p *Packet) UnmarshalBinary(b []byte) error {
	if len(b) != PacketSize {
		return errPacketSize
	}
	p.Type = MsgType(binary.BigEndian.Uint32(b[offType:]))
	if p.Type != TypeRequest && p.Type != TypeResponse {
		return fmt.Errorf("probe: unexpected packet type %s", p.Type)
	}
	copy(p.LocalHashedID[:], b[offLocalHashed:])
	copy(p.PeerHashedID[:], b[offPeerHashed:])
	p.LocalSID = binary.BigEndian.Uint16(b[offLocalSID:])
	p.PeerSID = binary.BigEndian.Uint16(b[offPeerSID:])
	copy(p.TxID[:], b[offTxID:offTxID+5])

	p.Observed = nil
	if p.Type == TypeResponse {
		ip := make(net.IP, 4)
		copy(ip, b[offObservedIP:offObservedIP+4])
		xor(ip, b[offLocalSID:offLocalSID+4])
		var port [2]byte
		copy(port[:], b[offObservedPort:offObservedPort+2])
		xor(port[:], b[offLocalSID:offLocalSID+2])
		if !ip.IsUnspecified() {
			p.Observed = &net.UDPAddr{IP: ip, Port: int(binary.BigEndian.Uint16(port[:]))}
		}
	}
	return nil
}

func xor(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}
