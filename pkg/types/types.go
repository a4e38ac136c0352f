// Package types holds the value types shared by every stage of the hole-punching
// engine: candidates, connection requests, session messages, notifications and the
// session state bitmask.
package types

import (
	"fmt"
	"net"
	"strings"
)

// CandidateType identifies how a candidate address was learned.
type CandidateType int

const (
	// CandidateLocal is an address of a local network interface.
	CandidateLocal CandidateType = iota
	// CandidateStatic is the NAT-external address (UPnP or STUN).
	CandidateStatic
	// CandidateStun is a predicted external port of a symmetric NAT.
	CandidateStun
	// CandidateDerived was learned from the source address of a probe packet.
	CandidateDerived
)

// String returns the wire name of the candidate type
func (t CandidateType) String() string {
	switch t {
	case CandidateLocal:
		return "LOCAL"
	case CandidateStatic:
		return "STATIC"
	case CandidateStun:
		return "STUN"
	case CandidateDerived:
		return "DERIVED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(t))
	}
}

// ParseCandidateType converts a wire name back into a CandidateType.
func ParseCandidateType(s string) (CandidateType, error) {
	switch s {
	case "LOCAL":
		return CandidateLocal, nil
	case "STATIC":
		return CandidateStatic, nil
	case "STUN":
		return CandidateStun, nil
	case "DERIVED":
		return CandidateDerived, nil
	default:
		return 0, fmt.Errorf("unknown candidate type %q", s)
	}
}

// Candidate is one UDP endpoint a peer might be reachable at. The mapped fields hold
// the NAT-external view of a local address and are empty/zero when unknown.
type Candidate struct {
	Type       CandidateType
	Addr       string
	MappedAddr string
	Port       int
	MappedPort int
}

// UDPAddr resolves the candidate's primary address. Returns nil when Addr is not an IP literal.
func (c Candidate) UDPAddr() *net.UDPAddr {
	ip := net.ParseIP(c.Addr)
	if ip == nil {
		return nil
	}
	return &net.UDPAddr{IP: ip, Port: c.Port}
}

// String returns a human-readable representation of the candidate
func (c Candidate) String() string {
	return fmt.Sprintf("%s %s:%d (mapped %s:%d)", c.Type, c.Addr, c.Port, c.MappedAddr, c.MappedPort)
}

// PeerAddr is the account/platform identity pair carried in a connection request.
// An empty PeerAddr is equivalent to none: both encode as `{}` and decode as nil.
type PeerAddr struct {
	AccountID string
	Platform  string
}

// ConnectionRequest is one side's proposal in the candidate exchange.
type ConnectionRequest struct {
	SID             int
	PeerSID         int
	SessionKey      [16]byte
	NATType         int
	Candidates      []Candidate
	DefaultRouteMAC net.HardwareAddr
	LocalPeerAddr   *PeerAddr
	LocalHashedID   [20]byte
}

// Action is the verb of a session message. Values are distinct bits so several
// actions can be combined into a wait mask.
type Action int

const (
	ActionUnknown   Action = 0
	ActionOffer     Action = 1
	ActionResult    Action = 1 << 2
	ActionAccept    Action = 1 << 3
	ActionTerminate Action = 1 << 4
)

// String returns the wire name of the action
func (a Action) String() string {
	switch a {
	case ActionOffer:
		return "OFFER"
	case ActionAccept:
		return "ACCEPT"
	case ActionResult:
		return "RESULT"
	case ActionTerminate:
		return "TERMINATE"
	default:
		return "UNKNOWN"
	}
}

// ParseAction converts a wire name into an Action. Unrecognized names map to ActionUnknown.
func ParseAction(s string) Action {
	switch s {
	case "OFFER":
		return ActionOffer
	case "ACCEPT":
		return ActionAccept
	case "RESULT":
		return ActionResult
	case "TERMINATE":
		return ActionTerminate
	default:
		return ActionUnknown
	}
}

// SessionMessage is the unit exchanged over the signaling channel.
type SessionMessage struct {
	Action      Action
	RequestID   int
	ErrorCode   int
	ConnRequest *ConnectionRequest

	// Notification is the push notification the message arrived in, nil for outgoing messages.
	Notification *Notification
}

// NotificationType classifies push notifications. Values are bit flags usable as a wait mask.
type NotificationType uint32

const (
	NotificationUnknown               NotificationType = 0
	NotificationSessionCreated        NotificationType = 1 << 0
	NotificationMemberCreated         NotificationType = 1 << 1
	NotificationMemberDeleted         NotificationType = 1 << 2
	NotificationCustomData1Updated    NotificationType = 1 << 3
	NotificationSessionMessageCreated NotificationType = 1 << 4
	NotificationSessionDeleted        NotificationType = 1 << 5
)

// String returns a short name for the notification type
func (t NotificationType) String() string {
	switch t {
	case NotificationUnknown:
		return "unknown"
	case NotificationSessionCreated:
		return "session_created"
	case NotificationMemberCreated:
		return "member_created"
	case NotificationMemberDeleted:
		return "member_deleted"
	case NotificationCustomData1Updated:
		return "custom_data1_updated"
	case NotificationSessionMessageCreated:
		return "session_message_created"
	case NotificationSessionDeleted:
		return "session_deleted"
	default:
		return fmt.Sprintf("mask(0x%x)", uint32(t))
	}
}

// Notification is one parsed push frame. Raw holds the complete frame.
type Notification struct {
	Type NotificationType
	Raw  []byte
}

// PortType selects which of the two hole-punch rounds a socket belongs to.
type PortType int

const (
	PortCtrl PortType = iota
	PortData
)

func (p PortType) String() string {
	if p == PortData {
		return "data"
	}
	return "ctrl"
}

// RegistInfo carries the values the downstream registration protocol needs.
type RegistInfo struct {
	Data1       [16]byte
	Data2       [16]byte
	CustomData1 [16]byte
	LocalIP     net.IP
}

// SessionState is the monotonically growing bitmask describing session progress.
type SessionState uint32

const (
	StateInit                SessionState = 0
	StateChannelOpen         SessionState = 1 << 0
	StateCreated             SessionState = 1 << 1
	StateStarted             SessionState = 1 << 2
	StateClientJoined        SessionState = 1 << 3
	StateDataSent            SessionState = 1 << 4
	StateHostJoined          SessionState = 1 << 5
	StateCustomData1Received SessionState = 1 << 6
	StateCtrlOfferReceived   SessionState = 1 << 7
	StateCtrlOfferSent       SessionState = 1 << 8
	StateCtrlHostAccepted    SessionState = 1 << 9
	StateCtrlClientAccepted  SessionState = 1 << 10
	StateCtrlEstablished     SessionState = 1 << 11
	StateDataOfferReceived   SessionState = 1 << 12
	StateDataOfferSent       SessionState = 1 << 13
	StateDataHostAccepted    SessionState = 1 << 14
	StateDataClientAccepted  SessionState = 1 << 15
	StateDataEstablished     SessionState = 1 << 16
	StateDeleted             SessionState = 1 << 17
)

var stateNames = []struct {
	bit  SessionState
	name string
}{
	{StateChannelOpen, "CHANNEL_OPEN"},
	{StateCreated, "CREATED"},
	{StateStarted, "STARTED"},
	{StateClientJoined, "CLIENT_JOINED"},
	{StateDataSent, "DATA_SENT"},
	{StateHostJoined, "HOST_JOINED"},
	{StateCustomData1Received, "CUSTOMDATA1_RECEIVED"},
	{StateCtrlOfferReceived, "CTRL_OFFER_RECEIVED"},
	{StateCtrlOfferSent, "CTRL_OFFER_SENT"},
	{StateCtrlHostAccepted, "CTRL_HOST_ACCEPTED"},
	{StateCtrlClientAccepted, "CTRL_CLIENT_ACCEPTED"},
	{StateCtrlEstablished, "CTRL_ESTABLISHED"},
	{StateDataOfferReceived, "DATA_OFFER_RECEIVED"},
	{StateDataOfferSent, "DATA_OFFER_SENT"},
	{StateDataHostAccepted, "DATA_HOST_ACCEPTED"},
	{StateDataClientAccepted, "DATA_CLIENT_ACCEPTED"},
	{StateDataEstablished, "DATA_ESTABLISHED"},
	{StateDeleted, "DELETED"},
}

// Has reports whether every bit of flags is set.
func (s SessionState) Has(flags SessionState) bool {
	return s&flags == flags
}

// String lists the set flags, e.g. "CHANNEL_OPEN|CREATED".
func (s SessionState) String() string {
	if s == StateInit {
		return "INIT"
	}
	var names []string
	for _, n := range stateNames {
		if s&n.bit != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}
