// Package codec converts session messages to and from the JSON carried in push
// notifications and session-message posts.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/saintparish4/rendezvous/pkg/types"
)

type wireCandidate struct {
	Type       *string `json:"type"`
	Addr       *string `json:"addr"`
	MappedAddr *string `json:"mappedAddr"`
	Port       *int    `json:"port"`
	MappedPort *int    `json:"mappedPort"`
}

type wirePeerAddr struct {
	AccountID json.RawMessage `json:"accountId,omitempty"`
	Platform  string          `json:"platform,omitempty"`
}

type wireConnRequest struct {
	SID             *int            `json:"sid"`
	PeerSID         *int            `json:"peerSid"`
	SKey            *string         `json:"skey"`
	NATType         *int            `json:"natType"`
	Candidates      []wireCandidate `json:"candidate"`
	DefaultRouteMAC *string         `json:"defaultRouteMacAddr"`
	LocalPeerAddr   json.RawMessage `json:"localPeerAddr"`
	LocalHashedID   *string         `json:"localHashedId"`
}

type wireMessage struct {
	Action      *string         `json:"action"`
	ReqID       *int            `json:"reqId"`
	Error       *int            `json:"error"`
	ConnRequest json.RawMessage `json:"connRequest"`
}

// Marshal serializes msg. shortForm emits an empty connRequest object, which is what
// acknowledgements carry.
func Marshal(msg *types.SessionMessage, shortForm bool) ([]byte, error) {
	connReq := json.RawMessage("{}")
	if !shortForm && msg.ConnRequest != nil {
		b, err := marshalConnRequest(msg.ConnRequest)
		if err != nil {
			return nil, err
		}
		connReq = b
	}

	action := msg.Action.String()
	return json.Marshal(wireMessage{
		Action:      &action,
		ReqID:       &msg.RequestID,
		Error:       &msg.ErrorCode,
		ConnRequest: connReq,
	})
}

func marshalConnRequest(req *types.ConnectionRequest) ([]byte, error) {
	cands := make([]wireCandidate, 0, len(req.Candidates))
	for i := range req.Candidates {
		c := req.Candidates[i]
		typ := c.Type.String()
		cands = append(cands, wireCandidate{
			Type:       &typ,
			Addr:       &c.Addr,
			MappedAddr: &c.MappedAddr,
			Port:       &c.Port,
			MappedPort: &c.MappedPort,
		})
	}

	// An empty PeerAddr has no wire form distinct from an absent one
	peer := json.RawMessage("{}")
	if pa := req.LocalPeerAddr; pa != nil && (pa.AccountID != "" || pa.Platform != "") {
		account, err := json.Marshal(req.LocalPeerAddr.AccountID)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(wirePeerAddr{AccountID: account, Platform: req.LocalPeerAddr.Platform})
		if err != nil {
			return nil, err
		}
		peer = b
	}

	skey := base64.StdEncoding.EncodeToString(req.SessionKey[:])
	mac := ""
	if len(req.DefaultRouteMAC) > 0 && !allZero(req.DefaultRouteMAC) {
		mac = req.DefaultRouteMAC.String()
	}
	hashed := ""
	if !allZero(req.LocalHashedID[:]) {
		hashed = base64.StdEncoding.EncodeToString(req.LocalHashedID[:])
	}

	return json.Marshal(wireConnRequest{
		SID:             &req.SID,
		PeerSID:         &req.PeerSID,
		SKey:            &skey,
		NATType:         &req.NATType,
		Candidates:      cands,
		DefaultRouteMAC: &mac,
		LocalPeerAddr:   peer,
		LocalHashedID:   &hashed,
	})
}

// Decoder parses session messages.
type Decoder struct {
	// RepairLocalPeerAddr inserts an empty object where a sender left the
	// localPeerAddr value out entirely.
	RepairLocalPeerAddr bool
}

// Unmarshal parses a session message with the localPeerAddr repair enabled.
func Unmarshal(payload []byte) (*types.SessionMessage, error) {
	return Decoder{RepairLocalPeerAddr: true}.Unmarshal(payload)
}

// Unmarshal parses a session message. Every structural problem is a Parse error.
func (d Decoder) Unmarshal(payload []byte) (*types.SessionMessage, error) {
	if d.RepairLocalPeerAddr {
		payload = repairLocalPeerAddr(payload)
	}

	var w wireMessage
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, parseError(err)
	}
	if w.Action == nil {
		return nil, parseError(errors.New("missing action"))
	}
	if w.ReqID == nil {
		return nil, parseError(errors.New("missing reqId"))
	}
	if w.Error == nil {
		return nil, parseError(errors.New("missing error"))
	}

	msg := &types.SessionMessage{
		Action:    types.ParseAction(*w.Action),
		RequestID: *w.ReqID,
		ErrorCode: *w.Error,
	}

	var fields map[string]json.RawMessage
	if len(w.ConnRequest) == 0 || json.Unmarshal(w.ConnRequest, &fields) != nil || fields == nil {
		return nil, parseError(errors.New("connRequest is not an object"))
	}
	if len(fields) == 0 {
		return msg, nil
	}

	req, err := unmarshalConnRequest(w.ConnRequest)
	if err != nil {
		return nil, parseError(err)
	}
	msg.ConnRequest = req
	return msg, nil
}

func unmarshalConnRequest(raw json.RawMessage) (*types.ConnectionRequest, error) {
	var w wireConnRequest
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	switch {
	case w.SID == nil:
		return nil, errors.New("missing sid")
	case w.PeerSID == nil:
		return nil, errors.New("missing peerSid")
	case w.SKey == nil:
		return nil, errors.New("missing skey")
	case w.NATType == nil:
		return nil, errors.New("missing natType")
	case w.DefaultRouteMAC == nil:
		return nil, errors.New("missing defaultRouteMacAddr")
	case w.LocalHashedID == nil:
		return nil, errors.New("missing localHashedId")
	case w.Candidates == nil:
		return nil, errors.New("missing candidate")
	}

	req := &types.ConnectionRequest{
		SID:     *w.SID,
		PeerSID: *w.PeerSID,
		NATType: *w.NATType,
	}

	if err := decodeFixed(*w.SKey, req.SessionKey[:]); err != nil {
		return nil, fmt.Errorf("skey: %w", err)
	}
	if err := decodeFixed(*w.LocalHashedID, req.LocalHashedID[:]); err != nil {
		return nil, fmt.Errorf("localHashedId: %w", err)
	}

	if *w.DefaultRouteMAC != "" {
		mac, err := net.ParseMAC(*w.DefaultRouteMAC)
		if err != nil {
			return nil, fmt.Errorf("defaultRouteMacAddr: %w", err)
		}
		req.DefaultRouteMAC = mac
	}

	peer, err := unmarshalPeerAddr(w.LocalPeerAddr)
	if err != nil {
		return nil, fmt.Errorf("localPeerAddr: %w", err)
	}
	req.LocalPeerAddr = peer

	for i, wc := range w.Candidates {
		if wc.Type == nil || wc.Addr == nil || wc.MappedAddr == nil || wc.Port == nil || wc.MappedPort == nil {
			return nil, fmt.Errorf("candidate %d: missing field", i)
		}
		typ, err := types.ParseCandidateType(*wc.Type)
		if err != nil {
			return nil, fmt.Errorf("candidate %d: %w", i, err)
		}
		req.Candidates = append(req.Candidates, types.Candidate{
			Type:       typ,
			Addr:       *wc.Addr,
			MappedAddr: *wc.MappedAddr,
			Port:       *wc.Port,
			MappedPort: *wc.MappedPort,
		})
	}
	return req, nil
}

func unmarshalPeerAddr(raw json.RawMessage) (*types.PeerAddr, error) {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	var w wirePeerAddr
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	account := ""
	if len(w.AccountID) > 0 {
		// Hosts send the account id as a string, some as a bare number
		if err := json.Unmarshal(w.AccountID, &account); err != nil {
			var n json.Number
			if err := json.Unmarshal(w.AccountID, &n); err != nil {
				return nil, fmt.Errorf("accountId: %w", err)
			}
			account = n.String()
		}
	}
	if account == "" && w.Platform == "" {
		return nil, nil
	}
	return &types.PeerAddr{AccountID: account, Platform: w.Platform}, nil
}

// decodeFixed base64-decodes s into dst. An empty string leaves dst zeroed.
func decodeFixed(s string, dst []byte) error {
	if s == "" {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("decoded %d bytes, want %d", len(b), len(dst))
	}
	copy(dst, b)
	return nil
}

var peerAddrKey = []byte(`"localPeerAddr":`)

// repairLocalPeerAddr fixes session messages whose sender wrote `"localPeerAddr":,`
// with no value by inserting `{}`. Anything else is returned untouched.
func repairLocalPeerAddr(payload []byte) []byte {
	i := bytes.Index(payload, peerAddrKey)
	if i < 0 {
		return payload
	}
	end := i + len(peerAddrKey)
	if rest := bytes.TrimLeft(payload[end:], " \t\r\n"); len(rest) == 0 || rest[0] != ',' {
		return payload
	}
	fixed := make([]byte, 0, len(payload)+2)
	fixed = append(fixed, payload[:end]...)
	fixed = append(fixed, '{', '}')
	return append(fixed, payload[end:]...)
}

func allZero(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}

func parseError(err error) error {
	return types.NewError(types.KindParse, "parse session message", err)
}
