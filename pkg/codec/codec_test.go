package codec

import (
	"encoding/json"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saintparish4/rendezvous/pkg/types"
)

func fullRequest() *types.ConnectionRequest {
	mac, _ := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	req := &types.ConnectionRequest{
		SID:     4660,
		PeerSID: 22136,
		NATType: 2,
		Candidates: []types.Candidate{
			{Type: types.CandidateStatic, Addr: "203.0.113.5", MappedAddr: "0.0.0.0", Port: 9295},
			{Type: types.CandidateLocal, Addr: "192.168.1.20", MappedAddr: "0.0.0.0", Port: 9295},
			{Type: types.CandidateStun, Addr: "203.0.113.5", MappedAddr: "0.0.0.0", Port: 40016},
		},
		DefaultRouteMAC: mac,
		LocalPeerAddr:   &types.PeerAddr{AccountID: "1234567890123456789", Platform: "REMOTE_PLAY"},
	}
	for i := range req.SessionKey {
		req.SessionKey[i] = byte(i + 1)
	}
	for i := range req.LocalHashedID {
		req.LocalHashedID[i] = byte(0xa0 + i)
	}
	return req
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		req  *types.ConnectionRequest
	}{
		{"full", fullRequest()},
		{"no peer address", func() *types.ConnectionRequest {
			r := fullRequest()
			r.LocalPeerAddr = nil
			return r
		}()},
		{"no mac no hashed id", func() *types.ConnectionRequest {
			r := fullRequest()
			r.DefaultRouteMAC = nil
			r.LocalHashedID = [20]byte{}
			return r
		}()},
		{"derived candidate", func() *types.ConnectionRequest {
			r := fullRequest()
			r.Candidates = []types.Candidate{{Type: types.CandidateDerived, Addr: "198.51.100.3", MappedAddr: "192.168.1.20", Port: 50001, MappedPort: 9295}}
			return r
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &types.SessionMessage{Action: types.ActionOffer, RequestID: 3, ConnRequest: tt.req}
			b, err := Marshal(msg, false)
			require.NoError(t, err)

			got, err := Unmarshal(b)
			require.NoError(t, err)
			assert.Equal(t, msg, got)
		})
	}
}

func TestMarshalFieldLayout(t *testing.T) {
	b, err := Marshal(&types.SessionMessage{Action: types.ActionOffer, RequestID: 1, ConnRequest: fullRequest()}, false)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.JSONEq(t, `"OFFER"`, string(raw["action"]))
	assert.JSONEq(t, `1`, string(raw["reqId"]))
	assert.JSONEq(t, `0`, string(raw["error"]))

	var req map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw["connRequest"], &req))
	assert.JSONEq(t, `"AQIDBAUGBwgJCgsMDQ4PEA=="`, string(req["skey"]))
	assert.JSONEq(t, `"aa:bb:cc:dd:ee:ff"`, string(req["defaultRouteMacAddr"]))
	assert.JSONEq(t, `{"accountId":"1234567890123456789","platform":"REMOTE_PLAY"}`, string(req["localPeerAddr"]))
	assert.JSONEq(t, `{"type":"STATIC","addr":"203.0.113.5","mappedAddr":"0.0.0.0","port":9295,"mappedPort":0}`,
		string(mustIndex(t, req["candidate"], 0)))
}

func mustIndex(t *testing.T, arr json.RawMessage, i int) json.RawMessage {
	var items []json.RawMessage
	require.NoError(t, json.Unmarshal(arr, &items))
	require.Greater(t, len(items), i)
	return items[i]
}

func TestMarshalShortForm(t *testing.T) {
	b, err := Marshal(&types.SessionMessage{Action: types.ActionResult, RequestID: 7, ConnRequest: fullRequest()}, true)
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"RESULT","reqId":7,"error":0,"connRequest":{}}`, string(b))

	msg, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, types.ActionResult, msg.Action)
	assert.Nil(t, msg.ConnRequest)
}

func TestMarshalEmptyFields(t *testing.T) {
	req := fullRequest()
	req.DefaultRouteMAC = net.HardwareAddr{0, 0, 0, 0, 0, 0}
	req.LocalHashedID = [20]byte{}
	req.LocalPeerAddr = nil

	b, err := Marshal(&types.SessionMessage{Action: types.ActionAccept, ConnRequest: req}, false)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"defaultRouteMacAddr":""`)
	assert.Contains(t, string(b), `"localHashedId":""`)
	assert.Contains(t, string(b), `"localPeerAddr":{}`)
}

const hostOffer = `{"action":"OFFER","reqId":1,"error":0,"connRequest":{"sid":5,"peerSid":0,` +
	`"skey":"AAAAAAAAAAAAAAAAAAAAAA==","natType":2,` +
	`"candidate":[{"type":"LOCAL","addr":"192.168.1.50","mappedAddr":"0.0.0.0","port":9296,"mappedPort":0}],` +
	`"defaultRouteMacAddr":"","localPeerAddr":,"localHashedId":""}}`

func TestRepairLocalPeerAddr(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"missing value", `{"a":1,"localPeerAddr":,"b":2}`, `{"a":1,"localPeerAddr":{},"b":2}`},
		{"missing value before space", `{"localPeerAddr": ,"b":2}`, `{"localPeerAddr":{} ,"b":2}`},
		{"null", `{"localPeerAddr":null,"b":2}`, `{"localPeerAddr":null,"b":2}`},
		{"string", `{"localPeerAddr":"x","b":2}`, `{"localPeerAddr":"x","b":2}`},
		{"closing brace", `{"localPeerAddr":}`, `{"localPeerAddr":}`},
		{"truncated", `{"localPeerAddr":`, `{"localPeerAddr":`},
		{"object present", `{"localPeerAddr":{"platform":"PS5"}}`, `{"localPeerAddr":{"platform":"PS5"}}`},
		{"object after space", `{"localPeerAddr": {}}`, `{"localPeerAddr": {}}`},
		{"no key", `{"action":"OFFER"}`, `{"action":"OFFER"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(repairLocalPeerAddr([]byte(tt.in))))
		})
	}
}

func TestUnmarshalQuirk(t *testing.T) {
	msg, err := Unmarshal([]byte(hostOffer))
	require.NoError(t, err)
	assert.Equal(t, types.ActionOffer, msg.Action)
	require.NotNil(t, msg.ConnRequest)
	assert.Nil(t, msg.ConnRequest.LocalPeerAddr)
	assert.Equal(t, 5, msg.ConnRequest.SID)
	require.Len(t, msg.ConnRequest.Candidates, 1)
	assert.Equal(t, 9296, msg.ConnRequest.Candidates[0].Port)

	_, err = Decoder{}.Unmarshal([]byte(hostOffer))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrParse))
}

func TestUnmarshalLeavesOtherPeerAddrValues(t *testing.T) {
	withPeer := func(v string) string {
		return `{"action":"OFFER","reqId":1,"error":0,"connRequest":{"sid":5,"peerSid":0,"skey":"","natType":2,` +
			`"candidate":[],"defaultRouteMacAddr":"","localPeerAddr":` + v + `,"localHashedId":""}}`
	}

	msg, err := Unmarshal([]byte(withPeer("null")))
	require.NoError(t, err)
	assert.Nil(t, msg.ConnRequest.LocalPeerAddr)

	_, err = Unmarshal([]byte(`{"action":"OFFER","reqId":1,"error":0,"connRequest":{"localPeerAddr":}}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrParse))
}

func TestEmptyPeerAddrRoundTrip(t *testing.T) {
	req := &types.ConnectionRequest{SID: 1, LocalPeerAddr: &types.PeerAddr{}}
	withEmpty, err := Marshal(&types.SessionMessage{Action: types.ActionOffer, RequestID: 1, ConnRequest: req}, false)
	require.NoError(t, err)
	assert.Contains(t, string(withEmpty), `"localPeerAddr":{}`)

	req.LocalPeerAddr = nil
	withNil, err := Marshal(&types.SessionMessage{Action: types.ActionOffer, RequestID: 1, ConnRequest: req}, false)
	require.NoError(t, err)
	assert.Equal(t, string(withNil), string(withEmpty))

	msg, err := Unmarshal(withEmpty)
	require.NoError(t, err)
	assert.Nil(t, msg.ConnRequest.LocalPeerAddr)
}

func TestUnmarshalNumericAccountID(t *testing.T) {
	in := `{"action":"OFFER","reqId":1,"error":0,"connRequest":{"sid":5,"peerSid":0,"skey":"","natType":2,` +
		`"candidate":[],"defaultRouteMacAddr":"","localPeerAddr":{"accountId":987654321,"platform":"PROSPERO"},"localHashedId":""}}`
	msg, err := Unmarshal([]byte(in))
	require.NoError(t, err)
	require.NotNil(t, msg.ConnRequest.LocalPeerAddr)
	assert.Equal(t, "987654321", msg.ConnRequest.LocalPeerAddr.AccountID)
	assert.Empty(t, msg.ConnRequest.Candidates)
}

func TestUnmarshalErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"not json", `garbage`},
		{"missing action", `{"reqId":1,"error":0,"connRequest":{}}`},
		{"string reqId", `{"action":"OFFER","reqId":"1","error":0,"connRequest":{}}`},
		{"missing error", `{"action":"OFFER","reqId":1,"connRequest":{}}`},
		{"missing connRequest", `{"action":"OFFER","reqId":1,"error":0}`},
		{"array connRequest", `{"action":"OFFER","reqId":1,"error":0,"connRequest":[]}`},
		{"missing sid", `{"action":"OFFER","reqId":1,"error":0,"connRequest":{"peerSid":1}}`},
		{"bad skey", `{"action":"OFFER","reqId":1,"error":0,"connRequest":{"sid":1,"peerSid":1,"skey":"!!","natType":0,"candidate":[],"defaultRouteMacAddr":"","localPeerAddr":{},"localHashedId":""}}`},
		{"short skey", `{"action":"OFFER","reqId":1,"error":0,"connRequest":{"sid":1,"peerSid":1,"skey":"AAEC","natType":0,"candidate":[],"defaultRouteMacAddr":"","localPeerAddr":{},"localHashedId":""}}`},
		{"bad mac", `{"action":"OFFER","reqId":1,"error":0,"connRequest":{"sid":1,"peerSid":1,"skey":"","natType":0,"candidate":[],"defaultRouteMacAddr":"zz","localPeerAddr":{},"localHashedId":""}}`},
		{"relay candidate", `{"action":"OFFER","reqId":1,"error":0,"connRequest":{"sid":1,"peerSid":1,"skey":"","natType":0,"candidate":[{"type":"RELAY","addr":"a","mappedAddr":"b","port":1,"mappedPort":2}],"defaultRouteMacAddr":"","localPeerAddr":{},"localHashedId":""}}`},
		{"candidate missing port", `{"action":"OFFER","reqId":1,"error":0,"connRequest":{"sid":1,"peerSid":1,"skey":"","natType":0,"candidate":[{"type":"LOCAL","addr":"a","mappedAddr":"b","mappedPort":2}],"defaultRouteMacAddr":"","localPeerAddr":{},"localHashedId":""}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal([]byte(tt.in))
			require.Error(t, err)
			assert.Equal(t, types.KindParse, types.KindOf(err))
		})
	}
}

func TestUnknownActionParses(t *testing.T) {
	msg, err := Unmarshal([]byte(`{"action":"PING","reqId":0,"error":0,"connRequest":{}}`))
	require.NoError(t, err)
	assert.Equal(t, types.ActionUnknown, msg.Action)
}

func TestEnvelope(t *testing.T) {
	body := []byte(`{"action":"RESULT","reqId":1,"error":0,"connRequest":{}}`)
	b, err := Envelope(body, Destination{AccountID: "42", DeviceUniqueID: "ab", Platform: "PS5"})
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"channel": "remote_play:1",
		"payload": "ver=1.0, type=text, body={\"action\":\"RESULT\",\"reqId\":1,\"error\":0,\"connRequest\":{}}",
		"to": [{"accountId":"42","deviceUniqueId":"ab","platform":"PS5"}]
	}`, string(b))

	var env struct{ Payload string }
	require.NoError(t, json.Unmarshal(b, &env))
	extracted, err := ExtractBody(env.Payload)
	require.NoError(t, err)
	assert.Equal(t, string(body), extracted)
}

func TestExtractBodyMissing(t *testing.T) {
	_, err := ExtractBody("ver=1.0, type=text")
	assert.True(t, errors.Is(err, types.ErrParse))
}
