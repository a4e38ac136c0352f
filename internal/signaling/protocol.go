// Package signaling talks to the cloud rendezvous service: REST calls that create,
// start and leave a remote play session, and the push channel that delivers the
// service's notifications.
package signaling

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/saintparish4/rendezvous/pkg/types"
)

// Default service endpoints.
const (
	DefaultBaseURL       = "https://web.np.playstation.com/api"
	DefaultPushLookupURL = "https://mobile-pushcl.np.communication.playstation.net/np/serveraddr?version=2.1&fields=keepAliveStatus&keepAliveStatusType=3"
	DefaultPushURLFormat = "wss://%s/np/pushNotification"
)

// Paths relative to the base URL.
const (
	PathSessions       = "/sessionManager/v1/remotePlaySessions"
	PathCommands       = "/cloudAssistedNavigation/v2/users/me/commands"
	PathClients        = "/cloudAssistedNavigation/v2/users/me/clients"
	pathSessionMessage = PathSessions + "/%s/sessionMessage"
	pathMemberMe       = PathSessions + "/%s/members/me"
)

// SessionMessagePath returns the session message path for a session.
func SessionMessagePath(sessionID string) string {
	return fmt.Sprintf(pathSessionMessage, sessionID)
}

// MemberPath returns the path of the caller's membership in a session.
func MemberPath(sessionID string) string {
	return fmt.Sprintf(pathMemberMe, sessionID)
}

// Push channel handshake values.
const (
	PushSubprotocol = "np-pushpacket"
	PushAppType     = "REMOTE_PLAY"
	headerAppType   = "X-PSN-APP-TYPE"
)

// Notification data types as they appear in push frames.
const (
	DataTypeSessionCreated        = "psn:sessionManager:sys:remotePlaySession:created"
	DataTypeMemberCreated         = "psn:sessionManager:sys:rps:members:created"
	DataTypeMemberDeleted         = "psn:sessionManager:sys:rps:members:deleted"
	DataTypeCustomData1Updated    = "psn:sessionManager:sys:rps:customData1:updated"
	DataTypeSessionMessageCreated = "psn:sessionManager:sys:rps:sessionMessage:created"
	DataTypeSessionDeleted        = "psn:sessionManager:sys:remotePlaySession:deleted"
)

var dataTypes = map[string]types.NotificationType{
	DataTypeSessionCreated:        types.NotificationSessionCreated,
	DataTypeMemberCreated:         types.NotificationMemberCreated,
	DataTypeMemberDeleted:         types.NotificationMemberDeleted,
	DataTypeCustomData1Updated:    types.NotificationCustomData1Updated,
	DataTypeSessionMessageCreated: types.NotificationSessionMessageCreated,
	DataTypeSessionDeleted:        types.NotificationSessionDeleted,
}

// DataType returns the wire data type of a notification type, "" if it has none.
func DataType(t types.NotificationType) string {
	for s, nt := range dataTypes {
		if nt == t {
			return s
		}
	}
	return ""
}

// ParseDataType maps a wire data type to a NotificationType. Unknown strings give
// NotificationUnknown.
func ParseDataType(s string) types.NotificationType {
	return dataTypes[s]
}

// PushFrame is a notification frame. Only the fields the client reads are declared.
type PushFrame struct {
	DataType string `json:"dataType"`
	Body     struct {
		Data struct {
			Members []struct {
				AccountID      json.RawMessage `json:"accountId,omitempty"`
				DeviceUniqueID string          `json:"deviceUniqueId"`
			} `json:"members,omitempty"`
			CustomData1    *string `json:"customData1,omitempty"`
			SessionMessage *struct {
				Payload string `json:"payload"`
			} `json:"sessionMessage,omitempty"`
		} `json:"data"`
	} `json:"body"`
}

// ParseFrame decodes a push frame into a Notification holding the raw bytes.
func ParseFrame(data []byte) (*types.Notification, *PushFrame, error) {
	var f PushFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, nil, types.NewError(types.KindParse, "parse push frame", err)
	}
	raw := make([]byte, len(data))
	copy(raw, data)
	return &types.Notification{Type: ParseDataType(f.DataType), Raw: raw}, &f, nil
}

// sessionMember is one member of the create request.
type sessionMember struct {
	AccountID      string        `json:"accountId"`
	DeviceUniqueID string        `json:"deviceUniqueId"`
	Platform       string        `json:"platform"`
	PushContexts   []pushContext `json:"pushContexts"`
}

type pushContext struct {
	PushContextID string `json:"pushContextId"`
}

// CreateSessionRequest is the body of the create call.
type CreateSessionRequest struct {
	RemotePlaySessions []sessionTemplate `json:"remotePlaySessions"`
}

type sessionTemplate struct {
	Members []sessionMember `json:"members"`
}

func newCreateSessionRequest(pushContextID string) CreateSessionRequest {
	return CreateSessionRequest{RemotePlaySessions: []sessionTemplate{{
		Members: []sessionMember{{
			AccountID:      "me",
			DeviceUniqueID: "me",
			Platform:       "me",
			PushContexts:   []pushContext{{PushContextID: pushContextID}},
		}},
	}}}
}

// PushContextID returns the push context id carried by a create request.
func (r CreateSessionRequest) PushContextID() string {
	if len(r.RemotePlaySessions) == 0 || len(r.RemotePlaySessions[0].Members) == 0 {
		return ""
	}
	m := r.RemotePlaySessions[0].Members[0]
	if len(m.PushContexts) == 0 {
		return ""
	}
	return m.PushContexts[0].PushContextID
}

// CreateSessionResponse is the reply to the create call.
type CreateSessionResponse struct {
	RemotePlaySessions []struct {
		SessionID string `json:"sessionId"`
		Members   []struct {
			AccountID json.RawMessage `json:"accountId"`
		} `json:"members"`
	} `json:"remotePlaySessions"`
}

// StartCommand is the body of the start call.
type StartCommand struct {
	CommandDetail struct {
		CommandType        string `json:"commandType"`
		DUID               string `json:"duid"`
		MessageDestination string `json:"messageDestination"`
		Parameters         struct {
			InitialParams string `json:"initialParams"`
		} `json:"parameters"`
		Platform string `json:"platform"`
	} `json:"commandDetail"`
}

// InitialParams is serialized into StartCommand's initialParams string.
type InitialParams struct {
	AccountID  json.Number `json:"accountId"`
	RoomID     int         `json:"roomId"`
	SessionID  string      `json:"sessionId"`
	ClientType string      `json:"clientType"`
	Data1      string      `json:"data1"`
	Data2      string      `json:"data2"`
}

// ServerAddrResponse is the push endpoint lookup reply.
type ServerAddrResponse struct {
	FQDN string `json:"fqdn"`
}

// Device is a host registered to the account.
type Device struct {
	DUID       string `json:"duid"`
	Name       string `json:"name"`
	Platform   string `json:"platform"`
	RemotePlay bool   `json:"remotePlay"`
}

// ClientsResponse is the device list reply.
type ClientsResponse struct {
	Clients []struct {
		DUID   string `json:"duid"`
		Device struct {
			Name            string   `json:"name"`
			EnabledFeatures []string `json:"enabledFeatures"`
		} `json:"device"`
	} `json:"clients"`
}

// Devices converts the reply, tagging each entry with platform.
func (r ClientsResponse) Devices(platform string) []Device {
	devices := make([]Device, 0, len(r.Clients))
	for _, c := range r.Clients {
		d := Device{DUID: strings.ToLower(c.DUID), Name: c.Device.Name, Platform: platform}
		for _, f := range c.Device.EnabledFeatures {
			if f == "remotePlay" {
				d.RemotePlay = true
				break
			}
		}
		devices = append(devices, d)
	}
	return devices
}

// rawAccountID reads an account id that may be a JSON string or a number.
func rawAccountID(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}
