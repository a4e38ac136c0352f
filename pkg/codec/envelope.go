package codec

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/saintparish4/rendezvous/pkg/types"
)

// Channel is the session-message channel name for remote play.
const Channel = "remote_play:1"

const payloadPrefix = "ver=1.0, type=text, body="

// Destination addresses a session message to one member device.
type Destination struct {
	AccountID      string `json:"accountId"`
	DeviceUniqueID string `json:"deviceUniqueId"`
	Platform       string `json:"platform"`
}

type envelope struct {
	Channel string        `json:"channel"`
	Payload string        `json:"payload"`
	To      []Destination `json:"to"`
}

// Envelope wraps a serialized session message for posting to the rendezvous service.
func Envelope(body []byte, to Destination) ([]byte, error) {
	return json.Marshal(envelope{
		Channel: Channel,
		Payload: payloadPrefix + string(body),
		To:      []Destination{to},
	})
}

// ExtractBody returns the JSON following "body=" in a push payload string.
func ExtractBody(payload string) (string, error) {
	i := strings.Index(payload, "body=")
	if i < 0 {
		return "", types.NewError(types.KindParse, "extract body", errors.New("payload has no body"))
	}
	return payload[i+len("body="):], nil
}
