package signaling

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// duidPrefix marks a remote play client device.
const duidPrefix = "0000000700410080"

// GenerateDeviceUID returns a new client device uid: the fixed prefix followed by 16
// random bytes, hex encoded.
func GenerateDeviceUID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate device uid: %w", err)
	}
	return duidPrefix + hex.EncodeToString(b[:]), nil
}
