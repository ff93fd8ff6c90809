package common

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateID generates a unique ID with the given prefix.
// Format: prefix-timestamp-random
func GenerateID(prefix string) string {
	timestamp := time.Now().UnixNano() / int64(time.Millisecond)
	randomBytes := make([]byte, 4)
	rand.Read(randomBytes)
	random := hex.EncodeToString(randomBytes)
	return fmt.Sprintf("%s-%d-%s", prefix, timestamp, random)
}

// GenerateInstanceID returns a fresh instance id (uuid v4).
func GenerateInstanceID() string {
	return uuid.NewString()
}

// SandboxName returns the runtime-side name of an instance's sandbox.
// It must be a valid DNS-1123 label so the kubernetes runtime can use it as-is.
func SandboxName(instanceId string) string {
	return "ctf-" + instanceId
}
