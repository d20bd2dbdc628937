package utils

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GenerateSpaceID returns a fresh space identifier.
func GenerateSpaceID() string {
	return uuid.NewString()
}

// GenerateSubscriptionID returns a relay subscription id. NIP-01 caps them
// at 64 characters.
func GenerateSubscriptionID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return TruncateString(GenerateID(prefix, id), 64)
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return GenerateID("req", uuid.NewString())
}

// GenerateID joins prefix and id the way every generated id is formatted.
func GenerateID(prefix, id string) string {
	if prefix == "" {
		return id
	}
	return fmt.Sprintf("%s_%s", prefix, id)
}
