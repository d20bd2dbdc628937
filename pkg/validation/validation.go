package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// PublicKeyRegex matches an x-only secp256k1 public key in hex
	PublicKeyRegex = regexp.MustCompile(`^[0-9a-f]{64}$`)

	// SpaceIDRegex validates space ID format
	SpaceIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// PrivateKeyRegex matches a hex encoded 32 byte secret
	PrivateKeyRegex = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
)

// ValidatePublicKey validates a participant identity
func ValidatePublicKey(key string) error {
	if key == "" {
		return fmt.Errorf("public key is required")
	}
	if !PublicKeyRegex.MatchString(key) {
		return fmt.Errorf("invalid public key (expected 64 lowercase hex characters)")
	}
	return nil
}

// ValidatePrivateKey validates a hex secret key; empty means generate one
func ValidatePrivateKey(key string) error {
	if key == "" {
		return nil
	}
	if !PrivateKeyRegex.MatchString(key) {
		return fmt.Errorf("invalid private key (expected 64 hex characters)")
	}
	return nil
}

// ValidateSpaceID validates space ID
func ValidateSpaceID(spaceID string) error {
	if spaceID == "" {
		return fmt.Errorf("space ID is required")
	}
	if len(spaceID) > 100 {
		return fmt.Errorf("space ID is too long (max 100 characters)")
	}
	if !SpaceIDRegex.MatchString(spaceID) {
		return fmt.Errorf("invalid space ID format")
	}
	return nil
}

// ValidateSpaceName validates space name
func ValidateSpaceName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("space name is required")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("space name contains invalid characters")
	}
	return ValidateStringLength(name, 1, 100, "space name")
}

// ValidateRelayURL validates a websocket relay address
func ValidateRelayURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("relay URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid relay URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid relay URL scheme (must be ws or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("relay URL must have a host")
	}
	return nil
}

// ValidateSpeed validates an advertised link speed in kbps; 0 means unknown
func ValidateSpeed(kbps float64, fieldName string) error {
	if kbps < 0 {
		return fmt.Errorf("%s must be >= 0", fieldName)
	}
	if kbps > 10_000_000 {
		return fmt.Errorf("%s is too high (max 10000000 kbps)", fieldName)
	}
	return nil
}

// ValidateModeration validates a moderation operation name
func ValidateModeration(op string) error {
	valid := map[string]bool{
		"promote": true,
		"cohost":  true,
		"demote":  true,
		"remove":  true,
	}
	if !valid[op] {
		return fmt.Errorf("invalid moderation (must be promote, cohost, demote, or remove)")
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
