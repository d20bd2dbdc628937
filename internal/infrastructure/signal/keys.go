package signal

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"relayspaces/internal/core/domain"
)

// GenerateSecretKey returns a fresh hex-encoded secp256k1 secret key.
func GenerateSecretKey() (string, error) {
	sk, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(sk.Serialize()), nil
}

func parseSecretKey(secret string) (*btcec.PrivateKey, error) {
	raw, err := hex.DecodeString(secret)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("secret key must be 32 hex-encoded bytes")
	}
	sk, _ := btcec.PrivKeyFromBytes(raw)
	if sk.Key.IsZero() {
		return nil, fmt.Errorf("secret key is zero")
	}
	return sk, nil
}

// PublicKey derives the x-only public key of a hex secret key.
func PublicKey(secret string) (domain.NodeID, error) {
	sk, err := parseSecretKey(secret)
	if err != nil {
		return "", err
	}
	return domain.NodeID(hex.EncodeToString(schnorr.SerializePubKey(sk.PubKey()))), nil
}

// NewProfile fills in the keys of a profile, generating a secret when none
// is given.
func NewProfile(name, secret string, metrics domain.NetworkMetrics) (domain.Profile, error) {
	if secret == "" {
		var err error
		if secret, err = GenerateSecretKey(); err != nil {
			return domain.Profile{}, err
		}
	}
	pub, err := PublicKey(secret)
	if err != nil {
		return domain.Profile{}, err
	}
	return domain.Profile{
		Name:       name,
		PublicKey:  pub,
		PrivateKey: secret,
		Metrics:    metrics.Normalize(),
	}, nil
}

// EventID is sha256 over [0, pubkey, created_at, kind, tags, content].
func EventID(e *domain.Event) (string, error) {
	tags := e.Tags
	if tags == nil {
		tags = domain.Tags{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode([]interface{}{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content}); err != nil {
		return "", err
	}
	sum := sha256.Sum256(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
	return hex.EncodeToString(sum[:]), nil
}

// Sign sets the event's author, id and signature.
func Sign(e *domain.Event, secret string) error {
	sk, err := parseSecretKey(secret)
	if err != nil {
		return err
	}
	e.PubKey = domain.NodeID(hex.EncodeToString(schnorr.SerializePubKey(sk.PubKey())))
	if e.Tags == nil {
		e.Tags = domain.Tags{}
	}
	id, err := EventID(e)
	if err != nil {
		return fmt.Errorf("failed to hash event: %w", err)
	}
	digest, _ := hex.DecodeString(id)
	sig, err := schnorr.Sign(sk, digest)
	if err != nil {
		return fmt.Errorf("failed to sign event: %w", err)
	}
	e.ID = id
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks the event id and its BIP-340 signature.
func Verify(e *domain.Event) error {
	id, err := EventID(e)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
	}
	if id != e.ID {
		return fmt.Errorf("%w: id mismatch", domain.ErrInvalidSignature)
	}
	rawKey, err := hex.DecodeString(string(e.PubKey))
	if err != nil {
		return fmt.Errorf("%w: pubkey: %v", domain.ErrInvalidSignature, err)
	}
	pub, err := schnorr.ParsePubKey(rawKey)
	if err != nil {
		return fmt.Errorf("%w: pubkey: %v", domain.ErrInvalidSignature, err)
	}
	rawSig, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("%w: sig: %v", domain.ErrInvalidSignature, err)
	}
	sig, err := schnorr.ParseSignature(rawSig)
	if err != nil {
		return fmt.Errorf("%w: sig: %v", domain.ErrInvalidSignature, err)
	}
	digest, _ := hex.DecodeString(id)
	if !sig.Verify(digest, pub) {
		return domain.ErrInvalidSignature
	}
	return nil
}
