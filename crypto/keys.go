package crypto

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"

	"campaignkeeper/ledger"
)

// OperatorKey is the ed25519 keypair the keeper signs ledger requests with.
type OperatorKey struct {
	private ed25519.PrivateKey
}

// NewOperatorKey wraps an ed25519 private key.
func NewOperatorKey(priv ed25519.PrivateKey) (*OperatorKey, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("crypto: operator key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	return &OperatorKey{private: priv}, nil
}

// ParseOperatorKey decodes a credential in one of the accepted encodings:
// a JSON array of 64 byte values (the keypair file format used by the
// ledger tooling) or a base58 string of the same 64 bytes.
func ParseOperatorKey(raw string) (*OperatorKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("crypto: empty operator credential")
	}
	var secret []byte
	if strings.HasPrefix(trimmed, "[") {
		var values []int
		if err := json.Unmarshal([]byte(trimmed), &values); err != nil {
			return nil, fmt.Errorf("crypto: decode keypair array: %w", err)
		}
		secret = make([]byte, len(values))
		for i, v := range values {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("crypto: keypair byte %d out of range: %d", i, v)
			}
			secret[i] = byte(v)
		}
	} else {
		secret = base58.Decode(trimmed)
		if len(secret) == 0 {
			return nil, errors.New("crypto: operator credential is not valid base58")
		}
	}
	if len(secret) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("crypto: operator credential must be %d bytes, got %d", ed25519.PrivateKeySize, len(secret))
	}
	key, err := NewOperatorKey(ed25519.PrivateKey(secret))
	if err != nil {
		return nil, err
	}
	// The trailing 32 bytes of a keypair must be the public half of the seed.
	derived := ed25519.NewKeyFromSeed(secret[:ed25519.SeedSize])
	if !derived.Equal(key.private) {
		return nil, errors.New("crypto: operator credential public key does not match its seed")
	}
	return key, nil
}

// PublicKey returns the operator's ledger account.
func (k *OperatorKey) PublicKey() ledger.AccountID {
	var id ledger.AccountID
	copy(id[:], k.private.Public().(ed25519.PublicKey))
	return id
}

// Sign signs msg with the operator key.
func (k *OperatorKey) Sign(msg []byte) []byte {
	return ed25519.Sign(k.private, msg)
}

// SignRequest implements ledger.Signer.
func (k *OperatorKey) SignRequest(body []byte) string {
	return EncodeSignature(k.Sign(body))
}

// EncodeSignature renders a signature the way the ledger tooling prints it.
func EncodeSignature(sig []byte) string { return base58.Encode(sig) }
