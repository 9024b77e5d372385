package signing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Signer derives a credential for a device ID.
//
// The result is the base64 encoding of an HMAC-SHA256 digest over data,
// computed with a key the gateway holds but never exposes.
type Signer interface {
	Sign(ctx context.Context, data string) (string, error)
}

// HMACSigner signs locally with a configured key. Intended for development
// and for deployments without an edge security daemon.
type HMACSigner struct {
	key []byte
}

// NewHMACSigner creates a signer from a base64-encoded key.
//
// Returns:
//   - *HMACSigner: Ready signer
//   - error: ErrInvalidKey if the key is empty or not valid base64
func NewHMACSigner(encodedKey string) (*HMACSigner, error) {
	if encodedKey == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return &HMACSigner{key: key}, nil
}

// Sign returns base64(HMAC-SHA256(key, data)).
func (s *HMACSigner) Sign(_ context.Context, data string) (string, error) {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(data)) //nolint:errcheck // hash.Hash writes never fail
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
