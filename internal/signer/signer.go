// Package signer abstracts the signing primitive the coordination engine
// consumes. The engine never inspects signatures; it only asks for them and
// checks them against an address.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

type Signer interface {
	// Sign produces a signature over the payload with the server's own key.
	Sign(payload []byte) (string, error)
	// Verify reports whether the signature over the payload belongs to the
	// given address.
	Verify(payload []byte, signature, address string) (bool, error)
}

// HMACSigner is a development signer: HMAC-SHA256 keyed by the server secret
// plus the address. It gives every address a distinct, verifiable signature
// without any wallet infrastructure behind it.
type HMACSigner struct {
	key []byte
}

func NewHMACSigner(key string) *HMACSigner {
	return &HMACSigner{key: []byte(key)}
}

func (s *HMACSigner) Sign(payload []byte) (string, error) {
	return s.signFor(payload, "server"), nil
}

func (s *HMACSigner) Verify(payload []byte, signature, address string) (bool, error) {
	return hmac.Equal([]byte(signature), []byte(s.signFor(payload, address))), nil
}

// SignAs derives the signature an address would produce. Clients of the dev
// stack use this to countersign without a real wallet.
func (s *HMACSigner) SignAs(payload []byte, address string) string {
	return s.signFor(payload, address)
}

func (s *HMACSigner) signFor(payload []byte, address string) string {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(address))
	h.Write([]byte{':'})
	h.Write(payload)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
