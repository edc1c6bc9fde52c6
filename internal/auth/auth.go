// Package auth authenticates wallet addresses over the websocket. A client
// asks for a challenge, signs it, and trades the signature for a JWT it
// presents on later connections.
package auth

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"chessbet/internal/signer"
)

var (
	ErrChallengeNotFound = errors.New("no challenge issued for address")
	ErrChallengeExpired  = errors.New("challenge expired")
	ErrBadSignature      = errors.New("challenge signature invalid")
	ErrBadToken          = errors.New("token invalid")
)

type challenge struct {
	nonce     string
	issuedAt  time.Time
	expiresAt time.Time
}

// Service issues challenges and verifies the signatures that answer them.
// Verified addresses get a signed JWT.
type Service struct {
	secret   []byte
	expiry   time.Duration
	tokenTTL time.Duration
	signer   signer.Signer

	mu         sync.Mutex
	challenges map[string]challenge // address -> open challenge
}

func NewService(jwtSecret string, challengeExpiry time.Duration, s signer.Signer) *Service {
	return &Service{
		secret:     []byte(jwtSecret),
		expiry:     challengeExpiry,
		tokenTTL:   24 * time.Hour,
		signer:     s,
		challenges: make(map[string]challenge),
	}
}

// Challenge issues a fresh nonce for the address to sign. A repeat call
// replaces any open challenge.
func (s *Service) Challenge(address string) string {
	now := time.Now()
	c := challenge{
		nonce:     fmt.Sprintf("chessbet-auth:%s:%s", address, uuid.NewString()),
		issuedAt:  now,
		expiresAt: now.Add(s.expiry),
	}

	s.mu.Lock()
	s.challenges[address] = c
	s.mu.Unlock()

	log.Printf("[AUTH] Challenge issued for %s", address)
	return c.nonce
}

// Verify checks the signature over the address's open challenge and, if it
// holds, consumes the challenge and returns a JWT.
func (s *Service) Verify(address, signature string) (string, error) {
	s.mu.Lock()
	c, ok := s.challenges[address]
	s.mu.Unlock()

	if !ok {
		return "", ErrChallengeNotFound
	}
	if time.Now().After(c.expiresAt) {
		s.mu.Lock()
		delete(s.challenges, address)
		s.mu.Unlock()
		return "", ErrChallengeExpired
	}

	valid, err := s.signer.Verify([]byte(c.nonce), signature, address)
	if err != nil {
		return "", fmt.Errorf("verify challenge: %w", err)
	}
	if !valid {
		return "", ErrBadSignature
	}

	s.mu.Lock()
	delete(s.challenges, address)
	s.mu.Unlock()

	token, err := s.issueToken(address)
	if err != nil {
		return "", err
	}

	log.Printf("[AUTH] Address %s authenticated", address)
	return token, nil
}

func (s *Service) issueToken(address string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": address,
		"iat": now.Unix(),
		"exp": now.Add(s.tokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken parses a JWT and returns the address it was issued to.
func (s *Service) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrBadToken
	}
	address, _ := claims["sub"].(string)
	if address == "" {
		return "", ErrBadToken
	}
	return address, nil
}

// SweepExpired drops challenges past their expiry. Called periodically by the
// server.
func (s *Service) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var swept int
	for addr, c := range s.challenges {
		if now.After(c.expiresAt) {
			delete(s.challenges, addr)
			swept++
		}
	}
	if swept > 0 {
		log.Printf("[AUTH] Swept %d expired challenges", swept)
	}
	return swept
}
