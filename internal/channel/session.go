package channel

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionNotReady    = errors.New("session not ready")
	ErrSessionExpired     = errors.New("session proposal expired")
	ErrRoomNotReady       = errors.New("room does not have two players")
	ErrInvalidParticipant = errors.New("address is not a session participant")
	ErrInvalidSignature   = errors.New("signature verification failed")
	ErrChannelNotFound    = errors.New("no channel for room")
)

type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionReady   SessionStatus = "ready"
)

type ChannelStatus string

const (
	ChannelCreating ChannelStatus = "creating"
	ChannelReady    ChannelStatus = "ready"
	ChannelClosing  ChannelStatus = "closing"
	ChannelClosed   ChannelStatus = "closed"
)

// Proposal is the signable payload both players must endorse before a
// channel opens. Participants are ordered host first.
type Proposal struct {
	SessionID     string   `json:"session_id"`
	RoomID        string   `json:"room_id"`
	Participants  []string `json:"participants"`
	TokenAddress  string   `json:"token_address"`
	ChainID       int      `json:"chain_id"`
	MinBet        int64    `json:"min_bet"`
	MaxBet        int64    `json:"max_bet"`
	BetMultiplier int64    `json:"bet_multiplier"`
	DisputePeriod int64    `json:"dispute_period_secs"`
	CreatedAt     int64    `json:"created_at"`
	ExpiresAt     int64    `json:"expires_at"`
}

// SigningBytes is the canonical byte form participants sign.
func (p Proposal) SigningBytes() []byte {
	data, _ := json.Marshal(p)
	return data
}

func (p Proposal) expired(now time.Time) bool {
	return now.Unix() > p.ExpiresAt
}

// newSessionID derives a per-room-unique id from the room and the proposal
// instant.
func newSessionID(roomID string, now time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%d", roomID, now.UnixNano())))
	return "0x" + hex.EncodeToString(sum[:])
}

// session collects one signature per participant. The signature set is keyed
// by address, so re-signing overwrites rather than double-counting, and
// quorum is simply "every participant present".
type session struct {
	roomID     string
	proposal   Proposal
	signatures map[string]string
	status     SessionStatus
	createdAt  time.Time
}

func (s *session) isParticipant(address string) bool {
	for _, p := range s.proposal.Participants {
		if p == address {
			return true
		}
	}
	return false
}

func (s *session) pendingCount() int {
	return len(s.proposal.Participants) - len(s.signatures)
}

func (s *session) quorum() bool {
	for _, p := range s.proposal.Participants {
		if _, ok := s.signatures[p]; !ok {
			return false
		}
	}
	return true
}

// Channel is the ledger-backed artifact that replaces a ready session.
type Channel struct {
	ChannelID    string           `json:"channelId"`
	RoomID       string           `json:"roomId"`
	SessionID    string           `json:"sessionId"`
	Participants []string         `json:"participants"`
	Balances     map[string]int64 `json:"balances"`
	Status       ChannelStatus    `json:"status"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// Stats summarizes the negotiator for reporting.
type Stats struct {
	TotalSessions  int `json:"totalSessions"`
	TotalChannels  int `json:"totalChannels"`
	ActiveChannels int `json:"activeChannels"`
}

// SignResult is the outcome of recording one signature.
type SignResult struct {
	Ready             bool   `json:"ready"`
	PendingSignatures int    `json:"pendingSignatures"`
	ChannelID         string `json:"channelId,omitempty"`
	SessionID         string `json:"sessionId,omitempty"`
}
