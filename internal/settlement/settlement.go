// Package settlement talks to the external node that anchors channels
// against the backing ledger. The coordination engine only depends on the
// Service interface; the websocket RPC client below is one implementation.
package settlement

import (
	"context"
	"errors"
)

var (
	ErrTimeout      = errors.New("settlement request timed out")
	ErrNotConnected = errors.New("settlement node not connected")
)

// OpenParams carries everything the node needs to open a channel.
type OpenParams struct {
	SessionID       string            `json:"session_id"`
	RoomID          string            `json:"room_id"`
	Participants    []string          `json:"participants"`
	TokenAddress    string            `json:"token_address"`
	InitialBalances map[string]int64  `json:"initial_balances"`
	Signatures      map[string]string `json:"signatures"`
}

// StateUpdate is the signed channel state forwarded to the node.
type StateUpdate struct {
	ChannelID string           `json:"channel_id"`
	Nonce     uint64           `json:"nonce"`
	Balances  map[string]int64 `json:"balances"`
	StateHash string           `json:"state_hash"`
	Timestamp int64            `json:"timestamp"`
}

// CloseParams requests cooperative channel closure.
type CloseParams struct {
	ChannelID     string           `json:"channel_id"`
	Initiator     string           `json:"initiator"`
	FinalBalances map[string]int64 `json:"final_balances"`
}

type Service interface {
	OpenChannel(ctx context.Context, params OpenParams) (string, error)
	UpdateState(ctx context.Context, update StateUpdate) error
	CloseChannel(ctx context.Context, params CloseParams) error
}
