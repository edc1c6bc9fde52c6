package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrChannelNotFound     = errors.New("channel not found")
	ErrChannelExists       = errors.New("channel already registered")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInsufficientBalance = errors.New("insufficient available balance")
	ErrBetNotLocked        = errors.New("bet not locked")
	ErrNonceMismatch       = errors.New("nonce mismatch")
)

// EntryType identifies what kind of mutation produced a ledger snapshot.
type EntryType string

const (
	EntryDeposit     EntryType = "deposit"
	EntryBetLocked   EntryType = "bet_placed"
	EntryBetResolved EntryType = "bet_resolved"
	EntryWithdrawal  EntryType = "withdrawal"
)

// Lock is the portion of an address's balance reserved against one bet.
type Lock struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

// Snapshot is an immutable copy of a channel's state after one accepted
// mutation. StateHash is what participants countersign.
type Snapshot struct {
	ChannelID  string            `json:"channel_id"`
	Nonce      uint64            `json:"nonce"`
	Balances   map[string]int64  `json:"balances"`
	Locked     map[string]Lock   `json:"locked_bets"`
	Signatures map[string]string `json:"signatures,omitempty"`
	Type       EntryType         `json:"type"`
	Address    string            `json:"address,omitempty"`
	Amount     int64             `json:"amount,omitempty"`
	StateHash  string            `json:"state_hash"`
	Timestamp  int64             `json:"timestamp"`
}

// channelLedger is the canonical state of one channel. All access goes
// through its mutex so mutations for a channel never interleave.
type channelLedger struct {
	mu         sync.Mutex
	channelID  string
	nonce      uint64
	balances   map[string]int64
	locked     map[string]Lock // betID -> lock
	signatures map[string]string
	history    []Snapshot
}

func (l *channelLedger) availableLocked(address string) int64 {
	var locked int64
	for _, lk := range l.locked {
		if lk.Address == address {
			locked += lk.Amount
		}
	}
	return locked
}

func (l *channelLedger) available(address string) int64 {
	return l.balances[address] - l.availableLocked(address)
}

// snapshot copies the current state and appends it to history. Callers must
// hold the ledger mutex.
func (l *channelLedger) snapshot(entry EntryType, address string, amount int64) Snapshot {
	balances := make(map[string]int64, len(l.balances))
	for addr, bal := range l.balances {
		balances[addr] = bal
	}
	locked := make(map[string]Lock, len(l.locked))
	for betID, lk := range l.locked {
		locked[betID] = lk
	}

	snap := Snapshot{
		ChannelID: l.channelID,
		Nonce:     l.nonce,
		Balances:  balances,
		Locked:    locked,
		Type:      entry,
		Address:   address,
		Amount:    amount,
		Timestamp: time.Now().Unix(),
	}
	snap.StateHash = hashState(snap)

	l.history = append(l.history, snap)
	return snap
}

// hashState derives the signable content hash. Only the consensus-relevant
// fields participate so the hash is re-derivable from a snapshot alone.
func hashState(snap Snapshot) string {
	payload := struct {
		ChannelID string           `json:"channel_id"`
		Nonce     uint64           `json:"nonce"`
		Balances  map[string]int64 `json:"balances"`
		Locked    map[string]Lock  `json:"locked_bets"`
	}{snap.ChannelID, snap.Nonce, snap.Balances, snap.Locked}

	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return "0x" + hex.EncodeToString(sum[:])
}

// Stats aggregates a channel's history for reporting.
type Stats struct {
	CurrentNonce     uint64           `json:"current_nonce"`
	TotalDeposits    int64            `json:"total_deposits"`
	TotalBets        int              `json:"total_bets"`
	TotalBetVolume   int64            `json:"total_bet_volume"`
	ResolvedBets     int              `json:"resolved_bets"`
	TotalWithdrawals int64            `json:"total_withdrawals"`
	CurrentBalances  map[string]int64 `json:"current_balances"`
	PendingBets      int              `json:"pending_bets"`
	LockedAmount     int64            `json:"locked_amount"`
}

func (l *channelLedger) stats() Stats {
	st := Stats{
		CurrentNonce:    l.nonce,
		CurrentBalances: make(map[string]int64, len(l.balances)),
		PendingBets:     len(l.locked),
	}
	for addr, bal := range l.balances {
		st.CurrentBalances[addr] = bal
	}
	for _, lk := range l.locked {
		st.LockedAmount += lk.Amount
	}
	for _, snap := range l.history {
		switch snap.Type {
		case EntryDeposit:
			st.TotalDeposits += snap.Amount
		case EntryBetLocked:
			st.TotalBets++
			st.TotalBetVolume += snap.Amount
		case EntryBetResolved:
			st.ResolvedBets++
		case EntryWithdrawal:
			st.TotalWithdrawals += snap.Amount
		}
	}
	return st
}

func (l *channelLedger) String() string {
	return fmt.Sprintf("channel %s nonce %d", l.channelID, l.nonce)
}
