package ledger

import (
	"log"
	"sync"
)

// Store owns every channel ledger and is their sole mutator. Each channel has
// its own mutex lane: a mutation acquires the lane, applies, bumps the nonce by
// exactly one and releases. Two mutations for the same channel never overlap,
// which is what keeps available balances non-negative under concurrent bets.
type Store struct {
	mu      sync.RWMutex
	ledgers map[string]*channelLedger
}

func NewStore() *Store {
	return &Store{
		ledgers: make(map[string]*channelLedger),
	}
}

// Register creates the ledger for a freshly opened channel at nonce 0.
func (s *Store) Register(channelID string, initialBalances map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ledgers[channelID]; ok {
		return ErrChannelExists
	}

	balances := make(map[string]int64, len(initialBalances))
	for addr, bal := range initialBalances {
		balances[addr] = bal
	}

	s.ledgers[channelID] = &channelLedger{
		channelID:  channelID,
		balances:   balances,
		locked:     make(map[string]Lock),
		signatures: make(map[string]string),
	}

	log.Printf("[LEDGER] Registered channel %s", channelID)
	return nil
}

// Unregister drops a closed channel's ledger.
func (s *Store) Unregister(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ledgers, channelID)
}

func (s *Store) lane(channelID string) (*channelLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.ledgers[channelID]
	if !ok {
		return nil, ErrChannelNotFound
	}
	return l, nil
}

// ApplyDeposit credits an address and advances the nonce.
func (s *Store) ApplyDeposit(channelID, address string, amount int64) (Snapshot, error) {
	if amount <= 0 {
		return Snapshot{}, ErrInvalidAmount
	}

	l, err := s.lane(channelID)
	if err != nil {
		return Snapshot{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances[address] += amount
	l.advance()
	snap := l.snapshot(EntryDeposit, address, amount)

	log.Printf("[LEDGER] Deposit: %s +%d on %s (nonce %d)", address, amount, channelID, l.nonce)
	return snap, nil
}

// LockForBet reserves part of an address's balance against a bet. The
// availability check and the lock commit happen under the same lane, so two
// concurrent bets cannot both spend the same funds.
func (s *Store) LockForBet(channelID, betID, address string, amount int64) (Snapshot, error) {
	if amount <= 0 {
		return Snapshot{}, ErrInvalidAmount
	}

	l, err := s.lane(channelID)
	if err != nil {
		return Snapshot{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.available(address) < amount {
		return Snapshot{}, ErrInsufficientBalance
	}

	l.locked[betID] = Lock{Address: address, Amount: amount}
	l.advance()
	snap := l.snapshot(EntryBetLocked, address, amount)

	log.Printf("[LEDGER] Locked %d for bet %s by %s on %s (nonce %d)", amount, betID, address, channelID, l.nonce)
	return snap, nil
}

// ResolveBet releases a bet's lock. On a win the payout is credited; on a loss
// the stake was only ever parked in the lock, so removing it is the whole
// mutation and the balance stays as-is.
func (s *Store) ResolveBet(channelID, betID string, won bool, payout int64) (Snapshot, error) {
	l, err := s.lane(channelID)
	if err != nil {
		return Snapshot{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	lk, ok := l.locked[betID]
	if !ok {
		return Snapshot{}, ErrBetNotLocked
	}

	delete(l.locked, betID)
	if won {
		l.balances[lk.Address] += payout
	}
	l.advance()
	snap := l.snapshot(EntryBetResolved, lk.Address, payout)

	log.Printf("[LEDGER] Resolved bet %s on %s: won=%t payout=%d (nonce %d)", betID, channelID, won, payout, l.nonce)
	return snap, nil
}

// ApplyWithdrawal debits an address if its available balance covers the amount.
func (s *Store) ApplyWithdrawal(channelID, address string, amount int64) (Snapshot, error) {
	if amount <= 0 {
		return Snapshot{}, ErrInvalidAmount
	}

	l, err := s.lane(channelID)
	if err != nil {
		return Snapshot{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.available(address) < amount {
		return Snapshot{}, ErrInsufficientBalance
	}

	l.balances[address] -= amount
	l.advance()
	snap := l.snapshot(EntryWithdrawal, address, amount)

	log.Printf("[LEDGER] Withdrawal: %s -%d on %s (nonce %d)", address, amount, channelID, l.nonce)
	return snap, nil
}

// AddSignature records a participant's signature over the current state.
// Signing a stale nonce is rejected so a signature can never endorse a state
// that a concurrent mutation already replaced.
func (s *Store) AddSignature(channelID string, nonce uint64, address, signature string) (Snapshot, error) {
	l, err := s.lane(channelID)
	if err != nil {
		return Snapshot{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.nonce != nonce {
		return Snapshot{}, ErrNonceMismatch
	}

	l.signatures[address] = signature

	snap := l.current()
	log.Printf("[LEDGER] Signature from %s on %s at nonce %d", address, channelID, nonce)
	return snap, nil
}

// AvailableBalance is balance minus all currently locked amounts for the
// address — the only figure safe to wager or withdraw against.
func (s *Store) AvailableBalance(channelID, address string) (int64, error) {
	l, err := s.lane(channelID)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.available(address), nil
}

// Current returns a copy of the channel's present state.
func (s *Store) Current(channelID string) (Snapshot, error) {
	l, err := s.lane(channelID)
	if err != nil {
		return Snapshot{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current(), nil
}

// History returns the append-only log of accepted states, oldest first.
func (s *Store) History(channelID string) ([]Snapshot, error) {
	l, err := s.lane(channelID)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Snapshot, len(l.history))
	copy(out, l.history)
	return out, nil
}

// Stats aggregates a channel's history.
func (s *Store) Stats(channelID string) (Stats, error) {
	l, err := s.lane(channelID)
	if err != nil {
		return Stats{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats(), nil
}

// advance bumps the nonce and clears signatures collected for the previous
// state; they do not carry over. Callers must hold the ledger mutex.
func (l *channelLedger) advance() {
	l.nonce++
	l.signatures = make(map[string]string)
}

// current builds a snapshot of the live state, including collected signatures,
// without appending to history. Callers must hold the ledger mutex.
func (l *channelLedger) current() Snapshot {
	balances := make(map[string]int64, len(l.balances))
	for addr, bal := range l.balances {
		balances[addr] = bal
	}
	locked := make(map[string]Lock, len(l.locked))
	for betID, lk := range l.locked {
		locked[betID] = lk
	}
	sigs := make(map[string]string, len(l.signatures))
	for addr, sig := range l.signatures {
		sigs[addr] = sig
	}

	snap := Snapshot{
		ChannelID:  l.channelID,
		Nonce:      l.nonce,
		Balances:   balances,
		Locked:     locked,
		Signatures: sigs,
	}
	snap.StateHash = hashState(snap)
	return snap
}
