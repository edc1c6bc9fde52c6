package bet

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"chessbet/internal/config"
	"chessbet/internal/ledger"
)

// Coordinator owns the bet table. Placement validates the wager, records the
// bet and then locks funds in the ledger; if the lock is refused the bet
// record is rolled back so the two stores never disagree. Resolution walks a
// room's pending set against the move actually played and clears it in one
// step.
type Coordinator struct {
	cfg    *config.Config
	ledger *ledger.Store

	mu      sync.Mutex
	bets    map[string]*Bet     // betID -> bet
	pending map[string][]string // roomID -> pending betIDs
}

func NewCoordinator(cfg *config.Config, store *ledger.Store) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		ledger:  store,
		bets:    make(map[string]*Bet),
		pending: make(map[string][]string),
	}
}

// PlaceBet wagers that predictedMove will be the next move played in the
// room. The stake is locked against the player's available balance; the bet
// exists only if the lock succeeded.
func (c *Coordinator) PlaceBet(roomID, channelID, address string, amount int64, predictedMove string) (*Bet, ledger.Snapshot, error) {
	if amount < c.cfg.MinBetAmount || amount > c.cfg.MaxBetAmount {
		return nil, ledger.Snapshot{}, fmt.Errorf("%w: %d not in [%d, %d]", ErrAmountOutOfRange, amount, c.cfg.MinBetAmount, c.cfg.MaxBetAmount)
	}
	if !ValidMoveNotation(predictedMove) {
		return nil, ledger.Snapshot{}, fmt.Errorf("%w: %q", ErrInvalidMove, predictedMove)
	}

	b := &Bet{
		ID:            uuid.NewString(),
		RoomID:        roomID,
		ChannelID:     channelID,
		Address:       address,
		Amount:        amount,
		PredictedMove: predictedMove,
		Status:        StatusPending,
		PlacedAt:      time.Now(),
	}

	c.mu.Lock()
	c.bets[b.ID] = b
	c.pending[roomID] = append(c.pending[roomID], b.ID)
	c.mu.Unlock()

	snap, err := c.ledger.LockForBet(channelID, b.ID, address, amount)
	if err != nil {
		c.rollback(b.ID)
		return nil, ledger.Snapshot{}, fmt.Errorf("lock funds: %w", err)
	}

	log.Printf("[BET] %s bet %d on %q in room %s (bet %s)", address, amount, predictedMove, roomID, b.ID)
	return b, snap, nil
}

// rollback removes a bet whose fund lock never happened.
func (c *Coordinator) rollback(betID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.bets[betID]
	if !ok {
		return
	}
	delete(c.bets, betID)
	c.pending[b.RoomID] = removeID(c.pending[b.RoomID], betID)

	log.Printf("[BET] Rolled back bet %s: fund lock refused", betID)
}

// ResolveMove settles every pending bet in the room against the move that was
// actually played. Winners are credited their stake times the payout
// multiplier; losers only have their lock released. The room's pending set is
// cleared as one unit so a bet is never resolved twice.
func (c *Coordinator) ResolveMove(roomID, move string) (Resolution, error) {
	c.mu.Lock()
	ids := c.pending[roomID]
	delete(c.pending, roomID)

	toResolve := make([]*Bet, 0, len(ids))
	for _, id := range ids {
		if b, ok := c.bets[id]; ok && !b.terminal() {
			toResolve = append(toResolve, b)
		}
	}
	c.mu.Unlock()

	res := Resolution{
		RoomID: roomID,
		Move:   move,
		Deltas: make(map[string]int64),
	}

	now := time.Now().Unix()
	for _, b := range toResolve {
		won := MovesMatch(b.PredictedMove, move)
		var payout int64
		if won {
			payout = b.Amount * c.cfg.BetMultiplier
		}

		if _, err := c.ledger.ResolveBet(b.ChannelID, b.ID, won, payout); err != nil {
			// The lock is gone or the channel closed under us. Park the bet
			// back as pending rather than marking an outcome we never applied.
			log.Printf("[BET] Could not resolve bet %s: %v", b.ID, err)
			c.mu.Lock()
			c.pending[roomID] = append(c.pending[roomID], b.ID)
			c.mu.Unlock()
			return res, fmt.Errorf("resolve bet %s: %w", b.ID, err)
		}

		c.mu.Lock()
		if won {
			b.Status = StatusWon
			b.Payout = payout
			res.Won = append(res.Won, b)
			res.Deltas[b.Address] += payout
		} else {
			b.Status = StatusLost
			res.Lost = append(res.Lost, b)
		}
		b.ResolvedAt = now
		c.mu.Unlock()
		res.Resolved++
	}

	if res.Resolved > 0 {
		log.Printf("[BET] Resolved %d bets in room %s on move %q (%d won)", res.Resolved, roomID, move, len(res.Won))
	}
	return res, nil
}

// CancelRoomBets refunds every pending bet in the room, releasing its lock
// without touching balances. Used when a game ends or a player leaves before
// the next move lands.
func (c *Coordinator) CancelRoomBets(roomID string) ([]*Bet, error) {
	c.mu.Lock()
	ids := c.pending[roomID]
	delete(c.pending, roomID)

	toCancel := make([]*Bet, 0, len(ids))
	for _, id := range ids {
		if b, ok := c.bets[id]; ok && !b.terminal() {
			toCancel = append(toCancel, b)
		}
	}
	c.mu.Unlock()

	now := time.Now().Unix()
	for _, b := range toCancel {
		if _, err := c.ledger.ResolveBet(b.ChannelID, b.ID, false, 0); err != nil {
			log.Printf("[BET] Could not release lock for cancelled bet %s: %v", b.ID, err)
		}
		c.mu.Lock()
		b.Status = StatusCancelled
		b.ResolvedAt = now
		c.mu.Unlock()
	}

	if len(toCancel) > 0 {
		log.Printf("[BET] Cancelled %d pending bets in room %s", len(toCancel), roomID)
	}
	return toCancel, nil
}

// Get returns the bet by id.
func (c *Coordinator) Get(betID string) (*Bet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.bets[betID]
	if !ok {
		return nil, ErrBetNotFound
	}
	cp := *b
	return &cp, nil
}

// RoomBets lists every bet ever placed in the room, pending and settled.
func (c *Coordinator) RoomBets(roomID string) []*Bet {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*Bet
	for _, b := range c.bets {
		if b.RoomID == roomID {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out
}

// PlayerBets lists every bet the address has placed.
func (c *Coordinator) PlayerBets(address string) []*Bet {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*Bet
	for _, b := range c.bets {
		if b.Address == address {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out
}

// Exposure is the worst-case payout the room's pending bets could demand:
// every stake times the payout multiplier.
func (c *Coordinator) Exposure(roomID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total int64
	for _, id := range c.pending[roomID] {
		if b, ok := c.bets[id]; ok && !b.terminal() {
			total += b.Amount * c.cfg.BetMultiplier
		}
	}
	return total
}

// Stats aggregates the bet table.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var st Stats
	for _, b := range c.bets {
		st.TotalBets++
		st.TotalVolume += b.Amount
		switch b.Status {
		case StatusPending:
			st.PendingBets++
		case StatusWon:
			st.WonBets++
			st.TotalPayouts += b.Payout
		case StatusLost:
			st.LostBets++
		case StatusCancelled:
			st.CancelledBets++
		}
	}
	return st
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
