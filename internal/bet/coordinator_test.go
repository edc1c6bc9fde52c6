package bet

import (
	"errors"
	"testing"

	"chessbet/internal/config"
	"chessbet/internal/ledger"
)

const (
	roomID = "r1"
	chID   = "ch-1"
	addrA  = "0xaaa1"
	addrB  = "0xbbb2"
)

func testConfig() *config.Config {
	return &config.Config{
		MinBetAmount:  1,
		MaxBetAmount:  1_000_000,
		BetMultiplier: 2,
	}
}

func newCoordinator(t *testing.T) (*Coordinator, *ledger.Store) {
	t.Helper()
	store := ledger.NewStore()
	if err := store.Register(chID, map[string]int64{addrA: 0, addrB: 0}); err != nil {
		t.Fatalf("register: %v", err)
	}
	store.ApplyDeposit(chID, addrA, 100)
	store.ApplyDeposit(chID, addrB, 100)
	return NewCoordinator(testConfig(), store), store
}

func TestValidMoveNotation(t *testing.T) {
	valid := []string{"e2e4", "E2E4", "E2e4", "a7a8", "Nf3", "Bxe5", "Rdxf8", "exd5", "O-O", "O-O-O", "Qh5", "h8"}
	for _, m := range valid {
		if !ValidMoveNotation(m) {
			t.Errorf("ValidMoveNotation(%q) = false, want true", m)
		}
	}

	invalid := []string{"", "e2e9", "i2i4", "castle", "Nf3!", "e2e4+", "0-0", "Pe4x"}
	for _, m := range invalid {
		if ValidMoveNotation(m) {
			t.Errorf("ValidMoveNotation(%q) = true, want false", m)
		}
	}
}

func TestPlaceBet_LocksFunds(t *testing.T) {
	c, store := newCoordinator(t)

	b, snap, err := c.PlaceBet(roomID, chID, addrA, 30, "e2e4")
	if err != nil {
		t.Fatalf("PlaceBet() error = %v", err)
	}
	if b.Status != StatusPending {
		t.Errorf("status = %s, want pending", b.Status)
	}
	if lk, ok := snap.Locked[b.ID]; !ok || lk.Amount != 30 || lk.Address != addrA {
		t.Errorf("snapshot locked = %v, want 30 by %s under bet id", snap.Locked, addrA)
	}

	avail, _ := store.AvailableBalance(chID, addrA)
	if avail != 70 {
		t.Errorf("available = %d, want 70", avail)
	}
	// The gross balance is untouched until resolution.
	cur, _ := store.Current(chID)
	if cur.Balances[addrA] != 100 {
		t.Errorf("balance = %d, want 100", cur.Balances[addrA])
	}
}

func TestPlaceBet_Validation(t *testing.T) {
	c, _ := newCoordinator(t)

	if _, _, err := c.PlaceBet(roomID, chID, addrA, 0, "e2e4"); !errors.Is(err, ErrAmountOutOfRange) {
		t.Errorf("zero amount error = %v, want ErrAmountOutOfRange", err)
	}
	if _, _, err := c.PlaceBet(roomID, chID, addrA, 2_000_000, "e2e4"); !errors.Is(err, ErrAmountOutOfRange) {
		t.Errorf("huge amount error = %v, want ErrAmountOutOfRange", err)
	}
	if _, _, err := c.PlaceBet(roomID, chID, addrA, 10, "not-a-move"); !errors.Is(err, ErrInvalidMove) {
		t.Errorf("bad move error = %v, want ErrInvalidMove", err)
	}
}

func TestPlaceBet_InsufficientFundsRollsBack(t *testing.T) {
	c, store := newCoordinator(t)

	// 70 then 40: the second exceeds what remains available.
	if _, _, err := c.PlaceBet(roomID, chID, addrA, 70, "e2e4"); err != nil {
		t.Fatalf("first PlaceBet() error = %v", err)
	}
	_, _, err := c.PlaceBet(roomID, chID, addrA, 40, "d2d4")
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("second PlaceBet() error = %v, want ErrInsufficientBalance", err)
	}

	// The refused bet left no trace: one pending bet, one lock, exposure for
	// the surviving stake only.
	if got := len(c.RoomBets(roomID)); got != 1 {
		t.Errorf("room bets = %d, want 1", got)
	}
	if got := c.Exposure(roomID); got != 140 {
		t.Errorf("exposure = %d, want 140", got)
	}
	cur, _ := store.Current(chID)
	if len(cur.Locked) != 1 {
		t.Errorf("locks = %d, want 1", len(cur.Locked))
	}
}

func TestResolveMove_WinPaysDouble(t *testing.T) {
	c, store := newCoordinator(t)

	b, _, _ := c.PlaceBet(roomID, chID, addrA, 30, "e2e4")

	res, err := c.ResolveMove(roomID, "e2e4")
	if err != nil {
		t.Fatalf("ResolveMove() error = %v", err)
	}
	if res.Resolved != 1 || len(res.Won) != 1 || len(res.Lost) != 0 {
		t.Fatalf("resolution = %+v, want one winner", res)
	}
	if res.Deltas[addrA] != 60 {
		t.Errorf("delta = %d, want 60", res.Deltas[addrA])
	}

	got, _ := c.Get(b.ID)
	if got.Status != StatusWon || got.Payout != 60 {
		t.Errorf("bet = %+v, want won with payout 60", got)
	}

	cur, _ := store.Current(chID)
	if cur.Balances[addrA] != 160 {
		t.Errorf("balance = %d, want 160", cur.Balances[addrA])
	}
	avail, _ := store.AvailableBalance(chID, addrA)
	if avail != 160 {
		t.Errorf("available = %d, want 160 after lock release", avail)
	}
}

func TestResolveMove_LossReleasesLockOnly(t *testing.T) {
	c, store := newCoordinator(t)

	b, _, _ := c.PlaceBet(roomID, chID, addrA, 30, "e2e4")

	res, err := c.ResolveMove(roomID, "d2d4")
	if err != nil {
		t.Fatalf("ResolveMove() error = %v", err)
	}
	if len(res.Lost) != 1 || len(res.Won) != 0 {
		t.Fatalf("resolution = %+v, want one loser", res)
	}
	if _, ok := res.Deltas[addrA]; ok {
		t.Errorf("deltas = %v, want none for a loss", res.Deltas)
	}

	got, _ := c.Get(b.ID)
	if got.Status != StatusLost || got.Payout != 0 {
		t.Errorf("bet = %+v, want lost with no payout", got)
	}

	// The stake was only ever parked in the lock; the balance never moved.
	cur, _ := store.Current(chID)
	if cur.Balances[addrA] != 100 {
		t.Errorf("balance = %d, want 100", cur.Balances[addrA])
	}
	avail, _ := store.AvailableBalance(chID, addrA)
	if avail != 100 {
		t.Errorf("available = %d, want 100", avail)
	}
}

func TestResolveMove_CaseInsensitiveMatch(t *testing.T) {
	c, _ := newCoordinator(t)

	c.PlaceBet(roomID, chID, addrA, 10, "Nf3")

	res, err := c.ResolveMove(roomID, "nf3")
	if err != nil {
		t.Fatalf("ResolveMove() error = %v", err)
	}
	if len(res.Won) != 1 {
		t.Errorf("resolution = %+v, want case-insensitive win", res)
	}
}

func TestPlaceBet_UppercaseSquareMove(t *testing.T) {
	c, _ := newCoordinator(t)

	// An uppercase square move is accepted at placement and still matches
	// the lowercase move when played.
	if _, _, err := c.PlaceBet(roomID, chID, addrA, 10, "E2E4"); err != nil {
		t.Fatalf("PlaceBet() error = %v", err)
	}

	res, err := c.ResolveMove(roomID, "e2e4")
	if err != nil {
		t.Fatalf("ResolveMove() error = %v", err)
	}
	if len(res.Won) != 1 {
		t.Errorf("resolution = %+v, want the uppercase prediction to win", res)
	}
}

func TestResolveMove_MixedOutcomes(t *testing.T) {
	c, _ := newCoordinator(t)

	c.PlaceBet(roomID, chID, addrA, 20, "e2e4")
	c.PlaceBet(roomID, chID, addrA, 10, "d2d4")
	c.PlaceBet(roomID, chID, addrB, 50, "e2e4")

	res, err := c.ResolveMove(roomID, "e2e4")
	if err != nil {
		t.Fatalf("ResolveMove() error = %v", err)
	}
	if res.Resolved != 3 || len(res.Won) != 2 || len(res.Lost) != 1 {
		t.Fatalf("resolution = %+v, want 2 winners 1 loser", res)
	}
	if res.Deltas[addrA] != 40 || res.Deltas[addrB] != 100 {
		t.Errorf("deltas = %v, want A+40 B+100", res.Deltas)
	}
}

func TestResolveMove_PendingSetClears(t *testing.T) {
	c, _ := newCoordinator(t)

	c.PlaceBet(roomID, chID, addrA, 30, "e2e4")
	if _, err := c.ResolveMove(roomID, "e2e4"); err != nil {
		t.Fatalf("ResolveMove() error = %v", err)
	}

	// A second resolution finds nothing; the winner is not paid twice.
	res, err := c.ResolveMove(roomID, "e2e4")
	if err != nil {
		t.Fatalf("second ResolveMove() error = %v", err)
	}
	if res.Resolved != 0 {
		t.Errorf("resolved = %d, want 0", res.Resolved)
	}
	if got := c.Exposure(roomID); got != 0 {
		t.Errorf("exposure = %d, want 0", got)
	}
}

func TestCancelRoomBets_Refunds(t *testing.T) {
	c, store := newCoordinator(t)

	b, _, _ := c.PlaceBet(roomID, chID, addrA, 30, "e2e4")

	cancelled, err := c.CancelRoomBets(roomID)
	if err != nil {
		t.Fatalf("CancelRoomBets() error = %v", err)
	}
	if len(cancelled) != 1 {
		t.Fatalf("cancelled = %d, want 1", len(cancelled))
	}

	got, _ := c.Get(b.ID)
	if got.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	avail, _ := store.AvailableBalance(chID, addrA)
	if avail != 100 {
		t.Errorf("available = %d, want full refund", avail)
	}

	// Cancelled bets stay cancelled through a later resolution.
	res, _ := c.ResolveMove(roomID, "e2e4")
	if res.Resolved != 0 {
		t.Errorf("resolved = %d, want 0 after cancel", res.Resolved)
	}
	got, _ = c.Get(b.ID)
	if got.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled to be terminal", got.Status)
	}
}

func TestExposure(t *testing.T) {
	c, _ := newCoordinator(t)

	c.PlaceBet(roomID, chID, addrA, 20, "e2e4")
	c.PlaceBet(roomID, chID, addrB, 30, "d2d4")

	if got := c.Exposure(roomID); got != 100 {
		t.Errorf("exposure = %d, want 100", got)
	}
	if got := c.Exposure("other"); got != 0 {
		t.Errorf("exposure for empty room = %d, want 0", got)
	}
}

func TestListings(t *testing.T) {
	c, _ := newCoordinator(t)

	c.PlaceBet(roomID, chID, addrA, 20, "e2e4")
	c.PlaceBet(roomID, chID, addrB, 30, "d2d4")

	if got := len(c.RoomBets(roomID)); got != 2 {
		t.Errorf("RoomBets = %d, want 2", got)
	}
	if got := len(c.PlayerBets(addrA)); got != 1 {
		t.Errorf("PlayerBets = %d, want 1", got)
	}
	if _, err := c.Get("nope"); !errors.Is(err, ErrBetNotFound) {
		t.Errorf("Get() error = %v, want ErrBetNotFound", err)
	}
}

func TestStats(t *testing.T) {
	c, _ := newCoordinator(t)

	c.PlaceBet(roomID, chID, addrA, 20, "e2e4")
	c.PlaceBet(roomID, chID, addrB, 30, "d2d4")
	c.ResolveMove(roomID, "e2e4")
	c.PlaceBet(roomID, chID, addrA, 10, "g1f3")

	st := c.Stats()
	if st.TotalBets != 3 || st.WonBets != 1 || st.LostBets != 1 || st.PendingBets != 1 {
		t.Errorf("stats = %+v, want 3 total / 1 won / 1 lost / 1 pending", st)
	}
	if st.TotalVolume != 60 || st.TotalPayouts != 40 {
		t.Errorf("stats = %+v, want volume 60 payouts 40", st)
	}
}
