package ledger

import (
	"errors"
	"sync"
	"testing"
)

const (
	addrA = "0xaaa1"
	addrB = "0xbbb2"
	chID  = "ch-test-1"
)

func newTestStore(t *testing.T, balances map[string]int64) *Store {
	t.Helper()
	s := NewStore()
	if err := s.Register(chID, balances); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return s
}

func TestRegister_Duplicate(t *testing.T) {
	s := newTestStore(t, nil)
	if err := s.Register(chID, nil); !errors.Is(err, ErrChannelExists) {
		t.Errorf("Register() error = %v, want ErrChannelExists", err)
	}
}

func TestApplyDeposit(t *testing.T) {
	s := newTestStore(t, nil)

	snap, err := s.ApplyDeposit(chID, addrA, 100)
	if err != nil {
		t.Fatalf("ApplyDeposit() error = %v", err)
	}
	if snap.Nonce != 1 {
		t.Errorf("nonce = %d, want 1", snap.Nonce)
	}
	if snap.Balances[addrA] != 100 {
		t.Errorf("balance = %d, want 100", snap.Balances[addrA])
	}
	if snap.StateHash == "" {
		t.Error("snapshot has no state hash")
	}

	if _, err := s.ApplyDeposit(chID, addrA, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("ApplyDeposit(0) error = %v, want ErrInvalidAmount", err)
	}
	if _, err := s.ApplyDeposit(chID, addrA, -5); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("ApplyDeposit(-5) error = %v, want ErrInvalidAmount", err)
	}
	if _, err := s.ApplyDeposit("missing", addrA, 10); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("ApplyDeposit(missing channel) error = %v, want ErrChannelNotFound", err)
	}
}

func TestNonceIncrementsByExactlyOne(t *testing.T) {
	s := newTestStore(t, map[string]int64{addrA: 100, addrB: 100})

	ops := []func() (Snapshot, error){
		func() (Snapshot, error) { return s.ApplyDeposit(chID, addrA, 50) },
		func() (Snapshot, error) { return s.LockForBet(chID, "b1", addrA, 30) },
		func() (Snapshot, error) { return s.ResolveBet(chID, "b1", true, 60) },
		func() (Snapshot, error) { return s.ApplyWithdrawal(chID, addrA, 10) },
	}

	var last uint64
	for i, op := range ops {
		snap, err := op()
		if err != nil {
			t.Fatalf("op %d error = %v", i, err)
		}
		if snap.Nonce != last+1 {
			t.Errorf("op %d nonce = %d, want %d", i, snap.Nonce, last+1)
		}
		last = snap.Nonce
	}
}

func TestRejectedOperationDoesNotAdvanceNonce(t *testing.T) {
	s := newTestStore(t, map[string]int64{addrA: 20})

	if _, err := s.LockForBet(chID, "b1", addrA, 30); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("LockForBet() error = %v, want ErrInsufficientBalance", err)
	}

	snap, err := s.Current(chID)
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if snap.Nonce != 0 {
		t.Errorf("nonce = %d, want 0 after rejected lock", snap.Nonce)
	}
	if len(snap.Locked) != 0 {
		t.Errorf("locked = %v, want empty", snap.Locked)
	}
}

func TestLockForBet_AvailableBalance(t *testing.T) {
	s := newTestStore(t, map[string]int64{addrA: 100})

	if _, err := s.LockForBet(chID, "b1", addrA, 30); err != nil {
		t.Fatalf("LockForBet() error = %v", err)
	}

	avail, err := s.AvailableBalance(chID, addrA)
	if err != nil {
		t.Fatalf("AvailableBalance() error = %v", err)
	}
	if avail != 70 {
		t.Errorf("available = %d, want 70", avail)
	}

	// The full balance is untouched; only availability shrinks.
	snap, _ := s.Current(chID)
	if snap.Balances[addrA] != 100 {
		t.Errorf("balance = %d, want 100", snap.Balances[addrA])
	}

	if _, err := s.LockForBet(chID, "b2", addrA, 71); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("LockForBet() error = %v, want ErrInsufficientBalance", err)
	}
}

func TestResolveBet_WinCreditsPayout(t *testing.T) {
	s := newTestStore(t, map[string]int64{addrA: 100})

	if _, err := s.LockForBet(chID, "b1", addrA, 30); err != nil {
		t.Fatalf("LockForBet() error = %v", err)
	}
	snap, err := s.ResolveBet(chID, "b1", true, 60)
	if err != nil {
		t.Fatalf("ResolveBet() error = %v", err)
	}
	if snap.Balances[addrA] != 160 {
		t.Errorf("balance = %d, want 160", snap.Balances[addrA])
	}

	avail, _ := s.AvailableBalance(chID, addrA)
	if avail != 160 {
		t.Errorf("available = %d, want 160", avail)
	}
}

func TestResolveBet_LossRoundTrip(t *testing.T) {
	s := newTestStore(t, map[string]int64{addrB: 100})

	if _, err := s.LockForBet(chID, "b1", addrB, 40); err != nil {
		t.Fatalf("LockForBet() error = %v", err)
	}
	snap, err := s.ResolveBet(chID, "b1", false, 0)
	if err != nil {
		t.Fatalf("ResolveBet() error = %v", err)
	}

	// A loss only releases the lock; the balance never moved.
	if snap.Balances[addrB] != 100 {
		t.Errorf("balance = %d, want 100", snap.Balances[addrB])
	}
	if len(snap.Locked) != 0 {
		t.Errorf("locked = %v, want empty", snap.Locked)
	}
	avail, _ := s.AvailableBalance(chID, addrB)
	if avail != 100 {
		t.Errorf("available = %d, want 100", avail)
	}
}

func TestResolveBet_NotLocked(t *testing.T) {
	s := newTestStore(t, map[string]int64{addrA: 100})

	if _, err := s.ResolveBet(chID, "ghost", true, 10); !errors.Is(err, ErrBetNotLocked) {
		t.Errorf("ResolveBet() error = %v, want ErrBetNotLocked", err)
	}
}

func TestApplyWithdrawal_RespectsLocks(t *testing.T) {
	s := newTestStore(t, map[string]int64{addrA: 100})

	if _, err := s.LockForBet(chID, "b1", addrA, 80); err != nil {
		t.Fatalf("LockForBet() error = %v", err)
	}
	if _, err := s.ApplyWithdrawal(chID, addrA, 50); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("ApplyWithdrawal() error = %v, want ErrInsufficientBalance", err)
	}

	snap, err := s.ApplyWithdrawal(chID, addrA, 20)
	if err != nil {
		t.Fatalf("ApplyWithdrawal() error = %v", err)
	}
	if snap.Balances[addrA] != 80 {
		t.Errorf("balance = %d, want 80", snap.Balances[addrA])
	}
}

func TestAddSignature_NonceGuard(t *testing.T) {
	s := newTestStore(t, map[string]int64{addrA: 100, addrB: 100})

	snap, err := s.ApplyDeposit(chID, addrA, 10)
	if err != nil {
		t.Fatalf("ApplyDeposit() error = %v", err)
	}

	if _, err := s.AddSignature(chID, snap.Nonce, addrA, "sigA"); err != nil {
		t.Fatalf("AddSignature() error = %v", err)
	}

	// A concurrent mutation lands; the old nonce is now stale.
	if _, err := s.ApplyDeposit(chID, addrB, 10); err != nil {
		t.Fatalf("ApplyDeposit() error = %v", err)
	}
	if _, err := s.AddSignature(chID, snap.Nonce, addrB, "sigB"); !errors.Is(err, ErrNonceMismatch) {
		t.Errorf("AddSignature(stale) error = %v, want ErrNonceMismatch", err)
	}
}

func TestAddSignature_ClearedOnAdvance(t *testing.T) {
	s := newTestStore(t, map[string]int64{addrA: 100})

	snap, _ := s.ApplyDeposit(chID, addrA, 10)
	if _, err := s.AddSignature(chID, snap.Nonce, addrA, "sigA"); err != nil {
		t.Fatalf("AddSignature() error = %v", err)
	}

	s.ApplyDeposit(chID, addrA, 10)

	cur, _ := s.Current(chID)
	if len(cur.Signatures) != 0 {
		t.Errorf("signatures = %v, want cleared after nonce advance", cur.Signatures)
	}
}

// Two players hammer the same channel concurrently; per-address availability
// must never go negative and every accepted lock must fit.
func TestConcurrentLocksStaySerialized(t *testing.T) {
	s := newTestStore(t, map[string]int64{addrA: 100, addrB: 100})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for _, addr := range []string{addrA, addrB} {
			wg.Add(1)
			go func(n int, address string) {
				defer wg.Done()
				betID := address + "-bet-" + string(rune('0'+n))
				s.LockForBet(chID, betID, address, 15)
			}(i, addr)
		}
	}
	wg.Wait()

	for _, addr := range []string{addrA, addrB} {
		avail, err := s.AvailableBalance(chID, addr)
		if err != nil {
			t.Fatalf("AvailableBalance() error = %v", err)
		}
		if avail < 0 {
			t.Errorf("available(%s) = %d, want >= 0", addr, avail)
		}
	}

	// 100 / 15 -> at most 6 locks per address can be accepted.
	snap, _ := s.Current(chID)
	perAddr := map[string]int{}
	for _, lk := range snap.Locked {
		perAddr[lk.Address]++
	}
	for addr, n := range perAddr {
		if n > 6 {
			t.Errorf("accepted %d locks for %s, want <= 6", n, addr)
		}
	}
}

func TestStatsAndHistory(t *testing.T) {
	s := newTestStore(t, nil)

	s.ApplyDeposit(chID, addrA, 100)
	s.ApplyDeposit(chID, addrB, 50)
	s.LockForBet(chID, "b1", addrA, 30)
	s.ResolveBet(chID, "b1", true, 60)
	s.LockForBet(chID, "b2", addrB, 20)
	s.ApplyWithdrawal(chID, addrA, 10)

	st, err := s.Stats(chID)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.TotalDeposits != 150 {
		t.Errorf("TotalDeposits = %d, want 150", st.TotalDeposits)
	}
	if st.TotalBets != 2 || st.TotalBetVolume != 50 {
		t.Errorf("TotalBets = %d volume %d, want 2 / 50", st.TotalBets, st.TotalBetVolume)
	}
	if st.ResolvedBets != 1 {
		t.Errorf("ResolvedBets = %d, want 1", st.ResolvedBets)
	}
	if st.TotalWithdrawals != 10 {
		t.Errorf("TotalWithdrawals = %d, want 10", st.TotalWithdrawals)
	}
	if st.PendingBets != 1 || st.LockedAmount != 20 {
		t.Errorf("PendingBets = %d locked %d, want 1 / 20", st.PendingBets, st.LockedAmount)
	}
	if st.CurrentNonce != 6 {
		t.Errorf("CurrentNonce = %d, want 6", st.CurrentNonce)
	}

	hist, err := s.History(chID)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(hist) != 6 {
		t.Fatalf("history length = %d, want 6", len(hist))
	}
	for i, snap := range hist {
		if snap.Nonce != uint64(i+1) {
			t.Errorf("history[%d].Nonce = %d, want %d", i, snap.Nonce, i+1)
		}
	}
}

func TestStateHashDeterministic(t *testing.T) {
	s1 := newTestStore(t, map[string]int64{addrA: 100})
	snap1, _ := s1.ApplyDeposit(chID, addrA, 50)

	s2 := NewStore()
	s2.Register(chID, map[string]int64{addrA: 100})
	snap2, _ := s2.ApplyDeposit(chID, addrA, 50)

	if snap1.StateHash != snap2.StateHash {
		t.Errorf("state hashes differ: %s vs %s", snap1.StateHash, snap2.StateHash)
	}
}
