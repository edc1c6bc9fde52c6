// Package bet coordinates wagers on chess moves: placement locks funds in
// the channel ledger, resolution pays out or releases on the actual move.
package bet

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

var (
	ErrInvalidMove      = errors.New("move is not valid chess notation")
	ErrAmountOutOfRange = errors.New("bet amount outside allowed range")
	ErrBetNotFound      = errors.New("bet not found")
	ErrBetNotPending    = errors.New("bet already resolved")
	ErrNotInRoom        = errors.New("address is not a player in the room")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusWon       Status = "won"
	StatusLost      Status = "lost"
	StatusCancelled Status = "cancelled"
)

// Bet is a wager that a specific move will be the next one played.
type Bet struct {
	ID            string    `json:"betId"`
	RoomID        string    `json:"roomId"`
	ChannelID     string    `json:"channelId"`
	Address       string    `json:"address"`
	Amount        int64     `json:"amount"`
	PredictedMove string    `json:"predictedMove"`
	Status        Status    `json:"status"`
	Payout        int64     `json:"payout"`
	PlacedAt      time.Time `json:"placedAt"`
	ResolvedAt    int64     `json:"resolvedAt,omitempty"`
}

func (b *Bet) terminal() bool {
	return b.Status != StatusPending
}

// Accepted notations: square-to-square ("e2e4"), algebraic with optional
// piece, disambiguation and capture ("Nf3", "Bxe5", "Rdxf8"), and castling.
var (
	squareMovePattern = regexp.MustCompile(`^[a-h][1-8][a-h][1-8]$`)
	pieceMovePattern  = regexp.MustCompile(`^[NBRQK]?[a-h]?[1-8]?x?[a-h][1-8]$`)
	castlingPattern   = regexp.MustCompile(`^(O-O|O-O-O)$`)
)

// ValidMoveNotation reports whether the string is a syntactically valid chess
// move. It does not check board legality. The square form accepts any case,
// matching the case-insensitive comparison at resolution time; algebraic
// notation keeps its case since "bxc5" and "Bxc5" name different moves.
func ValidMoveNotation(move string) bool {
	if move == "" {
		return false
	}
	return squareMovePattern.MatchString(strings.ToLower(move)) ||
		pieceMovePattern.MatchString(move) ||
		castlingPattern.MatchString(move)
}

// MovesMatch compares a predicted move against the move actually played.
// Matching is exact modulo case; "e2e4" does not match "e2" or "e2e4+".
func MovesMatch(predicted, actual string) bool {
	return strings.EqualFold(predicted, actual)
}

// Resolution is the outcome of settling a room's pending bets against one
// played move.
type Resolution struct {
	RoomID   string           `json:"roomId"`
	Move     string           `json:"move"`
	Won      []*Bet           `json:"won"`
	Lost     []*Bet           `json:"lost"`
	Deltas   map[string]int64 `json:"deltas"`
	Resolved int              `json:"resolved"`
}

// Stats summarizes the coordinator for reporting.
type Stats struct {
	TotalBets     int   `json:"totalBets"`
	PendingBets   int   `json:"pendingBets"`
	WonBets       int   `json:"wonBets"`
	LostBets      int   `json:"lostBets"`
	CancelledBets int   `json:"cancelledBets"`
	TotalVolume   int64 `json:"totalVolume"`
	TotalPayouts  int64 `json:"totalPayouts"`
}
