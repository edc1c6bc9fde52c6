package room

import (
	"errors"
	"time"
)

var (
	ErrRoomFull     = errors.New("room is full")
	ErrRoomNotFound = errors.New("room not found")
	ErrNotInRoom    = errors.New("player not in any room")
)

// Status is the lifecycle state of a room.
type Status string

const (
	StatusWaiting        Status = "waiting"
	StatusReady          Status = "ready"
	StatusSessionPending Status = "session_pending"
	StatusChannelReady   Status = "channel_ready"
	StatusPlaying        Status = "playing"
	StatusEnded          Status = "ended"
)

// Conn is the connection handle a room holds per player. The registry only
// ever pushes JSON frames through it.
type Conn interface {
	WriteJSON(v interface{}) error
}

// Host plays white, guest plays black.
const (
	SymbolHost  = "w"
	SymbolGuest = "b"
)

type player struct {
	conn   Conn
	symbol string
}

// room is the registry's internal representation. All access is guarded by
// the registry mutex.
type room struct {
	id           string
	hostAddress  string
	guestAddress string
	status       Status
	channelID    string
	sessionID    string
	players      map[string]*player
	createdAt    time.Time
}

func (r *room) isPlayer(address string) bool {
	_, ok := r.players[address]
	return ok
}

func (r *room) addPlayer(address string, conn Conn) (string, error) {
	if len(r.players) >= 2 {
		return "", ErrRoomFull
	}

	symbol := SymbolHost
	if len(r.players) == 1 {
		symbol = SymbolGuest
	}
	r.players[address] = &player{conn: conn, symbol: symbol}

	if symbol == SymbolHost {
		r.hostAddress = address
	} else {
		r.guestAddress = address
		r.status = StatusReady
	}
	return symbol, nil
}

func (r *room) removePlayer(address string) {
	delete(r.players, address)

	// A finished or in-progress game never reopens for new joiners.
	if len(r.players) == 0 || r.status == StatusEnded || r.status == StatusPlaying {
		r.status = StatusEnded
		return
	}

	r.status = StatusWaiting
	if address == r.hostAddress {
		r.hostAddress = r.guestAddress
		if p, ok := r.players[r.hostAddress]; ok {
			p.symbol = SymbolHost
		}
	}
	r.guestAddress = ""
}

func (r *room) view() View {
	v := View{
		ID:           r.id,
		HostAddress:  r.hostAddress,
		GuestAddress: r.guestAddress,
		Status:       r.status,
		ChannelID:    r.channelID,
		SessionID:    r.sessionID,
		PlayerCount:  len(r.players),
		CreatedAt:    r.createdAt,
	}
	for addr := range r.players {
		v.Players = append(v.Players, addr)
	}
	return v
}

// View is a copy of a room's observable state, safe to hold outside the
// registry lock.
type View struct {
	ID           string    `json:"id"`
	HostAddress  string    `json:"hostAddress"`
	GuestAddress string    `json:"guestAddress,omitempty"`
	Status       Status    `json:"status"`
	ChannelID    string    `json:"channelId,omitempty"`
	SessionID    string    `json:"sessionId,omitempty"`
	PlayerCount  int       `json:"playerCount"`
	Players      []string  `json:"players,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Listing describes a one-seat room a second player could join.
type Listing struct {
	RoomID      string    `json:"roomId"`
	HostAddress string    `json:"hostAddress"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Stats summarizes the registry for reporting.
type Stats struct {
	TotalRooms   int `json:"totalRooms"`
	WaitingRooms int `json:"waitingRooms"`
	PlayingRooms int `json:"playingRooms"`
	TotalPlayers int `json:"totalPlayers"`
}
