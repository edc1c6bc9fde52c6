package room

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry owns every room and the player-to-room index. It never reaches
// into the session or betting layers; callers watch for the two-player
// transition and drive the handshake themselves.
type Registry struct {
	mu          sync.RWMutex
	rooms       map[string]*room
	playerRooms map[string]string // address -> roomID
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:       make(map[string]*room),
		playerRooms: make(map[string]string),
	}
}

// CreateOrJoin puts a player in a room. An empty roomID allocates a fresh
// room with the player as host. Joining a room the player already occupies
// swaps the connection handle (reconnect) without re-admitting.
func (reg *Registry) CreateOrJoin(roomID, address string, conn Conn) (View, bool, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if roomID == "" {
		roomID = uuid.NewString()
	}

	r, ok := reg.rooms[roomID]
	if !ok {
		r = &room{
			id:        roomID,
			status:    StatusWaiting,
			players:   make(map[string]*player),
			createdAt: time.Now(),
		}
		if _, err := r.addPlayer(address, conn); err != nil {
			return View{}, false, err
		}
		reg.rooms[roomID] = r
		reg.playerRooms[address] = roomID

		log.Printf("[ROOM] Created room %s with host %s", roomID, address)
		return r.view(), true, nil
	}

	if r.isPlayer(address) {
		r.players[address].conn = conn
		log.Printf("[ROOM] Player %s reconnected to room %s", address, roomID)
		return r.view(), false, nil
	}

	symbol, err := r.addPlayer(address, conn)
	if err != nil {
		return View{}, false, err
	}
	reg.playerRooms[address] = roomID

	log.Printf("[ROOM] Player %s joined room %s as %s", address, roomID, symbol)
	return r.view(), false, nil
}

// Leave removes the player from their room; an emptied room is destroyed.
func (reg *Registry) Leave(address string) (string, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	roomID, ok := reg.playerRooms[address]
	if !ok {
		return "", ErrNotInRoom
	}
	r, ok := reg.rooms[roomID]
	if !ok {
		delete(reg.playerRooms, address)
		return "", ErrRoomNotFound
	}

	r.removePlayer(address)
	delete(reg.playerRooms, address)

	if r.status == StatusEnded {
		for addr := range r.players {
			delete(reg.playerRooms, addr)
		}
		delete(reg.rooms, roomID)
		log.Printf("[ROOM] Deleted room %s", roomID)
	} else {
		log.Printf("[ROOM] Player %s left room %s", address, roomID)
	}
	return roomID, nil
}

// Broadcast fans an event out to every live connection in the room. Writes to
// dead connections are dropped silently.
func (reg *Registry) Broadcast(roomID, event string, data map[string]interface{}) {
	reg.mu.RLock()
	r, ok := reg.rooms[roomID]
	if !ok {
		reg.mu.RUnlock()
		log.Printf("[ROOM] Cannot broadcast to room %s: not found", roomID)
		return
	}

	msg := map[string]interface{}{
		"type":   event,
		"roomId": roomID,
	}
	for k, v := range data {
		msg[k] = v
	}

	conns := make([]Conn, 0, len(r.players))
	for _, p := range r.players {
		conns = append(conns, p.conn)
	}
	reg.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("[ROOM] Dropped %s broadcast to closed connection in room %s", event, roomID)
		}
	}
}

// Get returns a copy of the room's state.
func (reg *Registry) Get(roomID string) (View, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	r, ok := reg.rooms[roomID]
	if !ok {
		return View{}, ErrRoomNotFound
	}
	return r.view(), nil
}

// RoomOf returns the room a player currently occupies.
func (reg *Registry) RoomOf(address string) (View, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	roomID, ok := reg.playerRooms[address]
	if !ok {
		return View{}, ErrNotInRoom
	}
	r, ok := reg.rooms[roomID]
	if !ok {
		return View{}, ErrRoomNotFound
	}
	return r.view(), nil
}

// IsPlayer reports whether the address occupies the room.
func (reg *Registry) IsPlayer(roomID, address string) bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	r, ok := reg.rooms[roomID]
	return ok && r.isPlayer(address)
}

// Symbol returns the chess color assigned to the player in the room.
func (reg *Registry) Symbol(roomID, address string) string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	if r, ok := reg.rooms[roomID]; ok {
		if p, ok := r.players[address]; ok {
			return p.symbol
		}
	}
	return ""
}

// AvailableRooms lists waiting rooms with a free seat.
func (reg *Registry) AvailableRooms() []Listing {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var out []Listing
	for roomID, r := range reg.rooms {
		if r.status == StatusWaiting && len(r.players) == 1 {
			out = append(out, Listing{
				RoomID:      roomID,
				HostAddress: r.hostAddress,
				CreatedAt:   r.createdAt,
			})
		}
	}
	return out
}

// SetStatus moves a room to the given status.
func (reg *Registry) SetStatus(roomID string, status Status) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	r.status = status
	return nil
}

// AttachChannel records the opened channel on the room and marks it ready
// for play.
func (reg *Registry) AttachChannel(roomID, channelID, sessionID string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	r.channelID = channelID
	r.sessionID = sessionID
	r.status = StatusChannelReady

	log.Printf("[ROOM] Attached channel %s to room %s", channelID, roomID)
	return nil
}

// DetachChannel clears a closed channel off the room so a stale channel id
// never rides along if the room is listed or rejoined.
func (reg *Registry) DetachChannel(roomID string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	r.channelID = ""
	r.sessionID = ""

	log.Printf("[ROOM] Detached channel from room %s", roomID)
	return nil
}

// StartGame flips a ready room into play.
func (reg *Registry) StartGame(roomID string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if r.status != StatusReady && r.status != StatusChannelReady {
		return fmt.Errorf("room %s not ready to start (status %s)", roomID, r.status)
	}
	r.status = StatusPlaying

	log.Printf("[ROOM] Game started in room %s", roomID)
	return nil
}

// EndGame marks the room ended; it is destroyed once both players leave.
func (reg *Registry) EndGame(roomID string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	r.status = StatusEnded

	log.Printf("[ROOM] Game ended in room %s", roomID)
	return nil
}

// Stats summarizes the room table.
func (reg *Registry) Stats() Stats {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	st := Stats{
		TotalRooms:   len(reg.rooms),
		TotalPlayers: len(reg.playerRooms),
	}
	for _, r := range reg.rooms {
		switch r.status {
		case StatusWaiting:
			st.WaitingRooms++
		case StatusPlaying:
			st.PlayingRooms++
		}
	}
	return st
}
