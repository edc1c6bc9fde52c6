package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"chessbet/internal/auth"
	"chessbet/internal/bet"
	"chessbet/internal/cache"
	"chessbet/internal/channel"
	"chessbet/internal/database"
	"chessbet/internal/ledger"
	"chessbet/internal/room"
	"chessbet/internal/settlement"
)

// wsClient wraps a connection with a write lock so the registry's broadcasts
// and direct replies never interleave frames. It satisfies room.Conn.
type wsClient struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	address string
}

func (c *wsClient) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsClient) sendError(code, msg string) {
	c.WriteJSON(fiber.Map{"type": "error", "code": code, "msg": msg})
}

func (c *wsClient) fail(err error) {
	c.sendError(errorCode(err), err.Error())
}

// wsHandlers is the dispatch table for client messages. The envelope's type
// field picks the handler; each handler parses its own payload.
var wsHandlers = map[string]func(*FiberServer, *wsClient, []byte){
	"ping":              (*FiberServer).handlePing,
	"auth":              (*FiberServer).handleAuthChallenge,
	"auth:verify":       (*FiberServer).handleAuthVerify,
	"auth:token":        (*FiberServer).handleAuthToken,
	"joinRoom":          (*FiberServer).handleJoinRoom,
	"leaveRoom":         (*FiberServer).handleLeaveRoom,
	"getAvailableRooms": (*FiberServer).handleAvailableRooms,
	"signSession":       (*FiberServer).handleSignSession,
	"deposit":           (*FiberServer).handleDeposit,
	"withdraw":          (*FiberServer).handleWithdraw,
	"placeBet":          (*FiberServer).handlePlaceBet,
	"simulateMove":      (*FiberServer).handleSimulateMove,
	"signStateUpdate":   (*FiberServer).handleSignStateUpdate,
	"getChannelStats":   (*FiberServer).handleChannelStats,
}

func (s *FiberServer) chessWebSocketHandler(conn *websocket.Conn) {
	c := &wsClient{conn: conn, address: conn.Query("address", "")}

	log.Printf("[WS] New connection (address %q)", c.address)

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[WS] Connection closed for %q: %v", c.address, err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(message, &envelope); err != nil {
			c.sendError("BAD_MESSAGE", "message is not valid JSON")
			continue
		}

		handler, ok := wsHandlers[envelope.Type]
		if !ok {
			c.sendError("UNKNOWN_TYPE", "unknown message type: "+envelope.Type)
			continue
		}
		handler(s, c, message)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, room.ErrRoomFull):
		return "ROOM_FULL"
	case errors.Is(err, room.ErrRoomNotFound):
		return "ROOM_NOT_FOUND"
	case errors.Is(err, room.ErrNotInRoom):
		return "NOT_IN_ROOM"
	case errors.Is(err, channel.ErrRoomNotReady):
		return "ROOM_NOT_READY"
	case errors.Is(err, channel.ErrSessionNotFound):
		return "SESSION_NOT_FOUND"
	case errors.Is(err, channel.ErrSessionNotReady):
		return "SESSION_NOT_READY"
	case errors.Is(err, channel.ErrSessionExpired):
		return "SESSION_EXPIRED"
	case errors.Is(err, channel.ErrInvalidParticipant):
		return "NOT_PARTICIPANT"
	case errors.Is(err, channel.ErrInvalidSignature), errors.Is(err, auth.ErrBadSignature):
		return "BAD_SIGNATURE"
	case errors.Is(err, channel.ErrChannelNotFound), errors.Is(err, ledger.ErrChannelNotFound):
		return "NO_CHANNEL"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "INSUFFICIENT_BALANCE"
	case errors.Is(err, ledger.ErrNonceMismatch):
		return "NONCE_MISMATCH"
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, errBadAmount),
		errors.Is(err, errAmountPrecision),
		errors.Is(err, errAmountRange):
		return "BAD_AMOUNT"
	case errors.Is(err, bet.ErrInvalidMove):
		return "INVALID_MOVE"
	case errors.Is(err, bet.ErrAmountOutOfRange):
		return "BET_OUT_OF_RANGE"
	case errors.Is(err, settlement.ErrTimeout):
		return "SETTLEMENT_TIMEOUT"
	case errors.Is(err, settlement.ErrNotConnected):
		return "SETTLEMENT_DOWN"
	case errors.Is(err, auth.ErrChallengeNotFound):
		return "NO_CHALLENGE"
	case errors.Is(err, auth.ErrChallengeExpired):
		return "CHALLENGE_EXPIRED"
	case errors.Is(err, auth.ErrBadToken):
		return "BAD_TOKEN"
	default:
		return "INTERNAL"
	}
}

func (s *FiberServer) handlePing(c *wsClient, _ []byte) {
	c.WriteJSON(fiber.Map{"type": "pong"})
}

func (s *FiberServer) handleAuthChallenge(c *wsClient, raw []byte) {
	var payload struct {
		Address string `json:"address"`
	}
	json.Unmarshal(raw, &payload)
	if payload.Address == "" {
		c.sendError("BAD_MESSAGE", "address is required")
		return
	}

	nonce := s.auth.Challenge(payload.Address)
	c.WriteJSON(fiber.Map{"type": "auth:challenge", "address": payload.Address, "challenge": nonce})
}

func (s *FiberServer) handleAuthVerify(c *wsClient, raw []byte) {
	var payload struct {
		Address   string `json:"address"`
		Signature string `json:"signature"`
	}
	json.Unmarshal(raw, &payload)

	token, err := s.auth.Verify(payload.Address, payload.Signature)
	if err != nil {
		c.fail(err)
		return
	}

	c.address = payload.Address
	c.WriteJSON(fiber.Map{"type": "auth:token", "address": payload.Address, "token": token})
}

func (s *FiberServer) handleAuthToken(c *wsClient, raw []byte) {
	var payload struct {
		Token string `json:"token"`
	}
	json.Unmarshal(raw, &payload)

	address, err := s.auth.ValidateToken(payload.Token)
	if err != nil {
		c.fail(err)
		return
	}

	c.address = address
	c.WriteJSON(fiber.Map{"type": "auth:ok", "address": address})
}

// requireAddress rejects messages from connections that never identified.
func (c *wsClient) requireAddress() bool {
	if c.address == "" {
		c.sendError("UNAUTHENTICATED", "authenticate or connect with an address first")
		return false
	}
	return true
}

func (s *FiberServer) handleJoinRoom(c *wsClient, raw []byte) {
	if !c.requireAddress() {
		return
	}
	var payload struct {
		RoomID string `json:"roomId"`
	}
	json.Unmarshal(raw, &payload)

	v, _, err := s.rooms.CreateOrJoin(payload.RoomID, c.address, c)
	if err != nil {
		c.fail(err)
		return
	}

	s.rooms.Broadcast(v.ID, "room:joined", map[string]interface{}{
		"address": c.address,
		"symbol":  s.rooms.Symbol(v.ID, c.address),
		"players": v.PlayerCount,
		"status":  v.Status,
	})

	if v.PlayerCount < 2 {
		return
	}

	// Second seat filled: the room is ready and a session proposal goes out
	// for both players to sign.
	s.rooms.Broadcast(v.ID, "room:ready", map[string]interface{}{
		"players": []string{v.HostAddress, v.GuestAddress},
	})

	proposal, err := s.negotiator.Propose(v.ID)
	if err != nil {
		c.fail(err)
		return
	}
	s.rooms.Broadcast(v.ID, "session:proposal", map[string]interface{}{
		"proposal":       proposal,
		"signingPayload": string(proposal.SigningBytes()),
	})
}

func (s *FiberServer) handleLeaveRoom(c *wsClient, _ []byte) {
	if !c.requireAddress() {
		return
	}

	v, err := s.rooms.RoomOf(c.address)
	if err != nil {
		c.fail(err)
		return
	}

	// Pending bets cannot survive a departure; refund them before the seat
	// goes away.
	if cancelled, _ := s.bets.CancelRoomBets(v.ID); len(cancelled) > 0 {
		s.rooms.Broadcast(v.ID, "bets:cancelled", map[string]interface{}{
			"count": len(cancelled),
		})
	}

	if v.ChannelID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SettlementTimeout)
		err := s.negotiator.CloseChannel(ctx, v.ID, c.address)
		cancel()
		if err != nil {
			log.Printf("[WS] Cooperative close failed for room %s: %v", v.ID, err)
		} else {
			if ch, err := s.negotiator.ChannelByRoom(v.ID); err == nil {
				s.rooms.Broadcast(v.ID, "channel:closed", map[string]interface{}{
					"channelId":     ch.ChannelID,
					"finalBalances": balancesForWire(ch.Balances),
				})
			}
			if s.cache != nil {
				dropCtx, dropCancel := context.WithTimeout(context.Background(), time.Second)
				s.cache.DropMirror(dropCtx, v.ChannelID)
				dropCancel()
			}
			s.rooms.DetachChannel(v.ID)
		}
	}

	roomID, err := s.rooms.Leave(c.address)
	if err != nil {
		c.fail(err)
		return
	}
	s.rooms.Broadcast(roomID, "room:left", map[string]interface{}{"address": c.address})
	c.WriteJSON(fiber.Map{"type": "room:left", "roomId": roomID, "address": c.address})
}

func (s *FiberServer) handleAvailableRooms(c *wsClient, _ []byte) {
	c.WriteJSON(fiber.Map{"type": "availableRooms", "rooms": s.rooms.AvailableRooms()})
}

func (s *FiberServer) handleSignSession(c *wsClient, raw []byte) {
	if !c.requireAddress() {
		return
	}
	var payload struct {
		Signature string `json:"signature"`
	}
	json.Unmarshal(raw, &payload)

	v, err := s.rooms.RoomOf(c.address)
	if err != nil {
		c.fail(err)
		return
	}

	res, err := s.negotiator.AddSignature(context.Background(), v.ID, c.address, payload.Signature)
	if err != nil {
		c.fail(err)
		return
	}

	s.rooms.Broadcast(v.ID, "session:signed", map[string]interface{}{
		"address": c.address,
		"pending": res.PendingSignatures,
		"ready":   res.Ready,
	})

	if !res.Ready {
		return
	}

	snap, err := s.ledger.Current(res.ChannelID)
	if err != nil {
		c.fail(err)
		return
	}
	s.rooms.Broadcast(v.ID, "channel:created", map[string]interface{}{
		"channelId": res.ChannelID,
		"sessionId": res.SessionID,
		"state":     snap,
	})
	go s.publishState(snap)
}

func (s *FiberServer) channelFor(c *wsClient) (room.View, channel.Channel, bool) {
	v, err := s.rooms.RoomOf(c.address)
	if err != nil {
		c.fail(err)
		return room.View{}, channel.Channel{}, false
	}
	ch, err := s.negotiator.ChannelByRoom(v.ID)
	if err != nil {
		c.fail(err)
		return room.View{}, channel.Channel{}, false
	}
	return v, ch, true
}

func (s *FiberServer) handleDeposit(c *wsClient, raw []byte) {
	if !c.requireAddress() {
		return
	}
	var payload struct {
		Amount string `json:"amount"`
	}
	json.Unmarshal(raw, &payload)

	amount, err := toMinorUnits(payload.Amount)
	if err != nil {
		c.fail(err)
		return
	}

	v, ch, ok := s.channelFor(c)
	if !ok {
		return
	}

	snap, err := s.ledger.ApplyDeposit(ch.ChannelID, c.address, amount)
	if err != nil {
		c.fail(err)
		return
	}
	s.afterMutation(v.ID, snap)
}

func (s *FiberServer) handleWithdraw(c *wsClient, raw []byte) {
	if !c.requireAddress() {
		return
	}
	var payload struct {
		Amount string `json:"amount"`
	}
	json.Unmarshal(raw, &payload)

	amount, err := toMinorUnits(payload.Amount)
	if err != nil {
		c.fail(err)
		return
	}

	v, ch, ok := s.channelFor(c)
	if !ok {
		return
	}

	snap, err := s.ledger.ApplyWithdrawal(ch.ChannelID, c.address, amount)
	if err != nil {
		c.fail(err)
		return
	}
	s.afterMutation(v.ID, snap)
}

func (s *FiberServer) handlePlaceBet(c *wsClient, raw []byte) {
	if !c.requireAddress() {
		return
	}
	var payload struct {
		Amount string `json:"amount"`
		Move   string `json:"move"`
	}
	json.Unmarshal(raw, &payload)

	amount, err := toMinorUnits(payload.Amount)
	if err != nil {
		c.fail(err)
		return
	}

	v, ch, ok := s.channelFor(c)
	if !ok {
		return
	}

	b, snap, err := s.bets.PlaceBet(v.ID, ch.ChannelID, c.address, amount, payload.Move)
	if err != nil {
		c.fail(err)
		return
	}

	s.rooms.Broadcast(v.ID, "bet:placed", map[string]interface{}{
		"bet":    b,
		"amount": fromMinorUnits(b.Amount),
	})
	s.afterMutation(v.ID, snap)
}

func (s *FiberServer) handleSimulateMove(c *wsClient, raw []byte) {
	if !c.requireAddress() {
		return
	}
	var payload struct {
		Move string `json:"move"`
	}
	json.Unmarshal(raw, &payload)

	if !bet.ValidMoveNotation(payload.Move) {
		c.fail(bet.ErrInvalidMove)
		return
	}

	v, ch, ok := s.channelFor(c)
	if !ok {
		return
	}
	if !s.rooms.IsPlayer(v.ID, c.address) {
		c.fail(room.ErrNotInRoom)
		return
	}
	if v.Status == room.StatusChannelReady {
		s.rooms.StartGame(v.ID)
	}

	res, err := s.bets.ResolveMove(v.ID, payload.Move)
	if err != nil {
		c.fail(err)
		return
	}

	s.rooms.Broadcast(v.ID, "move:made", moveMadePayload(c.address, s.rooms.Symbol(v.ID, c.address), res, time.Now().Unix()))

	if res.Resolved > 0 {
		snap, err := s.ledger.Current(ch.ChannelID)
		if err == nil {
			s.afterMutation(v.ID, snap)
		}
		if s.db != nil {
			go s.archiveResolution(res, payload.Move)
		}
	}
}

func (s *FiberServer) handleSignStateUpdate(c *wsClient, raw []byte) {
	if !c.requireAddress() {
		return
	}
	var payload struct {
		Nonce     uint64 `json:"nonce"`
		Signature string `json:"signature"`
	}
	json.Unmarshal(raw, &payload)

	v, ch, ok := s.channelFor(c)
	if !ok {
		return
	}

	snap, err := s.ledger.AddSignature(ch.ChannelID, payload.Nonce, c.address, payload.Signature)
	if err != nil {
		c.fail(err)
		return
	}

	s.rooms.Broadcast(v.ID, "state:updated", stateUpdatedPayload(snap))
}

// moveMadePayload is the move:made wire shape: the move, who played it, the
// settled bets and the per-address deltas they produced.
func moveMadePayload(by, symbol string, res bet.Resolution, playedAt int64) map[string]interface{} {
	resolvedBets := make([]*bet.Bet, 0, len(res.Won)+len(res.Lost))
	resolvedBets = append(resolvedBets, res.Won...)
	resolvedBets = append(resolvedBets, res.Lost...)
	return map[string]interface{}{
		"move":         res.Move,
		"by":           by,
		"symbol":       symbol,
		"resolved":     res.Resolved,
		"resolvedBets": resolvedBets,
		"won":          len(res.Won),
		"lost":         len(res.Lost),
		"deltas":       balancesForWire(res.Deltas),
		"timestamp":    playedAt,
	}
}

// stateUpdatedPayload is the state:updated wire shape; balances ride along so
// clients can verify what they are countersigning.
func stateUpdatedPayload(snap ledger.Snapshot) map[string]interface{} {
	return map[string]interface{}{
		"channelId":  snap.ChannelID,
		"nonce":      snap.Nonce,
		"stateHash":  snap.StateHash,
		"balances":   balancesForWire(snap.Balances),
		"signatures": len(snap.Signatures),
	}
}

func (s *FiberServer) handleChannelStats(c *wsClient, _ []byte) {
	if !c.requireAddress() {
		return
	}

	v, ch, ok := s.channelFor(c)
	if !ok {
		return
	}

	stats, err := s.ledger.Stats(ch.ChannelID)
	if err != nil {
		c.fail(err)
		return
	}

	c.WriteJSON(fiber.Map{
		"type":      "channel:stats",
		"channelId": ch.ChannelID,
		"stats":     stats,
		"exposure":  fromMinorUnits(s.bets.Exposure(v.ID)),
	})
}

// afterMutation fans the new state out: both players get a sign request, and
// the snapshot travels to the settlement node, the Redis mirror and the
// archive in the background.
func (s *FiberServer) afterMutation(roomID string, snap ledger.Snapshot) {
	s.rooms.Broadcast(roomID, "state:signRequest", map[string]interface{}{
		"state":    snap,
		"balances": balancesForWire(snap.Balances),
	})
	go s.publishState(snap)
}

func (s *FiberServer) publishState(snap ledger.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SettlementTimeout)
	defer cancel()

	err := s.settle.UpdateState(ctx, settlement.StateUpdate{
		ChannelID: snap.ChannelID,
		Nonce:     snap.Nonce,
		Balances:  snap.Balances,
		StateHash: snap.StateHash,
		Timestamp: snap.Timestamp,
	})
	if err != nil {
		log.Printf("[SERVER] State update for %s nonce %d not accepted: %v", snap.ChannelID, snap.Nonce, err)
	}

	if s.cache != nil {
		if err := s.cache.MirrorState(ctx, snap); err != nil {
			log.Printf("[SERVER] Mirror write failed for %s: %v", snap.ChannelID, err)
		}
		s.cache.QueueSettlement(ctx, cache.SettlementNotification{
			ChannelID: snap.ChannelID,
			Nonce:     snap.Nonce,
			StateHash: snap.StateHash,
			Event:     string(snap.Type),
			Timestamp: snap.Timestamp,
		})
	}

	if s.db != nil {
		if err := s.db.RecordSettlement(ctx, database.SettlementRecord{
			ChannelID: snap.ChannelID,
			Nonce:     int64(snap.Nonce),
			StateHash: snap.StateHash,
			Event:     string(snap.Type),
			CreatedAt: time.Unix(snap.Timestamp, 0),
		}); err != nil {
			log.Printf("[SERVER] Settlement archive failed for %s: %v", snap.ChannelID, err)
		}
	}
}

func (s *FiberServer) archiveResolution(res bet.Resolution, move string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, b := range append(res.Won, res.Lost...) {
		rec := database.BetRecord{
			BetID:         b.ID,
			RoomID:        b.RoomID,
			ChannelID:     b.ChannelID,
			Address:       b.Address,
			Amount:        b.Amount,
			PredictedMove: b.PredictedMove,
			ActualMove:    move,
			Status:        string(b.Status),
			Payout:        b.Payout,
			PlacedAt:      b.PlacedAt,
			ResolvedAt:    time.Unix(b.ResolvedAt, 0),
		}
		if err := s.db.RecordBet(ctx, rec); err != nil {
			log.Printf("[SERVER] Bet archive failed for %s: %v", b.ID, err)
		}
	}
}
