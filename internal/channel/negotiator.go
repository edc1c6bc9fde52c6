package channel

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"chessbet/internal/config"
	"chessbet/internal/ledger"
	"chessbet/internal/room"
	"chessbet/internal/settlement"
	"chessbet/internal/signer"
)

// Negotiator runs the pre-channel handshake: it builds session proposals,
// collects and verifies one signature per participant, and on quorum opens
// the channel through the settlement node and registers its ledger.
type Negotiator struct {
	cfg    *config.Config
	rooms  *room.Registry
	ledger *ledger.Store
	settle settlement.Service
	signer signer.Signer

	mu       sync.Mutex
	sessions map[string]*session // roomID -> session
	channels map[string]*Channel // roomID -> channel
	roomByCh map[string]string   // channelID -> roomID
}

func NewNegotiator(cfg *config.Config, rooms *room.Registry, store *ledger.Store, settle settlement.Service, s signer.Signer) *Negotiator {
	return &Negotiator{
		cfg:      cfg,
		rooms:    rooms,
		ledger:   store,
		settle:   settle,
		signer:   s,
		sessions: make(map[string]*session),
		channels: make(map[string]*Channel),
		roomByCh: make(map[string]string),
	}
}

// Propose builds a fresh session proposal for a two-player room and stores
// the pending session. A second call replaces the previous proposal.
func (n *Negotiator) Propose(roomID string) (Proposal, error) {
	v, err := n.rooms.Get(roomID)
	if err != nil {
		return Proposal{}, err
	}
	if v.PlayerCount != 2 {
		return Proposal{}, ErrRoomNotReady
	}

	now := time.Now()
	proposal := Proposal{
		SessionID:     newSessionID(roomID, now),
		RoomID:        roomID,
		Participants:  []string{v.HostAddress, v.GuestAddress},
		TokenAddress:  n.cfg.TokenAddress,
		ChainID:       n.cfg.ChainID,
		MinBet:        n.cfg.MinBetAmount,
		MaxBet:        n.cfg.MaxBetAmount,
		BetMultiplier: n.cfg.BetMultiplier,
		DisputePeriod: int64(n.cfg.DisputePeriod.Seconds()),
		CreatedAt:     now.Unix(),
		ExpiresAt:     now.Add(n.cfg.SessionTTL).Unix(),
	}

	n.mu.Lock()
	n.sessions[roomID] = &session{
		roomID:     roomID,
		proposal:   proposal,
		signatures: make(map[string]string),
		status:     SessionPending,
		createdAt:  now,
	}
	n.mu.Unlock()

	n.rooms.SetStatus(roomID, room.StatusSessionPending)

	log.Printf("[CHANNEL] Created session %s for room %s", proposal.SessionID, roomID)
	return proposal, nil
}

// AddSignature verifies and records a participant's signature over the
// session proposal. Once both participants have signed, the channel is
// opened immediately; a settlement failure leaves the session ready so the
// caller can retry.
func (n *Negotiator) AddSignature(ctx context.Context, roomID, address, sig string) (SignResult, error) {
	n.mu.Lock()
	s, ok := n.sessions[roomID]
	if !ok {
		n.mu.Unlock()
		return SignResult{}, ErrSessionNotFound
	}
	if !s.isParticipant(address) {
		n.mu.Unlock()
		return SignResult{}, ErrInvalidParticipant
	}
	if s.proposal.expired(time.Now()) {
		n.mu.Unlock()
		return SignResult{}, ErrSessionExpired
	}

	payload := s.proposal.SigningBytes()
	n.mu.Unlock()

	valid, err := n.signer.Verify(payload, sig, address)
	if err != nil {
		return SignResult{}, fmt.Errorf("verify signature: %w", err)
	}
	if !valid {
		return SignResult{}, ErrInvalidSignature
	}

	n.mu.Lock()
	s.signatures[address] = sig
	quorum := s.quorum()
	if quorum {
		s.status = SessionReady
	}
	pending := s.pendingCount()
	sessionID := s.proposal.SessionID
	n.mu.Unlock()

	log.Printf("[CHANNEL] Signature from %s on session for room %s (%d pending)", address, roomID, pending)

	if !quorum {
		return SignResult{Ready: false, PendingSignatures: pending, SessionID: sessionID}, nil
	}

	ch, err := n.CreateChannel(ctx, roomID)
	if err != nil {
		return SignResult{}, err
	}
	return SignResult{Ready: true, ChannelID: ch.ChannelID, SessionID: ch.SessionID}, nil
}

// CreateChannel opens the channel for a ready session through the settlement
// node, registers its ledger at nonce 0 with zero balances and attaches the
// channel to the room. On failure the session keeps its ready status so the
// call can be retried; once a channel exists, further calls (replayed
// signatures included) return it without touching the settlement node again.
func (n *Negotiator) CreateChannel(ctx context.Context, roomID string) (Channel, error) {
	n.mu.Lock()
	if ch, ok := n.channels[roomID]; ok && ch.Status != ChannelClosed {
		existing := *ch
		n.mu.Unlock()
		return existing, nil
	}
	s, ok := n.sessions[roomID]
	if !ok {
		n.mu.Unlock()
		return Channel{}, ErrSessionNotFound
	}
	if s.status != SessionReady {
		n.mu.Unlock()
		return Channel{}, ErrSessionNotReady
	}

	initialBalances := make(map[string]int64, len(s.proposal.Participants))
	for _, p := range s.proposal.Participants {
		initialBalances[p] = 0
	}
	params := settlement.OpenParams{
		SessionID:       s.proposal.SessionID,
		RoomID:          roomID,
		Participants:    append([]string(nil), s.proposal.Participants...),
		TokenAddress:    s.proposal.TokenAddress,
		InitialBalances: initialBalances,
		Signatures:      make(map[string]string, len(s.signatures)),
	}
	for addr, sig := range s.signatures {
		params.Signatures[addr] = sig
	}
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, n.cfg.SettlementTimeout)
	defer cancel()

	channelID, err := n.settle.OpenChannel(ctx, params)
	if err != nil {
		log.Printf("[CHANNEL] Channel creation failed for room %s: %v", roomID, err)
		return Channel{}, fmt.Errorf("open channel: %w", err)
	}

	if err := n.ledger.Register(channelID, initialBalances); err != nil {
		return Channel{}, fmt.Errorf("register ledger: %w", err)
	}

	ch := &Channel{
		ChannelID:    channelID,
		RoomID:       roomID,
		SessionID:    params.SessionID,
		Participants: params.Participants,
		Balances:     initialBalances,
		Status:       ChannelReady,
		CreatedAt:    time.Now(),
	}

	n.mu.Lock()
	n.channels[roomID] = ch
	n.roomByCh[channelID] = roomID
	n.mu.Unlock()

	if err := n.rooms.AttachChannel(roomID, channelID, params.SessionID); err != nil {
		log.Printf("[CHANNEL] Could not attach channel to room %s: %v", roomID, err)
	}

	log.Printf("[CHANNEL] Channel %s created for room %s", channelID, roomID)
	return *ch, nil
}

// CloseChannel requests cooperative closure with the channel's final
// balances. A settlement failure reverts the channel to ready.
func (n *Negotiator) CloseChannel(ctx context.Context, roomID, initiator string) error {
	n.mu.Lock()
	ch, ok := n.channels[roomID]
	if !ok {
		n.mu.Unlock()
		return ErrChannelNotFound
	}
	ch.Status = ChannelClosing
	channelID := ch.ChannelID
	n.mu.Unlock()

	snap, err := n.ledger.Current(channelID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.SettlementTimeout)
	defer cancel()

	err = n.settle.CloseChannel(ctx, settlement.CloseParams{
		ChannelID:     channelID,
		Initiator:     initiator,
		FinalBalances: snap.Balances,
	})

	n.mu.Lock()
	defer n.mu.Unlock()
	if err != nil {
		ch.Status = ChannelReady
		return fmt.Errorf("close channel: %w", err)
	}

	ch.Status = ChannelClosed
	ch.Balances = snap.Balances
	n.ledger.Unregister(channelID)

	log.Printf("[CHANNEL] Channel %s closed by %s", channelID, initiator)
	return nil
}

// ChannelByRoom returns the room's channel, if one exists.
func (n *Negotiator) ChannelByRoom(roomID string) (Channel, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch, ok := n.channels[roomID]
	if !ok {
		return Channel{}, ErrChannelNotFound
	}
	return *ch, nil
}

// RoomByChannel resolves a channel id back to its room.
func (n *Negotiator) RoomByChannel(channelID string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	roomID, ok := n.roomByCh[channelID]
	if !ok {
		return "", ErrChannelNotFound
	}
	return roomID, nil
}

// Stats summarizes sessions and channels.
func (n *Negotiator) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()

	st := Stats{
		TotalSessions: len(n.sessions),
		TotalChannels: len(n.channels),
	}
	for _, ch := range n.channels {
		if ch.Status == ChannelReady {
			st.ActiveChannels++
		}
	}
	return st
}
