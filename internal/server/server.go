package server

import (
	"context"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"chessbet/internal/auth"
	"chessbet/internal/bet"
	"chessbet/internal/cache"
	"chessbet/internal/channel"
	"chessbet/internal/config"
	"chessbet/internal/database"
	"chessbet/internal/ledger"
	"chessbet/internal/room"
	"chessbet/internal/settlement"
	"chessbet/internal/signer"
)

// FiberServer carries every component the handlers touch. Nothing here is a
// package-level singleton; the wiring happens once in New and flows down.
type FiberServer struct {
	*fiber.App

	cfg        *config.Config
	db         database.Service
	cache      cache.Service
	rooms      *room.Registry
	ledger     *ledger.Store
	bets       *bet.Coordinator
	negotiator *channel.Negotiator
	auth       *auth.Service
	settle     settlement.Service
}

func New(cfg *config.Config) *FiberServer {
	db := database.New()

	// Redis mirrors channel state for other processes; the server runs
	// without it.
	redisService := cache.New()
	if redisService == nil {
		log.Println("[SERVER] Running without Redis state mirror")
	}

	srv := signer.NewHMACSigner(cfg.SignerKey)

	settle := settlement.NewRPCClient(cfg.SettlementURL, cfg.SettlementTimeout, srv)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.SettlementTimeout)
	if err := settle.Connect(ctx); err != nil {
		log.Printf("[SERVER] Settlement node unreachable: %v", err)
	}
	cancel()

	rooms := room.NewRegistry()
	store := ledger.NewStore()
	bets := bet.NewCoordinator(cfg, store)
	negotiator := channel.NewNegotiator(cfg, rooms, store, settle, srv)
	authSvc := auth.NewService(cfg.JWTSecret, cfg.ChallengeExpiry, srv)

	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "chessbet",
			AppName:       "chessbet",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
		}),

		cfg:        cfg,
		db:         db,
		cache:      redisService,
		rooms:      rooms,
		ledger:     store,
		bets:       bets,
		negotiator: negotiator,
		auth:       authSvc,
		settle:     settle,
	}

	server.App.Use(recover.New())
	server.App.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
	}))

	go server.sweepChallenges()

	return server
}

// sweepChallenges drops expired auth challenges in the background.
func (s *FiberServer) sweepChallenges() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		s.auth.SweepExpired()
	}
}

// Shutdown closes the settlement link and backing connections.
func (s *FiberServer) Shutdown() error {
	log.Println("[SERVER] Shutting down...")

	if closer, ok := s.settle.(interface{ Close() error }); ok {
		closer.Close()
	}
	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		s.db.Close()
	}

	return nil
}
