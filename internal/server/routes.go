package server

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

func (s *FiberServer) RegisterFiberRoutes() {
	// Apply CORS middleware
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)

	api := s.App.Group("/api/v1")

	api.Get("/rooms", s.availableRoomsHandler)
	api.Get("/rooms/:roomId", s.getRoomHandler)
	api.Get("/rooms/:roomId/bets", s.roomBetsHandler)
	api.Get("/players/:address/bets", s.playerBetsHandler)
	api.Get("/players/:address/history", s.playerHistoryHandler)
	api.Get("/channels/:channelId/state", s.channelStateHandler)
	api.Get("/channels/:channelId/history", s.channelHistoryHandler)
	api.Get("/channels/:channelId/stats", s.channelStatsHandler)
	api.Get("/stats", s.statsHandler)

	// WebSocket route
	s.App.Get("/ws", websocket.New(s.chessWebSocketHandler))
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	health := fiber.Map{
		"rooms": s.rooms.Stats(),
	}
	if s.db != nil {
		health["database"] = s.db.Health()
	}
	if s.cache != nil {
		health["cache"] = s.cache.Health()
	}
	return c.JSON(health)
}

func (s *FiberServer) availableRoomsHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"rooms": s.rooms.AvailableRooms()})
}

func (s *FiberServer) getRoomHandler(c *fiber.Ctx) error {
	v, err := s.rooms.Get(c.Params("roomId"))
	if err != nil {
		return c.Status(404).JSON(fiber.Map{"error": "Room not found"})
	}
	return c.JSON(v)
}

func (s *FiberServer) roomBetsHandler(c *fiber.Ctx) error {
	roomID := c.Params("roomId")
	if _, err := s.rooms.Get(roomID); err != nil {
		return c.Status(404).JSON(fiber.Map{"error": "Room not found"})
	}
	return c.JSON(fiber.Map{
		"roomId":   roomID,
		"bets":     s.bets.RoomBets(roomID),
		"exposure": fromMinorUnits(s.bets.Exposure(roomID)),
	})
}

func (s *FiberServer) playerBetsHandler(c *fiber.Ctx) error {
	address := c.Params("address")
	return c.JSON(fiber.Map{
		"address": address,
		"bets":    s.bets.PlayerBets(address),
	})
}

// playerHistoryHandler serves the durable archive of settled bets.
func (s *FiberServer) playerHistoryHandler(c *fiber.Ctx) error {
	if s.db == nil {
		return c.Status(503).JSON(fiber.Map{"error": "Archive not available"})
	}

	address := c.Params("address")
	limit := c.QueryInt("limit", 50)

	history, err := s.db.BetHistory(c.Context(), address, limit)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "Failed to load history"})
	}
	return c.JSON(fiber.Map{
		"address": address,
		"history": history,
	})
}

func (s *FiberServer) channelStateHandler(c *fiber.Ctx) error {
	snap, err := s.ledger.Current(c.Params("channelId"))
	if err != nil {
		return c.Status(404).JSON(fiber.Map{"error": "Channel not found"})
	}
	return c.JSON(fiber.Map{
		"state":    snap,
		"balances": balancesForWire(snap.Balances),
	})
}

func (s *FiberServer) channelHistoryHandler(c *fiber.Ctx) error {
	history, err := s.ledger.History(c.Params("channelId"))
	if err != nil {
		return c.Status(404).JSON(fiber.Map{"error": "Channel not found"})
	}
	return c.JSON(fiber.Map{"history": history})
}

func (s *FiberServer) channelStatsHandler(c *fiber.Ctx) error {
	channelID := c.Params("channelId")
	stats, err := s.ledger.Stats(channelID)
	if err != nil {
		return c.Status(404).JSON(fiber.Map{"error": "Channel not found"})
	}

	result := fiber.Map{
		"channelId": channelID,
		"stats":     stats,
	}
	if roomID, err := s.negotiator.RoomByChannel(channelID); err == nil {
		result["roomId"] = roomID
		result["exposure"] = fromMinorUnits(s.bets.Exposure(roomID))
	}
	return c.JSON(result)
}

func (s *FiberServer) statsHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"rooms":    s.rooms.Stats(),
		"channels": s.negotiator.Stats(),
		"bets":     s.bets.Stats(),
	})
}
