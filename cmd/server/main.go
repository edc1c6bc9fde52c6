package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chessbet/internal/config"
	"chessbet/internal/server"
)

func main() {
	cfg := config.Load()

	s := server.New(cfg)
	s.RegisterFiberRoutes()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := s.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			log.Fatalf("[MAIN] Server error: %v", err)
		}
	}()

	log.Printf("[MAIN] Listening on :%d", cfg.Port)

	<-done
	log.Println("[MAIN] Signal received, shutting down")

	if err := s.App.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Printf("[MAIN] Forced shutdown: %v", err)
	}
	s.Shutdown()
}
