package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"

	"chessbet/internal/ledger"
)

// ErrNotMirrored means no state copy exists in Redis for the channel.
var ErrNotMirrored = errors.New("channel state not mirrored")

const (
	stateKeyPrefix     = "channel:state:"
	settlementQueueKey = "settlement:queue"
	stateMirrorTTL     = 24 * time.Hour
)

// SettlementNotification is what the off-process settlement worker consumes
// from the queue.
type SettlementNotification struct {
	ChannelID string `json:"channel_id"`
	Nonce     uint64 `json:"nonce"`
	StateHash string `json:"state_hash"`
	Event     string `json:"event"`
	Timestamp int64  `json:"timestamp"`
}

// Service mirrors channel state into Redis and queues settlement
// notifications. The mirror is best effort; the in-memory ledger stays
// canonical.
type Service interface {
	GetClient() *redis.Client
	MirrorState(ctx context.Context, snap ledger.Snapshot) error
	MirroredState(ctx context.Context, channelID string) (ledger.Snapshot, error)
	DropMirror(ctx context.Context, channelID string) error
	QueueSettlement(ctx context.Context, n SettlementNotification) error
	QueueDepth(ctx context.Context) (int64, error)
	Health() map[string]string
	Close() error
}

type service struct {
	client *redis.Client
}

var (
	redisAddr     = getEnv("REDIS_URL", "localhost:6379")
	redisPassword = getEnv("REDIS_PASSWORD", "")
	redisDB       = getEnvAsInt("REDIS_DB", 0)
)

// New connects to Redis. A failed connection returns nil; callers treat the
// cache as optional.
func New() Service {
	client := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     redisPassword,
		DB:           redisDB,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		log.Printf("[CACHE] Redis connection failed: %v", err)
		log.Println("[CACHE] Running without Redis cache")
		return nil
	}

	log.Println("[CACHE] Redis connected successfully")
	return &service{client: client}
}

func (s *service) GetClient() *redis.Client {
	return s.client
}

// MirrorState writes the snapshot under the channel's state key so other
// processes can read the latest countersignable state.
func (s *service) MirrorState(ctx context.Context, snap ledger.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, stateKeyPrefix+snap.ChannelID, data, stateMirrorTTL).Err()
}

func (s *service) MirroredState(ctx context.Context, channelID string) (ledger.Snapshot, error) {
	data, err := s.client.Get(ctx, stateKeyPrefix+channelID).Bytes()
	if errors.Is(err, redis.Nil) {
		return ledger.Snapshot{}, ErrNotMirrored
	}
	if err != nil {
		return ledger.Snapshot{}, err
	}

	var snap ledger.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return ledger.Snapshot{}, err
	}
	return snap, nil
}

func (s *service) DropMirror(ctx context.Context, channelID string) error {
	return s.client.Del(ctx, stateKeyPrefix+channelID).Err()
}

// QueueSettlement pushes a notification for the settlement worker.
func (s *service) QueueSettlement(ctx context.Context, n SettlementNotification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, settlementQueueKey, data).Err()
}

func (s *service) QueueDepth(ctx context.Context) (int64, error) {
	return s.client.LLen(ctx, settlementQueueKey).Result()
}

func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	_, err := s.client.Ping(ctx).Result()
	if err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("redis down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "Redis is healthy"

	poolStats := s.client.PoolStats()
	stats["hits"] = strconv.FormatUint(uint64(poolStats.Hits), 10)
	stats["misses"] = strconv.FormatUint(uint64(poolStats.Misses), 10)
	stats["timeouts"] = strconv.FormatUint(uint64(poolStats.Timeouts), 10)
	stats["total_conns"] = strconv.FormatUint(uint64(poolStats.TotalConns), 10)
	stats["idle_conns"] = strconv.FormatUint(uint64(poolStats.IdleConns), 10)
	stats["stale_conns"] = strconv.FormatUint(uint64(poolStats.StaleConns), 10)

	return stats
}

func (s *service) Close() error {
	log.Println("[CACHE] Disconnecting from Redis")
	return s.client.Close()
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
