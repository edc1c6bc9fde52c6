package database

import (
	"context"
	"fmt"
	"time"
)

// BetRecord is the durable copy of a settled bet.
type BetRecord struct {
	BetID         string
	RoomID        string
	ChannelID     string
	Address       string
	Amount        int64
	PredictedMove string
	ActualMove    string
	Status        string
	Payout        int64
	PlacedAt      time.Time
	ResolvedAt    time.Time
}

// SettlementRecord is the durable copy of one channel state pushed to the
// settlement node.
type SettlementRecord struct {
	ChannelID string
	Nonce     int64
	StateHash string
	Event     string
	CreatedAt time.Time
}

func (s *service) RecordBet(ctx context.Context, rec BetRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bet_records
			(bet_id, room_id, channel_id, address, amount, predicted_move, actual_move, status, payout, placed_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (bet_id) DO UPDATE
			SET status = EXCLUDED.status, payout = EXCLUDED.payout,
			    actual_move = EXCLUDED.actual_move, resolved_at = EXCLUDED.resolved_at`,
		rec.BetID, rec.RoomID, rec.ChannelID, rec.Address, rec.Amount,
		rec.PredictedMove, rec.ActualMove, rec.Status, rec.Payout,
		rec.PlacedAt, rec.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("record bet %s: %w", rec.BetID, err)
	}
	return nil
}

func (s *service) RecordSettlement(ctx context.Context, rec SettlementRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlement_records (channel_id, nonce, state_hash, event, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.ChannelID, rec.Nonce, rec.StateHash, rec.Event, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record settlement for %s: %w", rec.ChannelID, err)
	}
	return nil
}

// BetHistory returns the address's most recent settled bets, newest first.
func (s *service) BetHistory(ctx context.Context, address string, limit int) ([]BetRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT bet_id, room_id, channel_id, address, amount, predicted_move, actual_move, status, payout, placed_at, resolved_at
		FROM bet_records
		WHERE address = $1
		ORDER BY resolved_at DESC
		LIMIT $2`,
		address, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("bet history for %s: %w", address, err)
	}
	defer rows.Close()

	var out []BetRecord
	for rows.Next() {
		var rec BetRecord
		if err := rows.Scan(&rec.BetID, &rec.RoomID, &rec.ChannelID, &rec.Address,
			&rec.Amount, &rec.PredictedMove, &rec.ActualMove, &rec.Status,
			&rec.Payout, &rec.PlacedAt, &rec.ResolvedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
