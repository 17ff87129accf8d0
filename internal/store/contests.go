package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ContestState is the per-contest snapshot broadcast to room and contest
// subscribers.
type ContestState struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	Status           string    `json:"status"`
	StartAt          time.Time `json:"startAt"`
	EndAt            time.Time `json:"endAt"`
	ParticipantCount int       `json:"participantCount"`
	PrizePool        string    `json:"prizePool"`
}

// LeaderboardRow is one ranked entry of a contest leaderboard.
type LeaderboardRow struct {
	Rank           int    `json:"rank"`
	Wallet         string `json:"wallet"`
	Nickname       string `json:"nickname"`
	PortfolioValue string `json:"portfolioValue"`
	PnlPercent     string `json:"pnlPercent"`
}

// ContestState loads the contest snapshot. Returns (nil, nil) when the
// contest does not exist.
func (s *Store) ContestState(ctx context.Context, contestID int64) (*ContestState, error) {
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	const q = `
		SELECT c.id, c.name, c.status, c.start_at, c.end_at, c.prize_pool,
		       (SELECT COUNT(*) FROM contest_participants p WHERE p.contest_id = c.id)
		FROM contests c
		WHERE c.id = $1`

	var cs ContestState
	err := s.db.QueryRowContext(ctx, q, contestID).Scan(
		&cs.ID, &cs.Name, &cs.Status, &cs.StartAt, &cs.EndAt, &cs.PrizePool, &cs.ParticipantCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("contest state: %w", err)
	}
	return &cs, nil
}

// IsParticipant reports whether wallet has an entry in the contest.
func (s *Store) IsParticipant(ctx context.Context, contestID int64, wallet string) (bool, error) {
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	const q = `
		SELECT EXISTS (
			SELECT 1 FROM contest_participants
			WHERE contest_id = $1 AND wallet_address = $2
		)`

	var ok bool
	if err := s.db.QueryRowContext(ctx, q, contestID, wallet).Scan(&ok); err != nil {
		return false, fmt.Errorf("is participant: %w", err)
	}
	return ok, nil
}

// Leaderboard returns the ranked standings for a contest.
func (s *Store) Leaderboard(ctx context.Context, contestID int64, limit int) ([]LeaderboardRow, error) {
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	const q = `
		SELECT rank, wallet_address, nickname, portfolio_value, pnl_percent
		FROM contest_leaderboard
		WHERE contest_id = $1
		ORDER BY rank ASC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, q, contestID, limit)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	defer rows.Close()

	var out []LeaderboardRow
	for rows.Next() {
		var r LeaderboardRow
		if err := rows.Scan(&r.Rank, &r.Wallet, &r.Nickname, &r.PortfolioValue, &r.PnlPercent); err != nil {
			return nil, fmt.Errorf("leaderboard scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
