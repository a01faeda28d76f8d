package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/expirybot/internal/domain"
)

// PositionJournal implements domain.PositionJournal using PostgreSQL. Every
// state change upserts the position row.
type PositionJournal struct {
	pool *pgxpool.Pool
}

// NewPositionJournal creates a PositionJournal backed by the given pool.
func NewPositionJournal(pool *pgxpool.Pool) *PositionJournal {
	return &PositionJournal{pool: pool}
}

const positionSelectCols = `id, market_id, token_id, outcome, side, state,
	entry_price, size, exit_filled, exit_notional, exit_attempts,
	last_exit_reason, realized_pnl, opened_at, closed_at`

// Record inserts p or overwrites the stored row with the same id.
func (j *PositionJournal) Record(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, market_id, token_id, outcome, side, state,
			entry_price, size, exit_filled, exit_notional, exit_attempts,
			last_exit_reason, realized_pnl, opened_at, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			state            = EXCLUDED.state,
			entry_price      = EXCLUDED.entry_price,
			size             = EXCLUDED.size,
			exit_filled      = EXCLUDED.exit_filled,
			exit_notional    = EXCLUDED.exit_notional,
			exit_attempts    = EXCLUDED.exit_attempts,
			last_exit_reason = EXCLUDED.last_exit_reason,
			realized_pnl     = EXCLUDED.realized_pnl,
			closed_at        = EXCLUDED.closed_at,
			updated_at       = NOW()`

	_, err := j.pool.Exec(ctx, query,
		p.ID, p.MarketID, p.Token, string(p.Outcome), string(p.Side), string(p.State),
		p.EntryPrice, p.Size, p.ExitFilled, p.ExitNotional, p.ExitAttempts,
		string(p.LastExitReason), p.RealizedPnL, p.OpenedAt, nullTime(p.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("postgres: record position %s: %w", p.ID, err)
	}
	return nil
}

// ListRecent returns positions ordered by last update, newest first. Since
// and Until filter on opened_at.
func (j *PositionJournal) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query, args := listQuery(
		"SELECT "+positionSelectCols+" FROM positions",
		"opened_at", "updated_at", opts,
	)
	rows, err := j.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions: %w", err)
	}
	return positions, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		var (
			p                            domain.Position
			outcome, side, state, reason string
			closedAt                     *time.Time
		)
		if err := rows.Scan(
			&p.ID, &p.MarketID, &p.Token, &outcome, &side, &state,
			&p.EntryPrice, &p.Size, &p.ExitFilled, &p.ExitNotional, &p.ExitAttempts,
			&reason, &p.RealizedPnL, &p.OpenedAt, &closedAt,
		); err != nil {
			return nil, err
		}
		p.Outcome = domain.Outcome(outcome)
		p.Side = domain.OrderSide(side)
		p.State = domain.PositionState(state)
		p.LastExitReason = domain.ExitReason(reason)
		if closedAt != nil {
			p.ClosedAt = *closedAt
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Compile-time interface check.
var _ domain.PositionJournal = (*PositionJournal)(nil)
