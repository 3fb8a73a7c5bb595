package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"trailstop/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `state_key, symbol, side, entry_price, quantity,
	trailing_percent, activation_price, extreme_price, trigger_price,
	status, strategy, error_message, order_id, client_order_id,
	triggered_at, created_at, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, status string

	err := row.Scan(
		&p.StateKey, &p.Symbol, &side,
		&p.EntryPrice, &p.Quantity, &p.TrailingPercent,
		&p.ActivationPrice, &p.ExtremePrice, &p.TriggerPrice,
		&status, &p.Strategy, &p.ErrorMessage,
		&p.OrderID, &p.ClientOrderID,
		&p.TriggeredAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.Status(status)
	return p, nil
}

func collectPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Upsert writes the full record, last-writer-wins on state_key. The
// updated_at audit timestamp is stamped on every write.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO trailing_stop_positions (
			state_key, symbol, side, entry_price, quantity,
			trailing_percent, activation_price, extreme_price, trigger_price,
			status, strategy, error_message, order_id, client_order_id,
			triggered_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13, $14,
			$15, $16, NOW()
		)
		ON CONFLICT (state_key) DO UPDATE SET
			symbol           = EXCLUDED.symbol,
			side             = EXCLUDED.side,
			entry_price      = EXCLUDED.entry_price,
			quantity         = EXCLUDED.quantity,
			trailing_percent = EXCLUDED.trailing_percent,
			activation_price = EXCLUDED.activation_price,
			extreme_price    = EXCLUDED.extreme_price,
			trigger_price    = EXCLUDED.trigger_price,
			status           = EXCLUDED.status,
			strategy         = EXCLUDED.strategy,
			error_message    = EXCLUDED.error_message,
			order_id         = EXCLUDED.order_id,
			client_order_id  = EXCLUDED.client_order_id,
			triggered_at     = EXCLUDED.triggered_at,
			updated_at       = NOW()`

	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, query,
		p.StateKey, p.Symbol, string(p.Side), p.EntryPrice, p.Quantity,
		p.TrailingPercent, p.ActivationPrice, p.ExtremePrice, p.TriggerPrice,
		string(p.Status), p.Strategy, p.ErrorMessage, p.OrderID, p.ClientOrderID,
		p.TriggeredAt, createdAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", p.StateKey, err)
	}
	return nil
}

// UpdateIfMonitored writes the full record, but only while the stored row is
// still pending_activation or active. It returns false without touching the
// row when the position is missing or already terminal, so a concurrently
// landed cancel is never overwritten by a tick result.
func (s *PositionStore) UpdateIfMonitored(ctx context.Context, p domain.Position) (bool, error) {
	const query = `
		UPDATE trailing_stop_positions SET
			symbol           = $2,
			side             = $3,
			entry_price      = $4,
			quantity         = $5,
			trailing_percent = $6,
			activation_price = $7,
			extreme_price    = $8,
			trigger_price    = $9,
			status           = $10,
			strategy         = $11,
			error_message    = $12,
			order_id         = $13,
			client_order_id  = $14,
			triggered_at     = $15,
			updated_at       = NOW()
		WHERE state_key = $1
		  AND status IN ($16, $17)`

	tag, err := s.pool.Exec(ctx, query,
		p.StateKey, p.Symbol, string(p.Side), p.EntryPrice, p.Quantity,
		p.TrailingPercent, p.ActivationPrice, p.ExtremePrice, p.TriggerPrice,
		string(p.Status), p.Strategy, p.ErrorMessage, p.OrderID, p.ClientOrderID,
		p.TriggeredAt,
		string(domain.StatusPendingActivation), string(domain.StatusActive),
	)
	if err != nil {
		return false, fmt.Errorf("postgres: update position %s: %w", p.StateKey, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get returns the position for the given state key.
func (s *PositionStore) Get(ctx context.Context, stateKey string) (domain.Position, bool, error) {
	query := `SELECT ` + positionSelectCols + `
		FROM trailing_stop_positions WHERE state_key = $1`

	p, err := scanPosition(s.pool.QueryRow(ctx, query, stateKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, false, nil
		}
		return domain.Position{}, false, fmt.Errorf("postgres: get position %s: %w", stateKey, err)
	}
	return p, true, nil
}

// ListByStatus returns all positions whose status is in the given set,
// oldest-created first.
func (s *PositionStore) ListByStatus(ctx context.Context, statuses []domain.Status) ([]domain.Position, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	set := make([]string, len(statuses))
	for i, st := range statuses {
		set[i] = string(st)
	}

	query := `SELECT ` + positionSelectCols + `
		FROM trailing_stop_positions
		WHERE status = ANY($1)
		ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, set)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions by status: %w", err)
	}
	return collectPositions(rows)
}

// MarkCancelled transitions a non-terminal position to cancelled and returns
// the updated record. A terminal position is left untouched and ErrTerminal
// is returned; a missing key yields ErrNotFound.
func (s *PositionStore) MarkCancelled(ctx context.Context, stateKey string) (domain.Position, error) {
	query := `
		UPDATE trailing_stop_positions
		SET status = $2, updated_at = NOW()
		WHERE state_key = $1
		  AND status IN ($3, $4)
		RETURNING ` + positionSelectCols

	p, err := scanPosition(s.pool.QueryRow(ctx, query, stateKey,
		string(domain.StatusCancelled),
		string(domain.StatusPendingActivation), string(domain.StatusActive),
	))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("postgres: cancel position %s: %w", stateKey, err)
	}

	// No row matched: distinguish "missing" from "already terminal".
	if _, found, getErr := s.Get(ctx, stateKey); getErr != nil {
		return domain.Position{}, getErr
	} else if !found {
		return domain.Position{}, domain.ErrNotFound
	}
	return domain.Position{}, domain.ErrTerminal
}

// ListTerminalBefore returns terminal positions last updated strictly before
// the cutoff, oldest first. Used by the cold-storage archiver.
func (s *PositionStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + `
		FROM trailing_stop_positions
		WHERE status IN ($1, $2, $3)
		  AND updated_at < $4
		ORDER BY updated_at`

	rows, err := s.pool.Query(ctx, query,
		string(domain.StatusTriggered), string(domain.StatusCancelled),
		string(domain.StatusError), before,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal positions: %w", err)
	}
	return collectPositions(rows)
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
