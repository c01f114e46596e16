package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crypto-trading/perpvenue/internal/domain"
)

const (
	pgPositionSelect = `id::text, account, symbol, direction, size::text, entry_price::text, current_price::text,
		realized_pnl::text, status, opened_at, closed_at, created_at, updated_at`
	pgOrderSelect = `id::text, venue_order_id, position_id, symbol, side, size::text, price::text, status,
		trigger_kind, trigger_price::text, trigger_is_market, reduce_only, time_in_force, client_order_id,
		filled_size::text, fill_price::text, fee::text, filled_at, original_size::text, remaining_size::text,
		created_at, updated_at`
)

type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, dsn string, poolSize int, logger *slog.Logger) (*PostgresStore, error) {
	if dsn == "" {
		return nil, &domain.ConfigurationError{Field: "persistence.postgres_dsn", Reason: "required when driver is postgres"}
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}

	if poolSize > 0 {
		config.MaxConns = int32(poolSize)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{pool: pool, logger: logger}
	return store, nil
}

func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			id UUID PRIMARY KEY,
			account VARCHAR(64) NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			direction VARCHAR(8) NOT NULL,
			size NUMERIC(38, 18) NOT NULL,
			entry_price NUMERIC(38, 18) NOT NULL,
			current_price NUMERIC(38, 18) NOT NULL,
			realized_pnl NUMERIC(38, 18),
			status VARCHAR(16) NOT NULL,
			opened_at TIMESTAMPTZ,
			closed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions (status)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id UUID PRIMARY KEY,
			venue_order_id VARCHAR(64) NOT NULL UNIQUE,
			position_id VARCHAR(36) NOT NULL DEFAULT '',
			symbol VARCHAR(32) NOT NULL,
			side VARCHAR(4) NOT NULL,
			size NUMERIC(38, 18) NOT NULL,
			price NUMERIC(38, 18) NOT NULL,
			status VARCHAR(16) NOT NULL,
			trigger_kind VARCHAR(4) NOT NULL DEFAULT '',
			trigger_price NUMERIC(38, 18) NOT NULL DEFAULT 0,
			trigger_is_market BOOLEAN NOT NULL DEFAULT FALSE,
			reduce_only BOOLEAN NOT NULL DEFAULT FALSE,
			time_in_force VARCHAR(8) NOT NULL DEFAULT '',
			client_order_id VARCHAR(66) NOT NULL DEFAULT '',
			filled_size NUMERIC(38, 18) NOT NULL DEFAULT 0,
			fill_price NUMERIC(38, 18) NOT NULL DEFAULT 0,
			fee NUMERIC(38, 18) NOT NULL DEFAULT 0,
			filled_at TIMESTAMPTZ,
			original_size NUMERIC(38, 18) NOT NULL DEFAULT 0,
			remaining_size NUMERIC(38, 18) NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status)`,
		`CREATE TABLE IF NOT EXISTS event_journal (
			id BIGSERIAL PRIMARY KEY,
			kind VARCHAR(32) NOT NULL,
			venue_order_id VARCHAR(64) NOT NULL,
			payload JSONB NOT NULL,
			received_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	s.logger.Info("PostgreSQL migrations completed")
	return nil
}

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *PostgresStore) CreatePosition(ctx context.Context, p *domain.Position) error {
	return insertPositionPG(ctx, s.pool, p)
}

func insertPositionPG(ctx context.Context, db pgExecer, p *domain.Position) error {
	r := newPositionRow(p)
	_, err := db.Exec(ctx,
		`INSERT INTO positions (id, account, symbol, direction, size, entry_price, current_price, realized_pnl,
			status, opened_at, closed_at, created_at, updated_at)
		VALUES ($1::uuid, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9, $10, $11, $12, $13)`,
		r.id, r.account, r.symbol, r.direction, r.size, r.entryPrice, r.currentPrice, r.realizedPnL,
		r.status, r.openedAt, r.closedAt, r.createdAt, r.updatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdatePosition(ctx context.Context, p *domain.Position) error {
	return updatePositionPG(ctx, s.pool, p)
}

func updatePositionPG(ctx context.Context, db pgExecer, p *domain.Position) error {
	r := newPositionRow(p)
	tag, err := db.Exec(ctx,
		`UPDATE positions SET size = $1::numeric, entry_price = $2::numeric, current_price = $3::numeric,
			realized_pnl = $4::numeric, status = $5, opened_at = $6, closed_at = $7, updated_at = $8
		WHERE id = $9::uuid`,
		r.size, r.entryPrice, r.currentPrice, r.realizedPnL, r.status, r.openedAt, r.closedAt, r.updatedAt, r.id,
	)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s: %w", r.id, domain.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, id uuid.UUID) (*domain.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgPositionSelect+` FROM positions WHERE id = $1::uuid`, id.String())
	p, err := scanPositionPG(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", id, domain.ErrNotFound)
	}
	return p, err
}

func (s *PostgresStore) CountOpenPositions(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions WHERE status IN ($1, $2)`,
		string(domain.PositionStatusCreated), string(domain.PositionStatusOpen),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count positions: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o *domain.Order) error {
	return insertOrderPG(ctx, s.pool, o)
}

func insertOrderPG(ctx context.Context, db pgExecer, o *domain.Order) error {
	r := newOrderRow(o)
	_, err := db.Exec(ctx,
		`INSERT INTO orders (id, venue_order_id, position_id, symbol, side, size, price, status,
			trigger_kind, trigger_price, trigger_is_market, reduce_only, time_in_force, client_order_id,
			filled_size, fill_price, fee, filled_at, original_size, remaining_size, created_at, updated_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9, $10::numeric, $11, $12, $13, $14,
			$15::numeric, $16::numeric, $17::numeric, $18, $19::numeric, $20::numeric, $21, $22)`,
		r.id, r.venueOrderID, r.positionID, r.symbol, r.side, r.size, r.price, r.status,
		r.triggerKind, r.triggerPrice, r.triggerIsMarket, r.reduceOnly, r.timeInForce, r.clientOrderID,
		r.filledSize, r.fillPrice, r.fee, r.filledAt, r.originalSize, r.remainingSize, r.createdAt, r.updatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, o *domain.Order) error {
	return updateOrderPG(ctx, s.pool, o)
}

func updateOrderPG(ctx context.Context, db pgExecer, o *domain.Order) error {
	r := newOrderRow(o)
	tag, err := db.Exec(ctx,
		`UPDATE orders SET status = $1, price = $2::numeric, client_order_id = $3, filled_size = $4::numeric,
			fill_price = $5::numeric, fee = $6::numeric, filled_at = $7, original_size = $8::numeric,
			remaining_size = $9::numeric, updated_at = $10
		WHERE id = $11::uuid`,
		r.status, r.price, r.clientOrderID, r.filledSize, r.fillPrice, r.fee, r.filledAt,
		r.originalSize, r.remainingSize, r.updatedAt, r.id,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", r.id, domain.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) FindOrderByVenueID(ctx context.Context, venueOrderID string) (*domain.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgOrderSelect+` FROM orders WHERE venue_order_id = $1`, venueOrderID)
	o, err := scanOrderPG(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", venueOrderID, domain.ErrNotFound)
	}
	return o, err
}

func (s *PostgresStore) ListOrdersByStatus(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgOrderSelect+` FROM orders WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrderPG(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) RecordPlacement(ctx context.Context, o *domain.Order, p *domain.Position) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if p != nil {
			if err := insertPositionPG(ctx, tx, p); err != nil {
				return err
			}
		}
		return insertOrderPG(ctx, tx, o)
	})
}

func (s *PostgresStore) ApplyFill(ctx context.Context, o *domain.Order, p *domain.Position) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := updateOrderPG(ctx, tx, o); err != nil {
			return err
		}
		if p != nil {
			return updatePositionPG(ctx, tx, p)
		}
		return nil
	})
}

func (s *PostgresStore) AppendEvents(ctx context.Context, entries []JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(
			`INSERT INTO event_journal (kind, venue_order_id, payload, received_at) VALUES ($1, $2, $3::jsonb, $4)`,
			e.Kind, e.VenueOrderID, string(e.Payload), e.ReceivedAt,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPositionPG(row pgx.Row) (*domain.Position, error) {
	var r positionRow
	err := row.Scan(&r.id, &r.account, &r.symbol, &r.direction, &r.size, &r.entryPrice, &r.currentPrice,
		&r.realizedPnL, &r.status, &r.openedAt, &r.closedAt, &r.createdAt, &r.updatedAt)
	if err != nil {
		return nil, err
	}
	return r.toDomain()
}

func scanOrderPG(row pgx.Row) (*domain.Order, error) {
	var r orderRow
	err := row.Scan(&r.id, &r.venueOrderID, &r.positionID, &r.symbol, &r.side, &r.size, &r.price, &r.status,
		&r.triggerKind, &r.triggerPrice, &r.triggerIsMarket, &r.reduceOnly, &r.timeInForce, &r.clientOrderID,
		&r.filledSize, &r.fillPrice, &r.fee, &r.filledAt, &r.originalSize, &r.remainingSize,
		&r.createdAt, &r.updatedAt)
	if err != nil {
		return nil, err
	}
	return r.toDomain()
}
