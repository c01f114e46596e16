package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/crypto-trading/perpvenue/internal/domain"
)

const (
	positionColumns = `id, account, symbol, direction, size, entry_price, current_price, realized_pnl,
		status, opened_at, closed_at, created_at, updated_at`
	orderColumns = `id, venue_order_id, position_id, symbol, side, size, price, status,
		trigger_kind, trigger_price, trigger_is_market, reduce_only, time_in_force, client_order_id,
		filled_size, fill_price, fee, filled_at, original_size, remaining_size, created_at, updated_at`
)

// SQLiteStore keeps timestamps as unix milliseconds and decimals as text.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`PRAGMA journal_mode=WAL`,
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			account TEXT NOT NULL,
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			size TEXT NOT NULL,
			entry_price TEXT NOT NULL,
			current_price TEXT NOT NULL,
			realized_pnl TEXT,
			status TEXT NOT NULL,
			opened_at INTEGER,
			closed_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions (status)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			venue_order_id TEXT NOT NULL,
			position_id TEXT NOT NULL DEFAULT '',
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			size TEXT NOT NULL,
			price TEXT NOT NULL,
			status TEXT NOT NULL,
			trigger_kind TEXT NOT NULL DEFAULT '',
			trigger_price TEXT NOT NULL DEFAULT '0',
			trigger_is_market INTEGER NOT NULL DEFAULT 0,
			reduce_only INTEGER NOT NULL DEFAULT 0,
			time_in_force TEXT NOT NULL DEFAULT '',
			client_order_id TEXT NOT NULL DEFAULT '',
			filled_size TEXT NOT NULL DEFAULT '0',
			fill_price TEXT NOT NULL DEFAULT '0',
			fee TEXT NOT NULL DEFAULT '0',
			filled_at INTEGER,
			original_size TEXT NOT NULL DEFAULT '0',
			remaining_size TEXT NOT NULL DEFAULT '0',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_venue_id ON orders (venue_order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status)`,
		`CREATE TABLE IF NOT EXISTS event_journal (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			venue_order_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			received_at INTEGER NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) CreatePosition(ctx context.Context, p *domain.Position) error {
	return insertPositionSQLite(ctx, s.db, p)
}

func insertPositionSQLite(ctx context.Context, db execer, p *domain.Position) error {
	r := newPositionRow(p)
	_, err := db.ExecContext(ctx,
		`INSERT INTO positions (`+positionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.id, r.account, r.symbol, r.direction, r.size, r.entryPrice, r.currentPrice, r.realizedPnL,
		r.status, msPtr(r.openedAt), msPtr(r.closedAt), r.createdAt.UnixMilli(), r.updatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdatePosition(ctx context.Context, p *domain.Position) error {
	return updatePositionSQLite(ctx, s.db, p)
}

func updatePositionSQLite(ctx context.Context, db execer, p *domain.Position) error {
	r := newPositionRow(p)
	res, err := db.ExecContext(ctx,
		`UPDATE positions SET size = ?, entry_price = ?, current_price = ?, realized_pnl = ?,
			status = ?, opened_at = ?, closed_at = ?, updated_at = ? WHERE id = ?`,
		r.size, r.entryPrice, r.currentPrice, r.realizedPnL,
		r.status, msPtr(r.openedAt), msPtr(r.closedAt), r.updatedAt.UnixMilli(), r.id,
	)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	return requireRow(res, "position "+r.id)
}

func (s *SQLiteStore) GetPosition(ctx context.Context, id uuid.UUID) (*domain.Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id.String())
	p, err := scanPositionSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", id, domain.ErrNotFound)
	}
	return p, err
}

func (s *SQLiteStore) CountOpenPositions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM positions WHERE status IN (?, ?)`,
		string(domain.PositionStatusCreated), string(domain.PositionStatusOpen),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count positions: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) CreateOrder(ctx context.Context, o *domain.Order) error {
	return insertOrderSQLite(ctx, s.db, o)
}

func insertOrderSQLite(ctx context.Context, db execer, o *domain.Order) error {
	r := newOrderRow(o)
	_, err := db.ExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.id, r.venueOrderID, r.positionID, r.symbol, r.side, r.size, r.price, r.status,
		r.triggerKind, r.triggerPrice, r.triggerIsMarket, r.reduceOnly, r.timeInForce, r.clientOrderID,
		r.filledSize, r.fillPrice, r.fee, msPtr(r.filledAt), r.originalSize, r.remainingSize,
		r.createdAt.UnixMilli(), r.updatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateOrder(ctx context.Context, o *domain.Order) error {
	return updateOrderSQLite(ctx, s.db, o)
}

func updateOrderSQLite(ctx context.Context, db execer, o *domain.Order) error {
	r := newOrderRow(o)
	res, err := db.ExecContext(ctx,
		`UPDATE orders SET status = ?, price = ?, client_order_id = ?, filled_size = ?, fill_price = ?, fee = ?,
			filled_at = ?, original_size = ?, remaining_size = ?, updated_at = ? WHERE id = ?`,
		r.status, r.price, r.clientOrderID, r.filledSize, r.fillPrice, r.fee,
		msPtr(r.filledAt), r.originalSize, r.remainingSize, r.updatedAt.UnixMilli(), r.id,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return requireRow(res, "order "+r.id)
}

func (s *SQLiteStore) FindOrderByVenueID(ctx context.Context, venueOrderID string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE venue_order_id = ?`, venueOrderID)
	o, err := scanOrderSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", venueOrderID, domain.ErrNotFound)
	}
	return o, err
}

func (s *SQLiteStore) ListOrdersByStatus(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrderSQLite(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *SQLiteStore) RecordPlacement(ctx context.Context, o *domain.Order, p *domain.Position) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if p != nil {
		if err := insertPositionSQLite(ctx, tx, p); err != nil {
			return err
		}
	}
	if err := insertOrderSQLite(ctx, tx, o); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit placement: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ApplyFill(ctx context.Context, o *domain.Order, p *domain.Position) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := updateOrderSQLite(ctx, tx, o); err != nil {
		return err
	}
	if p != nil {
		if err := updatePositionSQLite(ctx, tx, p); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fill: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendEvents(ctx context.Context, entries []JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO event_journal (kind, venue_order_id, payload, received_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare journal insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Kind, e.VenueOrderID, string(e.Payload), e.ReceivedAt.UnixMilli()); err != nil {
			return fmt.Errorf("insert journal entry: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) CountEvents(ctx context.Context, kind string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_journal WHERE kind = ?`, kind).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPositionSQLite(sc scanner) (*domain.Position, error) {
	var (
		r                    positionRow
		pnl                  sql.NullString
		openedAt, closedAt   sql.NullInt64
		createdAt, updatedAt int64
	)
	err := sc.Scan(&r.id, &r.account, &r.symbol, &r.direction, &r.size, &r.entryPrice, &r.currentPrice, &pnl,
		&r.status, &openedAt, &closedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if pnl.Valid {
		r.realizedPnL = &pnl.String
	}
	r.openedAt = fromNullMs(openedAt)
	r.closedAt = fromNullMs(closedAt)
	r.createdAt = time.UnixMilli(createdAt).UTC()
	r.updatedAt = time.UnixMilli(updatedAt).UTC()
	return r.toDomain()
}

func scanOrderSQLite(sc scanner) (*domain.Order, error) {
	var (
		r                    orderRow
		filledAt             sql.NullInt64
		createdAt, updatedAt int64
	)
	err := sc.Scan(&r.id, &r.venueOrderID, &r.positionID, &r.symbol, &r.side, &r.size, &r.price, &r.status,
		&r.triggerKind, &r.triggerPrice, &r.triggerIsMarket, &r.reduceOnly, &r.timeInForce, &r.clientOrderID,
		&r.filledSize, &r.fillPrice, &r.fee, &filledAt, &r.originalSize, &r.remainingSize, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.filledAt = fromNullMs(filledAt)
	r.createdAt = time.UnixMilli(createdAt).UTC()
	r.updatedAt = time.UnixMilli(updatedAt).UTC()
	return r.toDomain()
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return nil
}

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
