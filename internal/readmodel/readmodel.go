// Package readmodel is a queryable Postgres mirror of positions, fills, and
// the audit log (spec.md's audit log, left unschemaed by the distilled
// spec — see SPEC_FULL.md's supplemented features). It is a read-side
// projection only: ShadowState's file-based WAL remains the sole source of
// truth for crash recovery, and nothing here is ever replayed into it. The
// Repository-wraps-a-handle shape follows the teacher's
// services/*/supabase.Repository pattern; the storage backend itself
// swaps the teacher's self-hosted PostgREST client for a directly owned
// Postgres schema accessed through sqlx, since this repo has no Supabase
// gateway to go through.
package readmodel

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	_ "github.com/lib/pq"

	"github.com/r3e-network/execution-core/internal/shadowstate"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Repository is the Postgres-backed read model.
type Repository struct {
	db *sqlx.DB
}

// New connects to dsn and returns a Repository. Call Migrate before using
// it against a fresh database.
func New(dsn string) (*Repository, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("readmodel: connect: %w", err)
	}
	return &Repository{db: db}, nil
}

// NewWithDB wraps an already-open *sql.DB (used by tests with sqlmock).
func NewWithDB(db *sql.DB) *Repository {
	return &Repository{db: sqlx.NewDb(db, "postgres")}
}

// Close releases the underlying connection pool.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Migrate applies every embedded migration up to the latest version.
func (r *Repository) Migrate() error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("readmodel: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(r.db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("readmodel: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("readmodel: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("readmodel: migrate up: %w", err)
	}
	return nil
}

// OrderRow mirrors one ShadowState open order.
type OrderRow struct {
	OrderID    string `db:"order_id"`
	IntentID   string `db:"intent_id"`
	Venue      string `db:"venue"`
	Symbol     string `db:"symbol"`
	Side       string `db:"side"`
	Status     string `db:"status"`
	Size       string `db:"size"`
	FilledSize string `db:"filled_size"`
	LimitPrice string `db:"limit_price"`
	CreatedAt  string `db:"created_at"`
	UpdatedAt  string `db:"updated_at"`
}

// FillRow mirrors one applied fill.
type FillRow struct {
	FillID string `db:"fill_id"`
	OrderID string `db:"order_id"`
	Venue   string `db:"venue"`
	Symbol  string `db:"symbol"`
	Side    string `db:"side"`
	Price   string `db:"price"`
	Size    string `db:"size"`
	Ts      string `db:"ts"`
}

// PositionRow mirrors one ShadowState position.
type PositionRow struct {
	Venue         string `db:"venue"`
	Symbol        string `db:"symbol"`
	Size          string `db:"size"`
	AvgEntryPrice string `db:"avg_entry_price"`
	RealizedPnL   string `db:"realized_pnl"`
	LastMarkPrice string `db:"last_mark_price"`
	LastUpdateAt  string `db:"last_update_at"`
}

// AuditRow is one audit log entry.
type AuditRow struct {
	ID         int64  `db:"id"`
	Action     string `db:"action"`
	Actor      string `db:"actor"`
	Details    string `db:"details"`
	RecordedAt string `db:"recorded_at"`
}

// RecordOrder upserts order into the read model, mirroring a ShadowState
// order update.
func (r *Repository) RecordOrder(ctx context.Context, order shadowstate.OpenOrder) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO exec_orders (order_id, intent_id, venue, symbol, side, status, size, filled_size, limit_price, created_at, updated_at)
		VALUES (:order_id, :intent_id, :venue, :symbol, :side, :status, :size, :filled_size, :limit_price, :created_at, :updated_at)
		ON CONFLICT (order_id) DO UPDATE SET
			status = EXCLUDED.status,
			filled_size = EXCLUDED.filled_size,
			updated_at = EXCLUDED.updated_at
	`, orderRow(order))
	return err
}

func orderRow(o shadowstate.OpenOrder) OrderRow {
	return OrderRow{
		OrderID: o.OrderID, IntentID: o.IntentID, Venue: o.Venue, Symbol: o.Symbol,
		Side: o.Side, Status: string(o.Status),
		Size: o.Size.String(), FilledSize: o.FilledSize.String(), LimitPrice: o.LimitPrice.String(),
		CreatedAt: o.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: o.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// RecordFill inserts a fill into the read model.
func (r *Repository) RecordFill(ctx context.Context, fill shadowstate.Fill) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO exec_fills (fill_id, order_id, venue, symbol, side, price, size, ts)
		VALUES (:fill_id, :order_id, :venue, :symbol, :side, :price, :size, :ts)
		ON CONFLICT (fill_id) DO NOTHING
	`, FillRow{
		FillID: fill.FillID, OrderID: fill.OrderID, Venue: fill.Venue, Symbol: fill.Symbol,
		Side: fill.Side, Price: fill.Price.String(), Size: fill.Size.String(),
		Ts: fill.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	return err
}

// RecordPosition upserts the current position snapshot for venue/symbol.
func (r *Repository) RecordPosition(ctx context.Context, pos shadowstate.Position) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO exec_positions (venue, symbol, size, avg_entry_price, realized_pnl, last_mark_price, last_update_at)
		VALUES (:venue, :symbol, :size, :avg_entry_price, :realized_pnl, :last_mark_price, :last_update_at)
		ON CONFLICT (venue, symbol) DO UPDATE SET
			size = EXCLUDED.size,
			avg_entry_price = EXCLUDED.avg_entry_price,
			realized_pnl = EXCLUDED.realized_pnl,
			last_mark_price = EXCLUDED.last_mark_price,
			last_update_at = EXCLUDED.last_update_at
	`, PositionRow{
		Venue: pos.Venue, Symbol: pos.Symbol, Size: pos.Size.String(),
		AvgEntryPrice: pos.AvgEntryPrice.String(), RealizedPnL: pos.RealizedPnL.String(),
		LastMarkPrice: pos.LastMarkPrice.String(),
		LastUpdateAt:  pos.LastUpdateAt.UTC().Format(time.RFC3339Nano),
	})
	return err
}

// RecordAudit appends an audit log entry.
func (r *Repository) RecordAudit(ctx context.Context, action, actor, detailsJSON string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO exec_audit_log (action, actor, details) VALUES ($1, $2, $3)`,
		action, actor, detailsJSON)
	return err
}

// Fills returns the most recent fills for venue/symbol, newest first.
func (r *Repository) Fills(ctx context.Context, venue, symbol string, limit int) ([]FillRow, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []FillRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT fill_id, order_id, venue, symbol, side, price, size, ts FROM exec_fills
		 WHERE venue = $1 AND symbol = $2 ORDER BY ts DESC LIMIT $3`,
		venue, symbol, limit)
	return rows, err
}

// Positions returns every tracked position.
func (r *Repository) Positions(ctx context.Context) ([]PositionRow, error) {
	var rows []PositionRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT venue, symbol, size, avg_entry_price, realized_pnl, last_mark_price, last_update_at FROM exec_positions`)
	return rows, err
}

// AuditLog returns the most recent audit entries, newest first.
func (r *Repository) AuditLog(ctx context.Context, limit int) ([]AuditRow, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []AuditRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT id, action, actor, details, recorded_at FROM exec_audit_log ORDER BY recorded_at DESC LIMIT $1`,
		limit)
	return rows, err
}
