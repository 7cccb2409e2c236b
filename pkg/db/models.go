package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrBackendRequired is returned by queries scoped to one backend.
var ErrBackendRequired = errors.New("backend is required")

// TradeRow is one journaled trade record.
type TradeRow struct {
	ID      int64
	Time    time.Time
	Backend string
	Action  string
	Owner   string
	Symbol  string
	Side    string
	Price   float64
	Qty     float64
	PnL     *float64
	Detail  string
}

// ReconReport is one reconciliation pass that found differences.
type ReconReport struct {
	ID       int64     `json:"id"`
	Time     time.Time `json:"time"`
	Backend  string    `json:"backend"`
	Detected int       `json:"detected"`
	Closed   int       `json:"closed"`
	Resized  int       `json:"resized"`
	Detail   string    `json:"detail"`
}

// PositionRow is the last position set seen for a backend.
type PositionRow struct {
	Backend    string
	ID         string
	Symbol     string
	Side       string
	Qty        float64
	EntryPrice float64
	Leverage   int
	MarginMode string
	TakeProfit float64
	StopLoss   float64
	UpdatedAt  time.Time
}

// InsertTradeRecords writes rows in one transaction.
func (d *Database) InsertTradeRecords(ctx context.Context, rows []TradeRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trade_records (ts, backend, action, owner, symbol, side, price, qty, pnl, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		var pnl sql.NullFloat64
		if r.PnL != nil {
			pnl = sql.NullFloat64{Float64: *r.PnL, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, r.Time.UTC(), r.Backend, r.Action, r.Owner, r.Symbol, r.Side, r.Price, r.Qty, pnl, r.Detail); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert trade record: %w", err)
		}
	}
	return tx.Commit()
}

// ListTradeRecords returns the newest rows for backend, oldest first.
func (d *Database) ListTradeRecords(ctx context.Context, backend string, limit int) ([]TradeRow, error) {
	if backend == "" {
		return nil, ErrBackendRequired
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, ts, backend, action, owner, symbol, side, price, qty, pnl, detail
		FROM (
			SELECT * FROM trade_records WHERE backend = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, backend, limit)
	if err != nil {
		return nil, fmt.Errorf("query trade records: %w", err)
	}
	defer rows.Close()

	var out []TradeRow
	for rows.Next() {
		var r TradeRow
		var pnl sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.Time, &r.Backend, &r.Action, &r.Owner, &r.Symbol, &r.Side, &r.Price, &r.Qty, &pnl, &r.Detail); err != nil {
			return nil, fmt.Errorf("scan trade record: %w", err)
		}
		if pnl.Valid {
			v := pnl.Float64
			r.PnL = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveReconReport stores one reconciliation report.
func (d *Database) SaveReconReport(ctx context.Context, r ReconReport) (int64, error) {
	if r.Backend == "" {
		return 0, ErrBackendRequired
	}
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO reconciliation_reports (ts, backend, detected, closed, resized, detail)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.Time.UTC(), r.Backend, r.Detected, r.Closed, r.Resized, r.Detail)
	if err != nil {
		return 0, fmt.Errorf("insert reconciliation report: %w", err)
	}
	return res.LastInsertId()
}

// ListReconReports returns the newest reports for backend, newest first.
func (d *Database) ListReconReports(ctx context.Context, backend string, limit int) ([]ReconReport, error) {
	if backend == "" {
		return nil, ErrBackendRequired
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, ts, backend, detected, closed, resized, detail
		FROM reconciliation_reports WHERE backend = ? ORDER BY id DESC LIMIT ?`, backend, limit)
	if err != nil {
		return nil, fmt.Errorf("query reconciliation reports: %w", err)
	}
	defer rows.Close()

	var out []ReconReport
	for rows.Next() {
		var r ReconReport
		if err := rows.Scan(&r.ID, &r.Time, &r.Backend, &r.Detected, &r.Closed, &r.Resized, &r.Detail); err != nil {
			return nil, fmt.Errorf("scan reconciliation report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReplacePositions swaps the stored position set of backend for rows.
func (d *Database) ReplacePositions(ctx context.Context, backend string, rows []PositionRow) error {
	if backend == "" {
		return ErrBackendRequired
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE backend = ?`, backend); err != nil {
		tx.Rollback()
		return fmt.Errorf("clear positions: %w", err)
	}
	now := time.Now().UTC()
	for _, p := range rows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO positions (backend, id, symbol, side, qty, entry_price, leverage, margin_mode, take_profit, stop_loss, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			backend, p.ID, p.Symbol, p.Side, p.Qty, p.EntryPrice, p.Leverage, p.MarginMode, p.TakeProfit, p.StopLoss, now); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert position %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

// ListPositions returns the stored position set of backend ordered by id.
func (d *Database) ListPositions(ctx context.Context, backend string) ([]PositionRow, error) {
	if backend == "" {
		return nil, ErrBackendRequired
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT backend, id, symbol, side, qty, entry_price, leverage, margin_mode, take_profit, stop_loss, updated_at
		FROM positions WHERE backend = ? ORDER BY id`, backend)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []PositionRow
	for rows.Next() {
		var p PositionRow
		if err := rows.Scan(&p.Backend, &p.ID, &p.Symbol, &p.Side, &p.Qty, &p.EntryPrice, &p.Leverage, &p.MarginMode, &p.TakeProfit, &p.StopLoss, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
