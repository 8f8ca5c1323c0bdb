// Package history records spread observations and closed-position outcomes
// into TimescaleDB/Postgres. Writes are queued and asynchronous; the decision
// loop is never blocked or failed by history I/O.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"statarb-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type SpreadObservation struct {
	Time        time.Time
	SpotSymbol  string
	PerpSymbol  string
	SpotBid     float64
	SpotAsk     float64
	PerpBid     float64
	PerpAsk     float64
	FundingRate float64
	OpenSpread  float64
	CloseSpread float64
	OpenValid   bool
	CloseValid  bool
}

type ClosedPosition struct {
	Time        time.Time
	PositionID  string
	Quantity    float64
	EntrySpread float64
	ExitSpread  float64
	PnL         float64
	HasPnL      bool
	HeldFor     time.Duration
}

type Writer struct {
	db      *sql.DB
	log     *zap.Logger
	schema  string
	spreads chan SpreadObservation
	closes  chan ClosedPosition
	started atomic.Bool
	dropped atomic.Uint64
}

func New(cfg config.HistoryConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("history dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:      db,
		log:     log,
		schema:  schema,
		spreads: make(chan SpreadObservation, queueSize),
		closes:  make(chan ClosedPosition, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueSpread(obs SpreadObservation) {
	if w == nil {
		return
	}
	select {
	case w.spreads <- obs:
	default:
		if w.dropped.Add(1) == 1 && w.log != nil {
			w.log.Warn("history spread queue full")
		}
	}
}

func (w *Writer) EnqueueClose(row ClosedPosition) {
	if w == nil {
		return
	}
	select {
	case w.closes <- row:
	default:
		if w.dropped.Add(1) == 1 && w.log != nil {
			w.log.Warn("history close queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case obs := <-w.spreads:
			w.writeSpread(ctx, obs)
		case row := <-w.closes:
			w.writeClose(ctx, row)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("history db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		spot_symbol TEXT NOT NULL,
		perp_symbol TEXT NOT NULL,
		spot_bid DOUBLE PRECISION NOT NULL,
		spot_ask DOUBLE PRECISION NOT NULL,
		perp_bid DOUBLE PRECISION NOT NULL,
		perp_ask DOUBLE PRECISION NOT NULL,
		funding_rate DOUBLE PRECISION NOT NULL,
		open_spread DOUBLE PRECISION NOT NULL,
		close_spread DOUBLE PRECISION NOT NULL,
		open_valid BOOLEAN NOT NULL,
		close_valid BOOLEAN NOT NULL
	)`, w.table("spread_observations"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		position_id TEXT NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		entry_spread DOUBLE PRECISION NOT NULL,
		exit_spread DOUBLE PRECISION NOT NULL,
		pnl DOUBLE PRECISION NOT NULL,
		has_pnl BOOLEAN NOT NULL,
		held_for_ms BIGINT NOT NULL
	)`, w.table("closed_positions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	for _, table := range []string{"spread_observations", "closed_positions"} {
		query := fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(table))
		if err := w.exec(ctx, query); err != nil && w.log != nil {
			w.log.Warn("hypertable create failed", zap.String("table", table), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeSpread(ctx context.Context, obs SpreadObservation) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, spot_symbol, perp_symbol, spot_bid, spot_ask, perp_bid, perp_ask,
		funding_rate, open_spread, close_spread, open_valid, close_valid
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`, w.table("spread_observations"))
	if _, err := w.db.ExecContext(ctx, query,
		obs.Time, obs.SpotSymbol, obs.PerpSymbol,
		obs.SpotBid, obs.SpotAsk, obs.PerpBid, obs.PerpAsk,
		obs.FundingRate, obs.OpenSpread, obs.CloseSpread,
		obs.OpenValid, obs.CloseValid,
	); err != nil && w.log != nil {
		w.log.Warn("spread observation insert failed", zap.Error(err))
	}
}

func (w *Writer) writeClose(ctx context.Context, row ClosedPosition) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, position_id, quantity, entry_spread, exit_spread, pnl, has_pnl, held_for_ms
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, w.table("closed_positions"))
	if _, err := w.db.ExecContext(ctx, query,
		row.Time, row.PositionID, row.Quantity,
		row.EntrySpread, row.ExitSpread, row.PnL, row.HasPnL,
		row.HeldFor.Milliseconds(),
	); err != nil && w.log != nil {
		w.log.Warn("closed position insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
