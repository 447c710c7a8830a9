// Package journal persists trade and funding history to Postgres
// through an in-process async queue. A nil *Writer is a valid no-op so
// callers never need to guard on whether journaling is configured.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"dn-funding-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// TradeRow records one executed leg of a position lifecycle event.
type TradeRow struct {
	Time        time.Time
	Pair        string
	Action      string // open, close, rebalance, unhedged_open
	Market      string // perp or spot
	Side        string
	Size        float64
	Price       float64
	NotionalUSD float64
	FeesUSD     float64
	OrderID     int64
}

// FundingRow records one funding accrual for an active pair.
type FundingRow struct {
	Time      time.Time
	Pair      string
	Rate      float64
	AmountUSD float64
}

type Writer struct {
	db       *sql.DB
	log      *zap.Logger
	trades   chan TradeRow
	fundings chan FundingRow
	started  atomic.Bool
	dropped  atomic.Uint64
}

// New opens the journal database. Returns (nil, nil) when journaling is
// disabled; the nil writer swallows all enqueues.
func New(cfg config.JournalConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("journal dsn is required")
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
	if cfg.MaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MaxLifetime)
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
	w := &Writer{
		db:       db,
		log:      log,
		trades:   make(chan TradeRow, queueSize),
		fundings: make(chan FundingRow, queueSize),
	}
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
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

// EnqueueTrade queues a trade row. Drops when the queue is full rather
// than blocking the trading path.
func (w *Writer) EnqueueTrade(row TradeRow) {
	if w == nil {
		return
	}
	select {
	case w.trades <- row:
	default:
		if w.dropped.Add(1) == 1 && w.log != nil {
			w.log.Warn("journal trade queue full")
		}
	}
}

// EnqueueFunding queues a funding accrual row.
func (w *Writer) EnqueueFunding(row FundingRow) {
	if w == nil {
		return
	}
	select {
	case w.fundings <- row:
	default:
		if w.dropped.Add(1) == 1 && w.log != nil {
			w.log.Warn("journal funding queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case row := <-w.trades:
			w.writeTrade(ctx, row)
		case row := <-w.fundings:
			w.writeFunding(ctx, row)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("journal db not initialized")
	}
	if err := w.exec(ctx, `CREATE TABLE IF NOT EXISTS trades (
		ts TIMESTAMPTZ NOT NULL,
		pair TEXT NOT NULL,
		action TEXT NOT NULL,
		market TEXT NOT NULL,
		side TEXT NOT NULL,
		size DOUBLE PRECISION NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		notional_usd DOUBLE PRECISION NOT NULL,
		fees_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		order_id BIGINT NOT NULL DEFAULT 0
	)`); err != nil {
		return err
	}
	return w.exec(ctx, `CREATE TABLE IF NOT EXISTS funding_income (
		ts TIMESTAMPTZ NOT NULL,
		pair TEXT NOT NULL,
		rate DOUBLE PRECISION NOT NULL,
		amount_usd DOUBLE PRECISION NOT NULL
	)`)
}

func (w *Writer) writeTrade(ctx context.Context, row TradeRow) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if _, err := w.db.ExecContext(ctx, `INSERT INTO trades (
		ts, pair, action, market, side, size, price, notional_usd, fees_usd, order_id
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		row.Time,
		row.Pair,
		row.Action,
		row.Market,
		row.Side,
		row.Size,
		row.Price,
		row.NotionalUSD,
		row.FeesUSD,
		row.OrderID,
	); err != nil && w.log != nil {
		w.log.Warn("journal trade insert failed", zap.Error(err))
	}
}

func (w *Writer) writeFunding(ctx context.Context, row FundingRow) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if _, err := w.db.ExecContext(ctx, `INSERT INTO funding_income (
		ts, pair, rate, amount_usd
	) VALUES ($1,$2,$3,$4)`,
		row.Time,
		row.Pair,
		row.Rate,
		row.AmountUSD,
	); err != nil && w.log != nil {
		w.log.Warn("journal funding insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}
