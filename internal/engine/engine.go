// Package engine executes multi-leg position lifecycle operations:
// hedged entries, concurrent exits, and delta rebalance corrections.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"dn-funding-bot/internal/exchange"
	"dn-funding-bot/internal/journal"
	"dn-funding-bot/internal/metrics"
	"dn-funding-bot/internal/position"
)

const (
	hoursPerYear     = 8760
	rebalanceEpsilon = 1e-4
)

var (
	ErrAlreadyActive = errors.New("pair already has an active position")
	ErrNotActive     = errors.New("pair has no active position")
	ErrNotProfitable = errors.New("funding yield does not cover round-trip costs")
	ErrOrderTooSmall = errors.New("order below minimum size")
)

// Config carries the cost and sizing parameters for execution math.
type Config struct {
	TakerFeePct          float64
	SlippagePct          float64
	MinOrderSizeUSD      float64
	FundingIntervalHours float64
}

// Engine turns strategy decisions into exchange orders and keeps the
// position manager in sync with what was actually filled. Per-pair
// locks serialize lifecycle operations on the same pair; different
// pairs proceed concurrently.
type Engine struct {
	cfg       Config
	exch      exchange.Client
	positions *position.Manager
	journal   *journal.Writer
	metrics   *metrics.Metrics
	log       *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// OpenResult reports a completed entry. Unhedged is set when the perp
// leg filled but the spot hedge failed, leaving directional exposure.
type OpenResult struct {
	Pair       string
	Qty        float64
	EntryPrice float64
	FeesUSD    float64
	Unhedged   bool
}

// CloseResult reports a completed exit. ReconcileRequired is set when a
// closing leg failed and the local flat state may not match the venue.
type CloseResult struct {
	Pair              string
	RealizedPnl       float64
	ReconcileRequired bool
}

func New(cfg Config, exch exchange.Client, positions *position.Manager, jw *journal.Writer, m *metrics.Metrics, log *zap.Logger) *Engine {
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.FundingIntervalHours <= 0 {
		cfg.FundingIntervalHours = 1
	}
	return &Engine{
		cfg:       cfg,
		exch:      exch,
		positions: positions,
		journal:   jw,
		metrics:   m,
		log:       log,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (e *Engine) pairLock(pair string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[pair]
	if !ok {
		l = &sync.Mutex{}
		e.locks[pair] = l
	}
	return l
}

// NetAnnualYield is the annualized funding yield net of round-trip
// execution costs on both legs.
func (e *Engine) NetAnnualYield(rate float64) float64 {
	gross := math.Abs(rate) * hoursPerYear / e.cfg.FundingIntervalHours
	costs := (e.cfg.TakerFeePct + e.cfg.SlippagePct) * 2
	return gross - costs
}

// IsProfitableEntry reports whether an entry at this funding rate would
// out-earn its execution costs over a year.
func (e *Engine) IsProfitableEntry(rate float64) bool {
	return e.NetAnnualYield(rate) > 0
}

// OpenPosition opens a delta-neutral pair: capital is split evenly
// across the two legs, the perp leg is placed first, and a failed spot
// hedge leaves the perp leg open rather than unwinding it. Callers must
// treat result.Unhedged as an alert condition.
func (e *Engine) OpenPosition(ctx context.Context, pair string, rate, capital float64) (OpenResult, error) {
	lock := e.pairLock(pair)
	lock.Lock()
	defer lock.Unlock()

	if st := e.positions.GetOrCreate(pair); st.Active {
		return OpenResult{}, fmt.Errorf("%s: %w", pair, ErrAlreadyActive)
	}
	if !e.IsProfitableEntry(rate) {
		return OpenResult{}, fmt.Errorf("%s rate %.6f: %w", pair, rate, ErrNotProfitable)
	}

	mark, err := e.exch.MarkPrice(ctx, pair)
	if err != nil {
		return OpenResult{}, fmt.Errorf("mark price %s: %w", pair, err)
	}
	if mark <= 0 {
		return OpenResult{}, fmt.Errorf("mark price %s: non-positive %v", pair, mark)
	}

	legCapital := capital / 2
	qty := legCapital / mark
	if qty*mark < e.cfg.MinOrderSizeUSD {
		return OpenResult{}, fmt.Errorf("%s leg notional $%.2f: %w", pair, qty*mark, ErrOrderTooSmall)
	}

	// Positive funding means shorts get paid: short the perp, hold spot.
	// Negative funding inverts both legs.
	perpSide, spotSide := exchange.Sell, exchange.Buy
	if rate < 0 {
		perpSide, spotSide = exchange.Buy, exchange.Sell
	}

	if err := e.exch.UpdateLeverage(ctx, pair, 1); err != nil {
		e.log.Warn("leverage update failed, continuing",
			zap.String("pair", pair), zap.Error(err))
	}

	perpRes, err := e.placePerp(ctx, pair, perpSide, qty, false)
	if err != nil {
		return OpenResult{}, fmt.Errorf("perp leg %s: %w", pair, err)
	}
	entryPrice := perpRes.FillPrice
	if entryPrice <= 0 {
		entryPrice = mark
	}

	perpSize := qty
	if perpSide == exchange.Sell {
		perpSize = -qty
	}
	spotSize := -perpSize

	spotRes, spotErr := e.placeSpot(ctx, pair, spotSide, qty)
	if spotErr != nil {
		// The perp leg is live. Keep it and surface the unhedged state
		// instead of paying to unwind immediately.
		e.log.Error("spot hedge failed, position is unhedged",
			zap.String("pair", pair),
			zap.Float64("perp_size", perpSize),
			zap.Error(spotErr))
		e.positions.MarkOpened(pair, position.Entry{
			PerpSize:     perpSize,
			EntryPrice:   entryPrice,
			Leverage:     1,
			EntryCapital: capital,
		})
		fees := qty * entryPrice * e.cfg.TakerFeePct
		e.journalTrade(pair, "unhedged_open", "perp", perpSide, qty, entryPrice, fees, perpRes.OrderID)
		e.metrics.PositionsOpened.Inc()
		return OpenResult{Pair: pair, Qty: qty, EntryPrice: entryPrice, FeesUSD: fees, Unhedged: true}, nil
	}

	spotPrice := spotRes.FillPrice
	if spotPrice <= 0 {
		spotPrice = entryPrice
	}
	e.positions.MarkOpened(pair, position.Entry{
		SpotSize:     spotSize,
		PerpSize:     perpSize,
		EntryPrice:   entryPrice,
		Leverage:     1,
		EntryCapital: capital,
	})

	fees := qty * (entryPrice + spotPrice) * e.cfg.TakerFeePct
	e.journalTrade(pair, "open", "perp", perpSide, qty, entryPrice, qty*entryPrice*e.cfg.TakerFeePct, perpRes.OrderID)
	e.journalTrade(pair, "open", "spot", spotSide, qty, spotPrice, qty*spotPrice*e.cfg.TakerFeePct, spotRes.OrderID)
	e.metrics.PositionsOpened.Inc()
	e.log.Info("position opened",
		zap.String("pair", pair),
		zap.Float64("qty", qty),
		zap.Float64("entry_price", entryPrice),
		zap.Float64("funding_rate", rate))
	return OpenResult{Pair: pair, Qty: qty, EntryPrice: entryPrice, FeesUSD: fees}, nil
}

// ClosePosition flattens both legs concurrently, the perp side with a
// reduce-only order. A position whose hedge leg never filled is closable
// too: only the legs that exist are flattened. The pair is marked closed
// locally even when a leg fails, with ReconcileRequired set so the
// operator knows the venue may disagree.
func (e *Engine) ClosePosition(ctx context.Context, pair string) (CloseResult, error) {
	lock := e.pairLock(pair)
	lock.Lock()
	defer lock.Unlock()

	st, ok := e.positions.Snapshot(pair)
	if !ok || !st.Active {
		return CloseResult{}, fmt.Errorf("%s: %w", pair, ErrNotActive)
	}

	var wg sync.WaitGroup
	var perpErr, spotErr error

	if st.Perp.Size != 0 {
		side := exchange.Buy
		if st.Perp.Size > 0 {
			side = exchange.Sell
		}
		size := math.Abs(st.Perp.Size)
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.placePerp(ctx, pair, side, size, true)
			if err != nil {
				perpErr = err
				return
			}
			e.journalTrade(pair, "close", "perp", side, size, res.FillPrice, size*res.FillPrice*e.cfg.TakerFeePct, res.OrderID)
		}()
	}
	if st.Spot.Size != 0 {
		side := exchange.Sell
		if st.Spot.Size < 0 {
			side = exchange.Buy
		}
		size := math.Abs(st.Spot.Size)
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.placeSpot(ctx, pair, side, size)
			if err != nil {
				spotErr = err
				return
			}
			e.journalTrade(pair, "close", "spot", side, size, res.FillPrice, size*res.FillPrice*e.cfg.TakerFeePct, res.OrderID)
		}()
	}
	wg.Wait()

	reconcile := perpErr != nil || spotErr != nil
	if reconcile {
		e.log.Error("close leg failed, local state flattened anyway",
			zap.String("pair", pair),
			zap.NamedError("perp_err", perpErr),
			zap.NamedError("spot_err", spotErr))
	}

	// Funding income is credited to the wallet as it accrues, so the
	// close realizes price pnl only.
	realized := st.UnrealizedPnl()
	e.positions.RecordRealizedPnl(pair, realized)
	e.positions.MarkClosed(pair, reconcile)
	e.metrics.PositionsClosed.Inc()
	e.log.Info("position closed",
		zap.String("pair", pair),
		zap.Float64("realized_pnl", realized),
		zap.Bool("reconcile_required", reconcile))
	return CloseResult{Pair: pair, RealizedPnl: realized, ReconcileRequired: reconcile}, nil
}

// Rebalance restores delta neutrality with a corrective perp order.
// Deltas within epsilon of zero are left alone.
func (e *Engine) Rebalance(ctx context.Context, pair string) error {
	lock := e.pairLock(pair)
	lock.Lock()
	defer lock.Unlock()

	st, ok := e.positions.Snapshot(pair)
	if !ok || !st.Active {
		return fmt.Errorf("%s: %w", pair, ErrNotActive)
	}
	delta := st.NetDelta()
	if math.Abs(delta) < rebalanceEpsilon {
		return nil
	}

	// A positive net delta means the book is too long: sell perp.
	correction := -delta
	side := exchange.Buy
	if correction < 0 {
		side = exchange.Sell
	}
	size := math.Abs(correction)
	reduceOnly := st.Perp.Size != 0 && correction*st.Perp.Size < 0

	res, err := e.placePerp(ctx, pair, side, size, reduceOnly)
	if err != nil {
		return fmt.Errorf("rebalance %s: %w", pair, err)
	}
	e.positions.AdjustPerpSize(pair, correction)
	e.metrics.Rebalances.Inc()
	e.journalTrade(pair, "rebalance", "perp", side, size, res.FillPrice, size*res.FillPrice*e.cfg.TakerFeePct, res.OrderID)
	e.log.Info("delta rebalanced",
		zap.String("pair", pair),
		zap.Float64("delta", delta),
		zap.Float64("correction", correction))
	return nil
}

func (e *Engine) placePerp(ctx context.Context, pair string, side exchange.Side, size float64, reduceOnly bool) (exchange.OrderResult, error) {
	res, err := e.exch.PlacePerpOrder(ctx, pair, side, size, reduceOnly)
	if err == nil && !res.Filled() {
		err = fmt.Errorf("perp order not filled: status %s", res.Status)
	}
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		return exchange.OrderResult{}, err
	}
	e.metrics.OrdersPlaced.Inc()
	return res, nil
}

func (e *Engine) placeSpot(ctx context.Context, pair string, side exchange.Side, size float64) (exchange.OrderResult, error) {
	res, err := e.exch.PlaceSpotOrder(ctx, pair, side, size)
	if err == nil && !res.Filled() {
		err = fmt.Errorf("spot order not filled: status %s", res.Status)
	}
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		return exchange.OrderResult{}, err
	}
	e.metrics.OrdersPlaced.Inc()
	return res, nil
}

func (e *Engine) journalTrade(pair, action, market string, side exchange.Side, size, price, fees float64, orderID int64) {
	e.journal.EnqueueTrade(journal.TradeRow{
		Time:        time.Now().UTC(),
		Pair:        pair,
		Action:      action,
		Market:      market,
		Side:        string(side),
		Size:        size,
		Price:       price,
		NotionalUSD: size * price,
		FeesUSD:     fees,
		OrderID:     orderID,
	})
}
