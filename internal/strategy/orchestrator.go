// Package strategy runs the control loop: poll funding, accrue income,
// enter signaled pairs, rebalance drifted hedges, and enforce risk
// limits on every tick.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dn-funding-bot/internal/config"
	"dn-funding-bot/internal/engine"
	"dn-funding-bot/internal/exchange"
	"dn-funding-bot/internal/funding"
	"dn-funding-bot/internal/journal"
	"dn-funding-bot/internal/metrics"
	"dn-funding-bot/internal/position"
	"dn-funding-bot/internal/risk"
	"dn-funding-bot/internal/wallet"
)

// Notifier delivers operator-facing alerts. Implementations must not
// block the tick for long; failures are logged and dropped.
type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, string) error { return nil }

// Orchestrator wires the analyzers, wallet, risk manager, and engine
// into a single periodic decision loop.
type Orchestrator struct {
	cfg       config.StrategyConfig
	walletCfg config.WalletConfig
	riskCfg   config.RiskConfig

	exch      exchange.Client
	engine    *engine.Engine
	funding   *funding.Manager
	positions *position.Manager
	wallet    *wallet.Manager
	risk      *risk.Manager
	journal   *journal.Writer
	metrics   *metrics.Metrics
	notifier  Notifier
	log       *zap.Logger

	paused        atomic.Bool
	lastRebalance time.Time
	lastAccrual   map[string]time.Time
	wasOpen       bool

	now func() time.Time
}

type Deps struct {
	Exchange  exchange.Client
	Engine    *engine.Engine
	Funding   *funding.Manager
	Positions *position.Manager
	Wallet    *wallet.Manager
	Risk      *risk.Manager
	Journal   *journal.Writer
	Metrics   *metrics.Metrics
	Notifier  Notifier
	Log       *zap.Logger
}

func New(cfg config.StrategyConfig, walletCfg config.WalletConfig, riskCfg config.RiskConfig, deps Deps) *Orchestrator {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	if deps.Notifier == nil {
		deps.Notifier = noopNotifier{}
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	o := &Orchestrator{
		cfg:         cfg,
		walletCfg:   walletCfg,
		riskCfg:     riskCfg,
		exch:        deps.Exchange,
		engine:      deps.Engine,
		funding:     deps.Funding,
		positions:   deps.Positions,
		wallet:      deps.Wallet,
		risk:        deps.Risk,
		journal:     deps.Journal,
		metrics:     deps.Metrics,
		notifier:    deps.Notifier,
		log:         deps.Log,
		lastAccrual: make(map[string]time.Time),
		now:         time.Now,
	}
	o.paused.Store(cfg.Paused)
	return o
}

// Run ticks until ctx is canceled. Tick errors are logged, never fatal:
// a venue hiccup on one poll must not take the process down.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	o.log.Info("strategy loop started",
		zap.Strings("pairs", o.cfg.EnabledPairs),
		zap.Duration("poll_interval", o.cfg.PollInterval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := o.Tick(ctx); err != nil {
				o.log.Warn("tick failed", zap.Error(err))
			}
		}
	}
}

// Pause stops new entries; open positions keep being managed.
func (o *Orchestrator) Pause() { o.paused.Store(true) }

func (o *Orchestrator) Resume() { o.paused.Store(false) }

func (o *Orchestrator) Paused() bool { return o.paused.Load() }

// Tick runs one full pass of the control loop: poll markets, try
// entries, rebalance drifted hedges, then run the risk checks and push
// the PnL gauges. A trip detected this tick blocks entries from the
// next tick on.
func (o *Orchestrator) Tick(ctx context.Context) error {
	now := o.now().UTC()
	if err := o.pollMarkets(ctx, now); err != nil {
		return err
	}
	o.accrueFunding(now)
	o.alertAnomalies(ctx)

	if !o.paused.Load() && !o.risk.CircuitOpen() {
		o.tryEntries(ctx)
	}

	if now.Sub(o.lastRebalance) >= o.cfg.RebalanceInterval {
		o.lastRebalance = now
		o.rebalanceDrifted(ctx)
	}

	o.checkRisk(ctx)
	o.updateGauges()
	return nil
}

func (o *Orchestrator) pollMarkets(ctx context.Context, now time.Time) error {
	var firstErr error
	for _, pair := range o.cfg.EnabledPairs {
		rate, err := o.exch.FundingRate(ctx, pair)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("funding rate %s: %w", pair, err)
			}
			continue
		}
		o.funding.Get(pair).Update(funding.Sample{Pair: pair, Rate: rate, CapturedAt: now})

		mark, err := o.exch.MarkPrice(ctx, pair)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("mark price %s: %w", pair, err)
			}
			continue
		}
		o.positions.UpdatePrices(pair, mark, mark)
	}
	return firstErr
}

// accrueFunding credits estimated funding income once per funding
// interval for every active pair. A short perp leg earns positive
// funding; a long leg earns when the rate is negative.
func (o *Orchestrator) accrueFunding(now time.Time) {
	interval := time.Duration(o.cfg.FundingIntervalHours * float64(time.Hour))
	for _, pair := range o.cfg.EnabledPairs {
		st, ok := o.positions.Snapshot(pair)
		if !ok || !st.Active || st.Perp.Size == 0 {
			continue
		}
		last, seen := o.lastAccrual[pair]
		if !seen {
			o.lastAccrual[pair] = now
			continue
		}
		if now.Sub(last) < interval {
			continue
		}
		o.lastAccrual[pair] = now
		rate := o.funding.Get(pair).CurrentRate()
		amount := -st.Perp.Size * st.Perp.MarkPrice * rate
		if amount == 0 {
			continue
		}
		o.wallet.RecordFunding(pair, amount)
		o.positions.RecordFunding(pair, amount)
		o.metrics.FundingAccruals.Inc()
		o.journal.EnqueueFunding(journal.FundingRow{
			Time:      now,
			Pair:      pair,
			Rate:      rate,
			AmountUSD: amount,
		})
		o.log.Debug("funding accrued",
			zap.String("pair", pair),
			zap.Float64("rate", rate),
			zap.Float64("amount_usd", amount))
	}
}

func (o *Orchestrator) alertAnomalies(ctx context.Context) {
	for _, msg := range o.funding.Anomalies(o.riskCfg.FundingDropAlertPct) {
		o.notify(ctx, "funding anomaly: "+msg)
	}
}

func (o *Orchestrator) checkRisk(ctx context.Context) {
	account, err := o.exch.AccountState(ctx)
	if err != nil {
		o.log.Warn("account state fetch failed", zap.Error(err))
		return
	}
	violations := o.risk.AutoCheckAndTrip(account.Equity)
	open := o.risk.CircuitOpen()
	if open && !o.wasOpen {
		o.metrics.CircuitTrips.Inc()
		o.notify(ctx, fmt.Sprintf("circuit breaker OPEN: %v", violations))
	}
	o.wasOpen = open

	for _, msg := range o.positions.LiquidationAlerts(o.riskCfg.LiquidationBufferPct) {
		o.notify(ctx, "liquidation warning "+msg)
	}
	for _, s := range o.positions.AllSummariesWithBuffer(o.riskCfg.LiquidationBufferPct) {
		if s.Active && math.Abs(s.DeltaRatio) > o.riskCfg.DeltaAlertThreshold {
			o.notify(ctx, fmt.Sprintf("delta drift %s: ratio %.4f exceeds %.4f",
				s.Pair, s.DeltaRatio, o.riskCfg.DeltaAlertThreshold))
		}
	}

	var unrealized float64
	for _, s := range o.positions.AllSummaries() {
		unrealized += s.UnrealizedPnl
	}
	o.wallet.UpdateUnrealizedPnl(unrealized)
	o.metrics.TotalEquity.Set(account.Equity)
}

func (o *Orchestrator) tryEntries(ctx context.Context) {
	for _, pair := range o.funding.Opportunities(o.cfg.ZScoreK, o.cfg.FundingThreshold) {
		if st, ok := o.positions.Snapshot(pair); ok && st.Active {
			continue
		}
		capital := o.wallet.TotalCapital() * o.cfg.CapitalPerPairPct
		if !o.wallet.CanAllocate(capital) {
			o.log.Debug("entry skipped: insufficient available capital",
				zap.String("pair", pair), zap.Float64("capital", capital))
			continue
		}
		if !o.wallet.CheckMaxAllocation(capital, o.walletCfg.MaxAllocationPerPairPct) {
			o.log.Debug("entry skipped: allocation cap", zap.String("pair", pair))
			continue
		}
		if !o.wallet.CheckLeverage(o.positions.TotalExposure()+capital, o.walletCfg.MaxLeverageGlobal) {
			o.log.Debug("entry skipped: wallet leverage cap", zap.String("pair", pair))
			continue
		}
		if st, ok := o.positions.Snapshot(pair); ok {
			if !o.risk.CheckConcentration(st.GrossExposure(), capital, o.wallet.TotalCapital()) {
				o.log.Debug("entry skipped: concentration cap", zap.String("pair", pair))
				continue
			}
		}
		if !o.risk.CheckGlobalLeverage(o.positions.TotalExposure()+capital, o.wallet.TotalCapital()) {
			o.log.Debug("entry skipped: global leverage cap", zap.String("pair", pair))
			continue
		}
		rate := o.funding.Get(pair).CurrentRate()
		res, err := o.engine.OpenPosition(ctx, pair, rate, capital)
		if err != nil {
			if errors.Is(err, engine.ErrNotProfitable) || errors.Is(err, engine.ErrOrderTooSmall) {
				o.log.Debug("entry skipped", zap.String("pair", pair), zap.Error(err))
			} else {
				o.log.Error("entry failed", zap.String("pair", pair), zap.Error(err))
			}
			continue
		}
		if !o.wallet.Allocate(pair, capital) {
			// Allocation raced with another commit; the position is live
			// regardless, so record the discrepancy loudly.
			o.log.Error("wallet allocation failed after fill", zap.String("pair", pair))
		}
		o.lastAccrual[pair] = o.now().UTC()
		if res.Unhedged {
			o.notify(ctx, fmt.Sprintf("UNHEDGED position on %s: spot leg failed, perp qty %.6f", pair, res.Qty))
		} else {
			o.notify(ctx, fmt.Sprintf("opened %s: qty %.6f at $%.2f, rate %.5f%%", pair, res.Qty, res.EntryPrice, rate*100))
		}
	}
}

func (o *Orchestrator) rebalanceDrifted(ctx context.Context) {
	for _, pair := range o.positions.PairsNeedingRebalance(o.cfg.RebalanceDeltaThreshold) {
		if err := o.engine.Rebalance(ctx, pair); err != nil {
			o.log.Error("rebalance failed", zap.String("pair", pair), zap.Error(err))
		}
	}
}

// SetLeverage applies an operator-chosen leverage to a pair's perp
// margin, clamped to the hard risk cap before it reaches the venue.
// Returns the leverage actually applied.
func (o *Orchestrator) SetLeverage(ctx context.Context, pair string, requested int) (int, error) {
	if requested < 1 {
		return 0, fmt.Errorf("leverage must be at least 1, got %d", requested)
	}
	applied := int(o.risk.ClampLeverage(float64(requested)))
	if err := o.exch.UpdateLeverage(ctx, pair, applied); err != nil {
		return 0, fmt.Errorf("update leverage %s: %w", pair, err)
	}
	return applied, nil
}

// ClosePair exits one pair and settles its capital back to the wallet.
// Used by the operator surface and by shutdown handling.
func (o *Orchestrator) ClosePair(ctx context.Context, pair string) (engine.CloseResult, error) {
	res, err := o.engine.ClosePosition(ctx, pair)
	if err != nil {
		return engine.CloseResult{}, err
	}
	o.wallet.Release(pair, res.RealizedPnl)
	delete(o.lastAccrual, pair)
	if res.ReconcileRequired {
		o.notify(ctx, fmt.Sprintf("closed %s with FAILED leg: manual reconcile required, pnl %.2f", pair, res.RealizedPnl))
	} else {
		o.notify(ctx, fmt.Sprintf("closed %s: realized pnl %.2f", pair, res.RealizedPnl))
	}
	return res, nil
}

// CloseAll exits every active pair, collecting the first error.
func (o *Orchestrator) CloseAll(ctx context.Context) error {
	var firstErr error
	for _, s := range o.positions.AllSummaries() {
		if !s.Active {
			continue
		}
		if _, err := o.ClosePair(ctx, s.Pair); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (o *Orchestrator) updateGauges() {
	o.metrics.TotalExposure.Set(o.positions.TotalExposure())
	active := 0
	for _, s := range o.positions.AllSummaries() {
		if s.Active {
			active++
		}
	}
	o.metrics.ActivePairs.Set(float64(active))
}

func (o *Orchestrator) notify(ctx context.Context, msg string) {
	if err := o.notifier.Notify(ctx, msg); err != nil {
		o.log.Warn("notify failed", zap.Error(err))
	}
}
