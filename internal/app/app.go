// Package app wires configuration, storage, the venue client, and the
// strategy loop into a runnable process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"dn-funding-bot/internal/alerts"
	"dn-funding-bot/internal/config"
	"dn-funding-bot/internal/engine"
	"dn-funding-bot/internal/funding"
	"dn-funding-bot/internal/journal"
	"dn-funding-bot/internal/metrics"
	"dn-funding-bot/internal/position"
	"dn-funding-bot/internal/risk"
	"dn-funding-bot/internal/state"
	"dn-funding-bot/internal/state/sqlite"
	"dn-funding-bot/internal/strategy"
	"dn-funding-bot/internal/venue"
	"dn-funding-bot/internal/wallet"
)

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     state.Store
	feed      *venue.Feed
	wallet    *wallet.Manager
	funding   *funding.Manager
	positions *position.Manager
	risk      *risk.Manager
	journal   *journal.Writer
	metrics   *metrics.Metrics
	prom      *metrics.Prometheus
	alerts    *alerts.Telegram
	orch      *strategy.Orchestrator

	opsMu          sync.Mutex
	operatorWarned bool
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	walletAddress := strings.TrimSpace(os.Getenv("HL_WALLET_ADDRESS"))
	if walletAddress == "" {
		return nil, errors.New("HL_WALLET_ADDRESS is required")
	}
	privateKey := strings.TrimSpace(os.Getenv("HL_PRIVATE_KEY"))
	if privateKey == "" {
		return nil, errors.New("HL_PRIVATE_KEY is required")
	}
	isMainnet := !strings.Contains(strings.ToLower(cfg.REST.BaseURL), "testnet")
	signer, err := venue.NewSigner(privateKey, isMainnet)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(walletAddress, signer.Address().Hex()) {
		return nil, fmt.Errorf("wallet address does not match private key: got %s expected %s", walletAddress, signer.Address().Hex())
	}

	mids := venue.NewMidsCache()
	feed := venue.NewFeed(cfg.WS.URL, cfg.WS.ReconnectDelay, mids, log)
	client := venue.NewClient(venue.ClientOpts{
		BaseURL:     cfg.REST.BaseURL,
		Timeout:     cfg.REST.Timeout,
		Signer:      signer,
		Store:       store,
		Mids:        mids,
		SlippagePct: cfg.Strategy.SlippagePct,
		Log:         log,
	})

	walletMgr, err := wallet.New(ctx, store, log, cfg.Wallet.InitialCapital)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load wallet ledger: %w", err)
	}
	fundingMgr := funding.NewManager(cfg.Strategy.MAPeriod, cfg.Strategy.FundingIntervalHours)
	positionMgr := position.NewManager()
	riskMgr := risk.New(cfg.Risk, log)

	jw, err := journal.New(cfg.Journal, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open trade journal: %w", err)
	}

	var m *metrics.Metrics
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	} else {
		m = metrics.NewNoop()
	}

	tg := alerts.NewTelegram(cfg.Telegram, log)

	eng := engine.New(engine.Config{
		TakerFeePct:          cfg.Strategy.TakerFeePct,
		SlippagePct:          cfg.Strategy.SlippagePct,
		MinOrderSizeUSD:      cfg.Strategy.MinOrderSizeUSD,
		FundingIntervalHours: cfg.Strategy.FundingIntervalHours,
	}, client, positionMgr, jw, m, log)

	orch := strategy.New(cfg.Strategy, cfg.Wallet, cfg.Risk, strategy.Deps{
		Exchange:  client,
		Engine:    eng,
		Funding:   fundingMgr,
		Positions: positionMgr,
		Wallet:    walletMgr,
		Risk:      riskMgr,
		Journal:   jw,
		Metrics:   m,
		Notifier:  tg,
		Log:       log,
	})

	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		feed:      feed,
		wallet:    walletMgr,
		funding:   fundingMgr,
		positions: positionMgr,
		risk:      riskMgr,
		journal:   jw,
		metrics:   m,
		prom:      prom,
		alerts:    tg,
		orch:      orch,
	}, nil
}

// Run blocks until ctx is canceled, then shuts the journal and state
// store down cleanly.
func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()

	a.journal.Start(ctx)
	defer func() {
		if err := a.journal.Close(); err != nil {
			a.log.Warn("journal close failed", zap.Error(err))
		}
	}()

	if a.prom != nil {
		a.serveMetrics(ctx)
	}

	go func() {
		if err := a.feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("price feed stopped", zap.Error(err))
		}
	}()

	a.startOperator(ctx)

	snap := a.wallet.Snapshot()
	a.log.Info("starting strategy loop",
		zap.Strings("pairs", a.cfg.Strategy.EnabledPairs),
		zap.Float64("total_capital", snap.TotalCapital),
		zap.Float64("available_capital", snap.AvailableCapital))

	err := a.orch.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) serveMetrics(ctx context.Context) {
	server := &http.Server{
		Addr:    a.cfg.Metrics.Listen,
		Handler: a.metricsMux(),
	}
	go func() {
		a.log.Info("metrics server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}

func (a *App) metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	return mux
}
