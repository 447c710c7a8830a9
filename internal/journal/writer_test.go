package journal

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"dn-funding-bot/internal/config"
)

func TestNewDisabledReturnsNil(t *testing.T) {
	w, err := New(config.JournalConfig{Enabled: false}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w != nil {
		t.Fatalf("expected nil writer when disabled")
	}
}

func TestNewRequiresDSN(t *testing.T) {
	if _, err := New(config.JournalConfig{Enabled: true}, zap.NewNop()); err == nil {
		t.Fatalf("expected error for missing dsn")
	}
}

func TestNilWriterIsSafe(t *testing.T) {
	var w *Writer
	w.Start(context.Background())
	w.EnqueueTrade(TradeRow{Pair: "BTC"})
	w.EnqueueFunding(FundingRow{Pair: "BTC"})
	if err := w.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	w := &Writer{
		log:      zap.NewNop(),
		trades:   make(chan TradeRow, 1),
		fundings: make(chan FundingRow, 1),
	}
	now := time.Now()
	w.EnqueueTrade(TradeRow{Time: now, Pair: "BTC"})
	w.EnqueueTrade(TradeRow{Time: now, Pair: "ETH"})
	if got := w.dropped.Load(); got != 1 {
		t.Fatalf("expected 1 dropped row, got %d", got)
	}
	w.EnqueueFunding(FundingRow{Time: now, Pair: "BTC"})
	w.EnqueueFunding(FundingRow{Time: now, Pair: "ETH"})
	if got := w.dropped.Load(); got != 2 {
		t.Fatalf("expected 2 dropped rows, got %d", got)
	}
	select {
	case row := <-w.trades:
		if row.Pair != "BTC" {
			t.Fatalf("expected first row to survive, got %s", row.Pair)
		}
	default:
		t.Fatalf("expected a queued trade row")
	}
}
