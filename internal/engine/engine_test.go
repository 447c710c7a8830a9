package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"dn-funding-bot/internal/exchange"
	"dn-funding-bot/internal/position"
)

type placedOrder struct {
	pair       string
	market     string
	side       exchange.Side
	size       float64
	reduceOnly bool
}

type fakeExchange struct {
	mu      sync.Mutex
	mark    float64
	perpErr error
	spotErr error
	orders  []placedOrder
}

func (f *fakeExchange) FundingRate(context.Context, string) (float64, error) { return 0, nil }

func (f *fakeExchange) MarkPrice(context.Context, string) (float64, error) { return f.mark, nil }

func (f *fakeExchange) AccountState(context.Context) (exchange.Account, error) {
	return exchange.Account{}, nil
}

func (f *fakeExchange) PerpPositions(context.Context) ([]exchange.PerpPosition, error) {
	return nil, nil
}

func (f *fakeExchange) SpotBalance(context.Context, string) (float64, error) { return 0, nil }

func (f *fakeExchange) UpdateLeverage(context.Context, string, int) error { return nil }

func (f *fakeExchange) PlacePerpOrder(_ context.Context, pair string, side exchange.Side, size float64, reduceOnly bool) (exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.perpErr != nil {
		return exchange.OrderResult{}, f.perpErr
	}
	f.orders = append(f.orders, placedOrder{pair, "perp", side, size, reduceOnly})
	return exchange.OrderResult{Status: exchange.StatusFilled, OrderID: int64(len(f.orders)), FillPrice: f.mark, FillSize: size}, nil
}

func (f *fakeExchange) PlaceSpotOrder(_ context.Context, pair string, side exchange.Side, size float64) (exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spotErr != nil {
		return exchange.OrderResult{}, f.spotErr
	}
	f.orders = append(f.orders, placedOrder{pair, "spot", side, size, false})
	return exchange.OrderResult{Status: exchange.StatusFilled, OrderID: int64(len(f.orders)), FillPrice: f.mark, FillSize: size}, nil
}

func (f *fakeExchange) ordersFor(market string) []placedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []placedOrder
	for _, o := range f.orders {
		if o.market == market {
			out = append(out, o)
		}
	}
	return out
}

func testEngine(f *fakeExchange) (*Engine, *position.Manager) {
	positions := position.NewManager()
	cfg := Config{
		TakerFeePct:          0.0006,
		SlippagePct:          0.001,
		MinOrderSizeUSD:      10,
		FundingIntervalHours: 1,
	}
	return New(cfg, f, positions, nil, nil, nil), positions
}

func TestNetAnnualYield(t *testing.T) {
	e, _ := testEngine(&fakeExchange{mark: 100})
	got := e.NetAnnualYield(0.0008)
	want := 0.0008*8760 - (0.0006+0.001)*2
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if !e.IsProfitableEntry(0.0008) {
		t.Fatalf("0.0008 per hour should be profitable")
	}
	if e.IsProfitableEntry(1e-8) {
		t.Fatalf("1e-8 per hour should not cover costs")
	}
}

func TestOpenPositionSplitsCapital(t *testing.T) {
	f := &fakeExchange{mark: 100}
	e, positions := testEngine(f)

	res, err := e.OpenPosition(context.Background(), "BTC", 0.0008, 10000)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if res.Qty != 50 {
		t.Fatalf("expected qty 50, got %v", res.Qty)
	}
	if res.Unhedged {
		t.Fatalf("expected hedged open")
	}

	perps := f.ordersFor("perp")
	spots := f.ordersFor("spot")
	if len(perps) != 1 || len(spots) != 1 {
		t.Fatalf("expected one order per leg, got %d perp %d spot", len(perps), len(spots))
	}
	if perps[0].side != exchange.Sell {
		t.Fatalf("positive funding should short the perp, got %s", perps[0].side)
	}
	if spots[0].side != exchange.Buy {
		t.Fatalf("positive funding should buy spot, got %s", spots[0].side)
	}

	st, _ := positions.Snapshot("BTC")
	if !st.Active {
		t.Fatalf("expected active position")
	}
	if st.Perp.Size != -50 || st.Spot.Size != 50 {
		t.Fatalf("expected perp -50 spot +50, got %v %v", st.Perp.Size, st.Spot.Size)
	}
	if d := st.NetDelta(); d != 0 {
		t.Fatalf("expected zero delta, got %v", d)
	}
	wantFees := 2 * 50 * 100 * 0.0006
	if math.Abs(res.FeesUSD-wantFees) > 1e-9 {
		t.Fatalf("expected fees %v, got %v", wantFees, res.FeesUSD)
	}
}

func TestOpenPositionNegativeFundingInvertsLegs(t *testing.T) {
	f := &fakeExchange{mark: 100}
	e, positions := testEngine(f)
	if _, err := e.OpenPosition(context.Background(), "ETH", -0.0008, 10000); err != nil {
		t.Fatalf("open: %v", err)
	}
	st, _ := positions.Snapshot("ETH")
	if st.Perp.Size != 50 || st.Spot.Size != -50 {
		t.Fatalf("expected perp +50 spot -50, got %v %v", st.Perp.Size, st.Spot.Size)
	}
}

func TestOpenPositionRejectsUnprofitable(t *testing.T) {
	e, _ := testEngine(&fakeExchange{mark: 100})
	_, err := e.OpenPosition(context.Background(), "BTC", 1e-8, 10000)
	if !errors.Is(err, ErrNotProfitable) {
		t.Fatalf("expected ErrNotProfitable, got %v", err)
	}
}

func TestOpenPositionRejectsTinyOrders(t *testing.T) {
	e, _ := testEngine(&fakeExchange{mark: 100})
	_, err := e.OpenPosition(context.Background(), "BTC", 0.0008, 15)
	if !errors.Is(err, ErrOrderTooSmall) {
		t.Fatalf("expected ErrOrderTooSmall, got %v", err)
	}
}

func TestOpenPositionRejectsActivePair(t *testing.T) {
	e, _ := testEngine(&fakeExchange{mark: 100})
	if _, err := e.OpenPosition(context.Background(), "BTC", 0.0008, 10000); err != nil {
		t.Fatalf("first open: %v", err)
	}
	_, err := e.OpenPosition(context.Background(), "BTC", 0.0008, 10000)
	if !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
}

func TestOpenPositionPerpFailureAborts(t *testing.T) {
	f := &fakeExchange{mark: 100, perpErr: errors.New("venue down")}
	e, positions := testEngine(f)
	if _, err := e.OpenPosition(context.Background(), "BTC", 0.0008, 10000); err == nil {
		t.Fatalf("expected error when perp leg fails")
	}
	if st, _ := positions.Snapshot("BTC"); st.Active {
		t.Fatalf("no position should exist after aborted entry")
	}
}

func TestOpenPositionSpotFailureGoesUnhedged(t *testing.T) {
	f := &fakeExchange{mark: 100, spotErr: errors.New("spot halted")}
	e, positions := testEngine(f)
	res, err := e.OpenPosition(context.Background(), "BTC", 0.0008, 10000)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !res.Unhedged {
		t.Fatalf("expected unhedged result")
	}
	st, _ := positions.Snapshot("BTC")
	if !st.Active {
		t.Fatalf("perp leg should stay open")
	}
	if st.Perp.Size != -50 || st.Spot.Size != 0 {
		t.Fatalf("expected perp -50 spot 0, got %v %v", st.Perp.Size, st.Spot.Size)
	}
}

func TestClosePositionFlattensBothLegs(t *testing.T) {
	f := &fakeExchange{mark: 100}
	e, positions := testEngine(f)
	if _, err := e.OpenPosition(context.Background(), "BTC", 0.0008, 10000); err != nil {
		t.Fatalf("open: %v", err)
	}
	f.mu.Lock()
	f.orders = nil
	f.mu.Unlock()

	res, err := e.ClosePosition(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if res.ReconcileRequired {
		t.Fatalf("clean close should not need reconcile")
	}
	perps := f.ordersFor("perp")
	spots := f.ordersFor("spot")
	if len(perps) != 1 || len(spots) != 1 {
		t.Fatalf("expected one closing order per leg")
	}
	if !perps[0].reduceOnly {
		t.Fatalf("closing perp order must be reduce-only")
	}
	if perps[0].side != exchange.Buy || spots[0].side != exchange.Sell {
		t.Fatalf("closing a short-perp hedge should buy perp and sell spot")
	}
	st, _ := positions.Snapshot("BTC")
	if st.Active || st.Perp.Size != 0 || st.Spot.Size != 0 {
		t.Fatalf("expected flat inactive pair, got %+v", st)
	}
}

func TestCloseUnhedgedPositionFlattensPerpLeg(t *testing.T) {
	f := &fakeExchange{mark: 100, spotErr: errors.New("spot halted")}
	e, positions := testEngine(f)
	if _, err := e.OpenPosition(context.Background(), "BTC", 0.0008, 10000); err != nil {
		t.Fatalf("open: %v", err)
	}
	f.mu.Lock()
	f.orders = nil
	f.mu.Unlock()

	res, err := e.ClosePosition(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if res.ReconcileRequired {
		t.Fatalf("perp-only close should not need reconcile")
	}
	// The spot market is still failing; a zero-size leg must never touch it.
	if spots := f.ordersFor("spot"); len(spots) != 0 {
		t.Fatalf("expected no spot orders, got %v", spots)
	}
	perps := f.ordersFor("perp")
	if len(perps) != 1 || !perps[0].reduceOnly {
		t.Fatalf("expected one reduce-only closing perp order, got %v", perps)
	}
	st, _ := positions.Snapshot("BTC")
	if st.Active || st.Perp.Size != 0 {
		t.Fatalf("expected flat inactive pair, got %+v", st)
	}
}

func TestClosePositionLegFailureFlagsReconcile(t *testing.T) {
	f := &fakeExchange{mark: 100}
	e, positions := testEngine(f)
	if _, err := e.OpenPosition(context.Background(), "BTC", 0.0008, 10000); err != nil {
		t.Fatalf("open: %v", err)
	}
	f.mu.Lock()
	f.spotErr = errors.New("spot halted")
	f.mu.Unlock()

	res, err := e.ClosePosition(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !res.ReconcileRequired {
		t.Fatalf("expected reconcile flag after leg failure")
	}
	st, _ := positions.Snapshot("BTC")
	if st.Active {
		t.Fatalf("pair should be marked closed locally")
	}
	if !st.ReconcileRequired {
		t.Fatalf("pair state should carry reconcile flag")
	}
}

func TestCloseInactivePair(t *testing.T) {
	e, _ := testEngine(&fakeExchange{mark: 100})
	if _, err := e.ClosePosition(context.Background(), "BTC"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

func TestRebalanceNoopWithinEpsilon(t *testing.T) {
	f := &fakeExchange{mark: 100}
	e, _ := testEngine(f)
	if _, err := e.OpenPosition(context.Background(), "BTC", 0.0008, 10000); err != nil {
		t.Fatalf("open: %v", err)
	}
	f.mu.Lock()
	f.orders = nil
	f.mu.Unlock()
	if err := e.Rebalance(context.Background(), "BTC"); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if got := len(f.ordersFor("perp")); got != 0 {
		t.Fatalf("zero delta must place no orders, got %d", got)
	}
}

func TestRebalanceCorrectsDrift(t *testing.T) {
	f := &fakeExchange{mark: 100}
	e, positions := testEngine(f)
	if _, err := e.OpenPosition(context.Background(), "BTC", 0.0008, 10000); err != nil {
		t.Fatalf("open: %v", err)
	}
	// Perp short shrank on the venue: spot +50, perp -49.5, delta +0.5.
	positions.AdjustPerpSize("BTC", 0.5)
	f.mu.Lock()
	f.orders = nil
	f.mu.Unlock()

	if err := e.Rebalance(context.Background(), "BTC"); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	perps := f.ordersFor("perp")
	if len(perps) != 1 {
		t.Fatalf("expected one corrective order, got %d", len(perps))
	}
	if perps[0].side != exchange.Sell || math.Abs(perps[0].size-0.5) > 1e-9 {
		t.Fatalf("expected sell 0.5, got %s %v", perps[0].side, perps[0].size)
	}
	if perps[0].reduceOnly {
		t.Fatalf("growing the short must not be reduce-only")
	}
	st, _ := positions.Snapshot("BTC")
	if math.Abs(st.NetDelta()) > 1e-9 {
		t.Fatalf("expected restored neutrality, got delta %v", st.NetDelta())
	}
}

func TestRebalanceShrinkingShortIsReduceOnly(t *testing.T) {
	f := &fakeExchange{mark: 100}
	e, positions := testEngine(f)
	if _, err := e.OpenPosition(context.Background(), "BTC", 0.0008, 10000); err != nil {
		t.Fatalf("open: %v", err)
	}
	// Perp short grew: spot +50, perp -50.5, delta -0.5.
	positions.AdjustPerpSize("BTC", -0.5)
	f.mu.Lock()
	f.orders = nil
	f.mu.Unlock()

	if err := e.Rebalance(context.Background(), "BTC"); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	perps := f.ordersFor("perp")
	if len(perps) != 1 || perps[0].side != exchange.Buy {
		t.Fatalf("expected one buy order, got %+v", perps)
	}
	if !perps[0].reduceOnly {
		t.Fatalf("shrinking the short must be reduce-only")
	}
}
