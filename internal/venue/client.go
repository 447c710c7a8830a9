package venue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"dn-funding-bot/internal/exchange"
	"dn-funding-bot/internal/state"
)

const (
	// spotAssetOffset converts a spot universe index into the asset id
	// used on order wires.
	spotAssetOffset = 10000

	contextTTL    = 10 * time.Second
	nonceStoreKey = "venue:last_nonce"
)

// Client implements exchange.Client against the venue's REST API.
// Market data comes from cached asset contexts refreshed on a short
// TTL, with the websocket mids feed preferred for prices when
// available.
type Client struct {
	rest        *RestClient
	signer      *Signer
	store       state.Store
	mids        *MidsCache
	log         *zap.Logger
	slippagePct float64

	nonceMu   sync.Mutex
	lastNonce uint64

	ctxMu       sync.Mutex
	perpCtxs    map[string]PerpContext
	spotCtxs    map[string]SpotContext
	spotPrices  map[string]float64
	ctxsFetched time.Time

	now func() time.Time
}

type ClientOpts struct {
	BaseURL     string
	Timeout     time.Duration
	Signer      *Signer
	Store       state.Store
	Mids        *MidsCache
	SlippagePct float64
	Log         *zap.Logger
}

func NewClient(opts ClientOpts) *Client {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Client{
		rest:        NewRestClient(opts.BaseURL, opts.Timeout, opts.Log),
		signer:      opts.Signer,
		store:       opts.Store,
		mids:        opts.Mids,
		log:         opts.Log,
		slippagePct: opts.SlippagePct,
		now:         time.Now,
	}
}

func (c *Client) FundingRate(ctx context.Context, pair string) (float64, error) {
	pc, err := c.perpContext(ctx, pair)
	if err != nil {
		return 0, err
	}
	return pc.FundingRate, nil
}

func (c *Client) MarkPrice(ctx context.Context, pair string) (float64, error) {
	if c.mids != nil {
		if px, ok := c.mids.Get(pair); ok {
			return px, nil
		}
	}
	pc, err := c.perpContext(ctx, pair)
	if err != nil {
		return 0, err
	}
	if pc.MarkPrice <= 0 {
		return 0, fmt.Errorf("no mark price for %s", pair)
	}
	return pc.MarkPrice, nil
}

func (c *Client) AccountState(ctx context.Context) (exchange.Account, error) {
	payload, err := c.rest.Info(ctx, InfoRequest{Type: "clearinghouseState", User: c.signer.Address().Hex()})
	if err != nil {
		return exchange.Account{}, fmt.Errorf("fetch clearinghouse state: %w", err)
	}
	st := parseAccountState(payload)
	return exchange.Account{
		Equity:          st.Equity,
		MarginUsed:      st.MarginUsed,
		WithdrawableUSD: st.WithdrawableUSD,
	}, nil
}

func (c *Client) PerpPositions(ctx context.Context) ([]exchange.PerpPosition, error) {
	payload, err := c.rest.Info(ctx, InfoRequest{Type: "clearinghouseState", User: c.signer.Address().Hex()})
	if err != nil {
		return nil, fmt.Errorf("fetch clearinghouse state: %w", err)
	}
	var out []exchange.PerpPosition
	for _, p := range parsePerpPositions(payload) {
		out = append(out, exchange.PerpPosition{
			Pair:             p.Coin,
			Size:             p.Size,
			EntryPrice:       p.EntryPrice,
			LiquidationPrice: p.LiquidationPrice,
			MarginUsed:       p.MarginUsed,
			Leverage:         p.Leverage,
			FundingAccrued:   p.CumFunding,
			UnrealizedPnl:    p.UnrealizedPnl,
		})
	}
	return out, nil
}

func (c *Client) SpotBalance(ctx context.Context, pair string) (float64, error) {
	asset := pair
	if sc, err := c.spotContext(ctx, pair); err == nil && sc.Base != "" {
		asset = sc.Base
	}
	payload, err := c.rest.Info(ctx, InfoRequest{Type: "spotClearinghouseState", User: c.signer.Address().Hex()})
	if err != nil {
		return 0, fmt.Errorf("fetch spot balances: %w", err)
	}
	return parseSpotBalances(payload)[asset], nil
}

func (c *Client) UpdateLeverage(ctx context.Context, pair string, leverage int) error {
	pc, err := c.perpContext(ctx, pair)
	if err != nil {
		return err
	}
	action := UpdateLeverageAction{
		Type:     "updateLeverage",
		Asset:    pc.Index,
		IsCross:  true,
		Leverage: leverage,
	}
	encoded, err := EncodeUpdateLeverageAction(action)
	if err != nil {
		return fmt.Errorf("encode leverage action: %w", err)
	}
	if _, err := c.postAction(ctx, action, encoded); err != nil {
		return fmt.Errorf("update leverage %s: %w", pair, err)
	}
	return nil
}

func (c *Client) PlacePerpOrder(ctx context.Context, pair string, side exchange.Side, size float64, reduceOnly bool) (exchange.OrderResult, error) {
	pc, err := c.perpContext(ctx, pair)
	if err != nil {
		return exchange.OrderResult{}, err
	}
	mark, err := c.MarkPrice(ctx, pair)
	if err != nil {
		return exchange.OrderResult{}, err
	}
	wire, err := MarketOrderWire(pc.Index, side == exchange.Buy, size, mark, c.slippagePct, reduceOnly)
	if err != nil {
		return exchange.OrderResult{}, fmt.Errorf("build perp order %s: %w", pair, err)
	}
	return c.submitOrder(ctx, pair, wire)
}

func (c *Client) PlaceSpotOrder(ctx context.Context, pair string, side exchange.Side, size float64) (exchange.OrderResult, error) {
	sc, err := c.spotContext(ctx, pair)
	if err != nil {
		return exchange.OrderResult{}, err
	}
	px, err := c.spotPrice(ctx, sc)
	if err != nil {
		return exchange.OrderResult{}, err
	}
	wire, err := MarketOrderWire(spotAssetOffset+sc.Index, side == exchange.Buy, size, px, c.slippagePct, false)
	if err != nil {
		return exchange.OrderResult{}, fmt.Errorf("build spot order %s: %w", pair, err)
	}
	return c.submitOrder(ctx, pair, wire)
}

func (c *Client) submitOrder(ctx context.Context, pair string, wire OrderWire) (exchange.OrderResult, error) {
	action := OrderAction{
		Type:     "order",
		Orders:   []OrderWire{wire},
		Grouping: "na",
	}
	encoded, err := EncodeOrderAction(action)
	if err != nil {
		return exchange.OrderResult{}, fmt.Errorf("encode order action: %w", err)
	}
	resp, err := c.postAction(ctx, action, encoded)
	if err != nil {
		return exchange.OrderResult{}, fmt.Errorf("submit order %s: %w", pair, err)
	}
	return parseActionResponse(resp)
}

// CancelOrder cancels a resting order by id.
func (c *Client) CancelOrder(ctx context.Context, pair string, orderID int64) error {
	pc, err := c.perpContext(ctx, pair)
	if err != nil {
		return err
	}
	action := CancelAction{
		Type:    "cancel",
		Cancels: []CancelWire{{Asset: pc.Index, OrderID: orderID}},
	}
	encoded, err := EncodeCancelAction(action)
	if err != nil {
		return fmt.Errorf("encode cancel action: %w", err)
	}
	resp, err := c.postAction(ctx, action, encoded)
	if err != nil {
		return fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	if _, err := parseActionResponse(resp); err != nil {
		return err
	}
	return nil
}

func (c *Client) postAction(ctx context.Context, action any, encoded []byte) (map[string]any, error) {
	nonce, err := c.nextNonce(ctx)
	if err != nil {
		return nil, err
	}
	sig, err := c.signer.SignAction(encoded, nonce, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("sign action: %w", err)
	}
	signed := SignedAction{
		Action:    action,
		Nonce:     nonce,
		Signature: sig,
	}
	var resp map[string]any
	if err := c.rest.post(ctx, "/exchange", signed, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// nextNonce issues a strictly increasing millisecond nonce and
// persists the high-water mark so restarts never reuse one.
func (c *Client) nextNonce(ctx context.Context) (uint64, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	if c.lastNonce == 0 && c.store != nil {
		if raw, ok, err := c.store.Get(ctx, nonceStoreKey); err != nil {
			return 0, fmt.Errorf("load nonce: %w", err)
		} else if ok {
			if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
				c.lastNonce = v
			}
		}
	}

	nonce := uint64(c.now().UnixMilli())
	if nonce <= c.lastNonce {
		nonce = c.lastNonce + 1
	}
	c.lastNonce = nonce
	if c.store != nil {
		if err := c.store.Set(ctx, nonceStoreKey, strconv.FormatUint(nonce, 10)); err != nil {
			return 0, fmt.Errorf("persist nonce: %w", err)
		}
	}
	return nonce, nil
}

func (c *Client) perpContext(ctx context.Context, pair string) (PerpContext, error) {
	if err := c.refreshContexts(ctx); err != nil {
		return PerpContext{}, err
	}
	c.ctxMu.Lock()
	defer c.ctxMu.Unlock()
	pc, ok := c.perpCtxs[pair]
	if !ok {
		return PerpContext{}, fmt.Errorf("unknown perp pair %q", pair)
	}
	return pc, nil
}

func (c *Client) spotContext(ctx context.Context, pair string) (SpotContext, error) {
	if err := c.refreshContexts(ctx); err != nil {
		return SpotContext{}, err
	}
	c.ctxMu.Lock()
	defer c.ctxMu.Unlock()
	sc, ok := c.spotCtxs[pair]
	if !ok {
		return SpotContext{}, fmt.Errorf("no spot market for %q", pair)
	}
	return sc, nil
}

func (c *Client) spotPrice(ctx context.Context, sc SpotContext) (float64, error) {
	if c.mids != nil {
		if px, ok := c.mids.Get(sc.MidKey); ok {
			return px, nil
		}
	}
	c.ctxMu.Lock()
	px := c.spotPrices[sc.Symbol]
	c.ctxMu.Unlock()
	if px <= 0 {
		return 0, fmt.Errorf("no spot price for %s", sc.Symbol)
	}
	return px, nil
}

func (c *Client) refreshContexts(ctx context.Context) error {
	c.ctxMu.Lock()
	fresh := c.perpCtxs != nil && c.now().Sub(c.ctxsFetched) < contextTTL
	c.ctxMu.Unlock()
	if fresh {
		return nil
	}

	perpRaw, err := c.rest.InfoAny(ctx, InfoRequest{Type: "metaAndAssetCtxs"})
	if err != nil {
		return fmt.Errorf("fetch perp contexts: %w", err)
	}
	perpCtxs, err := parsePerpContexts(perpRaw)
	if err != nil {
		return err
	}

	spotRaw, err := c.rest.InfoAny(ctx, InfoRequest{Type: "spotMetaAndAssetCtxs"})
	if err != nil {
		return fmt.Errorf("fetch spot contexts: %w", err)
	}
	spotCtxs, err := parseSpotContexts(spotRaw)
	if err != nil {
		return err
	}
	spotPrices := parseSpotPrices(spotRaw, spotCtxs)

	c.ctxMu.Lock()
	c.perpCtxs = perpCtxs
	c.spotCtxs = spotCtxs
	c.spotPrices = spotPrices
	c.ctxsFetched = c.now()
	c.ctxMu.Unlock()
	return nil
}

// parseSpotPrices aligns the ctxs half of spotMetaAndAssetCtxs with
// the universe order to pull per-market mark prices.
func parseSpotPrices(payload any, spotCtxs map[string]SpotContext) map[string]float64 {
	universe, ctxs := extractUniverseAndCtxs(payload)
	if len(universe) == 0 || len(ctxs) == 0 {
		return nil
	}
	byIndex := make(map[int]string, len(spotCtxs))
	for sym, sc := range spotCtxs {
		if sym == sc.Symbol {
			byIndex[sc.Index] = sym
		}
	}
	prices := make(map[string]float64)
	for i, entry := range universe {
		meta, ok := toMap(entry)
		if !ok {
			continue
		}
		idx := intFromAny(meta["index"], i)
		sym, ok := byIndex[idx]
		if !ok {
			continue
		}
		ctxEntry, ok := indexedMap(ctxs, i)
		if !ok {
			continue
		}
		if px := floatFromMap(ctxEntry, "markPx", "midPx"); px > 0 {
			prices[sym] = px
		}
	}
	return prices
}
