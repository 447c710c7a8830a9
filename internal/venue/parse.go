package venue

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// PerpContext is the per-asset slice of the metaAndAssetCtxs response.
type PerpContext struct {
	Index       int
	FundingRate float64
	OraclePrice float64
	MarkPrice   float64
}

// SpotContext maps a spot market symbol to its venue order-book index.
type SpotContext struct {
	Symbol string
	Base   string
	Quote  string
	Index  int
	MidKey string
}

func parsePerpContexts(payload any) (map[string]PerpContext, error) {
	universe, ctxs := extractUniverseAndCtxs(payload)
	if len(universe) == 0 || len(ctxs) == 0 {
		return nil, errors.New("metaAndAssetCtxs missing universe or asset contexts")
	}
	result := make(map[string]PerpContext)
	for i, entry := range universe {
		meta, ok := toMap(entry)
		if !ok {
			continue
		}
		name := stringFromMap(meta, "name", "coin", "symbol")
		if name == "" {
			continue
		}
		ctx, ok := indexedMap(ctxs, i)
		if !ok {
			continue
		}
		result[name] = PerpContext{
			Index:       intFromAny(meta["index"], i),
			FundingRate: floatFromMap(ctx, "funding", "fundingRate"),
			OraclePrice: floatFromMap(ctx, "oraclePx", "oraclePrice"),
			MarkPrice:   floatFromMap(ctx, "markPx", "markPrice"),
		}
	}
	if len(result) == 0 {
		return nil, errors.New("no perp contexts parsed")
	}
	return result, nil
}

func parseSpotContexts(payload any) (map[string]SpotContext, error) {
	universe, tokens := extractSpotUniverseAndTokens(payload)
	if len(universe) == 0 {
		return nil, errors.New("spot meta missing universe")
	}
	tokenNames := tokenNamesByIndex(tokens)
	result := make(map[string]SpotContext)
	for i, entry := range universe {
		meta, ok := toMap(entry)
		if !ok {
			continue
		}
		rawName := stringFromMap(meta, "name", "symbol", "coin")
		base, quote := baseQuoteFromTokens(meta, tokenNames)
		name := spotSymbol(meta, base, quote)
		if name == "" {
			continue
		}
		midKey := rawName
		if midKey == "" {
			midKey = name
		}
		ctx := SpotContext{
			Symbol: name,
			Base:   base,
			Quote:  quote,
			Index:  intFromAny(meta["index"], i),
			MidKey: midKey,
		}
		result[name] = ctx
		if rawName != "" && rawName != name {
			result[rawName] = ctx
		}
		if ctx.Base != "" {
			if _, exists := result[ctx.Base]; !exists {
				result[ctx.Base] = ctx
			}
		}
	}
	if len(result) == 0 {
		return nil, errors.New("no spot contexts parsed")
	}
	return result, nil
}

// accountState is decoded from clearinghouseState.
type accountState struct {
	Equity          float64
	MarginUsed      float64
	WithdrawableUSD float64
}

func parseAccountState(payload map[string]any) accountState {
	var out accountState
	if payload == nil {
		return out
	}
	if summary, ok := toMap(payload["marginSummary"]); ok {
		out.Equity = floatFromMap(summary, "accountValue")
		out.MarginUsed = floatFromMap(summary, "totalMarginUsed")
	}
	if v, ok := floatFromAny(payload["withdrawable"]); ok {
		out.WithdrawableUSD = v
	}
	return out
}

// perpPosition is one entry of clearinghouseState assetPositions.
type perpPosition struct {
	Coin             string
	Size             float64
	EntryPrice       float64
	LiquidationPrice float64
	MarginUsed       float64
	Leverage         float64
	CumFunding       float64
	UnrealizedPnl    float64
}

func parsePerpPositions(payload map[string]any) []perpPosition {
	if payload == nil {
		return nil
	}
	raw, ok := payload["assetPositions"].([]any)
	if !ok {
		return nil
	}
	var out []perpPosition
	for _, item := range raw {
		entry, ok := toMap(item)
		if !ok {
			continue
		}
		pos := entry
		if nested, ok := toMap(entry["position"]); ok {
			pos = nested
		}
		coin := stringFromMap(pos, "coin", "symbol", "asset")
		if coin == "" {
			continue
		}
		p := perpPosition{
			Coin:             coin,
			Size:             floatFromMap(pos, "szi", "size"),
			EntryPrice:       floatFromMap(pos, "entryPx", "entryPrice"),
			LiquidationPrice: floatFromMap(pos, "liquidationPx", "liquidationPrice"),
			MarginUsed:       floatFromMap(pos, "marginUsed"),
			UnrealizedPnl:    floatFromMap(pos, "unrealizedPnl"),
		}
		if lev, ok := toMap(pos["leverage"]); ok {
			p.Leverage = floatFromMap(lev, "value")
		}
		if cf, ok := toMap(pos["cumFunding"]); ok {
			// allTime is what the venue owes/owed this position; sign
			// convention is payments made, so earnings are negative.
			p.CumFunding = -floatFromMap(cf, "sinceOpen", "allTime")
		}
		out = append(out, p)
	}
	return out
}

func parseSpotBalances(payload map[string]any) map[string]float64 {
	balances := make(map[string]float64)
	if payload == nil {
		return balances
	}
	raw, ok := payload["balances"].([]any)
	if !ok {
		return balances
	}
	for _, item := range raw {
		entry, ok := toMap(item)
		if !ok {
			continue
		}
		asset := stringFromMap(entry, "coin", "token", "symbol")
		if asset == "" {
			continue
		}
		if val, ok := floatFromAny(entry["total"]); ok {
			balances[asset] = val
			continue
		}
		if val, ok := floatFromAny(entry["balance"]); ok {
			balances[asset] = val
		}
	}
	return balances
}

func extractUniverseAndCtxs(payload any) ([]any, []any) {
	if arr, ok := toSlice(payload); ok && len(arr) >= 2 {
		metaMap, _ := toMap(arr[0])
		if metaMap != nil {
			if universe, ok := toSlice(metaMap["universe"]); ok {
				ctxs, _ := toSlice(arr[1])
				return universe, ctxs
			}
		}
		if universe, ok := toSlice(arr[0]); ok {
			ctxs, _ := toSlice(arr[1])
			return universe, ctxs
		}
	}
	if metaMap, ok := toMap(payload); ok {
		universe, _ := toSlice(metaMap["universe"])
		ctxs, _ := toSlice(metaMap["assetCtxs"])
		return universe, ctxs
	}
	return nil, nil
}

func extractSpotUniverseAndTokens(payload any) ([]any, []any) {
	if arr, ok := toSlice(payload); ok && len(arr) >= 1 {
		metaMap, _ := toMap(arr[0])
		if metaMap != nil {
			universe, _ := toSlice(metaMap["universe"])
			tokens, _ := toSlice(metaMap["tokens"])
			return universe, tokens
		}
		if universe, ok := toSlice(arr[0]); ok {
			return universe, nil
		}
	}
	if metaMap, ok := toMap(payload); ok {
		universe, _ := toSlice(metaMap["universe"])
		tokens, _ := toSlice(metaMap["tokens"])
		return universe, tokens
	}
	return nil, nil
}

func tokenNamesByIndex(tokens []any) map[int]string {
	if len(tokens) == 0 {
		return nil
	}
	names := make(map[int]string, len(tokens))
	for i, item := range tokens {
		meta, ok := toMap(item)
		if !ok {
			continue
		}
		name := stringFromMap(meta, "name")
		if name == "" {
			continue
		}
		names[intFromAny(meta["index"], i)] = name
	}
	return names
}

func baseQuoteFromTokens(meta map[string]any, tokenNames map[int]string) (string, string) {
	tokens, ok := toSlice(meta["tokens"])
	if !ok || len(tokens) < 2 || tokenNames == nil {
		return stringFromMap(meta, "base", "baseCoin"), stringFromMap(meta, "quote", "quoteCoin")
	}
	return tokenNames[intFromAny(tokens[0], -1)], tokenNames[intFromAny(tokens[1], -1)]
}

func spotSymbol(meta map[string]any, base, quote string) string {
	name := stringFromMap(meta, "name", "symbol", "coin")
	if name != "" && !strings.HasPrefix(name, "@") {
		return name
	}
	if base != "" && quote != "" {
		return base + "/" + quote
	}
	return strings.TrimSpace(name)
}

func indexedMap(items []any, idx int) (map[string]any, bool) {
	if idx < 0 || idx >= len(items) {
		return nil, false
	}
	return toMap(items[idx])
}

func toMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func toSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

func stringFromMap(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s := stringFromAny(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func stringFromAny(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func floatFromMap(m map[string]any, keys ...string) float64 {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if f, ok := floatFromAny(v); ok {
				return f
			}
		}
	}
	return 0
}

func floatFromAny(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func intFromAny(v any, fallback int) int {
	if f, ok := floatFromAny(v); ok {
		return int(f)
	}
	return fallback
}
