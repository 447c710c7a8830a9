package venue

import (
	"errors"
	"fmt"

	"dn-funding-bot/internal/exchange"
)

// parseActionResponse checks the top-level status of an exchange action
// response and extracts the first order status.
func parseActionResponse(resp map[string]any) (exchange.OrderResult, error) {
	status := stringFromAny(resp["status"])
	if status != "ok" {
		if msg := stringFromAny(resp["response"]); msg != "" {
			return exchange.OrderResult{}, fmt.Errorf("exchange rejected action: %s", msg)
		}
		return exchange.OrderResult{}, fmt.Errorf("exchange rejected action: status %q", status)
	}
	response, ok := toMap(resp["response"])
	if !ok {
		return exchange.OrderResult{}, errors.New("malformed exchange response")
	}
	data, ok := toMap(response["data"])
	if !ok {
		// Some actions (updateLeverage) carry no data payload.
		return exchange.OrderResult{Status: exchange.StatusFilled}, nil
	}
	statuses, ok := toSlice(data["statuses"])
	if !ok || len(statuses) == 0 {
		return exchange.OrderResult{Status: exchange.StatusFilled}, nil
	}
	return parseOrderStatus(statuses[0])
}

func parseOrderStatus(raw any) (exchange.OrderResult, error) {
	if s := stringFromAny(raw); s != "" {
		// Bare string statuses like "success" or "waitingForFill".
		return exchange.OrderResult{Status: exchange.StatusResting}, nil
	}
	entry, ok := toMap(raw)
	if !ok {
		return exchange.OrderResult{}, errors.New("malformed order status")
	}
	if filled, ok := toMap(entry["filled"]); ok {
		return exchange.OrderResult{
			Status:    exchange.StatusFilled,
			OrderID:   int64(floatFromMap(filled, "oid")),
			FillPrice: floatFromMap(filled, "avgPx"),
			FillSize:  floatFromMap(filled, "totalSz"),
		}, nil
	}
	if resting, ok := toMap(entry["resting"]); ok {
		return exchange.OrderResult{
			Status:  exchange.StatusResting,
			OrderID: int64(floatFromMap(resting, "oid")),
		}, nil
	}
	if msg := stringFromAny(entry["error"]); msg != "" {
		return exchange.OrderResult{Status: exchange.StatusRejected}, fmt.Errorf("order rejected: %s", msg)
	}
	return exchange.OrderResult{}, errors.New("unrecognized order status")
}
