package venue

import (
	"strings"
	"testing"

	"dn-funding-bot/internal/exchange"
)

func TestParseActionResponseFilled(t *testing.T) {
	resp := map[string]any{
		"status": "ok",
		"response": map[string]any{
			"type": "order",
			"data": map[string]any{
				"statuses": []any{
					map[string]any{
						"filled": map[string]any{
							"totalSz": "0.5",
							"avgPx":   "30125.0",
							"oid":     float64(77738308),
						},
					},
				},
			},
		},
	}
	result, err := parseActionResponse(resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Filled() {
		t.Fatalf("expected filled status, got %s", result.Status)
	}
	if result.FillSize != 0.5 || result.FillPrice != 30125.0 {
		t.Fatalf("unexpected fill %v @ %v", result.FillSize, result.FillPrice)
	}
	if result.OrderID != 77738308 {
		t.Fatalf("unexpected oid %d", result.OrderID)
	}
}

func TestParseActionResponseResting(t *testing.T) {
	resp := map[string]any{
		"status": "ok",
		"response": map[string]any{
			"data": map[string]any{
				"statuses": []any{
					map[string]any{"resting": map[string]any{"oid": float64(42)}},
				},
			},
		},
	}
	result, err := parseActionResponse(resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != exchange.StatusResting {
		t.Fatalf("expected resting, got %s", result.Status)
	}
	if result.OrderID != 42 {
		t.Fatalf("unexpected oid %d", result.OrderID)
	}
}

func TestParseActionResponseOrderError(t *testing.T) {
	resp := map[string]any{
		"status": "ok",
		"response": map[string]any{
			"data": map[string]any{
				"statuses": []any{
					map[string]any{"error": "Insufficient margin to place order."},
				},
			},
		},
	}
	result, err := parseActionResponse(resp)
	if err == nil {
		t.Fatalf("expected error")
	}
	if result.Status != exchange.StatusRejected {
		t.Fatalf("expected rejected, got %s", result.Status)
	}
	if !strings.Contains(err.Error(), "Insufficient margin") {
		t.Fatalf("expected venue message in error, got %v", err)
	}
}

func TestParseActionResponseTopLevelError(t *testing.T) {
	resp := map[string]any{
		"status":   "err",
		"response": "User or API Wallet does not exist.",
	}
	if _, err := parseActionResponse(resp); err == nil {
		t.Fatalf("expected error for non-ok status")
	}
}

func TestParseActionResponseNoData(t *testing.T) {
	resp := map[string]any{
		"status":   "ok",
		"response": map[string]any{"type": "default"},
	}
	result, err := parseActionResponse(resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Filled() {
		t.Fatalf("expected success result for data-less response")
	}
}
