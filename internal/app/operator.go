package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"dn-funding-bot/internal/alerts"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID int64     `json:"update_id"`
	Time     time.Time `json:"time"`
	Action   string    `json:"action"`
	Command  string    `json:"command"`
	UserID   int64     `json:"user_id"`
	Username string    `json:"username,omitempty"`
	ChatID   int64     `json:"chat_id"`
	Detail   string    `json:"detail,omitempty"`
}

func (a *App) startOperator(ctx context.Context) {
	if !a.cfg.Telegram.OperatorEnabled || !a.alerts.Enabled() {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorUserIDs))
	for _, id := range a.cfg.Telegram.OperatorUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	timeout := int(pollInterval / time.Second)
	if timeout < 1 {
		timeout = 1
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, timeout)
		if err != nil {
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		a.clearOperatorWarning()
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	if upd.Message == nil {
		return
	}
	msg := upd.Message
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			a.log.Warn("operator command from unauthorized user",
				zap.Int64("user_id", msg.From.ID),
				zap.String("username", msg.From.Username))
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Reply(ctx, meta.ChatID, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(), nil
	case "pause":
		wasPaused := a.orch.Paused()
		a.orch.Pause()
		a.auditOperatorEvent(ctx, meta, "pause", fmt.Sprintf("paused_before=%t", wasPaused))
		if wasPaused {
			return "trading already paused", nil
		}
		return "trading paused: no new entries until /resume", nil
	case "resume":
		wasPaused := a.orch.Paused()
		a.orch.Resume()
		a.auditOperatorEvent(ctx, meta, "resume", fmt.Sprintf("paused_before=%t", wasPaused))
		if !wasPaused {
			return "trading already active", nil
		}
		return "trading resumed", nil
	case "close":
		return a.handleCloseCommand(ctx, args, meta)
	case "funds":
		return a.handleFundsCommand(ctx, args, meta)
	case "setcapital":
		return a.handleSetCapitalCommand(ctx, args, meta)
	case "breaker":
		return a.handleBreakerCommand(ctx, args, meta)
	case "leverage":
		return a.handleLeverageCommand(ctx, args, meta)
	case "help":
		return operatorHelpText(), nil
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) handleCloseCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) != 1 {
		return "", errors.New("usage: /close <pair>|all")
	}
	target := strings.ToUpper(args[0])
	if strings.EqualFold(target, "all") {
		a.auditOperatorEvent(ctx, meta, "close_all", "")
		if err := a.orch.CloseAll(ctx); err != nil {
			return "", err
		}
		return "all positions closed", nil
	}
	a.auditOperatorEvent(ctx, meta, "close", "pair="+target)
	res, err := a.orch.ClosePair(ctx, target)
	if err != nil {
		return "", err
	}
	if res.ReconcileRequired {
		return fmt.Sprintf("%s closed with a failed leg, pnl %.2f: reconcile the venue position manually", target, res.RealizedPnl), nil
	}
	return fmt.Sprintf("%s closed, realized pnl %.2f", target, res.RealizedPnl), nil
}

func (a *App) handleFundsCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) != 2 {
		return "", errors.New("usage: /funds add|remove <amount>")
	}
	amount, err := strconv.ParseFloat(args[1], 64)
	if err != nil || amount <= 0 {
		return "", fmt.Errorf("invalid amount: %s", args[1])
	}
	switch strings.ToLower(args[0]) {
	case "add":
		a.wallet.AddFunds(amount)
		a.auditOperatorEvent(ctx, meta, "funds_add", fmt.Sprintf("amount=%.2f", amount))
		return fmt.Sprintf("added %.2f, total capital %.2f", amount, a.wallet.TotalCapital()), nil
	case "remove":
		if !a.wallet.RemoveFunds(amount) {
			return "", fmt.Errorf("cannot remove %.2f: only %.2f available", amount, a.wallet.AvailableCapital())
		}
		a.auditOperatorEvent(ctx, meta, "funds_remove", fmt.Sprintf("amount=%.2f", amount))
		return fmt.Sprintf("removed %.2f, total capital %.2f", amount, a.wallet.TotalCapital()), nil
	default:
		return "", errors.New("usage: /funds add|remove <amount>")
	}
}

func (a *App) handleSetCapitalCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) != 1 {
		return "", errors.New("usage: /setcapital <amount>")
	}
	amount, err := strconv.ParseFloat(args[0], 64)
	if err != nil || amount <= 0 {
		return "", fmt.Errorf("invalid amount: %s", args[0])
	}
	a.wallet.SetCapital(amount)
	a.auditOperatorEvent(ctx, meta, "set_capital", fmt.Sprintf("amount=%.2f", amount))
	return fmt.Sprintf("total capital set to %.2f", amount), nil
}

func (a *App) handleBreakerCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) != 1 || !strings.EqualFold(args[0], "reset") {
		return "", errors.New("usage: /breaker reset")
	}
	status := a.risk.Snapshot()
	if !status.CircuitOpen {
		return "circuit breaker is already closed", nil
	}
	a.risk.ResetCircuit()
	a.auditOperatorEvent(ctx, meta, "breaker_reset", "reason="+status.CircuitReason)
	return "circuit breaker reset: trading may resume", nil
}

func (a *App) handleLeverageCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) != 2 {
		return "", errors.New("usage: /leverage <pair> <value>")
	}
	pair := strings.ToUpper(args[0])
	requested, err := strconv.Atoi(args[1])
	if err != nil || requested < 1 {
		return "", fmt.Errorf("invalid leverage: %s", args[1])
	}
	applied, err := a.orch.SetLeverage(ctx, pair, requested)
	if err != nil {
		return "", err
	}
	a.auditOperatorEvent(ctx, meta, "leverage",
		fmt.Sprintf("pair=%s requested=%d applied=%d", pair, requested, applied))
	if applied != requested {
		return fmt.Sprintf("%s leverage clamped to %dx (requested %dx)", pair, applied, requested), nil
	}
	return fmt.Sprintf("%s leverage set to %dx", pair, applied), nil
}

func (a *App) operatorStatus() string {
	snap := a.wallet.Snapshot()
	status := a.risk.Snapshot()

	lines := []string{
		fmt.Sprintf("paused: %t", a.orch.Paused()),
		fmt.Sprintf("circuit_open: %t", status.CircuitOpen),
	}
	if status.CircuitOpen {
		lines = append(lines, fmt.Sprintf("circuit_reason: %s", status.CircuitReason))
	}
	lines = append(lines,
		fmt.Sprintf("total_capital: %.2f", snap.TotalCapital),
		fmt.Sprintf("available: %.2f committed: %.2f", snap.AvailableCapital, snap.CommittedCapital),
		fmt.Sprintf("funding_collected: %.2f", snap.AccumulatedFunding),
		fmt.Sprintf("realized_pnl: %.2f unrealized_pnl: %.2f", snap.RealizedPnl, snap.UnrealizedPnl),
		fmt.Sprintf("roi: %.2f%%", snap.ROIPct),
		fmt.Sprintf("drawdown: %.2f%% daily_loss: %.2f%%", status.DrawdownPct*100, status.DailyLossPct*100),
	)

	active := 0
	for _, s := range a.positions.AllSummaries() {
		if !s.Active {
			continue
		}
		active++
		lines = append(lines, fmt.Sprintf("%s: perp %.6f spot %.6f delta %.4f pnl %.2f funding %.2f",
			s.Pair, s.PerpSize, s.SpotSize, s.DeltaRatio, s.TotalPnl, s.FundingCollected))
	}
	if active == 0 {
		lines = append(lines, "no active positions")
	}

	for _, s := range a.funding.AllSummaries() {
		lines = append(lines, fmt.Sprintf("%s funding: rate %.6f ma %.6f z %.2f apr %.2f%% (%d samples)",
			s.Pair, s.CurrentRate, s.MovingAverage, s.ZScore, s.AnnualizedRate*100, s.SampleCount))
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - wallet, risk, and position overview",
		"/pause - stop opening new positions",
		"/resume - allow new positions again",
		"/close <pair>|all - exit a position (or everything)",
		"/funds add|remove <amount> - adjust trading capital",
		"/setcapital <amount> - set total capital outright",
		"/leverage <pair> <value> - set perp leverage, clamped to the hard cap",
		"/breaker reset - close an open circuit breaker",
	}, "\n")
}

func (a *App) logOperatorError(err error) {
	a.opsMu.Lock()
	warned := a.operatorWarned
	a.operatorWarned = true
	a.opsMu.Unlock()
	if warned {
		return
	}
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) clearOperatorWarning() {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	if a.operatorWarned {
		a.log.Info("telegram operator recovered")
		a.operatorWarned = false
	}
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

// auditOperatorEvent records every accepted operator command durably so
// manual interventions can be reconstructed later.
func (a *App) auditOperatorEvent(ctx context.Context, meta operatorMeta, action, detail string) {
	event := operatorAuditEvent{
		UpdateID: meta.UpdateID,
		Time:     time.Now().UTC(),
		Action:   action,
		Command:  meta.Raw,
		UserID:   meta.UserID,
		Username: meta.Username,
		ChatID:   meta.ChatID,
		Detail:   detail,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", event.Time.UnixNano(), event.UpdateID)
	if err := a.store.Set(ctx, key, string(payload)); err != nil {
		a.log.Warn("operator audit write failed", zap.Error(err))
	}
}
