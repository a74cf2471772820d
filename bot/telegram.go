package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sigbot/core"
	"github.com/web3guy0/sigbot/events"
	"github.com/web3guy0/sigbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Trade notifications & control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   💰 Trade notifications (entries, TP/SL/trailing exits, failures)
//   📈 Daily P&L summaries from stats snapshots
//   🔌 Stream outage alerts
//   🎛️ Control commands (/status, /positions, /pause, /resume, /close)
//
// ═══════════════════════════════════════════════════════════════════════════════

// Sender is the part of the Telegram API the bot writes through
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Controller is the engine surface the bot reads and toggles
type Controller interface {
	Status() core.Status
	Positions() []*types.Position
	Pause()
	Resume()
	ClosePosition(ctx context.Context, tokenID string) (types.Closure, error)
}

// TradeHistory provides the audit trail for /trades. Optional.
type TradeHistory interface {
	RecentTrades(ctx context.Context, limit int) ([]types.TradeRecord, error)
}

// TelegramBot manages the Telegram interface
type TelegramBot struct {
	mu      sync.RWMutex
	api     Sender
	poll    func() tgbotapi.UpdatesChannel
	chatID  int64
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	ctl     Controller
	history TradeHistory

	unsubscribe func()
	onStop      func()
	lastSnap    *types.Snapshot
}

// NewTelegramBot connects to the Bot API
func NewTelegramBot(token string, chatID int64, ctl Controller, history TradeHistory) (*TelegramBot, error) {
	if token == "" {
		return nil, &types.ConfigurationError{Field: "TELEGRAM_BOT_TOKEN", Reason: "not set"}
	}
	if chatID == 0 {
		return nil, &types.ConfigurationError{Field: "TELEGRAM_CHAT_ID", Reason: "not set"}
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := newTelegramBot(api, chatID, ctl, history)
	b.poll = func() tgbotapi.UpdatesChannel {
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 30
		return api.GetUpdatesChan(u)
	}
	b.onStop = api.StopReceivingUpdates

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return b, nil
}

func newTelegramBot(api Sender, chatID int64, ctl Controller, history TradeHistory) *TelegramBot {
	return &TelegramBot{
		api:     api,
		chatID:  chatID,
		stopCh:  make(chan struct{}),
		ctl:     ctl,
		history: history,
	}
}

// Start subscribes to the bus and, with a live API, listens for commands
func (b *TelegramBot) Start(bus *events.Bus) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	ch, cancel := bus.Subscribe(256)
	b.unsubscribe = cancel
	b.mu.Unlock()

	b.wg.Add(1)
	go b.eventLoop(ch)

	if b.poll != nil {
		b.wg.Add(1)
		go b.commandLoop(b.poll())
	}
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the bot
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	if b.onStop != nil {
		b.onStop()
	}
	b.mu.Unlock()

	b.wg.Wait()
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) eventLoop(ch <-chan events.Event) {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			b.handleEvent(e)
		}
	}
}

func (b *TelegramBot) handleEvent(e events.Event) {
	switch e.Type {
	case events.TradeCompleted:
		if e.Closure != nil {
			b.NotifyExit(*e.Closure)
		} else if e.Trade != nil {
			b.NotifyEntry(*e.Trade)
		}
	case events.TradeFailed:
		if e.Trade != nil {
			b.NotifyFailure(*e.Trade)
		}
	case events.ConnectionStateChanged:
		if e.State == types.StateError {
			b.sendMarkdown(fmt.Sprintf("🔌 *STREAM DOWN*\n\n`%s`", e.Reason))
		}
	case events.StatsUpdated:
		if e.Snapshot == nil {
			return
		}
		prev := b.lastSnap
		b.lastSnap = e.Snapshot
		if prev != nil && prev.Timestamp.YearDay() != e.Snapshot.Timestamp.YearDay() {
			b.NotifyDailySummary(*prev)
		}
	}
}

// NotifyEntry sends a fill alert
func (b *TelegramBot) NotifyEntry(t types.TradeRecord) {
	msg := fmt.Sprintf(`✅ *BUY %s*

💵 Price: *%s*
📦 Amount: *%s*
🛡️ Risk: *%.2f*
📡 Source: %s`,
		label(t.Symbol, t.TokenID),
		t.Price.String(),
		t.Amount.StringFixed(4),
		t.RiskScore,
		t.Source,
	)
	b.sendMarkdown(msg)
}

// NotifyExit sends a closing alert with realized P&L
func (b *TelegramBot) NotifyExit(c types.Closure) {
	var emoji string
	switch c.Reason {
	case types.ExitTakeProfit:
		emoji = "💰"
	case types.ExitStopLoss:
		emoji = "🛑"
	case types.ExitTrailingStop:
		emoji = "📉"
	case types.ExitManual:
		emoji = "✋"
	default:
		emoji = "📊"
	}

	state := "partial"
	if c.Closed {
		state = "closed"
	}

	msg := fmt.Sprintf(`%s *%s* | %s (%s)

💵 Exit: *%s*
📦 Amount: *%s*
💵 P&L: *%s*`,
		emoji, c.Reason,
		label(c.Symbol, c.TokenID), state,
		c.ExitPrice.String(),
		c.Amount.StringFixed(4),
		signed(c.PnL),
	)
	b.sendMarkdown(msg)
}

// NotifyFailure sends an execution failure alert
func (b *TelegramBot) NotifyFailure(t types.TradeRecord) {
	msg := fmt.Sprintf("⚠️ *%s FAILED* | %s\n\n`%s`", t.Side, label(t.Symbol, t.TokenID), t.Reason)
	b.sendMarkdown(msg)
}

// NotifyDailySummary sends the closing snapshot of a day
func (b *TelegramBot) NotifyDailySummary(s types.Snapshot) {
	emoji := "📈"
	if s.DailyPnL.IsNegative() {
		emoji = "📉"
	}

	msg := fmt.Sprintf(`%s *DAILY SUMMARY* | %s
━━━━━━━━━━━━━━━━━━━━

📊 Trades: *%d*
✅ Wins: *%d*
📈 Win Rate: *%.1f%%*

━━━━━━━━━━━━━━━━━━━━
💵 Day P&L: *%s*
💰 Portfolio: *%s*`,
		emoji, s.Timestamp.Format("Jan 2"),
		s.TotalTrades, s.SuccessfulTrades, s.WinRate*100,
		signed(s.DailyPnL),
		s.PortfolioValue.StringFixed(4),
	)
	b.sendMarkdown(msg)
}

// NotifyStartup sends startup notification
func (b *TelegramBot) NotifyStartup() {
	st := b.ctl.Status()
	msg := fmt.Sprintf(`🚀 *SIGBOT STARTED*
━━━━━━━━━━━━━━━━━━━━

📊 Mode: *%s*
💰 Cash: *%s*
💼 Positions: *%d*
📡 Stream: *%s*

Use /help for commands`,
		st.Mode, st.Snapshot.CashBalance.StringFixed(4), st.Snapshot.OpenPositions, st.Stream)
	b.sendMarkdown(msg)
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop(updates tgbotapi.UpdatesChannel) {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			// Only respond to authorized chat
			if update.Message.Chat == nil || update.Message.Chat.ID != b.chatID {
				continue
			}

			b.handleCommand(update.Message)
		}
	}
}

func (b *TelegramBot) handleCommand(msg *tgbotapi.Message) {
	cmd := strings.ToLower(msg.Command())

	switch cmd {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "positions":
		b.cmdPositions()
	case "trades":
		b.cmdTrades()
	case "pause":
		b.ctl.Pause()
		b.send("⏸️ Trading paused")
		log.Info().Msg("Trading paused via Telegram")
	case "resume":
		b.ctl.Resume()
		b.send("▶️ Trading resumed")
		log.Info().Msg("Trading resumed via Telegram")
	case "close":
		b.cmdClose(strings.TrimSpace(msg.CommandArguments()))
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	msg := `🤖 *SIGBOT COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status | Portfolio and pipeline status
💼 /positions | Open positions
📜 /trades | Last 10 audit records
⏸️ /pause | Pause signal trading
▶️ /resume | Resume signal trading
✋ /close <token> | Close a position
🏓 /ping | Test connection`

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdStatus() {
	st := b.ctl.Status()
	s := st.Snapshot

	state := "🟢 RUNNING"
	switch {
	case st.BreakerOpen:
		state = "🔴 CIRCUIT OPEN: " + st.BreakerReason
	case st.Paused:
		state = "⏸️ PAUSED"
	case !st.AutoTrading:
		state = "⚪ AUTO TRADING OFF"
	}

	msg := fmt.Sprintf(`📊 *BOT STATUS*
━━━━━━━━━━━━━━━━━━━━

%s
📊 Mode: *%s*
📡 Stream: *%s*
📥 Queue: *%d* (accepted %d / filtered %d)

━━━━━━━━━━━━━━━━━━━━
💰 Portfolio: *%s*
💵 Cash: *%s*
📈 Unrealized: *%s*
📅 Day P&L: *%s*
💵 Total P&L: *%s*
🎯 Win Rate: *%.1f%%* (%d trades)
💼 Positions: *%d*`,
		state, st.Mode, st.Stream,
		st.Queued, st.Accepted, st.Filtered,
		s.PortfolioValue.StringFixed(4),
		s.CashBalance.StringFixed(4),
		signed(s.UnrealizedPnL),
		signed(s.DailyPnL),
		signed(s.TotalPnL),
		s.WinRate*100, s.TotalTrades,
		s.OpenPositions,
	)
	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdPositions() {
	positions := b.ctl.Positions()
	if len(positions) == 0 {
		b.send("📭 No open positions")
		return
	}

	var sb strings.Builder
	sb.WriteString("💼 *OPEN POSITIONS*\n━━━━━━━━━━━━━━━━━━━━\n\n")

	for i, pos := range positions {
		if i >= 5 {
			sb.WriteString(fmt.Sprintf("_... and %d more_", len(positions)-5))
			break
		}
		emoji := "🟢"
		if pos.UnrealizedPnL.IsNegative() {
			emoji = "🔴"
		}
		sb.WriteString(fmt.Sprintf(`%s *%s*
💵 Avg: %s | Now: %s
📦 Amount: %s | P&L: %s
🛑 SL: %s
⏱️ Open: %v

`,
			emoji, pos.Label(),
			pos.AveragePrice.String(), pos.CurrentPrice.String(),
			pos.Amount.StringFixed(4), signed(pos.UnrealizedPnL),
			pos.StopLoss.String(),
			pos.UpdatedAt.Sub(pos.OpenedAt).Round(time.Second),
		))
	}

	b.sendMarkdown(sb.String())
}

func (b *TelegramBot) cmdTrades() {
	if b.history == nil {
		b.send("❌ Trade history not available")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	trades, err := b.history.RecentTrades(ctx, 10)
	if err != nil {
		b.send("❌ Failed to fetch trades")
		return
	}
	if len(trades) == 0 {
		b.send("📭 No trade history yet")
		return
	}

	var sb strings.Builder
	sb.WriteString("📜 *LAST 10 TRADES*\n━━━━━━━━━━━━━━━━━━━━\n\n")
	for _, t := range trades {
		emoji := "📌"
		switch t.Status {
		case types.TradeFilled:
			emoji = "✅"
		case types.TradeClosed:
			emoji = "📊"
		case types.TradeRejected:
			emoji = "🚫"
		case types.TradeFailed:
			emoji = "⚠️"
		}

		pnl := ""
		if !t.PnL.IsZero() {
			pnl = " | P&L: " + signed(t.PnL)
		}
		sb.WriteString(fmt.Sprintf("%s %s %s %s @ %s%s\n   _%s_\n\n",
			emoji, t.Status, t.Side, label(t.Symbol, t.TokenID),
			t.Price.String(), pnl,
			t.Timestamp.Format("Jan 2 15:04"),
		))
	}

	b.sendMarkdown(sb.String())
}

func (b *TelegramBot) cmdClose(token string) {
	if token == "" {
		b.send("Usage: /close <token>")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	closure, err := b.ctl.ClosePosition(ctx, token)
	if err != nil {
		b.send("❌ Close failed: " + err.Error())
		return
	}
	b.send(fmt.Sprintf("✋ Closed %s, P&L %s", label(closure.Symbol, closure.TokenID), signed(closure.PnL)))
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func signed(v decimal.Decimal) string {
	if v.IsNegative() {
		return v.StringFixed(4)
	}
	return "+" + v.StringFixed(4)
}

func label(symbol, tokenID string) string {
	if symbol != "" {
		return symbol
	}
	return types.ShortID(tokenID)
}
