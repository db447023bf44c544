// Package notify fans whale alerts out to Telegram. It is adapted from
// the teacher's NotificationService: a nil-safe Notify that no-ops
// without a configured bot token, and fire-and-forget sends so a slow
// Telegram API call never blocks the bus.
package notify

import (
	"fmt"
	"log"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"whaleradar/internal/bus"
	"whaleradar/internal/types"
)

// TelegramNotifier sends CRITICAL/HIGH whale alerts to a configured chat.
// A TelegramNotifier with a nil bot is valid and simply drops everything,
// so callers never need a nil check before using one.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramNotifier initializes the bot from token/chatID. An empty
// token returns a non-nil notifier whose Notify calls are no-ops, so
// callers can wire it unconditionally.
func NewTelegramNotifier(token string, chatID int64) *TelegramNotifier {
	if token == "" {
		log.Println("notify: TELEGRAM_BOT_TOKEN not set, whale alert notifications disabled")
		return &TelegramNotifier{}
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		log.Printf("notify: failed to init telegram bot: %v", err)
		return &TelegramNotifier{}
	}

	log.Printf("notify: authorized on telegram account %s", bot.Self.UserName)
	return &TelegramNotifier{bot: bot, chatID: chatID}
}

// Subscribe registers the notifier against whale_alert events.
func (n *TelegramNotifier) Subscribe(b *bus.Bus) {
	b.Subscribe("whale_alert", n.handleAlert)
}

func (n *TelegramNotifier) handleAlert(e bus.Event) {
	alert, ok := e.Payload.(types.WhaleAlert)
	if !ok {
		return
	}
	if alert.Priority != types.PriorityCritical && alert.Priority != types.PriorityHigh {
		return
	}
	n.Notify(formatAlert(alert))
}

func formatAlert(alert types.WhaleAlert) string {
	var coins []string
	for _, c := range alert.Changes {
		coins = append(coins, fmt.Sprintf("%s %s→%.2f", c.Coin, c.Tier, c.CurrentSize))
	}
	return fmt.Sprintf("🐳 *%s WHALE ALERT*\n%d mover(s): %s",
		alert.Priority, len(alert.Changes), strings.Join(coins, ", "))
}

// Notify sends msg asynchronously. It is safe to call on a notifier
// constructed without a token or chat ID; it simply does nothing.
func (n *TelegramNotifier) Notify(msg string) {
	if n == nil || n.bot == nil || n.chatID == 0 {
		return
	}
	go func() {
		cfg := tgbotapi.NewMessage(n.chatID, msg)
		cfg.ParseMode = "Markdown"
		if _, err := n.bot.Send(cfg); err != nil {
			log.Printf("notify: failed to send telegram message: %v", err)
		}
	}()
}
