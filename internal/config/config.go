// Package config loads runtime configuration from the environment,
// following the .env + os.Getenv pattern the rest of this codebase uses.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the composition root needs to wire the core.
type Config struct {
	// Exchange connection pool (§4.1).
	NumClients             int
	ClientBatchSize        int
	SubscribePacing        time.Duration
	HeartbeatInterval      time.Duration
	ReconnectBaseDelay     time.Duration
	ReconnectMaxDelay      time.Duration
	MaxReconnectAttempts   int
	ReplacementCooldown    time.Duration
	MaxReplacementAttempts int

	// Frame router & de-dup (§4.2).
	PositionMaxSaveInterval time.Duration
	FlushInterval           time.Duration
	FlushBatchSize          int
	BTCOnly                 bool

	// Signal generator (§4.5).
	TraderStateTTL   time.Duration
	TraderStateMax   int
	SignalSymbol     string

	// Whale detector (§4.6).
	AlphaWhaleThreshold   float64
	WhaleThreshold        float64
	AggregationWindow     time.Duration
	PositionHistoryTTL    time.Duration
	MaxAlerts             int
	MaxRecentChanges      int
	SignificantChangePct  float64

	// Notification fan-out (§4.9).
	TelegramBotToken string
	TelegramChatID   int64

	// Read API surface (§4.8).
	ListenAddr string
}

// Load reads .env (if present) then the process environment, filling in
// the defaults spec §6 documents for anything unset.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("config: no .env file found, relying on process environment")
	}

	return &Config{
		NumClients:             getInt("TRADER_WS_CLIENTS", 5),
		ClientBatchSize:        getInt("TRADER_WS_BATCH_SIZE", 100),
		SubscribePacing:        getDuration("SUBSCRIBE_PACING_MS", 10*time.Millisecond, time.Millisecond),
		HeartbeatInterval:      getDuration("HEARTBEAT_INTERVAL_S", 30*time.Second, time.Second),
		ReconnectBaseDelay:     getDuration("RECONNECT_BASE_DELAY_S", 1*time.Second, time.Second),
		ReconnectMaxDelay:      getDuration("RECONNECT_MAX_DELAY_S", 60*time.Second, time.Second),
		MaxReconnectAttempts:   getInt("MAX_ATTEMPTS", 10),
		ReplacementCooldown:    getDuration("REPLACEMENT_COOLDOWN_S", 5*time.Second, time.Second),
		MaxReplacementAttempts: getInt("MAX_RESTART_ATTEMPTS", 5),

		PositionMaxSaveInterval: getDuration("POSITION_MAX_SAVE_INTERVAL_S", 600*time.Second, time.Second),
		FlushInterval:           getDuration("FLUSH_INTERVAL_S", 5*time.Second, time.Second),
		FlushBatchSize:          getInt("BUFFER_MAX_SIZE", 1000),
		BTCOnly:                 getBool("BTC_ONLY", false),

		TraderStateTTL: getDuration("TRADER_TTL_SECONDS", 86400*time.Second, time.Second),
		TraderStateMax: getInt("TRADER_STATE_MAX_ENTRIES", 10000),
		SignalSymbol:   getString("SIGNAL_SYMBOL", "BTC"),

		AlphaWhaleThreshold:  getFloat("ALPHA_WHALE_THRESHOLD", 20_000_000),
		WhaleThreshold:       getFloat("WHALE_THRESHOLD", 10_000_000),
		AggregationWindow:    getDuration("AGGREGATION_WINDOW_S", 300*time.Second, time.Second),
		PositionHistoryTTL:   getDuration("POSITION_HISTORY_TTL_S", 604800*time.Second, time.Second),
		MaxAlerts:            getInt("MAX_ALERTS", 500),
		MaxRecentChanges:     getInt("MAX_RECENT_CHANGES", 1000),
		SignificantChangePct: getFloat("SIGNIFICANT_CHANGE_PCT", 0.10),

		TelegramBotToken: getString("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getInt64("TELEGRAM_CHAT_ID", 0),

		ListenAddr: getString("LISTEN_ADDR", ":8090"),
	}
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDuration(key string, def time.Duration, unit time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * unit
		}
	}
	return def
}
