package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Mode selects which capital bucket and execution path the process uses.
type Mode string

const (
	ModeReal    Mode = "real"
	ModeVirtual Mode = "virtual"
)

// Modes lists every trading mode in a stable order.
var Modes = []Mode{ModeReal, ModeVirtual}

var (
	ErrModeConflict   = errors.New("conflicting trading mode settings")
	ErrInvalidMode    = errors.New("invalid trading mode")
	ErrMissingAPIKeys = errors.New("real trading requires BYBIT_API_KEY and BYBIT_API_SECRET")
)

// ParseMode accepts "real" or "virtual" in any case.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeReal:
		return ModeReal, nil
	case ModeVirtual:
		return ModeVirtual, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// Config holds environment-driven settings for the trading assistant.
type Config struct {
	Mode Mode

	// Storage
	DBPath   string
	LockPath string

	// Capital
	VirtualStartBalance float64
	Currency            string

	// Scan loop
	ScanInterval      time.Duration
	TopNSignals       int
	MaxLossPct        float64
	DefaultLeverage   int
	DefaultMarginUSDT float64
	ScanPause         time.Duration
	Symbols           []string
	MaxSymbols        int
	KlineInterval     string

	// Protective orders, as fractions of entry
	TakeProfitPct float64
	StopLossPct   float64

	// Execution
	ConfirmDelay        time.Duration
	FillInterval        time.Duration
	BalanceSyncInterval time.Duration
	ReconcileInterval   time.Duration

	// Bybit
	BybitAPIKey    string
	BybitAPISecret string
	BybitBaseURL   string
	RecvWindow     int64

	// Scoring
	ScorerAddr      string
	ScorerModelPath string
	OnnxRuntimeLib  string

	// Settings file watched for hot reload
	SettingsFile string

	// Notifications
	DiscordWebhookURL string
	TelegramBotToken  string
	TelegramChatID    string

	// HTTP API
	APIEnabled        bool
	Port              string
	JWTSecret         string
	AdminPasswordHash string

	LogLevel string
}

// LoadEnvFile reads a .env file into the process environment. A missing
// file is not an error so the process still starts without one.
func LoadEnvFile(path string) {
	if path == "" {
		_ = godotenv.Load()
		return
	}
	_ = godotenv.Load(path)
}

// Load resolves configuration from v (environment plus any bound flags).
// A nil v reads the environment only.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.AutomaticEnv()
	setDefaults(v)

	mode, err := resolveMode(v)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Mode:                mode,
		DBPath:              v.GetString("DB_PATH"),
		LockPath:            v.GetString("LOCK_PATH"),
		VirtualStartBalance: v.GetFloat64("VIRTUAL_START_BALANCE"),
		Currency:            v.GetString("CURRENCY"),
		ScanInterval:        seconds(v, "SCAN_INTERVAL"),
		TopNSignals:         v.GetInt("TOP_N_SIGNALS"),
		MaxLossPct:          v.GetFloat64("MAX_LOSS_PCT"),
		DefaultLeverage:     v.GetInt("DEFAULT_LEVERAGE"),
		DefaultMarginUSDT:   v.GetFloat64("DEFAULT_MARGIN_USDT"),
		ScanPause:           v.GetDuration("SCAN_PAUSE"),
		Symbols:             splitAndTrim(v.GetString("SYMBOLS")),
		MaxSymbols:          v.GetInt("MAX_SYMBOLS"),
		KlineInterval:       v.GetString("KLINE_INTERVAL"),
		TakeProfitPct:       v.GetFloat64("TAKE_PROFIT_PCT"),
		StopLossPct:         v.GetFloat64("STOP_LOSS_PCT"),
		ConfirmDelay:        v.GetDuration("CONFIRM_DELAY"),
		FillInterval:        v.GetDuration("FILL_INTERVAL"),
		BalanceSyncInterval: v.GetDuration("BALANCE_SYNC_INTERVAL"),
		ReconcileInterval:   v.GetDuration("RECONCILE_INTERVAL"),
		BybitAPIKey:         v.GetString("BYBIT_API_KEY"),
		BybitAPISecret:      v.GetString("BYBIT_API_SECRET"),
		BybitBaseURL:        v.GetString("BYBIT_BASE_URL"),
		RecvWindow:          v.GetInt64("RECV_WINDOW"),
		ScorerAddr:          v.GetString("SCORER_ADDR"),
		ScorerModelPath:     v.GetString("SCORER_MODEL_PATH"),
		OnnxRuntimeLib:      v.GetString("ONNXRUNTIME_LIB"),
		SettingsFile:        v.GetString("SETTINGS_FILE"),
		DiscordWebhookURL:   v.GetString("DISCORD_WEBHOOK_URL"),
		TelegramBotToken:    v.GetString("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:      v.GetString("TELEGRAM_CHAT_ID"),
		APIEnabled:          v.GetBool("API_ENABLED"),
		Port:                v.GetString("PORT"),
		JWTSecret:           v.GetString("JWT_SECRET"),
		AdminPasswordHash:   v.GetString("ADMIN_PASSWORD_HASH"),
		LogLevel:            v.GetString("LOG_LEVEL"),
	}

	if cfg.Mode == ModeReal && (cfg.BybitAPIKey == "" || cfg.BybitAPISecret == "") {
		return nil, ErrMissingAPIKeys
	}
	if cfg.TopNSignals <= 0 {
		return nil, fmt.Errorf("TOP_N_SIGNALS must be positive, got %d", cfg.TopNSignals)
	}
	if cfg.ScanInterval <= 0 {
		return nil, fmt.Errorf("SCAN_INTERVAL must be positive, got %s", cfg.ScanInterval)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("DB_PATH", "./data/algotrader.db")
	v.SetDefault("LOCK_PATH", "./data/algotrader.lock")
	v.SetDefault("VIRTUAL_START_BALANCE", 100.0)
	v.SetDefault("CURRENCY", "USDT")
	v.SetDefault("SCAN_INTERVAL", 3600)
	v.SetDefault("TOP_N_SIGNALS", 5)
	v.SetDefault("MAX_LOSS_PCT", -5.0)
	v.SetDefault("DEFAULT_LEVERAGE", 20)
	v.SetDefault("DEFAULT_MARGIN_USDT", 5.0)
	v.SetDefault("SCAN_PAUSE", "200ms")
	v.SetDefault("SYMBOLS", "")
	v.SetDefault("MAX_SYMBOLS", 0)
	v.SetDefault("KLINE_INTERVAL", "60")
	v.SetDefault("TAKE_PROFIT_PCT", 0.30)
	v.SetDefault("STOP_LOSS_PCT", 0.15)
	v.SetDefault("CONFIRM_DELAY", "2s")
	v.SetDefault("FILL_INTERVAL", "30s")
	v.SetDefault("BALANCE_SYNC_INTERVAL", "60s")
	v.SetDefault("RECONCILE_INTERVAL", "5m")
	v.SetDefault("BYBIT_BASE_URL", "https://api.bybit.com")
	v.SetDefault("RECV_WINDOW", 5000)
	v.SetDefault("API_ENABLED", true)
	v.SetDefault("PORT", "8080")
	v.SetDefault("JWT_SECRET", "dev-secret")
	v.SetDefault("LOG_LEVEL", "info")
}

// resolveMode folds TRADING_MODE and the legacy USE_REAL_TRADING /
// BYBIT_TESTNET flags into one mode, rejecting contradictions.
func resolveMode(v *viper.Viper) (Mode, error) {
	legacyReal := v.IsSet("USE_REAL_TRADING") && v.GetBool("USE_REAL_TRADING")
	legacyTestnet := v.IsSet("BYBIT_TESTNET") && v.GetBool("BYBIT_TESTNET")
	if legacyReal && legacyTestnet {
		return "", fmt.Errorf("%w: USE_REAL_TRADING and BYBIT_TESTNET are both enabled", ErrModeConflict)
	}

	var legacy Mode
	switch {
	case legacyReal:
		legacy = ModeReal
	case legacyTestnet:
		legacy = ModeVirtual
	}

	raw := strings.TrimSpace(v.GetString("TRADING_MODE"))
	if raw == "" {
		if legacy != "" {
			return legacy, nil
		}
		return ModeVirtual, nil
	}
	mode, err := ParseMode(raw)
	if err != nil {
		return "", err
	}
	if legacy != "" && legacy != mode {
		return "", fmt.Errorf("%w: TRADING_MODE=%s but legacy flags imply %s", ErrModeConflict, mode, legacy)
	}
	return mode, nil
}

// seconds reads an integer number of seconds, also accepting Go duration strings.
func seconds(v *viper.Viper, key string) time.Duration {
	raw := strings.TrimSpace(v.GetString(key))
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return time.Duration(v.GetInt(key)) * time.Second
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.ToUpper(strings.TrimSpace(p)); t != "" {
			out = append(out, t)
		}
	}
	return out
}
