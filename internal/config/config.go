// Package config
package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

/*
YAML config example:

update_interval: 180s
max_price_move_per_tick: 0.05
min_price: 0.01
recent_candles: 200
allow_offhours_limit_orders: false
initial_balance: 10000
price_seed: 0
symbols:
  - symbol: "ZRB"
    start_price: 100.0
    volatility: 1.0
  - symbol: "ZRB2"
    start_price: 50.0
    volatility: 0.6
storage: "sqlite"
sqlite_path: "zirunbi.db"
web_listen_addr: ":8000"
session_ttl: 168h
time_sync_url: "https://www.baidu.com"
time_sync_interval: 1h
*/

// SymbolConfig configures one tradable instrument.
type SymbolConfig struct {
	Symbol     string  `yaml:"symbol"`
	StartPrice float64 `yaml:"start_price"`
	Volatility float64 `yaml:"volatility"`
}

type Config struct {
	// Market engine
	Symbols                  []SymbolConfig `yaml:"symbols"`
	UpdateInterval           time.Duration  `yaml:"update_interval"`
	MaxPriceMovePerTick      float64        `yaml:"max_price_move_per_tick"`
	MinPrice                 float64        `yaml:"min_price"`
	RecentCandles            int            `yaml:"recent_candles"`
	AllowOffHoursLimitOrders bool           `yaml:"allow_offhours_limit_orders"`
	InitialBalance           float64        `yaml:"initial_balance"`
	PriceSeed                int64          `yaml:"price_seed"` // 0 = time-seeded

	// Storage
	Storage     string `yaml:"storage"` // "sqlite", "postgres" or "memory"
	SQLitePath  string `yaml:"sqlite_path"`
	DBConnStr   string `yaml:"db_conn_str"`
	DBMaxOpen   int    `yaml:"db_max_open"`
	DBMaxIdle   int    `yaml:"db_max_idle"`

	// Web frontend
	WebListenAddr string        `yaml:"web_listen_addr"`
	SessionTTL    time.Duration `yaml:"session_ttl"`

	// Notifications
	TelegramToken       string        `yaml:"telegram_token"`
	TelegramChatID      string        `yaml:"telegram_chat_id"`
	ProxyURL            string        `yaml:"proxy_url"`
	NotificationRetries int           `yaml:"notification_retries"`
	NotificationDelay   time.Duration `yaml:"notification_delay"`

	// Time source
	TimeSyncURL      string        `yaml:"time_sync_url"`
	TimeSyncInterval time.Duration `yaml:"time_sync_interval"`
}

func defaults() Config {
	return Config{
		Symbols:             []SymbolConfig{{Symbol: "ZRB", StartPrice: 100, Volatility: 1}},
		UpdateInterval:      180 * time.Second,
		MaxPriceMovePerTick: 0.05,
		MinPrice:            0.01,
		RecentCandles:       200,
		InitialBalance:      10000,
		Storage:             "sqlite",
		SQLitePath:          "zirunbi.db",
		DBMaxOpen:           10,
		DBMaxIdle:           5,
		WebListenAddr:       ":8000",
		SessionTTL:          7 * 24 * time.Hour,
		NotificationRetries: 3,
		NotificationDelay:   5 * time.Second,
		TimeSyncURL:         "https://www.baidu.com",
		TimeSyncInterval:    time.Hour,
	}
}

func loadConfig() (Config, error) {
	configFile := flag.String("config", "", "Path to YAML config file")
	storage := flag.String("storage", "", "Storage backend: sqlite, postgres or memory")
	sqlitePath := flag.String("sqlite-path", "", "Path to the sqlite database file")
	listenAddr := flag.String("listen", "", "Web server listen address")
	flag.Parse()

	cfg := defaults()

	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Flags override the file.
	if *storage != "" {
		cfg.Storage = *storage
	}
	if *sqlitePath != "" {
		cfg.SQLitePath = *sqlitePath
	}
	if *listenAddr != "" {
		cfg.WebListenAddr = *listenAddr
	}
	if v := os.Getenv("DB_CONN_STR"); v != "" {
		cfg.DBConnStr = v
	}

	return cfg, cfg.Validate()
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	for _, s := range c.Symbols {
		if s.Symbol == "" {
			return fmt.Errorf("symbol name cannot be empty")
		}
		if s.StartPrice <= 0 {
			return fmt.Errorf("symbol %s: start price must be positive", s.Symbol)
		}
	}
	if c.UpdateInterval <= 0 {
		return fmt.Errorf("update_interval must be positive")
	}
	if c.MaxPriceMovePerTick <= 0 || c.MaxPriceMovePerTick >= 1 {
		return fmt.Errorf("max_price_move_per_tick must be in (0, 1)")
	}
	switch c.Storage {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage)
	}
	if c.Storage == "postgres" && c.DBConnStr == "" {
		return fmt.Errorf("postgres storage requires db_conn_str")
	}
	return nil
}

func MustLoadConfig() Config {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}
