package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	libconfig "evcharge/backend/libs/config"
)

// Config defines sessions service configuration.
type Config struct {
	HTTP struct {
		Port string `yaml:"port" env:"SESSIONS_HTTP_PORT"`
	} `yaml:"http"`
	Database struct {
		DSN string `yaml:"dsn" env:"SESSIONS_POSTGRES_DSN"`
	} `yaml:"database"`
	Redis struct {
		Addr     string        `yaml:"addr" env:"SESSIONS_REDIS_ADDR"`
		Password string        `yaml:"password" env:"SESSIONS_REDIS_PASSWORD"`
		DB       int           `yaml:"db" env:"SESSIONS_REDIS_DB"`
		TTL      time.Duration `yaml:"ttl" env:"SESSIONS_REDIS_TTL"`
	} `yaml:"redis"`
	JWT struct {
		// Empty secret falls back to the gateway's X-User-ID header.
		Secret string `yaml:"secret" env:"SESSIONS_JWT_SECRET"`
	} `yaml:"jwt"`
	Billing struct {
		BaseFee      float64 `yaml:"baseFee" env:"SESSIONS_BASE_FEE"`
		DefaultPrice float64 `yaml:"defaultPrice" env:"SESSIONS_DEFAULT_PRICE"`
		Currency     string  `yaml:"currency" env:"SESSIONS_CURRENCY"`
	} `yaml:"billing"`
	Simulator struct {
		Enabled   bool          `yaml:"enabled" env:"SESSIONS_SIMULATOR_ENABLED"`
		Reference time.Duration `yaml:"reference" env:"SESSIONS_SIMULATOR_REFERENCE"`
		Interval  time.Duration `yaml:"interval" env:"SESSIONS_SIMULATOR_INTERVAL"`
	} `yaml:"simulator"`
	Realtime struct {
		PingInterval   time.Duration `yaml:"pingInterval" env:"SESSIONS_WS_PING_INTERVAL"`
		WriteTimeout   time.Duration `yaml:"writeTimeout" env:"SESSIONS_WS_WRITE_TIMEOUT"`
		SendBuffer     int           `yaml:"sendBuffer" env:"SESSIONS_WS_SEND_BUFFER"`
		AllowedOrigins []string      `yaml:"allowedOrigins" env:"SESSIONS_WS_ALLOWED_ORIGINS"`
	} `yaml:"realtime"`
	QR struct {
		Secret           string        `yaml:"secret" env:"SESSIONS_QR_SECRET"`
		TokenTTL         time.Duration `yaml:"tokenTtl" env:"SESSIONS_QR_TOKEN_TTL"`
		RotationInterval time.Duration `yaml:"rotationInterval" env:"SESSIONS_QR_ROTATION_INTERVAL"`
	} `yaml:"qr"`
	Reservations struct {
		NoShowGrace   time.Duration `yaml:"noShowGrace" env:"SESSIONS_RESERVATION_GRACE"`
		SweepInterval time.Duration `yaml:"sweepInterval" env:"SESSIONS_RESERVATION_SWEEP_INTERVAL"`
	} `yaml:"reservations"`
}

// Default returns the configuration used before the file and env overrides apply.
func Default() *Config {
	cfg := &Config{}
	cfg.HTTP.Port = "8082"
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.TTL = 24 * time.Hour
	cfg.Billing.BaseFee = 10000
	cfg.Billing.DefaultPrice = 3500
	cfg.Billing.Currency = "VND"
	cfg.Simulator.Enabled = true
	cfg.Simulator.Reference = time.Hour
	cfg.Simulator.Interval = 10 * time.Second
	cfg.Realtime.PingInterval = 30 * time.Second
	cfg.Realtime.WriteTimeout = 10 * time.Second
	cfg.Realtime.SendBuffer = 64
	cfg.QR.TokenTTL = 10 * time.Minute
	cfg.QR.RotationInterval = 5 * time.Minute
	cfg.Reservations.NoShowGrace = 15 * time.Minute
	cfg.Reservations.SweepInterval = time.Minute
	return cfg
}

// Load reads configuration via shared helper.
func Load() (*Config, error) {
	cfg := Default()
	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("config: database dsn required")
	}
	if strings.TrimSpace(c.Redis.Addr) == "" {
		return errors.New("config: redis addr required")
	}
	if strings.TrimSpace(c.QR.Secret) == "" {
		return errors.New("config: qr secret required")
	}
	if c.Billing.BaseFee < 0 || c.Billing.DefaultPrice < 0 {
		return errors.New("config: billing amounts must not be negative")
	}
	if c.Simulator.Enabled && c.Simulator.Interval <= 0 {
		return errors.New("config: simulator interval must be positive")
	}
	return nil
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8082"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// ActiveSessionTTL returns the redis cache ttl.
func (c *Config) ActiveSessionTTL() time.Duration {
	if c.Redis.TTL <= 0 {
		return 24 * time.Hour
	}
	return c.Redis.TTL
}
