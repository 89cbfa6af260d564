package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENV" default:"development"`
	Port        string `envconfig:"PORT" default:"8080"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// StoreDriver selects the chat repository: "mongo" or "badger".
	StoreDriver string `envconfig:"STORE_DRIVER" default:"mongo"`
	MongoURI    string `envconfig:"MONGODB_URI" default:"mongodb://localhost:27017/adoptapet"`
	BadgerPath  string `envconfig:"BADGER_PATH"` // empty runs Badger in memory
	PostgresURI string `envconfig:"POSTGRES_URI" default:"postgres://localhost:5432/adoptapet?sslmode=disable"`
	RedisURI    string `envconfig:"REDIS_URI" default:"redis://localhost:6379/0"`
	ChatCache   bool   `envconfig:"CHAT_CACHE" default:"true"` // Redis chat-document cache in front of the store

	JWTSecret string `envconfig:"JWT_SECRET"`

	FrontendURL    string   `envconfig:"FRONTEND_URL" default:"http://localhost:3000"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"` // CORS; falls back to FRONTEND_URL
	AllowedHost    string   `envconfig:"ALLOWED_HOST"`    // production host check; empty disables
	TrustProxy     bool     `envconfig:"TRUST_PROXY"`

	RealtimeRequireAuth bool          `envconfig:"REALTIME_REQUIRE_AUTH" default:"true"`
	MaxMessageLength    int           `envconfig:"MAX_MESSAGE_LENGTH" default:"2000"`
	SendRatePerSec      float64       `envconfig:"SEND_RATE_PER_SEC" default:"5"`
	SendBurst           int           `envconfig:"SEND_BURST" default:"10"`
	DisplayTimezone     string        `envconfig:"DISPLAY_TIMEZONE" default:"UTC"`
	CensoredWords       []string      `envconfig:"CENSORED_WORDS"`
	ShutdownTimeout     time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	location *time.Location
}

// Load reads the environment. Call godotenv.Load first if a .env file is used.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if cfg.StoreDriver != "mongo" && cfg.StoreDriver != "badger" {
		return nil, fmt.Errorf("config: unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	if cfg.MaxMessageLength <= 0 {
		return nil, fmt.Errorf("config: MAX_MESSAGE_LENGTH must be positive")
	}

	cfg.AllowedOrigins = parseOrigins(cfg.AllowedOrigins)
	if len(cfg.AllowedOrigins) == 0 {
		if u := strings.TrimSpace(cfg.FrontendURL); u != "" {
			cfg.AllowedOrigins = []string{u}
		} else {
			cfg.AllowedOrigins = []string{"http://localhost:3000"}
		}
	}

	loc, err := time.LoadLocation(cfg.DisplayTimezone)
	if err != nil {
		return nil, fmt.Errorf("config: DISPLAY_TIMEZONE: %w", err)
	}
	cfg.location = loc

	return &cfg, nil
}

func parseOrigins(in []string) []string {
	var out []string
	for _, part := range in {
		part = strings.TrimSpace(part)
		if part != "" && !containsOrigin(out, part) {
			out = append(out, part)
		}
	}
	return out
}

func containsOrigin(list []string, o string) bool {
	o = strings.TrimSpace(strings.ToLower(o))
	for _, v := range list {
		if strings.TrimSpace(strings.ToLower(v)) == o {
			return true
		}
	}
	return false
}

// IsProduction returns true when ENV is set to "production".
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Location is the time zone used for display times in message views.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}
