package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultJWTSecret = "change-me-in-production"

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	LogLevel       string
	Redis          RedisConfig
	Limits         LimitsConfig
	Client         ClientConfig
}

type RedisConfig struct {
	Host        string
	Port        string
	Password    string
	DB          int
	PresenceTTL time.Duration
}

// Enabled reports whether the presence mirror should be started
func (c RedisConfig) Enabled() bool {
	return c.Host != ""
}

type LimitsConfig struct {
	MaxMessageBytes     int64
	SignalRatePerSecond float64
	SignalBurst         int
	SendBuffer          int
}

// ClientConfig configures the peer client run by the join command
type ClientConfig struct {
	SignalingURL string
	STUNServer   string
	TURNServer   string
	TURNUser     string
	TURNPass     string
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	var origins []string
	for _, o := range strings.Split(originsStr, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", defaultJWTSecret),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		Redis: RedisConfig{
			Host:        getEnv("REDIS_HOST", ""),
			Port:        getEnv("REDIS_PORT", "6379"),
			Password:    getEnv("REDIS_PASSWORD", ""),
			DB:          getEnvInt("REDIS_DB", 0),
			PresenceTTL: getEnvDuration("PRESENCE_TTL", 24*time.Hour),
		},
		Limits: LimitsConfig{
			MaxMessageBytes:     int64(getEnvInt("MAX_MESSAGE_BYTES", 64*1024)),
			SignalRatePerSecond: getEnvFloat("SIGNAL_RATE_PER_SECOND", 50),
			SignalBurst:         getEnvInt("SIGNAL_BURST", 100),
			SendBuffer:          getEnvInt("SEND_BUFFER", 256),
		},
		Client: ClientConfig{
			SignalingURL: getEnv("SIGNALING_URL", "ws://localhost:8080/ws"),
			STUNServer:   getEnv("STUN_SERVER", "stun:stun.l.google.com:19302"),
			TURNServer:   getEnv("TURN_SERVER", ""),
			TURNUser:     getEnv("TURN_USERNAME", ""),
			TURNPass:     getEnv("TURN_PASSWORD", ""),
		},
	}
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT must not be empty"))
	}
	if c.IsProduction() && (c.JWTSecret == "" || c.JWTSecret == defaultJWTSecret) {
		errs = append(errs, errors.New("JWT_SECRET must be set in production"))
	}
	if c.Limits.MaxMessageBytes <= 0 {
		errs = append(errs, fmt.Errorf("MAX_MESSAGE_BYTES must be positive, got %d", c.Limits.MaxMessageBytes))
	}
	if c.Limits.SignalRatePerSecond <= 0 {
		errs = append(errs, fmt.Errorf("SIGNAL_RATE_PER_SECOND must be positive, got %v", c.Limits.SignalRatePerSecond))
	}
	if c.Limits.SignalBurst <= 0 {
		errs = append(errs, fmt.Errorf("SIGNAL_BURST must be positive, got %d", c.Limits.SignalBurst))
	}
	if c.Limits.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("SEND_BUFFER must be positive, got %d", c.Limits.SendBuffer))
	}
	if c.Redis.Enabled() && c.Redis.PresenceTTL <= 0 {
		errs = append(errs, fmt.Errorf("PRESENCE_TTL must be positive, got %s", c.Redis.PresenceTTL))
	}
	return errors.Join(errs...)
}

// ICEServerURLs returns the STUN and TURN urls configured for the client
func (c ClientConfig) ICEServerURLs() (stun []string, turn []string) {
	if c.STUNServer != "" {
		stun = []string{c.STUNServer}
	}
	if c.TURNServer != "" {
		turn = []string{c.TURNServer}
	}
	return stun, turn
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
