package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env       string
	LogLevel  string
	Server    ServerConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	RabbitMQ  RabbitMQConfig
	Mpesa     MpesaConfig
	Auth      AuthConfig
	Sweeper   SweeperConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// CORSOrigins is empty when any origin is allowed.
	CORSOrigins []string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

type PostgresConfig struct {
	User     string
	Password string
	Name     string
	Host     string
	Port     int
	SSLMode  string
	MaxConns int32
}

// DSN renders the connection URL pgxpool expects.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User,
		p.Password,
		p.Host,
		p.Port,
		p.Name,
		p.SSLMode,
	)
}

// RabbitMQConfig is optional; an empty URL turns order notifications off.
type RabbitMQConfig struct {
	URL string
}

type MpesaConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	PassKey        string
	CallbackURL    string
	Timeout        time.Duration
}

type AuthConfig struct {
	JWTSecret string
}

type SweeperConfig struct {
	Interval time.Duration
	MinAge   time.Duration
	MaxAge   time.Duration
	Batch    int
}

type RateLimitConfig struct {
	OrdersPerMinute int
}

func New() (*Config, error) {
	const op = "config.New"

	_ = godotenv.Load()

	var (
		cfg Config
		err error
	)

	cfg.Env = getEnv("APP_ENV", "development")
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")

	cfg.Server.Host = getEnv("SERVER_HOST", "localhost")
	if cfg.Server.Port, err = getInt("SERVER_PORT", 8080); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if cfg.Server.ReadTimeout, err = getDuration("SERVER_READ_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if cfg.Server.WriteTimeout, err = getDuration("SERVER_WRITE_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	cfg.Server.CORSOrigins = getList("CORS_ALLOWED_ORIGINS")

	cfg.Postgres.Host = getEnv("POSTGRES_HOST", "localhost")
	if cfg.Postgres.Port, err = getInt("POSTGRES_PORT", 5432); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if cfg.Postgres.User, err = mustEnv("POSTGRES_USER"); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if cfg.Postgres.Password, err = mustEnv("POSTGRES_PASSWORD"); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if cfg.Postgres.Name, err = mustEnv("POSTGRES_DB"); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	cfg.Postgres.SSLMode = getEnv("POSTGRES_SSLMODE", "disable")
	maxConns, err := getInt("POSTGRES_MAX_CONNS", 0)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	cfg.Postgres.MaxConns = int32(maxConns)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6380")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	if cfg.Redis.DB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if cfg.Redis.PoolSize, err = getInt("REDIS_POOL_SIZE", 0); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	cfg.RabbitMQ.URL = os.Getenv("RABBITMQ_URL")

	cfg.Mpesa.BaseURL = getEnv("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke")
	for key, dst := range map[string]*string{
		"MPESA_CONSUMER_KEY":    &cfg.Mpesa.ConsumerKey,
		"MPESA_CONSUMER_SECRET": &cfg.Mpesa.ConsumerSecret,
		"MPESA_SHORTCODE":       &cfg.Mpesa.ShortCode,
		"MPESA_PASSKEY":         &cfg.Mpesa.PassKey,
		"MPESA_CALLBACK_URL":    &cfg.Mpesa.CallbackURL,
	} {
		if *dst, err = mustEnv(key); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	if cfg.Mpesa.Timeout, err = getDuration("MPESA_TIMEOUT", 15*time.Second); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if cfg.Auth.JWTSecret, err = mustEnv("JWT_SECRET"); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if cfg.Sweeper.Interval, err = getDuration("SWEEPER_INTERVAL", time.Minute); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if cfg.Sweeper.MinAge, err = getDuration("SWEEPER_MIN_AGE", 2*time.Minute); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if cfg.Sweeper.MaxAge, err = getDuration("SWEEPER_MAX_AGE", 24*time.Hour); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if cfg.Sweeper.Batch, err = getInt("SWEEPER_BATCH", 50); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if cfg.RateLimit.OrdersPerMinute, err = getInt("RATE_LIMIT_ORDERS_PER_MINUTE", 10); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getList splits a comma separated variable, dropping blanks.
func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func mustEnv(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("missing %s", key)
	}
	return v, nil
}

func getInt(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}

	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
