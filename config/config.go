package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	Server       ServerConfig
	DatabaseURL  string
	Redis        RedisConfig
	MTN          MTNConfig
	Airtel       AirtelConfig
	Gateway      GatewayConfig
	Sweeper      SweeperConfig
	Notify       NotifyConfig
	Currency     string
	CallbackHost string // reserved; providers are polled, never called back
}

type ServerConfig struct {
	Port string
	Env  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type MTNConfig struct {
	BaseURL           string
	ClientID          string // API user
	ClientSecret      string // API key
	SubscriptionKey   string
	TargetEnvironment string
}

type AirtelConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Country      string
	Currency     string
}

type GatewayConfig struct {
	Timeout            time.Duration
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
}

type SweeperConfig struct {
	Enabled     bool
	Interval    time.Duration
	GracePeriod time.Duration
	BatchSize   int
}

type NotifyConfig struct {
	Driver       string // log, redis or kafka
	Channel      string
	KafkaBrokers []string
}

// Load reads the configuration from the environment, after merging an
// optional .env file from the working directory.
func Load(logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := godotenv.Load(".env"); err != nil {
		logger.Warn("no .env file loaded", zap.Error(err))
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Env:  getEnv("ENVIRONMENT", "development"),
		},
		DatabaseURL: getEnv("DATABASE_URL", "memory://"),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		MTN: MTNConfig{
			BaseURL:           getEnv("MTN_BASE_URL", "https://sandbox.momodeveloper.mtn.com"),
			ClientID:          getEnv("MTN_CLIENT_ID", ""),
			ClientSecret:      getEnv("MTN_CLIENT_SECRET", ""),
			SubscriptionKey:   getEnv("MTN_SUBSCRIPTION_KEY", ""),
			TargetEnvironment: getEnv("MTN_TARGET_ENVIRONMENT", "sandbox"),
		},
		Airtel: AirtelConfig{
			BaseURL:      getEnv("AIRTEL_BASE_URL", "https://openapiuat.airtel.africa"),
			ClientID:     getEnv("AIRTEL_CLIENT_ID", ""),
			ClientSecret: getEnv("AIRTEL_CLIENT_SECRET", ""),
			Country:      getEnv("AIRTEL_COUNTRY", "UG"),
			Currency:     strings.ToUpper(getEnv("AIRTEL_CURRENCY", getEnv("DEFAULT_CURRENCY", "UGX"))),
		},
		Gateway: GatewayConfig{
			Timeout:            getEnvDuration("PROVIDER_TIMEOUT", 30*time.Second),
			BreakerMaxFailures: uint32(getEnvInt("BREAKER_MAX_FAILURES", 5)),
			BreakerOpenTimeout: getEnvDuration("BREAKER_OPEN_TIMEOUT", 30*time.Second),
		},
		Sweeper: SweeperConfig{
			Enabled:     getEnvBool("SWEEPER_ENABLED", true),
			Interval:    getEnvDuration("SWEEPER_INTERVAL", time.Minute),
			GracePeriod: getEnvDuration("PENDING_GRACE_PERIOD", 15*time.Minute),
			BatchSize:   getEnvInt("SWEEPER_BATCH_SIZE", 100),
		},
		Notify: NotifyConfig{
			Driver:       strings.ToLower(getEnv("NOTIFY_DRIVER", "log")),
			Channel:      getEnv("NOTIFY_CHANNEL", "payment_events"),
			KafkaBrokers: splitList(getEnv("KAFKA_BROKERS", "")),
		},
		Currency:     strings.ToUpper(getEnv("DEFAULT_CURRENCY", "UGX")),
		CallbackHost: getEnv("CALLBACK_HOST", ""),
	}

	if cfg.MTN.ClientID == "" || cfg.MTN.ClientSecret == "" {
		logger.Warn("MTN credentials missing, MTN payments will fail authentication")
	}
	if cfg.Airtel.ClientID == "" || cfg.Airtel.ClientSecret == "" {
		logger.Warn("Airtel credentials missing, Airtel payments will fail authentication")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolVal, err := strconv.ParseBool(value)
		if err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		n, err := strconv.Atoi(value)
		if err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
