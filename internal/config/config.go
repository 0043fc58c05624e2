// Package config loads runtime settings from the environment, optionally
// overlaid from a .env file.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port      string
	LogLevel  string
	LogFormat string
	BaseURL   string

	// TrustedProxies are the peers whose forwarding headers are believed
	// when resolving client addresses.
	TrustedProxies []netip.Prefix

	DatabaseDriver string
	DatabaseURL    string
	RedisURL       string

	ReaderAPIKey  string
	ReaderBaseURL string

	ImagegenAPIKey  string
	ImagegenBaseURL string
	ImagegenModel   string
	RequestTimeout  time.Duration
	PollInterval    time.Duration
	PollTimeout     time.Duration

	StripeSecretKey     string
	StripeWebhookSecret string
	StripePriceStarter  string
	StripePricePro      string
	StarterCredits      int
	ProCredits          int

	PostmarkToken     string
	FromEmail         string
	FreeSignupCredits int

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
}

// Load reads configuration from environment variables, applying defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Port:                getEnv("PORT", "8080"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFormat:           getEnv("LOG_FORMAT", "text"),
		DatabaseDriver:      strings.ToLower(getEnv("DATABASE_DRIVER", "sqlite")),
		DatabaseURL:         getEnv("DATABASE_URL", "infographic.db"),
		RedisURL:            os.Getenv("REDIS_URL"),
		ReaderAPIKey:        os.Getenv("READER_API_KEY"),
		ReaderBaseURL:       strings.TrimRight(getEnv("READER_BASE_URL", "https://r.jina.ai"), "/"),
		ImagegenAPIKey:      os.Getenv("IMAGEGEN_API_KEY"),
		ImagegenBaseURL:     strings.TrimRight(getEnv("IMAGEGEN_BASE_URL", "https://api.kie.ai"), "/"),
		ImagegenModel:       getEnv("IMAGEGEN_MODEL", "nano-banana-pro"),
		RequestTimeout:      time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 60)),
		PollInterval:        time.Second * time.Duration(getInt("POLL_INTERVAL_SECONDS", 3)),
		PollTimeout:         time.Second * time.Duration(getInt("POLL_TIMEOUT_SECONDS", 300)),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripePriceStarter:  os.Getenv("STRIPE_PRICE_STARTER"),
		StripePricePro:      os.Getenv("STRIPE_PRICE_PRO"),
		StarterCredits:      getInt("STARTER_CREDITS", 10),
		ProCredits:          getInt("PRO_CREDITS", 50),
		PostmarkToken:       os.Getenv("POSTMARK_TOKEN"),
		FromEmail:           os.Getenv("FROM_EMAIL"),
		FreeSignupCredits:   getInt("FREE_SIGNUP_CREDITS", 0),
		S3Endpoint:          os.Getenv("S3_ENDPOINT"),
		S3Region:            getEnv("S3_REGION", "auto"),
		S3AccessKey:         os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:         os.Getenv("S3_SECRET_KEY"),
		S3Bucket:            os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:     os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:      getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:            getEnv("S3_PREFIX", "infographics"),
	}
	cfg.BaseURL = strings.TrimRight(getEnv("BASE_URL", "http://localhost:"+cfg.Port), "/")

	proxies, err := parsePrefixes(os.Getenv("TRUSTED_PROXIES"))
	if err != nil {
		return Config{}, fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}
	cfg.TrustedProxies = proxies

	var missing []string
	if cfg.ReaderAPIKey == "" {
		missing = append(missing, "READER_API_KEY")
	}
	if cfg.ImagegenAPIKey == "" {
		missing = append(missing, "IMAGEGEN_API_KEY")
	}
	if cfg.StripeSecretKey != "" && cfg.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if cfg.S3Bucket != "" {
		if cfg.S3AccessKey == "" {
			missing = append(missing, "S3_ACCESS_KEY")
		}
		if cfg.S3SecretKey == "" {
			missing = append(missing, "S3_SECRET_KEY")
		}
		if cfg.S3PublicBaseURL == "" {
			missing = append(missing, "S3_PUBLIC_BASE_URL")
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	switch cfg.DatabaseDriver {
	case "sqlite", "mysql":
	default:
		return Config{}, fmt.Errorf("DATABASE_DRIVER must be sqlite or mysql, got %q", cfg.DatabaseDriver)
	}
	if cfg.PollInterval <= 0 || cfg.PollTimeout < cfg.PollInterval {
		return Config{}, fmt.Errorf("invalid poll settings: interval=%s timeout=%s", cfg.PollInterval, cfg.PollTimeout)
	}

	return cfg, nil
}

// parsePrefixes reads a comma-separated list of CIDRs or bare addresses.
func parsePrefixes(v string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, field := range strings.Split(v, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if strings.Contains(field, "/") {
			p, err := netip.ParsePrefix(field)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(field)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// loadEnvFile overlays the first env file found. Running without one is
// fine; the process environment is used as is.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
