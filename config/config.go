package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Server
	Port     string `envconfig:"PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	// "json" or "console"
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	// empty means stdout
	LogFile string `envconfig:"LOG_FILE"`

	// Storage: "memory", "redis" or "postgres"
	StoreBackend string `envconfig:"STORE_BACKEND" default:"memory"`
	PostgresDSN  string `envconfig:"POSTGRES_DSN"`
	RedisAddr    string `envconfig:"REDIS_ADDR"`

	// Tool policy
	DataDir         string        `envconfig:"PDFTOOLS_DATA_DIR" default:"./data"`
	ToolsConfigPath string        `envconfig:"TOOLS_CONFIG_PATH"`
	PolicySource    string        `envconfig:"POLICY_SOURCE" default:"file"`
	PolicyRedisKey  string        `envconfig:"POLICY_REDIS_KEY" default:"tools-config"`
	PolicyCacheTTL  time.Duration `envconfig:"POLICY_CACHE_TTL" default:"5s"`

	// Processors
	PDFConverterURL  string        `envconfig:"PDF_CONVERTER_API_BASE_URL" default:"http://localhost:8000"`
	YouTubeURL       string        `envconfig:"YOUTUBE_API_BASE_URL" default:"http://localhost:8000"`
	ProcessorTimeout time.Duration `envconfig:"PROCESSOR_TIMEOUT" default:"120s"`

	// Artifacts
	UploadDir            string        `envconfig:"UPLOAD_DIR" default:"./uploads/tmp"`
	ArtifactTTL          time.Duration `envconfig:"ARTIFACT_TTL" default:"1h"`
	ArtifactSweep        time.Duration `envconfig:"ARTIFACT_SWEEP_INTERVAL" default:"10m"`
	MaxUploadBytes       int64         `envconfig:"MAX_UPLOAD_BYTES" default:"52428800"`
	InlineResultMaxBytes int64         `envconfig:"INLINE_RESULT_MAX_BYTES" default:"0"`

	// Payments
	OrdersPath    string        `envconfig:"ORDERS_PATH"`
	PublicBaseURL string        `envconfig:"PUBLIC_BASE_URL" default:"http://localhost:3000"`
	UpgradeURL    string        `envconfig:"UPGRADE_URL" default:"/premium"`
	PremiumPeriod time.Duration `envconfig:"PREMIUM_PERIOD" default:"720h"`
	// "none" disables the payment routes; "stub" approves every payment and is for development only
	PaymentGateway string `envconfig:"PAYMENT_GATEWAY" default:"none"`

	// Bearer token for the /admin routes; empty disables them
	AdminToken string `envconfig:"ADMIN_TOKEN"`

	// Identity
	TrustedProxyHeaders []string `envconfig:"TRUSTED_PROXY_HEADERS" default:"X-Forwarded-For,X-Real-IP"`
	SessionCookie       string   `envconfig:"SESSION_COOKIE" default:"token"`
	// HS256 secret for session tokens; empty disables token verification
	SessionSecret string `envconfig:"SESSION_JWT_SECRET"`

	// Rate Limiting: requests per minute per client on tool runs
	RateLimitRPM int `envconfig:"RATE_LIMIT_RPM" default:"60"`
	// Units charged per run to callers without an account
	RateLimitAnonCost int `envconfig:"RATE_LIMIT_ANON_COST" default:"1"`

	// Observability: "none", "stdout" or "otlp"
	OTELExporterType     string  `envconfig:"OTEL_EXPORTER_TYPE" default:"none"`
	OTELExporterEndpoint string  `envconfig:"OTEL_EXPORTER_ENDPOINT" default:"localhost:4317"`
	OTELInsecure         bool    `envconfig:"OTEL_EXPORTER_INSECURE" default:"true"`
	OTELSampleRatio      float64 `envconfig:"OTEL_SAMPLE_RATIO" default:"1"`

	RunSeed bool `envconfig:"RUN_SEED" default:"false"`
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.ToolsConfigPath == "" {
		cfg.ToolsConfigPath = filepath.Join(cfg.DataDir, "tools-config.json")
	}
	if cfg.OrdersPath == "" {
		cfg.OrdersPath = filepath.Join(cfg.DataDir, "orders.json")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for STORE_BACKEND=redis")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for STORE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.PolicySource {
	case "file":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for POLICY_SOURCE=redis")
		}
	default:
		return fmt.Errorf("invalid POLICY_SOURCE %q", c.PolicySource)
	}

	switch c.PaymentGateway {
	case "", "none", "stub":
	default:
		return fmt.Errorf("invalid PAYMENT_GATEWAY %q", c.PaymentGateway)
	}

	if c.ProcessorTimeout <= 0 {
		return fmt.Errorf("PROCESSOR_TIMEOUT must be positive")
	}
	if c.ArtifactTTL <= 0 || c.ArtifactSweep <= 0 {
		return fmt.Errorf("ARTIFACT_TTL and ARTIFACT_SWEEP_INTERVAL must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
	}
	if c.OTELSampleRatio < 0 || c.OTELSampleRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATIO must be within [0, 1]")
	}
	if c.RateLimitAnonCost < 1 {
		return fmt.Errorf("RATE_LIMIT_ANON_COST must be at least 1")
	}
	return nil
}
