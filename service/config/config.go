package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/tokenledger/service/ledger"
)

// Ingestion sources.
const (
	SourceRPC     = "rpc"     // paginate signatures over JSON-RPC, then batch fetch details
	SourceHistory = "history" // indexer address history only
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Server configuration
	ServerAddr  string
	MetricsAddr string
	LogLevel    string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Upstream sources
	SolanaRPCURLs  []string
	HeliusAPIURL   string
	HeliusAPIKey   string
	RequestTimeout time.Duration

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
	IngestInterval    time.Duration
	ScheduleOnStart   bool

	// Ingestion
	TrackedMint       string
	ReferenceMint     string
	TrackedAddress    string
	Source            string
	FetchTarget       int
	SignaturePageSize int
	BatchSize         int
	MaxRetries        int
	RetryDelay        time.Duration
	PageDelay         time.Duration
	NormalizeWorkers  int
	SkipExisting      bool

	// Normalization
	ProtocolPatterns     string
	ReferralVaultPattern string
	TimestampUnit        string
}

// Load reads configuration from environment variables and validates it.
// Every problem is collected so a misconfigured deploy reports all of them.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9090")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	cfg.SolanaRPCURLs = splitList(os.Getenv("SOLANA_RPC_URL"))
	cfg.HeliusAPIURL = getEnvOrDefault("HELIUS_API_URL", "https://api.helius.xyz")
	cfg.HeliusAPIKey = os.Getenv("HELIUS_API_KEY")

	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "tokenledger-ingest")

	cfg.TrackedMint = getEnvOrDefault("TRACKED_MINT", ledger.DefaultTrackedMint)
	cfg.ReferenceMint = getEnvOrDefault("REFERENCE_MINT", ledger.DefaultReferenceMint)
	cfg.TrackedAddress = getEnvOrDefault("TRACKED_ADDRESS", cfg.TrackedMint)
	cfg.Source = getEnvOrDefault("INGEST_SOURCE", SourceRPC)
	if cfg.Source != SourceRPC && cfg.Source != SourceHistory {
		errs = append(errs, fmt.Errorf("INGEST_SOURCE must be %q or %q, got %q", SourceRPC, SourceHistory, cfg.Source))
	}

	for _, d := range []struct {
		key, def string
		dst      *time.Duration
	}{
		{"REQUEST_TIMEOUT", "30s", &cfg.RequestTimeout},
		{"INGEST_INTERVAL", "15m", &cfg.IngestInterval},
		{"RETRY_DELAY", "20s", &cfg.RetryDelay},
		{"PAGE_DELAY", "200ms", &cfg.PageDelay},
	} {
		v, err := parseDuration(d.key, d.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*d.dst = v
	}

	for _, n := range []struct {
		key string
		def int
		min int
		dst *int
	}{
		{"FETCH_TARGET", 20, 1, &cfg.FetchTarget},
		{"SIGNATURE_PAGE_SIZE", 10, 1, &cfg.SignaturePageSize},
		{"BATCH_SIZE", 5, 1, &cfg.BatchSize},
		{"MAX_RETRIES", 5, 1, &cfg.MaxRetries},
		{"NORMALIZE_WORKERS", 4, 1, &cfg.NormalizeWorkers},
	} {
		v, err := parseInt(n.key, n.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if v < n.min {
			errs = append(errs, fmt.Errorf("%s must be at least %d, got %d", n.key, n.min, v))
			continue
		}
		*n.dst = v
	}
	if cfg.BatchSize > 100 {
		errs = append(errs, fmt.Errorf("BATCH_SIZE cannot exceed 100, got %d", cfg.BatchSize))
	}

	skip, err := parseBool("SKIP_EXISTING", false)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.SkipExisting = skip

	scheduleOnStart, err := parseBool("SCHEDULE_ON_START", true)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.ScheduleOnStart = scheduleOnStart

	cfg.ProtocolPatterns = getEnvOrDefault("PROTOCOL_PATTERNS", ledger.DefaultProtocolPatterns)
	cfg.ReferralVaultPattern = getEnvOrDefault("REFERRAL_VAULT_PATTERN", ledger.DefaultReferralVaultPattern)
	cfg.TimestampUnit = getEnvOrDefault("TIMESTAMP_UNIT", string(ledger.TimestampSeconds))
	if _, err := cfg.NormalizerOptions(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks a Config built without Load, e.g. in tests.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}
	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}
	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}
	if c.IngestInterval < time.Minute {
		errs = append(errs, fmt.Errorf("IngestInterval must be at least 1 minute"))
	}
	if c.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("MaxRetries must be at least 1"))
	}
	if c.BatchSize < 1 || c.BatchSize > 100 {
		errs = append(errs, fmt.Errorf("BatchSize must be between 1 and 100"))
	}
	if _, err := c.NormalizerOptions(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}
	return nil
}

// ValidateIngest checks the settings only ingesting processes need, so the
// read API can start without upstream credentials.
func (c *Config) ValidateIngest() error {
	var errs []error

	if c.HeliusAPIKey == "" {
		errs = append(errs, fmt.Errorf("HELIUS_API_KEY is required"))
	}
	if c.Source == SourceRPC && len(c.SolanaRPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required when INGEST_SOURCE=%s", SourceRPC))
	}
	if c.TrackedAddress == "" {
		errs = append(errs, fmt.Errorf("TRACKED_ADDRESS is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}
	return nil
}

// NormalizerOptions compiles the normalization settings.
func (c *Config) NormalizerOptions() (ledger.Options, error) {
	protocols, err := ledger.ParseProtocolPatterns(c.ProtocolPatterns)
	if err != nil {
		return ledger.Options{}, fmt.Errorf("PROTOCOL_PATTERNS: %w", err)
	}
	vault, err := regexp.Compile(c.ReferralVaultPattern)
	if err != nil {
		return ledger.Options{}, fmt.Errorf("REFERRAL_VAULT_PATTERN: %w", err)
	}
	unit, err := ledger.ParseTimestampUnit(c.TimestampUnit)
	if err != nil {
		return ledger.Options{}, fmt.Errorf("TIMESTAMP_UNIT: %w", err)
	}
	return ledger.Options{
		TrackedMint:     c.TrackedMint,
		ReferenceMint:   c.ReferenceMint,
		Protocols:       protocols,
		RawTextFallback: true,
		ReferralVault:   vault,
		TimestampUnit:   unit,
	}, nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q: %w", key, value, err)
	}
	return result, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
