package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ModeLambda = "lambda"
	ModePoller = "poller"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	RunMode string

	QueueURL    string
	DLQURL      string
	QueueRegion string

	HotTable   string
	HotRegion  string
	MessageTTL time.Duration

	LogLevel  string
	LogFormat string

	ColdDriver  string
	DatabaseURL string
	SQLitePath  string
	ParamPrefix string

	DataLakeURL      string
	AgentUUIDCSAT    string
	AgentUUIDNPS     string
	FeedbackTimezone string
	RelayMaxRetries  int
	RelayBuffer      int

	Concurrency      int
	HTTPListenAddr   string
	MetricsNamespace string
}

// Load reads the configuration from the environment and validates it.
func Load() (Config, error) {
	defaultMode := ModePoller
	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		defaultMode = ModeLambda
	}
	cfg := Config{
		RunMode:          strings.ToLower(envStr("RUN_MODE", defaultMode)),
		QueueURL:         envStr("SQS_CONVERSATION_QUEUE_URL", ""),
		DLQURL:           envStr("SQS_CONVERSATION_DLQ_URL", ""),
		QueueRegion:      envStr("SQS_CONVERSATION_REGION", "us-east-1"),
		HotTable:         envStr("DYNAMODB_MESSAGE_TABLE", "NexusMessages"),
		HotRegion:        envStr("DYNAMODB_REGION", "us-east-1"),
		MessageTTL:       time.Duration(envInt("MESSAGE_TTL_HOURS", 48)) * time.Hour,
		LogLevel:         envStr("LOG_LEVEL", "info"),
		LogFormat:        envStr("LOG_FORMAT", "json"),
		ColdDriver:       strings.ToLower(envStr("COLD_STORE_DRIVER", DriverPostgres)),
		DatabaseURL:      envStr("DATABASE_URL", ""),
		SQLitePath:       envStr("SQLITE_PATH", "conversation-store.db"),
		ParamPrefix:      strings.TrimRight(envStr("PARAM_PREFIX", ""), "/"),
		DataLakeURL:      envStr("DATALAKE_URL", ""),
		AgentUUIDCSAT:    envStr("AGENT_UUID_CSAT", ""),
		AgentUUIDNPS:     envStr("AGENT_UUID_NPS", ""),
		FeedbackTimezone: envStr("FEEDBACK_TIMEZONE", "America/Sao_Paulo"),
		RelayMaxRetries:  envInt("RELAY_MAX_RETRIES", 5),
		RelayBuffer:      envInt("RELAY_BUFFER", 256),
		Concurrency:      envInt("CONSUMER_CONCURRENCY", 10),
		HTTPListenAddr:   envStr("HTTP_LISTEN_ADDR", ":8080"),
		MetricsNamespace: envStr("METRICS_NAMESPACE", "conversation_store"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.MessageTTL <= 0 {
		errs = append(errs, errors.New("MESSAGE_TTL_HOURS must be positive"))
	}
	switch c.RunMode {
	case ModeLambda:
	case ModePoller:
		if c.QueueURL == "" {
			errs = append(errs, errors.New("SQS_CONVERSATION_QUEUE_URL is required in poller mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("RUN_MODE %q is not one of lambda, poller", c.RunMode))
	}
	switch c.ColdDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" && c.ParamPrefix == "" {
			errs = append(errs, errors.New("postgres driver needs DATABASE_URL or PARAM_PREFIX"))
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH must not be empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("COLD_STORE_DRIVER %q is not one of postgres, sqlite", c.ColdDriver))
	}
	if c.HotTable == "" {
		errs = append(errs, errors.New("DYNAMODB_MESSAGE_TABLE must not be empty"))
	}
	if c.RelayMaxRetries < 0 {
		errs = append(errs, errors.New("RELAY_MAX_RETRIES must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
