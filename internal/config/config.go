// Package config defines configuration parsing for the cmd/bridge process.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
)

// Config holds all process configuration parsed from environment variables.
// The engine core itself is unconfigured (construction parameters only);
// this struct exists for the cmd/bridge binary that wires engines, adapters,
// and observability together.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`

	// Mode selects which engine variant cmd/bridge constructs: "single",
	// "quorum", or "decentralized".
	Mode string `env:"BRIDGE_MODE" envDefault:"single" validate:"oneof=single quorum decentralized"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON   bool   `env:"LOG_JSON" envDefault:"true"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"interledger-bridge"`

	// Source/destination wiring for the reference adapters.
	KafkaBrokers  []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	KafkaTopic    string   `env:"KAFKA_TOPIC" envDefault:"interledger-events"`
	KafkaGroupID  string   `env:"KAFKA_GROUP_ID" envDefault:"interledger-bridge"`
	ResponderURL  string   `env:"RESPONDER_URL" envDefault:"http://localhost:8090"`
	InitiatorURL  string   `env:"INITIATOR_URL" envDefault:"http://localhost:8091"`
	LedgerType    string   `env:"RESPONDER_LEDGER_TYPE" envDefault:"ETHEREUM" validate:"oneof=ETHEREUM HYPERLEDGER_FABRIC HYPERLEDGER_INDY KSI"`

	// Quorum mode.
	QuorumResponderURLs []string `env:"QUORUM_RESPONDER_URLS" envSeparator:","`
	QuorumThreshold     int      `env:"QUORUM_THRESHOLD" envDefault:"1" validate:"min=1"`

	// Decentralised mode.
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	HTTPClientTimeout time.Duration `env:"HTTP_CLIENT_TIMEOUT" envDefault:"15s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// PairingFile, when set, points at a static YAML file describing a
	// bidirectional ledger pair (see pairing.go). Only consulted in
	// "single" mode: cmd/bridge then runs two engines, one per direction,
	// instead of the one built from ResponderURL/KafkaTopic directly.
	PairingFile string `env:"BRIDGE_PAIRING_FILE" envDefault:""`
}

// Load parses environment variables into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if cfg.Mode == "quorum" && cfg.QuorumThreshold > len(cfg.QuorumResponderURLs) {
		return Config{}, fmt.Errorf("op=config.Load: quorum threshold %d exceeds %d configured responders",
			cfg.QuorumThreshold, len(cfg.QuorumResponderURLs))
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.EqualFold(c.AppEnv, "dev") }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.EqualFold(c.AppEnv, "prod") }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.EqualFold(c.AppEnv, "test") }
