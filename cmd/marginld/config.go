package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// Config is read from MARGIN_* environment variables and can be overridden
// by flags.
type Config struct {
	DataDir  string `envconfig:"DATA_DIR" default:".marginld"`
	DBType   string `envconfig:"DB" default:"badgerdb"` // "badgerdb" or "memory"
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	HTTPPort      int    `envconfig:"HTTP_PORT" default:"8090"`
	NATSURL       string `envconfig:"NATS_URL"`
	SubjectPrefix string `envconfig:"SUBJECT_PREFIX" default:"margin"`
	ZMQEndpoint   string `envconfig:"ZMQ_ENDPOINT"`

	SweepInterval  time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	Policy         string        `envconfig:"POLICY" default:"exact"` // "exact" or "threshold"
	FeeBasisPoints string        `envconfig:"FEE_BPS" default:"10"`
	MaxPriceChange string        `envconfig:"MAX_PRICE_CHANGE" default:"10"`
	InitialPrice   string        `envconfig:"INITIAL_PRICE"`
}

func loadConfig(args []string) (*Config, error) {
	var config Config
	if err := envconfig.Process("MARGIN", &config); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	fs := flag.NewFlagSet("marginld", flag.ContinueOnError)
	fs.StringVar(&config.DataDir, "data-dir", config.DataDir, "Data directory (relative to $HOME unless absolute)")
	fs.StringVar(&config.DBType, "db", config.DBType, "Database type (badgerdb, memory)")
	fs.StringVar(&config.LogLevel, "log-level", config.LogLevel, "Log level (debug, info, warn, error)")
	fs.IntVar(&config.HTTPPort, "http-port", config.HTTPPort, "HTTP port for /metrics, /ws and /health")
	fs.StringVar(&config.NATSURL, "nats", config.NATSURL, "NATS server URL (empty disables RPC and event publishing)")
	fs.StringVar(&config.SubjectPrefix, "prefix", config.SubjectPrefix, "NATS subject prefix")
	fs.StringVar(&config.ZMQEndpoint, "zmq", config.ZMQEndpoint, "ZMQ PUB endpoint for events")
	fs.DurationVar(&config.SweepInterval, "sweep-interval", config.SweepInterval, "Maintenance sweep interval")
	fs.StringVar(&config.Policy, "policy", config.Policy, "Liquidation policy (exact, threshold)")
	fs.StringVar(&config.FeeBasisPoints, "fee-bps", config.FeeBasisPoints, "Maintenance fee in basis points per unit of leverage")
	fs.StringVar(&config.MaxPriceChange, "max-price-change", config.MaxPriceChange, "Largest accepted price move in percent (0 disables)")
	fs.StringVar(&config.InitialPrice, "price", config.InitialPrice, "Initial spot price")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	switch c.DBType {
	case "badgerdb", "memory":
	default:
		return fmt.Errorf("unknown database type %q", c.DBType)
	}
	switch c.Policy {
	case "exact", "threshold":
	default:
		return fmt.Errorf("unknown liquidation policy %q", c.Policy)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	if _, err := c.feeRate(); err != nil {
		return err
	}
	if _, err := c.maxChange(); err != nil {
		return err
	}
	return nil
}

func (c *Config) feeRate() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.FeeBasisPoints)
	if err != nil || d.IsNegative() {
		return decimal.Zero, fmt.Errorf("invalid fee rate %q", c.FeeBasisPoints)
	}
	return d, nil
}

func (c *Config) maxChange() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.MaxPriceChange)
	if err != nil || d.IsNegative() {
		return decimal.Zero, fmt.Errorf("invalid max price change %q", c.MaxPriceChange)
	}
	return d, nil
}

func (c *Config) dataPath() string {
	if filepath.IsAbs(c.DataDir) {
		return c.DataDir
	}
	return filepath.Join(os.Getenv("HOME"), c.DataDir)
}
