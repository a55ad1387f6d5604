package config

import (
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-yaml/yaml"
	"github.com/pkg/errors"

	"github.com/totegamma/affiliate-ledger/internal/domain"
)

type Config struct {
	Server    Server    `yaml:"server"`
	Affiliate Affiliate `yaml:"affiliate"`
	Upstream  Upstream  `yaml:"upstream"`
	Cache     Cache     `yaml:"cache"`
	Redis     Redis     `yaml:"redis"`
	Memcached Memcached `yaml:"memcached"`
	Trace     Trace     `yaml:"trace"`
	Logging   Logging   `yaml:"logging"`
}

type Server struct {
	Addr            string        `yaml:"addr"`
	CORSOrigins     []string      `yaml:"corsOrigins"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type Affiliate struct {
	CommissionRate       float64 `yaml:"commissionRate"`
	DefaultICOID         string  `yaml:"defaultIcoId"`
	DataFile             string  `yaml:"dataFile"`
	PublicURL            string  `yaml:"publicURL"`
	ReferralScheme       string  `yaml:"referralScheme"`
	MaxPurchaseAmount    float64 `yaml:"maxPurchaseAmount"`
	ResetOnCorrupt       bool    `yaml:"resetOnCorrupt"`
	MaxRequestsPerMinute int     `yaml:"maxRequestsPerMinute"`
	MaxAffiliatesPerIP   int     `yaml:"maxAffiliatesPerIP"`
}

type Upstream struct {
	BaseURL        string        `yaml:"baseURL"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	MaxRetries     int           `yaml:"maxRetries"` // total attempts
	RetryDelay     time.Duration `yaml:"retryDelay"`
	ProbeTimeout   time.Duration `yaml:"probeTimeout"`
}

type Cache struct {
	AffiliateTTL    time.Duration `yaml:"affiliateTTL"`
	MetricsTTL      time.Duration `yaml:"metricsTTL"`
	HealthTTL       time.Duration `yaml:"healthTTL"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type Memcached struct {
	Addr string `yaml:"addr"`
}

type Trace struct {
	Enable   bool   `yaml:"enable"`
	Endpoint string `yaml:"endpoint"`
}

type Logging struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":8000",
			ShutdownTimeout: 10 * time.Second,
		},
		Affiliate: Affiliate{
			CommissionRate:       0.01,
			DefaultICOID:         "main_ico",
			DataFile:             "affiliate_data.json",
			PublicURL:            "http://localhost:8000",
			ReferralScheme:       "solana-action",
			MaxPurchaseAmount:    1_000_000,
			MaxRequestsPerMinute: 60,
			MaxAffiliatesPerIP:   10,
		},
		Upstream: Upstream{
			RequestTimeout: 10 * time.Second,
			MaxRetries:     3,
			RetryDelay:     time.Second,
			ProbeTimeout:   5 * time.Second,
		},
		Cache: Cache{
			AffiliateTTL:    300 * time.Second,
			MetricsTTL:      60 * time.Second,
			HealthTTL:       30 * time.Second,
			CleanupInterval: time.Minute,
		},
		Redis: Redis{
			Channel: "affiliate-events",
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	config := Default()

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "config.Load: open failed")
		}
		defer file.Close()

		err = yaml.NewDecoder(file).Decode(&config)
		if err != nil && !errors.Is(err, io.EOF) {
			return Config{}, errors.Wrap(err, "config.Load: decode failed")
		}
	}

	if err := config.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("MAIN_SERVER_URL"); ok {
		c.Upstream.BaseURL = v
	}
	if v, ok := lookup("AFFILIATE_DATA_FILE"); ok {
		c.Affiliate.DataFile = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		c.Logging.Level = strings.ToLower(v)
	}
	if v, ok := lookup("COMMISSION_RATE"); ok {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.Wrap(err, "config: COMMISSION_RATE")
		}
		c.Affiliate.CommissionRate = rate
	}
	if v, ok := lookup("MAX_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "config: MAX_RETRIES")
		}
		c.Upstream.MaxRetries = n
	}
	if v, ok := lookup("REQUEST_TIMEOUT"); ok {
		d, err := parseSeconds(v)
		if err != nil {
			return errors.Wrap(err, "config: REQUEST_TIMEOUT")
		}
		c.Upstream.RequestTimeout = d
	}
	if v, ok := lookup("RETRY_DELAY"); ok {
		d, err := parseSeconds(v)
		if err != nil {
			return errors.Wrap(err, "config: RETRY_DELAY")
		}
		c.Upstream.RetryDelay = d
	}
	return nil
}

// parseSeconds accepts a bare number of seconds or a Go duration string.
func parseSeconds(v string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	rate := c.Affiliate.CommissionRate
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate < 0 || rate > 1 {
		return fmt.Errorf("config: commissionRate must be within [0, 1], got %v", c.Affiliate.CommissionRate)
	}
	if !strings.HasSuffix(c.Affiliate.DataFile, ".json") {
		return fmt.Errorf("config: dataFile must end with .json, got %q", c.Affiliate.DataFile)
	}
	if c.Affiliate.DefaultICOID == "" {
		return fmt.Errorf("config: defaultIcoId must not be empty")
	}
	if c.Affiliate.MaxPurchaseAmount <= 0 {
		return fmt.Errorf("config: maxPurchaseAmount must be positive")
	}
	if c.Upstream.BaseURL != "" {
		u, err := url.Parse(c.Upstream.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config: baseURL must be an absolute http(s) url, got %q", c.Upstream.BaseURL)
		}
	}
	if c.Upstream.RequestTimeout <= 0 {
		return fmt.Errorf("config: requestTimeout must be positive")
	}
	if c.Upstream.MaxRetries < 1 {
		return fmt.Errorf("config: maxRetries must be at least 1")
	}
	if c.Upstream.RetryDelay < 0 {
		return fmt.Errorf("config: retryDelay must not be negative")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Logging.Level)
	}
	return nil
}

// Domain returns the request-time knobs the usecases need.
func (c Config) Domain() domain.Config {
	return domain.Config{
		CommissionRate:    c.Affiliate.CommissionRate,
		DefaultICOID:      c.Affiliate.DefaultICOID,
		PublicURL:         strings.TrimRight(c.Affiliate.PublicURL, "/"),
		ReferralScheme:    c.Affiliate.ReferralScheme,
		MaxPurchaseAmount: c.Affiliate.MaxPurchaseAmount,
	}
}
