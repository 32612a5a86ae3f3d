// Package config loads downloader settings from defaults, ~/.cdsapirc, an
// optional config file, .env, ERA5_* environment variables and CLI flags.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"era5-downloader/internal/archive"
	"era5-downloader/internal/cache"
	"era5-downloader/internal/embargo"
	"era5-downloader/internal/era5"
	"era5-downloader/internal/fetch"
	"era5-downloader/internal/planner"
)

// EnvPrefix is prepended to every environment override, e.g. ERA5_CACHE_DIR.
const EnvPrefix = "ERA5"

type Config struct {
	Archive ArchiveConfig `mapstructure:"archive" json:"archive"`
	Cache   CacheConfig   `mapstructure:"cache" json:"cache"`
	Fetch   FetchConfig   `mapstructure:"fetch" json:"fetch"`
	Plan    PlanConfig    `mapstructure:"plan" json:"plan"`
	Log     LogConfig     `mapstructure:"log" json:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics"`

	// Catalog overrides the embedded variable table with a JSON file.
	Catalog string `mapstructure:"catalog" json:"catalog"`
}

type ArchiveConfig struct {
	URL            string        `mapstructure:"url" json:"url"`
	Key            string        `mapstructure:"key" json:"-"`
	Dataset        string        `mapstructure:"dataset" json:"dataset"`
	PollInterval   time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
	JobTimeout     time.Duration `mapstructure:"job_timeout" json:"job_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" json:"request_timeout"`

	RateLimit float64 `mapstructure:"rate_limit" json:"rate_limit"` // job submissions per second, 0 = unlimited
	RateBurst int     `mapstructure:"rate_burst" json:"rate_burst"`

	BreakerFailures int           `mapstructure:"breaker_failures" json:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown" json:"breaker_cooldown"`
}

type CacheConfig struct {
	Backend       string `mapstructure:"backend" json:"backend"` // fs | sqlite | redis | memory
	Dir           string `mapstructure:"dir" json:"dir"`
	SQLitePath    string `mapstructure:"sqlite_path" json:"sqlite_path"`
	RedisAddr     string `mapstructure:"redis_addr" json:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" json:"-"`
	RedisDB       int    `mapstructure:"redis_db" json:"redis_db"`
	Prefix        string `mapstructure:"prefix" json:"prefix"`
}

type FetchConfig struct {
	Workers        int           `mapstructure:"workers" json:"workers"`
	MaxAttempts    int           `mapstructure:"max_attempts" json:"max_attempts"`
	BaseBackoff    time.Duration `mapstructure:"base_backoff" json:"base_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" json:"max_backoff"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" json:"attempt_timeout"`
}

type PlanConfig struct {
	// StartYear is the first year queried; 0 means the dataset start.
	StartYear    int           `mapstructure:"start_year" json:"start_year"`
	MaxItems     int           `mapstructure:"max_items" json:"max_items"`
	FreshFor     time.Duration `mapstructure:"fresh_for" json:"fresh_for"`
	EmbargoDelay time.Duration `mapstructure:"embargo_delay" json:"embargo_delay"`
}

type LogConfig struct {
	Env   string `mapstructure:"env" json:"env"` // prod | dev
	Level string `mapstructure:"level" json:"level"`
}

type MetricsConfig struct {
	// Addr enables the status server when non-empty, e.g. ":9090".
	Addr string `mapstructure:"addr" json:"addr"`
}

// Defaults returns the built-in settings.
func Defaults() Config {
	return Config{
		Archive: ArchiveConfig{
			URL:             archive.DefaultBaseURL,
			Dataset:         archive.DefaultDataset,
			PollInterval:    5 * time.Second,
			JobTimeout:      2 * time.Hour,
			RequestTimeout:  60 * time.Second,
			RateLimit:       1,
			RateBurst:       4,
			BreakerFailures: 5,
			BreakerCooldown: 2 * time.Minute,
		},
		Cache: CacheConfig{
			Backend: "fs",
			Dir:     "cdsdownload",
			Prefix:  "era5",
		},
		Fetch: FetchConfig{
			Workers:        4,
			MaxAttempts:    5,
			BaseBackoff:    2 * time.Second,
			MaxBackoff:     2 * time.Minute,
			AttemptTimeout: 2 * time.Hour,
		},
		Plan: PlanConfig{
			MaxItems:     planner.DefaultMaxItems,
			FreshFor:     planner.DefaultFreshFor,
			EmbargoDelay: embargo.DefaultDelay,
		},
		Log: LogConfig{
			Env:   "prod",
			Level: "info",
		},
	}
}

// WithDefaults returns a copy with zero fields filled from Defaults.
func (c Config) WithDefaults() Config {
	d := Defaults()

	if c.Archive.URL == "" {
		c.Archive.URL = d.Archive.URL
	}
	c.Archive.URL = strings.TrimRight(c.Archive.URL, "/")
	if c.Archive.Dataset == "" {
		c.Archive.Dataset = d.Archive.Dataset
	}
	if c.Archive.PollInterval <= 0 {
		c.Archive.PollInterval = d.Archive.PollInterval
	}
	if c.Archive.JobTimeout <= 0 {
		c.Archive.JobTimeout = d.Archive.JobTimeout
	}
	if c.Archive.RequestTimeout <= 0 {
		c.Archive.RequestTimeout = d.Archive.RequestTimeout
	}
	if c.Archive.RateBurst <= 0 {
		c.Archive.RateBurst = d.Archive.RateBurst
	}
	if c.Archive.BreakerFailures <= 0 {
		c.Archive.BreakerFailures = d.Archive.BreakerFailures
	}
	if c.Archive.BreakerCooldown <= 0 {
		c.Archive.BreakerCooldown = d.Archive.BreakerCooldown
	}

	if c.Cache.Backend == "" {
		c.Cache.Backend = d.Cache.Backend
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = d.Cache.Dir
	}
	if c.Cache.Prefix == "" {
		c.Cache.Prefix = d.Cache.Prefix
	}

	if c.Fetch.Workers <= 0 {
		c.Fetch.Workers = d.Fetch.Workers
	}
	if c.Fetch.MaxAttempts <= 0 {
		c.Fetch.MaxAttempts = d.Fetch.MaxAttempts
	}
	if c.Fetch.BaseBackoff <= 0 {
		c.Fetch.BaseBackoff = d.Fetch.BaseBackoff
	}
	if c.Fetch.MaxBackoff <= 0 {
		c.Fetch.MaxBackoff = d.Fetch.MaxBackoff
	}
	if c.Fetch.AttemptTimeout <= 0 {
		c.Fetch.AttemptTimeout = d.Fetch.AttemptTimeout
	}

	if c.Plan.MaxItems <= 0 {
		c.Plan.MaxItems = d.Plan.MaxItems
	}
	if c.Plan.FreshFor <= 0 {
		c.Plan.FreshFor = d.Plan.FreshFor
	}
	if c.Plan.EmbargoDelay <= 0 {
		c.Plan.EmbargoDelay = d.Plan.EmbargoDelay
	}

	if c.Log.Env == "" {
		c.Log.Env = d.Log.Env
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	return c
}

func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Archive),
		validation.Field(&c.Cache),
		validation.Field(&c.Fetch),
		validation.Field(&c.Plan),
		validation.Field(&c.Log),
	)
}

func (a ArchiveConfig) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.URL, validation.Required, is.URL),
		validation.Field(&a.Dataset, validation.Required),
		validation.Field(&a.RateLimit, validation.Min(0.0)),
	)
}

func (c CacheConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Backend, validation.Required, validation.In("fs", "sqlite", "redis", "memory")),
		validation.Field(&c.Dir, validation.When(c.Backend == "fs", validation.Required)),
		validation.Field(&c.RedisAddr, validation.When(c.Backend == "redis", validation.Required)),
	)
}

func (f FetchConfig) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.Workers, validation.Min(1), validation.Max(64)),
		validation.Field(&f.MaxAttempts, validation.Min(1)),
	)
}

func (p PlanConfig) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.StartYear,
			validation.When(p.StartYear != 0, validation.Min(era5.DatasetStart.Year()))),
		validation.Field(&p.MaxItems, validation.Min(24)),
	)
}

func (l LogConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Env, validation.In("prod", "dev")),
		validation.Field(&l.Level, validation.In("debug", "info", "warn", "error")),
	)
}

// RequireCredentials reports a missing archive key. Offline runs skip it.
func (c Config) RequireCredentials() error {
	if strings.TrimSpace(c.Archive.Key) == "" {
		return fmt.Errorf("config: archive key is not set (ERA5_ARCHIVE_KEY, CDSAPI_KEY or ~/.cdsapirc)")
	}
	return nil
}

// Client maps the archive section onto the CDS client config.
func (a ArchiveConfig) Client() archive.Config {
	return archive.Config{
		BaseURL:        a.URL,
		APIKey:         a.Key,
		Dataset:        a.Dataset,
		PollInterval:   a.PollInterval,
		JobTimeout:     a.JobTimeout,
		RequestTimeout: a.RequestTimeout,
	}
}

func (a ArchiveConfig) Breaker() archive.BreakerConfig {
	return archive.BreakerConfig{
		ConsecutiveFailures: uint32(a.BreakerFailures),
		Cooldown:            a.BreakerCooldown,
	}
}

func (c CacheConfig) Store() cache.Config {
	return cache.Config{
		Backend:    c.Backend,
		Dir:        c.Dir,
		SQLitePath: c.SQLitePath,
		Prefix:     c.Prefix,
	}
}

func (f FetchConfig) Executor() fetch.Config {
	return fetch.Config{
		Workers:        f.Workers,
		MaxAttempts:    f.MaxAttempts,
		BaseBackoff:    f.BaseBackoff,
		MaxBackoff:     f.MaxBackoff,
		AttemptTimeout: f.AttemptTimeout,
	}
}

func (p PlanConfig) Planner() planner.Config {
	cfg := planner.Config{
		MaxItems: p.MaxItems,
		FreshFor: p.FreshFor,
		Embargo:  embargo.New(p.EmbargoDelay),
	}
	if p.StartYear > era5.DatasetStart.Year() {
		cfg.DatasetStart = time.Date(p.StartYear, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	return cfg
}

// FlagKeys maps CLI flag names onto config keys.
var FlagKeys = map[string]string{
	"catalog":       "catalog",
	"cache-backend": "cache.backend",
	"cache-dir":     "cache.dir",
	"workers":       "fetch.workers",
	"start-year":    "plan.start_year",
	"metrics-addr":  "metrics.addr",
	"log-level":     "log.level",
}

type LoadOptions struct {
	// ConfigFile is an optional YAML, TOML or JSON file.
	ConfigFile string
	// DotEnv defaults to ".env" in the working directory. Missing files are ignored.
	DotEnv string
	// RCFile defaults to ~/.cdsapirc. Missing files are ignored.
	RCFile string
	// Flags, when set, override every other source for the keys in FlagKeys.
	Flags *pflag.FlagSet
}

// Load resolves the configuration. Precedence, lowest first: defaults,
// ~/.cdsapirc, config file, environment (including .env), flags.
func Load(opts LoadOptions) (*Config, error) {
	dotenv := opts.DotEnv
	if dotenv == "" {
		dotenv = ".env"
	}
	// godotenv never overrides variables that are already set.
	if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load %s: %w", dotenv, err)
	}

	v := viper.New()
	setDefaults(v, Defaults())

	rcPath := opts.RCFile
	if rcPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			rcPath = filepath.Join(home, ".cdsapirc")
		}
	}
	if rcPath != "" {
		rc, err := readRCFile(rcPath)
		if err != nil {
			return nil, err
		}
		if rc.URL != "" {
			v.SetDefault("archive.url", rc.URL)
		}
		if rc.Key != "" {
			v.SetDefault("archive.key", rc.Key)
		}
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", opts.ConfigFile, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// the variable names used by the official cdsapi client
	if err := v.BindEnv("archive.url", EnvPrefix+"_ARCHIVE_URL", "CDSAPI_URL"); err != nil {
		return nil, fmt.Errorf("config: bind env: %w", err)
	}
	if err := v.BindEnv("archive.key", EnvPrefix+"_ARCHIVE_KEY", "CDSAPI_KEY"); err != nil {
		return nil, fmt.Errorf("config: bind env: %w", err)
	}

	if opts.Flags != nil {
		for name, key := range FlagKeys {
			f := opts.Flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("config: bind flag --%s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("catalog", d.Catalog)

	v.SetDefault("archive.url", d.Archive.URL)
	v.SetDefault("archive.key", d.Archive.Key)
	v.SetDefault("archive.dataset", d.Archive.Dataset)
	v.SetDefault("archive.poll_interval", d.Archive.PollInterval)
	v.SetDefault("archive.job_timeout", d.Archive.JobTimeout)
	v.SetDefault("archive.request_timeout", d.Archive.RequestTimeout)
	v.SetDefault("archive.rate_limit", d.Archive.RateLimit)
	v.SetDefault("archive.rate_burst", d.Archive.RateBurst)
	v.SetDefault("archive.breaker_failures", d.Archive.BreakerFailures)
	v.SetDefault("archive.breaker_cooldown", d.Archive.BreakerCooldown)

	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.dir", d.Cache.Dir)
	v.SetDefault("cache.sqlite_path", d.Cache.SQLitePath)
	v.SetDefault("cache.redis_addr", d.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", d.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", d.Cache.RedisDB)
	v.SetDefault("cache.prefix", d.Cache.Prefix)

	v.SetDefault("fetch.workers", d.Fetch.Workers)
	v.SetDefault("fetch.max_attempts", d.Fetch.MaxAttempts)
	v.SetDefault("fetch.base_backoff", d.Fetch.BaseBackoff)
	v.SetDefault("fetch.max_backoff", d.Fetch.MaxBackoff)
	v.SetDefault("fetch.attempt_timeout", d.Fetch.AttemptTimeout)

	v.SetDefault("plan.start_year", d.Plan.StartYear)
	v.SetDefault("plan.max_items", d.Plan.MaxItems)
	v.SetDefault("plan.fresh_for", d.Plan.FreshFor)
	v.SetDefault("plan.embargo_delay", d.Plan.EmbargoDelay)

	v.SetDefault("log.env", d.Log.Env)
	v.SetDefault("log.level", d.Log.Level)

	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// RC holds the two settings the cdsapi client keeps in ~/.cdsapirc.
type RC struct {
	URL string
	Key string
}

func readRCFile(path string) (RC, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return RC{}, nil
	}
	if err != nil {
		return RC{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	rc, err := ParseRC(f)
	if err != nil {
		return RC{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return rc, nil
}

// ParseRC reads "url: ..." and "key: ..." lines. Other lines are ignored.
func ParseRC(r io.Reader) (RC, error) {
	var rc RC
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "url":
			rc.URL = value
		case "key":
			rc.Key = value
		}
	}
	return rc, sc.Err()
}
