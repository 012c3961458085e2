package swcache

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverMemory  = "memory"
	DriverLevelDB = "leveldb"
	DriverS3      = "s3"
)

// DefaultPrecache is the must-have list cached into the static partition on
// install. Relative entries are resolved against server.origin.
var DefaultPrecache = []string{
	"/",
	"/manifest.json",
	"/robots.txt",
	"/sitemap.xml",
	"https://fonts.googleapis.com/css2?family=Inter:wght@300;400;500;600;700&display=swap",
}

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Cache struct {
		Namespace     string   `yaml:"namespace"`
		Version       string   `yaml:"version"`
		Precache      []string `yaml:"precache"`
		BypassCookies []string `yaml:"bypassCookies"`
	} `yaml:"cache"`

	Storage struct {
		Driver string `yaml:"driver"`
		RAM    struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		LevelDB struct {
			Path string `yaml:"path"`
		} `yaml:"leveldb"`
		S3 S3Config `yaml:"s3"`

		ramMaxBytes int64
	} `yaml:"storage"`

	Network struct {
		Timeout           string `yaml:"timeout"`
		RevalidateTimeout string `yaml:"revalidateTimeout"`
		MaxRevalidations  int    `yaml:"maxRevalidations"`

		timeoutDur    time.Duration
		revalidateDur time.Duration
	} `yaml:"network"`

	Logging struct {
		Level      string `yaml:"level"`
		StatsEvery string `yaml:"statsEvery"`

		level         slog.Level
		statsEveryDur time.Duration
	} `yaml:"logging"`

	URLsDiscover struct {
		Sitemaps        []string `yaml:"sitemaps"`
		InitialDelay    string   `yaml:"initialDelay"`
		RediscoverEvery string   `yaml:"rediscoverEvery"`

		initialDelayDur    time.Duration
		rediscoverEveryDur time.Duration
	} `yaml:"urlsDiscover"`
}

type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	Prefix    string `yaml:"prefix"`
	PathStyle bool   `yaml:"pathStyle"`
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, errors.CodeInvalidConfig, "read config %s", path)
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, fills defaults and validates the result.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.Wrap(err, errors.CodeInvalidConfig, "parse config")
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return Config{}, errors.New(errors.CodeInvalidConfig, "server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if u, err := url.Parse(cfg.Server.Origin); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Config{}, errors.Newf(errors.CodeInvalidConfig, "server.origin must be an absolute http(s) URL, got %q", cfg.Server.Origin)
	}

	if cfg.Cache.Namespace == "" {
		cfg.Cache.Namespace = "site"
	}
	cfg.Cache.Version = strings.TrimPrefix(strings.TrimSpace(cfg.Cache.Version), "v")
	if cfg.Cache.Version == "" {
		return Config{}, errors.New(errors.CodeInvalidConfig, "cache.version is required")
	}
	if cfg.Cache.Precache == nil {
		cfg.Cache.Precache = append([]string(nil), DefaultPrecache...)
	}

	if err := cfg.compileStorage(); err != nil {
		return Config{}, err
	}
	if err := cfg.compileNetwork(); err != nil {
		return Config{}, err
	}
	if err := cfg.compileLogging(); err != nil {
		return Config{}, err
	}
	if err := cfg.compileDiscover(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compileStorage() error {
	st := &cfg.Storage
	if st.Driver == "" {
		st.Driver = DriverMemory
	}
	switch st.Driver {
	case DriverMemory:
	case DriverLevelDB:
		if st.LevelDB.Path == "" {
			st.LevelDB.Path = "./data/leveldb"
		}
	case DriverS3:
		if st.S3.Bucket == "" {
			return errors.New(errors.CodeInvalidConfig, "storage.s3.bucket is required")
		}
		if st.S3.Region == "" {
			st.S3.Region = "us-east-1"
		}
	default:
		return errors.Newf(errors.CodeInvalidConfig, "storage.driver: unknown driver %q", st.Driver)
	}
	if st.RAM.Max != "" {
		n, err := parseBytes(st.RAM.Max)
		if err != nil {
			return errors.Wrap(err, errors.CodeInvalidConfig, "storage.ram.max")
		}
		st.ramMaxBytes = n
	}
	return nil
}

func (cfg *Config) compileNetwork() error {
	n := &cfg.Network
	var err error
	if n.timeoutDur, err = parseDurationDefault(n.Timeout, 30*time.Second); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "network.timeout")
	}
	if n.revalidateDur, err = parseDurationDefault(n.RevalidateTimeout, 30*time.Second); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "network.revalidateTimeout")
	}
	if n.MaxRevalidations == 0 {
		n.MaxRevalidations = 32
	}
	if n.MaxRevalidations < 0 {
		return errors.New(errors.CodeInvalidConfig, "network.maxRevalidations must be positive")
	}
	return nil
}

func (cfg *Config) compileLogging() error {
	l := &cfg.Logging
	if l.Level == "" {
		l.Level = "info"
	}
	if err := l.level.UnmarshalText([]byte(l.Level)); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "logging.level")
	}
	var err error
	if l.statsEveryDur, err = parseDurationDefault(l.StatsEvery, 0); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "logging.statsEvery")
	}
	return nil
}

func (cfg *Config) compileDiscover() error {
	d := &cfg.URLsDiscover
	var err error
	if d.initialDelayDur, err = parseDurationDefault(d.InitialDelay, 0); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "urlsDiscover.initialDelay")
	}
	if d.rediscoverEveryDur, err = parseDurationDefault(d.RediscoverEvery, 0); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "urlsDiscover.rediscoverEvery")
	}
	return nil
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// LogLevel is the parsed logging.level.
func (cfg Config) LogLevel() slog.Level { return cfg.Logging.level }

// NewProvider builds the partition provider selected by storage.driver. For the
// durable drivers a non-zero storage.ram.max adds a RAM tier in front.
func (cfg Config) NewProvider(ctx context.Context, logger *slog.Logger) (Provider, error) {
	var (
		back Provider
		err  error
	)
	switch cfg.Storage.Driver {
	case DriverLevelDB:
		back, err = NewLevelDBProvider(cfg.Storage.LevelDB.Path)
	case DriverS3:
		back, err = NewS3Provider(ctx, cfg.Storage.S3)
	default:
		return NewMemoryProvider(cfg.Storage.ramMaxBytes, newRateLimitedLogger(logger, time.Minute)), nil
	}
	if err != nil {
		return nil, err
	}
	if cfg.Storage.ramMaxBytes > 0 {
		return NewTieredProvider(back, cfg.Storage.ramMaxBytes, newRateLimitedLogger(logger, time.Minute)), nil
	}
	return back, nil
}

// Options converts the config into worker options. Provider, fetcher and
// logger are left for the caller to supply.
func (cfg Config) Options() Options {
	return Options{
		Namespace:         cfg.Cache.Namespace,
		Version:           cfg.Cache.Version,
		Origin:            cfg.Server.Origin,
		Precache:          cfg.Cache.Precache,
		BypassCookies:     cfg.Cache.BypassCookies,
		RevalidateTimeout: cfg.Network.revalidateDur,
		MaxRevalidations:  cfg.Network.MaxRevalidations,
		StatsEvery:        cfg.Logging.statsEveryDur,
		Sitemaps:          cfg.URLsDiscover.Sitemaps,
		DiscoverDelay:     cfg.URLsDiscover.initialDelayDur,
		DiscoverEvery:     cfg.URLsDiscover.rediscoverEveryDur,
	}
}

// FetchTimeout is the parsed network.timeout.
func (cfg Config) FetchTimeout() time.Duration { return cfg.Network.timeoutDur }
