// Package config loads the YAML configuration shared by the shardmeta
// binaries and applies environment overrides on top of it.
package config

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/shardmeta/internal/errcode"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "SHARDMETA_CONFIG"

// Role selects which sections Validate checks.
type Role string

const (
	RoleRouter    Role = "router"
	RoleShard     Role = "shard"
	RoleConfigSvr Role = "configsvr"
)

// Config is the whole configuration file. Each binary reads the sections it
// needs.
type Config struct {
	Router        RouterConfig        `yaml:"router"`
	Shard         ShardConfig         `yaml:"shard"`
	ConfigSvr     ConfigSvrConfig     `yaml:"configsvr"`
	CatalogClient CatalogClientConfig `yaml:"catalogClient"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type RouterConfig struct {
	Listen string `yaml:"listen"`
}

type ShardConfig struct {
	ID         string          `yaml:"id"`
	Listen     string          `yaml:"listen"`
	PublicAddr string          `yaml:"publicAddr"`
	DataDir    string          `yaml:"dataDir"`
	Migration  MigrationConfig `yaml:"migration"`
}

// MigrationConfig tunes the migration recipient. Zero values fall back to the
// recipient's defaults.
type MigrationConfig struct {
	CatchupMaxPasses   int           `yaml:"catchupMaxPasses"`
	SteadyPollInterval time.Duration `yaml:"steadyPollInterval"`
	CommitTimeout      time.Duration `yaml:"commitTimeout"`
}

type ConfigSvrConfig struct {
	Listen         string        `yaml:"listen"`
	HealthInterval time.Duration `yaml:"healthInterval"`
}

// CatalogClientConfig describes how routers and shards reach the config
// server and how their routing caches refresh.
type CatalogClientConfig struct {
	Addrs              []string      `yaml:"addrs"`
	MaxAttempts        int           `yaml:"maxAttempts"`
	InitialBackoff     time.Duration `yaml:"initialBackoff"`
	RefreshTimeout     time.Duration `yaml:"refreshTimeout"`
	MaxRefreshAttempts int           `yaml:"maxRefreshAttempts"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Router: RouterConfig{Listen: ":8090"},
		Shard: ShardConfig{
			Listen:     ":8081",
			PublicAddr: "http://127.0.0.1:8081",
		},
		ConfigSvr: ConfigSvrConfig{
			Listen:         ":8080",
			HealthInterval: 5 * time.Second,
		},
		CatalogClient: CatalogClientConfig{
			Addrs:              []string{"http://127.0.0.1:8080"},
			MaxAttempts:        5,
			InitialBackoff:     100 * time.Millisecond,
			RefreshTimeout:     30 * time.Second,
			MaxRefreshAttempts: 3,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path (or the file named by SHARDMETA_CONFIG when path is empty)
// over the defaults and then applies environment overrides. No file at all is
// not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "reading config %s", path)
		}
		if err := Parse(raw, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "config %s", path)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

// Parse decodes YAML into cfg. Fields missing from raw keep their values and
// unknown fields are rejected.
func Parse(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errcode.Wrap(errcode.FailedToParse, err, "invalid yaml")
	}
	return nil
}

// ApplyEnv overrides fields from the environment:
//
//	ROUTER_LISTEN     router.listen
//	SHARD_ID          shard.id
//	SHARD_LISTEN      shard.listen
//	SHARD_ADDR        shard.publicAddr
//	SHARD_DATA_DIR    shard.dataDir
//	CONFIGSVR_ADDR    catalogClient.addrs (comma separated)
//	CONFIGSVR_LISTEN  configsvr.listen
//	LOG_LEVEL         logging.level
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(k string, dst *string) {
		if v, ok := lookup(k); ok && v != "" {
			*dst = v
		}
	}
	set("ROUTER_LISTEN", &c.Router.Listen)
	set("SHARD_ID", &c.Shard.ID)
	set("SHARD_LISTEN", &c.Shard.Listen)
	set("SHARD_ADDR", &c.Shard.PublicAddr)
	set("SHARD_DATA_DIR", &c.Shard.DataDir)
	set("CONFIGSVR_LISTEN", &c.ConfigSvr.Listen)
	set("LOG_LEVEL", &c.Logging.Level)

	if v, ok := lookup("CONFIGSVR_ADDR"); ok && v != "" {
		var addrs []string
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				addrs = append(addrs, a)
			}
		}
		c.CatalogClient.Addrs = addrs
	}
	if v, ok := lookup("LOG_DEVELOPMENT"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.Development = b
		}
	}
}

// Validate checks the sections used by role.
func (c Config) Validate(role Role) error {
	if _, err := zap.ParseAtomicLevel(c.Logging.Level); err != nil {
		return errcode.Wrap(errcode.BadValue, err, "logging.level")
	}
	switch role {
	case RoleRouter:
		if c.Router.Listen == "" {
			return errcode.New(errcode.BadValue, "router.listen is required")
		}
		return c.CatalogClient.validate()
	case RoleShard:
		if c.Shard.ID == "" {
			return errcode.New(errcode.BadValue, "shard.id is required")
		}
		if c.Shard.Listen == "" || c.Shard.PublicAddr == "" {
			return errcode.New(errcode.BadValue, "shard.listen and shard.publicAddr are required")
		}
		if c.Shard.Migration.CatchupMaxPasses < 0 {
			return errcode.New(errcode.BadValue, "shard.migration.catchupMaxPasses cannot be negative")
		}
		return c.CatalogClient.validate()
	case RoleConfigSvr:
		if c.ConfigSvr.Listen == "" {
			return errcode.New(errcode.BadValue, "configsvr.listen is required")
		}
		if c.ConfigSvr.HealthInterval <= 0 {
			return errcode.New(errcode.BadValue, "configsvr.healthInterval must be positive")
		}
		return nil
	default:
		return errcode.New(errcode.BadValue, "unknown role %q", role)
	}
}

func (c CatalogClientConfig) validate() error {
	if len(c.Addrs) == 0 {
		return errcode.New(errcode.BadValue, "catalogClient.addrs is required")
	}
	if c.MaxAttempts < 1 || c.MaxRefreshAttempts < 1 {
		return errcode.New(errcode.BadValue, "catalogClient attempts must be at least 1")
	}
	return nil
}
