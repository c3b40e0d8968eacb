// Package config parses the normalised configuration surface the view
// syncer core consumes (spec.md §6). It mirrors the teacher's flag-based
// cmd/server/main.go, with an optional YAML overlay file (the teacher's
// root go.mod depends on gopkg.in/yaml.v3 directly).
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the normalised configuration surface named in spec.md §6.
// Exact env-variable parsing beyond this flag/YAML surface is outside the
// core's responsibility (spec.md §6's "Exact env-variable parsing is
// outside this core").
type Config struct {
	ReplicaFile          string        `yaml:"replica_file"`
	CVRDB                string        `yaml:"cvr_db"`
	UpstreamDB           string        `yaml:"upstream_db"`
	AppID                string        `yaml:"app_id"`
	ShardNum             int           `yaml:"shard_num"`
	NumSyncWorkers       int           `yaml:"num_sync_workers"`
	PerUserMutationLimit int           `yaml:"per_user_mutation_limit"`
	QueryURL             string        `yaml:"query_url"`
	LogSlowHydrateMs     int           `yaml:"log_slow_hydrate_ms"`
	LogLevel             string        `yaml:"log_level"`
	KeepaliveMs          int           `yaml:"keepalive_ms"`
}

// SlowHydrateThreshold converts LogSlowHydrateMs to a time.Duration.
func (c Config) SlowHydrateThreshold() time.Duration {
	return time.Duration(c.LogSlowHydrateMs) * time.Millisecond
}

func (c Config) Keepalive() time.Duration {
	return time.Duration(c.KeepaliveMs) * time.Millisecond
}

// Default returns a Config populated with the defaults the teacher's
// cmd/server/main.go uses for its own flag.String/flag.Int calls: sensible,
// non-empty values rather than zero values.
func Default() Config {
	return Config{
		ReplicaFile:          "",
		CVRDB:                "file:cvr.db",
		UpstreamDB:           "",
		AppID:                "zero",
		ShardNum:             0,
		NumSyncWorkers:       5,
		PerUserMutationLimit: 0,
		QueryURL:             "",
		LogSlowHydrateMs:     500,
		LogLevel:             "info",
		KeepaliveMs:          10_000,
	}
}

// ParseFlags parses the CLI surface into cfg, optionally overlaying a YAML
// config file first (configPath, if non-empty, is read before flags are
// applied so CLI flags always win — same precedence the teacher gives
// flag.Parse() over any file-based default).
func ParseFlags(fs *flag.FlagSet, args []string, configPath string) (Config, error) {
	cfg := Default()
	if configPath != "" {
		if err := loadYAML(configPath, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: load %s: %w", configPath, err)
		}
	}

	fs.StringVar(&cfg.ReplicaFile, "replica.file", cfg.ReplicaFile, "path to the replica snapshot file")
	fs.StringVar(&cfg.CVRDB, "cvr.db", cfg.CVRDB, "CVR store DSN")
	fs.StringVar(&cfg.UpstreamDB, "upstream.db", cfg.UpstreamDB, "upstream database DSN")
	fs.StringVar(&cfg.AppID, "app.id", cfg.AppID, "application id")
	fs.IntVar(&cfg.ShardNum, "shard.num", cfg.ShardNum, "shard number")
	fs.IntVar(&cfg.NumSyncWorkers, "numSyncWorkers", cfg.NumSyncWorkers, "number of concurrent ViewSyncer worker slots")
	fs.IntVar(&cfg.PerUserMutationLimit, "perUserMutationLimit", cfg.PerUserMutationLimit, "max mutations per user per window (0 = unlimited)")
	fs.StringVar(&cfg.QueryURL, "query.url", cfg.QueryURL, "named-query resolution endpoint")
	fs.IntVar(&cfg.LogSlowHydrateMs, "log.slowHydrateThreshold", cfg.LogSlowHydrateMs, "slow hydrate warning threshold in ms")
	fs.StringVar(&cfg.LogLevel, "log.level", cfg.LogLevel, "log level: debug|info|warn|error")
	fs.IntVar(&cfg.KeepaliveMs, "keepaliveMs", cfg.KeepaliveMs, "delay before shutting down an empty client group")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.AppID == "" {
		return fmt.Errorf("config: app.id is required")
	}
	if c.NumSyncWorkers <= 0 {
		return fmt.Errorf("config: numSyncWorkers must be positive")
	}
	return nil
}

func loadYAML(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(b, cfg)
}
