package config

// Package config provides a reusable loader for Torii configuration files
// and environment variables. It is versioned so that applications can depend
// on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"torii/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the builder-style configuration object §6 describes: network
// bind host/port; ordered sink and decoder lists; a single extractor;
// identification mode/blacklist/explicit-mappings/rules; cycle interval;
// events-per-cycle cap; state-store root path; shutdown timeout.
//
// Sinks, decoders, the extractor, and identification rules are plug-in
// values constructed in code (they are interfaces/structs-of-funcs, not
// data) — this Config only carries the scalar knobs those constructors
// read. Wiring the named sinks/decoders/extractor to this Config is the
// embedding application's job (see cmd/torii).
type Config struct {
	Network struct {
		BindHost string `mapstructure:"bind_host" json:"bind_host"`
		BindPort int    `mapstructure:"bind_port" json:"bind_port"`
	} `mapstructure:"network" json:"network"`

	Extractor struct {
		Kind      string   `mapstructure:"kind" json:"kind"` // "block_range" (or empty) | "event_log"; cmd/torii rejects any other kind
		FromBlock uint64   `mapstructure:"from_block" json:"from_block"`
		ToBlock   *uint64  `mapstructure:"to_block" json:"to_block"`
		BatchSize uint64   `mapstructure:"batch_size" json:"batch_size"`
		ChunkSize int      `mapstructure:"chunk_size" json:"chunk_size"`
		Contracts []string `mapstructure:"contracts" json:"contracts"`
	} `mapstructure:"extractor" json:"extractor"`

	Identification struct {
		Mode             uint8             `mapstructure:"mode" json:"mode"`
		Blacklist        []string          `mapstructure:"blacklist" json:"blacklist"`
		ExplicitMappings map[string]string `mapstructure:"explicit_mappings" json:"explicit_mappings"` // address -> csv of decoder stable names
	} `mapstructure:"identification" json:"identification"`

	Pipeline struct {
		CycleInterval     time.Duration `mapstructure:"cycle_interval" json:"cycle_interval"`
		EventsPerCycleCap int           `mapstructure:"events_per_cycle_cap" json:"events_per_cycle_cap"`
		ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
	} `mapstructure:"pipeline" json:"pipeline"`

	Storage struct {
		StateStoreRoot string `mapstructure:"state_store_root" json:"state_store_root"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional
// config files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	viper.SetDefault("network.bind_host", "0.0.0.0")
	viper.SetDefault("network.bind_port", 9090)
	viper.SetDefault("extractor.batch_size", 100)
	viper.SetDefault("extractor.chunk_size", 1024)
	viper.SetDefault("pipeline.cycle_interval", "2s")
	viper.SetDefault("pipeline.shutdown_timeout", "30s")
	viper.SetDefault("storage.state_store_root", "./data/torii.db")
	viper.SetDefault("logging.level", "info")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the TORII_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("TORII_ENV", ""))
}
