package config

// Package config provides a reusable loader for the indexer's configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.2.0

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/synnergy-labs/payment-indexer/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.2.0"

// ChainConfig describes one chain the indexer listens on.
type ChainConfig struct {
	Key            string `mapstructure:"key" json:"key"`                           // e.g. "eip155:1", "bip122:<genesis>", "solana:<genesis>", "cg:testnet"
	Family         string `mapstructure:"family" json:"family"`                     // "evm" | "bitcoin" | "solana" | "testchain"
	WSEndpoint     string `mapstructure:"ws_endpoint" json:"ws_endpoint"`
	HTTPEndpoint   string `mapstructure:"http_endpoint" json:"http_endpoint"`
	RPCUser        string `mapstructure:"rpc_user" json:"rpc_user"`
	RPCPass        string `mapstructure:"rpc_pass" json:"rpc_pass"`
	NativeTokenID  string `mapstructure:"native_token_id" json:"native_token_id"`   // e.g. "slip44:60", "slip:0", "slip44:501"
	TokenPrefix    string `mapstructure:"token_prefix" json:"token_prefix"`         // e.g. "erc20", "bep20", "spl"
	PollIntervalMS int    `mapstructure:"poll_interval_ms" json:"poll_interval_ms"` // bitcoin only
}

// Config represents the unified configuration for one indexer instance. It
// mirrors the structure of the YAML files under cmd/indexer/config.
type Config struct {
	Indexer struct {
		Chains              []ChainConfig `mapstructure:"chains" json:"chains"`
		LeaseTTLSeconds      int          `mapstructure:"lease_ttl_seconds" json:"lease_ttl_seconds"`
		HeartbeatIntervalSec int          `mapstructure:"heartbeat_interval_seconds" json:"heartbeat_interval_seconds"`
	} `mapstructure:"indexer" json:"indexer"`

	KVB struct {
		Addr     string `mapstructure:"addr" json:"addr"`
		Password string `mapstructure:"password" json:"password"`
		DB       int    `mapstructure:"db" json:"db"`
	} `mapstructure:"kvb" json:"kvb"`

	WQ struct {
		Addr     string `mapstructure:"addr" json:"addr"`
		Password string `mapstructure:"password" json:"password"`
		DB       int    `mapstructure:"db" json:"db"`
	} `mapstructure:"wq" json:"wq"`

	AIS struct {
		Endpoint string `mapstructure:"endpoint" json:"endpoint"`
	} `mapstructure:"ais" json:"ais"`

	HTTP struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"http" json:"http"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/indexer/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up INDEXER_* overrides

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the INDEXER_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("INDEXER_ENV", ""))
}

// LoadFromFile loads configuration directly from a YAML file path, bypassing
// viper's search paths. Used by tests and by --config on the CLI.
func LoadFromFile(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config file")
	}
	viper.AutomaticEnv()
	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}
