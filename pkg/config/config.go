// Package config provides a reusable loader for meshlogd configuration files
// and environment variables. It is versioned so that applications can depend
// on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/meshlog/node/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a meshlogd node.
type Config struct {
	Identity struct {
		KeystorePath string `mapstructure:"keystore_path" json:"keystore_path"`
	} `mapstructure:"identity" json:"identity"`

	Network struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		EnableNAT      bool     `mapstructure:"enable_nat" json:"enable_nat"`
	} `mapstructure:"network" json:"network"`

	RPC struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"rpc" json:"rpc"`

	Store struct {
		WALPath string `mapstructure:"wal_path" json:"wal_path"`
	} `mapstructure:"store" json:"store"`

	Blob struct {
		CacheDir        string `mapstructure:"cache_dir" json:"cache_dir"`
		CacheMemEntries int    `mapstructure:"cache_mem_entries" json:"cache_mem_entries"`
	} `mapstructure:"blob" json:"blob"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

func setDefaults() {
	viper.SetDefault("identity.keystore_path", "./meshlogd.key")
	viper.SetDefault("network.listen_addr", "/ip4/0.0.0.0/tcp/4001")
	viper.SetDefault("network.discovery_tag", "meshlog")
	viper.SetDefault("network.enable_nat", true)
	viper.SetDefault("rpc.listen_addr", "127.0.0.1:7331")
	viper.SetDefault("store.wal_path", "./data/meshlog.wal")
	viper.SetDefault("blob.cache_dir", "./data/blobs")
	viper.SetDefault("blob.cache_mem_entries", 256)
	viper.SetDefault("logging.level", "info")
}

// Load reads configuration files and merges any environment-specific
// overrides. A .env file in the working directory, if present, is loaded
// first so MESHLOG_* variables can be set without exporting them into the
// shell. The resulting configuration is stored in AppConfig and returned.
func Load(env string) (*Config, error) {
	_ = godotenv.Load() // optional; absence is not an error

	viper.SetEnvPrefix("meshlog")
	viper.AutomaticEnv()
	setDefaults()

	viper.SetConfigName("default")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the MESHLOG_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("MESHLOG_ENV", ""))
}
