// Package rangecfg loads a daemon's configuration file, the one place in
// the module that reaches for viper the way the rest of the corpus does.
package rangecfg

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is every recognized daemon option, unmarshaled from a YAML file
// named by --config.
type Config struct {
	DBHome               string   `mapstructure:"db_home"`
	CacheSize            int64    `mapstructure:"cache_size"`
	UseStored            bool     `mapstructure:"use_stored"`
	StoredMQName         string   `mapstructure:"stored_mq_name"`
	StoredRequestTimeout int      `mapstructure:"stored_request_timeout"`
	ReaderAckTimeout     int      `mapstructure:"reader_ack_timeout"`
	HeartbeatTimeout     int      `mapstructure:"heartbeat_timeout"`
	InitialPeers         []string `mapstructure:"initial_peers"`
	NodeID               string   `mapstructure:"node_id"`
	Port                 uint16   `mapstructure:"port"`
	RangeCellName        string   `mapstructure:"range_cell_name"`

	// EnvName and ProposersClusterName are not spec options; they name the
	// graph nodes the heartbeat's reorder writes target and default to
	// "range_env" and "proposers"; they are not derived from range_cell_name.
	EnvName              string `mapstructure:"env_name"`
	ProposersClusterName string `mapstructure:"proposers_cluster_name"`
}

// StoredRequestTimeoutDuration converts the millisecond config value to a
// time.Duration for the paxos/transport packages.
func (c Config) StoredRequestTimeoutDuration() time.Duration {
	return time.Duration(c.StoredRequestTimeout) * time.Millisecond
}

// ReaderAckTimeoutDuration converts reader_ack_timeout to a Duration.
func (c Config) ReaderAckTimeoutDuration() time.Duration {
	return time.Duration(c.ReaderAckTimeout) * time.Millisecond
}

// HeartbeatTimeoutDuration converts heartbeat_timeout to a Duration.
func (c Config) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(c.HeartbeatTimeout) * time.Millisecond
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_home", "/var/lib/ranged")
	v.SetDefault("cache_size", 64*1024*1024)
	v.SetDefault("use_stored", true)
	v.SetDefault("stored_mq_name", "/ranged-mq")
	v.SetDefault("stored_request_timeout", 5000)
	v.SetDefault("reader_ack_timeout", 2000)
	v.SetDefault("heartbeat_timeout", 1000)
	v.SetDefault("initial_peers", []string{})
	v.SetDefault("port", 18070)
	v.SetDefault("range_cell_name", "default")
	v.SetDefault("env_name", "range_env")
	v.SetDefault("proposers_cluster_name", "proposers")
}

// Load reads path (YAML) through viper, applying defaults for anything
// the file omits, and requires node_id to be set explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("rangecfg: reading %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("rangecfg: unmarshal %s: %w", path, err)
	}

	if cfg.NodeID == "" {
		return nil, fmt.Errorf("rangecfg: node_id is required")
	}
	return &cfg, nil
}
