package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tcriess/lightspeed-muc/globals"
)

const (
	defaultLockTimeout = 30 * time.Minute
)

// Config is the global configuration object which is filled via the configuration file
type Config struct {
	HistoryConfig     HistoryConfig          `mapstructure:"history"`
	PersistenceConfig PersistenceConfig      `mapstructure:"persistence"`
	ClusterConfig     ClusterConfig          `mapstructure:"cluster"`
	MUCConfig         MUCConfig              `mapstructure:"muc"`
	OIDCConfigs       []OIDCConfig           `mapstructure:"oidc"`
	CacheConfigs      map[string]CacheConfig `mapstructure:"cache"`
	LogLevel          string                 `mapstructure:"log_level"`
}

// HistoryConfig configures the size of the per-room history that is kept in
// memory in a ring buffer and sent to newly joined occupants.
type HistoryConfig struct {
	HistorySize int `mapstructure:"history_size"`
}

// An OIDCConfig object configures an OpenID Connect provider that is used to authenticate users. Users provide
// an ID token and the name of the provider, the authentication is then performed via verification of the token.
type OIDCConfig struct {
	Name        string `mapstructure:"name"`
	ClientId    string `mapstructure:"client_id"`
	ProviderUrl string `mapstructure:"provider_url"` // f.e. "https://accounts.google.com"
}

// PersistenceConfig configures the persistence backends. Type is one of
// "sqlite", "postgres" (both via gorm) or "buntdb".
type PersistenceConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

// ClusterConfig configures the clustered cache backend and the cache event
// bus. All fields empty means the process runs standalone with local caches.
type ClusterConfig struct {
	NodeID       string   `mapstructure:"node_id"`
	RedisAddr    string   `mapstructure:"redis_addr"`
	RedisDB      int      `mapstructure:"redis_db"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
}

// MUCConfig configures the room service itself.
type MUCConfig struct {
	ServiceDomain string `mapstructure:"service_domain"`

	// LockTimeout is how long a newly created room stays locked waiting for
	// its first owner to submit a configuration form.
	LockTimeout time.Duration `mapstructure:"lock_timeout"`

	// Sysadmins are bare JIDs that enter every room with owner privileges
	// without being listed as owners.
	Sysadmins []string `mapstructure:"sysadmins"`

	// CreateAllowList, when non-empty, restricts room creation to the
	// listed bare JIDs (sysadmins always bypass this).
	CreateAllowList []string `mapstructure:"create_allow_list"`
}

// CacheConfig overrides the built-in size/lifetime defaults for one named
// cache. Sizes are bytes, -1 means unlimited; lifetimes are durations, -1
// means no expiry.
type CacheConfig struct {
	Size        int64         `mapstructure:"size"`
	MaxLifetime time.Duration `mapstructure:"max_lifetime"`
}

// IsClustered reports whether this process is configured to join a cluster.
func (c *Config) IsClustered() bool {
	return c.ClusterConfig.RedisAddr != ""
}

// LockTimeout returns the configured room lock timeout or the default of 30
// minutes.
func (c *Config) LockTimeout() time.Duration {
	if c.MUCConfig.LockTimeout > 0 {
		return c.MUCConfig.LockTimeout
	}
	return defaultLockTimeout
}

// IsSysadmin reports whether the given bare JID is a configured sysadmin.
func (c *Config) IsSysadmin(bareJID string) bool {
	for _, s := range c.MUCConfig.Sysadmins {
		if strings.EqualFold(s, bareJID) {
			return true
		}
	}
	return false
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.StringP("node-id", "n", "", "cluster node id of this process")
	flagSet.String("service-domain", "conference.localhost", "domain of the room service")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	from := "-"
	to := "_"
	name = strings.Replace(name, from, to, -1)
	return pflag.NormalizedName(name)
}

// ReadConfiguration reads and parses the configuration located at configPath, which can either point to a single TOML
// file or to a directory, in which case all *.toml files in this directory are concatenated. It returns a Config
// object.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
	err := viper.BindPFlags(flagSet)
	if err != nil {
		globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
	}
	viper.SetEnvPrefix("LSMUC")
	viper.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := os.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		viper.SetConfigType("toml")
		err = viper.ReadConfig(bytes.NewBuffer(contents))
		if err != nil {
			globals.AppLogger.Error("could not read config:", "error", err)
		}
	}
	err = viper.Unmarshal(&cfg)
	if err != nil {
		globals.AppLogger.Error("could not unmarshal config:", "error", err)
	}

	globals.AppLogger.Info("config", "cfg", cfg, "all", viper.AllSettings())
	return &cfg, nil
}
