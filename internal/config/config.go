// Package config loads the tierstore configuration: a whole-document
// parse of the declarative descriptor into one immutable struct,
// merged from file, environment, and flags.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dverbeek/tierstore/internal/store"
)

type Config struct {
	DataDir       string              `mapstructure:"data_dir"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Storage       store.Descriptor    `mapstructure:"storage"`
	HSM           HSMConfig           `mapstructure:"hsm"`
	Order         OrderConfig         `mapstructure:"order"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	OTLPProtocol   string `mapstructure:"otlp_protocol"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
}

// HSMConfig declares the near-line connectors and the dispatch table
// routing filesystem ids onto them.
type HSMConfig struct {
	Connectors []ConnectorConfig `mapstructure:"connectors"`
	Dispatch   map[string]string `mapstructure:"dispatch"`
}

type ConnectorConfig struct {
	Name   string            `mapstructure:"name"`
	Type   string            `mapstructure:"type"`
	Config map[string]string `mapstructure:"config"`
}

// OrderConfig declares the durable order queue and its scheduler.
type OrderConfig struct {
	Backend      string            `mapstructure:"backend"`
	Config       map[string]string `mapstructure:"config"`
	Workers      int               `mapstructure:"workers"`
	RetryTable   string            `mapstructure:"retry_table"`
	PollInterval time.Duration     `mapstructure:"poll_interval"`
	Lease        time.Duration     `mapstructure:"lease"`
}

// DefaultDataDir returns the default data directory (~/.tierstore).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tierstore"
	}
	return filepath.Join(home, ".tierstore")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())

	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "text")
	v.SetDefault("observability.metrics_addr", ":9090")
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_protocol", "http")
	v.SetDefault("observability.service_name", "tierstore")
	v.SetDefault("observability.service_version", "dev")

	v.SetDefault("order.backend", "badger")
	v.SetDefault("order.workers", 4)
	v.SetDefault("order.retry_table", "10s,1m,5m,30m,2h,-")
	v.SetDefault("order.poll_interval", "1s")
	v.SetDefault("order.lease", "5m")
}

// BindStartFlags binds cobra flags to viper for the start command.
func BindStartFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()
	f.String("data-dir", "", "data directory (default ~/.tierstore)")
	f.String("config", "", "config file path")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (json, text)")
	f.String("metrics-addr", "", "metrics HTTP listen address")
	f.Int("workers", 0, "order scheduler worker count")

	_ = v.BindPFlag("data_dir", f.Lookup("data-dir"))
	_ = v.BindPFlag("observability.log_level", f.Lookup("log-level"))
	_ = v.BindPFlag("observability.log_format", f.Lookup("log-format"))
	_ = v.BindPFlag("observability.metrics_addr", f.Lookup("metrics-addr"))
	_ = v.BindPFlag("order.workers", f.Lookup("workers"))
}

// Load reads config from flags, env, and file, returning the merged Config.
func Load(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("TIERSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("tierstore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.tierstore")
		v.AddConfigPath("/etc/tierstore")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, err
		}
		// No config file is fine; defaults, env, and flags still apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
