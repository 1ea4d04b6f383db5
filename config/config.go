// Package config holds the settings of a prpc process and loads them from YAML.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"prpc/codec"
	"prpc/compress"
	"prpc/loadbalance"
	"prpc/protocol"
	"prpc/registry"
	"prpc/rpcerr"
)

// Config is the whole configuration surface. Durations accept Go syntax such as "3s".
type Config struct {
	Registry registry.Config `yaml:"registry"`

	ServerPort    int    `yaml:"server_port"`
	AdvertiseHost string `yaml:"advertise_host"`

	Serializer        string        `yaml:"serializer"`
	Compressor        string        `yaml:"compressor"`
	LoadBalance       string        `yaml:"load_balance"`
	ReconnectNumber   int           `yaml:"reconnect_number"`
	TimeoutMs         int           `yaml:"timeout_ms"`
	VirtualNodeNum    int           `yaml:"virtual_node_num"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReadIdleTimeout   time.Duration `yaml:"read_idle_timeout"`
	MaxFrameLength    int           `yaml:"max_frame_length"`

	// ExtensionDir holds one file per extension point naming the implementation to use.
	ExtensionDir string `yaml:"extension_dir"`
	// MetricsAddr serves /metrics when set, e.g. ":9100".
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Default returns the configuration used for every field a file leaves out.
func Default() Config {
	return Config{
		Registry: registry.Config{
			Type:     registry.TypeMemory,
			RootPath: "prpc",
			TTL:      10 * time.Second,
		},
		ServerPort:        8080,
		Serializer:        codec.NameJSON,
		Compressor:        compress.NameGzip,
		LoadBalance:       loadbalance.NameRandom,
		ReconnectNumber:   5,
		TimeoutMs:         2000,
		VirtualNodeNum:    100,
		HeartbeatInterval: 3 * time.Second,
		ReadIdleTimeout:   9 * time.Second,
		MaxFrameLength:    protocol.DefaultMaxFrameLength,
		ExtensionDir:      "META-INF/extensions",
		LogLevel:          "info",
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "config %s", path)
	}
	return cfg, cfg.Validate()
}

// Parse decodes YAML into cfg, leaving absent fields untouched.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return rpcerr.Wrap(err, rpcerr.InvalidConfig, "parse yaml")
	}
	return nil
}

// Timeout is the per-call response deadline.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Validate reports the first invalid setting. Algorithm names are checked against the
// built-in tables; extension overrides replace implementations, never names.
func (c Config) Validate() error {
	if c.ServerPort < 0 || c.ServerPort > 65535 {
		return rpcerr.New(rpcerr.InvalidConfig, "server_port %d out of range", c.ServerPort)
	}
	if _, err := codec.NewRegistry().ID(c.Serializer); err != nil {
		return err
	}
	if _, err := compress.NewRegistry().ID(c.Compressor); err != nil {
		return err
	}
	if _, err := loadbalance.New(c.LoadBalance, loadbalance.Options{SourceAddr: "127.0.0.1"}); err != nil {
		return err
	}
	if c.ReconnectNumber <= 0 {
		return rpcerr.New(rpcerr.IllegalReconnectNumber, "reconnect_number must be positive, got %d", c.ReconnectNumber)
	}
	if c.TimeoutMs <= 0 {
		return rpcerr.New(rpcerr.InvalidConfig, "timeout_ms must be positive, got %d", c.TimeoutMs)
	}
	if c.VirtualNodeNum <= 0 {
		return rpcerr.New(rpcerr.InvalidConfig, "virtual_node_num must be positive, got %d", c.VirtualNodeNum)
	}
	if c.HeartbeatInterval <= 0 {
		return rpcerr.New(rpcerr.InvalidConfig, "heartbeat_interval must be positive")
	}
	if c.ReadIdleTimeout > 0 && c.ReadIdleTimeout <= c.HeartbeatInterval {
		return rpcerr.New(rpcerr.InvalidConfig, "read_idle_timeout %s must exceed heartbeat_interval %s", c.ReadIdleTimeout, c.HeartbeatInterval)
	}
	if c.MaxFrameLength < protocol.HeaderSize {
		return rpcerr.New(rpcerr.InvalidConfig, "max_frame_length %d below the header size", c.MaxFrameLength)
	}
	switch strings.ToLower(c.Registry.Type) {
	case registry.TypeMemory:
	case registry.TypeEtcd, registry.TypeZookeeper, registry.TypeNacos:
		if len(c.Registry.Endpoints) == 0 {
			return rpcerr.New(rpcerr.InvalidConfig, "registry %s needs endpoints", c.Registry.Type)
		}
	default:
		return rpcerr.New(rpcerr.InvalidConfig, "unknown registry type %q", c.Registry.Type)
	}
	return nil
}
