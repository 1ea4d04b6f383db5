package registry

import (
	"strings"
	"time"

	"prpc/rpcerr"
)

// Backend names accepted by New.
const (
	TypeMemory    = "memory"
	TypeEtcd      = "etcd"
	TypeZookeeper = "zookeeper"
	TypeNacos     = "nacos"
)

// Config selects and configures a backend.
type Config struct {
	Type      string        `yaml:"type"`
	Endpoints []string      `yaml:"endpoints"`
	RootPath  string        `yaml:"root_path"`
	TTL       time.Duration `yaml:"ttl"`
	Namespace string        `yaml:"namespace"` // nacos only
}

// New builds the backend named by cfg.Type.
func New(cfg Config, opts ...Option) (Registry, error) {
	switch strings.ToLower(cfg.Type) {
	case "", TypeMemory:
		return NewMemoryRegistry(opts...), nil
	case TypeEtcd:
		return NewEtcdRegistry(EtcdConfig{Endpoints: cfg.Endpoints, Root: cfg.RootPath, TTL: cfg.TTL}, opts...)
	case TypeZookeeper:
		return NewZookeeperRegistry(ZookeeperConfig{Servers: cfg.Endpoints, Root: cfg.RootPath}, opts...)
	case TypeNacos:
		return NewNacosRegistry(NacosConfig{Endpoints: cfg.Endpoints, Namespace: cfg.Namespace}, opts...)
	default:
		return nil, rpcerr.New(rpcerr.InvalidConfig, "unknown registry type %q", cfg.Type)
	}
}
