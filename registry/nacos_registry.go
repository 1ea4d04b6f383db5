package registry

import (
	"context"
	"net"
	"strconv"

	"github.com/nacos-group/nacos-sdk-go/clients"
	"github.com/nacos-group/nacos-sdk-go/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/common/constant"
	"github.com/nacos-group/nacos-sdk-go/vo"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"prpc/rpcerr"
)

// NacosRegistry registers ephemeral instances with a Nacos naming server.
type NacosRegistry struct {
	client naming_client.INamingClient
	opts   options

	published publications
}

// NacosConfig configures NewNacosRegistry.
type NacosConfig struct {
	Endpoints []string // host:port of every naming server
	Namespace string
	TimeoutMs uint64
}

func NewNacosRegistry(cfg NacosConfig, opts ...Option) (*NacosRegistry, error) {
	o := buildOptions(opts)
	servers := make([]constant.ServerConfig, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		host, portStr, err := net.SplitHostPort(ep)
		if err != nil {
			return nil, rpcerr.Wrap(err, rpcerr.ConnectFailed, "nacos endpoint %q", ep)
		}
		port, err := strconv.ParseUint(portStr, 10, 64)
		if err != nil {
			return nil, rpcerr.Wrap(err, rpcerr.ConnectFailed, "nacos endpoint %q", ep)
		}
		servers = append(servers, constant.ServerConfig{IpAddr: host, Port: port})
	}
	if cfg.TimeoutMs == 0 {
		cfg.TimeoutMs = 5000
	}
	client, err := clients.NewNamingClient(vo.NacosClientParam{
		ClientConfig: &constant.ClientConfig{
			NamespaceId:         cfg.Namespace,
			TimeoutMs:           cfg.TimeoutMs,
			NotLoadCacheAtStart: true,
			LogLevel:            "warn",
		},
		ServerConfigs: servers,
	})
	if err != nil {
		return nil, rpcerr.Wrap(err, rpcerr.ConnectFailed, "nacos %v", cfg.Endpoints)
	}
	return &NacosRegistry{client: client, opts: o}, nil
}

func (r *NacosRegistry) Register(ctx context.Context, service string, inst ServiceInstance) error {
	weight := float64(inst.Weight)
	if weight <= 0 {
		weight = 1
	}
	ok, err := r.client.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          inst.Host,
		Port:        uint64(inst.Port),
		ServiceName: service,
		Weight:      weight,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		Metadata:    map[string]string{"version": inst.Version},
	})
	if err == nil && !ok {
		err = errors.New("naming server refused the instance")
	}
	if err != nil {
		return rpcerr.Wrap(err, rpcerr.RegistryError, "register %s at %s", service, inst.Addr())
	}
	r.published.add(service, inst)
	r.opts.logger.Info("service registered", zap.String("service", service), zap.String("addr", inst.Addr()))
	return nil
}

func (r *NacosRegistry) Deregister(ctx context.Context, service, host string, port int) error {
	ok, err := r.client.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          host,
		Port:        uint64(port),
		ServiceName: service,
		Ephemeral:   true,
	})
	if err == nil && !ok {
		err = errors.New("naming server refused the deregistration")
	}
	if err != nil {
		return rpcerr.Wrap(err, rpcerr.DeRegistryError, "deregister %s at %s:%d", service, host, port)
	}
	r.published.remove(service, host, port)
	return nil
}

func (r *NacosRegistry) DeregisterAll(ctx context.Context) error {
	return deregisterAll(ctx, &r.published, r.Deregister)
}

// GetAllInstances returns the healthy instances only.
func (r *NacosRegistry) GetAllInstances(ctx context.Context, service string) ([]ServiceInstance, error) {
	found, err := r.client.SelectInstances(vo.SelectInstancesParam{
		ServiceName: service,
		HealthyOnly: true,
	})
	if err != nil {
		return nil, rpcerr.Wrap(err, rpcerr.GetInstanceError, "select %s", service)
	}
	instances := make([]ServiceInstance, 0, len(found))
	for _, in := range found {
		instances = append(instances, ServiceInstance{
			Host:    in.Ip,
			Port:    int(in.Port),
			Weight:  int(in.Weight),
			Version: in.Metadata["version"],
		})
	}
	return instances, nil
}

func (r *NacosRegistry) GetOneInstance(ctx context.Context, service string) (*ServiceInstance, error) {
	all, err := r.GetAllInstances(ctx, service)
	if err != nil {
		return nil, err
	}
	return pickOne(r.opts.picker, service, all)
}

func (r *NacosRegistry) Close() error { return nil }
