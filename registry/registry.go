// Package registry publishes and discovers service instances.
//
// Services are keyed by "interface:group". Servers Register each published service and
// DeregisterAll on shutdown; clients list instances with GetAllInstances and let a
// balancer choose, or call GetOneInstance which applies the registry's picker.
package registry

import (
	"context"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"prpc/rpcerr"
)

// json encodes instances stored in etcd and zookeeper.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ServiceInstance is one live endpoint of a service. Instances are equal when their
// host and port are.
type ServiceInstance struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version,omitempty"`
}

// Addr returns "host:port", the identity used by connection pools and hash rings.
func (i ServiceInstance) Addr() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

// Picker chooses one instance. Balancers satisfy it.
type Picker interface {
	Pick(instances []ServiceInstance) (*ServiceInstance, error)
}

// ServicePicker is implemented by pickers that keep per-service state, such as
// consistent hash rings.
type ServicePicker interface {
	PickFor(service string, instances []ServiceInstance) (*ServiceInstance, error)
}

// Registry is the contract every backend implements.
type Registry interface {
	Register(ctx context.Context, service string, inst ServiceInstance) error
	Deregister(ctx context.Context, service, host string, port int) error
	// DeregisterAll removes every instance this registry published.
	DeregisterAll(ctx context.Context) error
	GetOneInstance(ctx context.Context, service string) (*ServiceInstance, error)
	GetAllInstances(ctx context.Context, service string) ([]ServiceInstance, error)
	Close() error
}

// Option customizes a registry backend.
type Option func(*options)

type options struct {
	picker Picker
	logger *zap.Logger
}

// WithPicker sets the picker used by GetOneInstance.
func WithPicker(p Picker) Option {
	return func(o *options) { o.picker = p }
}

// WithLogger sets the backend logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{picker: randomPicker{}, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type randomPicker struct{}

func (randomPicker) Pick(instances []ServiceInstance) (*ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, rpcerr.ErrNoMoreInstance
	}
	return &instances[rand.IntN(len(instances))], nil
}

// pickOne applies p to a service's instances.
func pickOne(p Picker, service string, instances []ServiceInstance) (*ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, rpcerr.New(rpcerr.NoMoreInstance, "service %s has no instances", service)
	}
	if sp, ok := p.(ServicePicker); ok {
		return sp.PickFor(service, instances)
	}
	return p.Pick(instances)
}

// publication remembers what a backend registered so that DeregisterAll can undo it.
type publication struct {
	Service string
	Host    string
	Port    int
}

type publications struct {
	mu    sync.Mutex
	items map[publication]struct{}
}

func (p *publications) add(service string, inst ServiceInstance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.items == nil {
		p.items = make(map[publication]struct{})
	}
	p.items[publication{service, inst.Host, inst.Port}] = struct{}{}
}

func (p *publications) remove(service, host string, port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.items, publication{service, host, port})
}

func (p *publications) list() []publication {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]publication, 0, len(p.items))
	for item := range p.items {
		out = append(out, item)
	}
	return out
}

// deregisterAll calls deregister for every publication and keeps the first error.
func deregisterAll(ctx context.Context, p *publications, deregister func(ctx context.Context, service, host string, port int) error) error {
	var first error
	for _, item := range p.list() {
		if err := deregister(ctx, item.Service, item.Host, item.Port); err != nil && first == nil {
			first = err
		}
	}
	return first
}
