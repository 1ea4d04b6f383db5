package registry

// etcd is used as a distributed phonebook for services:
//
//	Key:   /{root}/{service}/{host:port}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if the server crashes, the lease expires and the
// entry is removed automatically, so no ghost instances are left behind.

import (
	"context"
	"path"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"prpc/rpcerr"
)

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // etcd client connection, shared across goroutines
	root   string
	ttl    int64
	opts   options

	mu     sync.Mutex
	leases map[string]leaseHandle // key → lease kept alive for it

	published publications
}

type leaseHandle struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
}

// EtcdConfig configures NewEtcdRegistry.
type EtcdConfig struct {
	Endpoints   []string
	Root        string        // key prefix, "prpc" when empty
	TTL         time.Duration // lease TTL, 10s when zero
	DialTimeout time.Duration
}

// NewEtcdRegistry creates a registry connected to the given etcd endpoints.
func NewEtcdRegistry(cfg EtcdConfig, opts ...Option) (*EtcdRegistry, error) {
	o := buildOptions(opts)
	if cfg.Root == "" {
		cfg.Root = "prpc"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      o.logger.Named("etcd"),
	})
	if err != nil {
		return nil, rpcerr.Wrap(err, rpcerr.ConnectFailed, "etcd %v", cfg.Endpoints)
	}
	return &EtcdRegistry{
		client: c,
		root:   cfg.Root,
		ttl:    int64(cfg.TTL / time.Second),
		opts:   o,
		leases: make(map[string]leaseHandle),
	}, nil
}

func (r *EtcdRegistry) servicePrefix(service string) string {
	return "/" + path.Join(r.root, service) + "/"
}

func (r *EtcdRegistry) key(service, addr string) string {
	return r.servicePrefix(service) + addr
}

// Register adds a service instance to etcd with a TTL lease.
//
// Flow:
//  1. Create a lease with the configured TTL
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to renew the lease until Deregister
//
// Re-registering the same address replaces its lease.
func (r *EtcdRegistry) Register(ctx context.Context, service string, inst ServiceInstance) error {
	lease, err := r.client.Grant(ctx, r.ttl)
	if err != nil {
		return rpcerr.Wrap(err, rpcerr.RegistryError, "grant lease for %s", service)
	}

	val, err := json.Marshal(inst)
	if err != nil {
		return rpcerr.Wrap(err, rpcerr.RegistryError, "encode %s", inst.Addr())
	}

	key := r.key(service, inst.Addr())
	if _, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return rpcerr.Wrap(err, rpcerr.RegistryError, "put %s", key)
	}

	// KeepAlive outlives the Register call, so it gets its own context.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return rpcerr.Wrap(err, rpcerr.RegistryError, "keep alive %s", key)
	}
	go func() {
		for range ch {
		}
		r.opts.logger.Debug("lease keep alive stopped", zap.String("key", key))
	}()

	r.mu.Lock()
	if old, ok := r.leases[key]; ok {
		old.cancel()
	}
	r.leases[key] = leaseHandle{id: lease.ID, cancel: cancel}
	r.mu.Unlock()

	r.published.add(service, inst)
	r.opts.logger.Info("service registered", zap.String("key", key), zap.Int64("ttl", r.ttl))
	return nil
}

// Deregister removes a service instance from etcd. Called during graceful shutdown
// before closing the listener.
func (r *EtcdRegistry) Deregister(ctx context.Context, service, host string, port int) error {
	key := r.key(service, ServiceInstance{Host: host, Port: port}.Addr())

	r.mu.Lock()
	handle, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		handle.cancel()
		if _, err := r.client.Revoke(ctx, handle.id); err != nil {
			r.opts.logger.Warn("revoke lease failed", zap.String("key", key), zap.Error(err))
		}
	}
	if _, err := r.client.Delete(ctx, key); err != nil {
		return rpcerr.Wrap(err, rpcerr.DeRegistryError, "delete %s", key)
	}
	r.published.remove(service, host, port)
	return nil
}

func (r *EtcdRegistry) DeregisterAll(ctx context.Context) error {
	return deregisterAll(ctx, &r.published, r.Deregister)
}

// GetAllInstances returns every instance registered under /{root}/{service}/.
func (r *EtcdRegistry) GetAllInstances(ctx context.Context, service string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, r.servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, rpcerr.Wrap(err, rpcerr.GetInstanceError, "list %s", service)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.opts.logger.Warn("skip malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

func (r *EtcdRegistry) GetOneInstance(ctx context.Context, service string) (*ServiceInstance, error) {
	all, err := r.GetAllInstances(ctx, service)
	if err != nil {
		return nil, err
	}
	return pickOne(r.opts.picker, service, all)
}

// Close stops every keep alive and closes the client. Leases then expire on their own.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, handle := range r.leases {
		handle.cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
