package registry

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/dubbogo/go-zookeeper/zk"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"prpc/rpcerr"
)

// ZookeeperRegistry stores every instance as an ephemeral node
//
//	/{root}/{service}/{host:port}  →  JSON-encoded ServiceInstance
//
// so that instances vanish with the session of the server that created them.
type ZookeeperRegistry struct {
	conn *zk.Conn
	root string
	opts options

	published publications
}

// ZookeeperConfig configures NewZookeeperRegistry.
type ZookeeperConfig struct {
	Servers        []string
	Root           string        // "prpc" when empty
	SessionTimeout time.Duration // 10s when zero
}

func NewZookeeperRegistry(cfg ZookeeperConfig, opts ...Option) (*ZookeeperRegistry, error) {
	o := buildOptions(opts)
	if cfg.Root == "" {
		cfg.Root = "prpc"
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 10 * time.Second
	}
	conn, events, err := zk.Connect(cfg.Servers, cfg.SessionTimeout)
	if err != nil {
		return nil, rpcerr.Wrap(err, rpcerr.ConnectFailed, "zookeeper %v", cfg.Servers)
	}
	go func() {
		for ev := range events {
			if ev.Err != nil {
				o.logger.Warn("zookeeper session event", zap.String("state", ev.State.String()), zap.Error(ev.Err))
			}
		}
	}()
	return &ZookeeperRegistry{conn: conn, root: "/" + strings.Trim(cfg.Root, "/"), opts: o}, nil
}

func (r *ZookeeperRegistry) servicePath(service string) string {
	return path.Join(r.root, service)
}

// ensurePath creates every missing persistent parent of p.
func (r *ZookeeperRegistry) ensurePath(p string) error {
	cur := ""
	for _, part := range strings.Split(strings.Trim(p, "/"), "/") {
		cur += "/" + part
		_, err := r.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return errors.Wrapf(err, "create %s", cur)
		}
	}
	return nil
}

func (r *ZookeeperRegistry) Register(ctx context.Context, service string, inst ServiceInstance) error {
	dir := r.servicePath(service)
	if err := r.ensurePath(dir); err != nil {
		return rpcerr.Wrap(err, rpcerr.RegistryError, "service %s", service)
	}
	val, err := json.Marshal(inst)
	if err != nil {
		return rpcerr.Wrap(err, rpcerr.RegistryError, "encode %s", inst.Addr())
	}
	node := path.Join(dir, inst.Addr())
	_, err = r.conn.Create(node, val, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		// A stale node from an earlier session of ours; replace its data.
		_, err = r.conn.Set(node, val, -1)
	}
	if err != nil {
		return rpcerr.Wrap(err, rpcerr.RegistryError, "create %s", node)
	}
	r.published.add(service, inst)
	r.opts.logger.Info("service registered", zap.String("node", node))
	return nil
}

func (r *ZookeeperRegistry) Deregister(ctx context.Context, service, host string, port int) error {
	node := path.Join(r.servicePath(service), ServiceInstance{Host: host, Port: port}.Addr())
	if err := r.conn.Delete(node, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
		return rpcerr.Wrap(err, rpcerr.DeRegistryError, "delete %s", node)
	}
	r.published.remove(service, host, port)
	return nil
}

func (r *ZookeeperRegistry) DeregisterAll(ctx context.Context) error {
	return deregisterAll(ctx, &r.published, r.Deregister)
}

func (r *ZookeeperRegistry) GetAllInstances(ctx context.Context, service string) ([]ServiceInstance, error) {
	dir := r.servicePath(service)
	children, _, err := r.conn.Children(dir)
	if errors.Is(err, zk.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, rpcerr.Wrap(err, rpcerr.GetInstanceError, "list %s", dir)
	}
	instances := make([]ServiceInstance, 0, len(children))
	for _, child := range children {
		data, _, err := r.conn.Get(path.Join(dir, child))
		if errors.Is(err, zk.ErrNoNode) {
			continue // expired between Children and Get
		}
		if err != nil {
			return nil, rpcerr.Wrap(err, rpcerr.GetInstanceError, "get %s/%s", dir, child)
		}
		var inst ServiceInstance
		if err := json.Unmarshal(data, &inst); err != nil {
			r.opts.logger.Warn("skip malformed instance", zap.String("node", child), zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

func (r *ZookeeperRegistry) GetOneInstance(ctx context.Context, service string) (*ServiceInstance, error) {
	all, err := r.GetAllInstances(ctx, service)
	if err != nil {
		return nil, err
	}
	return pickOne(r.opts.picker, service, all)
}

// Close ends the session, which removes every ephemeral node it owns.
func (r *ZookeeperRegistry) Close() error {
	r.conn.Close()
	return nil
}
