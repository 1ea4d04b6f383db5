// Package bootstrap builds a prpc application context from a Config.
//
// Every component is constructed here and handed to the components that need it; there
// are no package-level singletons. A process that only calls remote services uses
// App.Client; one that exposes services registers them on App.Server and calls Serve.
package bootstrap

import (
	"context"
	"io/fs"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"prpc/client"
	"prpc/codec"
	"prpc/compress"
	"prpc/config"
	"prpc/extension"
	"prpc/loadbalance"
	"prpc/metrics"
	"prpc/middleware"
	"prpc/protocol"
	"prpc/registry"
	"prpc/server"
	"prpc/transport"
)

// Option customizes New.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	registry   registry.Registry
	registerer prometheus.Registerer
	fsys       fs.FS
	factories  extension.Factories
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry uses reg instead of building one from the configuration. The caller keeps
// ownership and closes it.
func WithRegistry(reg registry.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithPrometheus registers the prpc collectors with r.
func WithPrometheus(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithExtensionFS reads extension resources from fsys instead of the working directory.
func WithExtensionFS(fsys fs.FS) Option {
	return func(o *options) { o.fsys = fsys }
}

// WithFactories adds extension implementations; they take precedence over the built-in
// ones of the same name.
func WithFactories(f extension.Factories) Option {
	return func(o *options) { o.factories = f }
}

// App is the wired application context.
type App struct {
	Config     config.Config
	Logger     *zap.Logger
	Metrics    *metrics.Collector
	Registry   registry.Registry
	Codec      *protocol.Codec
	Balancer   loadbalance.Balancer
	Correlator *transport.Correlator
	Pool       *transport.Pool
	Client     *client.Client
	Server     *server.Server
	Extensions *extension.Loader

	ownsRegistry bool
}

// BuiltinFactories names every shipped implementation so extension resources can select
// them.
func BuiltinFactories(lb loadbalance.Options) extension.Factories {
	f := extension.Factories{
		"json":     func() any { return &codec.JSONCodec{} },
		"hessian2": func() any { return &codec.Hessian2Codec{} },
		"none":     func() any { return compress.None{} },
		"gzip":     func() any { return compress.Gzip{} },
		"snappy":   func() any { return compress.Snappy{} },
		"zstd":     func() any { return compress.NewZstd() },
	}
	for _, name := range []string{
		loadbalance.NameRandom, loadbalance.NameRoundRobin, loadbalance.NameSourceHash,
		loadbalance.NameConsistentHash, loadbalance.NameWeightedRandom,
	} {
		name := name
		f[name] = func() any {
			b, err := loadbalance.New(name, lb)
			if err != nil {
				panic(err)
			}
			return b
		}
	}
	return f
}

// New validates cfg and wires every component.
func New(cfg config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.fsys == nil {
		o.fsys = os.DirFS(".")
	}
	app := &App{Config: cfg, Logger: o.logger, Metrics: metrics.New(o.registerer)}

	lbOpts := loadbalance.Options{VirtualNodes: cfg.VirtualNodeNum}
	factories := BuiltinFactories(lbOpts)
	for name, f := range o.factories {
		factories[name] = f
	}
	app.Extensions = extension.NewLoader(o.fsys, cfg.ExtensionDir, factories, extension.WithLogger(o.logger))

	var err error
	if app.Balancer, err = app.balancer(lbOpts); err != nil {
		return nil, err
	}
	if app.Codec, err = app.codec(); err != nil {
		return nil, err
	}

	app.Registry = o.registry
	if app.Registry == nil {
		app.Registry, err = registry.New(cfg.Registry, registry.WithLogger(o.logger), registry.WithPicker(app.Balancer))
		if err != nil {
			return nil, err
		}
		app.ownsRegistry = true
	}

	app.Correlator = transport.NewCorrelator(app.Metrics)
	app.Pool, err = transport.NewPool(app.Codec, app.Correlator, transport.PoolConfig{
		ReconnectNumber: cfg.ReconnectNumber,
		Transport: transport.TransportConfig{
			HeartbeatInterval: cfg.HeartbeatInterval,
			MaxFrameLength:    cfg.MaxFrameLength,
		},
		Logger:  o.logger,
		Metrics: app.Metrics,
	})
	if err != nil {
		app.closeRegistry()
		return nil, err
	}

	app.Client = client.NewClient(app.Registry, app.Balancer, app.Pool, app.Correlator,
		client.WithTimeout(cfg.Timeout()),
		client.WithLogger(o.logger),
		client.WithMetrics(app.Metrics),
		client.WithMiddleware(middleware.LoggingMiddleware(o.logger)),
	)

	host := cfg.AdvertiseHost
	if host == "" {
		host = loadbalance.LocalIP()
	}
	app.Server = server.NewServer(app.Codec,
		server.WithLogger(o.logger),
		server.WithMetrics(app.Metrics),
		server.WithReadIdleTimeout(cfg.ReadIdleTimeout),
		server.WithMaxFrameLength(cfg.MaxFrameLength),
		server.WithRegistry(app.Registry, registry.ServiceInstance{Host: host, Port: cfg.ServerPort, Weight: 1}),
	)
	app.Server.Use(middleware.LoggingMiddleware(o.logger))
	return app, nil
}

// balancer prefers an extension over the configured algorithm.
func (a *App) balancer(lbOpts loadbalance.Options) (loadbalance.Balancer, error) {
	b, ok, err := extension.Get[loadbalance.Balancer](a.Extensions, extension.PointBalancer)
	if err != nil {
		return nil, err
	}
	if ok {
		return b, nil
	}
	return loadbalance.New(a.Config.LoadBalance, lbOpts)
}

// codec builds the wire codec, with extension implementations replacing the built-in
// serializer or compressor of the same name.
func (a *App) codec() (*protocol.Codec, error) {
	codecs := codec.NewRegistry()
	c, ok, err := extension.Get[codec.Codec](a.Extensions, extension.PointCodec)
	if err != nil {
		return nil, err
	}
	if ok {
		if err := codecs.Override(c); err != nil {
			return nil, err
		}
	}

	compressors := compress.NewRegistry()
	cp, ok, err := extension.Get[compress.Compressor](a.Extensions, extension.PointCompressor)
	if err != nil {
		return nil, err
	}
	if ok {
		if err := compressors.Override(cp); err != nil {
			return nil, err
		}
	}
	return protocol.NewCodec(a.Config.Serializer, a.Config.Compressor,
		protocol.WithCodecRegistry(codecs), protocol.WithCompressRegistry(compressors),
		protocol.WithMaxFrameLength(a.Config.MaxFrameLength))
}

// Serve listens on the configured port and serves until Close.
func (a *App) Serve() error {
	return a.Server.ListenAndServe(net.JoinHostPort("", strconv.Itoa(a.Config.ServerPort)))
}

// Close shuts the server down gracefully, then releases connections and the registry.
func (a *App) Close(timeout time.Duration) error {
	err := a.Server.Shutdown(timeout)
	a.Client.Close()
	a.closeRegistry()
	return err
}

func (a *App) closeRegistry() {
	if a.ownsRegistry {
		a.Registry.Close()
	}
}

// Ping checks that the registry answers; used by the CLI before serving.
func (a *App) Ping(ctx context.Context) error {
	_, err := a.Registry.GetAllInstances(ctx, "prpc:ping")
	return err
}
