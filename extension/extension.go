// Package extension loads pluggable implementations of prpc's capability interfaces.
//
// Each extension point has one resource file named after the point, e.g.
//
//	extensions/prpc.loadbalance.Balancer
//
// whose first non-comment line names the implementation to use:
//
//	# route by caller address
//	sticky-hash
//
// The name is looked up in a Factories table populated by the application at startup.
// A missing resource is not an error: callers fall back to the built-in implementation.
package extension

import (
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"prpc/rpcerr"
)

// Extension points understood by prpc.
const (
	PointBalancer   = "prpc.loadbalance.Balancer"
	PointCodec      = "prpc.codec.Codec"
	PointCompressor = "prpc.compress.Compressor"
)

// Factory builds a new instance of an implementation.
type Factory func() any

// Factories maps implementation names to their factories.
type Factories map[string]Factory

// Loader resolves extension points to singletons. It is safe for concurrent use.
type Loader struct {
	fsys      fs.FS
	dir       string
	factories Factories
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[string]any // point → instance, nil when the point has no resource
}

// Option customizes a Loader.
type Option func(*Loader)

// WithLogger sets the logger used to report loaded extensions.
func WithLogger(l *zap.Logger) Option {
	return func(ld *Loader) { ld.logger = l }
}

// NewLoader reads resources from dir inside fsys. A nil fsys disables extensions.
func NewLoader(fsys fs.FS, dir string, factories Factories, opts ...Option) *Loader {
	l := &Loader{
		fsys:      fsys,
		dir:       dir,
		factories: factories,
		logger:    zap.NewNop(),
		cache:     make(map[string]any),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load returns the implementation configured for point. ok is false when no resource
// exists for the point. An unknown implementation name or a failing factory is a
// configuration error and is never replaced by a fallback.
func (l *Loader) Load(point string) (ext any, ok bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ext, cached := l.cache[point]; cached {
		return ext, ext != nil, nil
	}
	name, found, err := l.lookup(point)
	if err != nil {
		return nil, false, err
	}
	if !found {
		l.cache[point] = nil
		return nil, false, nil
	}
	ext, err = l.instantiate(point, name)
	if err != nil {
		return nil, false, err
	}
	l.cache[point] = ext
	l.logger.Info("extension loaded", zap.String("point", point), zap.String("impl", name))
	return ext, true, nil
}

func (l *Loader) lookup(point string) (string, bool, error) {
	if l.fsys == nil {
		return "", false, nil
	}
	data, err := fs.ReadFile(l.fsys, path.Join(l.dir, point))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "read extension resource %s", point)
	}
	name, found := ParseResource(string(data))
	return name, found, nil
}

func (l *Loader) instantiate(point, name string) (ext any, err error) {
	factory, ok := l.factories[name]
	if !ok {
		return nil, rpcerr.New(rpcerr.IllegalExtension, "%s: no factory named %q", point, name)
	}
	defer func() {
		if r := recover(); r != nil {
			ext = nil
			err = rpcerr.Wrap(fmt.Errorf("%v", r), rpcerr.IllegalExtension, "%s: factory %q panicked", point, name)
		}
	}()
	ext = factory()
	if ext == nil {
		return nil, rpcerr.New(rpcerr.IllegalExtension, "%s: factory %q returned nil", point, name)
	}
	return ext, nil
}

// ParseResource returns the first entry of a resource file. '#' starts a comment that
// runs to the end of the line; blank lines are skipped.
func ParseResource(content string) (string, bool) {
	for _, line := range strings.Split(content, "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		if line = strings.TrimSpace(line); line != "" {
			return line, true
		}
	}
	return "", false
}

// Get loads point and asserts the capability interface T.
func Get[T any](l *Loader, point string) (T, bool, error) {
	var zero T
	ext, ok, err := l.Load(point)
	if err != nil || !ok {
		return zero, ok, err
	}
	t, ok := ext.(T)
	if !ok {
		return zero, false, rpcerr.New(rpcerr.IllegalExtension, "%s: %T does not implement %T", point, ext, (*T)(nil))
	}
	return t, true, nil
}
