// Package lease guarantees exactly one engine subprocess runs per
// cache root, shared across every library instance in this process
// (and, via the on-disk pid/refs files, cooperating processes on the
// same host). Subprocess spawn redirects stdout/stderr to a log file
// instead of piping them, since the live channel is the IPC sockets,
// not stdio; internal/flock provides the cross-process mutual
// exclusion this requires.
package lease

import (
	"log/slog"
	"sync"
	"time"

	"github.com/theproxycompany/orchard/ipc"
	"github.com/theproxycompany/orchard/modelresolve"
	"github.com/theproxycompany/orchard/registry"
)

const (
	defaultLockTimeout    = 30 * time.Second
	defaultStartupTimeout = 60 * time.Second
	defaultShutdownGrace  = 15 * time.Second
)

// Options configures a lease acquisition.
type Options struct {
	// CacheRoot overrides ResolveCacheRoot's computed directory; mainly
	// for tests.
	CacheRoot string

	// EnginePath is the engine executable path; acquiring the binary
	// itself is out of scope for this package.
	EnginePath string
	EngineArgs []string

	ModelRoot   string
	HFCacheRoot string

	LockTimeout          time.Duration
	StartupTimeout       time.Duration
	ShutdownGraceTimeout time.Duration

	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.LockTimeout == 0 {
		out.LockTimeout = defaultLockTimeout
	}
	if out.StartupTimeout == 0 {
		out.StartupTimeout = defaultStartupTimeout
	}
	if out.ShutdownGraceTimeout == 0 {
		out.ShutdownGraceTimeout = defaultShutdownGrace
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// sharedState is the process-wide state for one cache root: the IPC
// connection, the registry, and the in-process refcount. Every Lease
// acquired for the same cache root within this process shares one
// sharedState.
type sharedState struct {
	mu        sync.Mutex
	cacheRoot string
	opts      Options
	refcount  int

	ipcState *ipc.IPCState
	registry *registry.Registry
	resolver *modelresolve.Resolver
}

var (
	sharedMu     sync.Mutex
	sharedByRoot = make(map[string]*sharedState)
)

// Lease is a single acquirer's handle on a shared engine. Close
// releases this handle's share of the refcount; it is idempotent.
type Lease struct {
	state     *sharedState
	closeOnce sync.Once
}

// Registry returns the shared model registry.
func (l *Lease) Registry() *registry.Registry { return l.state.registry }

// IPCState returns the shared IPC connection.
func (l *Lease) IPCState() *ipc.IPCState { return l.state.ipcState }
