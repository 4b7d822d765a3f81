package lease

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/theproxycompany/orchard/internal/diskio"
	"github.com/theproxycompany/orchard/internal/flock"
	"github.com/theproxycompany/orchard/ipc"
	"github.com/theproxycompany/orchard/modelresolve"
	"github.com/theproxycompany/orchard/orcherr"
	"github.com/theproxycompany/orchard/registry"
)

// Acquire implements the acquire-lease algorithm: it ensures
// exactly one engine subprocess is running for opts' cache root,
// spawning it on first use, then returns a handle that shares the
// process-wide IPC state and registry with every other Lease acquired
// for the same root in this process.
func Acquire(ctx context.Context, opts Options) (*Lease, error) {
	opts = opts.withDefaults()

	cacheRoot := opts.CacheRoot
	if cacheRoot == "" {
		resolved, err := ResolveCacheRoot()
		if err != nil {
			return nil, orcherr.NewLease(orcherr.CodeStartupFailed, "resolving cache root", err)
		}
		cacheRoot = resolved
	}

	sharedMu.Lock()
	st, ok := sharedByRoot[cacheRoot]
	if !ok {
		st = &sharedState{cacheRoot: cacheRoot, opts: opts}
		sharedByRoot[cacheRoot] = st
	}
	sharedMu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.refcount == 0 {
		if err := st.bootstrap(ctx); err != nil {
			return nil, err
		}
	}
	st.refcount++
	return &Lease{state: st}, nil
}

// Close releases this lease's share of the engine refcount; when the
// last holder in this process (and, via the refs file, on the host)
// releases, the engine is stopped. Idempotent.
func (l *Lease) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		st := l.state
		st.mu.Lock()
		defer st.mu.Unlock()

		st.refcount--
		if st.refcount > 0 {
			return
		}
		closeErr = st.teardown()
	})
	return closeErr
}

// bootstrap runs while holding st.mu (serializing in-process callers)
// and, internally, the cross-process engine.lock.
func (st *sharedState) bootstrap(ctx context.Context) error {
	cacheRoot := st.cacheRoot
	if err := os.MkdirAll(socketDir(cacheRoot), 0o755); err != nil {
		return orcherr.NewLease(orcherr.CodeStartupFailed, "creating socket directory", err)
	}

	if err := acquireOrSpawnEngine(ctx, st.opts, cacheRoot); err != nil {
		return err
	}
	return st.initProcessContext(ctx)
}

// commanderProxy breaks the registry/ipc construction cycle: the
// registry needs a Commander at construction, but the Commander (the
// IPC connection) needs the registry as its ModelLoadedHandler at
// connect time. The registry is built first against this proxy; once
// ipc.Connect returns, the proxy's target is set.
type commanderProxy struct {
	mu     sync.RWMutex
	target registry.Commander
}

func (c *commanderProxy) LoadModel(ctx context.Context, requestedID, canonicalID, modelPath string, wait bool) (registry.LoadModelReply, error) {
	c.mu.RLock()
	target := c.target
	c.mu.RUnlock()
	if target == nil {
		return registry.LoadModelReply{}, orcherr.NewLease(orcherr.CodeStartupFailed, "ipc state not yet connected", nil)
	}
	return target.LoadModel(ctx, requestedID, canonicalID, modelPath, wait)
}

func (c *commanderProxy) setTarget(t registry.Commander) {
	c.mu.Lock()
	c.target = t
	c.mu.Unlock()
}

// initProcessContext builds the shared registry and IPC state, once
// per cache root per process once").
func (st *sharedState) initProcessContext(ctx context.Context) error {
	resolver := modelresolve.NewResolver(st.opts.ModelRoot, st.opts.HFCacheRoot)
	proxy := &commanderProxy{}
	reg := registry.New(resolver, proxy)

	ipcState, err := ipc.Connect(ctx, ipc.Options{
		SocketRoot:         socketDir(st.cacheRoot),
		ModelLoadedHandler: reg,
		Logger:             st.opts.Logger,
	})
	if err != nil {
		return err
	}
	proxy.setTarget(ipcState)

	st.resolver = resolver
	st.registry = reg
	st.ipcState = ipcState
	return nil
}

// acquireOrSpawnEngine implements the on-disk half of Acquire, under
// the engine.lock file lock: check for a live engine, spawn one if
// none is running, and record this reference.
func acquireOrSpawnEngine(ctx context.Context, opts Options, cacheRoot string) error {
	lockPath := filepath.Join(cacheRoot, "engine.lock")
	pidPath := filepath.Join(cacheRoot, "engine.pid")
	refsPath := filepath.Join(cacheRoot, "engine.refs")
	readyPath := filepath.Join(cacheRoot, "engine.ready")

	lock, err := flock.Acquire(lockPath, opts.LockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	var refs []int
	if err := diskio.ReadJSON(refsPath, &refs); err != nil {
		return orcherr.NewLease(orcherr.CodeStartupFailed, "reading engine.refs", err)
	}
	refs = filterAlive(refs)

	pid := readPidFile(pidPath)
	if pid != 0 && !flock.IsAlive(pid) {
		pid = 0
		os.Remove(pidPath)
		os.Remove(readyPath)
	}

	if pid == 0 && len(refs) == 0 {
		spawned, err := spawnEngine(ctx, opts, cacheRoot)
		if err != nil {
			return err
		}
		pid = spawned
		if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)), 0o644); err != nil {
			return orcherr.NewLease(orcherr.CodeStartupFailed, "writing engine.pid", err)
		}
		_ = diskio.WriteFileAtomic(readyPath, []byte(strconv.Itoa(pid)), 0o644)
	}

	if !containsInt(refs, os.Getpid()) {
		refs = append(refs, os.Getpid())
	}
	if err := diskio.WriteJSON(refsPath, refs, 0o644); err != nil {
		return orcherr.NewLease(orcherr.CodeStartupFailed, "writing engine.refs", err)
	}
	return nil
}

// teardown releases this process's reference and, once the last
// reference drops, stops the engine subprocess.
func (st *sharedState) teardown() error {
	if st.ipcState != nil {
		_ = st.ipcState.Close()
	}

	cacheRoot := st.cacheRoot
	lockPath := filepath.Join(cacheRoot, "engine.lock")
	pidPath := filepath.Join(cacheRoot, "engine.pid")
	refsPath := filepath.Join(cacheRoot, "engine.refs")
	readyPath := filepath.Join(cacheRoot, "engine.ready")

	lock, err := flock.Acquire(lockPath, st.opts.LockTimeout)
	if err != nil {
		sharedMu.Lock()
		delete(sharedByRoot, cacheRoot)
		sharedMu.Unlock()
		return err
	}
	defer lock.Release()

	var refs []int
	_ = diskio.ReadJSON(refsPath, &refs)
	refs = removeInt(filterAlive(refs), os.Getpid())

	if len(refs) == 0 {
		pid := readPidFile(pidPath)
		if pid != 0 && flock.IsAlive(pid) {
			stopProcess(pid, st.opts.ShutdownGraceTimeout)
		}
		os.Remove(pidPath)
		os.Remove(readyPath)
		os.Remove(refsPath)
	} else {
		_ = diskio.WriteJSON(refsPath, refs, 0o644)
	}

	sharedMu.Lock()
	delete(sharedByRoot, cacheRoot)
	sharedMu.Unlock()
	return nil
}

func readPidFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

func filterAlive(pids []int) []int {
	out := make([]int, 0, len(pids))
	for _, p := range pids {
		if flock.IsAlive(p) {
			out = append(out, p)
		}
	}
	return out
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func removeInt(s []int, v int) []int {
	out := make([]int, 0, len(s))
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
