package lease

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/theproxycompany/orchard/registry"
)

// startFakeEngine stands in for the real engine binary: it accepts the
// three IPC sockets bootstrap's ipc.Connect dials, nothing more.
func startFakeEngine(t *testing.T, root string) {
	t.Helper()

	reqL, err := net.Listen("unix", filepath.Join(root, "ipc", "pie_requests.ipc"))
	require.NoError(t, err)
	respL, err := net.Listen("unix", filepath.Join(root, "ipc", "pie_responses.ipc"))
	require.NoError(t, err)
	mgmtL, err := net.Listen("unix", filepath.Join(root, "ipc", "pie_management.ipc"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = reqL.Close()
		_ = respL.Close()
		_ = mgmtL.Close()
	})

	go func() { _, _ = reqL.Accept() }()
	go func() { _, _ = respL.Accept() }()
	go func() { _, _ = mgmtL.Accept() }()
}

func TestCommanderProxyErrorsBeforeTargetIsSet(t *testing.T) {
	proxy := &commanderProxy{}
	_, err := proxy.LoadModel(context.Background(), "req", "canon", "/path", false)
	require.Error(t, err)
}

func TestCommanderProxyForwardsAfterSetTarget(t *testing.T) {
	proxy := &commanderProxy{}
	fake := &fakeCommander{reply: registry.LoadModelReply{Status: "ok"}}
	proxy.setTarget(fake)

	reply, err := proxy.LoadModel(context.Background(), "req", "canon", "/path", true)
	require.NoError(t, err)
	require.Equal(t, "ok", reply.Status)
	require.Equal(t, "canon", fake.lastCanonicalID)
}

type fakeCommander struct {
	reply           registry.LoadModelReply
	lastCanonicalID string
}

func (f *fakeCommander) LoadModel(ctx context.Context, requestedID, canonicalID, modelPath string, wait bool) (registry.LoadModelReply, error) {
	f.lastCanonicalID = canonicalID
	return f.reply, nil
}

func TestFilterAliveDropsDeadPIDs(t *testing.T) {
	self := os.Getpid()
	got := filterAlive([]int{self, 999999999})
	require.Equal(t, []int{self}, got)
}

func TestContainsAndRemoveInt(t *testing.T) {
	require.True(t, containsInt([]int{1, 2, 3}, 2))
	require.False(t, containsInt([]int{1, 2, 3}, 9))
	require.Equal(t, []int{1, 3}, removeInt([]int{1, 2, 3}, 2))
}

func TestReadPidFileMissingReturnsZero(t *testing.T) {
	dir := t.TempDir()
	require.Equal(t, 0, readPidFile(filepath.Join(dir, "nope")))
}

func TestReadPidFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(4242)), 0o644))
	require.Equal(t, 4242, readPidFile(path))
}

// TestAcquireOrSpawnEngineReusesAliveEngine seeds engine.pid with the
// current test process's own pid (always alive) so acquireOrSpawnEngine
// must not attempt to spawn a new engine, and instead just records this
// process in engine.refs.
func TestAcquireOrSpawnEngineReusesAliveEngine(t *testing.T) {
	root := t.TempDir()
	self := os.Getpid()
	require.NoError(t, os.WriteFile(filepath.Join(root, "engine.pid"), []byte(strconv.Itoa(self)), 0o644))

	opts := Options{}
	err := acquireOrSpawnEngine(context.Background(), opts.withDefaults(), root)
	require.NoError(t, err)

	var refs []int
	data, err := os.ReadFile(filepath.Join(root, "engine.refs"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &refs))
	require.Contains(t, refs, self)
}

// TestAcquireReleaseSharesStateAcrossCallsInProcess exercises the full
// Acquire/Close path against a fake engine that never needs spawning
// (pid pre-seeded as this test process, which is always alive) and
// only accepts the three socket connections so bootstrap's IPC connect
// succeeds.
func TestAcquireReleaseSharesStateAcrossCallsInProcess(t *testing.T) {
	root := t.TempDir()
	self := os.Getpid()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "ipc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "engine.pid"), []byte(strconv.Itoa(self)), 0o644))

	// bootstrap's ipc.Connect doesn't itself wait for readiness (only
	// spawnEngine's waitForReadiness does, and that path is skipped here
	// since engine.pid is pre-seeded alive), so the fake engine only
	// needs to accept the three socket connections.
	startFakeEngine(t, root)

	opts := Options{CacheRoot: root}

	l1, err := Acquire(context.Background(), opts)
	require.NoError(t, err)
	require.NotNil(t, l1.Registry())
	require.NotNil(t, l1.IPCState())

	l2, err := Acquire(context.Background(), opts)
	require.NoError(t, err)
	require.Same(t, l1.state, l2.state)
	require.Equal(t, 2, l1.state.refcount)

	require.NoError(t, l2.Close())
	require.Equal(t, 1, l1.state.refcount)

	require.NoError(t, l1.Close())

	sharedMu.Lock()
	_, stillTracked := sharedByRoot[root]
	sharedMu.Unlock()
	require.False(t, stillTracked)
}
