package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/theproxycompany/orchard/modelresolve"
	"github.com/theproxycompany/orchard/orcherr"
)

const sampleControlTokens = `{
	"template_type": "llama",
	"begin_of_text": "<|begin_of_text|>",
	"end_of_sequence": "<|eot_id|>",
	"roles": {
		"agent": {"role_name": "assistant", "role_start_tag": "<|s|>", "role_end_tag": "<|e|>"},
		"user": {"role_name": "user", "role_start_tag": "<|s|>", "role_end_tag": "<|e|>"}
	}
}`

func newTestModel(t *testing.T, root, name string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "control_tokens.json"), []byte(sampleControlTokens), 0o644); err != nil {
		t.Fatal(err)
	}
}

type fakeCommander struct {
	mu    sync.Mutex
	reply LoadModelReply
	err   error
	calls int
}

func (f *fakeCommander) LoadModel(ctx context.Context, requestedID, canonicalID, modelPath string, wait bool) (LoadModelReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.reply, f.err
}

func newRegistry(t *testing.T, commander Commander) (*Registry, string) {
	t.Helper()
	root := t.TempDir()
	resolver := modelresolve.NewResolver(root, "")
	return New(resolver, commander), root
}

func TestEnsureLoadedSynchronousOK(t *testing.T) {
	t.Parallel()

	cmd := &fakeCommander{reply: LoadModelReply{Status: "ok", Capabilities: map[string][]int{"vision": {1}}}}
	reg, root := newRegistry(t, cmd)
	newTestModel(t, root, "moondream3")

	info, err := reg.EnsureLoaded(context.Background(), "moondream3")
	if err != nil {
		t.Fatalf("EnsureLoaded: %v", err)
	}
	if info.ModelID != "moondream3" {
		t.Errorf("ModelID = %q", info.ModelID)
	}
	if reg.State("moondream3") != StateReady {
		t.Errorf("State = %v, want READY", reg.State("moondream3"))
	}
	if got := info.Capabilities()["vision"]; len(got) != 1 || got[0] != 1 {
		t.Errorf("Capabilities = %+v", info.Capabilities())
	}
}

func TestEnsureLoadedAsyncAccepted(t *testing.T) {
	t.Parallel()

	cmd := &fakeCommander{reply: LoadModelReply{Status: "accepted"}}
	reg, root := newRegistry(t, cmd)
	newTestModel(t, root, "moondream3")

	done := make(chan struct{})
	var info *Info
	var ensureErr error
	go func() {
		info, ensureErr = reg.EnsureLoaded(context.Background(), "moondream3")
		close(done)
	}()

	// give activate() time to register the pending waiter
	time.Sleep(20 * time.Millisecond)
	reg.HandleModelLoaded("moondream3", map[string][]int{"vision": {1, 2}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("EnsureLoaded did not complete after model_loaded event")
	}
	if ensureErr != nil {
		t.Fatalf("EnsureLoaded: %v", ensureErr)
	}
	if reg.State("moondream3") != StateReady {
		t.Errorf("State = %v, want READY", reg.State("moondream3"))
	}
	if got := info.Capabilities()["vision"]; len(got) != 2 {
		t.Errorf("Capabilities = %+v", info.Capabilities())
	}
}

func TestEnsureLoadedRejected(t *testing.T) {
	t.Parallel()

	cmd := &fakeCommander{reply: LoadModelReply{Status: "rejected", Message: "out of memory"}}
	reg, root := newRegistry(t, cmd)
	newTestModel(t, root, "moondream3")

	_, err := reg.EnsureLoaded(context.Background(), "moondream3")
	if !orcherr.IsCode(err, orcherr.CodeLoadRejected) {
		t.Fatalf("expected LOAD_REJECTED, got %v", err)
	}
	if reg.State("moondream3") != StateFailed {
		t.Errorf("State = %v, want FAILED", reg.State("moondream3"))
	}
}

func TestEnsureLoadedNotFound(t *testing.T) {
	t.Parallel()

	reg, _ := newRegistry(t, &fakeCommander{})
	_, err := reg.EnsureLoaded(context.Background(), "nonexistent")
	if !orcherr.IsCode(err, orcherr.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestEnsureLoadedCoalescesConcurrentCalls(t *testing.T) {
	t.Parallel()

	cmd := &fakeCommander{reply: LoadModelReply{Status: "ok"}}
	reg, root := newRegistry(t, cmd)
	newTestModel(t, root, "moondream3")

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = reg.EnsureLoaded(context.Background(), "moondream3")
		}(i)
	}
	wg.Wait()

	for _, e := range errs {
		if e != nil {
			t.Errorf("unexpected error: %v", e)
		}
	}
	cmd.mu.Lock()
	calls := cmd.calls
	cmd.mu.Unlock()
	if calls == 0 {
		t.Error("expected at least one LoadModel call")
	}
}

func TestScheduleModelSyncMissingConfig(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "broken"), 0o755); err != nil {
		t.Fatal(err)
	}
	reg, _ := newRegistry(t, &fakeCommander{})
	reg.resolver = modelresolve.NewResolver(root, "")

	_, err := reg.EnsureLoaded(context.Background(), "broken")
	if !orcherr.IsCode(err, orcherr.CodeMissingConfig) {
		t.Fatalf("expected MISSING_CONFIG, got %v", err)
	}
}

func TestEnsureLoadedReadyShortCircuits(t *testing.T) {
	t.Parallel()

	cmd := &fakeCommander{reply: LoadModelReply{Status: "ok"}}
	reg, root := newRegistry(t, cmd)
	newTestModel(t, root, "moondream3")

	if _, err := reg.EnsureLoaded(context.Background(), "moondream3"); err != nil {
		t.Fatalf("first EnsureLoaded: %v", err)
	}
	if _, err := reg.EnsureLoaded(context.Background(), "moondream3"); err != nil {
		t.Fatalf("second EnsureLoaded: %v", err)
	}

	cmd.mu.Lock()
	calls := cmd.calls
	cmd.mu.Unlock()
	if calls != 1 {
		t.Errorf("LoadModel called %d times, want exactly 1", calls)
	}
}
