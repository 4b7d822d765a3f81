package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/theproxycompany/orchard/chatformat"
	"github.com/theproxycompany/orchard/modelresolve"
	"github.com/theproxycompany/orchard/orcherr"
)

// Registry is the model load state machine: resolve, activate once,
// then ready.
// One instance is shared by every caller within a lease.
type Registry struct {
	resolver  *modelresolve.Resolver
	commander Commander

	mu      sync.RWMutex
	entries map[string]*entry // keyed by canonical id

	activation        singleflight.Group
	pendingActivation map[string]chan activationSignal // canonical id -> waiter, guarded by mu
}

// New builds a Registry backed by resolver for identifier resolution
// and commander for issuing load_model management calls.
func New(resolver *modelresolve.Resolver, commander Commander) *Registry {
	return &Registry{
		resolver:          resolver,
		commander:         commander,
		entries:           make(map[string]*entry),
		pendingActivation: make(map[string]chan activationSignal),
	}
}

// scheduleModelSync resolves id and advances its entry through the
// load state machine:
// a READY entry short-circuits unless forceReload; an in-flight entry
// returns its current state; otherwise the entry is reset and, for a
// local or hf_cache source, its formatter is built and it moves to
// LOADING.
func (r *Registry) scheduleModelSync(id string, forceReload bool) (State, string, error) {
	resolved, err := r.resolver.Resolve(id)
	if err != nil {
		return StateFailed, "", err
	}
	canonical := resolved.CanonicalID

	r.mu.Lock()

	e, ok := r.entries[canonical]
	if !ok {
		e = &entry{state: StateIdle}
		r.entries[canonical] = e
	}

	if e.state == StateReady && !forceReload {
		r.mu.Unlock()
		return StateReady, canonical, nil
	}
	if !forceReload && (e.state == StateLoading || e.state == StateActivating) {
		r.mu.Unlock()
		return e.state, canonical, nil
	}

	e.err = nil
	e.info = nil
	e.resolved = resolved

	if resolved.Source != modelresolve.SourceLocal && resolved.Source != modelresolve.SourceHFCache {
		e.state = StateFailed
		e.err = orcherr.NewModel(orcherr.CodeDownloadUnsupported, canonical, "model weight download is not supported")
		r.mu.Unlock()
		return StateFailed, canonical, e.err
	}

	// Claim the transition before releasing the lock: any concurrent
	// caller resolving the same canonical id now sees StateLoading above
	// and returns early instead of racing this goroutine into
	// buildFormatter's disk reads.
	e.state = StateLoading
	r.mu.Unlock()

	tokens, err := buildFormatter(resolved.ModelPath)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		e.state = StateFailed
		e.err = err
		return StateFailed, canonical, err
	}

	e.info = &Info{ModelID: canonical, ModelPath: resolved.ModelPath, FormatterHandle: tokens}
	e.state = StateLoading
	return StateLoading, canonical, nil
}

// buildFormatter loads a model's control_tokens.json profile,
// requiring a sibling config.json to exist.
func buildFormatter(modelPath string) (*chatformat.ControlTokens, error) {
	configPath := filepath.Join(modelPath, "config.json")
	if _, err := os.Stat(configPath); err != nil {
		return nil, orcherr.NewModel(orcherr.CodeMissingConfig, modelPath, "missing config.json")
	}

	tokensPath := filepath.Join(modelPath, "control_tokens.json")
	data, err := os.ReadFile(tokensPath)
	if err != nil {
		return nil, orcherr.NewModel(orcherr.CodeLoadFailed, modelPath, "reading control_tokens.json: "+err.Error())
	}
	return chatformat.ParseControlTokens(data)
}

// EnsureLoaded resolves id, triggers the engine's load_model handshake
// if needed, and blocks until the model is READY or activation fails.
// Concurrent callers for the same canonical id coalesce onto one
// in-flight activation.
func (r *Registry) EnsureLoaded(ctx context.Context, id string) (*Info, error) {
	state, canonical, err := r.scheduleModelSync(id, false)
	if err != nil {
		return nil, err
	}

	if state == StateReady {
		r.mu.RLock()
		info := r.entries[canonical].info
		r.mu.RUnlock()
		return info, nil
	}
	if state == StateFailed {
		r.mu.RLock()
		failErr := r.entries[canonical].err
		r.mu.RUnlock()
		return nil, failErr
	}

	result, err, _ := r.activation.Do(canonical, func() (interface{}, error) {
		return r.activate(ctx, canonical)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Info), nil
}

// ForceReload resets a READY model back to LOADING and re-runs
// EnsureLoaded's activation handshake.
func (r *Registry) ForceReload(ctx context.Context, id string) (*Info, error) {
	_, canonical, err := r.scheduleModelSync(id, true)
	if err != nil {
		return nil, err
	}
	result, err, _ := r.activation.Do(canonical, func() (interface{}, error) {
		return r.activate(ctx, canonical)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Info), nil
}

// activate sends the load_model command and waits for either a
// synchronous "ok" reply or, on "accepted", the receive loop's
// model_loaded event delivered through HandleModelLoaded.
func (r *Registry) activate(ctx context.Context, canonical string) (*Info, error) {
	r.mu.Lock()
	e, ok := r.entries[canonical]
	if !ok {
		r.mu.Unlock()
		return nil, orcherr.NewModel(orcherr.CodeNotFound, canonical, "model entry vanished before activation")
	}
	if e.state == StateReady {
		info := e.info
		r.mu.Unlock()
		return info, nil
	}
	e.state = StateActivating
	waitCh := make(chan activationSignal, 1)
	r.pendingActivation[canonical] = waitCh
	info := e.info
	resolved := e.resolved
	r.mu.Unlock()

	reply, err := r.commander.LoadModel(ctx, info.ModelID, canonical, resolved.ModelPath, false)
	if err != nil {
		return nil, r.fail(canonical, orcherr.NewModel(orcherr.CodeActivationFailed, canonical, err.Error()))
	}

	switch reply.Status {
	case "ok":
		r.mu.Lock()
		info.UpdateCapabilities(reply.Capabilities)
		e.state = StateReady
		delete(r.pendingActivation, canonical)
		r.mu.Unlock()
		return info, nil

	case "accepted":
		select {
		case sig := <-waitCh:
			if sig.err != nil {
				return nil, sig.err
			}
			return info, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	default:
		return nil, r.fail(canonical, orcherr.NewModel(orcherr.CodeLoadRejected, canonical, reply.Message))
	}
}

// fail transitions an entry to FAILED and wakes any pending waiter.
func (r *Registry) fail(canonical string, failErr error) error {
	r.mu.Lock()
	if e, ok := r.entries[canonical]; ok {
		e.state = StateFailed
		e.err = failErr
	}
	waitCh, ok := r.pendingActivation[canonical]
	delete(r.pendingActivation, canonical)
	r.mu.Unlock()

	if ok {
		waitCh <- activationSignal{err: failErr}
	}
	return failErr
}

// HandleModelLoaded advances a model from ACTIVATING to READY on
// receipt of the engine's out-of-band model_loaded event.
// Events for an id not currently ACTIVATING are ignored (stray or
// duplicate delivery).
func (r *Registry) HandleModelLoaded(modelID string, capabilities map[string][]int) {
	r.mu.Lock()
	e, ok := r.entries[modelID]
	if !ok || e.state != StateActivating {
		r.mu.Unlock()
		return
	}
	e.info.UpdateCapabilities(capabilities)
	e.state = StateReady
	waitCh, ok2 := r.pendingActivation[modelID]
	delete(r.pendingActivation, modelID)
	r.mu.Unlock()

	if ok2 {
		waitCh <- activationSignal{}
	}
}

// RegisterAlias routes a user-facing alias to a canonical model id.
func (r *Registry) RegisterAlias(alias, canonicalID string) {
	r.resolver.RegisterAlias(alias, canonicalID)
}

// State returns a model's current lifecycle state, or StateIdle if it
// has never been scheduled.
func (r *Registry) State(canonicalID string) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[canonicalID]
	if !ok {
		return StateIdle
	}
	return e.state
}
