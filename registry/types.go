// Package registry tracks each model's load lifecycle: a state machine
// per canonical model id coordinating the engine's asynchronous
// load_model handshake and the out-of-band model_loaded event that
// completes activation. Shaped as an RWMutex-guarded map[name]value
// registry, generalized from a provider lookup table to a model state
// machine.
package registry

import (
	"context"
	"sync"

	"github.com/theproxycompany/orchard/chatformat"
	"github.com/theproxycompany/orchard/modelresolve"
)

// State is a model entry's position in the load lifecycle.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateActivating
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateLoading:
		return "LOADING"
	case StateActivating:
		return "ACTIVATING"
	case StateReady:
		return "READY"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Info is the registry's public record for a model, shared by
// reference. Capabilities is mutable only through UpdateCapabilities.
type Info struct {
	ModelID         string
	ModelPath       string
	FormatterHandle *chatformat.ControlTokens

	mu           sync.Mutex
	capabilities map[string][]int
}

// UpdateCapabilities merges newCaps into the model's advertised
// capability map.
func (i *Info) UpdateCapabilities(newCaps map[string][]int) {
	if len(newCaps) == 0 {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.capabilities == nil {
		i.capabilities = make(map[string][]int, len(newCaps))
	}
	for k, v := range newCaps {
		i.capabilities[k] = v
	}
}

// Capabilities returns a snapshot copy of the model's capability map.
func (i *Info) Capabilities() map[string][]int {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[string][]int, len(i.capabilities))
	for k, v := range i.capabilities {
		out[k] = v
	}
	return out
}

// entry is the registry's private per-model state.
type entry struct {
	state    State
	info     *Info
	err      error
	resolved *modelresolve.ResolvedModel
}

// LoadModelReply is the engine's reply to a load_model management
// command.
type LoadModelReply struct {
	Status       string // "ok" | "accepted" | "rejected"
	Message      string
	Capabilities map[string][]int
}

// Commander sends the load_model management command. Implemented by
// the ipc package's management-channel client; declared here so
// registry depends only on the narrow interface it needs, not on ipc.
type Commander interface {
	LoadModel(ctx context.Context, requestedID, canonicalID, modelPath string, waitForCompletion bool) (LoadModelReply, error)
}

// activationSignal wakes a goroutine blocked in activate() awaiting an
// async model_loaded event.
type activationSignal struct {
	err error
}
