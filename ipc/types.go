// Package ipc implements the three unix-domain socket roles the engine
// and client communicate over, the response-socket receive loop that
// demultiplexes per-request deltas and broadcast events, and the
// synchronous management-command client the registry package drives
// through the Commander interface. The receive loop follows a
// pending-request-map-plus-dedicated-goroutine shape, with a single
// mutex guarding each underlying connection.
package ipc

import "time"

// Socket roles, named after the endpoint files under <cache>/ipc/.
const (
	RequestSocketFile    = "pie_requests.ipc"
	ResponseSocketFile   = "pie_responses.ipc"
	ManagementSocketFile = "pie_management.ipc"
)

// EventPrefix is the broadcast topic every response-socket subscriber
// receives regardless of response_channel_id.
const EventPrefix = "__PIE_EVENT__:"

// ResponseTopicPrefix builds a client's per-channel delta-routing topic.
func ResponseTopicPrefix(channelID uint64) string {
	return "resp:" + hexUint64(channelID) + ":"
}

func hexUint64(v uint64) string {
	const hexDigits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	var buf [16]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// defaultDialAttempts/defaultDialDelay are the bounded-retry defaults
// for dialing a socket: the engine may not have created the socket
// file yet.
const (
	defaultDialAttempts = 50
	defaultDialDelay    = 200 * time.Millisecond
)

// defaultReceiveTimeout is the receive loop's per-iteration poll
// interval.
const defaultReceiveTimeout = 100 * time.Millisecond

// defaultManagementTimeout is the per-call timeout for management
// commands.
const defaultManagementTimeout = 30 * time.Second

// HealthSnapshot is the engine's periodic telemetry broadcast, stored
// as the receive loop's "last snapshot". Health.Pid is the
// field the engine lease's readiness wait extracts.
type HealthSnapshot struct {
	Health struct {
		Pid int `json:"pid"`
	} `json:"health"`
	GPUReservedBytes uint64 `json:"gpu_reserved_bytes"`
	GPUTotalBytes    uint64 `json:"gpu_total_bytes"`
}

// GPUUtilization is gpu_reserved_bytes/gpu_total_bytes, or 0 when the
// engine hasn't reported a total yet.
func (s HealthSnapshot) GPUUtilization() float64 {
	if s.GPUTotalBytes == 0 {
		return 0
	}
	return float64(s.GPUReservedBytes) / float64(s.GPUTotalBytes)
}

// ModelLoadedHandler receives the broadcast model_loaded event. Declared
// here (the producer side) rather than depending on *registry.Registry,
// satisfied structurally by it.
type ModelLoadedHandler interface {
	HandleModelLoaded(modelID string, capabilities map[string][]int)
}

// loadModelCommand/loadModelReply mirror the management wire schema for
// load_model.
type loadModelCommand struct {
	Type              string `json:"type"`
	RequestedID       string `json:"requested_id"`
	CanonicalID       string `json:"canonical_id"`
	ModelPath         string `json:"model_path"`
	WaitForCompletion bool   `json:"wait_for_completion"`
}

type loadModelReply struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    struct {
		LoadModel struct {
			Capabilities map[string][]int `json:"capabilities"`
		} `json:"load_model"`
	} `json:"data"`
}

// listModelsCommand/listModelsReply mirror list_models.
type listModelsCommand struct {
	Type string `json:"type"`
}

// ModelSummary is one entry of a list_models reply.
type ModelSummary struct {
	RequestedID string `json:"requested_id"`
	CanonicalID string `json:"canonical_id"`
	LoadState   string `json:"load_state"`
}

type listModelsReply struct {
	Data struct {
		ListModels struct {
			Models []ModelSummary `json:"models"`
		} `json:"list_models"`
	} `json:"data"`
}

// modelLoadedEvent is the __PIE_EVENT__ body for "model_loaded".
type modelLoadedEvent struct {
	ModelID      string           `json:"model_id"`
	Capabilities map[string][]int `json:"capabilities,omitempty"`
}
