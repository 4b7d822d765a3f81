package ipc

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/theproxycompany/orchard/orcherr"
	"github.com/theproxycompany/orchard/registry"
	"github.com/theproxycompany/orchard/wire"
)

// Options configures an IPCState's three socket endpoints and the
// handler for broadcast model_loaded events.
type Options struct {
	SocketRoot         string // directory containing the three .ipc files
	ModelLoadedHandler ModelLoadedHandler
	Logger             *slog.Logger
}

// IPCState owns the three sockets, the response channel id, the
// strictly-increasing request-id counter, and the request_id → sink map
//. One instance is shared process-wide per lease.
type IPCState struct {
	requestSock    *PushSocket
	responseSock   *SubSocket
	managementSock *ReqSocket

	responseChannelID uint64
	responsePrefix    []byte // ResponseTopicPrefix(responseChannelID), computed once
	nextRequestID      atomic.Uint64

	sinksMu sync.Mutex
	sinks   map[uint64]chan *wire.ClientDelta

	modelLoadedHandler ModelLoadedHandler
	logger             *slog.Logger

	snapshot atomic.Pointer[HealthSnapshot]
	limiter  *rate.Limiter

	stopOnce sync.Once
	stopCh   chan struct{}
	loopDone chan struct{}
}

// Connect dials all three sockets, subscribes the response socket to
// this client's per-channel topic and the broadcast event prefix, and
// starts the receive loop.
func Connect(ctx context.Context, opts Options) (*IPCState, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	channelID := generateChannelID()

	reqSock, err := DialPushSocket(ctx, filepath.Join(opts.SocketRoot, RequestSocketFile))
	if err != nil {
		return nil, err
	}
	respSock, err := DialSubSocket(ctx, filepath.Join(opts.SocketRoot, ResponseSocketFile))
	if err != nil {
		_ = reqSock.Close()
		return nil, err
	}
	respSock.Subscribe(ResponseTopicPrefix(channelID))
	respSock.Subscribe(EventPrefix)

	mgmtSock, err := DialReqSocket(ctx, filepath.Join(opts.SocketRoot, ManagementSocketFile))
	if err != nil {
		_ = reqSock.Close()
		_ = respSock.Close()
		return nil, err
	}

	s := &IPCState{
		requestSock:        reqSock,
		responseSock:       respSock,
		managementSock:     mgmtSock,
		responseChannelID:  channelID,
		responsePrefix:     []byte(ResponseTopicPrefix(channelID)),
		sinks:              make(map[uint64]chan *wire.ClientDelta),
		modelLoadedHandler: opts.ModelLoadedHandler,
		logger:             logger,
		limiter:            rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		stopCh:             make(chan struct{}),
		loopDone:           make(chan struct{}),
	}
	s.nextRequestID.Store(0)

	go s.receiveLoop()
	return s, nil
}

// generateChannelID builds (pid<<32)|random32, forced nonzero.
func generateChannelID() uint64 {
	pid := uint64(os.Getpid())
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	r := uint64(binary.LittleEndian.Uint32(buf[:]))
	id := (pid << 32) | r
	if id == 0 {
		id = 1
	}
	return id
}

// ResponseChannelID returns this state's response channel id, embedded
// in every outgoing request frame's response_channel_id field.
func (s *IPCState) ResponseChannelID() uint64 { return s.responseChannelID }

// NextRequestID returns a strictly increasing, nonzero request id. A
// plain Add(1) would wrap MaxUint64 back to 0 on overflow; the CAS loop
// below treats that wraparound as resetting the sequence to 1 instead,
// so 0 is never handed out as a request id.
func (s *IPCState) NextRequestID() uint64 {
	for {
		old := s.nextRequestID.Load()
		next := old + 1
		if next == 0 {
			next = 1
		}
		if s.nextRequestID.CompareAndSwap(old, next) {
			return next
		}
	}
}

// SendFrame pushes a request frame built by the wire package.
func (s *IPCState) SendFrame(frame []byte) error {
	return s.requestSock.Send(frame)
}

// RegisterSink creates and returns the delta channel for requestID.
// Only one sink per active request id may exist at a time.
func (s *IPCState) RegisterSink(requestID uint64) <-chan *wire.ClientDelta {
	ch := make(chan *wire.ClientDelta, 64)
	s.sinksMu.Lock()
	s.sinks[requestID] = ch
	s.sinksMu.Unlock()
	return ch
}

// UnregisterSink drops requestID's sink. This does not
// notify the engine; any deltas that arrive afterward are discarded
// silently by the receive loop.
func (s *IPCState) UnregisterSink(requestID uint64) {
	s.sinksMu.Lock()
	delete(s.sinks, requestID)
	s.sinksMu.Unlock()
}

// LastSnapshot returns the most recent telemetry broadcast, or nil if
// none has arrived yet.
func (s *IPCState) LastSnapshot() *HealthSnapshot { return s.snapshot.Load() }

// receiveLoop is the dedicated background receiver,
// grounded on mcp.MCPClient.receiveLoop's dispatch-by-kind structure.
func (s *IPCState) receiveLoop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		frame, err := s.responseSock.Receive(defaultReceiveTimeout)
		if err != nil {
			if orcherr.IsTimeout(err) {
				continue
			}
			select {
			case <-s.stopCh:
				return
			default:
			}
			_ = s.limiter.Wait(context.Background())
			continue
		}

		s.dispatch(frame)
	}
}

func (s *IPCState) dispatch(frame []byte) {
	if bytes.HasPrefix(frame, s.responsePrefix) {
		s.dispatchDelta(frame[len(s.responsePrefix):])
		return
	}
	if bytes.HasPrefix(frame, []byte(EventPrefix)) {
		s.dispatchEvent(frame[len(EventPrefix):])
		return
	}
	// Neither topic matches this client's subscriptions; ignore.
}

func (s *IPCState) dispatchDelta(payload []byte) {
	delta, err := wire.ParseDelta(payload)
	if err != nil {
		s.logger.Warn("ipc: dropping malformed delta", "error", err)
		return
	}

	s.sinksMu.Lock()
	ch, ok := s.sinks[delta.RequestID]
	if ok && delta.IsFinal {
		delete(s.sinks, delta.RequestID)
	}
	s.sinksMu.Unlock()

	if !ok {
		return
	}
	select {
	case ch <- delta:
	default:
		// Sink full; the consumer is not keeping up. Drop rather
		// than block the receive loop.
	}
	if delta.IsFinal {
		close(ch)
	}
}

func (s *IPCState) dispatchEvent(rest []byte) {
	nul := bytes.IndexByte(rest, 0)
	if nul < 0 {
		return
	}
	name := string(rest[:nul])
	body := rest[nul+1:]

	switch name {
	case "telemetry":
		var snap HealthSnapshot
		if err := json.Unmarshal(body, &snap); err != nil {
			s.logger.Warn("ipc: dropping malformed telemetry event", "error", err)
			return
		}
		s.snapshot.Store(&snap)

	case "model_loaded":
		var ev modelLoadedEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			s.logger.Warn("ipc: dropping malformed model_loaded event", "error", err)
			return
		}
		if s.modelLoadedHandler != nil {
			s.modelLoadedHandler.HandleModelLoaded(ev.ModelID, ev.Capabilities)
		}

	default:
		// Unknown events are ignored.
	}
}

// LoadModel implements registry.Commander, issuing the load_model
// management command.
func (s *IPCState) LoadModel(ctx context.Context, requestedID, canonicalID, modelPath string, waitForCompletion bool) (registry.LoadModelReply, error) {
	cmd := loadModelCommand{
		Type:              "load_model",
		RequestedID:       requestedID,
		CanonicalID:       canonicalID,
		ModelPath:         modelPath,
		WaitForCompletion: waitForCompletion,
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return registry.LoadModelReply{}, orcherr.NewTransport("encoding load_model command", err)
	}

	replyFrame, err := s.managementSock.Call(ctx, payload, defaultManagementTimeout)
	if err != nil {
		return registry.LoadModelReply{}, err
	}

	var reply loadModelReply
	if err := json.Unmarshal(replyFrame, &reply); err != nil {
		return registry.LoadModelReply{}, orcherr.NewTransport("decoding load_model reply", err)
	}
	return registry.LoadModelReply{
		Status:       reply.Status,
		Message:      reply.Message,
		Capabilities: reply.Data.LoadModel.Capabilities,
	}, nil
}

// ListModels issues the list_models management command.
func (s *IPCState) ListModels(ctx context.Context) ([]ModelSummary, error) {
	payload, err := json.Marshal(listModelsCommand{Type: "list_models"})
	if err != nil {
		return nil, orcherr.NewTransport("encoding list_models command", err)
	}

	replyFrame, err := s.managementSock.Call(ctx, payload, defaultManagementTimeout)
	if err != nil {
		return nil, err
	}

	var reply listModelsReply
	if err := json.Unmarshal(replyFrame, &reply); err != nil {
		return nil, orcherr.NewTransport("decoding list_models reply", err)
	}
	return reply.Data.ListModels.Models, nil
}

// Close idempotently stops the receive loop, closes all sockets, and
// finishes any remaining sinks.
func (s *IPCState) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.loopDone

		s.sinksMu.Lock()
		for id, ch := range s.sinks {
			close(ch)
			delete(s.sinks, id)
		}
		s.sinksMu.Unlock()
	})

	var firstErr error
	for _, closer := range []interface{ Close() error }{s.requestSock, s.responseSock, s.managementSock} {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
