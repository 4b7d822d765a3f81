// Package testutil provides fake engine process doubles for testing
// the root orchard package without a real engine
// binary: overridable behavior funcs in place of a live dependency,
// rather than a mocking framework.
package testutil

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/theproxycompany/orchard/ipc"
)

// FakeEngine accepts the three IPC sockets under a socket root and lets
// tests drive the engine side of the protocol: pushing response-socket
// frames (deltas and broadcast events) and answering management
// requests.
type FakeEngine struct {
	t *testing.T

	respConn net.Conn
	mgmtConn net.Conn

	respMu sync.Mutex

	mgmtHandlerMu sync.RWMutex
	mgmtHandler   func(request []byte) []byte
}

// Start listens on the three socket files under socketRoot and blocks
// until the client side of each has connected.
func Start(t *testing.T, socketRoot string) *FakeEngine {
	t.Helper()

	reqL, err := net.Listen("unix", filepath.Join(socketRoot, ipc.RequestSocketFile))
	require.NoError(t, err)
	respL, err := net.Listen("unix", filepath.Join(socketRoot, ipc.ResponseSocketFile))
	require.NoError(t, err)
	mgmtL, err := net.Listen("unix", filepath.Join(socketRoot, ipc.ManagementSocketFile))
	require.NoError(t, err)

	e := &FakeEngine{t: t}

	type accepted struct {
		conn net.Conn
		err  error
	}
	reqCh := make(chan accepted, 1)
	respCh := make(chan accepted, 1)
	mgmtCh := make(chan accepted, 1)
	go func() { c, err := reqL.Accept(); reqCh <- accepted{c, err} }()
	go func() { c, err := respL.Accept(); respCh <- accepted{c, err} }()
	go func() { c, err := mgmtL.Accept(); mgmtCh <- accepted{c, err} }()

	req := <-reqCh
	require.NoError(t, req.err)
	resp := <-respCh
	require.NoError(t, resp.err)
	mgmt := <-mgmtCh
	require.NoError(t, mgmt.err)

	e.respConn = resp.conn
	e.mgmtConn = mgmt.conn

	t.Cleanup(func() {
		_ = reqL.Close()
		_ = respL.Close()
		_ = mgmtL.Close()
		_ = req.conn.Close()
		_ = resp.conn.Close()
		_ = mgmt.conn.Close()
	})

	// Drain the request socket: this engine double doesn't inspect
	// client->engine request frames, it only needs the connection kept
	// open so the client's push doesn't fail.
	go drainFrames(req.conn)

	go e.serveManagement()

	return e
}

func drainFrames(conn net.Conn) {
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
	}
}

// HandleManagement installs the function used to answer every
// management request from now on.
func (e *FakeEngine) HandleManagement(handler func(request []byte) []byte) {
	e.mgmtHandlerMu.Lock()
	e.mgmtHandler = handler
	e.mgmtHandlerMu.Unlock()
}

func (e *FakeEngine) serveManagement() {
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(e.mgmtConn, lenBuf[:]); err != nil {
			return
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(e.mgmtConn, buf); err != nil {
			return
		}

		e.mgmtHandlerMu.RLock()
		handler := e.mgmtHandler
		e.mgmtHandlerMu.RUnlock()
		if handler == nil {
			continue
		}
		reply := handler(buf)
		_ = e.writeFrame(e.mgmtConn, reply)
	}
}

func (e *FakeEngine) writeFrame(conn net.Conn, payload []byte) error {
	e.respMu.Lock()
	defer e.respMu.Unlock()
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

// PushFrame writes a raw, already-topic-prefixed payload to the
// response socket.
func (e *FakeEngine) PushFrame(t *testing.T, payload []byte) {
	t.Helper()
	require.NoError(t, e.writeFrame(e.respConn, payload))
}

// PushDelta marshals delta and publishes it on channelID's topic.
func (e *FakeEngine) PushDelta(t *testing.T, channelID uint64, delta interface{}) {
	t.Helper()
	body, err := json.Marshal(delta)
	require.NoError(t, err)
	frame := append([]byte(ipc.ResponseTopicPrefix(channelID)), body...)
	e.PushFrame(t, frame)
}

// PublishEvent writes a broadcast "__PIE_EVENT__:<name>\0<json>" frame.
func (e *FakeEngine) PublishEvent(t *testing.T, name string, body interface{}) {
	t.Helper()
	encoded, err := json.Marshal(body)
	require.NoError(t, err)
	frame := append([]byte(ipc.EventPrefix+name), 0)
	frame = append(frame, encoded...)
	e.PushFrame(t, frame)
}

// OKLoadModelHandler returns a management handler that accepts every
// load_model command and replies "ok" with the given capabilities.
func OKLoadModelHandler(capabilities map[string][]int) func([]byte) []byte {
	return func([]byte) []byte {
		reply, _ := json.Marshal(map[string]interface{}{
			"status": "ok",
			"data": map[string]interface{}{
				"load_model": map[string]interface{}{
					"capabilities": capabilities,
				},
			},
		})
		return reply
	}
}
