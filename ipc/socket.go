package ipc

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/theproxycompany/orchard/internal/retry"
	"github.com/theproxycompany/orchard/orcherr"
)

// frameConn wraps a unix-domain net.Conn with the length-prefixed
// framing used by all three socket roles (4-byte LE length, then
// payload). A single mutex guards the connection so concurrent writers
// never interleave frames.
type frameConn struct {
	mu   sync.Mutex
	conn net.Conn

	closeOnce sync.Once
	closeErr  error
}

// dialFrameConn dials path with bounded retry: the engine may not have
// created the socket file yet.
func dialFrameConn(ctx context.Context, path string, attempts int, delay time.Duration) (*frameConn, error) {
	if attempts <= 0 {
		attempts = defaultDialAttempts
	}
	if delay <= 0 {
		delay = defaultDialDelay
	}

	cfg := retry.Config{
		MaxRetries:   attempts - 1,
		InitialDelay: delay,
		MaxDelay:     delay,
		Multiplier:   1, // fixed delay, not exponential backoff
		Jitter:       false,
	}

	var conn net.Conn
	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		c, dialErr := net.Dial("unix", path)
		if dialErr != nil {
			return dialErr
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, orcherr.NewTransport("dial "+path, err)
	}
	return &frameConn{conn: conn}, nil
}

// send writes one length-prefixed frame.
func (f *frameConn) send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := f.conn.Write(lenBuf[:]); err != nil {
		return orcherr.NewTransport("send", err)
	}
	if len(payload) > 0 {
		if _, err := f.conn.Write(payload); err != nil {
			return orcherr.NewTransport("send", err)
		}
	}
	return nil
}

// receive reads one length-prefixed frame, failing with the
// distinguished TIMEOUT code if none arrives within timeout.
func (f *frameConn) receive(timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, orcherr.NewTransport("receive", err)
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(f.conn, lenBuf[:]); err != nil {
		if isTimeout(err) {
			return nil, orcherr.NewTimeout("receive")
		}
		return nil, orcherr.NewTransport("receive", err)
	}

	n := binary.LittleEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(f.conn, payload); err != nil {
			if isTimeout(err) {
				return nil, orcherr.NewTimeout("receive")
			}
			return nil, orcherr.NewTransport("receive", err)
		}
	}
	return payload, nil
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// close is idempotent.
func (f *frameConn) close() error {
	f.closeOnce.Do(func() {
		f.closeErr = f.conn.Close()
	})
	return f.closeErr
}

// PushSocket is the fan-in request socket: lossless, one-way to the
// engine, safe for concurrent callers.
type PushSocket struct{ *frameConn }

// DialPushSocket connects the request socket.
func DialPushSocket(ctx context.Context, path string) (*PushSocket, error) {
	fc, err := dialFrameConn(ctx, path, defaultDialAttempts, defaultDialDelay)
	if err != nil {
		return nil, err
	}
	return &PushSocket{fc}, nil
}

// Send pushes one request frame.
func (p *PushSocket) Send(frame []byte) error { return p.send(frame) }

// Close closes the push socket.
func (p *PushSocket) Close() error { return p.close() }

// SubSocket is the fan-out response socket. Topic filtering is done by
// the caller (IPCState's receive loop) via bytes.HasPrefix against the
// prefixes it holds itself; the topics Subscribe records are not
// consulted when receiving, and there is no server-side subscribe
// handshake over this transport, only length-prefixed framing.
type SubSocket struct {
	*frameConn
	topics []string
}

// DialSubSocket connects the response socket. The client
// must know its topics of interest before connecting; callers should
// call Subscribe before the first Receive.
func DialSubSocket(ctx context.Context, path string) (*SubSocket, error) {
	fc, err := dialFrameConn(ctx, path, defaultDialAttempts, defaultDialDelay)
	if err != nil {
		return nil, err
	}
	return &SubSocket{frameConn: fc}, nil
}

// Subscribe records a topic prefix this client cares about.
func (s *SubSocket) Subscribe(topicPrefix string) {
	s.topics = append(s.topics, topicPrefix)
}

// Receive reads the next frame, regardless of topic; the receive loop
// applies prefix matching itself.
func (s *SubSocket) Receive(timeout time.Duration) ([]byte, error) { return s.receive(timeout) }

// Close closes the response socket.
func (s *SubSocket) Close() error { return s.close() }

// ReqSocket is the synchronous management socket: one outstanding call
// at a time, enforced by callMu.
type ReqSocket struct {
	*frameConn
	callMu sync.Mutex
}

// DialReqSocket connects the management socket.
func DialReqSocket(ctx context.Context, path string) (*ReqSocket, error) {
	fc, err := dialFrameConn(ctx, path, defaultDialAttempts, defaultDialDelay)
	if err != nil {
		return nil, err
	}
	return &ReqSocket{frameConn: fc}, nil
}

// Call sends payload and waits for the matching reply frame, with at
// most one outstanding call allowed per socket. It returns
// early if ctx is cancelled before the reply (or the timeout) arrives.
func (r *ReqSocket) Call(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	r.callMu.Lock()
	defer r.callMu.Unlock()

	if err := r.send(payload); err != nil {
		return nil, err
	}

	type result struct {
		frame []byte
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		frame, err := r.receive(timeout)
		resCh <- result{frame, err}
	}()

	select {
	case res := <-resCh:
		return res.frame, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the management socket.
func (r *ReqSocket) Close() error { return r.close() }
