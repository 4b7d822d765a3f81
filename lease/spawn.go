package lease

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/theproxycompany/orchard/ipc"
	"github.com/theproxycompany/orchard/orcherr"
)

// spawnEngine launches the engine executable with stdout/stderr
// redirected to engine.log (the live channel is the IPC sockets, so
// stdio is just a diagnostic sink) and waits for the engine's first
// telemetry broadcast to learn its reported pid.
//
// The subprocess is started with plain exec.Command, not
// exec.CommandContext: the engine must outlive this Acquire call's
// context, since it is shared by every future lease on this cache
// root — its lifetime is tied to the cache root, not to any one
// connection.
func spawnEngine(ctx context.Context, opts Options, cacheRoot string) (int, error) {
	logFile, err := os.OpenFile(filepath.Join(cacheRoot, "engine.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, orcherr.NewLease(orcherr.CodeStartupFailed, "opening engine.log", err)
	}
	defer logFile.Close()

	cmd := exec.Command(opts.EnginePath, opts.EngineArgs...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		return 0, orcherr.NewLease(orcherr.CodeStartupFailed, "starting engine process", err)
	}

	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()

	readyCtx, cancel := context.WithTimeout(ctx, opts.StartupTimeout)
	defer cancel()

	readyCh := make(chan readinessResult, 1)
	go func() {
		pid, err := waitForReadiness(readyCtx, socketDir(cacheRoot))
		readyCh <- readinessResult{pid: pid, err: err}
	}()

	select {
	case res := <-readyCh:
		if res.err != nil {
			killProcess(cmd)
			return 0, res.err
		}
		return res.pid, nil

	case err := <-exitCh:
		return 0, orcherr.NewLease(orcherr.CodeStartupFailed, "engine process exited before becoming ready", err)
	}
}

type readinessResult struct {
	pid int
	err error
}

// waitForReadiness dials the response socket, subscribes to the
// broadcast event prefix, and blocks until the first "telemetry" event
// arrives, returning its health.pid field.
func waitForReadiness(ctx context.Context, socketRoot string) (int, error) {
	respSock, err := ipc.DialSubSocket(ctx, filepath.Join(socketRoot, ipc.ResponseSocketFile))
	if err != nil {
		return 0, orcherr.NewLease(orcherr.CodeStartupTimeout, "dialling response socket for readiness", err)
	}
	defer respSock.Close()
	respSock.Subscribe(ipc.EventPrefix)

	for {
		select {
		case <-ctx.Done():
			return 0, orcherr.NewLease(orcherr.CodeStartupTimeout, "engine did not become ready in time", ctx.Err())
		default:
		}

		frame, err := respSock.Receive(100 * time.Millisecond)
		if err != nil {
			if orcherr.IsTimeout(err) {
				continue
			}
			return 0, orcherr.NewLease(orcherr.CodeStartupFailed, "reading readiness telemetry", err)
		}

		if !bytes.HasPrefix(frame, []byte(ipc.EventPrefix)) {
			continue
		}
		rest := frame[len(ipc.EventPrefix):]
		nul := bytes.IndexByte(rest, 0)
		if nul < 0 {
			continue
		}
		if string(rest[:nul]) != "telemetry" {
			continue
		}

		var snap ipc.HealthSnapshot
		if err := json.Unmarshal(rest[nul+1:], &snap); err != nil || snap.Health.Pid == 0 {
			continue
		}
		return snap.Health.Pid, nil
	}
}

func killProcess(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
