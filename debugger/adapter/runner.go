// Copyright © 2024 The robotdev authors

package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/luthersystems/robotdev/framework"
	"github.com/luthersystems/robotdev/framework/remote"
	"github.com/luthersystems/robotdev/transport"
)

// Environment variables telling the framework process where the bridge
// listens.
const (
	EnvBridgeAddress = "ROBOTDEV_BRIDGE"
	EnvBridgeToken   = "ROBOTDEV_BRIDGE_TOKEN"
)

// Run is a framework run in progress.
type Run interface {
	// Framework returns the services of the running framework.
	Framework() framework.Context
	// Wait blocks until the run ends and returns its exit code.
	Wait() (int, error)
	// Terminate asks the run to stop.
	Terminate() error
}

// Runner starts framework runs reporting to a listener.
type Runner interface {
	Start(ctx context.Context, args *LaunchArguments, l framework.Listener) (Run, error)
}

// ProcessRunner runs the framework in a child process that connects back
// over the remote bridge.
type ProcessRunner struct {
	// Command is the framework bridge command. The run's command line is
	// appended to it.
	Command []string
	// Env is the base environment of the process. Nil means the
	// environment of the current process.
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
	Log    logr.Logger
}

var _ Runner = (*ProcessRunner)(nil)

// Start spawns the framework process.
func (r *ProcessRunner) Start(ctx context.Context, args *LaunchArguments, l framework.Listener) (Run, error) {
	if len(r.Command) == 0 {
		return nil, errors.New("no framework command configured")
	}
	log := r.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("bridge listen: %w", err)
	}
	token := uuid.NewString()
	bridge := remote.NewServer(l, remote.WithToken(token), remote.WithLogger(log))

	argv := append(append([]string(nil), r.Command[1:]...), args.CommandLine()...)
	cmd := exec.Command(r.Command[0], argv...)
	cmd.Dir = args.WorkDir()
	base := r.Env
	if base == nil {
		base = os.Environ()
	}
	cmd.Env = args.Environ(base)
	cmd.Env = append(cmd.Env,
		EnvBridgeAddress+"="+ln.Addr().String(),
		EnvBridgeToken+"="+token)
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	log.V(1).Info("starting framework", "command", cmd.Path, "args", argv, "dir", cmd.Dir)
	if err := cmd.Start(); err != nil {
		ln.Close() //nolint:errcheck
		return nil, fmt.Errorf("start framework: %w", err)
	}

	bctx, cancel := context.WithCancel(ctx)
	p := &processRun{cmd: cmd, bridge: bridge, cancel: cancel, bridgeDone: make(chan struct{})}
	go func() {
		defer close(p.bridgeDone)
		err := transport.ServeListener(bctx, ln, transport.Config{Log: log}, bridge.Serve)
		if err != nil {
			log.Error(err, "bridge failed")
		}
	}()
	return p, nil
}

type processRun struct {
	cmd        *exec.Cmd
	bridge     *remote.Server
	cancel     context.CancelFunc
	bridgeDone chan struct{}

	waitOnce sync.Once
	code     int
	err      error
}

func (p *processRun) Framework() framework.Context { return p.bridge }

func (p *processRun) Wait() (int, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			p.code = exitErr.ExitCode()
		default:
			p.code, p.err = -1, err
		}
		p.cancel()
		<-p.bridgeDone
	})
	return p.code, p.err
}

func (p *processRun) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		// Interrupts are not deliverable on every platform.
		return p.cmd.Process.Kill()
	}
	return nil
}
