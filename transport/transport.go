// Copyright © 2024 The robotdev authors

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/go-logr/logr"
)

// Mode selects the byte-stream transport of an endpoint.
type Mode string

const (
	ModeStdio      Mode = "stdio"
	ModeTCP        Mode = "tcp"
	ModeTCPClient  Mode = "tcp-client"
	ModePipe       Mode = "pipe"
	ModePipeServer Mode = "pipe-server"
)

// ParseMode validates a mode name. The empty string selects stdio.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "":
		return ModeStdio, nil
	case ModeStdio, ModeTCP, ModeTCPClient, ModePipe, ModePipeServer:
		return m, nil
	}
	return "", fmt.Errorf("unknown transport mode %q", s)
}

// Config describes how an endpoint connects to its peer.
type Config struct {
	Mode Mode
	// Address is host:port for the TCP modes and the pipe name for the
	// pipe modes.
	Address string
	// KeepServing makes server modes accept a new connection after the
	// current one ends instead of returning.
	KeepServing bool
	// Ready is called with the bound address once a server mode listens.
	Ready func(net.Addr)
	Log   logr.Logger
}

// Handler serves one connection. The connection is closed when the handler
// returns.
type Handler func(ctx context.Context, conn io.ReadWriteCloser) error

// Serve connects according to cfg and runs h for the connection, or for
// each accepted connection in server modes.
func Serve(ctx context.Context, cfg Config, h Handler) error {
	log := cfg.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	switch cfg.Mode {
	case ModeStdio, "":
		conn := Stdio()
		defer conn.Close() //nolint:errcheck
		return h(ctx, conn)
	case ModeTCP:
		ln, err := net.Listen("tcp", cfg.Address)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Address, err)
		}
		return ServeListener(ctx, ln, cfg, h)
	case ModePipeServer:
		ln, err := listenPipe(cfg.Address)
		if err != nil {
			return fmt.Errorf("listen on pipe %s: %w", cfg.Address, err)
		}
		return ServeListener(ctx, ln, cfg, h)
	case ModeTCPClient:
		conn, err := DialTCP(ctx, cfg.Address)
		if err != nil {
			return err
		}
		defer conn.Close() //nolint:errcheck
		return h(ctx, conn)
	case ModePipe:
		conn, err := dialPipe(ctx, cfg.Address)
		if err != nil {
			return fmt.Errorf("connect to pipe %s: %w", cfg.Address, err)
		}
		defer conn.Close() //nolint:errcheck
		return h(ctx, conn)
	}
	return fmt.Errorf("unknown transport mode %q", cfg.Mode)
}

// ServeListener accepts one connection at a time from ln and serves it with
// h. Without cfg.KeepServing it returns after the first connection ends.
// The listener is closed on return or when ctx is cancelled.
func ServeListener(ctx context.Context, ln net.Listener, cfg Config, h Handler) error {
	log := cfg.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	stop := context.AfterFunc(ctx, func() { ln.Close() }) //nolint:errcheck
	defer stop()
	defer ln.Close() //nolint:errcheck

	if cfg.Ready != nil {
		cfg.Ready(ln.Addr())
	}
	log.V(1).Info("listening", "address", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		log.V(1).Info("client connected", "remote", conn.RemoteAddr().String())
		err = h(ctx, conn)
		conn.Close() //nolint:errcheck
		if !cfg.KeepServing || ctx.Err() != nil {
			return err
		}
		if err != nil {
			log.Error(err, "connection ended with error")
		}
		log.V(1).Info("client disconnected, waiting for the next connection")
	}
}

// DialTCP connects to address once.
func DialTCP(ctx context.Context, address string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", address, err)
	}
	return conn, nil
}

// FreePort asks the kernel for a free TCP port on host.
func FreePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer ln.Close() //nolint:errcheck
	return ln.Addr().(*net.TCPAddr).Port, nil
}
