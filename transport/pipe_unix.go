// Copyright © 2024 The robotdev authors

//go:build !windows

package transport

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
)

// On non-Windows systems a named pipe is a unix domain socket at the given
// filesystem path.

func listenPipe(name string) (net.Listener, error) {
	if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return net.Listen("unix", name)
}

func dialPipe(ctx context.Context, name string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", name)
}
