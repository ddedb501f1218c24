// Copyright © 2024 The robotdev authors

package transport

import (
	"io"
	"os"
)

// stdio joins the process's standard streams into one connection. A pump
// goroutine drains the input into a pipe so that Close can unblock a
// pending Read even though os.Stdin itself cannot be interrupted.
type stdio struct {
	pr  *io.PipeReader
	out io.Writer
}

// Stdio returns a connection reading from os.Stdin and writing to
// os.Stdout.
func Stdio() io.ReadWriteCloser {
	return NewStdio(os.Stdin, os.Stdout)
}

// NewStdio returns a connection reading from in and writing to out.
func NewStdio(in io.Reader, out io.Writer) io.ReadWriteCloser {
	pr, pw := io.Pipe()
	go func() {
		_, err := io.Copy(pw, in)
		pw.CloseWithError(err) //nolint:errcheck
	}()
	return &stdio{pr: pr, out: out}
}

func (s *stdio) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

func (s *stdio) Write(p []byte) (int, error) {
	return s.out.Write(p)
}

func (s *stdio) Close() error {
	return s.pr.Close()
}
