// Copyright © 2024 The robotdev authors

package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/luthersystems/robotdev/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type addParams struct {
	A int `json:"a"`
	B int `json:"b"`
}

type greetParams struct {
	Name     string                     `json:"name"`
	Greeting string                     `json:"greeting"`
	Extra    map[string]json.RawMessage `json:"-" jsonrpc:"extra"`
}

func (p *greetParams) SetDefaults() { p.Greeting = "hello" }

type greeting struct {
	Text  string   `json:"text"`
	Extra []string `json:"extra"`
}

func testRegistry(t *testing.T, release chan struct{}, sawCancel chan struct{}) *Registry {
	reg := NewRegistry()
	Register(reg, "add", func(_ context.Context, p addParams) (int, error) {
		return p.A + p.B, nil
	})
	Register(reg, "greet", func(_ context.Context, p *greetParams) (greeting, error) {
		g := greeting{Text: p.Greeting + " " + p.Name}
		for k := range p.Extra {
			g.Extra = append(g.Extra, k)
		}
		return g, nil
	}, Inline())
	Register(reg, "echo", func(_ context.Context, p map[string]any) (map[string]any, error) {
		return p, nil
	}, Threaded())
	Register(reg, "fail", func(_ context.Context, p struct{ Code int64 }) (any, error) {
		if p.Code != 0 {
			return nil, NewError(p.Code, "custom failure")
		}
		return nil, errors.New("boom")
	})
	Register(reg, "panic", func(context.Context, any) (any, error) {
		panic("oops")
	})
	Register(reg, "slow", func(ctx context.Context, _ any) (string, error) {
		select {
		case <-ctx.Done():
			close(sawCancel)
			return "", ctx.Err()
		case <-release:
			return "finished", nil
		}
	}, Cancelable())
	Register(reg, "stubborn", func(ctx context.Context, _ any) (string, error) {
		<-release
		return "finished", ctx.Err()
	})
	return reg
}

func newPair(t *testing.T, serverReg *Registry) (client, server *Endpoint) {
	t.Helper()
	a, b := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	server = NewEndpoint(ctx, a, serverReg, WithLogger(testr.New(t)))
	client = NewEndpoint(ctx, b, NewRegistry(), WithLogger(testr.New(t)))
	t.Cleanup(func() {
		client.Close() //nolint:errcheck
		server.Close() //nolint:errcheck
	})
	return client, server
}

func TestCallBinding(t *testing.T) {
	t.Parallel()
	client, _ := newPair(t, testRegistry(t, nil, nil))
	ctx := context.Background()

	var sum int
	require.NoError(t, client.Call(ctx, "add", addParams{A: 2, B: 3}, &sum))
	assert.Equal(t, 5, sum)

	require.NoError(t, client.Call(ctx, "add", []int{4, 5}, &sum))
	assert.Equal(t, 9, sum)

	var g greeting
	require.NoError(t, client.Call(ctx, "greet", map[string]any{"name": "robot", "color": "blue"}, &g))
	assert.Equal(t, "hello robot", g.Text)
	assert.Equal(t, []string{"color"}, g.Extra)

	var echoed map[string]any
	require.NoError(t, client.Call(ctx, "echo", map[string]any{"x": 1.0, "y": "z"}, &echoed))
	assert.Equal(t, map[string]any{"x": 1.0, "y": "z"}, echoed)
}

func TestCallErrors(t *testing.T) {
	t.Parallel()
	client, _ := newPair(t, testRegistry(t, nil, nil))
	ctx := context.Background()

	codeOf := func(err error) int64 {
		var rpcErr *Error
		require.ErrorAs(t, err, &rpcErr)
		return rpcErr.Code
	}

	assert.Equal(t, CodeMethodNotFound, codeOf(client.Call(ctx, "missing", nil, nil)))
	assert.Equal(t, CodeInvalidParams, codeOf(client.Call(ctx, "add", map[string]any{"a": "x"}, nil)))
	assert.Equal(t, CodeInvalidParams, codeOf(client.Call(ctx, "add", []int{1, 2, 3}, nil)))
	assert.Equal(t, CodeInternalError, codeOf(client.Call(ctx, "fail", map[string]any{}, nil)))
	assert.Equal(t, int64(-32001), codeOf(client.Call(ctx, "fail", map[string]any{"code": -32001}, nil)))
	assert.Equal(t, CodeInternalError, codeOf(client.Call(ctx, "panic", nil, nil)))

	// The connection survives handler failures.
	var sum int
	require.NoError(t, client.Call(ctx, "add", addParams{A: 1, B: 1}, &sum))
	assert.Equal(t, 2, sum)
}

func TestCancelCancelable(t *testing.T) {
	t.Parallel()
	sawCancel := make(chan struct{})
	client, _ := newPair(t, testRegistry(t, make(chan struct{}), sawCancel))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	err := client.Call(ctx, "slow", nil, nil)
	assert.ErrorIs(t, err, ErrCancelled)

	select {
	case <-sawCancel:
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not cancelled")
	}
}

func TestCancelIgnoredByNonCancelable(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	client, _ := newPair(t, testRegistry(t, release, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := client.Call(ctx, "stubborn", nil, nil)
	assert.ErrorIs(t, err, ErrTimeout)

	// The handler keeps running and its late response is dropped.
	close(release)
	var sum int
	require.NoError(t, client.Call(context.Background(), "add", addParams{A: 1, B: 2}, &sum))
	assert.Equal(t, 3, sum)
}

func TestNotification(t *testing.T) {
	t.Parallel()
	got := make(chan string, 1)
	reg := NewRegistry()
	RegisterNotification(reg, "log", func(_ context.Context, p struct {
		Message string `json:"message"`
	}) error {
		got <- p.Message
		return nil
	})
	client, _ := newPair(t, reg)
	require.NoError(t, client.Notify(context.Background(), "log", map[string]string{"message": "hi"}))
	select {
	case msg := <-got:
		assert.Equal(t, "hi", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestEndpointFromContext(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	Register(reg, "ask", func(ctx context.Context, _ any) (string, error) {
		e, ok := FromContext(ctx)
		if !ok {
			return "", errors.New("no endpoint")
		}
		var answer string
		err := e.Call(ctx, "answer", nil, &answer)
		return "peer said " + answer, err
	})
	clientReg := NewRegistry()
	Register(clientReg, "answer", func(context.Context, any) (string, error) { return "42", nil })

	a, b := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	NewEndpoint(ctx, a, reg)
	client := NewEndpoint(ctx, b, clientReg)

	var out string
	require.NoError(t, client.Call(ctx, "ask", nil, &out))
	assert.Equal(t, "peer said 42", out)
}

func TestClosedTransportRejectsInFlight(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	client, server := newPair(t, testRegistry(t, release, nil))

	f := client.Go(context.Background(), "stubborn", nil)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, server.Close())

	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func rawPeer(t *testing.T, reg *Registry) *transport.Conn {
	t.Helper()
	a, b := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	NewEndpoint(ctx, a, reg, WithLogger(testr.New(t)))
	return transport.NewConn(b)
}

type wireResponse struct {
	Version string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *Error           `json:"error"`
}

func readResponse(t *testing.T, c *transport.Conn) wireResponse {
	t.Helper()
	data, err := c.Read()
	require.NoError(t, err)
	var resp wireResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	return resp
}

func TestStreamRecoversFromBadInput(t *testing.T) {
	t.Parallel()
	c := rawPeer(t, testRegistry(t, nil, nil))

	go func() {
		_ = c.Write([]byte("not json"))
	}()
	resp := readResponse(t, c)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeParseError, resp.Error.Code)
	assert.Equal(t, "null", string(*resp.ID))

	go func() {
		_ = c.Write([]byte(`{"jsonrpc":"1.0","id":7,"method":"add","params":{"a":1,"b":1}}`))
	}()
	resp = readResponse(t, c)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
	assert.Equal(t, "7", string(*resp.ID))

	go func() {
		_ = c.Write([]byte(`{"jsonrpc":"2.0","id":8,"method":"add","params":{"a":1,"b":1}}`))
	}()
	resp = readResponse(t, c)
	require.Nil(t, resp.Error)
	assert.Equal(t, "8", string(*resp.ID))
	assert.Equal(t, "2", string(resp.Result))
}

func TestFuture(t *testing.T) {
	t.Parallel()
	f := NewFuture[int]()
	var seen []int
	f.OnDone(func(v int, _ error) { seen = append(seen, v) })
	assert.True(t, f.SetResult(1))
	assert.False(t, f.SetResult(2))
	assert.False(t, f.Cancel())
	f.OnDone(func(v int, _ error) { seen = append(seen, v*10) })

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, []int{1, 10}, seen)

	g := NewFuture[string]()
	assert.True(t, g.Cancel())
	_, err = g.Result()
	assert.ErrorIs(t, err, ErrCancelled)
}
