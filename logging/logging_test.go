// Copyright © 2024 The robotdev authors

package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsole(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Options{Output: &buf, Name: "lsp"})
	require.NoError(t, err)
	log.Info("started", "port", 4711)
	log.V(1).Info("hidden")
	log.Error(errors.New("boom"), "failed")
	log.Flush()

	out := buf.String()
	assert.Contains(t, out, "INFO")
	assert.Contains(t, out, "lsp")
	assert.Contains(t, out, "started")
	assert.Contains(t, out, `"port": 4711`)
	assert.Contains(t, out, "boom")
	assert.NotContains(t, out, "hidden")
}

func TestJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Options{Output: &buf, Format: "JSON", Level: 2})
	require.NoError(t, err)
	log.V(2).Info("worker started", "pid", 42)
	log.V(3).Info("too verbose")
	log.Flush()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "worker started", entry["msg"])
	assert.Equal(t, float64(42), entry["pid"])
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Options{Output: &buf})
	require.NoError(t, err)
	log.V(1).Info("before")
	log.SetLevel(1)
	log.V(1).Info("after")
	log.Flush()
	assert.NotContains(t, buf.String(), "before")
	assert.Contains(t, buf.String(), "after")
}

func TestUnknownFormat(t *testing.T) {
	_, err := New(Options{Format: "xml"})
	assert.EqualError(t, err, `unknown log format "xml"`)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]int{"info": 0, "DEBUG": 1, "trace": 4, "3": 3} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("-1")
	assert.Error(t, err)
	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
