package main

import (
	"bytes"
	"io"
	"testing"

	"github.com/emergingrobotics/go-sdma/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var out bytes.Buffer
	oldOut, oldErr := Stdout, Stderr
	Stdout, Stderr = &out, io.Discard
	t.Cleanup(func() {
		Stdout, Stderr = oldOut, oldErr
	})
	return &out
}

func TestHelpWithoutCommand(t *testing.T) {
	out := capture(t)
	require.NoError(t, run(nil))
	assert.Contains(t, out.String(), "demo")
	assert.Contains(t, out.String(), "load-script")
}

func TestUnknownCommand(t *testing.T) {
	capture(t)
	assert.Error(t, run([]string{"frobnicate"}))
}

func TestVersion(t *testing.T) {
	out := capture(t)
	require.NoError(t, run([]string{"version"}))
	assert.Contains(t, out.String(), "sdmactl version "+Version)
}

func TestDebug(t *testing.T) {
	out := capture(t)
	require.NoError(t, run([]string{"debug"}))
	s := out.String()
	assert.Contains(t, s, "Buffer descriptor:    12 bytes")
	assert.Contains(t, s, "SETCTX 0x07")
	assert.Contains(t, s, "channel  1: 0x0820")
}

func TestDemo(t *testing.T) {
	out := capture(t)
	require.NoError(t, run([]string{"demo", "--pairs", "3", "--bytes", "1000", "--rounds", "2", "--buffers", "4", "--metrics"}))
	s := out.String()
	assert.Contains(t, s, "channels  1 ->  2: 2000 bytes")
	assert.Contains(t, s, "channels  5 ->  6: 2000 bytes")
	assert.Contains(t, s, `sdma_bytes_total{channel="6",direction="read"} 2000`)
}

func TestDemoRejectsBadPairs(t *testing.T) {
	capture(t)
	assert.Error(t, run([]string{"demo", "--pairs", "16"}))
	assert.Error(t, run([]string{"demo", "--pairs", "0"}))
}

func TestLoadScript(t *testing.T) {
	out := capture(t)
	path := testutil.TempFile(t, "script.bin", testutil.Pattern(33))
	require.NoError(t, run([]string{"load-script", "--address", "256", path}))
	assert.Contains(t, out.String(), "loaded 17 words at 0x0100")
}

func TestLoadScriptWithConfig(t *testing.T) {
	out := capture(t)
	cfg := testutil.TempFile(t, "sdma.yaml", []byte("logging:\n  level: error\n"))
	path := testutil.TempFile(t, "script.bin", testutil.Pattern(8))
	require.NoError(t, run([]string{"-c", cfg, "load-script", path}))
	assert.Contains(t, out.String(), "loaded 4 words at 0x0000")
}

func TestLoadScriptMissingFile(t *testing.T) {
	capture(t)
	assert.Error(t, run([]string{"load-script", "/nonexistent/script.bin"}))
}
