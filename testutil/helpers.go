package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/emergingrobotics/go-sdma/pkg/coproc"
	"github.com/emergingrobotics/go-sdma/pkg/platform"
	"github.com/emergingrobotics/go-sdma/pkg/sdma"
	"github.com/stretchr/testify/require"
)

// Env is a registry wired to a simulated co-processor over a fresh arena.
type Env struct {
	Host *platform.Host
	Ops  *FakeOps
	CP   *coproc.CoProcessor
	Reg  *sdma.Registry
	// CD0 is channel 0, opened by NewEnv
	CD0 *sdma.ChannelDescriptor
}

// NewEnv builds an Env and opens channel 0. In manual mode channels only
// run on CP.Step.
func NewEnv(t *testing.T, manual bool, opts ...sdma.Option) *Env {
	t.Helper()
	host, err := platform.NewDefaultHost()
	require.NoError(t, err)

	ops := NewFakeOps(host)
	cp := coproc.New(host, coproc.Config{Manual: manual})
	reg := sdma.NewRegistry(ops, cp, opts...)
	cp.SetIRQ(reg.HandleInterrupt)
	t.Cleanup(func() {
		cp.Wait()
		host.Close()
	})

	cd0, err := reg.Open(context.Background(), 0)
	require.NoError(t, err)
	return &Env{Host: host, Ops: ops, CP: cp, Reg: reg, CD0: cd0}
}

// Open opens a channel and applies changes in order
func (e *Env) Open(t *testing.T, ch int, changes ...sdma.Change) *sdma.ChannelDescriptor {
	t.Helper()
	cd, err := e.Reg.Open(context.Background(), ch)
	require.NoError(t, err)
	for _, c := range changes {
		require.NoError(t, e.Reg.Reconfigure(context.Background(), cd, c), c.Field())
	}
	return cd
}

// Alloc copies data into arena memory released at the end of the test
func (e *Env) Alloc(t *testing.T, data []byte) platform.Mem {
	t.Helper()
	m, err := e.Host.Alloc(len(data))
	require.NoError(t, err)
	copy(m.Bytes(), data)
	t.Cleanup(func() { e.Host.Free(m) })
	return m
}

// Pattern returns n bytes of deterministic test data
func Pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte((i*17 + 11) % 256)
	}
	return data
}

// TempFile creates a temporary file with given content
func TempFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	return path
}
