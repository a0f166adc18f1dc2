package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/emergingrobotics/go-sdma/pkg/platform"
	"github.com/emergingrobotics/go-sdma/pkg/sdma"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEmpty(t *testing.T) {
	c, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), *c)

	cfg, err := c.ChannelDefaults()
	require.NoError(t, err)
	assert.Equal(t, sdma.DefaultChannelConfig(), cfg)
}

func TestParseMergesDefaults(t *testing.T) {
	c, err := Parse([]byte(`
logging:
  level: debug
defaults:
  buffer_count: 8
  priority: 0
  sync_mode: callback
  trust: true
  data_size: 2
coproc:
  latency: 2ms
`))
	require.NoError(t, err)

	assert.Equal(t, "debug", c.Logging.Level)
	assert.Equal(t, "text", c.Logging.Format)
	assert.Equal(t, platform.DefaultArenaSize, c.Memory.ArenaSize)
	assert.Equal(t, 2*time.Millisecond, c.CoprocConfig().Latency)

	cfg, err := c.ChannelDefaults()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.BufferCount)
	assert.Equal(t, 64, cfg.BufferSize)
	assert.Equal(t, uint8(0), cfg.Priority)
	assert.Equal(t, sdma.SyncCallback, cfg.SyncMode)
	assert.Equal(t, sdma.Wait, cfg.Blocking)
	assert.True(t, cfg.Trust)
	assert.True(t, cfg.UseDataSize)
	assert.Equal(t, sdma.Transfer16, cfg.DataSize)
}

func TestParsePriority(t *testing.T) {
	tests := map[string]struct {
		doc  string
		want uint8
	}{
		"omitted":  {"defaults: {buffer_count: 2}", 1},
		"zero":     {"defaults: {priority: 0}", 0},
		"explicit": {"defaults: {priority: 5}", 5},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			c, err := Parse([]byte(tt.doc))
			require.NoError(t, err)
			require.NotNil(t, c.Defaults.Priority)
			assert.Equal(t, tt.want, *c.Defaults.Priority)
		})
	}
}

func TestParseInvalid(t *testing.T) {
	tests := map[string]string{
		"level":        "logging: {level: loud}",
		"format":       "logging: {format: xml}",
		"buffer count": "defaults: {buffer_count: 300}",
		"priority":     "defaults: {priority: 9}",
		"sync mode":    "defaults: {sync_mode: sometimes}",
		"blocking":     "defaults: {blocking: maybe}",
		"data size":    "defaults: {data_size: 5}",
		"arena":        "memory: {phys_base: 0xffff0000}",
		"data words":   "coproc: {data_words: 64}",
		"yaml":         "defaults: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sdma.yml")
	require.NoError(t, os.WriteFile(path, []byte("defaults: {buffer_size: 256}\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 256, c.Defaults.BufferSize)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestConfigureLogger(t *testing.T) {
	l := logrus.New()
	c := Default()
	c.Logging.Level = "warn"
	c.Logging.Format = "json"
	require.NoError(t, c.ConfigureLogger(l))
	assert.Equal(t, logrus.WarnLevel, l.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)

	c.Logging.Format = "text"
	c.Logging.TimestampFormat = time.Kitchen
	require.NoError(t, c.ConfigureLogger(l))
	f, ok := l.Formatter.(*logrus.TextFormatter)
	require.True(t, ok)
	assert.True(t, f.FullTimestamp)
	assert.Equal(t, time.Kitchen, f.TimestampFormat)

	c.Logging.Level = "nope"
	assert.Error(t, c.ConfigureLogger(l))
}

func TestNewHost(t *testing.T) {
	c := Default()
	c.Memory.ArenaSize = 64 << 10
	h, err := c.NewHost()
	require.NoError(t, err)
	defer h.Close()
	assert.Equal(t, 64<<10, h.Arena().Size())
	assert.Equal(t, uint64(platform.DefaultPhysBase), h.Arena().Base())
}
