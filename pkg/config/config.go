// Package config loads the YAML configuration of the engine and its tools.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/emergingrobotics/go-sdma/pkg/coproc"
	"github.com/emergingrobotics/go-sdma/pkg/descriptor"
	"github.com/emergingrobotics/go-sdma/pkg/platform"
	"github.com/emergingrobotics/go-sdma/pkg/sdma"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the top level configuration document.
type Config struct {
	Logging  Logging  `yaml:"logging"`
	Defaults Defaults `yaml:"defaults"`
	Memory   Memory   `yaml:"memory"`
	Coproc   Coproc   `yaml:"coproc"`
}

// Logging configures the logrus logger.
type Logging struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	DisableTimestamp bool   `yaml:"disable_timestamp"`
	TimestampFormat  string `yaml:"timestamp_format"`
}

// Defaults is the template copied into every newly opened channel.
type Defaults struct {
	BufferCount int    `yaml:"buffer_count"`
	BufferSize  int    `yaml:"buffer_size"`
	Priority    *uint8 `yaml:"priority"`
	SyncMode    string `yaml:"sync_mode"`
	Blocking    string `yaml:"blocking"`
	Trust       bool   `yaml:"trust"`
	Watermark   uint32 `yaml:"watermark"`
	// DataSize enables the granularity check when non-zero: 1, 2, 3 or 4 bytes.
	DataSize int `yaml:"data_size"`
}

// Memory sizes the coherent memory arena.
type Memory struct {
	ArenaSize int    `yaml:"arena_size"`
	PhysBase  uint64 `yaml:"phys_base"`
}

// Coproc sizes the simulated co-processor.
type Coproc struct {
	ProgramWords int           `yaml:"program_words"`
	DataWords    int           `yaml:"data_words"`
	Latency      time.Duration `yaml:"latency"`
}

// Default returns the built-in configuration.
func Default() Config {
	def := sdma.DefaultChannelConfig()
	cp := coproc.DefaultConfig()
	priority := def.Priority
	return Config{
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Defaults: Defaults{
			BufferCount: def.BufferCount,
			BufferSize:  def.BufferSize,
			Priority:    &priority,
			SyncMode:    def.SyncMode.String(),
			Blocking:    "wait",
		},
		Memory: Memory{
			ArenaSize: platform.DefaultArenaSize,
			PhysBase:  platform.DefaultPhysBase,
		},
		Coproc: Coproc{
			ProgramWords: cp.ProgramWords,
			DataWords:    cp.DataWords,
		},
	}
}

// Load reads a YAML file and merges it over the defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config file %s: %w", path, err)
	}
	c, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a YAML document and merges it over the defaults.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("unable to parse config: %w", err)
	}
	// an explicit priority: 0 is a set pointer and must survive the merge
	if err := mergo.Merge(&c, Default(), mergo.WithoutDereference); err != nil {
		return nil, fmt.Errorf("unable to merge defaults: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(strings.ToLower(c.Logging.Level)); err != nil {
		return fmt.Errorf("logging.level: %s; possible levels: %s", err, logrus.AllLevels)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format: unknown log format `%s`. possible formats: %s", c.Logging.Format, []string{"text", "json"})
	}
	if _, err := c.ChannelDefaults(); err != nil {
		return err
	}
	if c.Memory.ArenaSize <= 0 || c.Memory.PhysBase+uint64(c.Memory.ArenaSize) > 1<<32 {
		return fmt.Errorf("memory: arena of %d bytes at 0x%x does not fit a 32-bit bus", c.Memory.ArenaSize, c.Memory.PhysBase)
	}
	if c.Coproc.ProgramWords <= 0 || c.Coproc.DataWords <= 0 {
		return fmt.Errorf("coproc: memory sizes must be positive")
	}
	if last := int(descriptor.ContextAddress(sdma.MaxChannels)); c.Coproc.DataWords < last {
		return fmt.Errorf("coproc.data_words: %d words cannot hold every channel context (need %d)", c.Coproc.DataWords, last)
	}
	return nil
}

// ChannelDefaults converts the defaults section into the engine template.
func (c *Config) ChannelDefaults() (sdma.ChannelConfig, error) {
	d := c.Defaults
	cfg := sdma.DefaultChannelConfig()
	cfg.BufferCount = d.BufferCount
	cfg.BufferSize = d.BufferSize
	if d.Priority != nil {
		cfg.Priority = *d.Priority
	}
	cfg.Trust = d.Trust
	cfg.Watermark = d.Watermark

	switch strings.ToLower(d.SyncMode) {
	case "poll":
		cfg.SyncMode = sdma.SyncPoll
	case "callback":
		cfg.SyncMode = sdma.SyncCallback
	default:
		return cfg, fmt.Errorf("defaults.sync_mode: unknown mode `%s`. possible modes: %s", d.SyncMode, []string{"poll", "callback"})
	}
	switch strings.ToLower(d.Blocking) {
	case "wait":
		cfg.Blocking = sdma.Wait
	case "nonblocking", "non-blocking":
		cfg.Blocking = sdma.NonBlocking
	default:
		return cfg, fmt.Errorf("defaults.blocking: unknown policy `%s`. possible policies: %s", d.Blocking, []string{"wait", "nonblocking"})
	}
	if d.DataSize != 0 {
		cfg.UseDataSize = true
		cfg.DataSize = sdma.TransferSize(d.DataSize)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("defaults: %w", err)
	}
	return cfg, nil
}

// CoprocConfig returns the simulator configuration.
func (c *Config) CoprocConfig() coproc.Config {
	return coproc.Config{
		ProgramWords: c.Coproc.ProgramWords,
		DataWords:    c.Coproc.DataWords,
		Latency:      c.Coproc.Latency,
	}
}

// NewHost maps the configured arena.
func (c *Config) NewHost() (*platform.Host, error) {
	a, err := platform.NewArena(c.Memory.ArenaSize, c.Memory.PhysBase)
	if err != nil {
		return nil, err
	}
	return platform.NewHost(a), nil
}

// ConfigureLogger applies the logging section to l.
func (c *Config) ConfigureLogger(l *logrus.Logger) error {
	logLevel, err := logrus.ParseLevel(strings.ToLower(c.Logging.Level))
	if err != nil {
		return fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}
	l.SetLevel(logLevel)

	timestampFormat := c.Logging.TimestampFormat
	fullTimestamp := timestampFormat != ""
	if timestampFormat == "" {
		timestampFormat = time.RFC3339
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text":
		l.Formatter = &logrus.TextFormatter{
			TimestampFormat:  timestampFormat,
			FullTimestamp:    fullTimestamp,
			DisableTimestamp: c.Logging.DisableTimestamp,
		}
	case "json":
		l.Formatter = &logrus.JSONFormatter{
			TimestampFormat:  timestampFormat,
			DisableTimestamp: c.Logging.DisableTimestamp,
		}
	default:
		return fmt.Errorf("unknown log format `%s`. possible formats: %s", c.Logging.Format, []string{"text", "json"})
	}
	return nil
}
