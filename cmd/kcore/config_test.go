package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kcore.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
cpus = 4
tick = "2ms"
tickless = true
duration = "500ms"
log_level = "debug"
workloads = ["sleep", "disk"]
timeslice = 3

[disk]
sectors = 64
max_batch = 4
flush_interval = "1ms"
`)
	c, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, Config{
		LogLevel:  "debug",
		Workloads: []string{"sleep", "disk"},
		Disk: DiskConfig{
			Sectors:       64,
			MaxBatch:      4,
			FlushInterval: time.Millisecond,
		},
		CPUs:      4,
		Tick:      2 * time.Millisecond,
		Duration:  500 * time.Millisecond,
		Timeslice: 3,
		Tickless:  true,
		Metrics:   true,
	}, c)
	assert.NoError(t, c.Validate())
}

func TestLoadConfig_defaults(t *testing.T) {
	c, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), c)
	assert.NoError(t, c.Validate())

	c, err = loadConfig(writeConfig(t, `cpus = 8`))
	require.NoError(t, err)
	assert.Equal(t, 8, c.CPUs)
	assert.Equal(t, defaultConfig().Workloads, c.Workloads)
}

func TestLoadConfig_errors(t *testing.T) {
	_, err := loadConfig(writeConfig(t, "cpus = 2\nspeed = 11\n"))
	assert.ErrorContains(t, err, "unknown keys: speed")

	_, err = loadConfig(writeConfig(t, "cpus = \"many\"\n"))
	assert.Error(t, err)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	for _, tc := range [...]struct {
		name   string
		modify func(c *Config)
		err    string
	}{
		{"log level", func(c *Config) { c.LogLevel = "loud" }, `unknown log level "loud"`},
		{"duration", func(c *Config) { c.Duration = 0 }, "duration must be positive"},
		{"no workloads", func(c *Config) { c.Workloads = nil }, "no workloads selected"},
		{"unknown workload", func(c *Config) { c.Workloads = []string{"fork"} }, `unknown workload "fork"`},
		{"duplicate workload", func(c *Config) { c.Workloads = []string{"pipe", "pipe"} }, `duplicate workload "pipe"`},
		{"disk sectors", func(c *Config) { c.Disk.Sectors = 0 }, "disk sectors must be positive"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := defaultConfig()
			tc.modify(&c)
			assert.ErrorContains(t, c.Validate(), tc.err)
		})
	}
}

func TestParseLevel(t *testing.T) {
	for _, tc := range [...]struct {
		in    string
		level logiface.Level
	}{
		{"trace", logiface.LevelTrace},
		{"INFO", logiface.LevelInformational},
		{"warn", logiface.LevelWarning},
		{"err", logiface.LevelError},
		{"disabled", logiface.LevelDisabled},
	} {
		t.Run(tc.in, func(t *testing.T) {
			level, err := parseLevel(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.level, level)
		})
	}
}

func TestParseWorkloads(t *testing.T) {
	assert.Equal(t, []string{"futex", "disk"}, parseWorkloads(" futex, ,disk,"))
	assert.Nil(t, parseWorkloads(""))
}
