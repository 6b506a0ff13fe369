package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/go-kcore/blockdev"
	"github.com/joeycumines/go-kcore/internal/klog"
	"github.com/joeycumines/go-kcore/kernel"
	"github.com/joeycumines/logiface"
)

// Config is the run configuration, read from a TOML file and overlaid by
// command line flags.
type Config struct {
	LogLevel  string        `toml:"log_level"`
	Workloads []string      `toml:"workloads"`
	Disk      DiskConfig    `toml:"disk"`
	CPUs      int           `toml:"cpus"`
	Tick      time.Duration `toml:"tick"`
	Duration  time.Duration `toml:"duration"`
	Timeslice int           `toml:"timeslice"`
	Tickless  bool          `toml:"tickless"`
	Metrics   bool          `toml:"metrics"`
}

// DiskConfig configures the RAM disk used by the disk workload.
type DiskConfig struct {
	Sectors       uint64        `toml:"sectors"`
	MaxBatch      int           `toml:"max_batch"`
	FlushInterval time.Duration `toml:"flush_interval"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:  "info",
		Workloads: workloadNames(),
		CPUs:      2,
		Tick:      time.Millisecond,
		Duration:  2 * time.Second,
		Metrics:   true,
		Disk: DiskConfig{
			Sectors:       2048,
			MaxBatch:      16,
			FlushInterval: 200 * time.Microsecond,
		},
	}
}

// loadConfig decodes the TOML file at path over the defaults. Keys the
// Config does not define are an error.
func loadConfig(path string) (Config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return c, nil
}

// Validate checks the fields that Boot does not.
func (c *Config) Validate() error {
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Duration <= 0 {
		return errors.New("duration must be positive")
	}
	if len(c.Workloads) == 0 {
		return errors.New("no workloads selected")
	}
	seen := make(map[string]bool, len(c.Workloads))
	for _, name := range c.Workloads {
		if _, ok := workloads[name]; !ok {
			return fmt.Errorf("unknown workload %q (valid: %s)", name, strings.Join(workloadNames(), ", "))
		}
		if seen[name] {
			return fmt.Errorf("duplicate workload %q", name)
		}
		seen[name] = true
	}
	if c.Disk.Sectors == 0 {
		return errors.New("disk sectors must be positive")
	}
	return nil
}

// kernelOptions maps the config onto Boot options.
func (c *Config) kernelOptions(logger klog.Logger) []kernel.Option {
	opts := []kernel.Option{
		kernel.WithLogger(logger),
		kernel.WithCPUs(c.CPUs),
		kernel.WithTickless(c.Tickless),
		kernel.WithMetrics(c.Metrics),
	}
	if !c.Tickless {
		opts = append(opts, kernel.WithTickInterval(c.Tick))
	}
	if c.Timeslice != 0 {
		opts = append(opts, kernel.WithTimeslice(c.Timeslice))
	}
	return opts
}

func (c *Config) diskOptions() []blockdev.Option {
	return []blockdev.Option{
		blockdev.WithMaxBatch(c.Disk.MaxBatch),
		blockdev.WithFlushInterval(c.Disk.FlushInterval),
	}
}

var levels = map[string]logiface.Level{
	"disabled": logiface.LevelDisabled,
	"emerg":    logiface.LevelEmergency,
	"alert":    logiface.LevelAlert,
	"crit":     logiface.LevelCritical,
	"err":      logiface.LevelError,
	"error":    logiface.LevelError,
	"warning":  logiface.LevelWarning,
	"warn":     logiface.LevelWarning,
	"notice":   logiface.LevelNotice,
	"info":     logiface.LevelInformational,
	"debug":    logiface.LevelDebug,
	"trace":    logiface.LevelTrace,
}

func parseLevel(s string) (logiface.Level, error) {
	if level, ok := levels[strings.ToLower(s)]; ok {
		return level, nil
	}
	return logiface.LevelDisabled, fmt.Errorf("unknown log level %q", s)
}

// parseWorkloads splits a comma separated workload list.
func parseWorkloads(s string) []string {
	var names []string
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}
