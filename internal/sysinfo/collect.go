package sysinfo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

const thermalZonePath = "/sys/class/thermal/thermal_zone0/temp"

var vcgencmdTemp = regexp.MustCompile(`\d+(?:\.\d+)?`)

// Collector samples host resource usage. The gopsutil entry points are
// fields so tests can substitute them.
type Collector struct {
	facts    Facts
	diskPath string
	logger   *slog.Logger

	cpuPercent    func(ctx context.Context, interval time.Duration, percpu bool) ([]float64, error)
	virtualMemory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	diskUsage     func(ctx context.Context, path string) (*disk.UsageStat, error)
	temperatures  func(ctx context.Context) ([]host.TemperatureStat, error)
	uptime        func(ctx context.Context) (uint64, error)
	vcgencmd      func(ctx context.Context) ([]byte, error)
	readFile      func(name string) ([]byte, error)
}

// NewCollector returns a Collector for the host described by facts.
// Disk usage is measured for the root filesystem.
func NewCollector(facts Facts, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		facts:         facts,
		diskPath:      "/",
		logger:        logger,
		cpuPercent:    cpu.PercentWithContext,
		virtualMemory: mem.VirtualMemoryWithContext,
		diskUsage:     disk.UsageWithContext,
		temperatures:  host.SensorsTemperaturesWithContext,
		uptime:        host.UptimeWithContext,
		vcgencmd: func(ctx context.Context) ([]byte, error) {
			return exec.CommandContext(ctx, "vcgencmd", "measure_temp").Output()
		},
		readFile: os.ReadFile,
	}
}

// Hostname returns the hostname captured at startup.
func (c *Collector) Hostname(context.Context) (any, error) {
	return c.facts.Hostname, nil
}

// CPUPercent returns overall CPU utilisation since the previous call.
func (c *Collector) CPUPercent(ctx context.Context) (any, error) {
	pcts, err := c.cpuPercent(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("cpu percent: %w", err)
	}
	if len(pcts) == 0 {
		return nil, errors.New("cpu percent: no samples")
	}
	return round1(pcts[0]), nil
}

// MemoryPercent returns the share of physical memory in use.
func (c *Collector) MemoryPercent(ctx context.Context) (any, error) {
	vm, err := c.virtualMemory(ctx)
	if err != nil {
		return nil, fmt.Errorf("virtual memory: %w", err)
	}
	return round1(vm.UsedPercent), nil
}

// DiskPercent returns the share of the root filesystem in use.
func (c *Collector) DiskPercent(ctx context.Context) (any, error) {
	u, err := c.diskUsage(ctx, c.diskPath)
	if err != nil {
		return nil, fmt.Errorf("disk usage %s: %w", c.diskPath, err)
	}
	return round1(u.UsedPercent), nil
}

// Uptime returns seconds since boot.
func (c *Collector) Uptime(ctx context.Context) (any, error) {
	secs, err := c.uptime(ctx)
	if err != nil {
		return nil, fmt.Errorf("host uptime: %w", err)
	}
	return secs, nil
}

// Temperature returns the SoC or CPU temperature in degrees Celsius.
// It tries vcgencmd on a Raspberry Pi, then the first thermal zone,
// then the hardware sensors gopsutil knows. When every source fails
// it reports 0 rather than dropping the sensor.
func (c *Collector) Temperature(ctx context.Context) (any, error) {
	if c.facts.IsRaspberryPi {
		t, err := c.piTemperature(ctx)
		if err == nil {
			return t, nil
		}
		c.logger.Debug("vcgencmd temperature unavailable", "error", err)
	}

	t, err := c.thermalZoneTemperature()
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		c.logger.Debug("thermal zone temperature unavailable", "error", err)
	}

	if t, ok := c.sensorTemperature(ctx); ok {
		return t, nil
	}

	c.logger.Warn("temperature retrieval failed, reporting 0")
	return 0.0, nil
}

func (c *Collector) piTemperature(ctx context.Context) (float64, error) {
	out, err := c.vcgencmd(ctx)
	if err != nil {
		return 0, err
	}
	m := vcgencmdTemp.Find(out)
	if m == nil {
		return 0, fmt.Errorf("unexpected vcgencmd output %q", strings.TrimSpace(string(out)))
	}
	return strconv.ParseFloat(string(m), 64)
}

func (c *Collector) thermalZoneTemperature() (float64, error) {
	data, err := c.readFile(thermalZonePath)
	if err != nil {
		return 0, err
	}
	milli, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", thermalZonePath, err)
	}
	return round1(float64(milli) / 1000), nil
}

// sensorTemperature prefers a CPU package sensor and otherwise takes
// the first reading.
func (c *Collector) sensorTemperature(ctx context.Context) (float64, bool) {
	temps, err := c.temperatures(ctx)
	if len(temps) == 0 {
		if err != nil {
			c.logger.Debug("hardware sensors unavailable", "error", err)
		}
		return 0, false
	}
	for _, t := range temps {
		key := strings.ToLower(t.SensorKey)
		if strings.Contains(key, "package") || strings.Contains(key, "cpu") || strings.Contains(key, "coretemp") {
			return round1(t.Temperature), true
		}
	}
	return round1(temps[0].Temperature), true
}

// round1 rounds to one decimal place so noise digits do not defeat the
// publish cache.
func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
