// Package sysinfo reads host identity and resource usage. Identity is
// computed once into an immutable [Facts] value; usage is sampled on
// demand by a [Collector].
package sysinfo

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
)

// Manufacturer reported for Raspberry Pi hosts.
const ManufacturerRaspberryPi = "Raspberry Pi"

const unknownHost = "unknown_host"

// Replaced in tests.
var (
	deviceTreeDir = "/proc/device-tree"
	hostname      = os.Hostname
	hostInfo      = host.InfoWithContext
)

// Facts is the identity of the host. It does not change while the
// process runs.
type Facts struct {
	Hostname string
	// DeviceName is the HA device name: the configured override, or
	// the hostname.
	DeviceName    string
	SerialNumber  string
	Manufacturer  string
	Model         string
	IsRaspberryPi bool
}

// FormattedName returns DeviceName lower-cased with spaces and dashes
// replaced by underscores. It prefixes every entity key.
func (f Facts) FormattedName() string {
	return strings.NewReplacer(" ", "_", "-", "_").Replace(strings.ToLower(f.DeviceName))
}

// LoadFacts gathers the host identity. deviceName overrides the
// hostname as the device name when non-empty. dataDir holds the
// persisted instance ID used when the host exposes no serial number.
//
// Individual probes that fail fall back to placeholders; only a
// failure to produce any serial number is returned as an error.
func LoadFacts(ctx context.Context, deviceName, dataDir string, logger *slog.Logger) (Facts, error) {
	if logger == nil {
		logger = slog.Default()
	}

	f := Facts{Hostname: unknownHost}
	if h, err := hostname(); err != nil {
		logger.Error("hostname lookup failed", "error", err)
	} else if h = strings.TrimSpace(h); h != "" {
		f.Hostname = h
	}

	f.DeviceName = strings.TrimSpace(deviceName)
	if f.DeviceName == "" {
		f.DeviceName = f.Hostname
	}

	info, err := hostInfo(ctx)
	if err != nil {
		logger.Warn("host info unavailable", "error", err)
		info = &host.InfoStat{}
	}

	model, err := readDeviceTree("model")
	switch {
	case err == nil && strings.HasPrefix(strings.ToLower(model), "raspberry pi"):
		f.IsRaspberryPi = true
		f.Manufacturer = ManufacturerRaspberryPi
		f.Model = model
	case err != nil && !errors.Is(err, os.ErrNotExist):
		logger.Error("reading device tree model failed", "error", err)
		fallthrough
	default:
		f.Manufacturer = nonEmpty(info.Platform, "Unknown")
		f.Model = nonEmpty(strings.TrimSpace(info.PlatformVersion+" "+info.KernelArch), "No Model")
	}

	f.SerialNumber, err = serialNumber(dataDir, info, logger)
	if err != nil {
		return f, err
	}
	return f, nil
}

// serialNumber prefers the device-tree serial, then the OS machine ID,
// then a persisted random ID.
func serialNumber(dataDir string, info *host.InfoStat, logger *slog.Logger) (string, error) {
	serial, err := readDeviceTree("serial-number")
	if err == nil && serial != "" {
		return serial, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("reading device tree serial failed", "error", err)
	}

	if id := strings.TrimSpace(info.HostID); id != "" {
		return id, nil
	}

	logger.Debug("no hardware serial number, using instance ID", "data_dir", dataDir)
	return LoadOrCreateInstanceID(dataDir)
}

// readDeviceTree returns a device-tree property with trailing NULs and
// surrounding whitespace removed.
func readDeviceTree(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(deviceTreeDir, name))
	if err != nil {
		return "", err
	}
	return strings.Trim(string(data), "\x00 \t\r\n"), nil
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
