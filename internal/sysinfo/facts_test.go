package sysinfo

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubHost points the probes at a fake device tree and host.
func stubHost(t *testing.T, name string, info *host.InfoStat, tree map[string]string) {
	t.Helper()
	dir := t.TempDir()
	for file, content := range tree {
		require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))
	}

	oldDir, oldHostname, oldInfo := deviceTreeDir, hostname, hostInfo
	t.Cleanup(func() { deviceTreeDir, hostname, hostInfo = oldDir, oldHostname, oldInfo })

	deviceTreeDir = dir
	hostname = func() (string, error) { return name, nil }
	hostInfo = func(context.Context) (*host.InfoStat, error) {
		if info == nil {
			return nil, errors.New("no host info")
		}
		return info, nil
	}
}

func TestLoadFacts_RaspberryPi(t *testing.T) {
	stubHost(t, "pi-kitchen", &host.InfoStat{HostID: "machine-id"}, map[string]string{
		"model":         "Raspberry Pi 4 Model B Rev 1.4\x00",
		"serial-number": "10000000abcdef01\x00",
	})

	f, err := LoadFacts(context.Background(), "", t.TempDir(), quietLogger())
	require.NoError(t, err)

	assert.Equal(t, "pi-kitchen", f.Hostname)
	assert.Equal(t, "pi-kitchen", f.DeviceName)
	assert.True(t, f.IsRaspberryPi)
	assert.Equal(t, ManufacturerRaspberryPi, f.Manufacturer)
	assert.Equal(t, "Raspberry Pi 4 Model B Rev 1.4", f.Model)
	assert.Equal(t, "10000000abcdef01", f.SerialNumber)
	assert.Equal(t, "pi_kitchen", f.FormattedName())
}

func TestLoadFacts_GenericHost(t *testing.T) {
	stubHost(t, "nas", &host.InfoStat{
		Platform:        "debian",
		PlatformVersion: "12.5",
		KernelArch:      "x86_64",
		HostID:          "3f2504e0-4f89-11d3-9a0c-0305e82c3301",
	}, map[string]string{
		"model": "Some Other Board\x00",
	})

	f, err := LoadFacts(context.Background(), "Basement NAS", t.TempDir(), quietLogger())
	require.NoError(t, err)

	assert.False(t, f.IsRaspberryPi)
	assert.Equal(t, "Basement NAS", f.DeviceName)
	assert.Equal(t, "basement_nas", f.FormattedName())
	assert.Equal(t, "debian", f.Manufacturer)
	assert.Equal(t, "12.5 x86_64", f.Model)
	assert.Equal(t, "3f2504e0-4f89-11d3-9a0c-0305e82c3301", f.SerialNumber)
}

func TestLoadFacts_InstanceIDFallback(t *testing.T) {
	stubHost(t, "box", nil, nil)
	dataDir := filepath.Join(t.TempDir(), "nested", "data")

	first, err := LoadFacts(context.Background(), "", dataDir, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "Unknown", first.Manufacturer)
	assert.Equal(t, "No Model", first.Model)
	require.NotEmpty(t, first.SerialNumber)

	second, err := LoadFacts(context.Background(), "", dataDir, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, first.SerialNumber, second.SerialNumber, "instance ID must be stable")
}

func TestLoadFacts_HostnameError(t *testing.T) {
	stubHost(t, "", &host.InfoStat{HostID: "id"}, nil)
	hostname = func() (string, error) { return "", errors.New("uts namespace") }

	f, err := LoadFacts(context.Background(), "", t.TempDir(), quietLogger())
	require.NoError(t, err)
	assert.Equal(t, unknownHost, f.Hostname)
	assert.Equal(t, unknownHost, f.DeviceName)
}

func TestFormattedName(t *testing.T) {
	tests := map[string]string{
		"raspberrypi":    "raspberrypi",
		"Living-Room Pi": "living_room_pi",
		"HOST 01":        "host_01",
	}
	for in, want := range tests {
		assert.Equal(t, want, Facts{DeviceName: in}.FormattedName(), in)
	}
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreateInstanceID(dir)
	require.NoError(t, err)
	assert.Len(t, id, 36)

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	require.NoError(t, err)
	assert.Equal(t, id+"\n", string(data))

	again, err := LoadOrCreateInstanceID(dir)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}
