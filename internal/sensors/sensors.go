// Package sensors defines the Home Assistant entities hostdiag
// publishes and binds each one to the collector that produces its
// value.
package sensors

import (
	"context"
	"math"
	"strings"

	"github.com/nugget/hostdiag/internal/buildinfo"
	"github.com/nugget/hostdiag/internal/mqtt"
	"github.com/nugget/hostdiag/internal/netmon"
	"github.com/nugget/hostdiag/internal/sysinfo"
)

const entityQoS = 1

// HostCollector produces the host-wide metrics. [sysinfo.Collector]
// is the production implementation.
type HostCollector interface {
	Hostname(ctx context.Context) (any, error)
	Temperature(ctx context.Context) (any, error)
	CPUPercent(ctx context.Context) (any, error)
	MemoryPercent(ctx context.Context) (any, error)
	DiskPercent(ctx context.Context) (any, error)
	Uptime(ctx context.Context) (any, error)
}

// ThroughputSource is one monitored interface. [netmon.Sampler] is the
// production implementation.
type ThroughputSource interface {
	Interface() string
	Throughput(unit netmon.Unit) netmon.Throughput
}

// Sources is everything the entity set is built from.
type Sources struct {
	Facts    sysinfo.Facts
	Host     HostCollector
	Networks []ThroughputSource
	Unit     netmon.Unit
}

// Device returns the HA device block shared by every entity.
func Device(f sysinfo.Facts) *mqtt.DeviceInfo {
	return mqtt.NewDeviceInfo(f.DeviceName, f.SerialNumber, f.Manufacturer, f.Model)
}

// Build returns the bindings to register, in publish order.
func Build(src Sources) []mqtt.Binding {
	dev := Device(src.Facts)
	prefix := src.Facts.FormattedName()
	key := func(suffix string) mqtt.EntityKey {
		return mqtt.EntityKey(prefix + "_" + suffix)
	}

	binds := []mqtt.Binding{
		{
			Entity: mqtt.NewSensor(key("hostname"), dev, mqtt.Attributes{
				Name:           "Hostname",
				Icon:           "mdi:server",
				EntityCategory: "diagnostic",
				QoS:            entityQoS,
			}),
			Provider: src.Host.Hostname,
		},
		{
			Entity: mqtt.NewSensor(key("temperature"), dev, mqtt.Attributes{
				Name:              "Temperature",
				Icon:              "mdi:thermometer",
				UnitOfMeasurement: "°C",
				DeviceClass:       "temperature",
				StateClass:        "measurement",
				QoS:               entityQoS,
			}),
			Provider: src.Host.Temperature,
		},
		percentSensor(key("cpu_usage"), dev, "CPU Usage", "mdi:cpu-64-bit", src.Host.CPUPercent),
		percentSensor(key("memory_usage"), dev, "Memory Usage", "mdi:memory", src.Host.MemoryPercent),
		percentSensor(key("disk_usage"), dev, "Disk Usage", "mdi:harddisk", src.Host.DiskPercent),
		{
			Entity: mqtt.NewSensor(key("uptime"), dev, mqtt.Attributes{
				Name:              "Uptime",
				Icon:              "mdi:clock-outline",
				UnitOfMeasurement: "s",
				DeviceClass:       "duration",
				EntityCategory:    "diagnostic",
				QoS:               entityQoS,
			}),
			Provider: src.Host.Uptime,
		},
		{
			Entity: mqtt.NewSensor(key("agent_uptime"), dev, mqtt.Attributes{
				Name:              "Agent Uptime",
				Icon:              "mdi:timer-outline",
				UnitOfMeasurement: "s",
				DeviceClass:       "duration",
				EntityCategory:    "diagnostic",
				DisabledByDefault: true,
				QoS:               entityQoS,
			}),
			Provider: func(context.Context) (any, error) {
				return int64(buildinfo.Uptime().Seconds()), nil
			},
		},
		{
			Entity: mqtt.NewSensor(key("agent_version"), dev, mqtt.Attributes{
				Name:           "Agent Version",
				Icon:           "mdi:tag",
				EntityCategory: "diagnostic",
				QoS:            entityQoS,
			}),
			Provider: mqtt.Static(buildinfo.Version),
		},
		{
			Entity: mqtt.NewBinarySensor(key("is_raspberry_pi"), dev, mqtt.Attributes{
				Name:           "Raspberry Pi",
				Icon:           "mdi:raspberry-pi",
				EntityCategory: "diagnostic",
				QoS:            entityQoS,
			}),
			Provider: mqtt.Static(onOff(src.Facts.IsRaspberryPi)),
		},
	}

	if len(src.Networks) == 0 {
		return binds
	}

	names := make([]string, len(src.Networks))
	for i, n := range src.Networks {
		names[i] = n.Interface()
	}
	binds = append(binds, mqtt.Binding{
		Entity: mqtt.NewSensor(key("ethernet_iface"), dev, mqtt.Attributes{
			Name:           "Network Interface",
			Icon:           "mdi:ethernet",
			EntityCategory: "diagnostic",
			QoS:            entityQoS,
		}),
		Provider: mqtt.Static(strings.Join(names, ",")),
	})

	for _, n := range src.Networks {
		iface := n.Interface()
		base := "ethernet_iface_" + formatInterface(iface)
		binds = append(binds,
			rateSensor(key(base+"_tx"), dev, iface+" TX", "mdi:upload", src.Unit, func(t netmon.Throughput) float64 { return t.TX }, n),
			rateSensor(key(base+"_rx"), dev, iface+" RX", "mdi:download", src.Unit, func(t netmon.Throughput) float64 { return t.RX }, n),
		)
	}
	return binds
}

func percentSensor(key mqtt.EntityKey, dev *mqtt.DeviceInfo, name, icon string, p mqtt.Provider) mqtt.Binding {
	return mqtt.Binding{
		Entity: mqtt.NewSensor(key, dev, mqtt.Attributes{
			Name:              name,
			Icon:              icon,
			UnitOfMeasurement: "%",
			StateClass:        "measurement",
			QoS:               entityQoS,
		}),
		Provider: p,
	}
}

func rateSensor(key mqtt.EntityKey, dev *mqtt.DeviceInfo, name, icon string, unit netmon.Unit,
	pick func(netmon.Throughput) float64, src ThroughputSource) mqtt.Binding {
	return mqtt.Binding{
		Entity: mqtt.NewSensor(key, dev, mqtt.Attributes{
			Name:              name,
			Icon:              icon,
			UnitOfMeasurement: unit.Name,
			DeviceClass:       "data_rate",
			StateClass:        "measurement",
			QoS:               entityQoS,
		}),
		Provider: func(context.Context) (any, error) {
			return round2(pick(src.Throughput(unit))), nil
		},
	}
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// formatInterface makes an interface name safe for an entity key.
func formatInterface(iface string) string {
	return strings.NewReplacer(" ", "_", "-", "_", ".", "_").Replace(strings.ToLower(iface))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
