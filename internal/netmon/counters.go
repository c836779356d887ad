package netmon

import (
	"context"
	"fmt"
	"slices"
	"sort"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// ReadCounters is the default [CounterReader]. It reads per-NIC
// counters through gopsutil and picks out iface.
func ReadCounters(ctx context.Context, iface string) (Counters, error) {
	stats, err := psnet.IOCountersWithContext(ctx, true)
	if err != nil {
		return Counters{}, fmt.Errorf("read interface counters: %w", err)
	}
	for _, st := range stats {
		if st.Name == iface {
			return Counters{BytesSent: st.BytesSent, BytesRecv: st.BytesRecv}, nil
		}
	}
	return Counters{}, &InterfaceNotFoundError{Interface: iface}
}

// interfaceLister is swapped in tests.
var interfaceLister = psnet.InterfacesWithContext

// Interfaces returns the names of interfaces that are up and not
// loopback, sorted. It is used when no interfaces are configured.
func Interfaces(ctx context.Context) ([]string, error) {
	list, err := interfaceLister(ctx)
	if err != nil {
		return nil, fmt.Errorf("list network interfaces: %w", err)
	}

	var names []string
	for _, iface := range list {
		if !slices.Contains(iface.Flags, "up") || slices.Contains(iface.Flags, "loopback") {
			continue
		}
		names = append(names, iface.Name)
	}
	sort.Strings(names)
	return names, nil
}
