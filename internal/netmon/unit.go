package netmon

import (
	"fmt"
	"strings"
)

// Unit is a display unit for byte rates. Factor is the fixed
// power-of-ten divisor applied to a bytes/second value.
type Unit struct {
	Factor float64
	Name   string
}

// Supported rate units.
var (
	Bytes     = Unit{Factor: 1, Name: "B/s"}
	Kilobytes = Unit{Factor: 1e3, Name: "kB/s"}
	Megabytes = Unit{Factor: 1e6, Name: "MB/s"}
	Gigabytes = Unit{Factor: 1e9, Name: "GB/s"}
)

var unitsByName = map[string]Unit{
	"b/s": Bytes, "bytes": Bytes,
	"kb/s": Kilobytes, "kilobytes": Kilobytes,
	"mb/s": Megabytes, "megabytes": Megabytes,
	"gb/s": Gigabytes, "gigabytes": Gigabytes,
}

// ParseUnit resolves a unit by its display name ("kB/s") or long name
// ("kilobytes"), case-insensitively.
func ParseUnit(s string) (Unit, error) {
	u, ok := unitsByName[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return Unit{}, fmt.Errorf("unknown network unit %q (valid: B/s, kB/s, MB/s, GB/s)", s)
	}
	return u, nil
}

// Convert divides a bytes/second rate by the unit factor.
func (u Unit) Convert(bytesPerSec float64) float64 {
	if u.Factor == 0 {
		return bytesPerSec
	}
	return bytesPerSec / u.Factor
}

func (u Unit) String() string { return u.Name }
