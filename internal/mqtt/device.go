package mqtt

import "github.com/nugget/hostdiag/internal/buildinfo"

// DeviceInfo holds the Home Assistant device registry fields shared by
// every entity of this host. All discovery documents reference the
// same device block so HA groups them under one device page. Optional
// fields are omitted from JSON when empty.
type DeviceInfo struct {
	Identifiers      []string `json:"identifiers"`
	Name             string   `json:"name"`
	Manufacturer     string   `json:"manufacturer"`
	Model            string   `json:"model"`
	ConfigurationURL string   `json:"configuration_url,omitempty"`
	HWVersion        string   `json:"hw_version,omitempty"`
	ModelID          string   `json:"model_id,omitempty"`
	SerialNumber     string   `json:"serial_number,omitempty"`
	SuggestedArea    string   `json:"suggested_area,omitempty"`
	SWVersion        string   `json:"sw_version,omitempty"`
	ViaDevice        string   `json:"via_device,omitempty"`
}

// NewDeviceInfo creates the device block for a host. The serial number
// doubles as the primary HA identifier, so it must be stable across
// renames of the device.
func NewDeviceInfo(name, serial, manufacturer, model string) *DeviceInfo {
	return &DeviceInfo{
		Identifiers:  []string{serial},
		Name:         name,
		Manufacturer: manufacturer,
		Model:        model,
		SerialNumber: serial,
		SWVersion:    buildinfo.Version,
	}
}
