package mqtt

import "encoding/json"

// Availability payloads shared by the will message, the birth message
// and every discovery document.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// AvailabilityConfig points HA at the process availability topic.
type AvailabilityConfig struct {
	Topic               string `json:"topic"`
	PayloadAvailable    string `json:"payload_available"`
	PayloadNotAvailable string `json:"payload_not_available"`
}

// DiscoveryConfig is the JSON payload of an HA MQTT discovery message.
// It is published retained to [Topics.Discovery] on registration and
// again after every broker reconnect.
//
// HA rejects documents that set both availability and
// availability_topic, so only the availability block is sent.
type DiscoveryConfig struct {
	Name              string             `json:"name"`
	UniqueID          string             `json:"unique_id"`
	StateTopic        string             `json:"state_topic"`
	QoS               byte               `json:"qos"`
	Device            DeviceInfo         `json:"device"`
	Availability      AvailabilityConfig `json:"availability"`
	AvailabilityMode  string             `json:"availability_mode"`
	EnabledByDefault  bool               `json:"enabled_by_default"`
	Encoding          string             `json:"encoding"`
	Icon              string             `json:"icon,omitempty"`
	DeviceClass       string             `json:"device_class,omitempty"`
	StateClass        string             `json:"state_class,omitempty"`
	UnitOfMeasurement string             `json:"unit_of_measurement,omitempty"`
	ValueTemplate     string             `json:"value_template,omitempty"`
	EntityCategory    string             `json:"entity_category,omitempty"`
	EntityPicture     string             `json:"entity_picture,omitempty"`
	ExpireAfter       int                `json:"expire_after,omitempty"`
	ForceUpdate       bool               `json:"force_update,omitempty"`
	PayloadOn         string             `json:"payload_on,omitempty"`
	PayloadOff        string             `json:"payload_off,omitempty"`
	OffDelay          int                `json:"off_delay,omitempty"`
}

// NewDiscoveryConfig builds the discovery document for e.
func NewDiscoveryConfig(e Entity, t Topics) DiscoveryConfig {
	a := e.Attributes()
	cfg := DiscoveryConfig{
		Name:       a.Name,
		UniqueID:   string(e.Key()),
		StateTopic: t.State(e),
		QoS:        a.QoS,
		Availability: AvailabilityConfig{
			Topic:               t.Availability(),
			PayloadAvailable:    PayloadOnline,
			PayloadNotAvailable: PayloadOffline,
		},
		AvailabilityMode:  "latest",
		EnabledByDefault:  !a.DisabledByDefault,
		Encoding:          "utf-8",
		Icon:              a.Icon,
		DeviceClass:       a.DeviceClass,
		StateClass:        a.StateClass,
		UnitOfMeasurement: a.UnitOfMeasurement,
		ValueTemplate:     a.ValueTemplate,
		EntityCategory:    a.EntityCategory,
		EntityPicture:     a.EntityPicture,
		ExpireAfter:       a.ExpireAfter,
		ForceUpdate:       a.ForceUpdate,
	}
	if d := e.Device(); d != nil {
		cfg.Device = *d
	}
	if e.Component() == ComponentBinarySensor {
		cfg.PayloadOn = a.PayloadOn
		cfg.PayloadOff = a.PayloadOff
		cfg.OffDelay = a.OffDelay
	}
	return cfg
}

// Marshal encodes the document.
func (c DiscoveryConfig) Marshal() ([]byte, error) {
	return json.Marshal(c)
}
