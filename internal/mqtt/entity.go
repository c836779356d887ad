package mqtt

import "context"

// EntityKey is the stable identity of an entity. It is published as
// the HA unique_id and keys both the provider registry and the publish
// cache. Two entities are the same entity exactly when their keys are
// equal.
type EntityKey string

// Component is the HA MQTT integration platform of an entity.
type Component string

// Supported components.
const (
	ComponentSensor       Component = "sensor"
	ComponentBinarySensor Component = "binary_sensor"
)

// Attributes is the descriptive metadata of an entity. It is copied into
// the discovery document unchanged; the engine never interprets it.
type Attributes struct {
	Name              string
	Icon              string
	UnitOfMeasurement string
	DeviceClass       string
	StateClass        string
	EntityCategory    string
	EntityPicture     string
	ValueTemplate     string
	ExpireAfter       int  // seconds; 0 omits
	ForceUpdate       bool
	DisabledByDefault bool

	// QoS applies to both discovery and state publishes.
	QoS byte

	// Binary sensor payloads. Defaults are "ON"/"OFF".
	PayloadOn  string
	PayloadOff string
	OffDelay   int
}

// Entity is an immutable metric identity plus its metadata and device.
// Construct it with [NewSensor] or [NewBinarySensor].
type Entity struct {
	key       EntityKey
	component Component
	attrs     Attributes
	device    *DeviceInfo
}

// NewSensor creates a sensor entity.
func NewSensor(key EntityKey, device *DeviceInfo, attrs Attributes) Entity {
	return Entity{key: key, component: ComponentSensor, attrs: attrs, device: device}
}

// NewBinarySensor creates a binary_sensor entity. Empty payloads
// default to "ON" and "OFF".
func NewBinarySensor(key EntityKey, device *DeviceInfo, attrs Attributes) Entity {
	if attrs.PayloadOn == "" {
		attrs.PayloadOn = "ON"
	}
	if attrs.PayloadOff == "" {
		attrs.PayloadOff = "OFF"
	}
	return Entity{key: key, component: ComponentBinarySensor, attrs: attrs, device: device}
}

// Key returns the entity identity.
func (e Entity) Key() EntityKey { return e.key }

// Component returns the HA platform.
func (e Entity) Component() Component { return e.component }

// Name returns the display name.
func (e Entity) Name() string { return e.attrs.Name }

// Attributes returns a copy of the entity metadata.
func (e Entity) Attributes() Attributes { return e.attrs }

// Device returns the shared device descriptor.
func (e Entity) Device() *DeviceInfo { return e.device }

// Provider produces the current value of one entity. Strings are sent
// verbatim; other values are JSON encoded. A returned error skips the
// entity for the current round.
type Provider func(ctx context.Context) (any, error)

// Static returns a Provider that always yields v.
func Static(v any) Provider {
	return func(context.Context) (any, error) { return v, nil }
}
