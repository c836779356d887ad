package mqtt

import (
	"strings"
	"unicode"
)

// Topics derives every topic the engine publishes to. All derivations
// are deterministic so entities keep their topics across restarts.
type Topics struct {
	// DiscoveryPrefix is the HA discovery root, normally "homeassistant".
	DiscoveryPrefix string
	// Prefix is the root of state and availability topics.
	Prefix string
	// ClientID scopes state topics to this agent.
	ClientID string
}

// Discovery returns the retained config topic for e:
// <discovery>/<component>/<device>/<entity name>/config.
func (t Topics) Discovery(e Entity) string {
	device := ""
	if d := e.Device(); d != nil {
		device = d.Name
	}
	return t.DiscoveryPrefix + "/" + string(e.Component()) + "/" +
		sanitize(device) + "/" + sanitize(e.Name()) + "/config"
}

// State returns the state topic for e: <prefix>/<client>/<key>/state.
func (t Topics) State(e Entity) string {
	return t.base() + "/" + sanitize(string(e.Key())) + "/state"
}

// Availability returns the per-process online/offline topic.
func (t Topics) Availability() string {
	return t.base() + "/availability"
}

// Status returns the topic HA announces its own birth and will on.
func (t Topics) Status() string {
	return t.DiscoveryPrefix + "/status"
}

func (t Topics) base() string {
	return t.Prefix + "/" + sanitize(t.ClientID)
}

// sanitize lower-cases s and replaces every rune other than letters,
// digits, '_' and '-' with '_'.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		r = unicode.ToLower(r)
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, s)
}
