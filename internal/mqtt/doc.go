// Package mqtt publishes host diagnostics to Home Assistant over MQTT.
//
// Each metric is an [Entity] bound to a [Provider]. Registering an
// entity publishes its retained discovery document so HA creates the
// sensor; [Publisher.Run] then samples every provider on a fixed period
// and sends state values. A [StateCache] suppresses values that have
// not changed, except that an unchanged value is sent again once it is
// older than the republish interval so HA never sees a static sensor
// as stale.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. A retained will
// message moves the availability topic to "offline" on unexpected
// disconnects. On every reconnect, and whenever HA itself announces
// "online" on its status topic, the publisher re-publishes the birth
// message and every discovery document. Broker refusals that retrying
// can not fix surface as a [ConnectionError] through [Publisher.Err].
package mqtt
