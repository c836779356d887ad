package mqtt

import (
	"context"
	"errors"
	"fmt"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// Conn is the subset of [autopaho.ConnectionManager] the publisher
// needs. Tests substitute a fake through [WithDialer].
type Conn interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Subscribe(ctx context.Context, s *paho.Subscribe) (*paho.Suback, error)
	Disconnect(ctx context.Context) error
}

// DialFunc starts a managed broker session. The returned Conn keeps
// reconnecting in the background until ctx is cancelled or Disconnect
// is called, reporting progress through the callbacks in cfg.
type DialFunc func(ctx context.Context, cfg autopaho.ClientConfig) (Conn, error)

func dialAutopaho(ctx context.Context, cfg autopaho.ClientConfig) (Conn, error) {
	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return cm, nil
}

// ConnState is the transport state of the publisher.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// ConnStatus is one observation emitted by the transport callbacks.
// Err is set for failed attempts; a *ConnectionError in Err means the
// session can not recover.
type ConnStatus struct {
	State ConnState
	Err   error
}

// Fatal reports whether the status carries an unrecoverable error.
func (s ConnStatus) Fatal() bool {
	var ce *ConnectionError
	return errors.As(s.Err, &ce)
}

// MQTT v5 reason codes the publisher treats specially.
const (
	reasonUnsupportedProtocol byte = 0x84
	reasonClientIDNotValid    byte = 0x85
	reasonBadCredentials      byte = 0x86
	reasonNotAuthorized       byte = 0x87
	reasonBanned              byte = 0x8A
	reasonBadAuthMethod       byte = 0x8C
)

var reasonNames = map[byte]string{
	0x00: "normal disconnection",
	0x04: "disconnect with will message",
	0x80: "unspecified error",
	0x81: "malformed packet",
	0x82: "protocol error",
	0x83: "implementation specific error",
	0x84: "unsupported protocol version",
	0x85: "client identifier not valid",
	0x86: "bad user name or password",
	0x87: "not authorized",
	0x88: "server unavailable",
	0x89: "server busy",
	0x8A: "banned",
	0x8B: "server shutting down",
	0x8C: "bad authentication method",
	0x8D: "keep alive timeout",
	0x8E: "session taken over",
	0x90: "topic name invalid",
	0x93: "receive maximum exceeded",
	0x95: "packet too large",
	0x97: "quota exceeded",
	0x99: "payload format invalid",
	0x9A: "retain not supported",
	0x9B: "qos not supported",
	0x9C: "use another server",
	0x9D: "server moved",
	0x9F: "connection rate exceeded",
}

// reasonName returns the protocol name of an MQTT v5 reason code.
func reasonName(code byte) string {
	if n, ok := reasonNames[code]; ok {
		return n
	}
	return fmt.Sprintf("reason 0x%02X", code)
}

// classifyConnectError maps a failed connection attempt to a fatal
// *ConnectionError when retrying can not help, or returns nil when the
// attempt should be retried.
func classifyConnectError(err error) *ConnectionError {
	var cerr *autopaho.ConnackError
	if !errors.As(err, &cerr) {
		return nil
	}
	switch cerr.ReasonCode {
	case reasonUnsupportedProtocol, reasonClientIDNotValid, reasonBadCredentials,
		reasonNotAuthorized, reasonBanned, reasonBadAuthMethod:
	default:
		return nil
	}
	reason := cerr.Reason
	if reason == "" {
		reason = reasonName(cerr.ReasonCode)
	}
	return &ConnectionError{ReasonCode: cerr.ReasonCode, Reason: reason, Err: err}
}

// classifyDisconnect maps a server DISCONNECT to a fatal
// *ConnectionError, or nil for a clean or informational disconnect.
func classifyDisconnect(d *paho.Disconnect) *ConnectionError {
	if d == nil || d.ReasonCode < 0x80 {
		return nil
	}
	reason := ""
	if d.Properties != nil {
		reason = d.Properties.ReasonString
	}
	if reason == "" {
		reason = reasonName(d.ReasonCode)
	}
	return &ConnectionError{ReasonCode: d.ReasonCode, Reason: "server disconnect: " + reason}
}
