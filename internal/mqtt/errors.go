package mqtt

import "fmt"

// ConnectionError reports a broker session that could not be
// established or was terminated by the server. It is fatal to the
// engine: the caller should clean up and exit.
type ConnectionError struct {
	// ReasonCode is the MQTT v5 CONNACK or DISCONNECT reason code, or 0
	// when the failure happened below the protocol (timeout, dial).
	ReasonCode byte
	Reason     string
	Err        error
}

func (e *ConnectionError) Error() string {
	msg := "mqtt connection failed"
	if e.ReasonCode != 0 {
		msg += fmt.Sprintf(" (reason 0x%02X)", e.ReasonCode)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PublishError reports that a single publish did not complete, because
// of an I/O failure or a broker NACK. The caller decides whether to
// skip or abort.
type PublishError struct {
	Topic      string
	ReasonCode byte // PUBACK reason code when the broker refused it
	Err        error
}

func (e *PublishError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("publish to %s refused (reason 0x%02X)", e.Topic, e.ReasonCode)
	}
	return fmt.Sprintf("publish to %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// TeardownError reports a failure while releasing the session. It is
// informational; shutdown continues regardless.
type TeardownError struct {
	Err error
}

func (e *TeardownError) Error() string { return "mqtt teardown: " + e.Err.Error() }

func (e *TeardownError) Unwrap() error { return e.Err }
