package mqtt

import (
	"context"
	"strings"

	"github.com/eclipse/paho.golang/paho"
)

// subscribeStatus subscribes to HA's status topic. HA publishes
// "online" there when it starts, and any retained discovery documents
// published while it was down may have been missed, so each birth
// triggers a re-announce. Subscriptions do not survive a reconnect and
// are renewed on every session.
func (p *Publisher) subscribeStatus(ctx context.Context) {
	p.connMu.Lock()
	conn := p.conn
	p.connMu.Unlock()
	if conn == nil {
		return
	}

	topic := p.topics.Status()
	if _, err := conn.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt subscribe failed", "topic", topic, "error", err)
		return
	}
	p.logger.Debug("mqtt subscribed", "topic", topic)
}

// onPublishReceived handles inbound messages. Only the HA status topic
// is of interest; everything else is left for other handlers.
func (p *Publisher) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	if pr.Packet == nil || pr.Packet.Topic != p.topics.Status() {
		return false, nil
	}

	status := strings.TrimSpace(string(pr.Packet.Payload))
	p.logger.Debug("home assistant status received", "status", status)
	if status == PayloadOnline {
		select {
		case p.haCh <- struct{}{}:
		default:
		}
	}
	return true, nil
}
