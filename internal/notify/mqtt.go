package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/alexos-labs/watchtower-agent/internal/events"
)

// MQTT publishes forwarded events as JSON messages to an MQTT broker.
// Each send opens a short-lived connection; the agent's event rate is
// low enough that holding a session open buys nothing.
type MQTT struct {
	broker   string
	topic    string
	clientID string
	qos      byte
}

// NewMQTT creates an MQTT notifier.
func NewMQTT(broker, topic string) *MQTT {
	return &MQTT{
		broker:   broker,
		topic:    topic,
		clientID: "watchtower-agent",
		qos:      1,
	}
}

func (m *MQTT) Name() string { return "mqtt" }

func (m *MQTT) Send(ctx context.Context, event events.Event) error {
	opts := mqtt.NewClientOptions().
		SetClientID(m.clientID).
		AddBroker(m.broker).
		SetConnectTimeout(10 * time.Second).
		SetWriteTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connect timeout")
	}
	if tok.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", tok.Error())
	}
	defer client.Disconnect(250)

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal mqtt payload: %w", err)
	}

	pub := client.Publish(m.topic, m.qos, false, body)
	if !pub.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt publish timeout")
	}
	if pub.Error() != nil {
		return fmt.Errorf("mqtt publish: %w", pub.Error())
	}
	return nil
}
