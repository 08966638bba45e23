package channel

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTOptions configures the broker-backed transport.
type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// MQTTTransport is a Transport over an MQTT broker. Reconnects are handled by
// the Paho client; subscriptions are restored on reconnect.
type MQTTTransport struct {
	client mqtt.Client
	qos    byte
}

// NewMQTTTransport connects to the broker and returns a ready transport.
func NewMQTTTransport(opts MQTTOptions) (*MQTTTransport, error) {
	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(60 * time.Second).
		SetResumeSubs(true)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username).SetPassword(opts.Password)
	}

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", opts.Broker, err)
	}
	return &MQTTTransport{client: client, qos: opts.QoS}, nil
}

// mqttTopic strips the leading slash: topic namespaces here follow the
// portal's "/ns/..." convention, while MQTT treats a leading slash as an
// empty root level.
func mqttTopic(topic string) string {
	return strings.TrimPrefix(topic, "/")
}

func (t *MQTTTransport) Subscribe(_ context.Context, topic string, fn func(payload []byte)) (func() error, error) {
	mt := mqttTopic(topic)
	token := t.client.Subscribe(mt, t.qos, func(_ mqtt.Client, msg mqtt.Message) {
		fn(msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}
	return func() error {
		tok := t.client.Unsubscribe(mt)
		tok.Wait()
		return tok.Error()
	}, nil
}

func (t *MQTTTransport) Publish(_ context.Context, topic string, payload []byte) error {
	token := t.client.Publish(mqttTopic(topic), t.qos, false, payload)
	token.Wait()
	return token.Error()
}

func (t *MQTTTransport) Close() error {
	t.client.Disconnect(1000)
	return nil
}
