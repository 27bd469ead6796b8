// Package telemetry fans completed cycle records out to external consumers.
package telemetry

import (
	"context"
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"clutchtester/internal/ledger"
)

// Publisher receives each cycle record after it is appended to the ledger.
type Publisher interface {
	Publish(ctx context.Context, r ledger.Record) error
	Close() error
}

// Nop discards records.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, ledger.Record) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

// MQTTConfig configures the MQTT publisher.
type MQTTConfig struct {
	Broker   string `json:"broker" yaml:"broker"`
	Topic    string `json:"topic,omitempty" yaml:"topic,omitempty"`
	ClientID string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	QoS      byte   `json:"qos,omitempty" yaml:"qos,omitempty"`
}

const (
	defaultTopic    = "clutchtester/cycles"
	defaultClientID = "clutchtester"
	publishTimeout  = 5 * time.Second
)

// MQTT publishes records as JSON to a broker topic.
type MQTT struct {
	client mqtt.Client
	topic  string
	qos    byte
	logger logging.Logger
}

// DialMQTT connects to the broker. The client reconnects on its own after a
// lost connection.
func DialMQTT(cfg MQTTConfig, logger logging.Logger) (*MQTT, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = defaultTopic
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = defaultClientID
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Infof("connected to MQTT broker %s", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warnf("MQTT connection lost: %v", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		// ConnectRetry keeps trying in the background; publishes queue until then
		logger.Warnf("MQTT broker %s not reachable yet, retrying in background", cfg.Broker)
	} else if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "connecting to MQTT broker %s", cfg.Broker)
	}
	return &MQTT{client: client, topic: topic, qos: cfg.QoS, logger: logger}, nil
}

// Publish implements Publisher.
func (m *MQTT) Publish(ctx context.Context, r ledger.Record) error {
	payload, err := Payload(r)
	if err != nil {
		return err
	}
	token := m.client.Publish(m.topic, m.qos, false, payload)
	select {
	case <-token.Done():
		return errors.Wrapf(token.Error(), "publishing cycle %d", r.CycleIndex)
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(publishTimeout):
		return errors.Errorf("publishing cycle %d: timed out", r.CycleIndex)
	}
}

// Payload is the JSON message published for r.
func Payload(r ledger.Record) ([]byte, error) {
	data, err := json.Marshal(r)
	return data, errors.Wrap(err, "encoding cycle record")
}

// Close disconnects from the broker, letting in-flight messages drain.
func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}
