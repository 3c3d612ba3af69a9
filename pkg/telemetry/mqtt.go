package telemetry

import (
	"context"
	"errors"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/itohio/gopdpsu/pkg/config"
)

// MQTTClient publishes over a paho MQTT connection.
type MQTTClient struct {
	c   mqtt.Client
	qos byte
}

var _ Client = (*MQTTClient)(nil)

// DialMQTT connects to the configured broker. The connection reconnects on
// its own after the first successful connect.
func DialMQTT(cfg config.TelemetryConfig, logger *zap.SugaredLogger) (*MQTTClient, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warnw("mqtt connection lost", "broker", cfg.Broker, "error", err)
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Infow("mqtt connected", "broker", cfg.Broker)
		})

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("mqtt %s: connect timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt %s: %w", cfg.Broker, err)
	}
	return &MQTTClient{c: c, qos: 1}, nil
}

// Publish sends payload and waits for the broker to acknowledge it or for
// ctx to end.
func (m *MQTTClient) Publish(ctx context.Context, topic string, payload []byte) error {
	if !m.c.IsConnectionOpen() {
		return errors.New("mqtt: not connected")
	}
	token := m.c.Publish(topic, m.qos, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects, allowing 250ms for in-flight messages.
func (m *MQTTClient) Close() {
	m.c.Disconnect(250)
}
