package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// publisher is the subset of mqtt.Client used by MQTTNotifier.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTNotifier publishes alert events as JSON to an MQTT topic.
type MQTTNotifier struct {
	client publisher
	topic  string
	qos    byte
	closer func()
}

// MQTTConfig holds broker connection settings.
type MQTTConfig struct {
	Broker   string // e.g. tcp://localhost:1883
	Topic    string
	ClientID string // generated when empty
	Username string
	Password string
}

// DialMQTT connects to the broker and returns a notifier publishing to cfg.Topic.
func DialMQTT(ctx context.Context, cfg MQTTConfig, logger *slog.Logger) (*MQTTNotifier, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("mqtt: topic is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "occupancy-" + uuid.NewString()
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("MQTT connection lost", "broker", cfg.Broker, "error", err)
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("MQTT connected", "broker", cfg.Broker, "client_id", cfg.ClientID)
		})

	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, err)
	}

	return &MQTTNotifier{
		client: client,
		topic:  cfg.Topic,
		qos:    1,
		closer: func() { client.Disconnect(250) },
	}, nil
}

// Notify publishes ev and waits for the broker acknowledgement.
func (n *MQTTNotifier) Notify(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("mqtt: marshal event: %w", err)
	}
	if err := wait(ctx, n.client.Publish(n.topic, n.qos, false, payload)); err != nil {
		return fmt.Errorf("mqtt: publish to %s: %w", n.topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (n *MQTTNotifier) Close() {
	if n.closer != nil {
		n.closer()
	}
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
