package pallet_nav

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

const (
	mqttQoS            = 2
	mqttConnectTimeout = 10 * time.Second
)

// MQTTTransport subscribes to the detection topics on a broker and publishes
// mission events back to it.
type MQTTTransport struct {
	client mqtt.Client
	log    *logrus.Entry
}

// NewMQTTTransport connects to cfg.MQTTBroker and subscribes to topics. The
// subscriptions are renewed on every reconnect.
func NewMQTTTransport(cfg PerceptionConfig, in *Ingestor, topics []string, log *logrus.Entry) (*MQTTTransport, error) {
	if cfg.MQTTBroker == "" {
		return nil, fmt.Errorf("%w: perception.mqtt_broker must be set", ErrInvalidConfig)
	}
	if log == nil {
		log = discardLogger()
	}
	log = log.WithField("component", "mqtt_transport")

	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = mqttQoS
	}
	onMessage := func(_ mqtt.Client, msg mqtt.Message) {
		_ = in.Ingest(msg.Topic(), msg.Payload())
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout).
		SetOnConnectHandler(func(c mqtt.Client) {
			tok := c.SubscribeMultiple(filters, onMessage)
			tok.Wait()
			if err := tok.Error(); err != nil {
				log.WithError(err).Error("subscribe failed")
				return
			}
			log.WithField("topics", topics).Info("subscribed")
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.WithError(err).Warn("connection lost")
		})

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("connect %s: timed out", cfg.MQTTBroker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.MQTTBroker, err)
	}
	return &MQTTTransport{client: client, log: log}, nil
}

// Publish sends payload on topic and waits for the broker to take it.
func (t *MQTTTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	tok := t.client.Publish(topic, mqttQoS, false, payload)
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects from the broker.
func (t *MQTTTransport) Close() error {
	t.client.Disconnect(250)
	return nil
}
