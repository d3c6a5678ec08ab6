package metrics

import (
	"encoding/json"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"github.com/Antonite/plato_rl/config"
)

const publishTimeout = 2 * time.Second

// MQTTWriter publishes summaries as JSON to <topic>/episodes and <topic>/updates
type MQTTWriter struct {
	client mqtt.Client
	topic  string
	qos    byte
	log    *slog.Logger
}

// ConnectMQTT connects to the configured broker with auto reconnect
func ConnectMQTT(cfg config.MQTTConfig, clientID string, logger *slog.Logger) (*MQTTWriter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "metrics-mqtt")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost, will auto-reconnect", "broker", cfg.Broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, errors.Errorf("mqtt connection to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrap(err, "mqtt connection failed")
	}

	log.Info("mqtt metrics connected", "broker", cfg.Broker, "topic", cfg.Topic)
	return &MQTTWriter{client: client, topic: cfg.Topic, qos: cfg.QoS, log: log}, nil
}

func (w *MQTTWriter) WriteEpisode(e EpisodeSummary) error {
	return w.publish(w.topic+"/episodes", e)
}

func (w *MQTTWriter) WriteUpdate(u UpdateSummary) error {
	return w.publish(w.topic+"/updates", u)
}

func (w *MQTTWriter) publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to marshal summary")
	}

	token := w.client.Publish(topic, w.qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

// Flush is a no-op; paho delivers each message as it is published
func (w *MQTTWriter) Flush() error {
	return nil
}

func (w *MQTTWriter) Close() error {
	w.client.Disconnect(250)
	return nil
}
