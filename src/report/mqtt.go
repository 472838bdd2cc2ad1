package report

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// MQTTConfig holds the configuration for the MQTT client.
type MQTTConfig struct {
	BrokerURL     string
	ClientID      string
	Username      string
	Password      string
	TopicPrefix   string
	QoS           byte
	Retained      bool
	MaxRetries    int
	RetryInterval time.Duration
}

// Dial connects to the broker, retrying MaxRetries times.
func Dial(config MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().AddBroker(config.BrokerURL)
	opts.SetClientID(config.ClientID)
	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}
	opts.SetAutoReconnect(true)

	c, err := dial(config, func() connector { return mqtt.NewClient(opts) }, time.Sleep)
	if err != nil {
		return nil, err
	}
	return c.(mqtt.Client), nil
}

type connector interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
}

// dial tries a fresh client per attempt. A client that failed or timed out is
// disconnected so it cannot keep reconnecting in the background.
func dial(config MQTTConfig, newClient func() connector, sleep func(time.Duration)) (connector, error) {
	attempts := max(config.MaxRetries, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		client := newClient()
		token := client.Connect()
		if token.WaitTimeout(config.RetryInterval) && token.Error() == nil {
			log.WithFields(log.Fields{
				"BROKER": config.BrokerURL,
			}).Info("connected to mqtt broker")
			return client, nil
		}
		client.Disconnect(0)

		lastErr = token.Error()
		if lastErr == nil {
			lastErr = fmt.Errorf("timed out after %s", config.RetryInterval)
		}
		log.WithFields(log.Fields{
			"ATTEMPT": attempt,
			"ERROR":   lastErr,
		}).Warn("failed to connect to mqtt broker")
		if attempt < attempts {
			sleep(config.RetryInterval)
		}
	}
	return nil, fmt.Errorf("connect to %s: %w", config.BrokerURL, lastErr)
}

type tokenPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT publishes every quantity of a cycle as JSON on <prefix>/<quantity>.
type MQTT struct {
	client   tokenPublisher
	prefix   string
	qos      byte
	retained bool
	timeout  time.Duration
}

func NewMQTT(client mqtt.Client, config MQTTConfig) *MQTT {
	return newMQTT(client, config)
}

func newMQTT(client tokenPublisher, config MQTTConfig) *MQTT {
	timeout := config.RetryInterval
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &MQTT{
		client:   client,
		prefix:   config.TopicPrefix,
		qos:      config.QoS,
		retained: config.Retained,
		timeout:  timeout,
	}
}

type mqttMessage struct {
	Result
	Timestamp string `json:"timestamp"`
}

func (m *MQTT) Publish(c Cycle) error {
	for _, r := range c.Quantities {
		payload, err := json.Marshal(mqttMessage{
			Result:    r,
			Timestamp: c.Time.Format(time.RFC3339Nano),
		})
		if err != nil {
			return err
		}

		topic := m.prefix + "/" + r.Name
		token := m.client.Publish(topic, m.qos, m.retained, payload)
		if !token.WaitTimeout(m.timeout) {
			return fmt.Errorf("publish %s: timed out", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
	}
	return nil
}
