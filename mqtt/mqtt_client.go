// Package mqtt mirrors persisted readings to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/pkg/errors"

	"github.com/hubertat/sensorpi/store"
)

const connectionTimeoutSeconds = 5
const defaultTopicPrefix = "sensorpi"
const mqttSinkName = "mqtt"

type Message struct {
	SensorID     int64     `json:"sensor_id"`
	Serial       string    `json:"serial"`
	TemperatureC float64   `json:"temperature_c"`
	TemperatureF float64   `json:"temperature_f"`
	Timestamp    time.Time `json:"timestamp"`
}

type Publisher struct {
	config      autopaho.ClientConfig
	conn        *autopaho.ConnectionManager
	logger      *log.Logger
	topicPrefix string
}

func (mp *Publisher) Name() string {
	return mqttSinkName
}

// Topic is <prefix>/<serial>, or <prefix>/<sensor id> for readings without a serial.
func (mp *Publisher) Topic(r store.Reading) string {
	leaf := r.Serial
	if len(leaf) == 0 {
		leaf = strconv.FormatInt(r.SensorID, 10)
	}
	return mp.topicPrefix + "/" + leaf
}

func NewMessage(r store.Reading) Message {
	return Message{
		SensorID:     r.SensorID,
		Serial:       r.Serial,
		TemperatureC: r.TemperatureC,
		TemperatureF: r.TemperatureC*1.8 + 32.0,
		Timestamp:    r.Timestamp,
	}
}

func (mp *Publisher) Publish(ctx context.Context, readings []store.Reading) error {
	if mp.conn == nil {
		return errors.New("mqtt publisher not connected")
	}

	var failed []string
	for _, r := range readings {
		payload, err := json.Marshal(NewMessage(r))
		if err != nil {
			return errors.Wrap(err, "failed to marshal mqtt message")
		}

		_, err = mp.conn.Publish(ctx, &paho.Publish{
			Topic:   mp.Topic(r),
			QoS:     1,
			Retain:  true,
			Payload: payload,
		})
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", mp.Topic(r), err))
		}
	}

	if len(failed) > 0 {
		return errors.Errorf("failed to publish %d of %d readings:\n%s", len(failed), len(readings), strings.Join(failed, "\n"))
	}
	return nil
}

func (mp *Publisher) onConnUp(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
	mp.logger.Info("Connected to MQTT broker")
}

func (mp *Publisher) onConnError(err error) {
	mp.logger.Error("Received Mqtt connection error", "err", err)
}

func (mp *Publisher) onSrvDisconnect(d *paho.Disconnect) {
	mp.logger.Info("Disconnected from MQTT broker")
}

// Connect starts the connection manager and waits for the first connection.
// The manager keeps reconnecting in the background afterwards.
func (mp *Publisher) Connect(ctx context.Context) (err error) {
	cm, err := autopaho.NewConnection(ctx, mp.config)
	if err != nil {
		return errors.Wrap(err, "failed to create mqtt connection")
	}
	mp.conn = cm

	awaitCtx, cancel := context.WithTimeout(ctx, connectionTimeoutSeconds*time.Second)
	defer cancel()

	mp.logger.Debug("AwaitConnection")
	err = cm.AwaitConnection(awaitCtx)
	mp.logger.Debug("AwaitConnection done", "err", err)
	if err != nil {
		return errors.Wrap(err, "mqtt broker not reachable")
	}

	return nil
}

func (mp *Publisher) Disconnect(ctx context.Context) error {
	if mp.conn == nil {
		return nil
	}
	return mp.conn.Disconnect(ctx)
}

func NewPublisher(broker string, clientId string, topicPrefix string) (mp *Publisher, err error) {
	addr, err := url.Parse(broker)
	if err != nil {
		err = errors.Wrapf(err, "invalid mqtt broker url %s", broker)
		return
	}

	if len(topicPrefix) == 0 {
		topicPrefix = defaultTopicPrefix
	}

	mp = &Publisher{
		topicPrefix: strings.TrimSuffix(topicPrefix, "/"),
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "MqttPublisher",
			Level:  log.GetLevel(),
		}),
	}

	mp.config = autopaho.ClientConfig{
		ServerUrls:            []*url.URL{addr},
		KeepAlive:             20,
		SessionExpiryInterval: 60,
		OnConnectionUp:        mp.onConnUp,
		OnConnectError:        mp.onConnError,
		ClientConfig: paho.ClientConfig{
			ClientID:           clientId,
			OnClientError:      mp.onConnError,
			OnServerDisconnect: mp.onSrvDisconnect,
		},
	}

	return
}
