package mqtt

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/pkg/errors"
)

const subscribeTimeoutSeconds = 15

// MessageHandler is called for every reading received by a Watcher.
type MessageHandler func(topic string, msg Message)

// Watcher subscribes to everything below a topic prefix and decodes the
// readings a Publisher sends there.
type Watcher struct {
	config  autopaho.ClientConfig
	conn    *autopaho.ConnectionManager
	logger  *log.Logger
	topic   string
	handler MessageHandler
}

func DecodeMessage(payload []byte) (msg Message, err error) {
	err = json.Unmarshal(payload, &msg)
	if err != nil {
		err = errors.Wrap(err, "failed to decode reading message")
	}
	return
}

// SubscribeTopic is the wildcard subscription for a topic prefix.
func SubscribeTopic(topicPrefix string) string {
	if len(topicPrefix) == 0 {
		topicPrefix = defaultTopicPrefix
	}
	return strings.TrimSuffix(topicPrefix, "/") + "/#"
}

func (mw *Watcher) onConnUp(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
	mw.logger.Info("Connected to MQTT broker")

	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeoutSeconds*time.Second)
	defer cancel()

	_, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{QoS: 1, Topic: mw.topic}},
	})
	mw.logger.Debug("subscribed mqtt", "topic", mw.topic, "err", err)

	if err != nil {
		mw.logger.Error("Failed to subscribe to topic", "topic", mw.topic, "err", err)
	}
}

func (mw *Watcher) onConnError(err error) {
	mw.logger.Error("Received Mqtt connection error", "err", err)
}

func (mw *Watcher) onPublishRecv() []func(paho.PublishReceived) (bool, error) {
	return []func(paho.PublishReceived) (bool, error){
		func(pr paho.PublishReceived) (bool, error) {
			mw.receive(pr.Packet.Topic, pr.Packet.Payload)
			return true, nil
		},
	}
}

func (mw *Watcher) receive(topic string, payload []byte) {
	msg, err := DecodeMessage(payload)
	if err != nil {
		mw.logger.Warn("ignoring message", "topic", topic, "err", err)
		return
	}
	mw.handler(topic, msg)
}

func (mw *Watcher) Connect(ctx context.Context) (err error) {
	cm, err := autopaho.NewConnection(ctx, mw.config)
	if err != nil {
		return errors.Wrap(err, "failed to create mqtt connection")
	}
	mw.conn = cm

	awaitCtx, cancel := context.WithTimeout(ctx, connectionTimeoutSeconds*time.Second)
	defer cancel()

	err = cm.AwaitConnection(awaitCtx)
	if err != nil {
		return errors.Wrap(err, "mqtt broker not reachable")
	}
	return nil
}

func (mw *Watcher) Disconnect(ctx context.Context) error {
	if mw.conn == nil {
		return nil
	}
	return mw.conn.Disconnect(ctx)
}

func NewWatcher(broker string, clientId string, topicPrefix string, handler MessageHandler) (mw *Watcher, err error) {
	addr, err := url.Parse(broker)
	if err != nil {
		err = errors.Wrapf(err, "invalid mqtt broker url %s", broker)
		return
	}

	mw = &Watcher{
		topic:   SubscribeTopic(topicPrefix),
		handler: handler,
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "MqttWatcher",
			Level:  log.GetLevel(),
		}),
	}

	mw.config = autopaho.ClientConfig{
		ServerUrls:            []*url.URL{addr},
		KeepAlive:             20,
		SessionExpiryInterval: 60,
		OnConnectionUp:        mw.onConnUp,
		OnConnectError:        mw.onConnError,
		ClientConfig: paho.ClientConfig{
			ClientID:          clientId,
			OnClientError:     mw.onConnError,
			OnPublishReceived: mw.onPublishRecv(),
		},
	}

	return
}
