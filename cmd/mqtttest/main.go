package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/charmbracelet/log"

	"github.com/hubertat/sensorpi/mqtt"
)

const clientID = "sensorpi-watch" // Change this to something random if using a public test server

var (
	broker = flag.String("broker", "mqtt://localhost:1883", "mqtt broker url")
	topic  = flag.String("topic", "sensorpi", "topic prefix readings are published under")
)

func main() {
	flag.Parse()
	log.SetLevel(log.DebugLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	mw, err := mqtt.NewWatcher(*broker, clientID, *topic, func(topic string, msg mqtt.Message) {
		log.Info("reading", "topic", topic, "id", msg.SensorID, "celsius", msg.TemperatureC, "at", msg.Timestamp)
	})
	if err != nil {
		log.Error("failed to create mqtt watcher", "error", err)
		return
	}

	err = mw.Connect(ctx)
	if err != nil {
		log.Error("failed to connect to mqtt broker", "error", err)
		return
	}
	defer mw.Disconnect(context.Background())

	log.Info("mqtt watcher connected, waiting for readings", "topic", mqtt.SubscribeTopic(*topic))
	<-ctx.Done()
}
