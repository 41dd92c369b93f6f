// Package sensorpi logs one-wire temperature probes into a local SQLite
// database, writing a reading only when it moved or when the log went stale.
package sensorpi

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hubertat/sensorpi/drivers"
	"github.com/hubertat/sensorpi/mqtt"
	"github.com/hubertat/sensorpi/store"
)

const defaultDatabasePath = "sensorlog.db"
const defaultHttpAddr = ":8080"
const defaultStoreTimeout = 10 * time.Second
const connectionTimeout = 5 * time.Second

// SensorPi is the application: configuration is unmarshalled into the exported
// fields, then Init, Run and Close drive the lifecycle.
type SensorPi struct {
	Name         string
	DatabasePath string
	LogLevel     string
	HttpAddr     string

	Interval          string
	LoggingThreshold  string
	DiscoveryInterval string
	ReadTimeout       string

	Wire    *drivers.Wire
	Influx  *drivers.Influx
	HomeKit *HomeKit

	MqttBroker string
	MqttTopic  string

	bus           drivers.Bus
	db            *store.DB
	registry      *Registry
	loop          *SamplingLoop
	metrics       *Metrics
	promRegistry  *prometheus.Registry
	mqttPublisher *mqtt.Publisher
	logger        *log.Logger
}

// SetBus overrides the one-wire bus, the sysfs Wire bus is used otherwise.
func (sp *SensorPi) SetBus(bus drivers.Bus) {
	sp.bus = bus
}

func parseDuration(name, value string, fallback time.Duration) (time.Duration, error) {
	if len(strings.TrimSpace(value)) == 0 {
		return fallback, nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s duration %q", name, value)
	}
	if duration < 0 {
		return 0, errors.Errorf("invalid %s duration %q, must not be negative", name, value)
	}
	return duration, nil
}

func (sp *SensorPi) loopConfig() (config LoopConfig, readTimeout time.Duration, err error) {
	config.Interval, err = parseDuration("interval", sp.Interval, DefaultInterval)
	if err != nil {
		return
	}
	config.LoggingThreshold, err = parseDuration("logging threshold", sp.LoggingThreshold, DefaultLoggingThreshold)
	if err != nil {
		return
	}
	config.DiscoveryInterval, err = parseDuration("discovery interval", sp.DiscoveryInterval, DefaultDiscoveryInterval)
	if err != nil {
		return
	}
	readTimeout, err = parseDuration("read timeout", sp.ReadTimeout, defaultReadTimeout)
	return
}

func (sp *SensorPi) applyDefaults() error {
	if len(sp.LogLevel) > 0 {
		level, err := log.ParseLevel(sp.LogLevel)
		if err != nil {
			return errors.Wrapf(err, "invalid log level %s", sp.LogLevel)
		}
		log.SetLevel(level)
	}
	if len(sp.DatabasePath) == 0 {
		sp.DatabasePath = defaultDatabasePath
	}
	if len(sp.HttpAddr) == 0 {
		sp.HttpAddr = defaultHttpAddr
	}
	if len(sp.Name) == 0 {
		sp.Name = homeKitBridgeName
	}
	if sp.bus == nil {
		if sp.Wire == nil {
			sp.Wire = &drivers.Wire{}
		}
		sp.bus = sp.Wire
	}
	return nil
}

// Init opens the database, registers the sensors and prepares the sampling
// loop with its mirrors. Mirrors that fail to set up are skipped.
func (sp *SensorPi) Init(ctx context.Context, firmwareVersion string) error {
	err := sp.applyDefaults()
	if err != nil {
		return err
	}

	sp.logger = log.NewWithOptions(os.Stderr, log.Options{
		Prefix:          "SensorPi",
		Level:           log.GetLevel(),
		ReportTimestamp: true,
	})

	loopConfig, readTimeout, err := sp.loopConfig()
	if err != nil {
		return err
	}

	sp.promRegistry = prometheus.NewRegistry()
	sp.promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sp.metrics = NewMetrics(sp.promRegistry)

	sp.db, err = store.Open(sp.DatabasePath, store.WithTimeout(defaultStoreTimeout))
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	sp.logger.Info("database opened", "path", sp.DatabasePath)

	sp.registry = NewRegistry(sp.bus, sp.db, readTimeout, sp.metrics)
	err = sp.registry.Init(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to init sensor registry")
	}

	sp.loop = NewSamplingLoop(sp.registry, sp.db, loopConfig, sp.metrics)

	if sp.Influx != nil {
		err = sp.Influx.Setup(ctx)
		if err != nil {
			sp.logger.Error("influx mirror disabled", "err", err)
		} else {
			sp.loop.AddSink(sp.Influx)
		}
	}

	if len(sp.MqttBroker) > 0 {
		err = sp.initMqtt(ctx)
		if err != nil {
			sp.logger.Error("mqtt mirror disabled", "err", err)
		} else {
			sp.loop.AddSink(sp.mqttPublisher)
		}
	}

	if sp.HomeKit != nil {
		if len(sp.HomeKit.Name) == 0 {
			sp.HomeKit.Name = sp.Name
		}
		sp.HomeKit.Setup(sp.registry.Snapshot(), firmwareVersion)
		sp.loop.AddObserver(sp.HomeKit)
	}

	return nil
}

func (sp *SensorPi) initMqtt(ctx context.Context) (err error) {
	mp, err := mqtt.NewPublisher(sp.MqttBroker, sp.Name, sp.MqttTopic)
	if err != nil {
		return errors.Wrap(err, "failed to create mqtt publisher")
	}

	err = mp.Connect(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to connect to mqtt broker")
	}

	sp.mqttPublisher = mp
	return nil
}

// Run samples until ctx is cancelled. The HomeKit bridge, when configured,
// runs alongside and stops with ctx.
func (sp *SensorPi) Run(ctx context.Context, firmwareVersion string) error {
	if sp.loop == nil {
		return errors.New("SensorPi not initialised")
	}

	if sp.HomeKit != nil && len(sp.HomeKit.Pin) == 8 {
		go func() {
			err := sp.HomeKit.ListenAndServe(ctx, firmwareVersion)
			if err != nil && ctx.Err() == nil {
				sp.logger.Error("HomeKit bridge stopped", "err", err)
			}
		}()
	}

	return sp.loop.Run(ctx)
}

func (sp *SensorPi) Close() (err error) {
	if sp.Influx != nil {
		closeErr := sp.Influx.Close()
		if closeErr != nil {
			err = errors.Wrap(closeErr, "failed to close influx")
		}
	}

	if sp.mqttPublisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
		closeErr := sp.mqttPublisher.Disconnect(ctx)
		cancel()
		if closeErr != nil {
			err = errors.Wrap(closeErr, "failed to disconnect mqtt")
		}
	}

	if sp.db != nil {
		closeErr := sp.db.Close()
		if closeErr != nil {
			err = errors.Wrap(closeErr, "failed to close database")
		}
	}

	return
}

func (sp *SensorPi) Store() *store.DB {
	return sp.db
}

func (sp *SensorPi) Registry() *Registry {
	return sp.registry
}

func (sp *SensorPi) Loop() *SamplingLoop {
	return sp.loop
}

func (sp *SensorPi) Gatherer() prometheus.Gatherer {
	return sp.promRegistry
}

func (sp *SensorPi) PrintSensorStatus(writer io.Writer) {
	fmt.Fprintln(writer)
	fmt.Fprintf(writer, "=== sensors on %s bus ===\n", sp.bus.Name())
	for _, status := range sp.registry.Snapshot() {
		state := "inactive"
		if status.Active {
			state = "active"
		}
		fmt.Fprintf(writer, "| [%d] %s %s %s\n", status.SensorID, status.SerialID, status.Label, state)
	}
	fmt.Fprintln(writer, "-----------------------------")
	fmt.Fprintln(writer)
}
