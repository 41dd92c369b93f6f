package sensorpi

import (
	"context"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/hubertat/sensorpi/store"
)

const (
	DefaultInterval          = 5 * time.Second
	DefaultLoggingThreshold  = 10 * time.Minute
	DefaultDiscoveryInterval = time.Minute
	defaultSinkTimeout       = 4 * time.Second
)

// ReadingStore is the append-only reading log.
type ReadingStore interface {
	AppendReadings(ctx context.Context, readings []store.Reading) error
}

// ReadingSink receives every persisted batch, e.g. an influx or mqtt mirror.
type ReadingSink interface {
	Name() string
	Publish(ctx context.Context, readings []store.Reading) error
}

// StatusObserver is told about sensor states after every read.
type StatusObserver interface {
	Observe(statuses []SensorStatus)
}

type LoopConfig struct {
	Interval         time.Duration
	LoggingThreshold time.Duration
	// DiscoveryInterval of 0 disables bus rescans after startup.
	DiscoveryInterval time.Duration

	Now func() time.Time
}

// SamplingLoop runs read, evaluate and persist cycles on a fixed cadence.
// Cycles never overlap.
type SamplingLoop struct {
	registry  *Registry
	readings  ReadingStore
	sinks     []ReadingSink
	observers []StatusObserver
	metrics   *Metrics
	logger    *log.Logger

	interval          time.Duration
	loggingThreshold  time.Duration
	discoveryInterval time.Duration
	now               func() time.Time

	lastPersist   time.Time
	lastTickStart time.Time
	lastDiscovery time.Time
}

func NewSamplingLoop(registry *Registry, readings ReadingStore, config LoopConfig, metrics *Metrics) *SamplingLoop {
	sl := &SamplingLoop{
		registry:          registry,
		readings:          readings,
		metrics:           metrics,
		interval:          config.Interval,
		loggingThreshold:  config.LoggingThreshold,
		discoveryInterval: config.DiscoveryInterval,
		now:               config.Now,
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix:          "Sampling",
			Level:           log.GetLevel(),
			ReportTimestamp: true,
		}),
	}

	if sl.interval <= 0 {
		sl.interval = DefaultInterval
	}
	if sl.loggingThreshold <= 0 {
		sl.loggingThreshold = DefaultLoggingThreshold
	}
	if sl.now == nil {
		sl.now = time.Now
	}

	start := sl.now()
	sl.lastPersist = start
	sl.lastDiscovery = start

	return sl
}

func (sl *SamplingLoop) AddSink(sink ReadingSink) {
	sl.sinks = append(sl.sinks, sink)
}

func (sl *SamplingLoop) AddObserver(observer StatusObserver) {
	sl.observers = append(sl.observers, observer)
}

// LastPersist is when a batch was last written, or when the loop was created.
func (sl *SamplingLoop) LastPersist() time.Time {
	return sl.lastPersist
}

// Cycle reads every active sensor and persists the dirty ones as one batch,
// or all of them when nothing was written for longer than the logging threshold.
func (sl *SamplingLoop) Cycle(ctx context.Context) ([]store.Reading, error) {
	started := sl.now()
	defer func() {
		sl.metrics.cycleDone(sl.now().Sub(started))
	}()

	if sl.discoveryInterval > 0 && started.Sub(sl.lastDiscovery) >= sl.discoveryInterval {
		sl.lastDiscovery = started
		err := sl.registry.Rediscover(ctx)
		if err != nil {
			sl.logger.Error("rediscovery failed", "err", err)
		}
	}

	read, failures := sl.registry.ReadAll(ctx)
	if failures > 0 {
		sl.logger.Warn("some sensors failed to read", "failed", failures, "read", len(read))
	}

	statuses := sl.registry.Snapshot()
	for _, observer := range sl.observers {
		observer.Observe(statuses)
	}

	now := sl.now()
	forceLogging := now.Sub(sl.lastPersist) > sl.loggingThreshold

	batch := []store.Reading{}
	for _, sensor := range read {
		if !sensor.Active() {
			continue
		}
		if !sensor.Dirty() && !forceLogging {
			continue
		}
		celsius, ok := sensor.CurrentTemperature(Celsius)
		if !ok {
			continue
		}
		batch = append(batch, store.Reading{
			Timestamp:    now,
			SensorID:     sensor.SensorID(),
			TemperatureC: celsius,
			Serial:       sensor.SerialID(),
		})
	}

	if len(batch) == 0 {
		return batch, nil
	}

	err := sl.readings.AppendReadings(ctx, batch)
	if err != nil {
		sl.metrics.persistFailed()
		return nil, errors.Wrapf(err, "failed to persist batch of %d readings", len(batch))
	}

	sl.lastPersist = now
	sl.metrics.readingsPersisted(len(batch))
	sl.logger.Info("readings logged", "count", len(batch), "forced", forceLogging)

	sl.publish(ctx, batch)

	return batch, nil
}

func (sl *SamplingLoop) publish(ctx context.Context, batch []store.Reading) {
	for _, sink := range sl.sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, defaultSinkTimeout)
		err := sink.Publish(sinkCtx, batch)
		cancel()
		if err != nil {
			sl.metrics.sinkFailed(sink.Name())
			sl.logger.Warn("failed to mirror readings", "sink", sink.Name(), "err", err)
		}
	}
}

// NextDelay returns how long to sleep before the next cycle. Time spent in the
// cycle is taken off the interval so the cadence follows the wall clock.
func (sl *SamplingLoop) NextDelay(now time.Time) time.Duration {
	if sl.lastTickStart.IsZero() {
		return sl.interval
	}

	delay := sl.interval - now.Sub(sl.lastTickStart)
	if delay < 0 {
		return 0
	}
	if delay > sl.interval {
		return sl.interval
	}
	return delay
}

// Run cycles until ctx is cancelled. A failed cycle is logged; the next
// scheduled cycle is the retry.
func (sl *SamplingLoop) Run(ctx context.Context) error {
	sl.logger.Info("sampling started", "interval", sl.interval, "logging_threshold", sl.loggingThreshold)

	for {
		_, err := sl.Cycle(ctx)
		if err != nil {
			sl.logger.Error("sampling cycle failed", "err", err)
		}

		timer := time.NewTimer(sl.NextDelay(sl.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			sl.logger.Info("sampling stopped")
			return nil
		case <-timer.C:
		}
		sl.lastTickStart = sl.now()
	}
}
