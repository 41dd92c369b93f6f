package sensorpi

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/hubertat/sensorpi/drivers"
	"github.com/hubertat/sensorpi/store"
)

const defaultReadTimeout = 2 * time.Second

// IdentityStore persists the serial to sensor id mapping.
type IdentityStore interface {
	EnsureSchema(ctx context.Context) error
	InsertSensor(ctx context.Context, serial string) (int64, error)
	FindSensorBySerial(ctx context.Context, serial string) (store.SensorIdentity, error)
	AllSensors(ctx context.Context) ([]store.SensorIdentity, error)
}

type DiscoveryError struct {
	Bus string
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery on %s bus failed: %v", e.Bus, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Registry owns every sensor ever seen, keyed by sensor id and serial.
// It is driven by a single goroutine; only the published snapshot is shared.
type Registry struct {
	bus         drivers.Bus
	identities  IdentityStore
	readTimeout time.Duration
	metrics     *Metrics
	logger      *log.Logger

	byID     map[int64]*Sensor
	bySerial map[string]*Sensor
	ordered  []*Sensor

	lock     sync.RWMutex
	snapshot []SensorStatus
}

func NewRegistry(bus drivers.Bus, identities IdentityStore, readTimeout time.Duration, metrics *Metrics) *Registry {
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}

	return &Registry{
		bus:         bus,
		identities:  identities,
		readTimeout: readTimeout,
		metrics:     metrics,
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix:          "Registry",
			Level:           log.GetLevel(),
			ReportTimestamp: true,
		}),
		byID:     make(map[int64]*Sensor),
		bySerial: make(map[string]*Sensor),
	}
}

// Init brings the registry up: schema, known sensors, then the current bus scan.
// Known sensors are loaded first so a probe keeps its id across restarts and
// new probes are appended rather than renumbered.
func (r *Registry) Init(ctx context.Context) error {
	err := r.identities.EnsureSchema(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to ensure identity schema")
	}

	err = r.LoadKnownFromStore(ctx)
	if err != nil {
		return err
	}

	err = r.Rediscover(ctx)
	if err != nil {
		r.logger.Error("not every discovered sensor was registered, will retry on next discovery", "err", err)
	}

	return nil
}

// LoadKnownFromStore rehydrates every registered sensor as inactive.
func (r *Registry) LoadKnownFromStore(ctx context.Context) error {
	identities, err := r.identities.AllSensors(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load known sensors")
	}

	for _, identity := range identities {
		if _, known := r.byID[identity.SensorID]; known {
			continue
		}
		r.add(NewSensor(identity.SerialID, identity.SensorID))
	}
	r.logger.Info("loaded known sensors", "count", len(identities))
	r.publish()

	return nil
}

func (r *Registry) DiscoverHardwareAddresses() ([]string, error) {
	addresses, err := r.bus.Discover()
	if err != nil {
		return nil, &DiscoveryError{Bus: r.bus.Name(), Err: err}
	}

	seen := make(map[string]bool)
	unique := []string{}
	for _, address := range addresses {
		address = strings.TrimSpace(address)
		if len(address) == 0 || seen[address] {
			continue
		}
		seen[address] = true
		unique = append(unique, address)
	}
	sort.Strings(unique)

	return unique, nil
}

// Rediscover scans the bus and reconciles the result. A failed scan counts as
// an empty bus.
func (r *Registry) Rediscover(ctx context.Context) error {
	addresses, err := r.DiscoverHardwareAddresses()
	if err != nil {
		r.logger.Warn("no sensors found", "err", err)
		addresses = nil
	}

	return r.Reconcile(ctx, addresses)
}

// Reconcile activates the sensors present in addresses, registers new ones and
// deactivates the ones missing. Sensors are never removed. Identity store
// failures are returned after every address was processed.
func (r *Registry) Reconcile(ctx context.Context, addresses []string) error {
	present := make(map[string]bool)
	var failures []string

	for _, address := range addresses {
		present[address] = true

		sensor, known := r.bySerial[address]
		if known {
			if !sensor.Active() {
				r.logger.Info("sensor present on bus", "serial", address, "id", sensor.SensorID())
			}
			sensor.setActive(true)
			continue
		}

		sensor, err := r.register(ctx, address)
		if err != nil {
			r.logger.Error("failed to register sensor", "serial", address, "err", err)
			failures = append(failures, err.Error())
			continue
		}
		sensor.setActive(true)
	}

	for _, sensor := range r.ordered {
		if sensor.Active() && !present[sensor.SerialID()] {
			r.logger.Warn("sensor missing from bus", "serial", sensor.SerialID(), "id", sensor.SensorID())
			sensor.setActive(false)
		}
	}

	r.publish()

	if len(failures) > 0 {
		return errors.Errorf("failed to register %d sensor(s):\n%s", len(failures), strings.Join(failures, "\n"))
	}
	return nil
}

func (r *Registry) register(ctx context.Context, serial string) (*Sensor, error) {
	id, err := r.identities.InsertSensor(ctx, serial)
	if err != nil {
		identity, findErr := r.identities.FindSensorBySerial(ctx, serial)
		if findErr != nil {
			return nil, errors.Wrapf(err, "failed to store new sensor %s", serial)
		}
		r.logger.Warn("sensor already registered, adopting stored id", "serial", serial, "id", identity.SensorID)
		id = identity.SensorID
	} else {
		r.logger.Info("new sensor registered", "serial", serial, "id", id)
	}

	sensor := NewSensor(serial, id)
	r.add(sensor)
	return sensor, nil
}

func (r *Registry) add(sensor *Sensor) {
	r.byID[sensor.SensorID()] = sensor
	r.bySerial[sensor.SerialID()] = sensor
	r.ordered = append(r.ordered, sensor)
	sort.Slice(r.ordered, func(i, j int) bool {
		return r.ordered[i].SensorID() < r.ordered[j].SensorID()
	})
}

// ReadAll reads every active sensor. A failing probe is logged and skipped so
// it cannot hold back the others; the sensors read successfully are returned.
func (r *Registry) ReadAll(ctx context.Context) (read []*Sensor, failures int) {
	for _, sensor := range r.ordered {
		if !sensor.Active() {
			continue
		}

		readCtx, cancel := context.WithTimeout(ctx, r.readTimeout)
		celsius, ok, err := sensor.ReadFromHardware(readCtx, r.bus)
		cancel()

		if err != nil {
			failures++
			kind := "unknown"
			var sensorErr *SensorError
			if errors.As(err, &sensorErr) {
				kind = sensorErr.Kind.String()
			}
			r.metrics.readFailed(sensor.SerialID(), kind)
			r.logger.Warn("failed to read sensor", "serial", sensor.SerialID(), "id", sensor.SensorID(), "err", err)
			continue
		}
		if ok {
			r.logger.Debug("sensor read", "id", sensor.SensorID(), "celsius", celsius, "dirty", sensor.Dirty())
			read = append(read, sensor)
		}
	}

	r.publish()
	return
}

func (r *Registry) LookupBySensorID(id int64) (*Sensor, bool) {
	sensor, found := r.byID[id]
	return sensor, found
}

func (r *Registry) LookupBySerial(serial string) (*Sensor, bool) {
	sensor, found := r.bySerial[serial]
	return sensor, found
}

// Sensors returns all known sensors ordered by id.
func (r *Registry) Sensors() []*Sensor {
	sensors := make([]*Sensor, len(r.ordered))
	copy(sensors, r.ordered)
	return sensors
}

func (r *Registry) ActiveSensors() (active []*Sensor) {
	for _, sensor := range r.ordered {
		if sensor.Active() {
			active = append(active, sensor)
		}
	}
	return
}

func (r *Registry) publish() {
	statuses := make([]SensorStatus, 0, len(r.ordered))
	for _, sensor := range r.ordered {
		statuses = append(statuses, sensor.Status())
	}
	r.metrics.observeSensors(statuses)

	r.lock.Lock()
	r.snapshot = statuses
	r.lock.Unlock()
}

// Snapshot returns the sensor states as of the last registry update.
// It is safe to call from any goroutine.
func (r *Registry) Snapshot() []SensorStatus {
	r.lock.RLock()
	defer r.lock.RUnlock()

	statuses := make([]SensorStatus, len(r.snapshot))
	copy(statuses, r.snapshot)
	return statuses
}
