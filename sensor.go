package sensorpi

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/hubertat/sensorpi/drivers"
)

// DirtyThreshold is the swing in °C from the baseline a reading needs before
// it is considered worth logging.
const DirtyThreshold = 0.2

// exceedsThreshold compares in whole millidegrees, the probe resolution, so a
// swing of exactly DirtyThreshold is never pushed over by float rounding.
func exceedsThreshold(raw, baseline float64) bool {
	return math.Abs(math.Round((raw-baseline)*1000)) > math.Round(DirtyThreshold*1000)
}

type Unit int

const (
	Celsius Unit = iota
	Fahrenheit
)

func (u Unit) String() string {
	if u == Fahrenheit {
		return "F"
	}
	return "C"
}

func CelsiusToFahrenheit(celsius float64) float64 {
	return celsius*1.8 + 32.0
}

// SensorLabel is the short display label of a probe, T[0416718] for 28-0416718527ff.
func SensorLabel(serial string) string {
	if len(serial) < 10 {
		return fmt.Sprintf("T[%s]", serial)
	}
	return fmt.Sprintf("T[%s]", serial[3:10])
}

type SensorErrorKind int

const (
	IOFailure SensorErrorKind = iota + 1
	ParseFailure
)

func (k SensorErrorKind) String() string {
	switch k {
	case IOFailure:
		return "io"
	case ParseFailure:
		return "parse"
	default:
		return "unknown"
	}
}

type SensorError struct {
	Kind   SensorErrorKind
	Serial string
	Err    error
}

func (e *SensorError) Error() string {
	return fmt.Sprintf("sensor %s %s failure: %v", e.Serial, e.Kind, e.Err)
}

func (e *SensorError) Unwrap() error {
	return e.Err
}

func (e *SensorError) Cause() error {
	return e.Err
}

// Sensor is a single DS18B20 probe.
type Sensor struct {
	serialID string
	sensorID int64
	active   bool

	temperature    float64
	hasTemperature bool
	baseline       float64
	hasBaseline    bool
	dirty          bool
	lastRead       time.Time
}

// NewSensor returns an inactive sensor that has never been read.
func NewSensor(serialID string, sensorID int64) *Sensor {
	return &Sensor{
		serialID: serialID,
		sensorID: sensorID,
		dirty:    true,
	}
}

func (s *Sensor) SerialID() string {
	return s.serialID
}

func (s *Sensor) SensorID() int64 {
	return s.sensorID
}

func (s *Sensor) Label() string {
	return SensorLabel(s.serialID)
}

func (s *Sensor) Active() bool {
	return s.active
}

func (s *Sensor) setActive(active bool) {
	s.active = active
}

func (s *Sensor) Dirty() bool {
	return s.dirty
}

func (s *Sensor) Baseline() (float64, bool) {
	return s.baseline, s.hasBaseline
}

func (s *Sensor) LastRead() time.Time {
	return s.lastRead
}

// UpdateTemperature records a new reading and recomputes the dirty flag.
// A drift beyond the threshold moves the baseline to the new reading, so slow
// drift gets logged in steps instead of being compared to the first reading forever.
func (s *Sensor) UpdateTemperature(raw float64) {
	if !s.active {
		return
	}

	if !s.hasTemperature {
		s.dirty = true
		s.baseline = raw
		s.hasBaseline = true
	} else if exceedsThreshold(raw, s.baseline) {
		s.dirty = true
		s.baseline = raw
	} else {
		s.dirty = false
	}

	s.temperature = raw
	s.hasTemperature = true
}

func (s *Sensor) CurrentTemperature(unit Unit) (float64, bool) {
	if !s.hasTemperature {
		return 0, false
	}
	if unit == Fahrenheit {
		return CelsiusToFahrenheit(s.temperature), true
	}
	return s.temperature, true
}

// ReadFromHardware reads and parses the probe record and updates the temperature.
// Inactive sensors are not read and return ok == false.
func (s *Sensor) ReadFromHardware(ctx context.Context, bus drivers.Bus) (celsius float64, ok bool, err error) {
	if !s.active {
		return
	}

	raw, err := bus.ReadRaw(ctx, s.serialID)
	if err != nil {
		err = &SensorError{Kind: IOFailure, Serial: s.serialID, Err: err}
		return
	}

	millis, err := drivers.ParseW1Slave(raw)
	if err != nil {
		err = &SensorError{Kind: ParseFailure, Serial: s.serialID, Err: err}
		return
	}

	if checker, isChecker := bus.(drivers.BoundsChecker); isChecker {
		err = checker.CheckBounds(millis)
		if err != nil {
			err = &SensorError{Kind: ParseFailure, Serial: s.serialID, Err: err}
			return
		}
	}

	celsius = float64(millis) / 1000
	s.UpdateTemperature(celsius)
	s.lastRead = time.Now()
	ok = true
	return
}

// SensorStatus is a point-in-time copy of a sensor, safe to hand to other goroutines.
type SensorStatus struct {
	SensorID       int64     `json:"sensor_id"`
	SerialID       string    `json:"serial"`
	Label          string    `json:"label"`
	Active         bool      `json:"active"`
	Dirty          bool      `json:"dirty"`
	TemperatureC   float64   `json:"temperature_c"`
	HasTemperature bool      `json:"has_temperature"`
	LastRead       time.Time `json:"last_read"`
}

func (s *Sensor) Status() SensorStatus {
	return SensorStatus{
		SensorID:       s.sensorID,
		SerialID:       s.serialID,
		Label:          s.Label(),
		Active:         s.active,
		Dirty:          s.dirty,
		TemperatureC:   s.temperature,
		HasTemperature: s.hasTemperature,
		LastRead:       s.lastRead,
	}
}

func (ss SensorStatus) Temperature(unit Unit) (float64, bool) {
	if !ss.HasTemperature {
		return 0, false
	}
	if unit == Fahrenheit {
		return CelsiusToFahrenheit(ss.TemperatureC), true
	}
	return ss.TemperatureC, true
}
