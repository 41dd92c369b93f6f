// Package store is the persistence gateway: a SQLite database holding the
// sensor identity table and the append-only temperature log.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("record not found")

// SensorIdentity binds a hardware serial to its stable sensor id.
type SensorIdentity struct {
	SensorID     int64
	SerialID     string
	DiscoveredAt time.Time
}

// Reading is one logged temperature sample. Serial is informational only, it is
// filled from the identity table when reading back and never stored with the row.
type Reading struct {
	Timestamp    time.Time `json:"timestamp"`
	SensorID     int64     `json:"sensor_id"`
	TemperatureC float64   `json:"temperature_c"`
	Serial       string    `json:"serial,omitempty"`
}

type sensorRow struct {
	SensorID  int64     `gorm:"column:sensor_id;primaryKey;autoIncrement"`
	Timestamp time.Time `gorm:"column:timestamp;autoCreateTime"`
	SerialID  string    `gorm:"column:serial_id;uniqueIndex;not null"`
}

func (sensorRow) TableName() string {
	return "Sensor"
}

type temperatureRow struct {
	Timestamp time.Time `gorm:"column:timestamp;index"`
	Temp      float64   `gorm:"column:temp"`
	Sensor    int64     `gorm:"column:sensor;index"`
}

func (temperatureRow) TableName() string {
	return "Temperature"
}

type DB struct {
	gorm    *gorm.DB
	timeout time.Duration
}

type Option func(*DB)

// WithTimeout bounds every statement issued through the store.
func WithTimeout(timeout time.Duration) Option {
	return func(d *DB) {
		d.timeout = timeout
	}
}

func Open(path string, opts ...Option) (*DB, error) {
	gormDB, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open sqlite db %s", path)
	}

	d := &DB{gorm: gormDB}
	for _, opt := range opts {
		opt(d)
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get sql handle")
	}
	// single writer, sqlite serialises anyway
	sqlDB.SetMaxOpenConns(1)

	return d, nil
}

func (d *DB) Close() error {
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get sql handle")
	}
	return sqlDB.Close()
}

func (d *DB) withContext(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	if d.timeout > 0 {
		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		return d.gorm.WithContext(ctx), cancel
	}
	return d.gorm.WithContext(ctx), func() {}
}

// EnsureSchema creates both tables if they do not exist yet.
func (d *DB) EnsureSchema(ctx context.Context) error {
	tx, cancel := d.withContext(ctx)
	defer cancel()

	err := tx.AutoMigrate(&sensorRow{}, &temperatureRow{})
	if err != nil {
		return errors.Wrap(err, "failed to create schema")
	}
	return nil
}
