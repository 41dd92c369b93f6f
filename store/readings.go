package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// AppendReadings writes the batch in a single transaction.
func (d *DB) AppendReadings(ctx context.Context, readings []Reading) error {
	if len(readings) == 0 {
		return nil
	}

	rows := make([]temperatureRow, 0, len(readings))
	for _, r := range readings {
		rows = append(rows, temperatureRow{
			Timestamp: r.Timestamp.UTC().Truncate(time.Second),
			Temp:      r.TemperatureC,
			Sensor:    r.SensorID,
		})
	}

	tx, cancel := d.withContext(ctx)
	defer cancel()

	err := tx.Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rows).Error
	})
	if err != nil {
		return errors.Wrapf(err, "failed to append %d readings", len(readings))
	}
	return nil
}

type joinedRow struct {
	Timestamp time.Time
	Temp      float64
	Sensor    int64
	SerialID  string
}

func (row joinedRow) reading() Reading {
	return Reading{
		Timestamp:    row.Timestamp,
		SensorID:     row.Sensor,
		TemperatureC: row.Temp,
		Serial:       row.SerialID,
	}
}

func (d *DB) joined(tx *gorm.DB) *gorm.DB {
	return tx.Table("Temperature").
		Select("Temperature.timestamp, Temperature.temp, Temperature.sensor, COALESCE(Sensor.serial_id, '') AS serial_id").
		Joins("LEFT JOIN Sensor ON Sensor.sensor_id = Temperature.sensor")
}

// Readings returns the log ordered by timestamp. A zero since returns everything.
func (d *DB) Readings(ctx context.Context, since time.Time) ([]Reading, error) {
	tx, cancel := d.withContext(ctx)
	defer cancel()

	query := d.joined(tx)
	if !since.IsZero() {
		query = query.Where("Temperature.timestamp > ?", since.UTC().Truncate(time.Second))
	}

	var rows []joinedRow
	err := query.Order("Temperature.timestamp, Temperature.sensor").Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to select readings")
	}

	readings := make([]Reading, 0, len(rows))
	for _, row := range rows {
		readings = append(readings, row.reading())
	}
	return readings, nil
}

// MaxReading returns the hottest reading ever logged.
func (d *DB) MaxReading(ctx context.Context) (Reading, error) {
	tx, cancel := d.withContext(ctx)
	defer cancel()

	var rows []joinedRow
	err := d.joined(tx).Order("Temperature.temp DESC, Temperature.timestamp").Limit(1).Scan(&rows).Error
	if err != nil {
		return Reading{}, errors.Wrap(err, "failed to select max reading")
	}
	if len(rows) == 0 {
		return Reading{}, ErrNotFound
	}
	return rows[0].reading(), nil
}

// LatestReadings returns the most recent reading of every sensor, ordered by sensor id.
func (d *DB) LatestReadings(ctx context.Context) ([]Reading, error) {
	tx, cancel := d.withContext(ctx)
	defer cancel()

	latest := tx.Table("Temperature").
		Select("sensor, MAX(timestamp) AS timestamp").
		Group("sensor")

	var rows []joinedRow
	err := d.joined(tx).
		Joins("JOIN (?) AS latest ON latest.sensor = Temperature.sensor AND latest.timestamp = Temperature.timestamp", latest).
		Order("Temperature.sensor").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to select latest readings")
	}

	readings := make([]Reading, 0, len(rows))
	for _, row := range rows {
		readings = append(readings, row.reading())
	}
	return readings, nil
}
