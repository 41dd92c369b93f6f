package store

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// InsertSensor registers a new serial and returns the id the database assigned.
// Ids come from an AUTOINCREMENT key and are never handed out twice.
func (d *DB) InsertSensor(ctx context.Context, serial string) (int64, error) {
	tx, cancel := d.withContext(ctx)
	defer cancel()

	row := sensorRow{SerialID: serial}
	err := tx.Create(&row).Error
	if err != nil {
		return 0, errors.Wrapf(err, "failed to insert sensor %s", serial)
	}

	return row.SensorID, nil
}

func (d *DB) FindSensorBySerial(ctx context.Context, serial string) (SensorIdentity, error) {
	tx, cancel := d.withContext(ctx)
	defer cancel()

	var row sensorRow
	err := tx.Where("serial_id = ?", serial).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SensorIdentity{}, errors.Wrapf(ErrNotFound, "sensor %s", serial)
	}
	if err != nil {
		return SensorIdentity{}, errors.Wrapf(err, "failed to select sensor %s", serial)
	}

	return row.identity(), nil
}

func (d *DB) AllSensors(ctx context.Context) ([]SensorIdentity, error) {
	tx, cancel := d.withContext(ctx)
	defer cancel()

	var rows []sensorRow
	err := tx.Order("sensor_id").Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to select sensors")
	}

	identities := make([]SensorIdentity, 0, len(rows))
	for _, row := range rows {
		identities = append(identities, row.identity())
	}
	return identities, nil
}

func (row sensorRow) identity() SensorIdentity {
	return SensorIdentity{
		SensorID:     row.SensorID,
		SerialID:     row.SerialID,
		DiscoveredAt: row.Timestamp,
	}
}
