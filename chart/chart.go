// Package chart turns the reading log into a time-by-sensor table and renders
// it as a Google Charts line chart.
package chart

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/hubertat/sensorpi"
	"github.com/hubertat/sensorpi/store"
)

const timeLayout = "2006-01-02 15:04:05"

type Column struct {
	SensorID int64  `json:"sensor_id"`
	Serial   string `json:"serial"`
	Label    string `json:"label"`
}

// Row holds one value per column; nil until the sensor logged its first reading.
type Row struct {
	Time   time.Time  `json:"time"`
	Values []*float64 `json:"values"`
}

type Table struct {
	Unit    string   `json:"unit"`
	Columns []Column `json:"columns"`
	Rows    []Row    `json:"rows"`
}

func convert(celsius float64, unit sensorpi.Unit) float64 {
	if unit == sensorpi.Fahrenheit {
		return sensorpi.CelsiusToFahrenheit(celsius)
	}
	return celsius
}

// BuildTable groups readings sharing a timestamp into one row. Sensors not
// written at that timestamp repeat their previous value, since only changed
// readings are logged. Readings must be ordered by timestamp.
func BuildTable(readings []store.Reading, unit sensorpi.Unit) Table {
	table := Table{Unit: unit.String(), Columns: []Column{}, Rows: []Row{}}

	index := make(map[int64]int)
	for _, r := range readings {
		if _, seen := index[r.SensorID]; seen {
			continue
		}
		index[r.SensorID] = len(table.Columns)
		table.Columns = append(table.Columns, Column{
			SensorID: r.SensorID,
			Serial:   r.Serial,
			Label:    sensorpi.SensorLabel(r.Serial),
		})
	}

	current := make([]*float64, len(table.Columns))
	for i, r := range readings {
		value := convert(r.TemperatureC, unit)
		current[index[r.SensorID]] = &value

		last := i == len(readings)-1
		if last || !readings[i+1].Timestamp.Equal(r.Timestamp) {
			values := make([]*float64, len(current))
			copy(values, current)
			table.Rows = append(table.Rows, Row{Time: r.Timestamp, Values: values})
		}
	}

	return table
}

// DataTable returns the arrayToDataTable input: a header row followed by one
// row per timestamp.
func (t Table) DataTable() []interface{} {
	header := []interface{}{"Time"}
	for _, column := range t.Columns {
		header = append(header, column.Label)
	}

	data := []interface{}{header}
	for _, row := range t.Rows {
		line := []interface{}{row.Time.Local().Format(timeLayout)}
		for _, value := range row.Values {
			if value == nil {
				line = append(line, nil)
			} else {
				line = append(line, *value)
			}
		}
		data = append(data, line)
	}

	return data
}

func (t Table) DataTableJSON() ([]byte, error) {
	encoded, err := json.Marshal(t.DataTable())
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode chart data")
	}
	return encoded, nil
}
