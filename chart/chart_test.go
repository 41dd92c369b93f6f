package chart

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/hubertat/sensorpi"
	"github.com/hubertat/sensorpi/store"
)

func assertFloatPtr(t testing.TB, got *float64, want float64) {
	t.Helper()

	if got == nil {
		t.Errorf("got nil want %f", want)
		return
	}
	if *got != want {
		t.Errorf("got %f want %f", *got, want)
	}
}

var base = time.Date(2026, 2, 21, 14, 30, 0, 0, time.UTC)

func sampleReadings() []store.Reading {
	return []store.Reading{
		{Timestamp: base, SensorID: 1, Serial: "28-0416718527ff", TemperatureC: 20.0},
		{Timestamp: base, SensorID: 2, Serial: "28-031671cc7fff", TemperatureC: 21.0},
		{Timestamp: base.Add(5 * time.Second), SensorID: 2, Serial: "28-031671cc7fff", TemperatureC: 21.5},
		{Timestamp: base.Add(10 * time.Second), SensorID: 1, Serial: "28-0416718527ff", TemperatureC: 19.0},
	}
}

func TestBuildTableCarriesValuesForward(t *testing.T) {
	table := BuildTable(sampleReadings(), sensorpi.Celsius)

	if len(table.Columns) != 2 {
		t.Fatalf("expected 2 columns, got %d", len(table.Columns))
	}
	if table.Columns[0].Label != "T[0416718]" || table.Columns[1].Label != "T[031671c]" {
		t.Errorf("unexpected labels: %+v", table.Columns)
	}

	if len(table.Rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(table.Rows))
	}

	assertFloatPtr(t, table.Rows[0].Values[0], 20.0)
	assertFloatPtr(t, table.Rows[0].Values[1], 21.0)
	assertFloatPtr(t, table.Rows[1].Values[0], 20.0)
	assertFloatPtr(t, table.Rows[1].Values[1], 21.5)
	assertFloatPtr(t, table.Rows[2].Values[0], 19.0)
	assertFloatPtr(t, table.Rows[2].Values[1], 21.5)
}

func TestBuildTableLeavesGapBeforeFirstReading(t *testing.T) {
	readings := []store.Reading{
		{Timestamp: base, SensorID: 1, Serial: "28-aaaaaaaaaa", TemperatureC: 20.0},
		{Timestamp: base.Add(time.Second), SensorID: 2, Serial: "28-bbbbbbbbbb", TemperatureC: 22.0},
	}

	table := BuildTable(readings, sensorpi.Celsius)

	if table.Rows[0].Values[1] != nil {
		t.Errorf("expected nil for sensor without reading, got %f", *table.Rows[0].Values[1])
	}
}

func TestBuildTableFahrenheit(t *testing.T) {
	readings := []store.Reading{
		{Timestamp: base, SensorID: 1, Serial: "28-aaaaaaaaaa", TemperatureC: 0},
		{Timestamp: base.Add(time.Second), SensorID: 1, Serial: "28-aaaaaaaaaa", TemperatureC: 100},
	}

	table := BuildTable(readings, sensorpi.Fahrenheit)

	if table.Unit != "F" {
		t.Errorf("got unit %s want F", table.Unit)
	}
	assertFloatPtr(t, table.Rows[0].Values[0], 32.0)
	assertFloatPtr(t, table.Rows[1].Values[0], 212.0)
}

func TestBuildTableEmpty(t *testing.T) {
	table := BuildTable(nil, sensorpi.Celsius)

	if len(table.Rows) != 0 || len(table.Columns) != 0 {
		t.Errorf("expected empty table, got %+v", table)
	}
}

func TestDataTable(t *testing.T) {
	table := BuildTable(sampleReadings()[:2], sensorpi.Celsius)

	data := table.DataTable()
	if len(data) != 2 {
		t.Fatalf("expected header and one row, got %d", len(data))
	}

	header := data[0].([]interface{})
	if header[0] != "Time" || header[1] != "T[0416718]" {
		t.Errorf("unexpected header %v", header)
	}

	row := data[1].([]interface{})
	if row[1] != 20.0 || row[2] != 21.0 {
		t.Errorf("unexpected row %v", row)
	}
}

func TestRender(t *testing.T) {
	hottest := sampleReadings()[2]
	page := Page{
		Title: "Raspberry Pi Temperature Logger",
		Table: BuildTable(sampleReadings(), sensorpi.Celsius),
		Unit:  sensorpi.Celsius,
		Hours: 24,
		Max:   &hottest,
	}

	var buf bytes.Buffer
	if err := Render(&buf, page); err != nil {
		t.Fatalf("Render: %v", err)
	}
	html := buf.String()

	for _, want := range []string{"arrayToDataTable", "T[0416718]", "chart_div", "Maximum Temperature", "21.50°C", "unit=F"} {
		if !strings.Contains(html, want) {
			t.Errorf("rendered page missing %q", want)
		}
	}
}

func TestRenderWithoutData(t *testing.T) {
	var buf bytes.Buffer
	if err := Render(&buf, Page{Title: "empty", Unit: sensorpi.Fahrenheit}); err != nil {
		t.Fatalf("Render: %v", err)
	}

	if !strings.Contains(buf.String(), "No data found!") {
		t.Error("expected empty page notice")
	}
	if strings.Contains(buf.String(), "arrayToDataTable") {
		t.Error("chart script rendered without data")
	}
}
