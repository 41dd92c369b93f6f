package drivers

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/hubertat/sensorpi/store"
)

func TestInfluxPrepareQuery(t *testing.T) {
	is := &Influx{Bucket: "home"}

	want := `
from(bucket: "home")
|> range(start: -1m)
|> filter(fn: (r) => r["_measurement"] == "temperature")
|> limit(n: 1)
`
	if got := is.prepareQuery(); got != want {
		t.Errorf("got:\n%s\nwant:\n%s", got, want)
	}

	is.Measurement = "boiler"
	if got := is.prepareQuery(); got == want {
		t.Error("measurement override not applied")
	}
}

func TestInfluxPoint(t *testing.T) {
	is := &Influx{Tags: map[string]string{"location": "cellar"}}
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	point := is.point(store.Reading{Timestamp: ts, SensorID: 3, TemperatureC: 21.5, Serial: "28-0416718527ff"})

	if point.Name() != "temperature" {
		t.Errorf("got measurement %s", point.Name())
	}
	if !point.Time().Equal(ts) {
		t.Errorf("got time %v", point.Time())
	}

	tags := map[string]string{}
	for _, tag := range point.TagList() {
		tags[tag.Key] = tag.Value
	}
	if tags["sensor_id"] != "3" || tags["serial"] != "28-0416718527ff" || tags["location"] != "cellar" {
		t.Errorf("unexpected tags %v", tags)
	}

	fields := point.FieldList()
	if len(fields) != 1 || fields[0].Key != "temperature" || fields[0].Value != 21.5 {
		t.Errorf("unexpected fields %v", fields)
	}
}

func TestInfluxPublishNotReady(t *testing.T) {
	is := &Influx{}

	err := is.Publish(context.Background(), []store.Reading{{SensorID: 1, TemperatureC: 20}})
	if err == nil {
		t.Error("expected error publishing before setup")
	}
}

func TestInfluxPointKeepsReadingIdentity(t *testing.T) {
	is := &Influx{Tags: map[string]string{"sensor_id": "bogus", "serial": "bogus", "location": "cellar"}}

	for _, r := range []store.Reading{
		{SensorID: 7, TemperatureC: 20, Serial: "28-0416718527ff"},
		{SensorID: 8, TemperatureC: 20},
	} {
		tags := map[string]string{}
		for _, tag := range is.point(r).TagList() {
			tags[tag.Key] = tag.Value
		}

		if tags["sensor_id"] != strconv.FormatInt(r.SensorID, 10) {
			t.Errorf("sensor_id tag overridden: %v", tags)
		}
		if tags["serial"] != r.Serial {
			t.Errorf("serial tag overridden: %v", tags)
		}
		if tags["location"] != "cellar" {
			t.Errorf("configured tag lost: %v", tags)
		}
	}
}
