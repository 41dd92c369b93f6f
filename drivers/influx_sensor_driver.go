package drivers

import (
	"context"
	"fmt"
	"strconv"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/pkg/errors"

	"github.com/hubertat/sensorpi/store"
)

const influxSinkName string = "influx"
const defaultInfluxMeasurement string = "temperature"

// Influx mirrors persisted readings into an InfluxDB v2 bucket.
type Influx struct {
	Host         string
	Organization string
	Bucket       string
	Measurement  string
	Token        string

	Tags map[string]string

	client influxdb2.Client
	ready  bool
}

func (is *Influx) Name() string {
	return influxSinkName
}

func (is *Influx) IsReady() bool {
	return is.ready
}

func (is *Influx) measurement() string {
	if len(is.Measurement) > 0 {
		return is.Measurement
	}
	return defaultInfluxMeasurement
}

// Setup connects and runs a probe query to make sure the bucket is reachable.
func (is *Influx) Setup(ctx context.Context) error {
	is.client = influxdb2.NewClient(is.Host, is.Token)
	queryApi := is.client.QueryAPI(is.Organization)

	result, err := queryApi.Query(ctx, is.prepareQuery())
	if err != nil {
		is.client.Close()
		return errors.Wrapf(err, "failed to init Influx sink, query:\n%s\n", is.prepareQuery())
	}
	result.Close()

	is.ready = true
	return nil
}

func (is *Influx) Close() error {
	if is.client != nil {
		is.client.Close()
	}
	is.ready = false
	return nil
}

func (is *Influx) Publish(ctx context.Context, readings []store.Reading) error {
	if !is.ready {
		return errors.New("Influx sink not set up")
	}

	points := make([]*write.Point, 0, len(readings))
	for _, r := range readings {
		points = append(points, is.point(r))
	}

	writeApi := is.client.WriteAPIBlocking(is.Organization, is.Bucket)
	err := writeApi.WritePoint(ctx, points...)
	if err != nil {
		return errors.Wrapf(err, "failed to write %d points to influx bucket %s", len(points), is.Bucket)
	}

	return nil
}

func (is *Influx) point(r store.Reading) *write.Point {
	tags := map[string]string{}
	for name, val := range is.Tags {
		tags[name] = val
	}
	// reading identity wins over configured tags of the same name
	tags["sensor_id"] = strconv.FormatInt(r.SensorID, 10)
	if len(r.Serial) > 0 {
		tags["serial"] = r.Serial
	} else {
		delete(tags, "serial")
	}

	return influxdb2.NewPoint(
		is.measurement(),
		tags,
		map[string]interface{}{"temperature": r.TemperatureC},
		r.Timestamp,
	)
}

func (is *Influx) prepareQuery() string {
	return fmt.Sprintf(`
from(bucket: "%s")
|> range(start: -1m)
|> filter(fn: (r) => r["_measurement"] == "%s")
|> limit(n: 1)
`, is.Bucket, is.measurement())
}
