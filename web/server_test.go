package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubertat/sensorpi"
	"github.com/hubertat/sensorpi/store"
)

type fakeReadings struct {
	readings []store.Reading
	since    time.Time
}

func (fr *fakeReadings) Readings(ctx context.Context, since time.Time) ([]store.Reading, error) {
	fr.since = since
	return fr.readings, nil
}

func (fr *fakeReadings) MaxReading(ctx context.Context) (store.Reading, error) {
	if len(fr.readings) == 0 {
		return store.Reading{}, store.ErrNotFound
	}
	hottest := fr.readings[0]
	for _, r := range fr.readings {
		if r.TemperatureC > hottest.TemperatureC {
			hottest = r
		}
	}
	return hottest, nil
}

type fakeStatuses []sensorpi.SensorStatus

func (fs fakeStatuses) Snapshot() []sensorpi.SensorStatus {
	return fs
}

var now = time.Date(2026, 2, 21, 15, 0, 0, 0, time.UTC)

func newTestServer(readings *fakeReadings, statuses fakeStatuses) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "test"}))

	s := NewServer(":0", readings, statuses, reg)
	s.now = func() time.Time { return now }
	return s
}

func get(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func sample() *fakeReadings {
	return &fakeReadings{readings: []store.Reading{
		{Timestamp: now.Add(-time.Minute), SensorID: 1, Serial: "28-0416718527ff", TemperatureC: 20},
		{Timestamp: now.Add(-time.Minute), SensorID: 2, Serial: "28-031671cc7fff", TemperatureC: 100},
	}}
}

func TestChartPage(t *testing.T) {
	readings := sample()
	s := newTestServer(readings, nil)

	rec := get(t, s, "/?hours=2")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "T[0416718]")
	assert.Contains(t, rec.Body.String(), "Maximum Temperature")
	assert.True(t, readings.since.Equal(now.Add(-2*time.Hour)))
}

func TestChartPageWholeLog(t *testing.T) {
	readings := sample()
	s := newTestServer(readings, nil)

	rec := get(t, s, "/")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, readings.since.IsZero())
}

func TestChartPageEmpty(t *testing.T) {
	s := newTestServer(&fakeReadings{}, nil)

	rec := get(t, s, "/")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "No data found!")
}

func TestBadQuery(t *testing.T) {
	s := newTestServer(sample(), nil)

	for _, target := range []string{"/?unit=K", "/?hours=-1", "/api/readings?hours=abc", "/api/sensors?unit=x",
		"/api/readings?hours=NaN", "/api/readings?hours=Inf", "/?hours=-Inf", "/api/readings?hours=1e300", "/?hours=0"} {
		rec := get(t, s, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestReadingsFahrenheit(t *testing.T) {
	s := newTestServer(sample(), nil)

	rec := get(t, s, "/api/readings?unit=f")
	require.Equal(t, http.StatusOK, rec.Code)

	var response readingsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "F", response.Unit)
	require.Len(t, response.Readings, 2)
	assert.Equal(t, 68.0, response.Readings[0].Temperature)
	assert.Equal(t, 212.0, response.Readings[1].Temperature)
	assert.Equal(t, "T[031671c]", response.Readings[1].Label)
}

func TestSensors(t *testing.T) {
	statuses := fakeStatuses{
		{SensorID: 1, SerialID: "28-aaa", Label: "T[aaa]", Active: true, TemperatureC: 0, HasTemperature: true},
		{SensorID: 2, SerialID: "28-bbb", Label: "T[bbb]"},
	}
	s := newTestServer(sample(), statuses)

	rec := get(t, s, "/api/sensors?unit=F")
	require.Equal(t, http.StatusOK, rec.Code)

	var views []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)
	assert.Equal(t, 32.0, views[0]["temperature"])
	assert.Equal(t, true, views[0]["active"])
	_, hasTemperature := views[1]["temperature"]
	assert.False(t, hasTemperature)
}

func TestMetrics(t *testing.T) {
	s := newTestServer(sample(), nil)

	rec := get(t, s, "/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "test_counter"))
}

func TestLongWindowSince(t *testing.T) {
	readings := sample()
	s := newTestServer(readings, nil)

	rec := get(t, s, "/api/readings?hours=876000")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, now.Add(-876000*time.Hour), readings.since)

	rec = get(t, s, "/api/readings?hours=876001")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
