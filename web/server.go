// Package web serves the temperature chart, a small JSON API and the
// prometheus metrics of the logger.
package web

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hubertat/sensorpi"
	"github.com/hubertat/sensorpi/chart"
	"github.com/hubertat/sensorpi/store"
)

const httpTimeoutsMs = 5000
const defaultTitle = "Raspberry Pi Temperature Logger"

// maxHours keeps the recency window well inside time.Duration.
const maxHours = 24 * 365 * 100

// ReadingSource is the read side of the reading log.
type ReadingSource interface {
	Readings(ctx context.Context, since time.Time) ([]store.Reading, error)
	MaxReading(ctx context.Context) (store.Reading, error)
}

type StatusSource interface {
	Snapshot() []sensorpi.SensorStatus
}

type Server struct {
	Title string

	readings ReadingSource
	statuses StatusSource
	gatherer prometheus.Gatherer
	server   *http.Server
	logger   *log.Logger
	now      func() time.Time
}

func NewServer(addr string, readings ReadingSource, statuses StatusSource, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		Title:    defaultTitle,
		readings: readings,
		statuses: statuses,
		gatherer: gatherer,
		now:      time.Now,
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix:          "Web",
			Level:           log.GetLevel(),
			ReportTimestamp: true,
		}),
	}

	httpTimeout := httpTimeoutsMs * time.Millisecond
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       httpTimeout,
		ReadHeaderTimeout: httpTimeout,
		WriteTimeout:      2 * httpTimeout,
		IdleTimeout:       2 * httpTimeout,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/", s.handleChart)
	router.GET("/api/sensors", s.handleSensors)
	router.GET("/api/readings", s.handleReadings)
	if s.gatherer != nil {
		router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return router
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "addr", s.server.Addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type query struct {
	unit  sensorpi.Unit
	hours float64
}

func parseQuery(r *http.Request) (q query, err error) {
	values := r.URL.Query()

	switch strings.ToUpper(values.Get("unit")) {
	case "", "C":
		q.unit = sensorpi.Celsius
	case "F":
		q.unit = sensorpi.Fahrenheit
	default:
		err = errors.Errorf("unknown unit %q, use C or F", values.Get("unit"))
		return
	}

	if hours := values.Get("hours"); len(hours) > 0 {
		q.hours, err = strconv.ParseFloat(hours, 64)
		if err != nil || math.IsNaN(q.hours) || math.IsInf(q.hours, 0) || q.hours <= 0 || q.hours > maxHours {
			err = errors.Errorf("invalid hours %q, expected a positive number up to %d", hours, maxHours)
			return
		}
	}

	return
}

func (s *Server) since(q query) time.Time {
	if q.hours <= 0 {
		return time.Time{}
	}
	return s.now().Add(-time.Duration(q.hours * float64(time.Hour)))
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q, err := parseQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	readings, err := s.readings.Readings(r.Context(), s.since(q))
	if err != nil {
		s.logger.Error("failed to load readings", "err", err)
		http.Error(w, "failed to load readings", http.StatusInternalServerError)
		return
	}

	page := chart.Page{
		Title: s.Title,
		Table: chart.BuildTable(readings, q.unit),
		Unit:  q.unit,
		Hours: q.hours,
	}

	hottest, err := s.readings.MaxReading(r.Context())
	if err == nil {
		page.Max = &hottest
	} else if !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("failed to load max reading", "err", err)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err = chart.Render(w, page)
	if err != nil {
		s.logger.Error("failed to render chart", "err", err)
	}
}

type sensorView struct {
	sensorpi.SensorStatus
	Temperature *float64 `json:"temperature,omitempty"`
	Unit        string   `json:"unit"`
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q, err := parseQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	views := []sensorView{}
	for _, status := range s.statuses.Snapshot() {
		view := sensorView{SensorStatus: status, Unit: q.unit.String()}
		if temperature, ok := status.Temperature(q.unit); ok {
			view.Temperature = &temperature
		}
		views = append(views, view)
	}

	s.writeJSON(w, views)
}

type readingView struct {
	Timestamp   time.Time `json:"timestamp"`
	SensorID    int64     `json:"sensor_id"`
	Serial      string    `json:"serial"`
	Label       string    `json:"label"`
	Temperature float64   `json:"temperature"`
}

type readingsResponse struct {
	Unit     string        `json:"unit"`
	Readings []readingView `json:"readings"`
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q, err := parseQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	readings, err := s.readings.Readings(r.Context(), s.since(q))
	if err != nil {
		s.logger.Error("failed to load readings", "err", err)
		http.Error(w, "failed to load readings", http.StatusInternalServerError)
		return
	}

	response := readingsResponse{Unit: q.unit.String(), Readings: make([]readingView, 0, len(readings))}
	for _, reading := range readings {
		temperature := reading.TemperatureC
		if q.unit == sensorpi.Fahrenheit {
			temperature = sensorpi.CelsiusToFahrenheit(temperature)
		}
		response.Readings = append(response.Readings, readingView{
			Timestamp:   reading.Timestamp,
			SensorID:    reading.SensorID,
			Serial:      reading.Serial,
			Label:       sensorpi.SensorLabel(reading.Serial),
			Temperature: temperature,
		})
	}

	s.writeJSON(w, response)
}

func (s *Server) writeJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(body)
	if err != nil {
		s.logger.Error("failed to encode response", "err", err)
	}
}
