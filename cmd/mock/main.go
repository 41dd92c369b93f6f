package main

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hubertat/sensorpi"
	"github.com/hubertat/sensorpi/drivers"
	"github.com/hubertat/sensorpi/web"
)

var (
	Version string
	Build   string
)

var mockProbes = map[string]float64{
	"28-0416718527ff": 21.0,
	"28-00000a1b2c3d": 19.5,
	"28-3c01d6078a11": 4.0,
}

// wander moves every probe by a small random step, now and then enough to
// cross the dirty threshold. A probe is unplugged and plugged back sometimes.
func wander(ctx context.Context, bus *drivers.MockBus, every time.Duration) {
	temperatures := make(map[string]float64)
	for serial, celsius := range mockProbes {
		temperatures[serial] = celsius
	}
	unplugged := ""

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for serial := range temperatures {
			if serial == unplugged {
				continue
			}
			temperatures[serial] += (rand.Float64() - 0.5) * 0.3
			bus.SetCelsius(serial, temperatures[serial])
		}

		switch {
		case unplugged != "" && rand.Intn(10) == 0:
			bus.Attach(unplugged, int(temperatures[unplugged]*1000))
			unplugged = ""
		case unplugged == "" && rand.Intn(50) == 0:
			unplugged = "28-3c01d6078a11"
			bus.Detach(unplugged)
		}
	}
}

func main() {
	log.Info("sensorpi started")
	log.Info("mock instance for testing purposes, should work on MacOs")
	log.SetLevel(log.DebugLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	dir, err := os.MkdirTemp("", "sensorpi-mock")
	if err != nil {
		log.Fatal("failed to create temp dir", "err", err)
	}
	defer os.RemoveAll(dir)

	bus := drivers.NewMockBus()
	for serial, celsius := range mockProbes {
		bus.Attach(serial, int(celsius*1000))
	}
	bus.MonitorChanges(os.Stdout)

	sp := &sensorpi.SensorPi{
		Name:              "SensorPi mock",
		DatabasePath:      filepath.Join(dir, "sensorlog.db"),
		LogLevel:          "debug",
		Interval:          "1s",
		LoggingThreshold:  "1m",
		DiscoveryInterval: "10s",
		HomeKit: &sensorpi.HomeKit{
			Pin:       "88008800",
			Directory: "./mock_homekit",
		},
	}
	sp.SetBus(bus)

	log.Info("will init sensors...")
	err = sp.Init(ctx, "mock: "+Version)
	defer sp.Close()
	if err != nil {
		log.Fatal("init failed", "err", err)
	}

	sp.PrintSensorStatus(os.Stdout)

	go wander(ctx, bus, 500*time.Millisecond)

	server := web.NewServer(sp.HttpAddr, sp.Store(), sp.Registry(), sp.Gatherer())
	go func() {
		log.Info("serving chart", "addr", sp.HttpAddr)
		err := server.ListenAndServe()
		if err != nil {
			log.Error("http server stopped", "err", err)
		}
	}()

	log.Info("starting mock with HomeKit service")
	err = sp.Run(ctx, "mock: "+Version)
	if err != nil {
		log.Error("sampling stopped", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
}
