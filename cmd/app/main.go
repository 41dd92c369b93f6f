package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hubertat/servicemaker"

	"github.com/hubertat/sensorpi"
	"github.com/hubertat/sensorpi/web"
)

const shutdownTimeout = 5 * time.Second

var (
	Version string
	Build   string

	config       = flag.String("config", "config.json", "path of the configuration file")
	flagInstall  = flag.Bool("install", false, "Install service in os")
	databasePath = flag.String("db", "", "path of the sqlite database, overrides config")
	interval     = flag.String("interval", "", "sampling interval (time.Duration), overrides config")

	sensorPiService = servicemaker.ServiceMaker{
		User:               "sensorpi",
		UserGroups:         []string{"gpio"},
		ServicePath:        "/etc/systemd/system/sensorpi.service",
		ServiceDescription: "SensorPi service: one-wire temperature logger with web chart. github.com/hubertat/sensorpi",
		ExecDir:            "/srv/sensorpi",
		ExecName:           "sensorpi",
	}
)

func readConfig(path string, sp *sensorpi.SensorPi) error {
	configFile, err := os.Open(path)
	if err != nil {
		return err
	}
	defer configFile.Close()

	cBuff, err := io.ReadAll(configFile)
	if err != nil {
		return err
	}

	return json.Unmarshal(cBuff, sp)
}

func main() {
	log.Infof("sensorpi %s (%s) started", Version, Build)
	flag.Parse()

	if *flagInstall {
		err := sensorPiService.InstallService()
		if err != nil {
			log.Fatal("service install failed", "err", err)
		}
		log.Info("service installed!")
		return
	}

	sp := &sensorpi.SensorPi{}
	err := readConfig(*config, sp)
	if os.IsNotExist(err) {
		log.Warn("config file not found, running with defaults", "path", *config)
	} else if err != nil {
		log.Fatal("failed reading config file", "path", *config, "err", err)
	}

	if len(*databasePath) > 0 {
		sp.DatabasePath = *databasePath
	}
	if len(*interval) > 0 {
		sp.Interval = *interval
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("will init sensors...")
	err = sp.Init(ctx, Version)
	defer sp.Close()
	if err != nil {
		log.Fatal("init failed", "err", err)
	}

	sp.PrintSensorStatus(os.Stdout)

	server := web.NewServer(sp.HttpAddr, sp.Store(), sp.Registry(), sp.Gatherer())
	go func() {
		log.Info("serving chart", "addr", sp.HttpAddr)
		err := server.ListenAndServe()
		if err != nil {
			log.Error("http server stopped", "err", err)
			stop()
		}
	}()

	err = sp.Run(ctx, Version)
	if err != nil {
		log.Error("sampling stopped", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = server.Shutdown(shutdownCtx)
	if err != nil {
		log.Error("http server shutdown failed", "err", err)
	}

	log.Info("sensorpi stopped")
}
