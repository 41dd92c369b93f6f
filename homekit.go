package sensorpi

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	dnslog "github.com/brutella/dnssd/log"
	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	hklog "github.com/brutella/hap/log"
	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
)

const defaultHomeKitDirectory = "./homekit"
const homeKitBridgeName = "sensorpi"
const homeKitBridgeAuthor = "github.com/hubertat"

// staleReadingDuration marks a thermometer faulty when its probe went quiet.
const staleReadingDuration = 10 * time.Minute

type thermometer struct {
	hkA           *accessory.Thermometer
	hkStatusFault *characteristic.StatusFault
}

// HomeKit exposes every known probe as a HomeKit thermometer behind a bridge.
type HomeKit struct {
	Name      string
	Pin       string
	Directory string
	Address   string
	Debug     bool

	lock         sync.Mutex
	thermometers map[int64]*thermometer
	accessories  []*accessory.A
	logger       *log.Logger
}

// homeKitAccessoryId keeps sensor ids clear of the bridge, which is accessory 1.
func homeKitAccessoryId(sensorID int64) uint64 {
	return uint64(sensorID) + 1
}

// Setup creates one thermometer per sensor. Sensors registered later show up
// after a restart.
func (hk *HomeKit) Setup(statuses []SensorStatus, firmwareVersion string) {
	hk.logger = log.NewWithOptions(os.Stderr, log.Options{
		Prefix:          "HomeKit",
		Level:           log.GetLevel(),
		ReportTimestamp: true,
	})
	hk.thermometers = make(map[int64]*thermometer)
	hk.accessories = []*accessory.A{}

	for _, status := range statuses {
		info := accessory.Info{
			Name:         status.Label,
			SerialNumber: fmt.Sprintf("temp_sensor:wire:%s", status.SerialID),
			Manufacturer: homeKitBridgeAuthor,
			Firmware:     firmwareVersion,
		}
		th := &thermometer{
			hkA:           accessory.NewTemperatureSensor(info),
			hkStatusFault: characteristic.NewStatusFault(),
		}
		th.hkStatusFault.SetValue(characteristic.StatusFaultGeneralFault)
		th.hkA.TempSensor.AddC(th.hkStatusFault.C)
		th.hkA.Id = homeKitAccessoryId(status.SensorID)

		hk.thermometers[status.SensorID] = th
		hk.accessories = append(hk.accessories, th.hkA.A)
	}

	hk.Observe(statuses)
}

func (hk *HomeKit) Observe(statuses []SensorStatus) {
	hk.lock.Lock()
	defer hk.lock.Unlock()

	for _, status := range statuses {
		th, found := hk.thermometers[status.SensorID]
		if !found {
			continue
		}

		if !status.Active || !status.HasTemperature || time.Since(status.LastRead) > staleReadingDuration {
			th.hkStatusFault.SetValue(characteristic.StatusFaultGeneralFault)
			continue
		}

		th.hkStatusFault.SetValue(characteristic.StatusFaultNoFault)
		th.hkA.TempSensor.CurrentTemperature.SetValue(status.TemperatureC)
	}
}

func (hk *HomeKit) ListenAndServe(ctx context.Context, firmwareVersion string) error {
	hkName := hk.Name
	if len(hkName) < 1 {
		hkName = homeKitBridgeName
	}
	bridge := accessory.NewBridge(accessory.Info{
		Name:         hkName,
		Manufacturer: homeKitBridgeAuthor,
		Firmware:     firmwareVersion,
	})

	var fsStore hap.Store
	if len(hk.Directory) > 1 {
		fsStore = hap.NewFsStore(hk.Directory)
	} else {
		fsStore = hap.NewFsStore(defaultHomeKitDirectory)
	}
	hkServer, err := hap.NewServer(fsStore, bridge.A, hk.accessories...)
	if err != nil {
		return errors.Wrap(err, "failed to create HomeKit server")
	}
	hkServer.Pin = hk.Pin
	if len(hk.Address) > 0 {
		hkServer.Addr = hk.Address
	}

	if hk.Debug {
		hklog.Debug.Enable()
		dnslog.Debug.Enable()
	}

	hk.logger.Info("starting HomeKit bridge", "thermometers", len(hk.accessories))
	return hkServer.ListenAndServe(ctx)
}
