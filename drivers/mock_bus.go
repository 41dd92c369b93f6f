package drivers

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

const mockBusDriverName = "mock_bus"

type mockProbe struct {
	millis  int
	crcOk   bool
	readErr error
	raw     []byte
	stalled bool
}

// MockBus is an in-memory one-wire bus for tests and bench runs.
type MockBus struct {
	DiscoverErr error

	lock    sync.Mutex
	probes  map[string]*mockProbe
	reads   map[string]int
	writeTo io.Writer
}

func NewMockBus() *MockBus {
	return &MockBus{
		probes: make(map[string]*mockProbe),
		reads:  make(map[string]int),
	}
}

func (mb *MockBus) Name() string {
	return mockBusDriverName
}

// Attach plugs a probe into the bus, or updates its readout if already present.
func (mb *MockBus) Attach(serial string, millis int) {
	mb.lock.Lock()
	defer mb.lock.Unlock()

	if mb.writeTo != nil {
		if _, present := mb.probes[serial]; !present {
			fmt.Fprintf(mb.writeTo, "[%s] attached\n", serial)
		}
	}
	mb.probes[serial] = &mockProbe{millis: millis, crcOk: true}
}

func (mb *MockBus) Detach(serial string) {
	mb.lock.Lock()
	defer mb.lock.Unlock()

	if mb.writeTo != nil {
		fmt.Fprintf(mb.writeTo, "[%s] detached\n", serial)
	}
	delete(mb.probes, serial)
}

func (mb *MockBus) SetCelsius(serial string, celsius float64) error {
	return mb.update(serial, func(p *mockProbe) {
		p.millis = int(celsius * 1000)
	})
}

func (mb *MockBus) SetCrcFailure(serial string, failing bool) error {
	return mb.update(serial, func(p *mockProbe) {
		p.crcOk = !failing
	})
}

func (mb *MockBus) SetReadError(serial string, err error) error {
	return mb.update(serial, func(p *mockProbe) {
		p.readErr = err
	})
}

// SetRaw makes the probe return the given record verbatim.
// SetStall makes reads of the probe hang until their context is done, like a
// w1_slave read on a noisy bus.
func (mb *MockBus) SetStall(serial string, stalled bool) error {
	return mb.update(serial, func(p *mockProbe) {
		p.stalled = stalled
	})
}

func (mb *MockBus) SetRaw(serial string, raw []byte) error {
	return mb.update(serial, func(p *mockProbe) {
		p.raw = raw
	})
}

func (mb *MockBus) update(serial string, apply func(*mockProbe)) error {
	mb.lock.Lock()
	defer mb.lock.Unlock()

	probe, found := mb.probes[serial]
	if !found {
		return errors.Errorf("mock probe %s not found", serial)
	}
	apply(probe)
	return nil
}

func (mb *MockBus) Discover() ([]string, error) {
	if mb.DiscoverErr != nil {
		return nil, mb.DiscoverErr
	}

	mb.lock.Lock()
	defer mb.lock.Unlock()

	addresses := []string{}
	for serial := range mb.probes {
		addresses = append(addresses, serial)
	}
	sort.Strings(addresses)
	return addresses, nil
}

func (mb *MockBus) ReadRaw(ctx context.Context, serial string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mb.lock.Lock()
	mb.reads[serial]++
	probe, found := mb.probes[serial]
	if found && probe.stalled {
		mb.lock.Unlock()
		<-ctx.Done()
		return nil, errors.Wrapf(ctx.Err(), "reading mock probe %s timed out", serial)
	}
	defer mb.lock.Unlock()

	if !found {
		return nil, errors.Errorf("mock probe %s not present on bus", serial)
	}
	if probe.readErr != nil {
		return nil, probe.readErr
	}
	if probe.raw != nil {
		return probe.raw, nil
	}

	return FormatW1Slave(probe.millis, probe.crcOk), nil
}

// ReadCount returns how many times the probe was read.
func (mb *MockBus) ReadCount(serial string) int {
	mb.lock.Lock()
	defer mb.lock.Unlock()

	return mb.reads[serial]
}

func (mb *MockBus) MonitorChanges(writer io.Writer) {
	mb.lock.Lock()
	defer mb.lock.Unlock()

	mb.writeTo = writer
}

// FormatW1Slave renders a record the way the w1_therm kernel module does.
func FormatW1Slave(millis int, crcOk bool) []byte {
	verdict := "YES"
	if !crcOk {
		verdict = "NO"
	}
	return []byte(fmt.Sprintf(
		"72 01 4b 46 7f ff 0e 10 57 : crc=57 %s\n72 01 4b 46 7f ff 0e 10 57 t=%d\n",
		verdict, millis))
}
