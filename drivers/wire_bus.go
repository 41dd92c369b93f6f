package drivers

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

const wireSystemPath string = "/sys/bus/w1/devices"
const wireSensorPrefix string = "28-"
const wireSlaveFile string = "w1_slave"

const wireSensorDriverName string = "wire"

var (
	ErrMalformedRecord = errors.New("malformed w1_slave record")
	ErrCrcMismatch     = errors.New("w1_slave crc check failed")
	ErrOutOfBounds     = errors.New("readout out of bounds")
	ErrReadPending     = errors.New("previous read still pending")
)

// Wire reads DS18B20 probes exposed by the w1-gpio kernel module in sysfs.
type Wire struct {
	BasePath string
	Prefix   string

	CheckBoundsEnabled bool
	BoundMinimumMillis int
	BoundMaximumMillis int

	lock    sync.Mutex
	pending map[string]bool
}

func (w1 *Wire) basePath() string {
	if len(w1.BasePath) > 0 {
		return w1.BasePath
	}
	return wireSystemPath
}

func (w1 *Wire) prefix() string {
	if len(w1.Prefix) > 0 {
		return w1.Prefix
	}
	return wireSensorPrefix
}

func (w1 *Wire) Name() string {
	return wireSensorDriverName
}

func (w1 *Wire) Discover() (addresses []string, err error) {
	entries, err := os.ReadDir(w1.basePath())
	if err != nil {
		err = errors.Wrapf(err, "failed to scan one-wire bus: error reading dir (%s)", w1.basePath())
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, w1.prefix()) {
			continue
		}
		_, statErr := os.Stat(w1.slavePath(name))
		if statErr != nil {
			continue
		}
		addresses = append(addresses, name)
	}
	sort.Strings(addresses)

	return
}

func (w1 *Wire) slavePath(serial string) string {
	return filepath.Join(w1.basePath(), serial, wireSlaveFile)
}

// ReadRaw reads the w1_slave file of the probe. The kernel driver performs the
// conversion while the file is read, which takes up to 750ms and can stall on a
// noisy bus, so the read gives up when ctx is done. A blocked file read cannot
// be interrupted: the probe is refused with ErrReadPending until it returns,
// so a hung probe holds at most one goroutine.
func (w1 *Wire) ReadRaw(ctx context.Context, serial string) ([]byte, error) {
	if !w1.startRead(serial) {
		return nil, errors.Wrapf(ErrReadPending, "sensor id: %s", serial)
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	filePath := w1.slavePath(serial)

	go func() {
		defer w1.finishRead(serial)
		data, err := os.ReadFile(filePath)
		done <- result{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "reading %s timed out", filePath)
	case res := <-done:
		if res.err != nil {
			return nil, errors.Wrapf(res.err, "failed reading file for sensor id: %s", serial)
		}
		return res.data, nil
	}
}

func (w1 *Wire) startRead(serial string) bool {
	w1.lock.Lock()
	defer w1.lock.Unlock()

	if w1.pending == nil {
		w1.pending = make(map[string]bool)
	}
	if w1.pending[serial] {
		return false
	}
	w1.pending[serial] = true
	return true
}

func (w1 *Wire) finishRead(serial string) {
	w1.lock.Lock()
	defer w1.lock.Unlock()

	delete(w1.pending, serial)
}

func (w1 *Wire) readPending(serial string) bool {
	w1.lock.Lock()
	defer w1.lock.Unlock()

	return w1.pending[serial]
}

func (w1 *Wire) CheckBounds(millis int) error {
	if !w1.CheckBoundsEnabled {
		return nil
	}
	if millis < w1.BoundMinimumMillis || millis > w1.BoundMaximumMillis {
		return errors.Wrapf(ErrOutOfBounds, "value: %d m°C, allowed %d..%d", millis, w1.BoundMinimumMillis, w1.BoundMaximumMillis)
	}
	return nil
}

// ParseW1Slave extracts the millidegree readout from a w1_slave record:
//
//	72 01 4b 46 7f ff 0e 10 57 : crc=57 YES
//	72 01 4b 46 7f ff 0e 10 57 t=23125
func ParseW1Slave(raw []byte) (millis int, err error) {
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 2 {
		err = errors.Wrapf(ErrMalformedRecord, "expected 2 lines, got %d", len(lines))
		return
	}

	crcLine := strings.TrimSpace(lines[0])
	if !strings.Contains(crcLine, "crc=") {
		err = errors.Wrapf(ErrMalformedRecord, "missing crc in %q", crcLine)
		return
	}
	if !strings.HasSuffix(crcLine, "YES") {
		err = errors.Wrapf(ErrCrcMismatch, "got %q", crcLine)
		return
	}

	dataLine := strings.TrimSpace(lines[1])
	pos := strings.LastIndex(dataLine, "t=")
	if pos < 0 {
		err = errors.Wrapf(ErrMalformedRecord, "missing t= field in %q", dataLine)
		return
	}

	millis, err = strconv.Atoi(strings.TrimSpace(dataLine[pos+2:]))
	if err != nil {
		err = errors.Wrapf(ErrMalformedRecord, "failed converting temperature string %q to milli °C int value: %v", dataLine[pos+2:], err)
	}

	return
}
