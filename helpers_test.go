package sensorpi

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/hubertat/sensorpi/drivers"
	"github.com/hubertat/sensorpi/store"
)

func assertFloats(t testing.TB, got, want float64) {
	t.Helper()

	if got != want {
		t.Errorf("got: %f, want: %f", got, want)
	}
}

func assertBools(t testing.TB, got, want bool) {
	t.Helper()

	if got != want {
		t.Errorf("got: %v, want: %v", got, want)
	}
}

func assertInts(t testing.TB, got, want int) {
	t.Helper()

	if got != want {
		t.Errorf("got: %d, want: %d", got, want)
	}
}

func assertNoError(t testing.TB, err error) {
	t.Helper()

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func openTestStore(t *testing.T) *store.DB {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "sensorlog.db"))
	assertNoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func activeSensor(serial string, id int64) *Sensor {
	s := NewSensor(serial, id)
	s.setActive(true)
	return s
}

// memoryIdentities is an IdentityStore that can be told to fail inserts.
type memoryIdentities struct {
	identities []store.SensorIdentity
	failInsert map[string]bool
	nextID     int64
}

func newMemoryIdentities() *memoryIdentities {
	return &memoryIdentities{failInsert: make(map[string]bool)}
}

func (mi *memoryIdentities) EnsureSchema(ctx context.Context) error {
	return nil
}

func (mi *memoryIdentities) InsertSensor(ctx context.Context, serial string) (int64, error) {
	if mi.failInsert[serial] {
		return 0, errors.Errorf("insert of %s failed", serial)
	}
	for _, identity := range mi.identities {
		if identity.SerialID == serial {
			return 0, errors.Errorf("UNIQUE constraint failed: Sensor.serial_id")
		}
	}
	mi.nextID++
	mi.identities = append(mi.identities, store.SensorIdentity{SensorID: mi.nextID, SerialID: serial, DiscoveredAt: time.Now()})
	return mi.nextID, nil
}

func (mi *memoryIdentities) FindSensorBySerial(ctx context.Context, serial string) (store.SensorIdentity, error) {
	for _, identity := range mi.identities {
		if identity.SerialID == serial {
			return identity, nil
		}
	}
	return store.SensorIdentity{}, store.ErrNotFound
}

func (mi *memoryIdentities) AllSensors(ctx context.Context) ([]store.SensorIdentity, error) {
	return mi.identities, nil
}

// recordingStore keeps every appended batch and can be told to fail.
type recordingStore struct {
	lock    sync.Mutex
	batches [][]store.Reading
	err     error
}

func (rs *recordingStore) AppendReadings(ctx context.Context, readings []store.Reading) error {
	rs.lock.Lock()
	defer rs.lock.Unlock()

	if rs.err != nil {
		return rs.err
	}
	rs.batches = append(rs.batches, readings)
	return nil
}

func (rs *recordingStore) batchCount() int {
	rs.lock.Lock()
	defer rs.lock.Unlock()

	return len(rs.batches)
}

type fakeClock struct {
	now time.Time
}

func (fc *fakeClock) Now() time.Time {
	return fc.now
}

func (fc *fakeClock) Advance(d time.Duration) {
	fc.now = fc.now.Add(d)
}

func newBus(t testing.TB, probes map[string]float64) *drivers.MockBus {
	t.Helper()

	bus := drivers.NewMockBus()
	for serial, celsius := range probes {
		bus.Attach(serial, int(celsius*1000))
	}
	return bus
}
