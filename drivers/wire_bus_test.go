package drivers

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func assertInts(t testing.TB, got, want int) {
	t.Helper()

	if got != want {
		t.Errorf("got %d want %d", got, want)
	}
}

func assertStrings(t testing.TB, got, want []string) {
	t.Helper()

	if len(got) != len(want) {
		t.Errorf("len(got) = %d len(want) = %d", len(got), len(want))
		return
	}

	for key, val := range got {
		if want[key] != val {
			t.Errorf("for key [%d] got: %s want: %s", key, val, want[key])
		}
	}
}

func writeSlave(t testing.TB, base, serial, content string) {
	t.Helper()

	dir := filepath.Join(base, serial)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, wireSlaveFile), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParseW1Slave(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want int
	}{
		{"positive", "72 01 4b 46 7f ff 0e 10 57 : crc=57 YES\n72 01 4b 46 7f ff 0e 10 57 t=23125\n", 23125},
		{"negative", "5e ff 4b 46 7f ff 02 10 56 : crc=56 YES\n5e ff 4b 46 7f ff 02 10 56 t=-10125\n", -10125},
		{"zero", "00 00 4b 46 7f ff 0c 10 1c : crc=1c YES\n00 00 4b 46 7f ff 0c 10 1c t=0", 0},
		{"trailing spaces", "50 05 4b 46 7f ff 0c 10 1c : crc=1c YES  \n50 05 4b 46 7f ff 0c 10 1c t=85000  \n", 85000},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := ParseW1Slave([]byte(c.raw))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			assertInts(t, got, c.want)
		})
	}
}

func TestParseW1SlaveErrors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"empty", "", ErrMalformedRecord},
		{"single line", "72 01 4b 46 7f ff 0e 10 57 : crc=57 YES", ErrMalformedRecord},
		{"crc no", "72 01 4b 46 7f ff 0e 10 57 : crc=57 NO\n72 01 4b 46 7f ff 0e 10 57 t=23125", ErrCrcMismatch},
		{"no crc field", "72 01 4b 46 7f ff 0e 10 57\n72 01 4b 46 7f ff 0e 10 57 t=23125", ErrMalformedRecord},
		{"no t field", "72 01 4b 46 7f ff 0e 10 57 : crc=57 YES\n72 01 4b 46 7f ff 0e 10 57", ErrMalformedRecord},
		{"not a number", "72 01 4b 46 7f ff 0e 10 57 : crc=57 YES\n72 01 4b 46 7f ff 0e 10 57 t=abc", ErrMalformedRecord},
		{"empty value", "72 01 4b 46 7f ff 0e 10 57 : crc=57 YES\n72 01 4b 46 7f ff 0e 10 57 t=", ErrMalformedRecord},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ParseW1Slave([]byte(c.raw))
			if !errors.Is(err, c.want) {
				t.Errorf("got %v want %v", err, c.want)
			}
		})
	}
}

func TestWireDiscover(t *testing.T) {
	base := t.TempDir()
	writeSlave(t, base, "28-0416718527ff", string(FormatW1Slave(21000, true)))
	writeSlave(t, base, "28-00000a1b2c3d", string(FormatW1Slave(22000, true)))
	// bus master and a probe of another family
	os.MkdirAll(filepath.Join(base, "w1_bus_master1"), 0o755)
	writeSlave(t, base, "10-000802b4cdef", string(FormatW1Slave(22000, true)))
	// half enumerated probe without the slave file yet
	os.MkdirAll(filepath.Join(base, "28-000000000001"), 0o755)

	w1 := &Wire{BasePath: base}
	addresses, err := w1.Discover()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertStrings(t, addresses, []string{"28-00000a1b2c3d", "28-0416718527ff"})
}

func TestWireDiscoverNoBus(t *testing.T) {
	w1 := &Wire{BasePath: filepath.Join(t.TempDir(), "missing")}

	addresses, err := w1.Discover()

	if err == nil {
		t.Error("expected error for missing sysfs dir")
	}
	assertInts(t, len(addresses), 0)
}

func TestWireReadRaw(t *testing.T) {
	base := t.TempDir()
	writeSlave(t, base, "28-0416718527ff", string(FormatW1Slave(23125, true)))
	w1 := &Wire{BasePath: base}

	raw, err := w1.ReadRaw(context.Background(), "28-0416718527ff")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	millis, err := ParseW1Slave(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertInts(t, millis, 23125)

	_, err = w1.ReadRaw(context.Background(), "28-gone")
	if err == nil {
		t.Error("expected error reading absent probe")
	}
}

func TestWireReadRawCancelled(t *testing.T) {
	base := t.TempDir()
	writeSlave(t, base, "28-0416718527ff", string(FormatW1Slave(23125, true)))
	w1 := &Wire{BasePath: base}

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	// either outcome is fine when both are ready, but a result must come back
	_, err := w1.ReadRaw(ctx, "28-0416718527ff")
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestWireCheckBounds(t *testing.T) {
	disabled := &Wire{}
	if err := disabled.CheckBounds(200000); err != nil {
		t.Errorf("bounds check disabled, got %v", err)
	}

	w1 := &Wire{CheckBoundsEnabled: true, BoundMinimumMillis: -55000, BoundMaximumMillis: 125000}
	for _, millis := range []int{-55000, 0, 23125, 125000} {
		if err := w1.CheckBounds(millis); err != nil {
			t.Errorf("%d: unexpected error %v", millis, err)
		}
	}
	for _, millis := range []int{-55001, 125001} {
		if err := w1.CheckBounds(millis); !errors.Is(err, ErrOutOfBounds) {
			t.Errorf("%d: got %v want ErrOutOfBounds", millis, err)
		}
	}
}

func TestWireDefaults(t *testing.T) {
	w1 := &Wire{}

	if w1.basePath() != "/sys/bus/w1/devices" {
		t.Errorf("got base path %s", w1.basePath())
	}
	if w1.prefix() != "28-" {
		t.Errorf("got prefix %s", w1.prefix())
	}
	if w1.slavePath("28-abc") != "/sys/bus/w1/devices/28-abc/w1_slave" {
		t.Errorf("got slave path %s", w1.slavePath("28-abc"))
	}
}
