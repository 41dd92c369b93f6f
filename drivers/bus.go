package drivers

import "context"

// Bus is a one-wire bus with temperature probes attached.
type Bus interface {
	// Discover returns the addresses of all probes currently present on the bus.
	Discover() ([]string, error)
	// ReadRaw returns the raw w1_slave record of a single probe.
	ReadRaw(ctx context.Context, serial string) ([]byte, error)
	Name() string
}

// BoundsChecker is implemented by buses that can reject implausible readouts.
type BoundsChecker interface {
	CheckBounds(millis int) error
}
