package lbard

/*------------------------------------------------------------------
 *
 * Purpose:	Abstract interface that every radio driver implements,
 *		plus a small registry so the scheduler can pick
 *		whichever driver's detect() claims the configured
 *		device.
 *
 *------------------------------------------------------------------*/

import "context"

// Driver is the abstract radio interface: detect, service-tick,
// receive-bytes, send-packet, ready-test.
type Driver interface {
	// ID is a short stable identifier, e.g. "hfbarrett".
	ID() string
	// LongName is a human-readable description for logs.
	LongName() string
	// EncodedBitsPerByte: how many bits of payload each encoded byte
	// on the wire carries (the Barrett line protocol gets 4, not the
	// 6 it would ideally support).
	EncodedBitsPerByte() int

	// Detect probes whether this driver's radio is present on dev and,
	// if so, performs whatever startup handshake it needs.
	Detect(ctx context.Context, dev SerialPort) (bool, error)

	// ServiceTick advances the driver's internal state machine by one
	// scheduler tick. Must not block for long; any blocking wait
	// inside must be bracketed with TimeAccount.Pause/Resume.
	ServiceTick(ctx context.Context, dev SerialPort)

	// ReceiveBytes feeds newly-arrived serial bytes to the driver.
	ReceiveBytes(data []byte)

	// SendPacket attempts to deliver an entire outbound frame,
	// blocking (cooperatively) until the modem accepts it or the
	// attempt is abandoned. Returns an error if the send failed or
	// was abandoned; the scheduler treats this the same as "not
	// ready" and offers a different frame next tick.
	SendPacket(ctx context.Context, dev SerialPort, frame []byte) error

	// ReadyTest is a cheap, non-blocking predicate gating whether
	// SendPacket is worth attempting right now.
	ReadyTest() bool
}

// Registry holds the registered drivers, keyed by ID.
type Registry struct {
	drivers map[string]Driver
	order   []string
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds a driver. Re-registering the same ID replaces it.
func (r *Registry) Register(d Driver) {
	if _, exists := r.drivers[d.ID()]; !exists {
		r.order = append(r.order, d.ID())
	}
	r.drivers[d.ID()] = d
}

// Detect tries each registered driver's Detect in registration order
// and returns the first one that claims the device.
func (r *Registry) Detect(ctx context.Context, dev SerialPort) (Driver, error) {
	for _, id := range r.order {
		d := r.drivers[id]
		ok, err := d.Detect(ctx, dev)
		if err != nil {
			continue
		}
		if ok {
			return d, nil
		}
	}
	return nil, errNoDriverDetected
}

var errNoDriverDetected = driverError("lbard: no radio driver detected a device")

type driverError string

func (e driverError) Error() string { return string(e) }
