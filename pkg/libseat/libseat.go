// Package libseat is the client side of seatd. A compositor opens a Seat,
// waits for EnableSeat, then asks the seat for device file descriptors.
//
// Events are delivered from Dispatch, never from inside another call: poll
// FD for readability and call Dispatch when it fires.
package libseat

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/breeze-rmm/seatd/internal/logging"
)

var log = logging.L("libseat")

// BackendEnv selects a backend by name.
const BackendEnv = "LIBSEAT_BACKEND"

// SocketEnv overrides the seatd socket path.
const SocketEnv = "SEATD_SOCK"

// DefaultSocketPath is where seatd listens unless told otherwise.
const DefaultSocketPath = "/run/seatd.sock"

var ErrClosed = errors.New("libseat: seat closed")

// Listener receives seat state changes. After DisableSeat the caller must
// stop using its devices and call Seat.DisableSeat to acknowledge.
type Listener interface {
	EnableSeat(s Seat)
	DisableSeat(s Seat)
}

// Device is an open device. FD is owned by the seat; callers must not
// close it and must release it with CloseDevice.
type Device struct {
	ID int
	FD int
}

// Seat is an open seat on some backend.
type Seat interface {
	Name() string
	OpenDevice(path string) (Device, error)
	CloseDevice(id int) error
	SwitchSession(session int) error
	DisableSeat() error
	// FD becomes readable when Dispatch has work to do.
	FD() int
	// Dispatch runs pending events, waiting up to timeout for one to
	// arrive. A negative timeout waits indefinitely.
	Dispatch(timeout time.Duration) (int, error)
	Close() error
}

type backend struct {
	name string
	open func(Listener) (Seat, error)
}

var backends = []backend{
	{"seatd", func(l Listener) (Seat, error) { return DialSeatd(socketPath(), l) }},
	{"builtin", func(l Listener) (Seat, error) { return OpenBuiltin(l, BuiltinOptions{}) }},
	{"noop", func(l Listener) (Seat, error) { return OpenNoop(l) }},
}

// Open opens a seat on the backend named by LIBSEAT_BACKEND, or else the
// first of seatd and builtin that works. noop is only used when asked for.
func Open(listener Listener) (Seat, error) {
	if listener == nil {
		return nil, errors.New("libseat: nil listener")
	}

	if want := strings.TrimSpace(os.Getenv(BackendEnv)); want != "" {
		for _, b := range backends {
			if b.name == want {
				s, err := b.open(listener)
				if err != nil {
					return nil, fmt.Errorf("libseat: backend %s: %w", want, err)
				}
				log.Info("seat opened", "backend", b.name, logging.KeySeat, s.Name())
				return s, nil
			}
		}
		return nil, fmt.Errorf("libseat: unknown backend %q", want)
	}

	var errs []error
	for _, b := range backends {
		if b.name == "noop" {
			continue
		}
		s, err := b.open(listener)
		if err != nil {
			log.Debug("backend unavailable", "backend", b.name, logging.KeyError, err)
			errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
			continue
		}
		log.Info("seat opened", "backend", b.name, logging.KeySeat, s.Name())
		return s, nil
	}
	return nil, fmt.Errorf("libseat: no backend available: %w", errors.Join(errs...))
}

func socketPath() string {
	if p := os.Getenv(SocketEnv); p != "" {
		return p
	}
	return DefaultSocketPath
}

func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	return int(d / time.Millisecond)
}
