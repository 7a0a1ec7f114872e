package libseat

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/breeze-rmm/seatd/internal/logging"
	"github.com/breeze-rmm/seatd/internal/seat"
	"github.com/breeze-rmm/seatd/internal/server"
)

// VTBoundEnv turns VT binding on or off for the builtin backend.
const VTBoundEnv = "SEATD_VTBOUND"

// BuiltinOptions configures the in-process seatd.
type BuiltinOptions struct {
	// VTBound overrides SEATD_VTBOUND when set.
	VTBound *bool
	// Terminal and Devices replace the kernel drivers, mostly for tests.
	Terminal seat.Terminal
	Devices  seat.DeviceOps
}

func (o BuiltinOptions) vtBound() bool {
	if o.VTBound != nil {
		return *o.VTBound
	}
	v := os.Getenv(VTBoundEnv)
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn("ignoring invalid "+VTBoundEnv, "value", v)
		return true
	}
	return b
}

// OpenBuiltin runs a seatd server inside this process, serving only the
// caller. It needs the same privileges seatd would.
func OpenBuiltin(listener Listener, opts BuiltinOptions) (Seat, error) {
	srv, err := server.New(server.Options{
		VTBound:  opts.vtBound(),
		Terminal: opts.Terminal,
		Devices:  opts.Devices,
		Embedded: true,
	})
	if err != nil {
		return nil, err
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		srv.Close()
		return nil, fmt.Errorf("libseat: socketpair: %w", err)
	}
	// AddClient owns fds[0] from here, even on failure.
	if _, err := srv.AddClient(fds[0]); err != nil {
		unix.Close(fds[1])
		srv.Close()
		return nil, err
	}

	done := make(chan error, 1)
	go func() { done <- srv.Run() }()

	stop := func() {
		srv.Stop()
		if err := <-done; err != nil {
			log.Error("builtin server failed", logging.KeyError, err)
		}
		srv.Close()
	}

	s, err := newSeatdSeat(fds[1], listener)
	if err != nil {
		stop()
		return nil, err
	}
	s.onClose = stop
	return s, nil
}
