package libseat

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/breeze-rmm/seatd/internal/server"
)

type fakeDevices struct{}

func (fakeDevices) Resolve(path string) (string, error) { return path, nil }
func (fakeDevices) Open(string) (int, error) {
	return unix.Open(os.DevNull, unix.O_RDWR|unix.O_CLOEXEC, 0)
}
func (fakeDevices) Close(fd int) error   { return unix.Close(fd) }
func (fakeDevices) SetMaster(int) error  { return nil }
func (fakeDevices) DropMaster(int) error { return nil }
func (fakeDevices) Revoke(int) error     { return nil }

// recorder acknowledges every disable, like a well-behaved compositor.
type recorder struct {
	enabled  int
	disabled int
}

func (r *recorder) EnableSeat(Seat) { r.enabled++ }
func (r *recorder) DisableSeat(s Seat) {
	r.disabled++
	s.DisableSeat()
}

func fdOpen(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

func openBuiltin(t *testing.T, l Listener) Seat {
	t.Helper()
	vt := false
	s, err := OpenBuiltin(l, BuiltinOptions{VTBound: &vt, Devices: fakeDevices{}})
	if err != nil {
		t.Fatalf("OpenBuiltin: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// dispatchUntil dispatches until cond holds or a few seconds pass.
func dispatchUntil(t *testing.T, s Seat, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for seat event")
		}
		if _, err := s.Dispatch(100 * time.Millisecond); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
}

func TestBuiltinEnablesSeat(t *testing.T) {
	r := &recorder{}
	s := openBuiltin(t, r)
	if s.Name() != server.DefaultSeatName {
		t.Fatalf("Name = %q, want %q", s.Name(), server.DefaultSeatName)
	}
	if r.enabled != 0 {
		t.Fatal("listener called outside Dispatch")
	}
	dispatchUntil(t, s, func() bool { return r.enabled == 1 })
}

func TestBuiltinOpenDeviceTwice(t *testing.T) {
	r := &recorder{}
	s := openBuiltin(t, r)
	dispatchUntil(t, s, func() bool { return r.enabled == 1 })

	first, err := s.OpenDevice("/dev/dri/card0")
	if err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}
	second, err := s.OpenDevice("/dev/dri/card0")
	if err != nil {
		t.Fatalf("second OpenDevice: %v", err)
	}
	if first != second {
		t.Fatalf("reopen gave %+v, want %+v", second, first)
	}

	if err := s.CloseDevice(first.ID); err != nil {
		t.Fatalf("CloseDevice: %v", err)
	}
	if !fdOpen(first.FD) {
		t.Fatal("fd closed while still referenced")
	}
	if err := s.CloseDevice(first.ID); err != nil {
		t.Fatalf("second CloseDevice: %v", err)
	}
	if fdOpen(first.FD) {
		t.Fatal("fd still open after last close")
	}
}

func TestBuiltinErrors(t *testing.T) {
	r := &recorder{}
	s := openBuiltin(t, r)
	dispatchUntil(t, s, func() bool { return r.enabled == 1 })

	if _, err := s.OpenDevice("/dev/sda"); !errors.Is(err, unix.ENOENT) {
		t.Errorf("OpenDevice(/dev/sda) = %v, want ENOENT", err)
	}
	if err := s.CloseDevice(42); !errors.Is(err, unix.ENOENT) {
		t.Errorf("CloseDevice(42) = %v, want ENOENT", err)
	}
	if err := s.SwitchSession(0); !errors.Is(err, unix.EINVAL) {
		t.Errorf("SwitchSession(0) = %v, want EINVAL", err)
	}
}

func TestCloseReleasesSeat(t *testing.T) {
	r := &recorder{}
	vt := false
	s, err := OpenBuiltin(r, BuiltinOptions{VTBound: &vt, Devices: fakeDevices{}})
	if err != nil {
		t.Fatalf("OpenBuiltin: %v", err)
	}
	dispatchUntil(t, s, func() bool { return r.enabled == 1 })
	dev, err := s.OpenDevice("/dev/input/event3")
	if err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if fdOpen(dev.FD) {
		t.Error("device fd survived Close")
	}
	if _, err := s.Dispatch(0); !errors.Is(err, ErrClosed) {
		t.Errorf("Dispatch after Close = %v, want ErrClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func startServer(t *testing.T) string {
	t.Helper()
	srv, err := server.New(server.Options{Devices: fakeDevices{}, Embedded: true})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	path := filepath.Join(t.TempDir(), "seatd.sock")
	if err := srv.Listen(path, -1, -1); err != nil {
		srv.Close()
		t.Fatalf("Listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Run() }()
	t.Cleanup(func() {
		srv.Stop()
		<-done
		srv.Close()
	})
	return path
}

func TestSeatdSwitchSession(t *testing.T) {
	path := startServer(t)

	ra := &recorder{}
	a, err := DialSeatd(path, ra)
	if err != nil {
		t.Fatalf("DialSeatd a: %v", err)
	}
	defer a.Close()
	dispatchUntil(t, a, func() bool { return ra.enabled == 1 })

	rb := &recorder{}
	b, err := DialSeatd(path, rb)
	if err != nil {
		t.Fatalf("DialSeatd b: %v", err)
	}
	defer b.Close()

	// Sessions on a plain seat are numbered in join order.
	if err := a.SwitchSession(2); err != nil {
		t.Fatalf("SwitchSession: %v", err)
	}
	dispatchUntil(t, a, func() bool { return ra.disabled == 1 })
	dispatchUntil(t, b, func() bool { return rb.enabled == 1 })

	if _, err := a.OpenDevice("/dev/input/event0"); !errors.Is(err, unix.EPERM) {
		t.Errorf("inactive OpenDevice = %v, want EPERM", err)
	}
}

func TestDialSeatdNoServer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.sock")
	if _, err := DialSeatd(path, &recorder{}); err == nil {
		t.Fatal("DialSeatd succeeded without a server")
	}
}

func TestNoop(t *testing.T) {
	r := &recorder{}
	s, err := OpenNoop(r)
	if err != nil {
		t.Fatalf("OpenNoop: %v", err)
	}
	defer s.Close()

	pfd := []unix.PollFd{{Fd: int32(s.FD()), Events: unix.POLLIN}}
	if n, _ := unix.Poll(pfd, 0); n != 1 {
		t.Fatal("noop seat fd not readable before first dispatch")
	}
	if n, err := s.Dispatch(0); err != nil || n != 1 || r.enabled != 1 {
		t.Fatalf("Dispatch = %d, %v (enabled %d)", n, err, r.enabled)
	}
	if n, err := s.Dispatch(0); err != nil || n != 0 {
		t.Fatalf("second Dispatch = %d, %v", n, err)
	}

	file := filepath.Join(t.TempDir(), "dev")
	if err := os.WriteFile(file, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	dev, err := s.OpenDevice(file)
	if err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}
	if err := s.CloseDevice(dev.ID); err != nil {
		t.Fatalf("CloseDevice: %v", err)
	}
	if err := s.CloseDevice(dev.ID); !errors.Is(err, unix.ENOENT) {
		t.Errorf("second CloseDevice = %v, want ENOENT", err)
	}
	if err := s.SwitchSession(2); !errors.Is(err, unix.ENOTSUP) {
		t.Errorf("SwitchSession = %v, want ENOTSUP", err)
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	t.Setenv(BackendEnv, "noop")
	s, err := Open(&recorder{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()

	t.Setenv(BackendEnv, "bogus")
	if _, err := Open(&recorder{}); err == nil {
		t.Fatal("Open accepted an unknown backend")
	}
	if _, err := Open(nil); err == nil {
		t.Fatal("Open accepted a nil listener")
	}
}
