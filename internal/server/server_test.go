package server

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/breeze-rmm/seatd/internal/ipc"
)

type fakeTerminal struct {
	vt int
}

func (f *fakeTerminal) CurrentVT() (int, error)  { return f.vt, nil }
func (f *fakeTerminal) Open(vt int) error        { return nil }
func (f *fakeTerminal) Close(vt int) error       { return nil }
func (f *fakeTerminal) Switch(cur, vt int) error { return nil }
func (f *fakeTerminal) AckRelease(vt int) error  { return nil }
func (f *fakeTerminal) AckAcquire(vt int) error  { return nil }

// fakeDevices hands out real descriptors for /dev/null so they can cross
// the socket.
type fakeDevices struct {
	opens  int
	closes int
}

func (f *fakeDevices) Resolve(path string) (string, error) { return path, nil }

func (f *fakeDevices) Open(path string) (int, error) {
	fd, err := unix.Open(os.DevNull, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	f.opens++
	return fd, nil
}

func (f *fakeDevices) Close(fd int) error {
	f.closes++
	return unix.Close(fd)
}

func (f *fakeDevices) SetMaster(fd int) error  { return nil }
func (f *fakeDevices) DropMaster(fd int) error { return nil }
func (f *fakeDevices) Revoke(fd int) error     { return nil }

type peer struct {
	t    *testing.T
	conn *ipc.Conn
}

func newTestServer(t *testing.T, vtBound bool) (*Server, *fakeTerminal, *fakeDevices) {
	t.Helper()
	term := &fakeTerminal{vt: 3}
	devs := &fakeDevices{}
	opts := Options{VTBound: vtBound, Devices: devs, Embedded: true}
	if vtBound {
		opts.Terminal = term
	}
	srv, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv, term, devs
}

func connect(t *testing.T, srv *Server) *peer {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if _, err := srv.AddClient(fds[0]); err != nil {
		t.Fatalf("AddClient: %v", err)
	}
	conn, err := ipc.NewConn(fds[1])
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &peer{t: t, conn: conn}
}

// pump runs one server dispatch round, waiting for input to be ready.
func pump(t *testing.T, srv *Server) {
	t.Helper()
	if _, err := srv.poller.PollTimeout(1000); err != nil {
		t.Fatalf("poll: %v", err)
	}
}

func (p *peer) send(m ipc.Message) {
	p.t.Helper()
	if err := p.conn.Put(m); err != nil {
		p.t.Fatalf("put: %v", err)
	}
	if _, err := p.conn.Flush(); err != nil {
		p.t.Fatalf("flush: %v", err)
	}
}

// recv returns the next message the server sent, waiting briefly for it.
func (p *peer) recv() ipc.Message {
	p.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg, ok, err := p.conn.Next()
		if err != nil {
			p.t.Fatalf("decode: %v", err)
		}
		if ok {
			return msg
		}
		pfd := []unix.PollFd{{Fd: int32(p.conn.Fd()), Events: unix.POLLIN}}
		unix.Poll(pfd, 100)
		if _, err := p.conn.Read(); err != nil {
			p.t.Fatalf("read: %v", err)
		}
	}
	p.t.Fatal("timed out waiting for a message")
	return nil
}

// quiet asserts that nothing is waiting to be read.
func (p *peer) quiet() {
	p.t.Helper()
	if msg, ok, _ := p.conn.Next(); ok {
		p.t.Fatalf("unexpected %s", msg.Opcode())
	}
	if n, _ := p.conn.Read(); n > 0 {
		msg, _, _ := p.conn.Next()
		p.t.Fatalf("unexpected message %v", msg)
	}
}

func (p *peer) request(srv *Server, m ipc.Message) ipc.Message {
	p.t.Helper()
	p.send(m)
	pump(p.t, srv)
	return p.recv()
}

func expectError(t *testing.T, msg ipc.Message, want unix.Errno) {
	t.Helper()
	reply, ok := msg.(ipc.ErrorReply)
	if !ok {
		t.Fatalf("got %s, want error", msg.Opcode())
	}
	if unix.Errno(reply.Code) != want {
		t.Fatalf("error code = %v, want %v", unix.Errno(reply.Code), want)
	}
}

func join(t *testing.T, srv *Server, p *peer) {
	t.Helper()
	msg := p.request(srv, ipc.OpenSeat{})
	opened, ok := msg.(ipc.SeatOpened)
	if !ok {
		t.Fatalf("open_seat reply = %s", msg.Opcode())
	}
	if opened.SeatName != DefaultSeatName {
		t.Fatalf("seat name = %q", opened.SeatName)
	}
}

func TestPingPong(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	p := connect(t, srv)
	if msg := p.request(srv, ipc.Ping{}); msg.Opcode() != ipc.OpPong {
		t.Fatalf("ping reply = %s", msg.Opcode())
	}
}

func TestOpenSeatActivatesFirstClient(t *testing.T) {
	srv, _, _ := newTestServer(t, true)
	p := connect(t, srv)
	join(t, srv, p)
	if msg := p.recv(); msg.Opcode() != ipc.OpEnableSeatEvent {
		t.Fatalf("got %s, want enable_seat", msg.Opcode())
	}
	st := srv.Seat(DefaultSeatName)
	if len(st.Clients()) != 1 || st.Clients()[0].Session() != 3 {
		t.Fatal("client not seated on vt 3")
	}
}

func TestOpenDeviceWhileInactive(t *testing.T) {
	srv, _, devs := newTestServer(t, false)
	a := connect(t, srv)
	b := connect(t, srv)
	join(t, srv, a)
	a.recv() // enable_seat
	join(t, srv, b)
	b.quiet()

	expectError(t, b.request(srv, ipc.OpenDevice{Path: "/dev/dri/card0"}), unix.EPERM)
	if devs.opens != 0 {
		t.Fatal("device opened for an inactive client")
	}
}

func TestOpenDeviceWithoutSeat(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	p := connect(t, srv)
	expectError(t, p.request(srv, ipc.OpenDevice{Path: "/dev/dri/card0"}), unix.EPERM)
	expectError(t, p.request(srv, ipc.CloseDevice{DeviceID: 1}), unix.EPERM)
}

func TestOpenDeviceSendsFdOnce(t *testing.T) {
	srv, _, devs := newTestServer(t, true)
	p := connect(t, srv)
	join(t, srv, p)
	p.recv() // enable_seat

	msg := p.request(srv, ipc.OpenDevice{Path: "/dev/dri/card0"})
	opened, ok := msg.(ipc.DeviceOpened)
	if !ok {
		t.Fatalf("open_device reply = %s", msg.Opcode())
	}
	if opened.DeviceID != 1 {
		t.Fatalf("device id = %d", opened.DeviceID)
	}
	fd, err := p.conn.TakeFd()
	if err != nil {
		t.Fatalf("TakeFd: %v", err)
	}
	unix.Close(fd)

	msg = p.request(srv, ipc.OpenDevice{Path: "/dev/dri/card0"})
	again, ok := msg.(ipc.DeviceOpened)
	if !ok || again.DeviceID != 1 {
		t.Fatalf("second open_device reply = %v", msg)
	}
	if p.conn.PendingFds() != 0 {
		t.Fatal("a second fd was sent for the same device")
	}
	if devs.opens != 1 {
		t.Fatalf("device opened %d times", devs.opens)
	}

	if msg := p.request(srv, ipc.CloseDevice{DeviceID: 1}); msg.Opcode() != ipc.OpDeviceClosed {
		t.Fatalf("close_device reply = %s", msg.Opcode())
	}
	if devs.closes != 0 {
		t.Fatal("device closed while still referenced")
	}
	p.request(srv, ipc.CloseDevice{DeviceID: 1})
	if devs.closes != 1 {
		t.Fatalf("closes = %d, want 1", devs.closes)
	}
	expectError(t, p.request(srv, ipc.CloseDevice{DeviceID: 1}), unix.ENOENT)
}

func TestOpenDeviceRejectsOtherNodes(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	p := connect(t, srv)
	join(t, srv, p)
	p.recv()
	expectError(t, p.request(srv, ipc.OpenDevice{Path: "/dev/sda"}), unix.ENOENT)
}

func TestVTReleaseAndAcquire(t *testing.T) {
	srv, term, _ := newTestServer(t, true)
	p := connect(t, srv)
	join(t, srv, p)
	p.recv()
	if msg := p.request(srv, ipc.OpenDevice{Path: "/dev/input/event0"}); msg.Opcode() != ipc.OpDeviceOpened {
		t.Fatalf("open_device reply = %s", msg.Opcode())
	}

	srv.handleVTRelease(nil)
	if msg := p.recv(); msg.Opcode() != ipc.OpDisableSeatEvent {
		t.Fatalf("got %s, want disable_seat", msg.Opcode())
	}
	member := srv.clients[0].Member()
	if member.Devices()[0].Active() {
		t.Fatal("device still active after release")
	}

	term.vt = 1
	p.send(ipc.DisableSeat{})
	pump(t, srv)
	p.quiet()
	if member.State().String() != "disabled" {
		t.Fatalf("state = %s", member.State())
	}

	term.vt = 3
	srv.handleVTAcquire(nil)
	if msg := p.recv(); msg.Opcode() != ipc.OpEnableSeatEvent {
		t.Fatalf("got %s, want enable_seat", msg.Opcode())
	}
	if len(member.Devices()) != 1 {
		t.Fatal("device closed across the vt switch")
	}
}

func TestAckWithoutPendingDisable(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	p := connect(t, srv)
	join(t, srv, p)
	p.recv()
	expectError(t, p.request(srv, ipc.DisableSeat{}), unix.EBUSY)
}

func TestSwitchSession(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	a := connect(t, srv)
	b := connect(t, srv)
	join(t, srv, a)
	a.recv()
	join(t, srv, b)

	expectError(t, b.request(srv, ipc.SwitchSession{Session: 1}), unix.EPERM)
	expectError(t, a.request(srv, ipc.SwitchSession{Session: 7}), unix.EINVAL)

	if msg := a.request(srv, ipc.SwitchSession{Session: 2}); msg.Opcode() != ipc.OpDisableSeatEvent {
		t.Fatalf("got %s, want disable_seat", msg.Opcode())
	}
	a.send(ipc.DisableSeat{})
	pump(t, srv)
	if msg := b.recv(); msg.Opcode() != ipc.OpEnableSeatEvent {
		t.Fatalf("got %s, want enable_seat", msg.Opcode())
	}
}

func TestHangupHandsSeatOn(t *testing.T) {
	srv, _, devs := newTestServer(t, false)
	y := connect(t, srv)
	z := connect(t, srv)
	join(t, srv, y)
	y.recv()
	join(t, srv, z)

	for _, path := range []string{"/dev/dri/card0", "/dev/input/event1"} {
		if msg := y.request(srv, ipc.OpenDevice{Path: path}); msg.Opcode() != ipc.OpDeviceOpened {
			t.Fatalf("open_device reply = %s", msg.Opcode())
		}
	}

	y.conn.Close()
	pump(t, srv)

	if devs.closes != 2 {
		t.Fatalf("closes = %d, want 2", devs.closes)
	}
	if srv.ClientCount() != 1 {
		t.Fatalf("clients = %d, want 1", srv.ClientCount())
	}
	if msg := z.recv(); msg.Opcode() != ipc.OpEnableSeatEvent {
		t.Fatalf("got %s, want enable_seat", msg.Opcode())
	}
	if srv.Seat(DefaultSeatName).Active() != srv.clients[0].Member() {
		t.Fatal("remaining client not active")
	}
}

func TestCloseSeat(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	p := connect(t, srv)
	join(t, srv, p)
	p.recv()
	if msg := p.request(srv, ipc.CloseSeat{}); msg.Opcode() != ipc.OpSeatClosed {
		t.Fatalf("close_seat reply = %s", msg.Opcode())
	}
	if len(srv.Seat(DefaultSeatName).Clients()) != 0 {
		t.Fatal("client still seated")
	}
	// A connection joins at most once.
	expectError(t, p.request(srv, ipc.OpenSeat{}), unix.EINVAL)
}

func TestProtocolErrorDisconnects(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	p := connect(t, srv)

	p.send(ipc.Pong{})
	pump(t, srv)
	if srv.ClientCount() != 0 {
		t.Fatal("client survived a protocol error")
	}
	pfd := []unix.PollFd{{Fd: int32(p.conn.Fd()), Events: unix.POLLIN}}
	unix.Poll(pfd, 1000)
	if _, err := p.conn.Read(); !ipc.IsExpectedClose(err) {
		t.Fatalf("read after protocol error = %v, want EOF", err)
	}
}

func TestCloseSeatWithoutSeatDisconnects(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	p := connect(t, srv)
	p.send(ipc.CloseSeat{})
	pump(t, srv)
	if srv.ClientCount() != 0 {
		t.Fatal("client survived close_seat without a seat")
	}
}

func TestRateLimit(t *testing.T) {
	srv, err := New(Options{RateLimitAttempts: 1, Devices: &fakeDevices{}, Embedded: true})
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	connect(t, srv)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[1])
	if _, err := srv.AddClient(fds[0]); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second AddClient = %v, want ErrRateLimited", err)
	}
}

func TestListenAndAccept(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	path := filepath.Join(t.TempDir(), "seatd.sock")
	if err := srv.Listen(path, -1, -1); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o770 {
		t.Fatalf("socket mode = %v", info.Mode().Perm())
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	pump(t, srv)
	if srv.ClientCount() != 1 {
		t.Fatalf("clients = %d after connect", srv.ClientCount())
	}
	conn, err := ipc.NewConn(fd)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	p := &peer{t: t, conn: conn}
	if msg := p.request(srv, ipc.Ping{}); msg.Opcode() != ipc.OpPong {
		t.Fatalf("ping reply = %s", msg.Opcode())
	}

	// A second server must not steal a live socket.
	other, _, _ := newTestServer(t, false)
	if err := other.Listen(path, -1, -1); err == nil {
		t.Fatal("Listen on a live socket should fail")
	}

	srv.Close()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("socket not removed on close")
	}
}

func TestListenReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seatd.sock")
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		t.Fatal(err)
	}
	unix.Close(fd)

	srv, _, _ := newTestServer(t, false)
	if err := srv.Listen(path, -1, -1); err != nil {
		t.Fatalf("Listen over stale socket: %v", err)
	}
}

func TestRunStop(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	done := make(chan error, 1)
	go func() { done <- srv.Run() }()
	time.Sleep(20 * time.Millisecond)
	srv.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestCloseDestroysClients(t *testing.T) {
	srv, _, devs := newTestServer(t, false)
	p := connect(t, srv)
	join(t, srv, p)
	p.recv()
	p.request(srv, ipc.OpenDevice{Path: "/dev/dri/card0"})

	srv.Close()
	if srv.ClientCount() != 0 {
		t.Fatal("clients left after Close")
	}
	if devs.closes != 1 {
		t.Fatalf("closes = %d, want 1", devs.closes)
	}
}

func TestAddClientAfterClose(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	srv.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[1])
	if _, err := srv.AddClient(fds[0]); !errors.Is(err, ErrClosed) {
		t.Fatalf("AddClient after Close = %v, want ErrClosed", err)
	}
	// The server closed its end, so the peer sees end of file.
	buf := make([]byte, 1)
	if n, err := unix.Read(fds[1], buf); n != 0 || err != nil {
		t.Fatalf("read = %d, %v, want EOF", n, err)
	}
}
