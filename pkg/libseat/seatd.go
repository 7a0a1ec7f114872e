package libseat

import (
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sys/unix"

	"github.com/breeze-rmm/seatd/internal/ipc"
	"github.com/breeze-rmm/seatd/internal/logging"
)

type heldDevice struct {
	fd   int
	refs int
}

// seatdSeat speaks the seatd protocol over a stream socket.
type seatdSeat struct {
	conn     *ipc.Conn
	listener Listener
	name     string

	// Events read while waiting for a reply, run by the next Dispatch.
	pending []ipc.Opcode
	// pinged is set while a ping is outstanding to wake the caller.
	pinged bool

	devices map[int]*heldDevice
	closed  bool

	// onClose runs after the connection is closed.
	onClose func()
}

// DialSeatd connects to the seatd socket at path and joins its seat.
func DialSeatd(path string, listener Listener) (Seat, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("libseat: socket: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("libseat: connect %s: %w", path, err)
	}
	s, err := newSeatdSeat(fd, listener)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// newSeatdSeat joins the seat over an already connected socket.
func newSeatdSeat(fd int, listener Listener) (*seatdSeat, error) {
	conn, err := ipc.NewConn(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	s := &seatdSeat{
		conn:     conn,
		listener: listener,
		devices:  make(map[int]*heldDevice),
	}

	msg, err := s.request(ipc.OpenSeat{}, ipc.OpSeatOpened)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.name = msg.(ipc.SeatOpened).SeatName
	s.wakeIfPending()
	return s, nil
}

func (s *seatdSeat) Name() string { return s.name }
func (s *seatdSeat) FD() int      { return s.conn.Fd() }

func (s *seatdSeat) send(m ipc.Message) error {
	if s.closed {
		return ErrClosed
	}
	if err := s.conn.Put(m); err != nil {
		return err
	}
	for s.conn.WantsFlush() {
		if _, err := s.conn.Flush(); err != nil {
			return err
		}
		if s.conn.WantsFlush() {
			pfd := []unix.PollFd{{Fd: int32(s.conn.Fd()), Events: unix.POLLOUT}}
			if _, err := unix.Poll(pfd, -1); err != nil && !errors.Is(err, unix.EINTR) {
				return fmt.Errorf("libseat: poll: %w", err)
			}
		}
	}
	return nil
}

// readMessage returns the next message, waiting up to timeoutMs for one.
func (s *seatdSeat) readMessage(timeoutMs int) (ipc.Message, bool, error) {
	for {
		msg, ok, err := s.conn.Next()
		if err != nil || ok {
			return msg, ok, err
		}
		pfd := []unix.PollFd{{Fd: int32(s.conn.Fd()), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, timeoutMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return nil, false, fmt.Errorf("libseat: poll: %w", err)
		}
		if n == 0 {
			return nil, false, nil
		}
		if _, err := s.conn.Read(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, false, fmt.Errorf("libseat: seatd hung up: %w", err)
			}
			return nil, false, err
		}
		// Drained the socket; anything further is a fresh wait.
		if timeoutMs == 0 {
			msg, ok, err := s.conn.Next()
			return msg, ok, err
		}
	}
}

// request sends m and waits for a reply with opcode want. Events that
// arrive in between are queued for Dispatch.
func (s *seatdSeat) request(m ipc.Message, want ipc.Opcode) (ipc.Message, error) {
	if err := s.send(m); err != nil {
		return nil, err
	}
	for {
		msg, ok, err := s.readMessage(-1)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		switch op := msg.Opcode(); {
		case op.IsEvent():
			s.pending = append(s.pending, op)
		case op == ipc.OpPong:
			s.pinged = false
		case op == ipc.OpError:
			return nil, unix.Errno(msg.(ipc.ErrorReply).Code)
		case op == want:
			return msg, nil
		default:
			return nil, fmt.Errorf("%w: got %s waiting for %s", ipc.ErrProtocol, op, want)
		}
	}
}

// wakeIfPending makes FD readable when events were queued during a
// request, so the caller's poll loop comes back to Dispatch.
func (s *seatdSeat) wakeIfPending() {
	if len(s.pending) == 0 || s.pinged {
		return
	}
	if err := s.send(ipc.Ping{}); err != nil {
		log.Warn("could not send wakeup ping", logging.KeyError, err)
		return
	}
	s.pinged = true
}

func (s *seatdSeat) runEvent(op ipc.Opcode) {
	switch op {
	case ipc.OpEnableSeatEvent:
		s.listener.EnableSeat(s)
	case ipc.OpDisableSeatEvent:
		s.listener.DisableSeat(s)
	}
}

func (s *seatdSeat) Dispatch(timeout time.Duration) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	for len(s.pending) > 0 {
		op := s.pending[0]
		s.pending = s.pending[1:]
		s.runEvent(op)
		n++
	}

	wait := timeoutMillis(timeout)
	if n > 0 {
		wait = 0
	}
	for {
		msg, ok, err := s.readMessage(wait)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		wait = 0
		switch op := msg.Opcode(); {
		case op.IsEvent():
			s.runEvent(op)
			n++
		case op == ipc.OpPong:
			s.pinged = false
		case op == ipc.OpError:
			// Failures of switch_session and disable_seat come back late.
			log.Warn("seatd reported an error", logging.KeyError, unix.Errno(msg.(ipc.ErrorReply).Code))
		default:
			return n, fmt.Errorf("%w: unexpected %s", ipc.ErrProtocol, op)
		}
	}
}

func (s *seatdSeat) OpenDevice(path string) (Device, error) {
	msg, err := s.request(ipc.OpenDevice{Path: path}, ipc.OpDeviceOpened)
	defer s.wakeIfPending()
	if err != nil {
		return Device{}, fmt.Errorf("libseat: open %s: %w", path, err)
	}
	id := int(msg.(ipc.DeviceOpened).DeviceID)

	// seatd sends a descriptor only the first time a path is opened.
	if held, ok := s.devices[id]; ok {
		held.refs++
		return Device{ID: id, FD: held.fd}, nil
	}
	fd, err := s.conn.TakeFd()
	if err != nil {
		return Device{}, fmt.Errorf("libseat: open %s: %w", path, err)
	}
	s.devices[id] = &heldDevice{fd: fd, refs: 1}
	return Device{ID: id, FD: fd}, nil
}

func (s *seatdSeat) CloseDevice(id int) error {
	_, err := s.request(ipc.CloseDevice{DeviceID: int32(id)}, ipc.OpDeviceClosed)
	defer s.wakeIfPending()
	if err != nil {
		return fmt.Errorf("libseat: close device %d: %w", id, err)
	}
	if held, ok := s.devices[id]; ok {
		held.refs--
		if held.refs <= 0 {
			unix.Close(held.fd)
			delete(s.devices, id)
		}
	}
	return nil
}

func (s *seatdSeat) SwitchSession(session int) error {
	if session <= 0 {
		return fmt.Errorf("libseat: invalid session %d: %w", session, unix.EINVAL)
	}
	return s.send(ipc.SwitchSession{Session: int32(session)})
}

func (s *seatdSeat) DisableSeat() error {
	return s.send(ipc.DisableSeat{})
}

func (s *seatdSeat) Close() error {
	if s.closed {
		return nil
	}
	_, err := s.request(ipc.CloseSeat{}, ipc.OpSeatClosed)
	s.closed = true
	for id, held := range s.devices {
		unix.Close(held.fd)
		delete(s.devices, id)
	}
	s.conn.Close()
	if s.onClose != nil {
		s.onClose()
	}
	if err != nil {
		return fmt.Errorf("libseat: close seat: %w", err)
	}
	return nil
}
