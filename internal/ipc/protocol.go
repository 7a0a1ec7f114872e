package ipc

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/breeze-rmm/seatd/internal/logging"
)

var log = logging.L("ipc")

const (
	readChunk = 4096

	// maxFdsPerMsg bounds the fds attached to one sendmsg.
	maxFdsPerMsg = 28
)

// ErrNoFd is returned by TakeFd when no descriptor has been received.
var ErrNoFd = errors.New("ipc: no file descriptor received")

// Conn frames messages over a nonblocking stream socket. Bytes and file
// descriptors travel in two ordered queues: descriptors arrive as
// SCM_RIGHTS ancillary data and are handed out in arrival order.
//
// Conn never blocks. Read and Flush return early on EAGAIN; callers use
// WantsFlush to decide whether to wait for writability.
type Conn struct {
	fd     int
	in     []byte
	out    []byte
	fdsIn  []int
	fdsOut []int
}

// NewConn wraps fd, switching it to nonblocking mode.
func NewConn(fd int) (*Conn, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("ipc: set nonblocking: %w", err)
	}
	return &Conn{fd: fd}, nil
}

// Fd returns the underlying socket.
func (c *Conn) Fd() int { return c.fd }

// Read performs one recvmsg and buffers whatever arrived. It returns
// io.EOF when the peer has hung up and (0, nil) when nothing was ready.
func (c *Conn) Read() (int, error) {
	buf := make([]byte, readChunk)
	oob := make([]byte, unix.CmsgSpace(maxFdsPerMsg*4))

	n, oobn, _, _, err := unix.Recvmsg(c.fd, buf, oob, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("ipc: recvmsg: %w", err)
	}

	if oobn > 0 {
		if err := c.takeRights(oob[:oobn]); err != nil {
			return 0, err
		}
	}
	if n == 0 {
		return 0, io.EOF
	}
	c.in = append(c.in, buf[:n]...)
	return n, nil
}

func (c *Conn) takeRights(oob []byte) error {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return fmt.Errorf("ipc: parse control message: %w", err)
	}
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
		}
		c.fdsIn = append(c.fdsIn, fds...)
	}
	return nil
}

// Next returns the next complete message, or ok=false when the buffered
// bytes do not yet hold one. A header whose size exceeds the buffered
// payload is left in place until more bytes arrive.
func (c *Conn) Next() (msg Message, ok bool, err error) {
	if len(c.in) < HeaderSize {
		return nil, false, nil
	}
	h := ParseHeader(c.in)
	total := HeaderSize + int(h.Size)
	if len(c.in) < total {
		return nil, false, nil
	}

	payload := c.in[HeaderSize:total]
	msg, err = Decode(h, payload)
	c.in = c.in[total:]
	if len(c.in) == 0 {
		c.in = nil
	}
	if err != nil {
		return nil, false, err
	}
	return msg, true, nil
}

// Buffered returns the number of unparsed input bytes.
func (c *Conn) Buffered() int { return len(c.in) }

// Put queues m for sending.
func (c *Conn) Put(m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	c.out = append(c.out, b...)
	return nil
}

// PutFd queues a duplicate of fd to accompany the next flushed bytes. The
// caller keeps ownership of fd.
func (c *Conn) PutFd(fd int) error {
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("ipc: dup fd %d: %w", fd, err)
	}
	c.fdsOut = append(c.fdsOut, dup)
	return nil
}

// TakeFd hands the oldest received descriptor to the caller.
func (c *Conn) TakeFd() (int, error) {
	if len(c.fdsIn) == 0 {
		return -1, ErrNoFd
	}
	fd := c.fdsIn[0]
	c.fdsIn = c.fdsIn[1:]
	return fd, nil
}

// PendingFds returns the number of received descriptors not yet taken.
func (c *Conn) PendingFds() int { return len(c.fdsIn) }

// WantsFlush reports whether queued output remains.
func (c *Conn) WantsFlush() bool {
	return len(c.out) > 0 || len(c.fdsOut) > 0
}

// Flush writes as much queued output as the socket accepts. Descriptors
// ride along with the first bytes of each sendmsg. A short write leaves
// the remainder queued and returns a nil error.
func (c *Conn) Flush() (int, error) {
	written := 0
	for len(c.out) > 0 {
		var oob []byte
		nfds := min(len(c.fdsOut), maxFdsPerMsg)
		if nfds > 0 {
			oob = unix.UnixRights(c.fdsOut[:nfds]...)
		}

		n, err := unix.SendmsgN(c.fd, c.out, oob, nil, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				return written, nil
			}
			return written, fmt.Errorf("ipc: sendmsg: %w", err)
		}

		for _, fd := range c.fdsOut[:nfds] {
			unix.Close(fd)
		}
		c.fdsOut = c.fdsOut[nfds:]
		c.out = c.out[n:]
		written += n
	}
	c.out = nil
	if len(c.fdsOut) > 0 {
		log.Warn("descriptors queued without payload", "count", len(c.fdsOut))
	}
	return written, nil
}

// Close closes the socket and every descriptor still queued in either
// direction.
func (c *Conn) Close() error {
	for _, fd := range c.fdsIn {
		unix.Close(fd)
	}
	for _, fd := range c.fdsOut {
		unix.Close(fd)
	}
	c.fdsIn, c.fdsOut = nil, nil
	c.in, c.out = nil, nil
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}

// IsExpectedClose reports whether err is a normal peer disconnect.
func IsExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) || errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET)
}
