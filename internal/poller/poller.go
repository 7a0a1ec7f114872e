// Package poller multiplexes file descriptor readiness and POSIX signals
// into callbacks run on a single goroutine.
package poller

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/breeze-rmm/seatd/internal/logging"
)

var log = logging.L("poller")

// Event is a readiness mask.
type Event uint32

const (
	Readable Event = 1 << iota
	Writable
	Error
	Hangup
)

// ErrClosed is returned when polling a closed poller.
var ErrClosed = errors.New("poller: closed")

// FdHandler is called with the fd and the events it is ready for.
type FdHandler func(fd int, events Event) error

// SignalHandler is called on the polling goroutine after sig was raised.
type SignalHandler func(sig os.Signal) error

// FdSource is a registered file descriptor.
type FdSource struct {
	poller  *Poller
	fd      int
	mask    Event
	handler FdHandler
	killed  bool
}

// SignalSource is a registered signal.
type SignalSource struct {
	poller  *Poller
	sig     os.Signal
	handler SignalHandler
	raised  bool
	killed  bool
}

// Poller owns a self-pipe: the signal relay goroutine and Wake write a
// byte to it, and Poll always watches its read end first.
type Poller struct {
	fds     []*FdSource
	signals []*SignalSource
	dirty   bool

	pipeR, pipeW int

	sigCh   chan os.Signal
	relayWG sync.WaitGroup

	mu      sync.Mutex // guards pending
	pending map[os.Signal]bool

	pollfds []unix.PollFd
	closed  bool
}

// New creates a poller.
func New() (*Poller, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("poller: create self-pipe: %w", err)
	}
	poller := &Poller{
		pipeR:   p[0],
		pipeW:   p[1],
		sigCh:   make(chan os.Signal, 16),
		pending: make(map[os.Signal]bool),
	}
	poller.relayWG.Add(1)
	go poller.relay()
	return poller, nil
}

// relay is the only code that runs on signal delivery. It records the
// signal and wakes the polling goroutine; it never calls handlers.
func (p *Poller) relay() {
	defer p.relayWG.Done()
	for sig := range p.sigCh {
		p.mu.Lock()
		p.pending[sig] = true
		p.mu.Unlock()
		p.Wake()
	}
}

// Wake interrupts a blocked Poll. Safe from any goroutine.
func (p *Poller) Wake() {
	// EAGAIN means the pipe already holds a wakeup.
	unix.Write(p.pipeW, []byte{0})
}

// AddFd registers fd for the events in mask.
func (p *Poller) AddFd(fd int, mask Event, handler FdHandler) (*FdSource, error) {
	if p.closed {
		return nil, ErrClosed
	}
	if fd < 0 || handler == nil {
		return nil, fmt.Errorf("poller: invalid fd source %d", fd)
	}
	src := &FdSource{poller: p, fd: fd, mask: mask, handler: handler}
	p.fds = append(p.fds, src)
	return src, nil
}

// Fd returns the registered file descriptor.
func (s *FdSource) Fd() int { return s.fd }

// Mask returns the current interest mask.
func (s *FdSource) Mask() Event { return s.mask }

// Update replaces the interest mask.
func (s *FdSource) Update(mask Event) {
	s.mask = mask
}

// Remove unregisters the source. It may be called from inside any
// handler; the source is skipped for the rest of the current dispatch.
func (s *FdSource) Remove() {
	if s.killed {
		return
	}
	s.killed = true
	s.poller.dirty = true
}

// AddSignal routes sig to handler. Registering the same signal twice
// delivers it to both handlers.
func (p *Poller) AddSignal(sig os.Signal, handler SignalHandler) (*SignalSource, error) {
	if p.closed {
		return nil, ErrClosed
	}
	if handler == nil {
		return nil, fmt.Errorf("poller: nil handler for %v", sig)
	}
	src := &SignalSource{poller: p, sig: sig, handler: handler}
	p.signals = append(p.signals, src)
	signal.Notify(p.sigCh, sig)
	return src, nil
}

// Remove unregisters the signal source.
func (s *SignalSource) Remove() {
	if s.killed {
		return
	}
	s.killed = true
	s.poller.dirty = true

	for _, other := range s.poller.signals {
		if other != s && !other.killed && other.sig == s.sig {
			return
		}
	}
	signal.Reset(s.sig)
}

// Poll blocks until at least one source is ready and dispatches it.
func (p *Poller) Poll() error {
	_, err := p.PollTimeout(-1)
	return err
}

// PollTimeout waits up to timeoutMs milliseconds (-1 blocks) and returns
// the number of handlers run. Signal handlers run before fd handlers, fd
// handlers in registration order, each at most once per call.
func (p *Poller) PollTimeout(timeoutMs int) (int, error) {
	if p.closed {
		return 0, ErrClosed
	}
	p.compact()

	p.pollfds = p.pollfds[:0]
	p.pollfds = append(p.pollfds, unix.PollFd{Fd: int32(p.pipeR), Events: unix.POLLIN})
	for _, src := range p.fds {
		p.pollfds = append(p.pollfds, unix.PollFd{Fd: int32(src.fd), Events: toPoll(src.mask)})
	}

	for {
		_, err := unix.Poll(p.pollfds, timeoutMs)
		if err == nil {
			break
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return 0, fmt.Errorf("poller: poll: %w", err)
	}

	dispatched := 0
	var firstErr error

	if p.pollfds[0].Revents&unix.POLLIN != 0 {
		p.drainPipe()
		n, err := p.dispatchSignals()
		dispatched += n
		firstErr = err
	}

	// Sources added by a handler during this pass were not polled; only
	// the snapshot taken above is dispatched.
	polled := p.fds[:len(p.pollfds)-1]
	for i, src := range polled {
		revents := fromPoll(p.pollfds[i+1].Revents)
		if revents == 0 || src.killed {
			continue
		}
		dispatched++
		if err := src.handler(src.fd, revents); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	p.compact()
	return dispatched, firstErr
}

func (p *Poller) dispatchSignals() (int, error) {
	p.mu.Lock()
	for _, src := range p.signals {
		if p.pending[src.sig] {
			src.raised = true
		}
	}
	clear(p.pending)
	p.mu.Unlock()

	n := 0
	var firstErr error
	for _, src := range p.signals {
		if !src.raised || src.killed {
			continue
		}
		src.raised = false
		n++
		if err := src.handler(src.sig); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return n, firstErr
}

func (p *Poller) drainPipe() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.pipeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (p *Poller) compact() {
	if !p.dirty {
		return
	}
	p.dirty = false

	fds := p.fds[:0]
	for _, src := range p.fds {
		if !src.killed {
			fds = append(fds, src)
		}
	}
	clear(p.fds[len(fds):])
	p.fds = fds

	signals := p.signals[:0]
	for _, src := range p.signals {
		if !src.killed {
			signals = append(signals, src)
		}
	}
	clear(p.signals[len(signals):])
	p.signals = signals
}

// Close stops signal delivery and releases the self-pipe. Registered fds
// are not closed.
func (p *Poller) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true

	signal.Stop(p.sigCh)
	for _, src := range p.signals {
		if !src.killed {
			signal.Reset(src.sig)
		}
	}
	close(p.sigCh)
	p.relayWG.Wait()

	p.fds = nil
	p.signals = nil
	unix.Close(p.pipeW)
	unix.Close(p.pipeR)
	log.Debug("poller closed")
	return nil
}

func toPoll(mask Event) int16 {
	var ev int16
	if mask&Readable != 0 {
		ev |= unix.POLLIN
	}
	if mask&Writable != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

func fromPoll(revents int16) Event {
	var ev Event
	if revents&unix.POLLIN != 0 {
		ev |= Readable
	}
	if revents&unix.POLLOUT != 0 {
		ev |= Writable
	}
	if revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		ev |= Error
	}
	if revents&unix.POLLHUP != 0 {
		ev |= Hangup
	}
	return ev
}

// Terminating lists the signals seatd treats as a stop request.
var Terminating = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
