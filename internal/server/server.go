// Package server runs the seat broker: it accepts connections, routes
// their requests to the seat, and turns VT signals into seat transitions.
// Everything runs on the goroutine that calls Run.
package server

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/breeze-rmm/seatd/internal/audit"
	"github.com/breeze-rmm/seatd/internal/ipc"
	"github.com/breeze-rmm/seatd/internal/logging"
	"github.com/breeze-rmm/seatd/internal/poller"
	"github.com/breeze-rmm/seatd/internal/seat"
	"github.com/breeze-rmm/seatd/internal/terminal"
)

var log = logging.L("server")

const (
	// DefaultSeatName is the seat every client joins.
	DefaultSeatName = "seat0"

	// DefaultRateLimitAttempts is the connections allowed per UID per window.
	DefaultRateLimitAttempts = 30

	// DefaultRateLimitWindow is the sliding window for rate limiting.
	DefaultRateLimitWindow = 60 * time.Second

	listenBacklog = 128
)

var (
	ErrRateLimited = errors.New("server: connection rate limited")
	ErrClosed      = errors.New("server: closed")
)

// Options configures a Server.
type Options struct {
	SeatName string
	VTBound  bool

	// Terminal defaults to the kernel VT driver for VT-bound seats.
	Terminal seat.Terminal
	// Devices defaults to devices.System.
	Devices seat.DeviceOps
	Auditor *audit.Logger

	MaxDevicesPerClient int
	RateLimitAttempts   int
	RateLimitWindow     time.Duration

	// OnHangup runs on SIGHUP, typically to reopen log files.
	OnHangup func()

	// Embedded leaves SIGINT, SIGTERM and SIGHUP to the host program.
	Embedded bool
}

// Server owns the seats and every client connection.
type Server struct {
	poller   *poller.Poller
	seats    []*seat.Seat
	clients  []*Client
	auditor  *audit.Logger
	limiter  *ipc.RateLimiter
	onHangup func()

	socketPath string
	listenFd   int
	listenSrc  *poller.FdSource

	stopping atomic.Bool

	mu     sync.Mutex // guards closed against Stop from other goroutines
	closed bool
}

// New creates a server with its seat and signal routing in place. It
// does not listen until Listen is called.
func New(opts Options) (*Server, error) {
	if opts.SeatName == "" {
		opts.SeatName = DefaultSeatName
	}
	if opts.VTBound && opts.Terminal == nil {
		opts.Terminal = &terminal.Terminal{}
	}
	if opts.RateLimitWindow <= 0 {
		opts.RateLimitWindow = DefaultRateLimitWindow
	}

	p, err := poller.New()
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	seatOpts := seat.Options{
		VTBound:    opts.VTBound,
		Terminal:   opts.Terminal,
		Devices:    opts.Devices,
		MaxDevices: opts.MaxDevicesPerClient,
	}
	if opts.Auditor != nil {
		seatOpts.Auditor = opts.Auditor
	}
	st, err := seat.New(opts.SeatName, seatOpts)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("server: %w", err)
	}

	s := &Server{
		poller:   p,
		seats:    []*seat.Seat{st},
		auditor:  opts.Auditor,
		limiter:  ipc.NewRateLimiter(opts.RateLimitAttempts, opts.RateLimitWindow),
		onHangup: opts.OnHangup,
		listenFd: -1,
	}

	routes := map[os.Signal]poller.SignalHandler{}
	if opts.VTBound {
		routes[terminal.ReleaseSignal] = s.handleVTRelease
		routes[terminal.AcquireSignal] = s.handleVTAcquire
	}
	if !opts.Embedded {
		routes[syscall.SIGHUP] = s.handleHangup
		for _, sig := range poller.Terminating {
			routes[sig] = s.handleTerminate
		}
	}
	for sig, handler := range routes {
		if _, err := p.AddSignal(sig, handler); err != nil {
			p.Close()
			return nil, fmt.Errorf("server: register %v: %w", sig, err)
		}
	}

	log.Info("seat created", logging.KeySeat, st.Name(), "vtBound", st.VTBound())
	return s, nil
}

// Seat returns the seat called name, or nil.
func (s *Server) Seat(name string) *seat.Seat {
	for _, st := range s.seats {
		if st.Name() == name {
			return st
		}
	}
	return nil
}

func (s *Server) defaultSeat() *seat.Seat {
	return s.seats[0]
}

// ClientCount returns the number of open connections, seated or idle.
func (s *Server) ClientCount() int { return len(s.clients) }

// AddClient adopts a connected stream socket. The server owns fd from
// here on, including when an error is returned.
func (s *Server) AddClient(fd int) (*Client, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		unix.Close(fd)
		return nil, ErrClosed
	}

	creds, err := ipc.GetPeerCredentials(fd)
	if err != nil {
		log.Warn("could not read peer credentials", logging.KeyError, err)
		unknown := ipc.UnknownPeer
		creds = &unknown
	}

	if !s.limiter.Allow(creds.UID) {
		log.Warn("connection rate limited", "uid", creds.UID, "pid", creds.PID)
		s.auditor.Log(audit.EventConnectionDenied, "", map[string]any{"peer": creds.String()})
		unix.Close(fd)
		return nil, ErrRateLimited
	}

	conn, err := ipc.NewConn(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("server: %w", err)
	}

	c := &Client{server: s, conn: conn, creds: *creds}
	src, err := s.poller.AddFd(fd, poller.Readable, c.handle)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("server: %w", err)
	}
	c.src = src
	s.clients = append(s.clients, c)

	log.Info("client connected", logging.KeyClient, c.creds.String())
	s.auditor.Log(audit.EventConnection, "", map[string]any{"peer": c.creds.String()})
	return c, nil
}

func (s *Server) removeClient(c *Client) {
	if i := slices.Index(s.clients, c); i >= 0 {
		s.clients = slices.Delete(s.clients, i, i+1)
	}
}

func (s *Server) accept(fd int, events poller.Event) error {
	if events&(poller.Error|poller.Hangup) != 0 {
		return fmt.Errorf("server: listening socket failed")
	}
	nfd, _, err := unix.Accept(fd)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED) {
			return nil
		}
		log.Warn("accept failed", logging.KeyError, err)
		return nil
	}
	unix.CloseOnExec(nfd)
	if _, err := s.AddClient(nfd); err != nil && !errors.Is(err, ErrRateLimited) {
		log.Warn("could not add client", logging.KeyError, err)
	}
	return nil
}

func (s *Server) handleVTRelease(os.Signal) error {
	for _, st := range s.seats {
		if !st.VTBound() {
			continue
		}
		if err := st.VTRelease(); err != nil {
			log.Error("vt release failed", logging.KeySeat, st.Name(), logging.KeyError, err)
		}
	}
	return nil
}

func (s *Server) handleVTAcquire(os.Signal) error {
	for _, st := range s.seats {
		if !st.VTBound() {
			continue
		}
		if err := st.VTActivate(); err != nil {
			log.Error("vt acquire failed", logging.KeySeat, st.Name(), logging.KeyError, err)
		}
	}
	return nil
}

func (s *Server) handleTerminate(sig os.Signal) error {
	log.Info("stopping", "signal", sig.String())
	s.stopping.Store(true)
	return nil
}

func (s *Server) handleHangup(os.Signal) error {
	if s.onHangup != nil {
		s.onHangup()
	}
	return nil
}

// Run dispatches events until Stop is called or a terminating signal
// arrives. It returns an error only if the event loop itself fails.
func (s *Server) Run() error {
	for !s.stopping.Load() {
		if err := s.poller.Poll(); err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}
	return nil
}

// Stop makes Run return after the current dispatch. Safe from any
// goroutine.
func (s *Server) Stop() {
	s.stopping.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.poller.Wake()
	}
}

// Close disconnects every client, then releases the seats, the listening
// socket and the poller.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	for _, c := range slices.Clone(s.clients) {
		c.destroy()
	}
	for _, st := range s.seats {
		log.Debug("seat destroyed", logging.KeySeat, st.Name())
	}
	s.seats = nil

	s.closeListener()
	err := s.poller.Close()
	log.Info("server closed")
	return err
}
