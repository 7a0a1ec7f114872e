// Package seat arbitrates exclusive device access between the clients of a
// seat. At most one client is active at a time; handing the seat to another
// client goes through a disable event that the current owner acknowledges.
package seat

import (
	"errors"
	"fmt"
	"slices"

	"github.com/breeze-rmm/seatd/internal/audit"
	"github.com/breeze-rmm/seatd/internal/devices"
	"github.com/breeze-rmm/seatd/internal/logging"
)

var log = logging.L("seat")

// DefaultMaxDevices caps the devices a single client may hold open.
const DefaultMaxDevices = 128

const unknownVT = -1

// Terminal is the VT collaborator of a VT-bound seat.
type Terminal interface {
	CurrentVT() (int, error)
	Open(vt int) error
	Close(vt int) error
	Switch(cur, vt int) error
	AckRelease(vt int) error
	AckAcquire(vt int) error
}

// DeviceOps performs the privileged device operations.
type DeviceOps interface {
	Resolve(path string) (string, error)
	Open(path string) (int, error)
	Close(fd int) error
	SetMaster(fd int) error
	DropMaster(fd int) error
	Revoke(fd int) error
}

// Auditor records security-relevant transitions. *audit.Logger satisfies it.
type Auditor interface {
	Log(eventType, seat string, details map[string]any)
}

// Options configures a Seat.
type Options struct {
	VTBound    bool
	Terminal   Terminal
	Devices    DeviceOps
	Auditor    Auditor
	MaxDevices int
}

// Seat is a set of devices used by one client at a time.
type Seat struct {
	name       string
	vtBound    bool
	term       Terminal
	devs       DeviceOps
	auditor    Auditor
	maxDevices int

	clients    []*Client
	active     *Client
	next       *Client
	curVT      int
	sessionCnt int
}

// New creates an empty seat. A VT-bound seat requires a Terminal.
func New(name string, opts Options) (*Seat, error) {
	if opts.VTBound && opts.Terminal == nil {
		return nil, errors.New("seat: vt-bound seat needs a terminal")
	}
	if opts.Devices == nil {
		opts.Devices = devices.System{}
	}
	if opts.MaxDevices <= 0 {
		opts.MaxDevices = DefaultMaxDevices
	}
	return &Seat{
		name:       name,
		vtBound:    opts.VTBound,
		term:       opts.Terminal,
		devs:       opts.Devices,
		auditor:    opts.Auditor,
		maxDevices: opts.MaxDevices,
		curVT:      unknownVT,
	}, nil
}

func (s *Seat) Name() string    { return s.name }
func (s *Seat) VTBound() bool   { return s.vtBound }
func (s *Seat) Active() *Client { return s.active }

// Clients returns the seated clients in join order.
func (s *Seat) Clients() []*Client {
	return slices.Clone(s.clients)
}

// CurrentVT is the last resolved foreground VT, or -1 while released.
func (s *Seat) CurrentVT() int { return s.curVT }

func (s *Seat) audit(event string, c *Client, details map[string]any) {
	if s.auditor == nil {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	if c != nil {
		details["client"] = c.Label
		details["session"] = c.session
	}
	s.auditor.Log(event, s.name, details)
}

func (s *Seat) updateVT() error {
	vt, err := s.term.CurrentVT()
	if err != nil {
		s.curVT = unknownVT
		log.Error("could not determine current vt", logging.KeySeat, s.name, logging.KeyError, err)
		return err
	}
	s.curVT = vt
	return nil
}

// AddClient seats c. On a VT-bound seat the client's session is the
// foreground VT at join time and no two clients may share it.
func (s *Seat) AddClient(c *Client) error {
	if c.seat != nil {
		return fmt.Errorf("seat: client already seated: %w", ErrBusy)
	}
	if s.vtBound && s.active != nil && s.active.state != StatePendingDisable {
		return fmt.Errorf("seat: %s has an active client: %w", s.name, ErrBusy)
	}
	if c.session != noSession {
		return fmt.Errorf("seat: client already had session %d: %w", c.session, ErrInvalid)
	}

	if s.vtBound {
		if err := s.updateVT(); err != nil {
			return fmt.Errorf("seat: resolve current vt: %w", err)
		}
		for _, other := range s.clients {
			if other.session == s.curVT {
				return fmt.Errorf("seat: vt %d already taken: %w", s.curVT, ErrBusy)
			}
		}
		c.session = s.curVT
	} else {
		s.sessionCnt++
		c.session = s.sessionCnt
	}

	c.seat = s
	s.clients = append(s.clients, c)
	log.Info("client joined", logging.KeySeat, s.name, logging.KeyClient, c.Label, logging.KeySession, c.session)
	s.audit(audit.EventClientJoined, c, nil)
	return nil
}

// RemoveClient takes c off the seat, closing every device it holds. If c
// was active another client is activated in its place.
func (s *Seat) RemoveClient(c *Client) error {
	if c.seat != s {
		return fmt.Errorf("seat: client not on %s: %w", s.name, ErrInvalid)
	}
	if i := slices.Index(s.clients, c); i >= 0 {
		s.clients = slices.Delete(s.clients, i, i+1)
	}
	if s.next == c {
		s.next = nil
	}

	for _, d := range c.Devices() {
		s.destroyDevice(c, d)
	}

	wasCurrent := s.active == c
	if wasCurrent {
		s.active = nil
		s.activate()
	}

	if s.vtBound {
		switch {
		case wasCurrent && s.active == nil:
			// Nobody took over; undo what OpenClient did to c's own VT,
			// which need not be the foreground one any more.
			if c.session > 0 {
				s.closeVT(c.session)
			}
		case !wasCurrent && c.state != StateClosed && c.session > 0:
			s.closeVT(c.session)
		}
	}

	c.state = StateClosed
	c.seat = nil
	log.Info("client left", logging.KeySeat, s.name, logging.KeyClient, c.Label, logging.KeySession, c.session)
	s.audit(audit.EventClientRemoved, c, nil)
	return nil
}

func (s *Seat) closeVT(vt int) {
	if err := s.term.Close(vt); err != nil {
		log.Error("could not close vt", logging.KeySeat, s.name, logging.KeyVT, vt, logging.KeyError, err)
	}
}

// OpenClient makes c the active client, reactivating its devices and
// sending it enable_seat.
func (s *Seat) OpenClient(c *Client) error {
	if c.seat != s {
		return fmt.Errorf("seat: client not on %s: %w", s.name, ErrInvalid)
	}
	if c.state != StateNew && c.state != StateDisabled {
		return fmt.Errorf("seat: client is %s: %w", c.state, ErrAlready)
	}
	if s.active != nil {
		return fmt.Errorf("seat: %s already has an active client: %w", s.name, ErrBusy)
	}

	if s.vtBound {
		if err := s.term.Open(c.session); err != nil {
			return fmt.Errorf("seat: open vt %d: %w", c.session, err)
		}
	}

	for _, d := range c.devices {
		if err := s.activateDevice(d); err != nil {
			log.Error("could not activate device", logging.KeyClient, c.Label, logging.KeyDevice, d.Path, logging.KeyError, err)
		}
	}

	c.state = StateActive
	s.active = c
	log.Info("client activated", logging.KeySeat, s.name, logging.KeyClient, c.Label, logging.KeySession, c.session)
	s.audit(audit.EventClientActivated, c, nil)
	c.events.EnableSeat()
	return nil
}

// disableClient parks c's devices and asks it to acknowledge.
func (s *Seat) disableClient(c *Client) error {
	if c.state != StateActive {
		return fmt.Errorf("seat: client is %s: %w", c.state, ErrBusy)
	}
	for _, d := range c.devices {
		if err := s.deactivateDevice(d); err != nil {
			log.Error("could not deactivate device", logging.KeyClient, c.Label, logging.KeyDevice, d.Path, logging.KeyError, err)
		}
	}
	c.state = StatePendingDisable
	log.Info("client disabling", logging.KeySeat, s.name, logging.KeyClient, c.Label, logging.KeySession, c.session)
	s.audit(audit.EventClientDisabled, c, nil)
	c.events.DisableSeat()
	return nil
}

// AckDisableClient completes the disable handshake for c.
func (s *Seat) AckDisableClient(c *Client) error {
	if c.seat != s {
		return fmt.Errorf("seat: client not on %s: %w", s.name, ErrInvalid)
	}
	if c.state != StatePendingDisable {
		return fmt.Errorf("seat: client is %s: %w", c.state, ErrBusy)
	}
	c.state = StateDisabled
	log.Debug("client acknowledged disable", logging.KeySeat, s.name, logging.KeyClient, c.Label)
	if s.active == c {
		s.active = nil
		s.activate()
	}
	return nil
}

// activate fills an empty active slot: the queued client first, then on
// a plain seat the oldest client, otherwise whoever owns the current VT.
func (s *Seat) activate() {
	if s.active != nil {
		return
	}

	var next *Client
	switch {
	case s.next != nil:
		next = s.next
		s.next = nil
	case !s.vtBound:
		if len(s.clients) > 0 {
			next = s.clients[0]
		}
	default:
		if err := s.updateVT(); err != nil {
			return
		}
		for _, c := range s.clients {
			if c.session == s.curVT {
				next = c
				break
			}
		}
	}
	if next == nil {
		log.Debug("no client to activate", logging.KeySeat, s.name)
		return
	}
	if err := s.OpenClient(next); err != nil {
		log.Error("could not activate client", logging.KeySeat, s.name, logging.KeyClient, next.Label, logging.KeyError, err)
	}
}

// SetNextSession asks for the seat to move to session. The caller must be
// the active client. On a VT-bound seat this only requests a VT switch; the
// kernel's release and acquire signals drive the rest.
func (s *Seat) SetNextSession(c *Client, session int) error {
	if c.seat != s {
		return fmt.Errorf("seat: client not on %s: %w", s.name, ErrInvalid)
	}
	if c.state != StateActive {
		return ErrNotPermitted
	}
	if session <= 0 {
		return fmt.Errorf("seat: invalid session %d: %w", session, ErrInvalid)
	}
	if session == c.session {
		log.Debug("switch to current session ignored", logging.KeySeat, s.name, logging.KeySession, session)
		return nil
	}
	if s.next != nil {
		log.Debug("session switch already queued", logging.KeySeat, s.name, logging.KeySession, session)
		return nil
	}

	if s.vtBound {
		log.Info("switching vt", logging.KeySeat, s.name, logging.KeyVT, session)
		if err := s.term.Switch(s.curVT, session); err != nil {
			return fmt.Errorf("seat: switch to vt %d: %w", session, err)
		}
		return nil
	}

	var target *Client
	for _, other := range s.clients {
		if other.session == session {
			target = other
			break
		}
	}
	if target == nil {
		return fmt.Errorf("seat: no client with session %d: %w", session, ErrInvalid)
	}
	log.Info("switching session", logging.KeySeat, s.name, logging.KeySession, session)
	s.next = target
	return s.disableClient(c)
}

// VTRelease handles the kernel asking the seat to give up its VT.
func (s *Seat) VTRelease() error {
	if !s.vtBound {
		return fmt.Errorf("seat: %s is not vt-bound: %w", s.name, ErrInvalid)
	}
	s.updateVT()
	log.Debug("vt release requested", logging.KeySeat, s.name, logging.KeyVT, s.curVT)
	s.audit(audit.EventVTRelease, nil, map[string]any{"vt": s.curVT})

	if s.active != nil {
		if err := s.disableClient(s.active); err != nil {
			log.Warn("could not disable active client", logging.KeySeat, s.name, logging.KeyError, err)
		}
	}
	var err error
	if ackErr := s.term.AckRelease(s.curVT); ackErr != nil {
		err = fmt.Errorf("seat: ack vt release: %w", ackErr)
	}
	s.curVT = unknownVT
	return err
}

// VTActivate handles the kernel handing a VT back to the seat.
func (s *Seat) VTActivate() error {
	if !s.vtBound {
		return fmt.Errorf("seat: %s is not vt-bound: %w", s.name, ErrInvalid)
	}
	if s.curVT != unknownVT {
		log.Debug("vt activation without release", logging.KeySeat, s.name, logging.KeyVT, s.curVT)
	}
	s.updateVT()
	log.Debug("vt acquired", logging.KeySeat, s.name, logging.KeyVT, s.curVT)
	s.audit(audit.EventVTAcquire, nil, map[string]any{"vt": s.curVT})

	var err error
	if ackErr := s.term.AckAcquire(s.curVT); ackErr != nil {
		err = fmt.Errorf("seat: ack vt acquire: %w", ackErr)
	}
	if s.active == nil {
		s.activate()
	} else {
		log.Debug("vt acquired with client still active", logging.KeySeat, s.name, logging.KeyClient, s.active.Label)
	}
	return err
}
