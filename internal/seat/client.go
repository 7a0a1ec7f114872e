package seat

import "github.com/breeze-rmm/seatd/internal/devices"

// State is a client's position in the enable/disable handshake.
type State int

const (
	StateNew State = iota
	StateActive
	StatePendingDisable
	StateDisabled
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateActive:
		return "active"
	case StatePendingDisable:
		return "pending_disable"
	case StateDisabled:
		return "disabled"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const noSession = -1

// Events receives the notifications a seat pushes to its clients.
type Events interface {
	EnableSeat()
	DisableSeat()
}

// Device is an open device node held on behalf of a client. The seat keeps
// FD open for as long as the record exists so it can revoke or demaster it.
type Device struct {
	ID   int
	Path string
	Type devices.Type
	FD   int

	refs   int
	active bool
}

// Refs returns how many outstanding opens share this device.
func (d *Device) Refs() int { return d.refs }

// Active reports whether the device is live rather than parked.
func (d *Device) Active() bool { return d.active }

// Client is one connection's membership in a seat.
type Client struct {
	// Label identifies the peer in logs and audit records.
	Label string

	events  Events
	seat    *Seat
	session int
	state   State
	devices []*Device
}

// NewClient returns an unseated client in StateNew.
func NewClient(label string, events Events) *Client {
	return &Client{
		Label:   label,
		events:  events,
		session: noSession,
		state:   StateNew,
	}
}

func (c *Client) Seat() *Seat  { return c.seat }
func (c *Client) State() State { return c.state }
func (c *Client) Session() int { return c.session }

// Devices returns the client's devices in the order they were opened.
func (c *Client) Devices() []*Device {
	out := make([]*Device, len(c.devices))
	copy(out, c.devices)
	return out
}

// Device looks up an open device by id.
func (c *Client) Device(id int) *Device {
	for _, d := range c.devices {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func (c *Client) deviceByPath(path string) *Device {
	for _, d := range c.devices {
		if d.Path == path {
			return d
		}
	}
	return nil
}

// nextDeviceID returns the smallest positive id not in use.
func (c *Client) nextDeviceID() int {
	used := make(map[int]bool, len(c.devices))
	for _, d := range c.devices {
		used[d.ID] = true
	}
	id := 1
	for used[id] {
		id++
	}
	return id
}

func (c *Client) dropDevice(d *Device) {
	for i, other := range c.devices {
		if other == d {
			c.devices = append(c.devices[:i], c.devices[i+1:]...)
			return
		}
	}
}
