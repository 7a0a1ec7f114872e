package server

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/breeze-rmm/seatd/internal/ipc"
	"github.com/breeze-rmm/seatd/internal/logging"
	"github.com/breeze-rmm/seatd/internal/poller"
	"github.com/breeze-rmm/seatd/internal/seat"
)

// Client is one connection. It is idle until open_seat succeeds.
type Client struct {
	server *Server
	conn   *ipc.Conn
	src    *poller.FdSource
	creds  ipc.PeerCredentials

	// member is the client's seat membership, created on first open_seat.
	member *seat.Client

	// dead is set when a write fails; the client is destroyed on its next
	// wakeup rather than in the middle of someone else's transition.
	dead      bool
	destroyed bool
}

// Credentials returns the peer credentials captured at connect time.
func (c *Client) Credentials() ipc.PeerCredentials { return c.creds }

// Member returns the seat membership, or nil while idle.
func (c *Client) Member() *seat.Client { return c.member }

func (c *Client) seated() bool {
	return c.member != nil && c.member.Seat() != nil
}

// EnableSeat and DisableSeat deliver seat events to the peer.
func (c *Client) EnableSeat()  { c.send(ipc.EnableSeatEvent{}) }
func (c *Client) DisableSeat() { c.send(ipc.DisableSeatEvent{}) }

func (c *Client) send(m ipc.Message) {
	if c.destroyed || c.dead {
		return
	}
	if err := c.conn.Put(m); err != nil {
		log.Error("could not encode message", "opcode", m.Opcode().String(), logging.KeyError, err)
		return
	}
	c.flush()
}

func (c *Client) sendError(err error) {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		errno = unix.EIO
	}
	log.Debug("request failed", logging.KeyClient, c.creds.String(), logging.KeyError, err)
	c.send(ipc.ErrorReply{Code: int32(errno)})
}

func (c *Client) flush() {
	if _, err := c.conn.Flush(); err != nil {
		if !ipc.IsExpectedClose(err) {
			log.Warn("write failed", logging.KeyClient, c.creds.String(), logging.KeyError, err)
		}
		c.dead = true
		// Poll reports the broken socket on the next turn.
		c.src.Update(poller.Readable | poller.Writable)
		return
	}
	if c.conn.WantsFlush() {
		c.src.Update(poller.Readable | poller.Writable)
	} else {
		c.src.Update(poller.Readable)
	}
}

func (c *Client) handle(fd int, events poller.Event) error {
	if c.dead {
		c.destroy()
		return nil
	}
	if events&poller.Writable != 0 {
		c.flush()
		if c.dead {
			c.destroy()
			return nil
		}
	}
	if events&poller.Readable != 0 {
		if _, err := c.conn.Read(); err != nil {
			if !ipc.IsExpectedClose(err) {
				log.Warn("read failed", logging.KeyClient, c.creds.String(), logging.KeyError, err)
			}
			c.destroy()
			return nil
		}
		if err := c.processInput(); err != nil {
			log.Warn("dropping client", logging.KeyClient, c.creds.String(), logging.KeyError, err)
			c.destroy()
			return nil
		}
	} else if events&(poller.Hangup|poller.Error) != 0 {
		c.destroy()
	}
	return nil
}

// processInput dispatches every complete request in arrival order.
func (c *Client) processInput() error {
	for !c.destroyed {
		msg, ok, err := c.conn.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := c.dispatch(msg); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) dispatch(msg ipc.Message) error {
	switch m := msg.(type) {
	case ipc.OpenSeat:
		c.handleOpenSeat()
	case ipc.CloseSeat:
		return c.handleCloseSeat()
	case ipc.OpenDevice:
		c.handleOpenDevice(m.Path)
	case ipc.CloseDevice:
		c.handleCloseDevice(int(m.DeviceID))
	case ipc.DisableSeat:
		return c.handleDisableSeat()
	case ipc.SwitchSession:
		return c.handleSwitchSession(int(m.Session))
	case ipc.Ping:
		c.send(ipc.Pong{})
	default:
		return fmt.Errorf("%w: unexpected %s from client", ipc.ErrProtocol, msg.Opcode())
	}
	return nil
}

func (c *Client) handleOpenSeat() {
	st := c.server.defaultSeat()
	if c.member == nil {
		c.member = seat.NewClient(c.creds.String(), c)
	}
	if err := st.AddClient(c.member); err != nil {
		log.Warn("could not add client to seat", logging.KeySeat, st.Name(), logging.KeyClient, c.creds.String(), logging.KeyError, err)
		c.sendError(err)
		return
	}
	c.send(ipc.SeatOpened{SeatName: st.Name()})

	if err := st.OpenClient(c.member); err != nil {
		log.Debug("client not activated on join", logging.KeySeat, st.Name(), logging.KeyClient, c.creds.String(), logging.KeyError, err)
	}
}

func (c *Client) handleCloseSeat() error {
	if !c.seated() {
		return fmt.Errorf("%w: close_seat without a seat", ipc.ErrProtocol)
	}
	if err := c.member.Seat().RemoveClient(c.member); err != nil {
		c.sendError(err)
		return nil
	}
	c.send(ipc.SeatClosed{})
	return nil
}

func (c *Client) handleOpenDevice(path string) {
	if !c.seated() {
		c.sendError(seat.ErrNotPermitted)
		return
	}
	dev, reused, err := c.member.Seat().OpenDevice(c.member, path)
	if err != nil {
		c.sendError(err)
		return
	}
	if !reused {
		if err := c.conn.PutFd(dev.FD); err != nil {
			log.Error("could not queue device fd", logging.KeyDevice, dev.Path, logging.KeyError, err)
			c.member.Seat().CloseDevice(c.member, dev.ID)
			c.sendError(err)
			return
		}
	}
	c.send(ipc.DeviceOpened{DeviceID: int32(dev.ID)})
}

func (c *Client) handleCloseDevice(id int) {
	if !c.seated() {
		c.sendError(seat.ErrNotPermitted)
		return
	}
	if err := c.member.Seat().CloseDevice(c.member, id); err != nil {
		c.sendError(err)
		return
	}
	c.send(ipc.DeviceClosed{})
}

// handleDisableSeat acknowledges a disable. Success has no reply.
func (c *Client) handleDisableSeat() error {
	if !c.seated() {
		return fmt.Errorf("%w: disable_seat without a seat", ipc.ErrProtocol)
	}
	if err := c.member.Seat().AckDisableClient(c.member); err != nil {
		c.sendError(err)
	}
	return nil
}

// handleSwitchSession requests a session switch. Success has no reply.
func (c *Client) handleSwitchSession(session int) error {
	if !c.seated() {
		return fmt.Errorf("%w: switch_session without a seat", ipc.ErrProtocol)
	}
	if err := c.member.Seat().SetNextSession(c.member, session); err != nil {
		c.sendError(err)
	}
	return nil
}

// destroy leaves the seat, closing the client's devices, and drops the
// connection. A seated active client hands the seat on before returning.
func (c *Client) destroy() {
	if c.destroyed {
		return
	}
	c.destroyed = true

	if c.seated() {
		if err := c.member.Seat().RemoveClient(c.member); err != nil {
			log.Warn("could not remove client from seat", logging.KeyClient, c.creds.String(), logging.KeyError, err)
		}
	}
	c.src.Remove()
	c.conn.Close()
	c.server.removeClient(c)
	log.Info("client disconnected", logging.KeyClient, c.creds.String())
}
