package seat

import (
	"errors"
	"fmt"

	"github.com/breeze-rmm/seatd/internal/audit"
	"github.com/breeze-rmm/seatd/internal/devices"
	"github.com/breeze-rmm/seatd/internal/logging"
)

var errEvdevRevoked = errors.New("seat: revoked evdev device cannot be reactivated")

// OpenDevice opens path for the active client c. Opening a path c already
// holds returns the existing record with reused set and takes another
// reference instead of opening the node again.
func (s *Seat) OpenDevice(c *Client, path string) (dev *Device, reused bool, err error) {
	if c.seat != s {
		return nil, false, fmt.Errorf("seat: client not on %s: %w", s.name, ErrInvalid)
	}
	if c.state != StateActive {
		return nil, false, ErrNotPermitted
	}

	canon, err := s.devs.Resolve(path)
	if err != nil {
		return nil, false, err
	}
	typ := devices.Classify(canon)
	if typ == devices.Normal {
		log.Warn("refusing to open unrecognised device", logging.KeyClient, c.Label, logging.KeyDevice, canon)
		return nil, false, fmt.Errorf("seat: %s is not a seat device: %w", canon, ErrNoDevice)
	}

	if d := c.deviceByPath(canon); d != nil {
		d.refs++
		log.Debug("device reopened", logging.KeyClient, c.Label, logging.KeyDevice, canon, "refs", d.refs)
		return d, true, nil
	}

	if len(c.devices) >= s.maxDevices {
		return nil, false, fmt.Errorf("seat: client holds %d devices: %w", len(c.devices), ErrTooManyDevices)
	}

	fd, err := s.devs.Open(canon)
	if err != nil {
		return nil, false, err
	}
	d := &Device{
		ID:     c.nextDeviceID(),
		Path:   canon,
		Type:   typ,
		FD:     fd,
		refs:   1,
		active: true,
	}
	if typ == devices.DRM {
		if err := s.devs.SetMaster(fd); err != nil {
			log.Warn("could not become drm master", logging.KeyClient, c.Label, logging.KeyDevice, canon, logging.KeyError, err)
		}
	}
	c.devices = append(c.devices, d)

	log.Info("device opened", logging.KeyClient, c.Label, logging.KeyDevice, canon, "id", d.ID, "type", typ.String())
	s.audit(audit.EventDeviceOpened, c, map[string]any{"device": canon, "id": d.ID})
	return d, false, nil
}

// CloseDevice drops one reference to device id. The node is parked and
// closed once the last reference goes.
func (s *Seat) CloseDevice(c *Client, id int) error {
	if c.seat != s {
		return fmt.Errorf("seat: client not on %s: %w", s.name, ErrInvalid)
	}
	d := c.Device(id)
	if d == nil {
		return fmt.Errorf("seat: device %d: %w", id, ErrNoDevice)
	}
	d.refs--
	if d.refs > 0 {
		return nil
	}
	s.destroyDevice(c, d)
	return nil
}

func (s *Seat) destroyDevice(c *Client, d *Device) {
	if err := s.deactivateDevice(d); err != nil {
		log.Warn("could not deactivate device", logging.KeyClient, c.Label, logging.KeyDevice, d.Path, logging.KeyError, err)
	}
	if err := s.devs.Close(d.FD); err != nil {
		log.Warn("could not close device", logging.KeyClient, c.Label, logging.KeyDevice, d.Path, logging.KeyError, err)
	}
	d.refs = 0
	c.dropDevice(d)
	log.Info("device closed", logging.KeyClient, c.Label, logging.KeyDevice, d.Path, "id", d.ID)
	s.audit(audit.EventDeviceClosed, c, map[string]any{"device": d.Path, "id": d.ID})
}

func (s *Seat) activateDevice(d *Device) error {
	if d.active {
		return nil
	}
	switch d.Type {
	case devices.DRM:
		if err := s.devs.SetMaster(d.FD); err != nil {
			return err
		}
	case devices.Evdev:
		return errEvdevRevoked
	}
	d.active = true
	return nil
}

func (s *Seat) deactivateDevice(d *Device) error {
	if !d.active {
		return nil
	}
	switch d.Type {
	case devices.DRM:
		if err := s.devs.DropMaster(d.FD); err != nil {
			return err
		}
	case devices.Evdev:
		if err := s.devs.Revoke(d.FD); err != nil {
			return err
		}
	}
	d.active = false
	return nil
}
