package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Opcode identifies a message. Client requests use the low half of the
// range; server replies and events have the top bit set.
type Opcode uint16

const serverBase Opcode = 1 << 15

const (
	OpOpenSeat      Opcode = 1
	OpCloseSeat     Opcode = 2
	OpOpenDevice    Opcode = 3
	OpCloseDevice   Opcode = 4
	OpDisableSeat   Opcode = 5
	OpSwitchSession Opcode = 6
	OpPing          Opcode = 7

	OpSeatOpened       = serverBase + 1
	OpSeatClosed       = serverBase + 2
	OpDeviceOpened     = serverBase + 3
	OpDeviceClosed     = serverBase + 4
	OpDisableSeatEvent = serverBase + 5
	OpEnableSeatEvent  = serverBase + 6
	OpPong             = serverBase + 7
	OpError            = serverBase + 0x7FFF
)

var opcodeNames = map[Opcode]string{
	OpOpenSeat:         "open_seat",
	OpCloseSeat:        "close_seat",
	OpOpenDevice:       "open_device",
	OpCloseDevice:      "close_device",
	OpDisableSeat:      "disable_seat",
	OpSwitchSession:    "switch_session",
	OpPing:             "ping",
	OpSeatOpened:       "seat_opened",
	OpSeatClosed:       "seat_closed",
	OpDeviceOpened:     "device_opened",
	OpDeviceClosed:     "device_closed",
	OpDisableSeatEvent: "disable_seat_event",
	OpEnableSeatEvent:  "enable_seat_event",
	OpPong:             "pong",
	OpError:            "error",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("opcode(%#x)", uint16(o))
}

// IsEvent reports whether o is an unsolicited server event.
func (o Opcode) IsEvent() bool {
	return o == OpEnableSeatEvent || o == OpDisableSeatEvent
}

const (
	// HeaderSize is the encoded size of Header.
	HeaderSize = 4

	// MaxPathLen bounds open_device paths, including the trailing NUL.
	MaxPathLen = 256

	// MaxSeatNameLen bounds seat names, including the trailing NUL.
	MaxSeatNameLen = 64
)

// ErrProtocol marks input that cannot be trusted to be framed correctly.
// Connections that produce it are torn down without a reply.
var ErrProtocol = errors.New("ipc: protocol error")

// Header prefixes every message. Size counts the payload only.
type Header struct {
	Opcode Opcode
	Size   uint16
}

// Put writes h into b, which must hold HeaderSize bytes.
func (h Header) Put(b []byte) {
	binary.NativeEndian.PutUint16(b[0:2], uint16(h.Opcode))
	binary.NativeEndian.PutUint16(b[2:4], h.Size)
}

// ParseHeader decodes the first HeaderSize bytes of b.
func ParseHeader(b []byte) Header {
	return Header{
		Opcode: Opcode(binary.NativeEndian.Uint16(b[0:2])),
		Size:   binary.NativeEndian.Uint16(b[2:4]),
	}
}

// Message is any request, reply or event.
type Message interface {
	Opcode() Opcode
}

type (
	OpenSeat     struct{}
	CloseSeat    struct{}
	SeatClosed   struct{}
	DeviceClosed struct{}
	// DisableSeat acknowledges a DisableSeatEvent.
	DisableSeat      struct{}
	DisableSeatEvent struct{}
	EnableSeatEvent  struct{}
	Ping             struct{}
	Pong             struct{}
	SeatOpened       struct{ SeatName string }
	OpenDevice       struct{ Path string }
	DeviceOpened     struct{ DeviceID int32 }
	CloseDevice      struct{ DeviceID int32 }
	SwitchSession    struct{ Session int32 }
	ErrorReply       struct{ Code int32 }
)

func (OpenSeat) Opcode() Opcode         { return OpOpenSeat }
func (CloseSeat) Opcode() Opcode        { return OpCloseSeat }
func (SeatClosed) Opcode() Opcode       { return OpSeatClosed }
func (DeviceClosed) Opcode() Opcode     { return OpDeviceClosed }
func (DisableSeat) Opcode() Opcode      { return OpDisableSeat }
func (DisableSeatEvent) Opcode() Opcode { return OpDisableSeatEvent }
func (EnableSeatEvent) Opcode() Opcode  { return OpEnableSeatEvent }
func (Ping) Opcode() Opcode             { return OpPing }
func (Pong) Opcode() Opcode             { return OpPong }
func (SeatOpened) Opcode() Opcode       { return OpSeatOpened }
func (OpenDevice) Opcode() Opcode       { return OpOpenDevice }
func (DeviceOpened) Opcode() Opcode     { return OpDeviceOpened }
func (CloseDevice) Opcode() Opcode      { return OpCloseDevice }
func (SwitchSession) Opcode() Opcode    { return OpSwitchSession }
func (ErrorReply) Opcode() Opcode       { return OpError }

// Encode serializes m including its header.
func Encode(m Message) ([]byte, error) {
	var payload []byte
	switch m := m.(type) {
	case SeatOpened:
		s, err := putString(m.SeatName, MaxSeatNameLen)
		if err != nil {
			return nil, err
		}
		payload = s
	case OpenDevice:
		s, err := putString(m.Path, MaxPathLen)
		if err != nil {
			return nil, err
		}
		payload = s
	case DeviceOpened:
		payload = putInt32(m.DeviceID)
	case CloseDevice:
		payload = putInt32(m.DeviceID)
	case SwitchSession:
		payload = putInt32(m.Session)
	case ErrorReply:
		payload = putInt32(m.Code)
	case OpenSeat, CloseSeat, SeatClosed, DeviceClosed, DisableSeat,
		DisableSeatEvent, EnableSeatEvent, Ping, Pong:
	default:
		return nil, fmt.Errorf("ipc: cannot encode %T", m)
	}

	buf := make([]byte, HeaderSize+len(payload))
	Header{Opcode: m.Opcode(), Size: uint16(len(payload))}.Put(buf)
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Decode parses the payload of a message whose header is h.
func Decode(h Header, payload []byte) (Message, error) {
	if int(h.Size) != len(payload) {
		return nil, fmt.Errorf("%w: %s header size %d, payload %d", ErrProtocol, h.Opcode, h.Size, len(payload))
	}

	empty := func(m Message) (Message, error) {
		if len(payload) != 0 {
			return nil, fmt.Errorf("%w: %s carries %d unexpected bytes", ErrProtocol, h.Opcode, len(payload))
		}
		return m, nil
	}

	switch h.Opcode {
	case OpOpenSeat:
		return empty(OpenSeat{})
	case OpCloseSeat:
		return empty(CloseSeat{})
	case OpSeatClosed:
		return empty(SeatClosed{})
	case OpDeviceClosed:
		return empty(DeviceClosed{})
	case OpDisableSeat:
		return empty(DisableSeat{})
	case OpDisableSeatEvent:
		return empty(DisableSeatEvent{})
	case OpEnableSeatEvent:
		return empty(EnableSeatEvent{})
	case OpPing:
		return empty(Ping{})
	case OpPong:
		return empty(Pong{})
	case OpSeatOpened:
		s, err := getString(h.Opcode, payload, MaxSeatNameLen)
		if err != nil {
			return nil, err
		}
		return SeatOpened{SeatName: s}, nil
	case OpOpenDevice:
		s, err := getString(h.Opcode, payload, MaxPathLen)
		if err != nil {
			return nil, err
		}
		return OpenDevice{Path: s}, nil
	case OpDeviceOpened:
		v, err := getInt32(h.Opcode, payload)
		return DeviceOpened{DeviceID: v}, err
	case OpCloseDevice:
		v, err := getInt32(h.Opcode, payload)
		return CloseDevice{DeviceID: v}, err
	case OpSwitchSession:
		v, err := getInt32(h.Opcode, payload)
		return SwitchSession{Session: v}, err
	case OpError:
		v, err := getInt32(h.Opcode, payload)
		return ErrorReply{Code: v}, err
	default:
		return nil, fmt.Errorf("%w: unknown %s", ErrProtocol, h.Opcode)
	}
}

func putInt32(v int32) []byte {
	b := make([]byte, 4)
	binary.NativeEndian.PutUint32(b, uint32(v))
	return b
}

func getInt32(op Opcode, payload []byte) (int32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("%w: %s payload is %d bytes, want 4", ErrProtocol, op, len(payload))
	}
	return int32(binary.NativeEndian.Uint32(payload)), nil
}

// putString encodes s as a u16 length (counting the NUL) followed by the
// bytes and a NUL terminator.
func putString(s string, limit int) ([]byte, error) {
	n := len(s) + 1
	if n > limit {
		return nil, fmt.Errorf("ipc: string of %d bytes exceeds limit %d", len(s), limit-1)
	}
	b := make([]byte, 2+n)
	binary.NativeEndian.PutUint16(b, uint16(n))
	copy(b[2:], s)
	return b, nil
}

func getString(op Opcode, payload []byte, limit int) (string, error) {
	if len(payload) < 2 {
		return "", fmt.Errorf("%w: %s payload too short", ErrProtocol, op)
	}
	n := int(binary.NativeEndian.Uint16(payload))
	body := payload[2:]
	switch {
	case n == 0 || n > limit:
		return "", fmt.Errorf("%w: %s string length %d out of range", ErrProtocol, op, n)
	case n != len(body):
		return "", fmt.Errorf("%w: %s string length %d, have %d bytes", ErrProtocol, op, n, len(body))
	case body[n-1] != 0:
		return "", fmt.Errorf("%w: %s string is not NUL terminated", ErrProtocol, op)
	}
	return string(body[:n-1]), nil
}
