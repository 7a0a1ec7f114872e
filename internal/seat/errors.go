package seat

import "golang.org/x/sys/unix"

// Error is a policy failure with the errno reported to the client.
type Error struct {
	Code unix.Errno
	msg  string
}

func (e *Error) Error() string { return e.msg }

// Unwrap exposes the errno so callers can use errors.As(err, &errno).
func (e *Error) Unwrap() error { return e.Code }

var (
	ErrBusy           = &Error{Code: unix.EBUSY, msg: "seat: busy"}
	ErrAlready        = &Error{Code: unix.EALREADY, msg: "seat: client already active"}
	ErrNotPermitted   = &Error{Code: unix.EPERM, msg: "seat: client is not active"}
	ErrInvalid        = &Error{Code: unix.EINVAL, msg: "seat: invalid request"}
	ErrNoDevice       = &Error{Code: unix.ENOENT, msg: "seat: no such device"}
	ErrTooManyDevices = &Error{Code: unix.EMFILE, msg: "seat: too many open devices"}
)
