// Package devices classifies and opens the device nodes a seat hands out.
package devices

import (
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Type is the class of a device node, which decides how it is parked
// while its owner is disabled.
type Type int

const (
	Normal Type = iota
	Evdev
	DRM
	WSCons
)

func (t Type) String() string {
	switch t {
	case Evdev:
		return "evdev"
	case DRM:
		return "drm"
	case WSCons:
		return "wscons"
	default:
		return "normal"
	}
}

// Classify returns the device class for a canonical path. Anything that is
// not an input, DRM or wscons node is Normal, which seats refuse to open.
func Classify(path string) Type {
	switch {
	case strings.HasPrefix(path, "/dev/input/event"):
		return Evdev
	case strings.HasPrefix(path, "/dev/dri/"):
		return DRM
	case strings.HasPrefix(path, "/dev/wskbd"),
		strings.HasPrefix(path, "/dev/wsmouse"),
		strings.HasPrefix(path, "/dev/wsmux"):
		return WSCons
	default:
		return Normal
	}
}

const openFlags = unix.O_RDWR | unix.O_NOCTTY | unix.O_NOFOLLOW | unix.O_CLOEXEC | unix.O_NONBLOCK

// System performs device operations against the running kernel.
type System struct{}

// Resolve turns path into an absolute path with all symlinks followed.
func (System) Resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("devices: resolve %q: %w", path, err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("devices: resolve %q: %w", path, err)
	}
	return canon, nil
}

// Open opens a canonical device path. The path must not be a symlink.
func (System) Open(path string) (int, error) {
	fd, err := unix.Open(path, openFlags, 0)
	if err != nil {
		return -1, fmt.Errorf("devices: open %s: %w", path, err)
	}
	return fd, nil
}

func (System) Close(fd int) error {
	return unix.Close(fd)
}

// SetMaster acquires DRM master on fd.
func (System) SetMaster(fd int) error {
	if err := setMaster(fd); err != nil {
		return fmt.Errorf("devices: drm set master: %w", err)
	}
	return nil
}

// DropMaster releases DRM master on fd.
func (System) DropMaster(fd int) error {
	if err := dropMaster(fd); err != nil {
		return fmt.Errorf("devices: drm drop master: %w", err)
	}
	return nil
}

// Revoke permanently cuts an evdev fd off from its device. Every
// descriptor sharing the open file description is affected.
func (System) Revoke(fd int) error {
	if err := revoke(fd); err != nil {
		return fmt.Errorf("devices: evdev revoke: %w", err)
	}
	return nil
}
