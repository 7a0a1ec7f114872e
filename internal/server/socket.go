package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/breeze-rmm/seatd/internal/logging"
	"github.com/breeze-rmm/seatd/internal/poller"
)

// Listen binds the UNIX socket at path and starts accepting clients.
// Access control is the socket's mode: 0770, owned by uid:gid when they
// are not -1.
func (s *Server) Listen(path string, uid, gid int) error {
	if s.listenFd >= 0 {
		return fmt.Errorf("server: already listening on %s", s.socketPath)
	}
	if err := prepareSocketPath(path); err != nil {
		return err
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("server: socket: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("server: set nonblocking: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("server: bind %s: %w", path, err)
	}

	fail := func(err error) error {
		unix.Close(fd)
		os.Remove(path)
		return err
	}
	if err := os.Chmod(path, 0o770); err != nil {
		return fail(fmt.Errorf("server: chmod %s: %w", path, err))
	}
	if uid != -1 || gid != -1 {
		if err := os.Chown(path, uid, gid); err != nil {
			return fail(fmt.Errorf("server: chown %s: %w", path, err))
		}
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		return fail(fmt.Errorf("server: listen %s: %w", path, err))
	}

	src, err := s.poller.AddFd(fd, poller.Readable, s.accept)
	if err != nil {
		return fail(fmt.Errorf("server: %w", err))
	}
	s.listenFd = fd
	s.listenSrc = src
	s.socketPath = path
	log.Info("listening", "path", path)
	return nil
}

// prepareSocketPath refuses to take over a socket another server is
// still answering on, and removes one left behind by a dead server.
func prepareSocketPath(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("server: mkdir %s: %w", filepath.Dir(path), err)
	}
	if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	probe, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("server: socket: %w", err)
	}
	err = unix.Connect(probe, &unix.SockaddrUnix{Name: path})
	unix.Close(probe)
	if err == nil {
		return fmt.Errorf("server: %s is in use by another server", path)
	}

	log.Warn("removing stale socket", "path", path)
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("server: remove stale socket: %w", err)
	}
	return nil
}

func (s *Server) closeListener() {
	if s.listenFd < 0 {
		return
	}
	s.listenSrc.Remove()
	unix.Close(s.listenFd)
	s.listenFd = -1
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("could not remove socket", "path", s.socketPath, logging.KeyError, err)
	}
}
