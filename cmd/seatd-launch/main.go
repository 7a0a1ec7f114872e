// Command seatd-launch runs a program against a private seatd instance.
// seatd is started on a socket owned by the calling user and stopped once
// the program exits.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/seatd/internal/logging"
	"github.com/breeze-rmm/seatd/pkg/libseat"
)

var (
	logLevel   string
	socketPath string
	seatdPath  string
)

var log = logging.L("launch")

var rootCmd = &cobra.Command{
	Use:           "seatd-launch [flags] -- command [args...]",
	Short:         "Run a command with its own seatd",
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := launch(args)
		if err != nil {
			return err
		}
		os.Exit(code)
		return nil
	},
}

func init() {
	rootCmd.Flags().SetInterspersed(false)
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info", "seatd log level")
	rootCmd.Flags().StringVarP(&socketPath, "socket", "s", "", "socket path (default /tmp/seatd.<pid>.sock)")
	rootCmd.Flags().StringVar(&seatdPath, "seatd", "", "seatd binary (default: next to seatd-launch, then $PATH)")
}

func main() {
	logging.Init("text", os.Getenv("SEATD_LOGLEVEL"), nil)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "seatd-launch:", err)
		os.Exit(1)
	}
}

func findSeatd() (string, error) {
	if seatdPath != "" {
		return seatdPath, nil
	}
	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), "seatd")
		if _, err := os.Stat(sibling); err == nil {
			return sibling, nil
		}
	}
	return exec.LookPath("seatd")
}

// launch starts seatd, runs args against it and returns args' exit code.
func launch(args []string) (int, error) {
	bin, err := findSeatd()
	if err != nil {
		return 1, fmt.Errorf("find seatd: %w", err)
	}
	sock := socketPath
	if sock == "" {
		sock = fmt.Sprintf("/tmp/seatd.%d.sock", os.Getpid())
	}

	ready, notify, err := os.Pipe()
	if err != nil {
		return 1, fmt.Errorf("pipe: %w", err)
	}
	defer ready.Close()

	uid, gid := os.Getuid(), os.Getgid()
	seatd := exec.Command(bin,
		"-n", "3",
		"-s", sock,
		"-l", logLevel,
		"-u", strconv.Itoa(uid),
		"-g", strconv.Itoa(gid),
	)
	seatd.Stdout = os.Stdout
	seatd.Stderr = os.Stderr
	seatd.ExtraFiles = []*os.File{notify}
	if err := seatd.Start(); err != nil {
		notify.Close()
		return 1, fmt.Errorf("start seatd: %w", err)
	}
	notify.Close()
	defer stopSeatd(seatd, sock)

	if err := waitReady(ready); err != nil {
		return 1, err
	}
	log.Debug("seatd ready", "socket", sock, "pid", seatd.Process.Pid)

	child := exec.Command(args[0], args[1:]...)
	child.Stdin = os.Stdin
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.Env = append(os.Environ(), libseat.SocketEnv+"="+sock)
	// Running setuid root: the command gets the caller's identity back.
	if os.Geteuid() == 0 && uid != 0 {
		child.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)},
		}
	}
	if err := child.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 1, fmt.Errorf("run %s: %w", args[0], err)
	}
	return 0, nil
}

// waitReady blocks until seatd writes its readiness line or exits.
func waitReady(r *os.File) error {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil || line != "\n" {
		return fmt.Errorf("seatd did not become ready: %v", err)
	}
	return nil
}

func stopSeatd(seatd *exec.Cmd, sock string) {
	if err := seatd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Warn("could not stop seatd", logging.KeyError, err)
	}
	if err := seatd.Wait(); err != nil {
		log.Warn("seatd exited with error", logging.KeyError, err)
	}
	if err := os.Remove(sock); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Debug("could not remove socket", "socket", sock, logging.KeyError, err)
	}
}
