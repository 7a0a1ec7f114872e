//go:build linux

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/seatd/internal/config"
)

const (
	linuxBinaryPath  = "/usr/local/bin/seatd"
	linuxUnitDst     = "/etc/systemd/system/seatd.service"
	linuxServiceName = "seatd"
)

const linuxUnitTemplate = `[Unit]
Description=Seat management daemon
Documentation=man:seatd(1)

[Service]
Type=simple
ExecStart=/usr/local/bin/seatd%s
Restart=always
RestartSec=1

# Logging (stderr goes to journald)
StandardError=journal
SyslogIdentifier=seatd

[Install]
WantedBy=multi-user.target
`

func linuxUnit(socketGroup string) string {
	args := ""
	if socketGroup != "" {
		args = " -g " + socketGroup
	}
	return fmt.Sprintf(linuxUnitTemplate, args)
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the seatd system service (systemd)",
}

var installGroup string

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
	serviceCmd.AddCommand(serviceStartCmd)
	serviceCmd.AddCommand(serviceStopCmd)
	serviceCmd.AddCommand(serviceStatusCmd)
	serviceInstallCmd.Flags().StringVar(&installGroup, "socket-group", "video", "group allowed to connect to the seatd socket")
}

func requireRoot(action string) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("must run as root (sudo seatd service %s)", action)
	}
	return nil
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install seatd as a systemd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot("install"); err != nil {
			return err
		}

		cfgPath := filepath.Join(config.DefaultConfigDir, "seatd.yaml")
		wrote, err := writeDefaultConfig(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
		if wrote {
			fmt.Printf("Default config written to %s\n", cfgPath)
		}

		exePath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to determine executable path: %w", err)
		}
		exePath, err = filepath.EvalSymlinks(exePath)
		if err != nil {
			return fmt.Errorf("failed to resolve executable path: %w", err)
		}
		if exePath != linuxBinaryPath {
			data, err := os.ReadFile(exePath)
			if err != nil {
				return fmt.Errorf("failed to read binary: %w", err)
			}
			if err := os.WriteFile(linuxBinaryPath, data, 0o755); err != nil {
				return fmt.Errorf("failed to copy binary to %s: %w", linuxBinaryPath, err)
			}
			fmt.Printf("Binary installed to %s\n", linuxBinaryPath)
		}

		if err := os.WriteFile(linuxUnitDst, []byte(linuxUnit(installGroup)), 0o644); err != nil {
			return fmt.Errorf("failed to write unit file: %w", err)
		}
		fmt.Printf("Systemd unit installed to %s\n", linuxUnitDst)

		if out, err := exec.Command("systemctl", "daemon-reload").CombinedOutput(); err != nil {
			return fmt.Errorf("failed to reload systemd: %s", strings.TrimSpace(string(out)))
		}
		if out, err := exec.Command("systemctl", "enable", linuxServiceName).CombinedOutput(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to enable service: %s\n", strings.TrimSpace(string(out)))
		}

		fmt.Println()
		fmt.Println("seatd service installed and enabled.")
		fmt.Printf("Members of %q can open seats once it is running.\n", installGroup)
		fmt.Println("  Start:   sudo seatd service start")
		fmt.Println("  Logs:    journalctl -u seatd -f")
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the seatd systemd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot("uninstall"); err != nil {
			return err
		}

		exec.Command("systemctl", "stop", linuxServiceName).Run()
		exec.Command("systemctl", "disable", linuxServiceName).Run()
		os.Remove(linuxUnitDst)
		exec.Command("systemctl", "daemon-reload").Run()
		os.Remove(linuxBinaryPath)

		fmt.Println("seatd service uninstalled.")
		fmt.Printf("Config at %s was preserved.\n", config.DefaultConfigDir)
		return nil
	},
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the seatd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot("start"); err != nil {
			return err
		}
		if _, err := os.Stat(linuxUnitDst); os.IsNotExist(err) {
			return fmt.Errorf("service not installed, run 'sudo seatd service install' first")
		}
		out, err := exec.Command("systemctl", "start", linuxServiceName).CombinedOutput()
		if err != nil {
			return fmt.Errorf("failed to start service: %s", strings.TrimSpace(string(out)))
		}
		fmt.Println("seatd service started.")
		return nil
	},
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the seatd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot("stop"); err != nil {
			return err
		}
		out, err := exec.Command("systemctl", "stop", linuxServiceName).CombinedOutput()
		if err != nil {
			return fmt.Errorf("failed to stop service: %s", strings.TrimSpace(string(out)))
		}
		fmt.Println("seatd service stopped.")
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show seatd service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(linuxUnitDst); os.IsNotExist(err) {
			fmt.Println("Service: not installed")
			return nil
		}
		// systemctl status exits non-zero for a stopped unit.
		out, _ := exec.Command("systemctl", "status", linuxServiceName, "--no-pager").CombinedOutput()
		fmt.Println(strings.TrimSpace(string(out)))
		return nil
	},
}
