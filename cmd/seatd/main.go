package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/seatd/internal/audit"
	"github.com/breeze-rmm/seatd/internal/config"
	"github.com/breeze-rmm/seatd/internal/logging"
	"github.com/breeze-rmm/seatd/internal/server"
)

var (
	version  = "0.1.0"
	cfgFile  string
	socket   string
	owner    string
	group    string
	logLevel string
	notifyFd int
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "seatd",
	Short: "Seat management daemon",
	Long: `seatd hands out access to input and display devices to one session at a
time and moves that access between sessions as the active VT changes.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("seatd v%s\n", version)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/seatd/seatd.yaml)")
	rootCmd.PersistentFlags().StringVarP(&socket, "socket", "s", "", "socket path (default "+config.DefaultSocketPath+")")
	rootCmd.PersistentFlags().StringVarP(&owner, "user", "u", "", "user owning the socket")
	rootCmd.PersistentFlags().StringVarP(&group, "group", "g", "", "group owning the socket")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level: debug, info, warn, error, silent")
	rootCmd.Flags().IntVarP(&notifyFd, "notify-fd", "n", -1, "write a newline to this fd once ready")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "seatd:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and environment, then applies any
// flags given on the command line.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("socket") {
		cfg.SocketPath = socket
	}
	if flags.Changed("user") {
		cfg.SocketUser = owner
	}
	if flags.Changed("group") {
		cfg.SocketGroup = group
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	cfg.Validate()
	return cfg, nil
}

func runDaemon(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var logFile *logging.RotatingWriter
	var output io.Writer = os.Stderr
	if cfg.LogFile != "" {
		logFile, err = logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer logFile.Close()
		output = logFile
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, output)

	uid, err := lookupUser(cfg.SocketUser)
	if err != nil {
		return err
	}
	gid, err := lookupGroup(cfg.SocketGroup)
	if err != nil {
		return err
	}

	var auditor *audit.Logger
	if cfg.AuditFile != "" {
		auditor, err = audit.NewLogger(cfg.AuditFile, cfg.AuditMaxSizeMB, cfg.AuditMaxBackups)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer func() {
			if n := auditor.DroppedCount(); n > 0 {
				log.Warn("audit entries were dropped", "count", n, "path", cfg.AuditFile)
			}
			auditor.Close()
		}()
	}

	srv, err := server.New(server.Options{
		VTBound:             cfg.VTBound,
		Auditor:             auditor,
		MaxDevicesPerClient: cfg.MaxDevicesPerClient,
		RateLimitAttempts:   cfg.RateLimitAttempts,
		RateLimitWindow:     time.Duration(cfg.RateLimitWindowSeconds) * time.Second,
		OnHangup: func() {
			if logFile == nil {
				return
			}
			if err := logFile.Reopen(); err != nil {
				log.Error("could not reopen log file", logging.KeyError, err)
			}
		},
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	if err := srv.Listen(cfg.SocketPath, uid, gid); err != nil {
		return err
	}
	if notifyFd >= 0 {
		if err := notifyReady(notifyFd); err != nil {
			return err
		}
	}

	log.Info("seatd started", "version", version, "socket", cfg.SocketPath, "vtBound", cfg.VTBound)
	auditor.Log(audit.EventDaemonStart, "", map[string]any{
		"version": version,
		"socket":  cfg.SocketPath,
		"pid":     os.Getpid(),
	})
	defer auditor.Log(audit.EventDaemonStop, "", nil)

	if err := srv.Run(); err != nil {
		return err
	}
	log.Info("seatd stopping")
	return nil
}

// writeDefaultConfig writes the default configuration to path unless a
// file is already there. It reports whether it wrote one.
func writeDefaultConfig(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	if err := config.Default().SaveTo(path); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

func notifyReady(fd int) error {
	f := os.NewFile(uintptr(fd), "notify")
	if f == nil {
		return fmt.Errorf("invalid notify fd %d", fd)
	}
	defer f.Close()
	if _, err := f.Write([]byte("\n")); err != nil {
		return fmt.Errorf("write notify fd %d: %w", fd, err)
	}
	return nil
}

// lookupUser accepts a user name or a numeric uid. Empty means leave the
// owner unchanged.
func lookupUser(name string) (int, error) {
	if name == "" {
		return -1, nil
	}
	if id, err := strconv.Atoi(name); err == nil {
		return id, nil
	}
	u, err := user.Lookup(name)
	if err != nil {
		return -1, fmt.Errorf("user %q: %w", name, err)
	}
	return strconv.Atoi(u.Uid)
}

func lookupGroup(name string) (int, error) {
	if name == "" {
		return -1, nil
	}
	if id, err := strconv.Atoi(name); err == nil {
		return id, nil
	}
	g, err := user.LookupGroup(name)
	if err != nil {
		return -1, fmt.Errorf("group %q: %w", name, err)
	}
	return strconv.Atoi(g.Gid)
}
