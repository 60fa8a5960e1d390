package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tkoster/vmup/internal/hostnet"
	"github.com/tkoster/vmup/internal/instance"
	"github.com/tkoster/vmup/internal/logging"
	"github.com/tkoster/vmup/internal/remote"
	"github.com/tkoster/vmup/internal/seed"
	"github.com/tkoster/vmup/internal/setup"
)

const defaultLogLevel = "info"

// Exit codes, one per failure stage of the start sequence.
const (
	exitUsage       = 1
	exitNoFreePort  = 2
	exitBridgeSetup = 3
	exitLaunch      = 4
	exitReadiness   = 5
	exitShutdown    = 6
	exitInterrupted = 130
)

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(exitInterrupted)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, instance.ErrNoFreePort):
		return exitNoFreePort
	case errors.Is(err, instance.ErrBridgeSetup):
		return exitBridgeSetup
	case errors.Is(err, instance.ErrLaunchFailed):
		return exitLaunch
	case errors.Is(err, instance.ErrReadyTimeout):
		return exitReadiness
	case errors.Is(err, instance.ErrShutdownFailed):
		return exitShutdown
	default:
		return exitUsage
	}
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	setup.SetLogger(logger.With("component", "setup"))

	logLevel := defaultLogLevel
	logJSON := false

	root := &cobra.Command{
		Use:           "vmup",
		Short:         "Boot a VM image, attach it to the host network and wait until it is reachable",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit logs as JSON")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(logLevel)
		if err != nil {
			return err
		}
		levelVar.Set(level)
		if logJSON {
			slog.SetDefault(logging.NewJSON(os.Stderr, levelVar))
		}
		return nil
	}

	root.AddCommand(
		newUpCommand(),
		newDownCommand(),
		newSeedCommand(),
	)
	return root
}

func newUpCommand() *cobra.Command {
	var (
		imagePath  string
		diskFormat string
		seedImage  string
		bridged    bool
		ram        int
		maxRAM     int
		cpus       int
		portStart  int
		portEnd    int
		guestUser  string
		guestPass  string
		configFile string
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start an instance and wait until it accepts connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default().With("command", "up")

			defaults, err := loadDefaults(configFile)
			if err != nil {
				return err
			}

			cfg := instance.Config{
				ImagePath:      imagePath,
				DiskFormat:     diskFormat,
				SeedImage:      seedImage,
				MemoryMB:       pick(ram, defaults.MemoryMB),
				MaxMemoryMB:    pick(maxRAM, defaults.MaxMemoryMB),
				CPUs:           pick(cpus, defaults.CPUs),
				Bridged:        bridged,
				NetworkName:    defaults.NetworkName,
				BridgeName:     defaults.BridgeName,
				PortRangeStart: pick(portStart, defaults.PortStart),
				PortRangeEnd:   pick(portEnd, defaults.PortEnd),
				GuestUser:      pickString(guestUser, defaults.GuestUser),
				GuestPassword:  guestPass,
				GuestPort:      defaults.GuestPort,
				StateDir:       defaults.StateDir,
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("%w: %v", instance.ErrLaunchFailed, err)
			}

			controller := instance.NewController(cfg, newShell(cfg, logger), &hostnet.Provisioner{
				NetworkName: cfg.NetworkName,
				BridgeName:  cfg.BridgeName,
				Logger:      logger,
			}, logger)

			handle, err := controller.Up(cmd.Context())
			if err != nil {
				var stage *instance.StageError
				if errors.As(err, &stage) {
					logger.Error("start sequence aborted", "stage", stage.Stage)
				}
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "port: %d\n", handle.Port)
			fmt.Fprintf(out, "state: %s\n", handle.State)
			if handle.GuestIP != nil {
				fmt.Fprintf(out, "guest_ip: %s\n", handle.GuestIP)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&imagePath, "image", "", "Path to the disk image to boot (required)")
	cmd.Flags().StringVar(&diskFormat, "disk-format", "qcow2", "Disk image format")
	cmd.Flags().StringVar(&seedImage, "seed", "", "Cloud-init seed ISO to attach")
	cmd.Flags().BoolVar(&bridged, "bridge", false, "Attach the instance to the host bridge network")
	cmd.Flags().IntVar(&ram, "ram", 0, "Initial memory in MB")
	cmd.Flags().IntVar(&maxRAM, "max-ram", 0, "Maximum hotplug memory in MB")
	cmd.Flags().IntVar(&cpus, "cpus", 0, "Number of virtual CPUs")
	cmd.Flags().IntVar(&portStart, "port-start", 0, "Low end of the forward port range")
	cmd.Flags().IntVar(&portEnd, "port-end", 0, "High end of the forward port range")
	cmd.Flags().StringVar(&guestUser, "guest-user", "", "Administrative guest account")
	cmd.Flags().StringVar(&guestPass, "guest-password", "", "Password for the guest account")
	cmd.Flags().StringVar(&configFile, "config", "", "Path to a defaults file")
	_ = cmd.MarkFlagRequired("image")

	return cmd
}

func newDownCommand() *cobra.Command {
	var (
		guestUser  string
		guestPass  string
		configFile string
	)

	cmd := &cobra.Command{
		Use:   "down <port>",
		Args:  cobra.ExactArgs(1),
		Short: "Shut down the instance reachable behind the given port",
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(strings.TrimSpace(args[0]))
			if err != nil || port <= 0 || port > 65535 {
				return fmt.Errorf("invalid port %q", args[0])
			}

			logger := slog.Default().With("command", "down")

			defaults, err := loadDefaults(configFile)
			if err != nil {
				return err
			}
			cfg := instance.Config{
				GuestUser:     pickString(guestUser, defaults.GuestUser),
				GuestPassword: guestPass,
			}

			controller := &instance.Controller{
				Logger: logger,
				Shell:  newShell(cfg, logger),
			}
			return controller.Down(cmd.Context(), port)
		},
	}

	cmd.Flags().StringVar(&guestUser, "guest-user", "", "Administrative guest account")
	cmd.Flags().StringVar(&guestPass, "guest-password", "", "Password for the guest account")
	cmd.Flags().StringVar(&configFile, "config", "", "Path to a defaults file")

	return cmd
}

func newSeedCommand() *cobra.Command {
	var (
		outPath  string
		hostname string
		user     string
		password string
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Build a cloud-init seed image granting vmup access to the guest",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default().With("command", "seed")

			keys := remote.KeyManager{Dir: keyDir()}
			if _, _, err := keys.EnsureKeyPair(); err != nil {
				return fmt.Errorf("ensure key pair: %w", err)
			}
			authorized, err := keys.AuthorizedKey()
			if err != nil {
				return err
			}

			defaults, err := loadDefaults("")
			if err != nil {
				return err
			}

			if err := seed.Build(outPath, seed.Config{
				Hostname:      hostname,
				User:          pickString(user, defaults.GuestUser),
				Password:      password,
				AuthorizedKey: authorized,
				GuestSSHPort:  defaults.GuestPort,
			}); err != nil {
				return err
			}

			logger.Info("seed image written", "path", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "seed.iso", "Where to write the seed image")
	cmd.Flags().StringVar(&hostname, "hostname", "vmup-guest", "Guest hostname")
	cmd.Flags().StringVar(&user, "user", "", "Guest account to configure")
	cmd.Flags().StringVar(&password, "password", "", "Password for the guest account")

	return cmd
}

func newShell(cfg instance.Config, logger *slog.Logger) *remote.SSHShell {
	shell := &remote.SSHShell{
		User:     cfg.GuestUser,
		Password: cfg.GuestPassword,
		Logger:   logger,
	}
	keys := remote.KeyManager{Dir: keyDir()}
	if keys.KeyPairExists() {
		shell.KeyPath = keys.PrivateKeyPath()
	}
	return shell
}

func keyDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "vmup-ssh")
	}
	return filepath.Join(home, ".vmup", "ssh")
}

func loadDefaults(path string) (setup.Defaults, error) {
	if path != "" {
		return setup.LoadFile(path)
	}
	return setup.Load()
}

func pick(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func pickString(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}
