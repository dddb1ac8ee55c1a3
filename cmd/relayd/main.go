// Package main is the entry point for the relayd binary: the relay
// daemon itself plus a handful of operator/test subcommands.
//
// Startup sequence for `start`:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Load daemon config and, if configured, the authz policy
//  4. Build a worker launcher (process or Docker, per flag)
//  5. Wire the server and run it until SIGINT/SIGTERM
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentrelay/relay/internal/authz"
	"github.com/agentrelay/relay/internal/config"
	"github.com/agentrelay/relay/internal/envelope"
	"github.com/agentrelay/relay/internal/pidfile"
	"github.com/agentrelay/relay/internal/server"
	"github.com/agentrelay/relay/internal/spawn"
	"github.com/agentrelay/relay/public/client"
)

// waitForStopGrace bounds how long `stop` waits for the socket/pidfile to
// disappear after signaling the daemon.
const waitForStopGrace = 2 * time.Second

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a returned error to the daemon's documented exit codes
//: 0 success, 1 general failure, 2 misuse.
func exitCodeFor(err error) int {
	if _, ok := err.(*usageError); ok {
		return 2
	}
	return 1
}

type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func newRootCmd() *cobra.Command {
	var (
		socketPath string
		logLevel   string
	)

	root := &cobra.Command{
		Use:   "relayd",
		Short: "Agent Relay — a local message bus for coordinating AI-agent CLI processes",
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", envOrDefault("AGENTRELAY_SOCKET", "/tmp/agentrelay.sock"), "relay daemon Unix socket path")
	root.PersistentFlags().StringVar(&logLevel, "log-level", envOrDefault("AGENTRELAY_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	root.AddCommand(newStartCmd(&socketPath, &logLevel))
	root.AddCommand(newStopCmd(&socketPath))
	root.AddCommand(newStatusCmd(&socketPath))
	root.AddCommand(newSendCmd(&socketPath))
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relayd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newStartCmd(socketPath, logLevel *string) *cobra.Command {
	var (
		configFile   string
		policyFile   string
		foreground   bool
		dockerImage  string
		useDocker    bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the relay daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !foreground {
				fmt.Fprintln(os.Stderr, "relayd: backgrounding is not implemented by this binary; re-run with --foreground, or manage it with your process supervisor")
			}
			return runStart(cmd.Context(), startOptions{
				socketPath:  *socketPath,
				logLevel:    *logLevel,
				configFile:  configFile,
				policyFile:  policyFile,
				dockerImage: dockerImage,
				useDocker:   useDocker,
			})
		},
	}
	cmd.Flags().StringVar(&configFile, "config", envOrDefault("AGENTRELAY_CONFIG", ""), "path to relayd.yaml (defaults applied when empty)")
	cmd.Flags().StringVar(&policyFile, "policy", envOrDefault("AGENTRELAY_POLICY", ""), "path to the authz policy TOML file (optional)")
	cmd.Flags().BoolVar(&foreground, "foreground", true, "run in the foreground (the only supported mode)")
	cmd.Flags().BoolVar(&useDocker, "docker", false, "launch spawned workers as Docker containers instead of host processes")
	cmd.Flags().StringVar(&dockerImage, "docker-image", envOrDefault("AGENTRELAY_DOCKER_IMAGE", ""), "container image for spawned workers, when --docker is set")

	return cmd
}

type startOptions struct {
	socketPath  string
	logLevel    string
	configFile  string
	policyFile  string
	dockerImage string
	useDocker   bool
}

func runStart(ctx context.Context, opts startOptions) error {
	log, err := buildLogger(opts.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	var cfg *config.Config
	if opts.configFile != "" {
		cfg, err = config.Load(opts.configFile)
		if err != nil {
			return err
		}
	} else {
		cfg = config.Default()
	}
	if opts.socketPath != "" {
		cfg.Socket.Path = opts.socketPath
	}

	if opts.policyFile == "" {
		opts.policyFile = cfg.Auth.PolicyFile
	}

	// AGENTRELAY_DATA_DIR provides default locations for the pidfile and
	// the authz policy when neither a config file nor flags name them.
	if dataDir := os.Getenv("AGENTRELAY_DATA_DIR"); dataDir != "" {
		if opts.configFile == "" {
			cfg.Pidfile = filepath.Join(dataDir, "relayd.pid")
		}
		if opts.policyFile == "" {
			candidate := filepath.Join(dataDir, "authz.toml")
			if _, statErr := os.Stat(candidate); statErr == nil {
				opts.policyFile = candidate
			}
		}
	}

	var policyCfg *authz.Config
	if opts.policyFile != "" {
		policyCfg, err = authz.LoadConfig(opts.policyFile)
		if err != nil {
			return err
		}
	}

	var launcher spawn.Launcher
	if opts.useDocker {
		launcher, err = spawn.NewDockerLauncher(log, opts.dockerImage)
		if err != nil {
			return fmt.Errorf("failed to create Docker launcher: %w", err)
		}
	} else {
		launcher = spawn.NewProcessLauncher(log)
	}

	srv, err := server.New(cfg, log, launcher, policyCfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("starting relay daemon",
		zap.String("version", version),
		zap.String("socket", cfg.Socket.Path),
	)

	if err := srv.Run(ctx); err != nil {
		return err
	}
	log.Info("relay daemon stopped")
	return nil
}

func newStopCmd(socketPath *string) *cobra.Command {
	var pidfilePath string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Signal the running daemon to shut down",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pidfilePath == "" {
				pidfilePath = config.Default().Pidfile
			}
			return runStop(*socketPath, pidfilePath)
		},
	}
	cmd.Flags().StringVar(&pidfilePath, "pidfile", envOrDefault("AGENTRELAY_PIDFILE", ""), "path to the daemon's pidfile")
	return cmd
}

func runStop(socketPath, pidfilePath string) error {
	pid, err := pidfile.Read(pidfilePath)
	if err != nil {
		return fmt.Errorf("relayd: no running daemon found (%w)", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("relayd: pid %d not found: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("relayd: signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(waitForStopGrace)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(socketPath); os.IsNotExist(err) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("relayd: daemon did not shut down within the grace period")
}

func newStatusCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runStatus(*socketPath) {
				fmt.Println("RUNNING")
				return nil
			}
			fmt.Println("STOPPED")
			return &usageError{msg: "STOPPED"}
		},
	}
}

// runStatus reports RUNNING iff a HELLO/WELCOME handshake against
// socketPath succeeds — a stale socket file with nothing listening
// behind it is treated the same as STOPPED.
func runStatus(socketPath string) bool {
	cfg := client.DefaultConfig(socketPath, fmt.Sprintf("relayd-status-%d", os.Getpid()))
	cfg.DialTimeout = 2 * time.Second
	cfg.HandshakeWait = 2 * time.Second

	c, err := client.Connect(cfg, zap.NewNop())
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}

func newSendCmd(socketPath *string) *cobra.Command {
	var from, to, message string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a one-shot message through the relay daemon, for testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if from == "" || to == "" {
				return &usageError{msg: "relayd send: --from and --to are required"}
			}
			return runSend(*socketPath, from, to, message)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "sending agent name")
	cmd.Flags().StringVar(&to, "to", "", "destination agent name, #channel, or *")
	cmd.Flags().StringVar(&message, "message", "", "message body")
	return cmd
}

func runSend(socketPath, from, to, message string) error {
	c, err := client.Connect(client.DefaultConfig(socketPath, from), zap.NewNop())
	if err != nil {
		return fmt.Errorf("relayd send: %w", err)
	}
	defer c.Close()

	if err := c.Send(to, envelope.SendPayload{PayloadKind: "message", Body: message}); err != nil {
		return fmt.Errorf("relayd send: %w", err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	// AGENTRELAY_LOG_JSON overrides the encoding either way: the production
	// config is JSON already, the development one is console.
	switch os.Getenv("AGENTRELAY_LOG_JSON") {
	case "1", "true":
		cfg.Encoding = "json"
	case "0", "false":
		cfg.Encoding = "console"
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
