package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"middlewared/config"
	"middlewared/logger"
)

var (
	foreground bool
	pidFile    string
	logFile    string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	Long: `Start middlewared with the specified configuration.

By default the daemon detaches into the background. Use --foreground when
running under a process supervisor or for debugging.

SIGTERM and SIGINT stop the daemon gracefully. SIGHUP re-reads the
configuration and restarts the listeners in place.

Examples:
  # Start in background
  middlewared start

  # Start in foreground with a custom config
  middlewared start --foreground --config /etc/middlewared.yaml

  # Override a setting from the environment
  MIDDLEWARED_LOGGING_LEVEL=debug middlewared start -f`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (default: background/daemon mode)")
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Path to PID file (default: pid_file from config)")
	startCmd.Flags().StringVar(&logFile, "log-file", "", "Log file for daemon mode (default: logging.file from config)")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pidPath := pidFile
	if pidPath == "" {
		pidPath = cfg.PIDFile
	}

	if !foreground {
		return startDaemon(pidPath, logFile)
	}

	if pidPath != "" {
		if err := writePIDFile(pidPath); err != nil {
			return err
		}
		defer os.Remove(pidPath)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	for {
		log, err := logger.New("middlewared", cfg.Logger())
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		reload, err := serve(cmd.Context(), cfg, log, signals)
		_ = log.Sync()
		if err != nil || !reload {
			return err
		}

		next, err := loadConfig()
		if err != nil {
			// keep running with the previous configuration
			log.Error("reload failed, keeping current configuration", zap.Error(err))
			continue
		}
		cfg = next
	}
}

// serve runs one daemon until a signal arrives or a listener fails. It
// reports whether the caller should reload.
func serve(ctx context.Context, cfg *config.Config, log *zap.Logger, signals <-chan os.Signal) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	d, err := newDaemon(cfg, log)
	if err != nil {
		return false, err
	}
	if err := d.start(ctx); err != nil {
		return false, err
	}
	log.Info("middlewared started",
		zap.Int(logger.KeyPID, os.Getpid()),
		zap.Stringers("listen", d.addrs()),
		zap.String("auth", cfg.Auth.Mode),
	)

	var (
		reload bool
		runErr error
	)
	select {
	case sig := <-signals:
		reload = sig == syscall.SIGHUP
		log.Info("signal received", zap.Stringer("signal", sig))
	case runErr = <-d.serveErrors:
		log.Error("listener failed", zap.Error(runErr))
	case <-ctx.Done():
	}

	if err := d.stop(); err != nil {
		log.Warn("shutdown incomplete", zap.Error(err))
	}
	log.Info("middlewared stopped")
	return reload && runErr == nil, runErr
}

func writePIDFile(path string) error {
	if pid, running := isProcessRunning(path); running && pid != os.Getpid() {
		return fmt.Errorf("middlewared is already running (PID %d)", pid)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}
