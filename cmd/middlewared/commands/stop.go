package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	stopPidFile string
	stopForce   bool
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Long: `Stop a running middlewared.

By default sends SIGTERM for a graceful shutdown: listeners close and
in-flight calls get shutdown_timeout to finish. Use --force for SIGKILL.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pidPath := stopPidFile
		if pidPath == "" {
			pidPath = cfg.PIDFile
		}
		if err := stopProcess(pidPath, stopForce, cfg.ShutdownTimeout*2); err != nil {
			return err
		}
		fmt.Println("Daemon stopped")
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Stop the daemon if it is running, then start it in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pidPath := stopPidFile
		if pidPath == "" {
			pidPath = cfg.PIDFile
		}
		if _, running := isProcessRunning(pidPath); running {
			if err := stopProcess(pidPath, false, cfg.ShutdownTimeout*2); err != nil {
				return err
			}
		}
		return startDaemon(pidPath, logFile)
	},
}

func init() {
	for _, c := range []*cobra.Command{stopCmd, restartCmd} {
		c.Flags().StringVar(&stopPidFile, "pid-file", "", "Path to PID file (default: pid_file from config)")
	}
	stopCmd.Flags().BoolVarP(&stopForce, "force", "f", false, "Force kill (SIGKILL) instead of graceful shutdown (SIGTERM)")
	restartCmd.Flags().StringVar(&logFile, "log-file", "", "Log file for the restarted daemon")
}
