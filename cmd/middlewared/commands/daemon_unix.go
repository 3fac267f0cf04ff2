//go:build !windows

package commands

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// isProcessRunning reads a PID from pidPath and checks that the process is
// alive.
func isProcessRunning(pidPath string) (int, bool) {
	pid, err := readPID(pidPath)
	if err != nil {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	return pid, true
}

func readPID(pidPath string) (int, error) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %q", pidPath, string(data))
	}
	return pid, nil
}

// startDaemon re-executes the binary with --foreground in a new session,
// output going to logPath.
func startDaemon(pidPath, logPath string) error {
	if pidPath == "" {
		return fmt.Errorf("daemon mode needs a PID file: set pid_file or pass --pid-file")
	}
	if pid, running := isProcessRunning(pidPath); running {
		return fmt.Errorf("middlewared is already running (PID %d)\nUse 'middlewared stop' to stop it", pid)
	}
	_ = os.Remove(pidPath)

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	args := []string{"start", "--foreground", "--pid-file", pidPath}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	cmd := exec.Command(executable, args...)

	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		cmd.Stdout = f
		cmd.Stderr = f
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Printf("middlewared started in background (PID %d)\n", cmd.Process.Pid)
	fmt.Printf("  PID file: %s\n", pidPath)
	if logPath != "" {
		fmt.Printf("  Log file: %s\n", logPath)
	}
	return nil
}

// stopProcess sends SIGTERM (SIGKILL with force) to the PID in pidPath and
// waits up to wait for it to exit.
func stopProcess(pidPath string, force bool, wait time.Duration) error {
	pid, err := readPID(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("PID file not found: %s\n\nIs the daemon running?", pidPath)
		}
		return err
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	sig, name := syscall.SIGTERM, "SIGTERM"
	if force {
		sig, name = syscall.SIGKILL, "SIGKILL"
	}
	fmt.Printf("Sending %s to process %d...\n", name, pid)
	if err := process.Signal(sig); err != nil {
		if err == os.ErrProcessDone {
			_ = os.Remove(pidPath)
			fmt.Println("Daemon already stopped")
			return nil
		}
		return fmt.Errorf("failed to send signal: %w", err)
	}

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if _, running := isProcessRunning(pidPath); !running {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("process %d still running after %s", pid, wait)
}
