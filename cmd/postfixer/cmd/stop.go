package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var stopForce bool

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running Postfixer server",
	Long: `Stop a running Postfixer server by reading its PID file and asking it
to shut down (SIGTERM on Unix, process kill on Windows).

The PID file defaults to ./postfixer.pid and follows --pid-file.

Examples:
  # Stop the running server
  postfixer stop

  # Kill it without waiting for graceful shutdown
  postfixer stop --force`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().BoolVar(&stopForce, "force", false, "kill the process instead of waiting for graceful shutdown")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	pidPath := pidFilePath()

	pid := readPIDFile(pidPath)
	if pid == 0 {
		return fmt.Errorf("no server PID file found at %s\nIs the server running?", pidPath)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		os.Remove(pidPath)
		return fmt.Errorf("invalid PID %d: %w", pid, err)
	}

	if !processIsAlive(proc) {
		os.Remove(pidPath)
		return fmt.Errorf("server process %d is not running (stale PID file removed)", pid)
	}

	if stopForce {
		fmt.Fprintf(os.Stderr, "Killing Postfixer server (PID %d)...\n", pid)
		if err := proc.Kill(); err != nil {
			return fmt.Errorf("failed to kill server: %w", err)
		}
		os.Remove(pidPath)
		fmt.Fprintf(os.Stderr, "Server killed.\n")
		return nil
	}

	// Send graceful stop signal (SIGTERM on Unix, Kill on Windows).
	fmt.Fprintf(os.Stderr, "Stopping Postfixer server (PID %d)...\n", pid)
	if err := sendGracefulStop(proc); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}

	// Wait for the process to exit (poll every 200ms, max 10s).
	for i := 0; i < 50; i++ {
		time.Sleep(200 * time.Millisecond)
		if !processIsAlive(proc) {
			os.Remove(pidPath)
			fmt.Fprintf(os.Stderr, "Server stopped.\n")
			return nil
		}
	}

	// Still alive after 10s, force kill.
	fmt.Fprintf(os.Stderr, "Server did not stop gracefully, sending SIGKILL...\n")
	_ = proc.Kill()
	os.Remove(pidPath)
	fmt.Fprintf(os.Stderr, "Server killed.\n")
	return nil
}

// readPIDFile reads a PID from the given file path. Returns 0 if unreadable.
func readPIDFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}
