package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning is returned by WritePID when a live process owns the
// pid file.
var ErrAlreadyRunning = errors.New("daemon already running")

// WritePID records the current process in path. A stale file is replaced.
func WritePID(path string) error {
	if pid, ok := RunningPID(path); ok && pid != os.Getpid() {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// RunningPID reads path and reports whether the process it names is
// alive.
func RunningPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	// On Unix, FindProcess always succeeds. Signal 0 checks existence.
	return pid, process.Signal(syscall.Signal(0)) == nil
}
