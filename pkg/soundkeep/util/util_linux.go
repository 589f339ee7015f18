package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mitchellh/go-ps"
)

// EnsureSingleInstance records our pid in a lock file, refusing to run while the pid
// in an existing lock file still belongs to a live process of the same executable
func EnsureSingleInstance(name string) error {
	lockFile := filepath.Join(os.TempDir(), name+".lock")
	currentPid := os.Getpid()

	if lockContent, err := os.ReadFile(lockFile); err == nil {
		lockPid, err := strconv.Atoi(strings.TrimSpace(string(lockContent)))
		if err == nil && lockPid != currentPid {
			process, err := ps.FindProcess(lockPid)
			if err == nil && process != nil && sameExecutable(process.Executable(), currentPid) {
				return fmt.Errorf("another instance of %s is running (pid %d)", name, lockPid)
			}
		}
	}

	if err := os.WriteFile(lockFile, []byte(strconv.Itoa(currentPid)), 0o644); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}

	return nil
}

func sameExecutable(executable string, pid int) bool {
	self, err := ps.FindProcess(pid)
	if err != nil || self == nil {
		return false
	}

	return self.Executable() == executable
}
