package util

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
)

// EnsureSingleInstance holds a named mutex for the lifetime of the process.
// The OS releases it on exit
func EnsureSingleInstance(name string) error {
	mutexName, err := windows.UTF16PtrFromString(`Local\` + name)
	if err != nil {
		return fmt.Errorf("encode mutex name: %w", err)
	}

	_, err = windows.CreateMutex(nil, false, mutexName)
	if errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
		return fmt.Errorf("another instance of %s is running", name)
	}
	if err != nil {
		return fmt.Errorf("create mutex: %w", err)
	}

	return nil
}
