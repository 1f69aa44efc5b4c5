//go:build windows

package boardlock

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
)

type mutexLock struct {
	handle windows.Handle
}

func acquire(appID, key string) (Lock, error) {
	name, err := windows.UTF16PtrFromString(mutexName(appID, key))
	if err != nil {
		return nil, fmt.Errorf("encode board mutex name: %w", err)
	}

	handle, err := windows.CreateMutex(nil, false, name)
	if errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
		if handle != 0 {
			_ = windows.CloseHandle(handle)
		}

		return nil, ErrHeld
	}
	if err != nil {
		if handle != 0 {
			_ = windows.CloseHandle(handle)
		}

		return nil, fmt.Errorf("create board mutex: %w", err)
	}

	return &mutexLock{handle: handle}, nil
}

func (l *mutexLock) Release() error {
	if l == nil || l.handle == 0 {
		return nil
	}

	err := windows.CloseHandle(l.handle)
	l.handle = 0
	if err != nil {
		return fmt.Errorf("close board mutex: %w", err)
	}

	return nil
}

// Local\ scopes the mutex to the login session.
func mutexName(appID, key string) string {
	return `Local\` + appID + `-board-` + key
}
