//go:build unix

package boardlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

type fileLock struct {
	file *os.File
}

func acquire(appID, key string) (Lock, error) {
	path, err := lockPath(appID, key)
	if err != nil {
		return nil, err
	}

	// #nosec G304 -- path is built from the runtime or temp dir and a normalized key.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open board lock file: %w", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		if isContention(err) {
			return nil, ErrHeld
		}

		return nil, fmt.Errorf("lock board file: %w", err)
	}

	return &fileLock{file: file}, nil
}

func (l *fileLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	unlockErr := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if unlockErr != nil && !errors.Is(unlockErr, syscall.EBADF) {
		return fmt.Errorf("unlock board file: %w", unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close board lock file: %w", closeErr)
	}

	return nil
}

func lockPath(appID, key string) (string, error) {
	dir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if dir != "" {
		dir = filepath.Join(dir, appID)
	} else {
		dir = filepath.Join(os.TempDir(), appID+"-"+strconv.Itoa(os.Getuid()))
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create board lock dir: %w", err)
	}

	return filepath.Join(dir, key+".lock"), nil
}

func isContention(err error) bool {
	return errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN)
}
