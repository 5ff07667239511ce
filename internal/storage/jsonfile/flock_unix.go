//go:build unix

package jsonfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// acquireLock takes an exclusive advisory lock on path, blocking until it is
// available. It guards the registry against other processes, such as the
// issue CLI running next to the server.
func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, filePerm)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}

	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	return f, nil
}

func releaseLock(f *os.File) {
	if f == nil {
		return
	}

	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	_ = f.Close()
}
