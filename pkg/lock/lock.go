// Package lock keeps two promoters from running on the same release at once.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/rdo-infra/ci-config/pkg/results"
)

// Lock is an advisory lock held on a file. The lock is released by the
// kernel if the process dies.
type Lock struct {
	file *os.File
}

// Acquire takes an exclusive lock on path and writes the PID to it. It does
// not wait: a lock held by another process is a lock error.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, results.ForReason(results.ReasonLock).WithError(err).Errorf("could not create the directory of lock file %s", path)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, results.ForReason(results.ReasonLock).WithError(err).Errorf("could not open lock file %s", path)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, results.ForReason(results.ReasonLock).Errorf("another promoter holds the lock on %s", path)
		}
		return nil, results.ForReason(results.ReasonLock).WithError(err).Errorf("could not lock %s", path)
	}
	if err := writePID(file); err != nil {
		unix.Flock(int(file.Fd()), unix.LOCK_UN) //nolint:errcheck
		file.Close()
		return nil, results.ForReason(results.ReasonLock).WithError(err).Errorf("could not write the PID to lock file %s", path)
	}
	return &Lock{file: file}, nil
}

func writePID(file *os.File) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return err
	}
	return file.Sync()
}

// Release unlocks the file. The file itself is left in place.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	defer func() { l.file = nil }()
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("could not unlock %s: %w", l.file.Name(), err)
	}
	return l.file.Close()
}
