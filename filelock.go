package sifcore

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"syscall"
)

// FileLock is a held advisory lock on a sibling ".lock" file. We lock a
// separate lock file and never the data file itself, so that the data file can
// be atomically replaced by rename while the lock is held.
type FileLock struct {
	file *os.File
}

// AcquireFileLock takes a POSIX advisory flock on lockPath, exclusive or
// shared. With blocking false, contention returns ErrLockBusy instead of
// waiting.
func AcquireFileLock(lockPath string, exclusive, blocking bool) (*FileLock, error) {
	mode := syscall.LOCK_SH
	if exclusive {
		mode = syscall.LOCK_EX
	}
	if !blocking {
		mode |= syscall.LOCK_NB
	}
	// Some system combinations require read-write mode to allow both SH and EX locking
	file, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(file.Fd()), mode); err != nil {
		file.Close()
		if err == syscall.EWOULDBLOCK || err == syscall.EAGAIN || err == syscall.EACCES {
			return nil, ErrLockBusy
		}
		return nil, err
	}
	return &FileLock{file: file}, nil
}

// ReleaseFileLock unlocks and closes the lock handle.
func ReleaseFileLock(l *FileLock) {
	if l == nil || l.file == nil {
		return
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
	l.file = nil
}

// writeFileAtomic replaces path with data via a temp file and rename, so that
// readers under a shared lock never observe a half-written file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := ioutil.TempFile(dir, "."+filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
