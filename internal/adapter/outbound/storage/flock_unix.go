//go:build !windows

package storage

import "golang.org/x/sys/unix"

// flockLock acquires an exclusive, blocking file lock, the cross-process
// guard named in §6 ("inability to acquire the database lock" is fatal
// to the service). policyd targets Unix stream sockets only (§6 "four
// Unix stream sockets"), so there is no Windows build of this file.
func flockLock(fd uintptr) error {
	return unix.Flock(int(fd), unix.LOCK_EX)
}

// flockUnlock releases the lock acquired by flockLock.
func flockUnlock(fd uintptr) error {
	return unix.Flock(int(fd), unix.LOCK_UN)
}
