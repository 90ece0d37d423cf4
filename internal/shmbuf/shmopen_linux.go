//go:build linux

package shmbuf

import (
	"golang.org/x/sys/unix"
)

// POSIX shared-memory objects are backed by tmpfs mounted at /dev/shm on
// Linux; glibc's shm_open is itself little more than an open(2) against that
// mount point with O_CLOEXEC forced on, so that's exactly what we do here —
// there is no shm_open wrapper in golang.org/x/sys/unix to call instead.
const shmDir = "/dev/shm"

func shmOpen(name string, oflag int, mode uint32) (int, error) {
	return unix.Open(shmDir+name, oflag|unix.O_CLOEXEC, mode)
}

func shmUnlink(name string) error {
	return unix.Unlink(shmDir + name)
}
