//go:build darwin

package shmbuf

import (
	"golang.org/x/sys/unix"
)

// Darwin has no world-visible tmpfs mount equivalent to Linux's /dev/shm, and
// golang.org/x/sys/unix exposes no shm_open wrapper; fall back to ordinary
// files under a fixed directory, which is enough to exercise the protocol in
// this module even though it is not a true anonymous POSIX shm object.
const shmDir = "/tmp/.pruv-shm"

func init() {
	_ = unix.Mkdir(shmDir, 0700)
}

func shmOpen(name string, oflag int, mode uint32) (int, error) {
	return unix.Open(shmDir+name, oflag|unix.O_CLOEXEC, mode)
}

func shmUnlink(name string) error {
	return unix.Unlink(shmDir + name)
}
