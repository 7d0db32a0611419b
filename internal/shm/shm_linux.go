//go:build linux

package shm

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// POSIX shared memory objects live under /dev/shm on Linux; shm_open("/x")
// is open("/dev/shm/x") with the right flags.
const shmDir = "/dev/shm"

func shmPath(name string) string {
	return shmDir + "/" + strings.TrimPrefix(name, "/")
}

// Create makes a new region of exactly size bytes, named after this
// process, and maps it read/write. The caller owns the OS name and must
// Destroy the region to release it.
func Create(size uint64) (*Region, error) {
	name := fmt.Sprintf("/npm-shm-%d", os.Getpid())

	fd, err := unix.Open(shmPath(name), unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: create %s: %w", name, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		_ = unix.Unlink(shmPath(name))
		return nil, fmt.Errorf("shm: size %s to %d: %w", name, size, err)
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		_ = unix.Unlink(shmPath(name))
		return nil, fmt.Errorf("shm: map %s: %w", name, err)
	}

	return &Region{name: name, data: data, fd: fd, owner: true, mapped: true}, nil
}

// Attach opens an existing region by its OS name and maps size bytes of it.
func Attach(name string, size uint64) (*Region, error) {
	fd, err := unix.Open(shmPath(name), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: attach %s: %w", name, err)
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("shm: map %s: %w", name, err)
	}
	return &Region{name: name, data: data, fd: fd, mapped: true}, nil
}

// Destroy unmaps the region; the owner additionally unlinks the OS name so
// it cannot be re-attached.
func (r *Region) Destroy() error {
	var first error
	if r.mapped && r.data != nil {
		if err := unix.Munmap(r.data); err != nil && first == nil {
			first = err
		}
	}
	r.data = nil
	if r.fd >= 0 {
		if err := unix.Close(r.fd); err != nil && first == nil {
			first = err
		}
		r.fd = -1
	}
	if r.owner && r.name != "" {
		if err := unix.Unlink(shmPath(r.name)); err != nil && first == nil {
			first = err
		}
	}
	return first
}
