//go:build unix

package mmap

import (
	"golang.org/x/sys/unix"
)

// mmapFile maps a chunk read-write and shared so Put reaches the file.
// Feature lookups hit rows in sampling order, not file order, so readahead
// is disabled with MADV_RANDOM.
func mmapFile(fd uintptr, size int) ([]byte, error) {
	data, err := unix.Mmap(int(fd), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	// Advisory only.
	_ = unix.Madvise(data, unix.MADV_RANDOM)
	return data, nil
}

// munmapFile unmaps a chunk.
func munmapFile(data []byte) error {
	return unix.Munmap(data)
}
