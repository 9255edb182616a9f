// Copyright 2014 CoreOS, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rmtfs

import "github.com/pkg/errors"

// sharedMem is the reserved physical-memory carveout the modem and
// RMTFS share, ported from struct rmtfs_mem in rmtfs.h/sharedmem.c.
// It is a single-slab allocator: the whole region is handed out on
// every Alloc, since the protocol assumes the caller holds it
// exclusively between ALLOC_BUFF and the following CLOSE/next ALLOC.
type sharedMem struct {
	address uint64
	size    uint64

	backend memBackend
}

// memBackend abstracts the three discovery tiers of sharedmem.c's
// rmtfs_mem_open (character device with sysfs attributes, UIO device,
// or /proc/device-tree + /dev/mem) behind a single read/write/close
// surface, so the allocator logic and RW_IOVEC's transfer loop don't
// need to know which tier backed the mapping.
type memBackend interface {
	ReadAt(phys int64, buf []byte) (int, error)
	WriteAt(phys int64, buf []byte) (int, error)
	Close() error
}

// Alloc lends the entire carveout to a caller, failing if the
// request is larger than the region -- rmtfs_mem_alloc has no
// fragmentation story, it either fits or it doesn't.
func (m *sharedMem) Alloc(size uint32) (uint64, error) {
	if uint64(size) > m.size {
		return 0, errors.Errorf("rmtfs: shared memory region (0x%x) too small for request 0x%x", m.size, size)
	}
	return m.address, nil
}

// Read copies len(buf) bytes out of the carveout at the given
// physical address, ported from rmtfs_mem_read.
func (m *sharedMem) Read(phys int64, buf []byte) (int, error) {
	if err := m.checkRange(phys, len(buf)); err != nil {
		return 0, err
	}
	return m.backend.ReadAt(phys, buf)
}

// Write copies buf into the carveout at the given physical address,
// ported from rmtfs_mem_write.
func (m *sharedMem) Write(phys int64, buf []byte) (int, error) {
	if err := m.checkRange(phys, len(buf)); err != nil {
		return 0, err
	}
	return m.backend.WriteAt(phys, buf)
}

func (m *sharedMem) checkRange(phys int64, n int) error {
	start := uint64(phys)
	end := start + uint64(n)
	if start < m.address || end > m.address+m.size {
		return errors.Errorf("rmtfs: access [0x%x, 0x%x) outside carveout [0x%x, 0x%x)",
			start, end, m.address, m.address+m.size)
	}
	return nil
}

// Close releases the backing mapping or file descriptor.
func (m *sharedMem) Close() error {
	return m.backend.Close()
}

// memoryBackend is a plain byte slice standing in for the physical
// carveout: the fallback backend used off Linux (sharedmem_fallback.go)
// and directly by the package's own tests, the same role loopback.go
// plays for qrtr on a bus with no kernel AF_QIPCRTR support.
type memoryBackend struct {
	data []byte
	base uint64
}

func (b *memoryBackend) ReadAt(phys int64, buf []byte) (int, error) {
	off := uint64(phys) - b.base
	return copy(buf, b.data[off:off+uint64(len(buf))]), nil
}

func (b *memoryBackend) WriteAt(phys int64, buf []byte) (int, error) {
	off := uint64(phys) - b.base
	return copy(b.data[off:off+uint64(len(buf))], buf), nil
}

func (b *memoryBackend) Close() error { return nil }

// newTestSharedMem builds an in-memory carveout for use in tests,
// independent of which discovery tier the host platform would use.
func newTestSharedMem(address, size uint64) *sharedMem {
	return &sharedMem{
		address: address,
		size:    size,
		backend: &memoryBackend{data: make([]byte, size), base: address},
	}
}
