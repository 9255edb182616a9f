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

//go:build linux
// +build linux

package rmtfs

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// openSharedMem implements the three-tier discovery of the physical
// carveout described in SPEC_FULL.md §4.D, ported from
// rmtfs_mem_open. Each tier falls back to the next on ENOENT; any
// other failure is fatal. The sysfs attribute paths used here read
// the same values the original obtains through libudev -- this port
// has no udev binding available, so it reads the attributes directly
// off sysfs instead (see DESIGN.md).
func openSharedMem() (*sharedMem, error) {
	if m, err := openRmtfsMem(1); err == nil {
		return m, nil
	} else if !os.IsNotExist(errors.Cause(err)) {
		return nil, err
	}

	plog.Warning("falling back to uio access")
	if m, err := openRmtfsUio(1); err == nil {
		return m, nil
	} else if !os.IsNotExist(errors.Cause(err)) {
		return nil, err
	}

	plog.Warning("falling back to /dev/mem access")
	return openDevMem()
}

// openRmtfsMem is discovery tier 1: a character device whose sysfs
// node exposes phys_addr/size directly; I/O goes through pread/pwrite
// on the fd rather than a mapping, matching the original (rmem->base
// stays nil on this path).
func openRmtfsMem(client int) (*sharedMem, error) {
	path := fmt.Sprintf("/dev/qcom_rmtfs_mem%d", client)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	sysBase := fmt.Sprintf("/sys/class/rmtfs/qcom_rmtfs_mem%d", client)
	addr, err := readHexAttr(filepath.Join(sysBase, "phys_addr"))
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "read phys_addr")
	}
	size, err := readHexAttr(filepath.Join(sysBase, "size"))
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "read size")
	}

	return &sharedMem{address: addr, size: size, backend: &fdBackend{f: f, base: addr}}, nil
}

// openRmtfsUio is discovery tier 2: a UIO device, whose region is
// found via the matching /sys/class/uio/uioN/name entry and mapped
// with mmap at offset 0.
func openRmtfsUio(client int) (*sharedMem, error) {
	want := fmt.Sprintf("qcom_rmtfs_uio%d", client)
	entries, err := os.ReadDir("/sys/class/uio")
	if err != nil {
		return nil, err
	}
	var uioDir string
	for _, e := range entries {
		name, err := os.ReadFile(filepath.Join("/sys/class/uio", e.Name(), "name"))
		if err == nil && strings.TrimSpace(string(name)) == want {
			uioDir = e.Name()
			break
		}
	}
	if uioDir == "" {
		return nil, fs.ErrNotExist
	}

	path := filepath.Join("/dev", uioDir)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	mapDir := filepath.Join("/sys/class/uio", uioDir, "maps/map0")
	addr, err := readHexAttr(filepath.Join(mapDir, "addr"))
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "read maps/map0/addr")
	}
	size, err := readHexAttr(filepath.Join(mapDir, "size"))
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "read maps/map0/size")
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "mmap")
	}

	return &sharedMem{address: addr, size: size, backend: &mmapBackend{f: f, base: addr, data: data}}, nil
}

// openDevMem is discovery tier 3: walk the device tree's
// reserved-memory node for an "rmtfs*" entry, read its "reg"
// property, and mmap /dev/mem at that physical address.
func openDevMem() (*sharedMem, error) {
	const dtDir = "/proc/device-tree/reserved-memory"
	entries, err := os.ReadDir(dtDir)
	if err != nil {
		return nil, err
	}

	var addr, size uint64
	found := false
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "rmtfs") {
			continue
		}
		reg, err := os.ReadFile(filepath.Join(dtDir, e.Name(), "reg"))
		if err != nil {
			return nil, errors.Wrapf(err, "read reg of %s", e.Name())
		}
		switch len(reg) {
		case 8:
			addr = uint64(binary.BigEndian.Uint32(reg[0:4]))
			size = uint64(binary.BigEndian.Uint32(reg[4:8]))
		case 16:
			addr = binary.BigEndian.Uint64(reg[0:8])
			size = binary.BigEndian.Uint64(reg[8:16])
		default:
			return nil, errors.Errorf("unexpected reg length %d for %s", len(reg), e.Name())
		}
		found = true
		break
	}
	if !found {
		return nil, fs.ErrNotExist
	}

	f, err := os.OpenFile("/dev/mem", os.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "open /dev/mem")
	}

	data, err := unix.Mmap(int(f.Fd()), int64(addr), int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "mmap /dev/mem")
	}

	return &sharedMem{address: addr, size: size, backend: &mmapBackend{f: f, base: addr, data: data}}, nil
}

func readHexAttr(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(b)), 16, 64)
}

// fdBackend transfers through pread/pwrite at an offset relative to
// the carveout's base physical address, used by tier 1 where no
// mapping is established.
type fdBackend struct {
	f    *os.File
	base uint64
}

func (b *fdBackend) ReadAt(phys int64, buf []byte) (int, error) {
	return b.f.ReadAt(buf, phys-int64(b.base))
}

func (b *fdBackend) WriteAt(phys int64, buf []byte) (int, error) {
	return b.f.WriteAt(buf, phys-int64(b.base))
}

func (b *fdBackend) Close() error {
	return b.f.Close()
}

// mmapBackend transfers by copying directly into/out of a mapped
// region, used by tiers 2 and 3.
type mmapBackend struct {
	f    *os.File
	base uint64
	data []byte
}

func (b *mmapBackend) ReadAt(phys int64, buf []byte) (int, error) {
	off := uint64(phys) - b.base
	return copy(buf, b.data[off:off+uint64(len(buf))]), nil
}

func (b *mmapBackend) WriteAt(phys int64, buf []byte) (int, error) {
	off := uint64(phys) - b.base
	return copy(b.data[off:off+uint64(len(buf))], buf), nil
}

func (b *mmapBackend) Close() error {
	unix.Munmap(b.data)
	return b.f.Close()
}
