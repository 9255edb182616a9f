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

package qrtr

import (
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// afQIPCRTR is AF_QIPCRTR, the in-kernel QRTR address family. It has
// no stable allocation in golang.org/x/sys/unix because it is a
// vendor-specific family, so it is declared here the same way the
// kernel's own headers and libqrtr.h do.
const afQIPCRTR = 42

// rawSockaddrQrtr mirrors struct sockaddr_qrtr from the kernel qrtr
// uapi header. x/sys/unix has no Sockaddr implementation for this
// family (its Sockaddr interface is closed to outside packages), so
// raw syscalls are used directly against this layout instead of the
// higher-level unix.Bind/unix.Sendto/unix.Recvfrom helpers -- the
// same technique vishvananda/netlink uses for AF_NETLINK.
type rawSockaddrQrtr struct {
	Family uint16
	Node   uint32
	Port   uint32
}

const sizeofSockaddrQrtr = 12 // 2 (family) + 2 (padding) + 4 + 4, matches the kernel layout

type linuxSocket struct {
	mu    sync.Mutex
	fd    int
	local Addr
}

func newSocket(localPort uint32) (socket, error) {
	fd, err := unix.Socket(afQIPCRTR, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, err
	}
	sa := rawSockaddrQrtr{Family: afQIPCRTR, Node: 0, Port: localPort}
	if err := sysBind(fd, &sa); err != nil {
		unix.Close(fd)
		return nil, err
	}
	local, err := sysGetsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &linuxSocket{fd: fd, local: local}, nil
}

func (s *linuxSocket) LocalAddr() Addr {
	return s.local
}

func (s *linuxSocket) Close() error {
	return unix.Close(s.fd)
}

func (s *linuxSocket) SetReadTimeout(d time.Duration) error {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	return unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
}

func (s *linuxSocket) SendTo(node, port uint32, b []byte) error {
	sa := rawSockaddrQrtr{Family: afQIPCRTR, Node: node, Port: port}
	return sysSendto(s.fd, b, &sa)
}

func (s *linuxSocket) RecvFrom() ([]byte, Addr, error) {
	buf := make([]byte, 65536)
	n, from, err := sysRecvfrom(s.fd, buf)
	if err != nil {
		return nil, Addr{}, err
	}
	return buf[:n], from, nil
}

func (s *linuxSocket) Poll(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		return false, err
	}
	return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
}

func sysBind(fd int, sa *rawSockaddrQrtr) error {
	_, _, errno := unix.Syscall(unix.SYS_BIND, uintptr(fd), uintptr(unsafe.Pointer(sa)), sizeofSockaddrQrtr)
	if errno != 0 {
		return errno
	}
	return nil
}

func sysGetsockname(fd int) (Addr, error) {
	var sa rawSockaddrQrtr
	sz := uint32(sizeofSockaddrQrtr)
	_, _, errno := unix.Syscall(unix.SYS_GETSOCKNAME, uintptr(fd), uintptr(unsafe.Pointer(&sa)), uintptr(unsafe.Pointer(&sz)))
	if errno != 0 {
		return Addr{}, errno
	}
	return Addr{Node: sa.Node, Port: sa.Port}, nil
}

func sysSendto(fd int, b []byte, sa *rawSockaddrQrtr) error {
	var p unsafe.Pointer
	if len(b) > 0 {
		p = unsafe.Pointer(&b[0])
	}
	_, _, errno := unix.Syscall6(unix.SYS_SENDTO, uintptr(fd), uintptr(p), uintptr(len(b)),
		0, uintptr(unsafe.Pointer(sa)), sizeofSockaddrQrtr)
	if errno != 0 {
		return errno
	}
	return nil
}

func sysRecvfrom(fd int, buf []byte) (int, Addr, error) {
	var sa rawSockaddrQrtr
	sz := uint32(sizeofSockaddrQrtr)
	var p unsafe.Pointer
	if len(buf) > 0 {
		p = unsafe.Pointer(&buf[0])
	}
	n, _, errno := unix.Syscall6(unix.SYS_RECVFROM, uintptr(fd), uintptr(p), uintptr(len(buf)),
		0, uintptr(unsafe.Pointer(&sa)), uintptr(unsafe.Pointer(&sz)))
	if errno != 0 {
		return 0, Addr{}, errno
	}
	return int(n), Addr{Node: sa.Node, Port: sa.Port}, nil
}

func isReset(err error) bool {
	return err == unix.ENETRESET
}

func isTimeout(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}
