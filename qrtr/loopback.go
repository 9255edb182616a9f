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

package qrtr

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Bus is an in-memory stand-in for the kernel's AF_QIPCRTR transport.
// It is used on platforms that don't expose the address family and
// by every package's test suite, which would otherwise need a real
// qrtr-capable kernel to exercise NS/RMTFS/TQFTPSERV request/response
// round trips. Endpoints opened on the same Bus can address each
// other by (node, port) exactly as real QRTR sockets would; a
// broadcast send to NodeBroadcast is fanned out to every endpoint
// bound on the destination port across every node on the bus, except
// the sender itself.
//
// Grounded on the packet-queue idiom of mantle/network/bufnet's
// in-memory net.Conn pipes, adapted here to preserve datagram framing
// (bufnet's pipe is byte-stream oriented, which would merge
// consecutive writes; QRTR is a datagram transport).
type Bus struct {
	mu       sync.Mutex
	nextNode uint32
	nextPort uint32
	sockets  map[Addr]*loopbackSocket
}

type datagram struct {
	from Addr
	data []byte
}

// NewBus creates a fresh, empty loopback bus. Each Bus is an
// independent virtual network; endpoints on different busses cannot
// see each other.
func NewBus() *Bus {
	return &Bus{nextNode: 1, nextPort: 1, sockets: make(map[Addr]*loopbackSocket)}
}

// OpenEndpoint opens a loopback Endpoint on the bus, analogous to
// Open() for a real AF_QIPCRTR socket. Passing node 0 assigns the
// next free node id, letting callers simulate independent peers; pass
// a fixed node to simulate several ports on the same node (as NS and
// its local clients normally share one).
func (bus *Bus) OpenEndpoint(node, localPort uint32) (*Endpoint, error) {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	if node == 0 {
		node = bus.nextNode
		bus.nextNode++
	}
	if localPort == 0 {
		localPort = bus.nextPort
		bus.nextPort++
	}
	addr := Addr{Node: node, Port: localPort}
	if _, exists := bus.sockets[addr]; exists {
		return nil, errors.Errorf("qrtr: loopback address %s already bound", addr)
	}
	sock := &loopbackSocket{bus: bus, local: addr, inbox: make(chan datagram, 256), timeout: RecvTimeout}
	bus.sockets[addr] = sock
	return &Endpoint{sock: sock}, nil
}

func (bus *Bus) deliver(to Addr, from Addr, b []byte) error {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	cp := make([]byte, len(b))
	copy(cp, b)

	if to.Node == NodeBroadcast {
		for addr, sock := range bus.sockets {
			if addr.Port != to.Port || addr == from {
				continue
			}
			select {
			case sock.inbox <- datagram{from: from, data: cp}:
			default:
			}
		}
		return nil
	}
	sock, ok := bus.sockets[to]
	if !ok {
		return errors.Errorf("qrtr: loopback address %s unreachable", to)
	}
	select {
	case sock.inbox <- datagram{from: from, data: cp}:
		return nil
	default:
		return errors.Errorf("qrtr: loopback address %s inbox full", to)
	}
}

func (bus *Bus) unregister(addr Addr) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	delete(bus.sockets, addr)
}

type loopbackSocket struct {
	bus     *Bus
	local   Addr
	inbox   chan datagram
	timeout time.Duration
	closed  bool
}

func (s *loopbackSocket) LocalAddr() Addr { return s.local }

func (s *loopbackSocket) Close() error {
	s.bus.unregister(s.local)
	s.closed = true
	return nil
}

func (s *loopbackSocket) SetReadTimeout(d time.Duration) error {
	s.timeout = d
	return nil
}

func (s *loopbackSocket) SendTo(node, port uint32, b []byte) error {
	return s.bus.deliver(Addr{Node: node, Port: port}, s.local, b)
}

func (s *loopbackSocket) RecvFrom() ([]byte, Addr, error) {
	if s.timeout <= 0 {
		dg := <-s.inbox
		return dg.data, dg.from, nil
	}
	select {
	case dg := <-s.inbox:
		return dg.data, dg.from, nil
	case <-time.After(s.timeout):
		return nil, Addr{}, errTimeout
	}
}

func (s *loopbackSocket) Poll(timeout time.Duration) (bool, error) {
	select {
	case dg := <-s.inbox:
		// Peek isn't supported by a plain channel, so the datagram is
		// re-queued at the back of the inbox; any datagram that
		// arrived meanwhile is read before it. Safe because this
		// socket is only ever driven by one goroutine (the owning
		// event loop).
		select {
		case s.inbox <- dg:
		default:
		}
		return true, nil
	case <-time.After(timeout):
		return false, nil
	}
}

var errTimeout = errors.New("qrtr: loopback receive timeout")
