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

// Package qrtr wraps the AF_QIPCRTR datagram socket family used by
// Qualcomm SoCs to talk to coprocessors (modems, DSPs) over an
// in-SoC message bus, and the control-packet protocol the kernel's
// qrtr module and the name server exchange over it.
package qrtr

import (
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"
)

var plog = capnslog.NewPackageLogger("github.com/linaro/qrtrd", "qrtr")

const (
	// NodeBroadcast addresses every node reachable on the bus.
	NodeBroadcast uint32 = 0xffffffff
	// PortCtrl is the well-known port the kernel and the name server
	// exchange control packets on.
	PortCtrl uint32 = 0xfffffffe

	// RecvTimeout is the liveness-floor receive timeout applied to
	// every endpoint opened by this package.
	RecvTimeout = 1 * time.Second
)

// PacketType classifies an incoming datagram as carried in the
// control header, or as opaque payload addressed to a data port.
type PacketType int

const (
	TypeData      PacketType = 1
	TypeHello     PacketType = 2
	TypeBye       PacketType = 3
	TypeNewServer PacketType = 4
	TypeDelServer PacketType = 5
	TypeDelClient PacketType = 6
	TypeResumeTx  PacketType = 7
	TypeExit      PacketType = 8
	TypePing      PacketType = 9
	TypeNewLookup PacketType = 10
	TypeDelLookup PacketType = 11
)

// Addr is a QRTR endpoint address: a kernel-assigned link id and a
// per-process virtual port.
type Addr struct {
	Node uint32
	Port uint32
}

func (a Addr) String() string {
	return addrString(a)
}

// Service identifies a QMI service endpoint.
type Service struct {
	Service  uint32
	Instance uint16
	Version  uint16
}

// Packet is a decoded datagram: either an opaque data payload or a
// control-plane event.
type Packet struct {
	Type PacketType
	From Addr

	// Data carries the payload for Type == TypeData.
	Data []byte

	// Server carries the server identity for TypeNewServer/TypeDelServer.
	Server ServerInfo
	// Client carries the client address for TypeBye/TypeDelClient.
	Client Addr
}

// ServerInfo is the (service, instance, node, port) tuple carried by
// NEW_SERVER / DEL_SERVER control packets.
type ServerInfo struct {
	Service  uint32
	Instance uint16
	Version  uint16
	Node     uint32
	Port     uint32
}

// socket is the raw-transport hook an Endpoint is built on. Two
// implementations exist: the real AF_QIPCRTR socket (socket_linux.go)
// and an in-memory loopback used on platforms without the address
// family and in tests (loopback.go).
type socket interface {
	LocalAddr() Addr
	SendTo(node, port uint32, b []byte) error
	RecvFrom() (b []byte, from Addr, err error)
	SetReadTimeout(d time.Duration) error
	Close() error
}

// Endpoint is an open QRTR datagram socket bound to a local port.
type Endpoint struct {
	sock socket
}

// Open creates a QRTR datagram endpoint. If localPort is nonzero the
// endpoint binds to that well-known port; otherwise the kernel (or
// the loopback socket, off-Linux) assigns an ephemeral one.
//
// The real AF_QIPCRTR path is used whenever the platform supports it;
// see socket_linux.go / socket_fallback.go.
func Open(localPort uint32) (*Endpoint, error) {
	s, err := newSocket(localPort)
	if err != nil {
		return nil, errors.Wrap(err, "qrtr: open")
	}
	if err := s.SetReadTimeout(RecvTimeout); err != nil {
		s.Close()
		return nil, errors.Wrap(err, "qrtr: set recv timeout")
	}
	return &Endpoint{sock: s}, nil
}

// LocalAddr returns the endpoint's own (node, port), as learned from
// the socket at bind time (the moral equivalent of getsockname).
func (e *Endpoint) LocalAddr() Addr {
	return e.sock.LocalAddr()
}

// Close releases the underlying socket.
func (e *Endpoint) Close() error {
	return e.sock.Close()
}

// SendTo sends an unreliable datagram to (node, port). It fails only
// on unrecoverable socket faults.
func (e *Endpoint) SendTo(node, port uint32, b []byte) error {
	if err := e.sock.SendTo(node, port, b); err != nil {
		return errors.Wrap(err, "qrtr: sendto")
	}
	return nil
}

// RecvFrom blocks up to the endpoint's receive timeout and returns the
// next datagram's raw bytes and its source address.
func (e *Endpoint) RecvFrom() ([]byte, Addr, error) {
	b, from, err := e.sock.RecvFrom()
	if err != nil {
		return nil, Addr{}, err
	}
	return b, from, nil
}

// Recv blocks for the next packet and classifies it with DecodePacket.
func (e *Endpoint) Recv() (Packet, error) {
	b, from, err := e.RecvFrom()
	if err != nil {
		return Packet{}, err
	}
	return DecodePacket(b, from)
}

// DecodePacket classifies a raw datagram. If it arrived from PortCtrl
// it is parsed as a control packet; otherwise it is opaque DATA.
func DecodePacket(b []byte, from Addr) (Packet, error) {
	if from.Port != PortCtrl {
		return Packet{Type: TypeData, From: from, Data: b}, nil
	}
	var cp ctrlPacket
	if err := cp.UnmarshalBinary(b); err != nil {
		return Packet{}, errors.Wrap(err, "qrtr: decode control packet")
	}
	pkt := Packet{Type: PacketType(cp.Cmd), From: from}
	switch pkt.Type {
	case TypeNewServer, TypeDelServer:
		pkt.Server = ServerInfo{
			Service:  cp.Service,
			Version:  uint16(cp.Instance & 0xff),
			Instance: uint16(cp.Instance >> 8),
			Node:     cp.Node,
			Port:     cp.Port,
		}
	case TypeBye, TypeDelClient:
		pkt.Client = Addr{Node: cp.Node, Port: cp.Port}
	case TypeNewLookup, TypeDelLookup:
		pkt.Server = ServerInfo{
			Service:  cp.Service,
			Version:  uint16(cp.Instance & 0xff),
			Instance: uint16(cp.Instance >> 8),
		}
	case TypeHello:
		// no payload beyond the command id
	default:
		return Packet{}, errors.Errorf("qrtr: unknown control command %d", cp.Cmd)
	}
	return pkt, nil
}

// Publish posts a NEW_SERVER control packet advertising this
// endpoint's own (node, port) for the given service identity.
func (e *Endpoint) Publish(svc Service) error {
	return e.sendServerCtrl(TypeNewServer, svc)
}

// Withdraw posts a DEL_SERVER control packet retracting a prior Publish.
func (e *Endpoint) Withdraw(svc Service) error {
	return e.sendServerCtrl(TypeDelServer, svc)
}

func (e *Endpoint) sendServerCtrl(cmd PacketType, svc Service) error {
	local := e.LocalAddr()
	cp := ctrlPacket{
		Cmd:      uint32(cmd),
		Service:  svc.Service,
		Instance: uint32(svc.Instance)<<8 | uint32(svc.Version),
		Node:     local.Node,
		Port:     local.Port,
	}
	b, err := cp.MarshalBinary()
	if err != nil {
		return err
	}
	return e.SendTo(local.Node, PortCtrl, b)
}

// NewLookup subscribes to NS notifications for a service identity.
func (e *Endpoint) NewLookup(svc Service) error {
	return e.sendLookupCtrl(TypeNewLookup, svc)
}

// DelLookup cancels a prior NewLookup subscription.
func (e *Endpoint) DelLookup(svc Service) error {
	return e.sendLookupCtrl(TypeDelLookup, svc)
}

func (e *Endpoint) sendLookupCtrl(cmd PacketType, svc Service) error {
	cp := ctrlPacket{
		Cmd:      uint32(cmd),
		Service:  svc.Service,
		Instance: uint32(svc.Instance)<<8 | uint32(svc.Version),
	}
	b, err := cp.MarshalBinary()
	if err != nil {
		return err
	}
	local := e.LocalAddr()
	return e.SendTo(local.Node, PortCtrl, b)
}

// SayHello broadcasts a HELLO to elicit NEW_SERVER replies from
// already-running peers; used by the name server at startup.
func (e *Endpoint) SayHello() error {
	b, err := MarshalHello()
	if err != nil {
		return err
	}
	return e.SendTo(NodeBroadcast, PortCtrl, b)
}

// MarshalHello encodes a standalone HELLO control packet, for callers
// that need to echo one verbatim (the name server replies to an
// incoming HELLO with a fresh one of its own).
func MarshalHello() ([]byte, error) {
	cp := ctrlPacket{Cmd: uint32(TypeHello)}
	return cp.MarshalBinary()
}

// SendServerCtrl sends a NEW_SERVER/DEL_SERVER control packet to an
// arbitrary destination, advertising (node, port) as the server's
// location. Unlike Publish/Withdraw, which always advertise this
// endpoint's own address, this lets the name server re-announce a
// server discovered from elsewhere on the bus.
func (e *Endpoint) SendServerCtrl(cmd PacketType, to Addr, svc Service, node, port uint32) error {
	cp := ctrlPacket{
		Cmd:      uint32(cmd),
		Service:  svc.Service,
		Instance: uint32(svc.Instance)<<8 | uint32(svc.Version),
		Node:     node,
		Port:     port,
	}
	b, err := cp.MarshalBinary()
	if err != nil {
		return err
	}
	return e.SendTo(to.Node, to.Port, b)
}

// SendClientCtrl sends a BYE/DEL_CLIENT control packet to an arbitrary
// destination describing a third-party client's address, the way the
// name server re-broadcasts another node's departure to local servers.
func (e *Endpoint) SendClientCtrl(cmd PacketType, to Addr, client Addr) error {
	cp := ctrlPacket{Cmd: uint32(cmd), Node: client.Node, Port: client.Port}
	b, err := cp.MarshalBinary()
	if err != nil {
		return err
	}
	return e.SendTo(to.Node, to.Port, b)
}

// Poll reports whether a packet is available to read within the
// given timeout, without consuming it.
func (e *Endpoint) Poll(timeout time.Duration) (bool, error) {
	p, ok := e.sock.(interface {
		Poll(time.Duration) (bool, error)
	})
	if !ok {
		return true, nil
	}
	return p.Poll(timeout)
}

// IsReset reports whether err represents the kernel transport reset
// (ENETRESET) that should cause the caller to reopen its endpoint and
// republish its service advertisement.
func IsReset(err error) bool {
	return isReset(errors.Cause(err))
}

// IsTimeout reports whether err is the expected EAGAIN/timeout that
// the event loop should treat as "nothing to do this iteration."
func IsTimeout(err error) bool {
	return isTimeout(errors.Cause(err))
}
