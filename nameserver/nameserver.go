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

// Package nameserver implements the QRTR name server: the control-port
// peer every node's kernel qrtr module talks to in order to publish,
// withdraw and look up QMI services, ported from the reference ns.c.
package nameserver

import (
	"context"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"

	"github.com/linaro/qrtrd/lang/maps"
	"github.com/linaro/qrtrd/qrtr"
)

var plog = capnslog.NewPackageLogger("github.com/linaro/qrtrd", "nameserver")

// server is one registered (service, instance) advertisement.
type server struct {
	service  uint32
	instance uint32
	node     uint32
	port     uint32
}

// node groups the servers registered from a single QRTR node, keyed by
// port the way the original's struct node keys its service map by
// hash_u32(port).
type node struct {
	id       uint32
	services map[uint32]*server
}

// lookup is a subscription registered by a local NEW_LOOKUP call; it
// is notified of every matching NEW_SERVER/DEL_SERVER until cancelled.
type lookup struct {
	addr     qrtr.Addr
	service  uint32
	instance uint32
}

func (l *lookup) matches(s *server) bool {
	if l.service != 0 && l.service != s.service {
		return false
	}
	if l.instance != 0 && l.instance != s.instance {
		return false
	}
	return true
}

// Server is the name server's runtime state. It is driven entirely by
// its own Run goroutine; nothing else touches nodes/lookups, mirroring
// the original's single-threaded waiter_wait loop.
type Server struct {
	ep        *qrtr.Endpoint
	localNode uint32
	nodes     map[uint32]*node
	lookups   []*lookup
}

// New opens the control-port endpoint and learns the local node id
// from it (the moral equivalent of ns.c's getsockname()-then-bind
// dance).
func New() (*Server, error) {
	ep, err := qrtr.Open(qrtr.PortCtrl)
	if err != nil {
		return nil, errors.Wrap(err, "nameserver: open control endpoint")
	}
	return NewWithEndpoint(ep), nil
}

// NewWithEndpoint builds a Server around an already-open endpoint,
// letting tests supply a loopback qrtr.Bus endpoint instead of a real
// AF_QIPCRTR socket.
func NewWithEndpoint(ep *qrtr.Endpoint) *Server {
	return &Server{
		ep:        ep,
		localNode: ep.LocalAddr().Node,
		nodes:     make(map[uint32]*node),
	}
}

// Close releases the control endpoint.
func (s *Server) Close() error {
	return s.ep.Close()
}

// LocalNode returns the bus node id this server learned at Open time.
func (s *Server) LocalNode() uint32 {
	return s.localNode
}

func (s *Server) nodeFor(id uint32) *node {
	n, ok := s.nodes[id]
	if !ok {
		n = &node{id: id, services: make(map[uint32]*server)}
		s.nodes[id] = n
	}
	return n
}

// Run says HELLO on the bus and then services control packets until
// ctx is cancelled or the endpoint fails unrecoverably.
func (s *Server) Run(ctx context.Context) error {
	if err := s.ep.SayHello(); err != nil {
		return errors.Wrap(err, "nameserver: say hello")
	}
	plog.Info("name server started")

	for {
		select {
		case <-ctx.Done():
			plog.Info("exiting cleanly")
			return nil
		default:
		}

		pkt, err := s.ep.Recv()
		if err != nil {
			if qrtr.IsTimeout(err) {
				continue
			}
			return errors.Wrap(err, "nameserver: recv")
		}
		if err := s.handle(pkt); err != nil {
			plog.Warningf("failed while handling packet from %s: %v", pkt.From, err)
		}
	}
}

func (s *Server) handle(pkt qrtr.Packet) error {
	plog.Debugf("%s from %s", pkt.Type, pkt.From)
	switch pkt.Type {
	case qrtr.TypeHello:
		return s.handleHello(pkt.From)
	case qrtr.TypeBye:
		return s.handleBye(pkt.From)
	case qrtr.TypeDelClient:
		return s.handleDelClient(pkt.From, pkt.Client.Node, pkt.Client.Port)
	case qrtr.TypeNewServer:
		return s.handleNewServer(pkt.From, pkt.Server)
	case qrtr.TypeDelServer:
		return s.handleDelServer(pkt.From, pkt.Server)
	case qrtr.TypeNewLookup:
		return s.handleNewLookup(pkt.From, pkt.Server.Service, uint32(pkt.Server.Instance)<<8|uint32(pkt.Server.Version))
	case qrtr.TypeDelLookup:
		return s.handleDelLookup(pkt.From, pkt.Server.Service, uint32(pkt.Server.Instance)<<8|uint32(pkt.Server.Version))
	case qrtr.TypeExit, qrtr.TypePing, qrtr.TypeResumeTx:
		return nil
	default:
		return errors.Errorf("unknown control command %d", pkt.Type)
	}
}

// handleHello echoes the HELLO back to the sender, then announces
// every locally-registered service to it -- the new peer's way of
// discovering what's already running.
func (s *Server) handleHello(from qrtr.Addr) error {
	hello, err := qrtr.MarshalHello()
	if err != nil {
		return err
	}
	if err := s.ep.SendTo(from.Node, from.Port, hello); err != nil {
		return err
	}
	local, ok := s.nodes[s.localNode]
	if !ok {
		return nil
	}
	for _, port := range maps.SortedKeys(local.services) {
		if err := s.announceNewServer(from, local.services[port]); err != nil {
			return err
		}
	}
	return nil
}

// handleBye tears down every service the departing node had
// registered, then tells every locally-registered service that node
// is gone.
func (s *Server) handleBye(from qrtr.Addr) error {
	if n, ok := s.nodes[from.Node]; ok {
		for _, port := range maps.SortedKeys(n.services) {
			s.serverDel(n, port)
		}
	}
	return s.notifyLocalServices(func(dest qrtr.Addr) error {
		return s.sendClientCtrl(qrtr.TypeBye, dest, qrtr.Addr{Node: from.Node})
	})
}

// handleDelClient removes a single client's registration and its
// lookup subscriptions, with the same anti-spoof checks ns.c applies.
func (s *Server) handleDelClient(from qrtr.Addr, clientNode, clientPort uint32) error {
	if from.Node != clientNode {
		return errors.New("spoofed del-client")
	}
	if from.Node == s.localNode && from.Port != clientPort {
		return errors.New("spoofed local del-client")
	}

	kept := s.lookups[:0]
	for _, l := range s.lookups {
		if l.addr.Node == clientNode && l.addr.Port == clientPort {
			continue
		}
		kept = append(kept, l)
	}
	s.lookups = kept

	if n, ok := s.nodes[clientNode]; ok {
		s.serverDel(n, clientPort)
	}

	return s.notifyLocalServices(func(dest qrtr.Addr) error {
		return s.sendClientCtrl(qrtr.TypeDelClient, dest, qrtr.Addr{Node: clientNode, Port: clientPort})
	})
}

// handleNewServer registers a (service, instance) advertisement,
// broadcasting it if it's local, and notifies matching lookups.
func (s *Server) handleNewServer(from qrtr.Addr, info qrtr.ServerInfo) error {
	nodeID, port := info.Node, info.Port
	if from.Node == s.localNode {
		nodeID, port = from.Node, from.Port
	}
	if from.Node != nodeID {
		return errors.New("spoofed new-server")
	}
	if info.Service == 0 || port == 0 {
		return errors.New("invalid new-server")
	}

	srv := &server{
		service:  info.Service,
		instance: uint32(info.Instance)<<8 | uint32(info.Version),
		node:     nodeID,
		port:     port,
	}
	s.nodeFor(nodeID).services[port] = srv
	plog.Debugf("add server [%d:%x]@[%d:%d]", srv.service, srv.instance, srv.node, srv.port)

	if srv.node == s.localNode {
		if err := s.announceNewServer(qrtr.Addr{Node: qrtr.NodeBroadcast, Port: qrtr.PortCtrl}, srv); err != nil {
			return err
		}
	}
	return s.notifyLookups(srv, true)
}

// handleDelServer withdraws a prior advertisement, enforcing that a
// local server may only unregister itself.
func (s *Server) handleDelServer(from qrtr.Addr, info qrtr.ServerInfo) error {
	nodeID, port := info.Node, info.Port
	if from.Node == s.localNode {
		nodeID, port = from.Node, from.Port
	}
	if from.Node != nodeID {
		return errors.New("spoofed del-server")
	}
	if from.Node == s.localNode && from.Port != port {
		return errors.New("local server may only unregister itself")
	}

	n, ok := s.nodes[nodeID]
	if !ok {
		return errors.New("no such node")
	}
	s.serverDel(n, port)
	return nil
}

// handleNewLookup registers a subscription for a local observer and
// replies with every currently-matching server, followed by a
// zero-value terminator marking the end of the initial snapshot.
func (s *Server) handleNewLookup(from qrtr.Addr, service, instance uint32) error {
	if from.Node != s.localNode {
		return errors.New("lookup must come from a local client")
	}

	l := &lookup{addr: from, service: service, instance: instance}
	s.lookups = append(s.lookups, l)

	for _, n := range s.nodes {
		for _, port := range maps.SortedKeys(n.services) {
			srv := n.services[port]
			if l.matches(srv) {
				if err := s.notifyOne(from, srv, true); err != nil {
					return err
				}
			}
		}
	}
	return s.notifyOne(from, nil, true)
}

// handleDelLookup cancels a matching subscription.
func (s *Server) handleDelLookup(from qrtr.Addr, service, instance uint32) error {
	kept := s.lookups[:0]
	for _, l := range s.lookups {
		if l.addr == from && l.service == service && (l.instance == 0 || l.instance == instance) {
			continue
		}
		kept = append(kept, l)
	}
	s.lookups = kept
	return nil
}

// serverDel removes a service and notifies broadcast/lookup observers,
// the shared tail of ctrl_cmd_bye/ctrl_cmd_del_client/ctrl_cmd_del_server.
func (s *Server) serverDel(n *node, port uint32) {
	srv, ok := n.services[port]
	if !ok {
		return
	}
	delete(n.services, port)

	if srv.node == s.localNode {
		if err := s.announceNewServerCmd(qrtr.TypeDelServer, qrtr.Addr{Node: qrtr.NodeBroadcast, Port: qrtr.PortCtrl}, srv); err != nil {
			plog.Warningf("broadcast del-server failed: %v", err)
		}
	}
	if err := s.notifyLookups(srv, false); err != nil {
		plog.Warningf("lookup notification failed: %v", err)
	}
}

func (s *Server) notifyLookups(srv *server, isNew bool) error {
	for _, l := range s.lookups {
		if !l.matches(srv) {
			continue
		}
		if err := s.notifyOne(l.addr, srv, isNew); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) notifyOne(to qrtr.Addr, srv *server, isNew bool) error {
	cmd := qrtr.TypeDelServer
	if isNew {
		cmd = qrtr.TypeNewServer
	}
	if srv == nil {
		return s.announceNewServerCmd(cmd, to, &server{})
	}
	return s.announceNewServerCmd(cmd, to, srv)
}

func (s *Server) announceNewServer(to qrtr.Addr, srv *server) error {
	return s.announceNewServerCmd(qrtr.TypeNewServer, to, srv)
}

func (s *Server) announceNewServerCmd(cmd qrtr.PacketType, to qrtr.Addr, srv *server) error {
	svc := qrtr.Service{
		Service:  srv.service,
		Version:  uint16(srv.instance & 0xff),
		Instance: uint16(srv.instance >> 8),
	}
	// Borrow Endpoint's own server-ctrl encoder by addressing the
	// packet directly: this reuses the exact wire layout Publish uses,
	// but to an arbitrary destination and with an explicit node/port
	// rather than the endpoint's own address.
	return s.ep.SendServerCtrl(cmd, to, svc, srv.node, srv.port)
}

func (s *Server) sendClientCtrl(cmd qrtr.PacketType, to qrtr.Addr, client qrtr.Addr) error {
	return s.ep.SendClientCtrl(cmd, to, client)
}

func (s *Server) notifyLocalServices(send func(dest qrtr.Addr) error) error {
	local, ok := s.nodes[s.localNode]
	if !ok {
		return nil
	}
	for _, port := range maps.SortedKeys(local.services) {
		srv := local.services[port]
		if err := send(qrtr.Addr{Node: srv.node, Port: srv.port}); err != nil {
			plog.Warningf("notify local service %d:%d failed: %v", srv.node, srv.port, err)
		}
	}
	return nil
}
