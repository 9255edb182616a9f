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

// Package tqftpserv implements a TFTP-like file service over QRTR
// datagrams, serving remoteproc firmware read-only and a scratch
// directory read-write to a modem DSP, ported from the reference
// tqftpserv.c/translate.c.
package tqftpserv

import (
	"context"
	"encoding/binary"
	"os"
	"sync"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"

	"github.com/linaro/qrtrd/qrtr"
)

var plog = capnslog.NewPackageLogger("github.com/linaro/qrtrd", "tqftpserv")

// Service identity this daemon publishes to the name server.
const (
	ServiceID = 4096
	Version   = 1
	Instance  = 0
)

// TFTP opcodes, ported from tqftpserv.c's OP_* enum.
const (
	opRRQ   = 1
	opWRQ   = 2
	opData  = 3
	opAck   = 4
	opError = 5
	opOack  = 6
)

// ERROR packet codes used by this service.
const (
	ErrFileNotFound = 1
	ErrIllegalOp    = 4
)

// Negotiated-option defaults, applied whenever an RRQ omits them.
const (
	defaultBlksize   = 512
	defaultTimeoutMs = 1000
	defaultWsize     = 1
	defaultRsize     = 0
)

// shortBlockSize is the classic-TFTP tail-block size a WRQ transfer's
// completion is judged against, independent of any negotiated blksize
// -- ported as-is from handle_writer's `payload == 512` check; see
// DESIGN.md.
const shortBlockSize = 512

// Server is the TQFTPSERV event loop: a well-known control endpoint
// plus the live reader/writer client sets.
type Server struct {
	ctrl *qrtr.Endpoint

	mu      sync.Mutex
	readers map[qrtr.Addr]*client
	writers map[qrtr.Addr]*client

	wg sync.WaitGroup

	// openEndpoint opens the per-transfer ephemeral endpoint a new
	// RRQ/WRQ connects to its peer, ported from handle_rrq/handle_wrq's
	// qrtr_open call. Overridden in tests to bind onto the same
	// in-memory bus the control endpoint uses.
	openEndpoint func(localPort uint32) (*qrtr.Endpoint, error)
}

// client mirrors struct tftp_client: a per-transfer ephemeral QRTR
// endpoint connected (by convention -- QRTR has no real connect(2))
// to a single peer, plus the negotiated transfer parameters.
type client struct {
	ep   *qrtr.Endpoint
	peer qrtr.Addr
	file *os.File

	blksize   int
	rsize     int
	wsize     int
	timeoutms int

	// finished marks a reader whose last DATA block was already short;
	// the transfer completes on the ACK that follows, not this one.
	finished bool
}

// New opens the well-known TQFTPSERV control endpoint.
func New() (*Server, error) {
	ep, err := qrtr.Open(0)
	if err != nil {
		return nil, errors.Wrap(err, "tqftpserv: open qrtr endpoint")
	}
	return &Server{
		ctrl:         ep,
		readers:      make(map[qrtr.Addr]*client),
		writers:      make(map[qrtr.Addr]*client),
		openEndpoint: qrtr.Open,
	}, nil
}

// Close releases the control endpoint and every live client.
func (s *Server) Close() error {
	s.mu.Lock()
	for _, c := range s.readers {
		c.close()
	}
	for _, c := range s.writers {
		c.close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return s.ctrl.Close()
}

// Run publishes the service and handles RRQ/WRQ requests and control
// events until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	svc := qrtr.Service{Service: ServiceID, Instance: Instance, Version: Version}
	if err := s.ctrl.Publish(svc); err != nil {
		return errors.Wrap(err, "tqftpserv: publish service")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		pkt, err := s.ctrl.Recv()
		if err != nil {
			if qrtr.IsTimeout(err) {
				continue
			}
			if qrtr.IsReset(err) {
				return err
			}
			plog.Warningf("recv: %v", err)
			continue
		}

		switch pkt.Type {
		case qrtr.TypeBye, qrtr.TypeDelClient:
			s.dropClientsFor(pkt.Client)
		case qrtr.TypeData:
			if len(pkt.Data) < 2 {
				continue
			}
			switch binary.BigEndian.Uint16(pkt.Data[0:2]) {
			case opRRQ:
				s.handleRRQ(ctx, pkt.Data, pkt.From)
			case opWRQ:
				s.handleWRQ(ctx, pkt.Data, pkt.From)
			default:
				plog.Warningf("unhandled opcode from %s", pkt.From)
			}
		}
	}
}

// dropClientsFor closes every reader/writer whose peer matches addr,
// ported from main()'s QRTR_TYPE_BYE/QRTR_TYPE_DEL_CLIENT handling.
func (s *Server) dropClientsFor(addr qrtr.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.readers[addr]; ok {
		delete(s.readers, addr)
		c.close()
	}
	if c, ok := s.writers[addr]; ok {
		delete(s.writers, addr)
		c.close()
	}
}

func (c *client) close() {
	c.ep.Close()
	if c.file != nil {
		c.file.Close()
	}
}

func (s *Server) removeReader(c *client) {
	s.mu.Lock()
	delete(s.readers, c.peer)
	s.mu.Unlock()
	c.close()
}

func (s *Server) removeWriter(c *client) {
	s.mu.Lock()
	delete(s.writers, c.peer)
	s.mu.Unlock()
	c.close()
}
