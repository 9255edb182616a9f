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

package tqftpserv

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"strconv"
	"strings"

	"github.com/linaro/qrtrd/qrtr"
)

// rrqOptions is the parsed option set of an RRQ/WRQ, ported from
// handle_rrq's local variables.
type rrqOptions struct {
	blksize   int
	timeoutms int
	wsize     int
	rsize     int

	wantTsize bool
	wantWsize bool
	wantRsize bool

	any bool
}

// parseNulString reads one NUL-terminated field from buf at off,
// returning its bytes and the offset just past the terminator. ok is
// false if no terminator was found before the end of buf.
func parseNulString(buf []byte, off int) (string, int, bool) {
	if off >= len(buf) {
		return "", off, false
	}
	end := bytes.IndexByte(buf[off:], 0)
	if end < 0 {
		return "", off, false
	}
	return string(buf[off : off+end]), off + end + 1, true
}

// parseRequest splits an RRQ/WRQ payload into filename, mode and the
// option list, ported from handle_rrq/handle_wrq's field walk.
func parseRequest(buf []byte) (filename, mode string, opts rrqOptions, ok bool) {
	opts = rrqOptions{blksize: defaultBlksize, timeoutms: defaultTimeoutMs, wsize: defaultWsize, rsize: defaultRsize}

	off := 2
	filename, off, ok = parseNulString(buf, off)
	if !ok {
		return
	}
	mode, off, ok = parseNulString(buf, off)
	if !ok {
		return
	}
	if !strings.EqualFold(mode, "octet") {
		ok = false
		return
	}

	for off < len(buf) {
		var name, value string
		name, off, ok = parseNulString(buf, off)
		if !ok {
			return
		}
		value, off, ok = parseNulString(buf, off)
		if !ok {
			return
		}
		opts.any = true

		n, _ := strconv.Atoi(value)
		switch strings.ToLower(name) {
		case "blksize":
			opts.blksize = n
		case "timeoutms":
			opts.timeoutms = n
		case "tsize":
			opts.wantTsize = true
		case "wsize":
			opts.wsize = n
			opts.wantWsize = true
		case "rsize":
			opts.rsize = n
			opts.wantRsize = true
		default:
			plog.Warningf("ignoring unknown option %q", name)
		}
	}
	ok = true
	return
}

func (s *Server) handleRRQ(ctx context.Context, buf []byte, peer qrtr.Addr) {
	filename, _, opts, ok := parseRequest(buf)
	if !ok {
		plog.Warningf("malformed RRQ from %s", peer)
		return
	}
	plog.Infof("RRQ: %s", filename)

	f, err := translateOpen(filename, os.O_RDONLY)
	if err != nil {
		plog.Warningf("open %q: %v", filename, err)
		s.rejectRRQ(peer, ErrFileNotFound, "file not found")
		return
	}

	ep, err := s.openEndpoint(0)
	if err != nil {
		plog.Warningf("open endpoint for %s: %v", peer, err)
		f.Close()
		return
	}

	c := &client{ep: ep, peer: peer, file: f, blksize: opts.blksize, rsize: opts.rsize, wsize: opts.wsize, timeoutms: opts.timeoutms}
	s.mu.Lock()
	s.readers[peer] = c
	s.mu.Unlock()

	if opts.any {
		var tsize int64
		if opts.wantTsize {
			if fi, err := f.Stat(); err == nil {
				tsize = fi.Size()
			}
		}
		s.sendOACK(c, opts, tsize)
	} else {
		s.sendData(c, 1, 0)
	}

	s.wg.Add(1)
	go s.runReader(ctx, c)
}

func (s *Server) handleWRQ(ctx context.Context, buf []byte, peer qrtr.Addr) {
	filename, _, _, ok := parseRequest(buf)
	if !ok {
		plog.Warningf("malformed WRQ from %s", peer)
		return
	}
	plog.Infof("WRQ: %s", filename)

	f, err := translateOpen(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		plog.Warningf("open %q: %v", filename, err)
		s.rejectRRQ(peer, ErrFileNotFound, "file not found")
		return
	}

	ep, err := s.openEndpoint(0)
	if err != nil {
		plog.Warningf("open endpoint for %s: %v", peer, err)
		f.Close()
		return
	}

	c := &client{ep: ep, peer: peer, file: f}
	if err := s.sendAck(c, 0); err != nil {
		plog.Warningf("ack WRQ from %s: %v", peer, err)
		ep.Close()
		f.Close()
		return
	}

	s.mu.Lock()
	s.writers[peer] = c
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runWriter(ctx, c)
}

// rejectRRQ sends a stand-alone ERROR to a peer that hasn't yet had a
// client record created for it (the RRQ/WRQ failed before a session
// could be opened), using a throwaway endpoint.
func (s *Server) rejectRRQ(peer qrtr.Addr, code int, msg string) {
	ep, err := s.openEndpoint(0)
	if err != nil {
		return
	}
	defer ep.Close()
	sendError(ep, peer, code, msg)
}

// runReader drives a reader client until its transfer completes, it
// errors, or ctx is cancelled, ported from handle_reader's per-wakeup
// logic folded into a dedicated loop (the Go analogue of select()
// multiplexing many client sockets is one goroutine per client).
func (s *Server) runReader(ctx context.Context, c *client) {
	defer s.wg.Done()
	defer s.removeReader(c)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pkt, err := c.ep.Recv()
		if err != nil {
			if qrtr.IsTimeout(err) {
				continue
			}
			return
		}
		if pkt.From != c.peer || len(pkt.Data) < 4 {
			continue
		}

		opcode := binary.BigEndian.Uint16(pkt.Data[0:2])
		if opcode == opError {
			plog.Warningf("remote returned an error: %s", pkt.Data[4:])
			return
		}
		if opcode != opAck {
			continue
		}

		if c.finished {
			return
		}

		last := binary.BigEndian.Uint16(pkt.Data[2:4])
		for block := int(last); block < int(last)+c.wsize; block++ {
			n, err := s.sendData(c, uint16(block+1), block*c.blksize)
			if err != nil {
				return
			}
			if n < c.blksize {
				c.finished = true
				break
			}
		}
	}
}

// runWriter drives a writer client until its transfer completes, it
// errors, or ctx is cancelled, ported from handle_writer.
func (s *Server) runWriter(ctx context.Context, c *client) {
	defer s.wg.Done()
	defer s.removeWriter(c)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pkt, err := c.ep.Recv()
		if err != nil {
			if qrtr.IsTimeout(err) {
				continue
			}
			return
		}
		if pkt.From != c.peer || len(pkt.Data) < 4 {
			continue
		}

		opcode := binary.BigEndian.Uint16(pkt.Data[0:2])
		block := binary.BigEndian.Uint16(pkt.Data[2:4])
		if opcode != opData {
			sendError(c.ep, c.peer, ErrIllegalOp, "expected DATA opcode")
			return
		}

		payload := pkt.Data[4:]
		if _, err := c.file.WriteAt(payload, int64(block-1)*shortBlockSize); err != nil {
			plog.Warningf("write to %s: %v", c.peer, err)
			return
		}

		if err := s.sendAck(c, int(block)); err != nil {
			return
		}
		if len(payload) < shortBlockSize {
			return
		}
	}
}

func (s *Server) sendData(c *client, block uint16, offset int) (int, error) {
	buf := make([]byte, 4+c.blksize)
	binary.BigEndian.PutUint16(buf[0:2], opData)
	binary.BigEndian.PutUint16(buf[2:4], block)

	n, err := c.file.ReadAt(buf[4:], int64(offset))
	if err != nil && n == 0 {
		return 0, nil
	}
	if err := c.ep.SendTo(c.peer.Node, c.peer.Port, buf[:4+n]); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Server) sendAck(c *client, block int) error {
	return sendAck(c.ep, c.peer, block)
}

func sendAck(ep *qrtr.Endpoint, peer qrtr.Addr, block int) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], opAck)
	binary.BigEndian.PutUint16(buf[2:4], uint16(block))
	return ep.SendTo(peer.Node, peer.Port, buf)
}

func sendError(ep *qrtr.Endpoint, peer qrtr.Addr, code int, msg string) error {
	buf := make([]byte, 4+len(msg)+1)
	binary.BigEndian.PutUint16(buf[0:2], opError)
	binary.BigEndian.PutUint16(buf[2:4], uint16(code))
	copy(buf[4:], msg)
	return ep.SendTo(peer.Node, peer.Port, buf)
}

// sendOACK replies to an RRQ carrying options with the accepted
// subset, ported from tftp_send_oack. blksize and timeoutms are
// always echoed (matching the original's unconditional includes);
// tsize/wsize/rsize are included only when the client asked for them.
func (s *Server) sendOACK(c *client, opts rrqOptions, tsize int64) error {
	var b bytes.Buffer
	b.Write([]byte{0, opOack})

	writeOpt(&b, "blksize", strconv.Itoa(opts.blksize))
	writeOpt(&b, "timeoutms", strconv.Itoa(opts.timeoutms))
	if opts.wantTsize {
		writeOpt(&b, "tsize", strconv.FormatInt(tsize, 10))
	}
	if opts.wantWsize {
		writeOpt(&b, "wsize", strconv.Itoa(opts.wsize))
	}
	if opts.wantRsize {
		writeOpt(&b, "rsize", strconv.Itoa(opts.rsize))
	}

	return c.ep.SendTo(c.peer.Node, c.peer.Port, b.Bytes())
}

func writeOpt(b *bytes.Buffer, name, value string) {
	b.WriteString(name)
	b.WriteByte(0)
	b.WriteString(value)
	b.WriteByte(0)
}
