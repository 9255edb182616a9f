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
	"path/filepath"
	"testing"
	"time"

	"github.com/linaro/qrtrd/qrtr"
)

// newTestServer wires a Server bound to node 1 on a fresh loopback
// bus, with openEndpoint overridden so per-client ephemeral endpoints
// land on the same bus/node as the control endpoint and the simulated
// peer -- the same role newTestRMTFSServer plays for rmtfs's tests.
func newTestServer(t *testing.T) (*Server, *qrtr.Endpoint) {
	t.Helper()
	bus := qrtr.NewBus()
	ctrl, err := bus.OpenEndpoint(1, 0)
	if err != nil {
		t.Fatalf("open control endpoint: %v", err)
	}
	// Stand-in for the local name server, so the service publish Run
	// starts with has a bound control port to reach.
	ns, err := bus.OpenEndpoint(1, qrtr.PortCtrl)
	if err != nil {
		t.Fatalf("open name server endpoint: %v", err)
	}
	t.Cleanup(func() { ns.Close() })
	s := &Server{
		ctrl:    ctrl,
		readers: make(map[qrtr.Addr]*client),
		writers: make(map[qrtr.Addr]*client),
		openEndpoint: func(localPort uint32) (*qrtr.Endpoint, error) {
			return bus.OpenEndpoint(1, localPort)
		},
	}
	t.Cleanup(func() { s.Close() })

	peer, err := bus.OpenEndpoint(2, 0)
	if err != nil {
		t.Fatalf("open peer endpoint: %v", err)
	}
	t.Cleanup(func() { peer.Close() })
	return s, peer
}

func ctrlPortFor(s *Server) uint32 {
	return s.ctrl.LocalAddr().Port
}

func recvWithin(t *testing.T, ep *qrtr.Endpoint, timeout time.Duration) qrtr.Packet {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		pkt, err := ep.Recv()
		if err == nil {
			return pkt
		}
		if !qrtr.IsTimeout(err) {
			t.Fatalf("recv: %v", err)
		}
	}
	t.Fatalf("timed out waiting for a packet")
	return qrtr.Packet{}
}

func rrqPacket(filename string, opts map[string]string) []byte {
	var b bytes.Buffer
	b.Write([]byte{0, opRRQ})
	b.WriteString(filename)
	b.WriteByte(0)
	b.WriteString("octet")
	b.WriteByte(0)
	for name, value := range opts {
		b.WriteString(name)
		b.WriteByte(0)
		b.WriteString(value)
		b.WriteByte(0)
	}
	return b.Bytes()
}

func wrqPacket(filename string) []byte {
	var b bytes.Buffer
	b.Write([]byte{0, opWRQ})
	b.WriteString(filename)
	b.WriteByte(0)
	b.WriteString("octet")
	b.WriteByte(0)
	return b.Bytes()
}

func runServer(t *testing.T, s *Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestHandleRRQNoOptionsSendsFirstBlock(t *testing.T) {
	dir := t.TempDir()
	ScratchDir = dir
	defer func() { ScratchDir = "/tmp/tqftpserv" }()

	payload := []byte("firmware contents")
	if err := os.WriteFile(filepath.Join(dir, "modem.mbn"), payload, 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	s, peer := newTestServer(t)
	runServer(t, s)

	if err := peer.SendTo(1, ctrlPortFor(s), rrqPacket("/readwrite/modem.mbn", nil)); err != nil {
		t.Fatalf("send RRQ: %v", err)
	}

	pkt := recvWithin(t, peer, time.Second)
	if len(pkt.Data) < 4 {
		t.Fatalf("short reply: %v", pkt.Data)
	}
	if op := binary.BigEndian.Uint16(pkt.Data[0:2]); op != opData {
		t.Fatalf("expected DATA, got opcode %d", op)
	}
	if block := binary.BigEndian.Uint16(pkt.Data[2:4]); block != 1 {
		t.Fatalf("expected block 1, got %d", block)
	}
	if got := pkt.Data[4:]; !bytes.Equal(got, payload) {
		t.Fatalf("expected payload %q, got %q", payload, got)
	}
}

func TestHandleRRQWithOptionsSendsOACK(t *testing.T) {
	dir := t.TempDir()
	ScratchDir = dir
	defer func() { ScratchDir = "/tmp/tqftpserv" }()

	payload := bytes.Repeat([]byte("x"), 10)
	if err := os.WriteFile(filepath.Join(dir, "modem.mbn"), payload, 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	s, peer := newTestServer(t)
	runServer(t, s)

	opts := map[string]string{"blksize": "256", "tsize": "0"}
	if err := peer.SendTo(1, ctrlPortFor(s), rrqPacket("/readwrite/modem.mbn", opts)); err != nil {
		t.Fatalf("send RRQ: %v", err)
	}

	pkt := recvWithin(t, peer, time.Second)
	if len(pkt.Data) < 2 || binary.BigEndian.Uint16(pkt.Data[0:2]) != opOack {
		t.Fatalf("expected OACK, got %v", pkt.Data)
	}
	body := string(pkt.Data[2:])
	if !bytes.Contains([]byte(body), []byte("blksize\x00256\x00")) {
		t.Fatalf("expected negotiated blksize in OACK, got %q", body)
	}
	if !bytes.Contains([]byte(body), []byte("tsize\x0010\x00")) {
		t.Fatalf("expected tsize in OACK, got %q", body)
	}

	// ACK the OACK on the client's own endpoint (the OACK's source);
	// the server should now stream the data block.
	ackBuf := make([]byte, 4)
	binary.BigEndian.PutUint16(ackBuf[0:2], opAck)
	binary.BigEndian.PutUint16(ackBuf[2:4], 0)
	if err := peer.SendTo(pkt.From.Node, pkt.From.Port, ackBuf); err != nil {
		t.Fatalf("send ACK: %v", err)
	}

	dataPkt := recvWithin(t, peer, time.Second)
	if binary.BigEndian.Uint16(dataPkt.Data[0:2]) != opData {
		t.Fatalf("expected DATA, got %v", dataPkt.Data)
	}
	if !bytes.Equal(dataPkt.Data[4:], payload) {
		t.Fatalf("expected payload %q, got %q", payload, dataPkt.Data[4:])
	}
}

func TestHandleWRQWritesFileOnCompletion(t *testing.T) {
	dir := t.TempDir()
	ScratchDir = dir
	defer func() { ScratchDir = "/tmp/tqftpserv" }()

	s, peer := newTestServer(t)
	runServer(t, s)

	if err := peer.SendTo(1, ctrlPortFor(s), wrqPacket("/readwrite/upload.bin")); err != nil {
		t.Fatalf("send WRQ: %v", err)
	}

	ack0 := recvWithin(t, peer, time.Second)
	if binary.BigEndian.Uint16(ack0.Data[0:2]) != opAck || binary.BigEndian.Uint16(ack0.Data[2:4]) != 0 {
		t.Fatalf("expected ACK 0, got %v", ack0.Data)
	}

	content := []byte("short block less than 512 bytes")
	var dataBuf bytes.Buffer
	dataBuf.Write([]byte{0, opData})
	binary.Write(&dataBuf, binary.BigEndian, uint16(1))
	dataBuf.Write(content)
	if err := peer.SendTo(ack0.From.Node, ack0.From.Port, dataBuf.Bytes()); err != nil {
		t.Fatalf("send DATA: %v", err)
	}

	ack1 := recvWithin(t, peer, time.Second)
	if binary.BigEndian.Uint16(ack1.Data[0:2]) != opAck || binary.BigEndian.Uint16(ack1.Data[2:4]) != 1 {
		t.Fatalf("expected ACK 1, got %v", ack1.Data)
	}

	time.Sleep(50 * time.Millisecond)
	got, err := os.ReadFile(filepath.Join(dir, "upload.bin"))
	if err != nil {
		t.Fatalf("read uploaded file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("expected %q, got %q", content, got)
	}
}

func TestUnknownPathIsRejected(t *testing.T) {
	s, peer := newTestServer(t)
	runServer(t, s)

	if err := peer.SendTo(1, ctrlPortFor(s), rrqPacket("/etc/passwd", nil)); err != nil {
		t.Fatalf("send RRQ: %v", err)
	}

	pkt := recvWithin(t, peer, time.Second)
	if binary.BigEndian.Uint16(pkt.Data[0:2]) != opError {
		t.Fatalf("expected ERROR, got %v", pkt.Data)
	}
	if code := binary.BigEndian.Uint16(pkt.Data[2:4]); code != ErrFileNotFound {
		t.Fatalf("expected error code %d, got %d", ErrFileNotFound, code)
	}
}

func TestReadwriteEscapeIsRejected(t *testing.T) {
	dir := t.TempDir()
	ScratchDir = dir
	defer func() { ScratchDir = "/tmp/tqftpserv" }()

	outside := t.TempDir()
	secret := filepath.Join(outside, "passwd")
	if err := os.WriteFile(secret, []byte("root:x:0:0"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	rel, err := filepath.Rel(dir, secret)
	if err != nil {
		t.Fatalf("rel: %v", err)
	}

	s, peer := newTestServer(t)
	runServer(t, s)

	if err := peer.SendTo(1, ctrlPortFor(s), rrqPacket("/readwrite/"+rel, nil)); err != nil {
		t.Fatalf("send RRQ: %v", err)
	}

	pkt := recvWithin(t, peer, time.Second)
	if binary.BigEndian.Uint16(pkt.Data[0:2]) != opError {
		t.Fatalf("expected ERROR, got %v", pkt.Data)
	}
	if code := binary.BigEndian.Uint16(pkt.Data[2:4]); code != ErrFileNotFound {
		t.Fatalf("expected error code %d, got %d", ErrFileNotFound, code)
	}
}

func TestDelClientClosesMatchingReader(t *testing.T) {
	dir := t.TempDir()
	ScratchDir = dir
	defer func() { ScratchDir = "/tmp/tqftpserv" }()

	if err := os.WriteFile(filepath.Join(dir, "modem.mbn"), []byte("abc"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	s, peer := newTestServer(t)
	runServer(t, s)

	if err := peer.SendTo(1, ctrlPortFor(s), rrqPacket("/readwrite/modem.mbn", nil)); err != nil {
		t.Fatalf("send RRQ: %v", err)
	}
	recvWithin(t, peer, time.Second)

	s.mu.Lock()
	_, ok := s.readers[qrtr.Addr{Node: 2, Port: peer.LocalAddr().Port}]
	s.mu.Unlock()
	if !ok {
		t.Fatalf("expected a reader session to be tracked")
	}

	s.dropClientsFor(qrtr.Addr{Node: 2, Port: peer.LocalAddr().Port})

	s.mu.Lock()
	_, ok = s.readers[qrtr.Addr{Node: 2, Port: peer.LocalAddr().Port}]
	s.mu.Unlock()
	if ok {
		t.Fatalf("expected the reader session to be dropped")
	}
}
