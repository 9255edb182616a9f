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

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/linaro/qrtrd/qmi"
	"github.com/linaro/qrtrd/qrtr"
)

func writeFixture(t *testing.T, dir, name string, content []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), content, 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
}

func TestStorageOpenReattachesSameNodeAndPartition(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "modem_fs1", []byte("hello"))

	st := newStorage(dir, false, false)
	s1, err := st.open(7, "/boot/modem_fs1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s2, err := st.open(7, "/boot/modem_fs1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if s1 != s2 {
		t.Fatalf("expected reattach to the same session, got distinct sessions %d and %d", s1.id, s2.id)
	}

	other, err := st.open(8, "/boot/modem_fs1")
	if err != nil {
		t.Fatalf("open for other node: %v", err)
	}
	if other == s1 {
		t.Fatalf("expected a distinct session for a distinct node")
	}
}

func TestStorageOpenRejectsUnknownPartition(t *testing.T) {
	st := newStorage(t.TempDir(), false, false)
	if _, err := st.open(1, "/boot/not_a_partition"); err == nil {
		t.Fatalf("expected an error for an unlisted partition path")
	}
}

func TestStorageOpenOutOfSlots(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "modem_fs1", []byte("a"))
	writeFixture(t, dir, "modem_fs2", []byte("b"))

	st := newStorage(dir, false, false)
	// Fill every slot with distinct (node, partition) pairs so none
	// reattach, alternating between the two fixture files.
	paths := []string{"/boot/modem_fs1", "/boot/modem_fs2"}
	for i := 0; i < MaxCallers; i++ {
		if _, err := st.open(uint32(100+i), paths[i%2]); err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
	}
	if _, err := st.open(999, paths[0]); err == nil {
		t.Fatalf("expected out-of-slots error once all %d sessions are in use", MaxCallers)
	}
}

func TestSessionShadowBufferGrowsAndZeroFillsOnRead(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "modem_fs1", []byte("0123456789"))

	st := newStorage(dir, true, false)
	sess, err := st.open(1, "/boot/modem_fs1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	buf := make([]byte, 20)
	n, err := sess.pread(buf, 0)
	if err != nil {
		t.Fatalf("pread: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("expected pread to fill the whole buffer, got %d", n)
	}
	if string(buf[:10]) != "0123456789" {
		t.Fatalf("unexpected read content: %q", buf[:10])
	}
	for _, b := range buf[10:] {
		if b != 0 {
			t.Fatalf("expected zero-fill past end of shadow buffer")
		}
	}

	if _, err := sess.pwrite([]byte("XY"), 10); err != nil {
		t.Fatalf("pwrite: %v", err)
	}
	buf2 := make([]byte, 12)
	if _, err := sess.pread(buf2, 0); err != nil {
		t.Fatalf("pread after write: %v", err)
	}
	if string(buf2) != "0123456789XY" {
		t.Fatalf("expected shadow buffer to have grown with the write, got %q", buf2)
	}

	// The backing file on disk must be untouched in read-only mode.
	disk, err := os.ReadFile(filepath.Join(dir, "modem_fs1"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	if string(disk) != "0123456789" {
		t.Fatalf("read-only mode must not touch storage, got %q", disk)
	}
}

func TestSharedMemAllocReadWriteRoundTrip(t *testing.T) {
	mem := newTestSharedMem(0x2000, 4096)

	addr, err := mem.Alloc(512)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if addr != 0x2000 {
		t.Fatalf("expected the base address to be handed out, got 0x%x", addr)
	}

	payload := make([]byte, SectorSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	if n, err := mem.Write(int64(addr), payload); err != nil || n != SectorSize {
		t.Fatalf("write: n=%d err=%v", n, err)
	}

	out := make([]byte, SectorSize)
	if n, err := mem.Read(int64(addr), out); err != nil || n != SectorSize {
		t.Fatalf("read: n=%d err=%v", n, err)
	}
	for i := range out {
		if out[i] != byte(i) {
			t.Fatalf("read back mismatch at %d: got %d", i, out[i])
		}
	}
}

func TestSharedMemAllocRejectsOversizeRequest(t *testing.T) {
	mem := newTestSharedMem(0x1000, 256)
	if _, err := mem.Alloc(1024); err == nil {
		t.Fatalf("expected an error allocating more than the carveout size")
	}
}

func TestSharedMemRejectsOutOfRangeAccess(t *testing.T) {
	mem := newTestSharedMem(0x1000, 256)
	buf := make([]byte, 16)
	if _, err := mem.Read(0x500, buf); err == nil {
		t.Fatalf("expected an error reading outside the carveout")
	}
}

// newTestRMTFSServer wires a Server bound to node 1 on a fresh
// loopback bus, with a temp-dir-backed storage and an in-memory
// shared memory carveout -- the same role newTestServer plays for
// nameserver's tests.
func newTestRMTFSServer(t *testing.T, dir string, readOnly bool) (*Server, *qrtr.Endpoint) {
	t.Helper()
	bus := qrtr.NewBus()
	ep, err := bus.OpenEndpoint(1, 0)
	if err != nil {
		t.Fatalf("open server endpoint: %v", err)
	}
	s := &Server{
		ep:      ep,
		storage: newStorage(dir, readOnly, false),
		mem:     newTestSharedMem(0x3000, 1<<20),
	}
	t.Cleanup(func() { s.Close() })

	client, err := bus.OpenEndpoint(1, 0)
	if err != nil {
		t.Fatalf("open client endpoint: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return s, client
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

func TestHandleOpenClose(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "modem_fs1", []byte("payload"))
	s, client := newTestRMTFSServer(t, dir, false)

	req := openReq{Path: "/boot/modem_fs1"}
	b, err := qmi.Encode(qmi.Request, msgOpen, 1, &req, openReqEI)
	if err != nil {
		t.Fatalf("encode open request: %v", err)
	}
	pkt, err := qrtr.DecodePacket(b, client.LocalAddr())
	if err != nil {
		t.Fatalf("decode packet: %v", err)
	}
	if err := s.handleOpen(pkt); err != nil {
		t.Fatalf("handleOpen: %v", err)
	}

	reply := recvWithin(t, client, time.Second)
	var resp openResp
	if _, err := qmi.Decode(reply.Data, qmi.Response, msgOpen, &resp, openRespEI); err != nil {
		t.Fatalf("decode open response: %v", err)
	}
	if !resp.Result.IsSuccess() || !resp.HaveCallerID {
		t.Fatalf("expected a successful open with a caller id, got %+v", resp)
	}

	closeReqV := closeReq{CallerID: resp.CallerID}
	cb, err := qmi.Encode(qmi.Request, msgClose, 2, &closeReqV, closeReqEI)
	if err != nil {
		t.Fatalf("encode close request: %v", err)
	}
	cpkt, err := qrtr.DecodePacket(cb, client.LocalAddr())
	if err != nil {
		t.Fatalf("decode close packet: %v", err)
	}
	if err := s.handleClose(cpkt); err != nil {
		t.Fatalf("handleClose: %v", err)
	}
	creply := recvWithin(t, client, time.Second)
	var cresp closeResp
	if _, err := qmi.Decode(creply.Data, qmi.Response, msgClose, &cresp, closeRespEI); err != nil {
		t.Fatalf("decode close response: %v", err)
	}
	if !cresp.Result.IsSuccess() {
		t.Fatalf("expected successful close, got %+v", cresp)
	}
}

func TestHandleOpenUnknownPartitionFails(t *testing.T) {
	s, client := newTestRMTFSServer(t, t.TempDir(), false)

	req := openReq{Path: "/boot/nope"}
	b, err := qmi.Encode(qmi.Request, msgOpen, 1, &req, openReqEI)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	pkt, err := qrtr.DecodePacket(b, client.LocalAddr())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := s.handleOpen(pkt); err != nil {
		t.Fatalf("handleOpen: %v", err)
	}

	reply := recvWithin(t, client, time.Second)
	var resp openResp
	if _, err := qmi.Decode(reply.Data, qmi.Response, msgOpen, &resp, openRespEI); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Result.IsSuccess() {
		t.Fatalf("expected a failure response for an unknown partition")
	}
}

func TestHandleIovecWriteThenRead(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "modem_fs1", make([]byte, SectorSize))
	s, client := newTestRMTFSServer(t, dir, false)

	openB, _ := qmi.Encode(qmi.Request, msgOpen, 1, &openReq{Path: "/boot/modem_fs1"}, openReqEI)
	openPkt, _ := qrtr.DecodePacket(openB, client.LocalAddr())
	if err := s.handleOpen(openPkt); err != nil {
		t.Fatalf("handleOpen: %v", err)
	}
	var openR openResp
	openReply := recvWithin(t, client, time.Second)
	if _, err := qmi.Decode(openReply.Data, qmi.Response, msgOpen, &openR, openRespEI); err != nil {
		t.Fatalf("decode open response: %v", err)
	}

	// Stage a sector's worth of data into the shared memory carveout,
	// then ask RMTFS to write it to storage sector 0.
	payload := make([]byte, SectorSize)
	for i := range payload {
		payload[i] = 0x42
	}
	if _, err := s.mem.Write(0x3000, payload); err != nil {
		t.Fatalf("seed shared memory: %v", err)
	}

	writeReq := iovecReq{
		CallerID:  openR.CallerID,
		Direction: DirWrite,
		Iovec:     []iovecEntry{{SectorAddr: 0, PhysOffset: 0x3000, NumSector: 1}},
	}
	wb, err := qmi.Encode(qmi.Request, msgRWIOVec, 2, &writeReq, iovecReqEI)
	if err != nil {
		t.Fatalf("encode iovec write: %v", err)
	}
	wpkt, err := qrtr.DecodePacket(wb, client.LocalAddr())
	if err != nil {
		t.Fatalf("decode iovec packet: %v", err)
	}
	if err := s.handleIovec(wpkt); err != nil {
		t.Fatalf("handleIovec write: %v", err)
	}
	var wresp iovecResp
	wreply := recvWithin(t, client, time.Second)
	if _, err := qmi.Decode(wreply.Data, qmi.Response, msgRWIOVec, &wresp, iovecRespEI); err != nil {
		t.Fatalf("decode iovec write response: %v", err)
	}
	if !wresp.Result.IsSuccess() {
		t.Fatalf("expected successful iovec write, got %+v", wresp)
	}

	onDisk, err := os.ReadFile(filepath.Join(dir, "modem_fs1"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	for i, b := range onDisk {
		if b != 0x42 {
			t.Fatalf("expected storage sector to contain the written payload, byte %d was 0x%x", i, b)
		}
	}

	// Now read it back into a fresh region of shared memory.
	readReq := iovecReq{
		CallerID:  openR.CallerID,
		Direction: DirRead,
		Iovec:     []iovecEntry{{SectorAddr: 0, PhysOffset: 0x3000, NumSector: 1}},
	}
	rb, err := qmi.Encode(qmi.Request, msgRWIOVec, 3, &readReq, iovecReqEI)
	if err != nil {
		t.Fatalf("encode iovec read: %v", err)
	}
	rpkt, err := qrtr.DecodePacket(rb, client.LocalAddr())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := s.handleIovec(rpkt); err != nil {
		t.Fatalf("handleIovec read: %v", err)
	}
	var rresp iovecResp
	rreply := recvWithin(t, client, time.Second)
	if _, err := qmi.Decode(rreply.Data, qmi.Response, msgRWIOVec, &rresp, iovecRespEI); err != nil {
		t.Fatalf("decode iovec read response: %v", err)
	}
	if !rresp.Result.IsSuccess() {
		t.Fatalf("expected successful iovec read, got %+v", rresp)
	}

	back := make([]byte, SectorSize)
	if _, err := s.mem.Read(0x3000, back); err != nil {
		t.Fatalf("read shared memory: %v", err)
	}
	for i, b := range back {
		if b != 0x42 {
			t.Fatalf("round-tripped byte %d was 0x%x, want 0x42", i, b)
		}
	}
}

func TestHandleAllocBuf(t *testing.T) {
	s, client := newTestRMTFSServer(t, t.TempDir(), false)

	req := allocBufReq{CallerID: 0, BuffSize: 1024}
	b, err := qmi.Encode(qmi.Request, msgAllocBuf, 1, &req, allocBufReqEI)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	pkt, err := qrtr.DecodePacket(b, client.LocalAddr())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := s.handleAllocBuf(pkt); err != nil {
		t.Fatalf("handleAllocBuf: %v", err)
	}

	reply := recvWithin(t, client, time.Second)
	var resp allocBufResp
	if _, err := qmi.Decode(reply.Data, qmi.Response, msgAllocBuf, &resp, allocBufRespEI); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Result.IsSuccess() || !resp.HaveBuffAddress || resp.BuffAddress != s.mem.address {
		t.Fatalf("expected the carveout base address, got %+v", resp)
	}
}

func TestHandleGetDevErrorDefaultBehaviour(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "modem_fs1", []byte("x"))
	s, client := newTestRMTFSServer(t, dir, false)

	openB, _ := qmi.Encode(qmi.Request, msgOpen, 1, &openReq{Path: "/boot/modem_fs1"}, openReqEI)
	openPkt, _ := qrtr.DecodePacket(openB, client.LocalAddr())
	s.handleOpen(openPkt)
	var openR openResp
	openReply := recvWithin(t, client, time.Second)
	qmi.Decode(openReply.Data, qmi.Response, msgOpen, &openR, openRespEI)

	req := devErrorReq{CallerID: openR.CallerID}
	b, err := qmi.Encode(qmi.Request, msgGetDevError, 2, &req, devErrorReqEI)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	pkt, err := qrtr.DecodePacket(b, client.LocalAddr())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := s.handleGetDevError(pkt); err != nil {
		t.Fatalf("handleGetDevError: %v", err)
	}

	reply := recvWithin(t, client, time.Second)
	var resp devErrorResp
	if _, err := qmi.Decode(reply.Data, qmi.Response, msgGetDevError, &resp, devErrorRespEI); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Result.IsSuccess() || !resp.HaveStatus {
		t.Fatalf("expected a successful status report for an existing session, got %+v", resp)
	}
}

func TestHandleGetDevErrorLegacyBugInvertsCheck(t *testing.T) {
	s, client := newTestRMTFSServer(t, t.TempDir(), false)
	s.legacyGetDevErrorBug = true

	// No session has ever been opened at caller id 0; the legacy
	// (buggy) behaviour treats a *missing* session as success and a
	// present one as failure, so this must report success.
	req := devErrorReq{CallerID: 0}
	b, err := qmi.Encode(qmi.Request, msgGetDevError, 1, &req, devErrorReqEI)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	pkt, err := qrtr.DecodePacket(b, client.LocalAddr())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := s.handleGetDevError(pkt); err != nil {
		t.Fatalf("handleGetDevError: %v", err)
	}

	reply := recvWithin(t, client, time.Second)
	var resp devErrorResp
	if _, err := qmi.Decode(reply.Data, qmi.Response, msgGetDevError, &resp, devErrorRespEI); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Result.IsSuccess() {
		t.Fatalf("legacy bug should report success for a non-existent session, got %+v", resp)
	}
}

func TestStorageDropNodeClosesItsSessions(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "modem_fs1", []byte("x"))
	st := newStorage(dir, false, false)

	sess, err := st.open(42, "/boot/modem_fs1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	st.dropNode(42)
	if st.get(42, uint32(sess.id)) != nil {
		t.Fatalf("expected the session to be closed after dropping its node")
	}
}
