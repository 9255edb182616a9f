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
	"bytes"
	"testing"
)

func TestCtrlPacketRoundTripNewServer(t *testing.T) {
	cp := ctrlPacket{
		Cmd:      uint32(TypeNewServer),
		Service:  15,
		Instance: uint32(1) | uint32(2)<<8,
		Node:     1,
		Port:     2000,
	}
	b, err := cp.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(b) != ctrlPacketSize {
		t.Fatalf("expected %d bytes, got %d", ctrlPacketSize, len(b))
	}

	var got ctrlPacket
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got != cp {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, cp)
	}
}

func TestCtrlPacketRoundTripBye(t *testing.T) {
	cp := ctrlPacket{Cmd: uint32(TypeBye), Node: 7, Port: 0}
	b, err := cp.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	var got ctrlPacket
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got.Cmd != cp.Cmd || got.Node != cp.Node {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, cp)
	}
}

func TestDecodePacketData(t *testing.T) {
	pkt, err := DecodePacket([]byte("hello"), Addr{Node: 3, Port: 42})
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if pkt.Type != TypeData {
		t.Fatalf("expected TypeData, got %v", pkt.Type)
	}
	if !bytes.Equal(pkt.Data, []byte("hello")) {
		t.Fatalf("unexpected data: %q", pkt.Data)
	}
}

func TestLoopbackSendRecv(t *testing.T) {
	bus := NewBus()
	a, err := bus.OpenEndpoint(1, 100)
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	defer a.Close()
	b, err := bus.OpenEndpoint(1, 200)
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	defer b.Close()

	if err := a.SendTo(1, 200, []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	data, from, err := b.RecvFrom()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(data) != "ping" {
		t.Fatalf("unexpected payload: %q", data)
	}
	if from != (Addr{Node: 1, Port: 100}) {
		t.Fatalf("unexpected source: %+v", from)
	}
}

func TestLoopbackPublishWithdraw(t *testing.T) {
	bus := NewBus()
	ctrl, err := bus.OpenEndpoint(1, PortCtrl)
	if err != nil {
		t.Fatalf("open ctrl: %v", err)
	}
	defer ctrl.Close()
	client, err := bus.OpenEndpoint(1, 0)
	if err != nil {
		t.Fatalf("open client: %v", err)
	}
	defer client.Close()

	if err := client.Publish(Service{Service: 14, Instance: 0, Version: 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	pkt, err := ctrl.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if pkt.Type != TypeNewServer {
		t.Fatalf("expected TypeNewServer, got %v", pkt.Type)
	}
	if pkt.Server.Service != 14 || pkt.Server.Port != client.LocalAddr().Port {
		t.Fatalf("unexpected server info: %+v", pkt.Server)
	}
}
