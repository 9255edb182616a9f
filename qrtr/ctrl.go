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
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// ctrlPacket is the wire layout of a QRTR control packet: a 32-bit
// little-endian command id followed by a fixed-size union of either
// the "server" fields (service, instance, node, port), the "client"
// fields (node, port) -- reusing the union's first two words -- or
// the "lookup" fields (service, instance) -- reusing the union's
// first two words again, under different names. Which interpretation
// applies depends entirely on Cmd; callers only populate the fields
// that matter for the command being sent.
//
// This mirrors struct qrtr_ctrl_pkt from the kernel's qrtr headers,
// marshalled the way mantle/network/ntp/protocol.go marshals the NTP
// header: a fixed byte layout with explicit field-by-field encode and
// decode methods rather than an unsafe struct cast.
type ctrlPacket struct {
	Cmd      uint32
	Service  uint32
	Instance uint32
	Node     uint32
	Port     uint32
}

const ctrlPacketSize = 20

var le = binary.LittleEndian

// MarshalBinary encodes the control packet into its 20-byte wire form.
func (c *ctrlPacket) MarshalBinary() ([]byte, error) {
	b := make([]byte, ctrlPacketSize)
	le.PutUint32(b[0:4], c.Cmd)
	switch PacketType(c.Cmd) {
	case TypeNewServer, TypeDelServer:
		le.PutUint32(b[4:8], c.Service)
		le.PutUint32(b[8:12], c.Instance)
		le.PutUint32(b[12:16], c.Node)
		le.PutUint32(b[16:20], c.Port)
	case TypeBye, TypeDelClient:
		le.PutUint32(b[4:8], c.Node)
		le.PutUint32(b[8:12], c.Port)
	case TypeNewLookup, TypeDelLookup:
		le.PutUint32(b[4:8], c.Service)
		le.PutUint32(b[8:12], c.Instance)
	case TypeHello:
		// command id only
	default:
		return nil, errors.Errorf("qrtr: cannot marshal control command %d", c.Cmd)
	}
	return b, nil
}

// UnmarshalBinary decodes a wire-format control packet. It accepts
// any length >= 4 (the command id alone, as HELLO is sometimes sent
// with no trailing union); server commands require the full 20 bytes,
// client and lookup commands the first 12.
func (c *ctrlPacket) UnmarshalBinary(b []byte) error {
	if len(b) < 4 {
		return fmt.Errorf("qrtr: control packet too short: %d bytes", len(b))
	}
	c.Cmd = le.Uint32(b[0:4])
	switch PacketType(c.Cmd) {
	case TypeNewServer, TypeDelServer:
		if len(b) < ctrlPacketSize {
			return fmt.Errorf("qrtr: server control packet too short: %d bytes", len(b))
		}
		c.Service = le.Uint32(b[4:8])
		c.Instance = le.Uint32(b[8:12])
		c.Node = le.Uint32(b[12:16])
		c.Port = le.Uint32(b[16:20])
	case TypeBye, TypeDelClient:
		if len(b) < 12 {
			return fmt.Errorf("qrtr: client control packet too short: %d bytes", len(b))
		}
		c.Node = le.Uint32(b[4:8])
		c.Port = le.Uint32(b[8:12])
	case TypeNewLookup, TypeDelLookup:
		if len(b) < 12 {
			return fmt.Errorf("qrtr: lookup control packet too short: %d bytes", len(b))
		}
		c.Service = le.Uint32(b[4:8])
		c.Instance = le.Uint32(b[8:12])
	case TypeHello:
		// nothing further to decode
	default:
		return errors.Errorf("qrtr: unknown control command %d", c.Cmd)
	}
	return nil
}

func addrString(a Addr) string {
	return fmt.Sprintf("%d:%d", a.Node, a.Port)
}
