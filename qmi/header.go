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

package qmi

import (
	"encoding/binary"
	"fmt"
)

var le = binary.LittleEndian

// headerSize is the length of the fixed QMI message header: flags (1
// byte), txn_id (2 bytes), msg_id (2 bytes), msg_len (2 bytes).
const headerSize = 7

// Header is the fixed prefix of every QMI message. It is marshalled
// the same way mantle/network/ntp/protocol.go marshals the fixed NTP
// header: explicit byte-range writes through a little-endian helper,
// rather than an unsafe struct cast.
type Header struct {
	Flags MessageType
	TxnID uint16
	MsgID uint16
	// MsgLen is the length of the body that follows the header; it is
	// filled in by Encode and read back by Decode, callers normally
	// don't set it directly.
	MsgLen uint16
}

// MarshalBinary encodes the header into its 7-byte wire form.
func (h Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, headerSize)
	b[0] = byte(h.Flags)
	le.PutUint16(b[1:3], h.TxnID)
	le.PutUint16(b[3:5], h.MsgID)
	le.PutUint16(b[5:7], h.MsgLen)
	return b, nil
}

// UnmarshalBinary decodes a 7-byte QMI header.
func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < headerSize {
		return fmt.Errorf("qmi: header too short: %d bytes", len(b))
	}
	h.Flags = MessageType(b[0])
	h.TxnID = le.Uint16(b[1:3])
	h.MsgID = le.Uint16(b[3:5])
	h.MsgLen = le.Uint16(b[5:7])
	return nil
}

// DecodeHeader reads just the header of a QMI message, the
// lightweight equivalent of qmi_decode_header -- used by a dispatcher
// to pick a message's descriptor table before fully decoding it.
func DecodeHeader(b []byte) (Header, error) {
	var h Header
	err := h.UnmarshalBinary(b)
	return h, err
}
