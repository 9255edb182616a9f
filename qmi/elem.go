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

// Package qmi implements the TLV-framed QMI request/response/
// indication wire format carried over QRTR datagrams, as a small
// descriptor-driven encode/decode engine -- the Go equivalent of the
// struct qmi_elem_info descriptor tables declared in the original
// libqrtr.h and consumed by every *_ei[] table in qmi_rmtfs.h.
package qmi

// ElemType is the wire type of a single descriptor element, mirroring
// enum qmi_elem_type.
type ElemType int

const (
	EOTI ElemType = iota
	OptFlag
	DataLen
	Uint8
	Uint16
	Uint32
	Uint64
	Int8Enum
	Int16Enum
	Int32Enum
	Struct
	String
)

// ArrayType is the array-ness of a descriptor element, mirroring enum
// qmi_array_type.
type ArrayType int

const (
	NoArray ArrayType = iota
	StaticArray
	VarLenArray
)

// MessageType is the QMI header's "flags" byte.
type MessageType uint8

const (
	Request     MessageType = 0
	Response    MessageType = 2
	Indication  MessageType = 4
)

// Result codes for the common qmi_response_type_v01 TLV.
const (
	ResultSuccess = 0
	ResultFailure = 1
)

// Error codes for the common qmi_response_type_v01 TLV, a subset of
// the QMI_ERR_*_V01 values declared in libqrtr.h.
const (
	ErrNone               = 0
	ErrMalformedMsg       = 1
	ErrNoMemory           = 2
	ErrInternal           = 3
	ErrClientIDsExhausted = 5
	ErrInvalidID          = 41
	ErrEncoding           = 58
	ErrIncompatibleState  = 90
	ErrNotSupported       = 94
)

// ElemInfo describes how to encode/decode a single field of a QMI
// message, the way one entry of a qmi_elem_info[] table does in the
// original C. Unlike the C table -- which addresses struct fields by
// byte offset -- ElemInfo addresses them by field name and lets
// reflection do the addressing; this is the idiomatic Go analogue of
// an offset table (see encoding/json's use of reflect.StructField)
// and is the one place this port deliberately diverges from a literal
// transliteration of the original descriptor shape.
type ElemInfo struct {
	// Type is the wire type of this element.
	Type ElemType
	// ArrayType says whether this element repeats, and how its count
	// is carried.
	ArrayType ArrayType
	// ElemLen is the array length for a StaticArray, and ignored
	// otherwise (VarLenArray carries its count on the wire).
	ElemLen uint32
	// ElemSize is the encoded size in bytes of one instance of this
	// element. For a Struct it is the total size of the nested
	// fields, and is used as the per-element stride when the struct
	// is an array element or a field of another struct.
	ElemSize uint32
	// LenSize is the width, in bytes (1, 2 or 4), of a VarLenArray's
	// on-wire count prefix, or of a DataLen element's own value.
	LenSize uint8
	// Tag is the QMI TLV tag this element is carried under. An
	// OptFlag or DataLen element shares its Tag with the element
	// immediately following it in the descriptor slice.
	Tag uint8
	// Field is the name of the struct field this element reads from
	// or writes to.
	Field string
	// Nested describes the fields of a Struct element.
	Nested []ElemInfo
}
