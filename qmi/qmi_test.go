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
	"testing"
)

// openReq mirrors the shape of RMTFS's QMI_RMTFS_OPEN_REQ: a mandatory
// u8 caller id and a length-prefixed path string.
type openReq struct {
	CallerID uint8
	PathLen  uint32
	Path     string
}

var openReqElemInfo = []ElemInfo{
	{Type: Uint8, ElemSize: 1, Tag: 0x01, Field: "CallerID"},
	{Type: DataLen, LenSize: 1, Field: "PathLen"},
	{Type: String, Tag: 0x02, Field: "Path"},
	{Type: EOTI},
}

// openResp mirrors QMI_RMTFS_OPEN_RESP: a nested common response TLV
// plus an optional u32 caller id echoed back.
type openResp struct {
	Resp         ResponseHeader
	HaveCallerID bool
	CallerID     uint32
}

var openRespElemInfo = []ElemInfo{
	{Type: Struct, Tag: ResponseTag, Field: "Resp", Nested: ResponseElemInfo},
	{Type: OptFlag, Field: "HaveCallerID"},
	{Type: Uint32, ElemSize: 4, Tag: 0x10, Field: "CallerID"},
	{Type: EOTI},
}

// iovecReq mirrors QMI_RMTFS_RW_IOVEC_REQ's variable-length array of
// sector descriptors.
type sector struct {
	SectorAddr uint32
	NumSector  uint32
}

type iovecReq struct {
	CallerID uint8
	Sectors  []sector
}

var sectorElemInfo = ElemInfo{
	Type: Struct, ArrayType: VarLenArray, ElemSize: 8, LenSize: 1, Tag: 0x02, Field: "Sectors",
	Nested: []ElemInfo{
		{Type: Uint32, ElemSize: 4, Field: "SectorAddr"},
		{Type: Uint32, ElemSize: 4, Field: "NumSector"},
	},
}

var iovecReqElemInfo = []ElemInfo{
	{Type: Uint8, ElemSize: 1, Tag: 0x01, Field: "CallerID"},
	sectorElemInfo,
	{Type: EOTI},
}

func TestCodecRoundTripOpenReq(t *testing.T) {
	in := openReq{CallerID: 3, Path: "/boot/modem_fs1"}
	b, err := Encode(Request, 0x0020, 7, &in, openReqElemInfo)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var out openReq
	txn, err := Decode(b, Request, 0x0020, &out, openReqElemInfo)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if txn != 7 {
		t.Fatalf("txn id: got %d want 7", txn)
	}
	if out.CallerID != in.CallerID {
		t.Fatalf("CallerID: got %d want %d", out.CallerID, in.CallerID)
	}
	if out.Path != in.Path {
		t.Fatalf("Path: got %q want %q", out.Path, in.Path)
	}
}

func TestCodecRoundTripOpenRespWithOptional(t *testing.T) {
	in := openResp{Resp: Success(), HaveCallerID: true, CallerID: 42}
	b, err := Encode(Response, 0x0020, 1, &in, openRespElemInfo)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var out openResp
	if _, err := Decode(b, Response, 0x0020, &out, openRespElemInfo); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !out.Resp.IsSuccess() {
		t.Fatalf("expected success response, got %+v", out.Resp)
	}
	if !out.HaveCallerID || out.CallerID != 42 {
		t.Fatalf("unexpected optional field: %+v", out)
	}
}

func TestCodecRoundTripOpenRespOptionalAbsent(t *testing.T) {
	in := openResp{Resp: Failure(ErrInvalidID)}
	b, err := Encode(Response, 0x0020, 2, &in, openRespElemInfo)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var out openResp
	if _, err := Decode(b, Response, 0x0020, &out, openRespElemInfo); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Resp.IsSuccess() {
		t.Fatalf("expected failure response, got %+v", out.Resp)
	}
	if out.Resp.Error != ErrInvalidID {
		t.Fatalf("Error: got %d want %d", out.Resp.Error, ErrInvalidID)
	}
	if out.HaveCallerID {
		t.Fatalf("expected HaveCallerID false, got true with CallerID=%d", out.CallerID)
	}
}

func TestCodecRoundTripVarArray(t *testing.T) {
	in := iovecReq{
		CallerID: 1,
		Sectors: []sector{
			{SectorAddr: 0x1000, NumSector: 4},
			{SectorAddr: 0x2000, NumSector: 8},
		},
	}
	b, err := Encode(Request, 0x0025, 3, &in, iovecReqElemInfo)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var out iovecReq
	if _, err := Decode(b, Request, 0x0025, &out, iovecReqElemInfo); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(out.Sectors) != len(in.Sectors) {
		t.Fatalf("sectors: got %d want %d", len(out.Sectors), len(in.Sectors))
	}
	for i := range in.Sectors {
		if out.Sectors[i] != in.Sectors[i] {
			t.Fatalf("sector %d: got %+v want %+v", i, out.Sectors[i], in.Sectors[i])
		}
	}
}

func TestDecodeRejectsWrongMsgID(t *testing.T) {
	in := openReq{CallerID: 1, Path: "/x"}
	b, err := Encode(Request, 0x0020, 1, &in, openReqElemInfo)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var out openReq
	if _, err := Decode(b, Request, 0x0099, &out, openReqElemInfo); err == nil {
		t.Fatalf("expected error for mismatched msg id")
	}
}

func TestDecodeRejectsMissingMandatoryTLV(t *testing.T) {
	in := openResp{Resp: Success()}
	b, err := Encode(Response, 0x0020, 1, &in, openRespElemInfo)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Corrupt the mandatory response TLV's tag so lookup fails.
	b[headerSize] = 0xEE

	var out openResp
	if _, err := Decode(b, Response, 0x0020, &out, openRespElemInfo); err == nil {
		t.Fatalf("expected error for missing mandatory TLV")
	}
}
