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

// ResponseHeader is the common "result" TLV every QMI response
// carries, ported from struct qmi_response_type_v01 in the original
// libqrtr.h.
type ResponseHeader struct {
	Result uint16
	Error  uint16
}

// ResponseTag is the TLV tag every service uses for the common
// response result (QMI_COMMON_TLV_TYPE in the original headers).
const ResponseTag = 0x02

// ResponseElemInfo is the reusable nested-field descriptor for
// ResponseHeader, equivalent to the original's extern
// qmi_response_type_v01_ei[]. It has no Tag of its own: a message
// embeds it as the Nested list of a single Struct-typed ElemInfo
// entry (Tag: ResponseTag, Field: "<name of the embedding field>"),
// so Result and Error are carried concatenated inside one TLV item
// rather than as two TLVs sharing a tag.
var ResponseElemInfo = []ElemInfo{
	{Type: Uint16, ElemSize: 2, Field: "Result"},
	{Type: Uint16, ElemSize: 2, Field: "Error"},
}

// Success builds the {result:0, error:0} success response.
func Success() ResponseHeader {
	return ResponseHeader{Result: ResultSuccess, Error: ErrNone}
}

// Failure builds a {result:1, error:code} failure response.
func Failure(code uint16) ResponseHeader {
	return ResponseHeader{Result: ResultFailure, Error: code}
}

// IsSuccess reports whether the response indicates success.
func (r ResponseHeader) IsSuccess() bool {
	return r.Result == ResultSuccess
}
