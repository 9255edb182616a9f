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
	"reflect"

	"github.com/pkg/errors"
)

// ErrMalformedMessage is returned (wrapped) when a header mismatches,
// a required TLV is absent, or a length is impossible to satisfy.
var ErrMalformedMessage = errors.New("qmi: malformed message")

// tlvItem is one decoded {tag, length, value} unit of the message body.
type tlvItem struct {
	tag  uint8
	data []byte
}

// Encode builds a full QMI message: header followed by the TLV body
// described by ei, read out of v (a struct or pointer to struct).
// This is the Go analogue of qmi_encode_message.
func Encode(flags MessageType, msgID, txnID uint16, v interface{}, ei []ElemInfo) ([]byte, error) {
	rv := reflect.Indirect(reflect.ValueOf(v))
	if rv.Kind() != reflect.Struct {
		return nil, errors.Errorf("qmi: Encode: expected struct, got %s", rv.Kind())
	}
	items, err := encodeBody(rv, ei)
	if err != nil {
		return nil, err
	}
	body := marshalItems(items)

	h := Header{Flags: flags, TxnID: txnID, MsgID: msgID, MsgLen: uint16(len(body))}
	hb, _ := h.MarshalBinary()
	return append(hb, body...), nil
}

// Decode parses a full QMI message, checking its header against
// expectFlags/expectMsgID and populating v (a pointer to struct)
// according to ei. The decoded transaction id is returned. This is
// the Go analogue of qmi_decode_message.
func Decode(b []byte, expectFlags MessageType, expectMsgID uint16, v interface{}, ei []ElemInfo) (txnID uint16, err error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return 0, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	if h.Flags != expectFlags {
		return 0, errors.Wrapf(ErrMalformedMessage, "flags: got %d want %d", h.Flags, expectFlags)
	}
	if h.MsgID != expectMsgID {
		return 0, errors.Wrapf(ErrMalformedMessage, "msg_id: got %d want %d", h.MsgID, expectMsgID)
	}
	body := b[headerSize:]
	if int(h.MsgLen) > len(body) {
		return 0, errors.Wrapf(ErrMalformedMessage, "msg_len %d exceeds body %d", h.MsgLen, len(body))
	}
	items, err := unmarshalItems(body[:h.MsgLen])
	if err != nil {
		return 0, errors.Wrap(ErrMalformedMessage, err.Error())
	}

	rv := reflect.Indirect(reflect.ValueOf(v))
	if rv.Kind() != reflect.Struct {
		return 0, errors.Errorf("qmi: Decode: expected pointer to struct, got %s", rv.Kind())
	}
	if err := decodeBody(rv, ei, items); err != nil {
		return 0, err
	}
	return h.TxnID, nil
}

func marshalItems(items []tlvItem) []byte {
	var out []byte
	for _, it := range items {
		out = append(out, it.tag)
		out = append(out, byte(len(it.data)), byte(len(it.data)>>8))
		out = append(out, it.data...)
	}
	return out
}

func unmarshalItems(b []byte) ([]tlvItem, error) {
	var items []tlvItem
	for len(b) > 0 {
		if len(b) < 3 {
			return nil, errors.New("truncated TLV header")
		}
		tag := b[0]
		length := int(b[1]) | int(b[2])<<8
		b = b[3:]
		if length > len(b) {
			return nil, errors.New("truncated TLV value")
		}
		items = append(items, tlvItem{tag: tag, data: b[:length]})
		b = b[length:]
	}
	return items, nil
}

// encodeBody walks ei, producing one TLV item per logical element
// (folding OptFlag/DataLen guard entries into the element they guard).
func encodeBody(rv reflect.Value, ei []ElemInfo) ([]tlvItem, error) {
	var items []tlvItem
	i := 0
	for i < len(ei) {
		e := ei[i]
		switch e.Type {
		case EOTI:
			return items, nil
		case OptFlag:
			present := rv.FieldByName(e.Field).Bool()
			i++
			if i >= len(ei) {
				return nil, errors.Errorf("qmi: OptFlag %q has no guarded element", e.Field)
			}
			if !present {
				i++
				continue
			}
			it, err := encodeElement(rv, ei[i])
			if err != nil {
				return nil, err
			}
			items = append(items, it)
			i++
		case DataLen:
			i++
			if i >= len(ei) {
				return nil, errors.Errorf("qmi: DataLen %q has no paired element", e.Field)
			}
			it, err := encodeLengthPrefixed(rv, e, ei[i])
			if err != nil {
				return nil, err
			}
			items = append(items, it)
			i++
		default:
			it, err := encodeElement(rv, e)
			if err != nil {
				return nil, err
			}
			items = append(items, it)
			i++
		}
	}
	return items, nil
}

func encodeElement(rv reflect.Value, e ElemInfo) (tlvItem, error) {
	var data []byte
	switch e.ArrayType {
	case NoArray:
		b, err := encodeInstance(rv, e)
		if err != nil {
			return tlvItem{}, err
		}
		data = b
	case StaticArray:
		fv := rv.FieldByName(e.Field)
		if fv.Len() != int(e.ElemLen) {
			return tlvItem{}, errors.Errorf("qmi: field %q: expected %d elements, have %d", e.Field, e.ElemLen, fv.Len())
		}
		for idx := 0; idx < fv.Len(); idx++ {
			b, err := encodeScalarValue(fv.Index(idx), e)
			if err != nil {
				return tlvItem{}, err
			}
			data = append(data, b...)
		}
	case VarLenArray:
		fv := rv.FieldByName(e.Field)
		n := fv.Len()
		data = append(data, lenPrefix(uint32(n), e.LenSize)...)
		for idx := 0; idx < n; idx++ {
			b, err := encodeScalarValue(fv.Index(idx), e)
			if err != nil {
				return tlvItem{}, err
			}
			data = append(data, b...)
		}
	}
	return tlvItem{tag: e.Tag, data: data}, nil
}

// encodeLengthPrefixed handles a DataLen descriptor entry immediately
// followed by the String/array element it describes, folding both
// into one TLV: an explicit LenSize-byte count followed by the
// element's own bytes. Grounded on the OPEN request's path_len+path
// pairing in the original qmi_rmtfs.h.
func encodeLengthPrefixed(rv reflect.Value, lenElem, dataElem ElemInfo) (tlvItem, error) {
	switch dataElem.Type {
	case String:
		s := rv.FieldByName(dataElem.Field).String()
		data := append(lenPrefix(uint32(len(s)), lenElem.LenSize), []byte(s)...)
		return tlvItem{tag: dataElem.Tag, data: data}, nil
	default:
		it, err := encodeElement(rv, dataElem)
		if err != nil {
			return tlvItem{}, err
		}
		prefix := lenPrefix(uint32(rv.FieldByName(dataElem.Field).Len()), lenElem.LenSize)
		it.data = append(prefix, it.data...)
		return it, nil
	}
}

func encodeInstance(rv reflect.Value, e ElemInfo) ([]byte, error) {
	if e.Type == Struct {
		nested := rv.FieldByName(e.Field)
		items, err := encodeBody(nested, e.Nested)
		if err != nil {
			return nil, err
		}
		var out []byte
		for _, it := range items {
			out = append(out, it.data...)
		}
		return out, nil
	}
	if e.Type == String {
		s := rv.FieldByName(e.Field).String()
		b := make([]byte, e.ElemSize)
		n := copy(b, s)
		_ = n
		return b, nil
	}
	return encodeScalarValue(rv.FieldByName(e.Field), e)
}

func encodeScalarValue(fv reflect.Value, e ElemInfo) ([]byte, error) {
	b := make([]byte, e.ElemSize)
	switch e.Type {
	case Uint8, Int8Enum:
		b[0] = byte(fv.Uint())
		if e.Type == Int8Enum {
			b[0] = byte(fv.Int())
		}
	case Uint16, Int16Enum:
		if e.Type == Int16Enum {
			le.PutUint16(b, uint16(fv.Int()))
		} else {
			le.PutUint16(b, uint16(fv.Uint()))
		}
	case Uint32, Int32Enum:
		if e.Type == Int32Enum {
			le.PutUint32(b, uint32(fv.Int()))
		} else {
			le.PutUint32(b, uint32(fv.Uint()))
		}
	case Uint64:
		le.PutUint64(b, fv.Uint())
	case Struct:
		items, err := encodeBody(fv, e.Nested)
		if err != nil {
			return nil, err
		}
		b = b[:0]
		for _, it := range items {
			b = append(b, it.data...)
		}
	default:
		return nil, errors.Errorf("qmi: unsupported scalar element type %d", e.Type)
	}
	return b, nil
}

func lenPrefix(n uint32, width uint8) []byte {
	b := make([]byte, width)
	switch width {
	case 1:
		b[0] = byte(n)
	case 2:
		le.PutUint16(b, uint16(n))
	default:
		le.PutUint32(b, n)
	}
	return b
}

func readLenPrefix(b []byte, width uint8) (uint32, []byte, error) {
	if len(b) < int(width) {
		return 0, nil, errors.New("qmi: truncated length prefix")
	}
	var n uint32
	switch width {
	case 1:
		n = uint32(b[0])
	case 2:
		n = uint32(le.Uint16(b))
	default:
		n = le.Uint32(b)
	}
	return n, b[width:], nil
}

// decodeBody mirrors encodeBody: it walks ei, looks up each logical
// element's TLV by tag in items, and writes the decoded value back
// into rv.
func decodeBody(rv reflect.Value, ei []ElemInfo, items []tlvItem) error {
	byTag := make(map[uint8][]byte, len(items))
	for _, it := range items {
		if _, dup := byTag[it.tag]; !dup {
			byTag[it.tag] = it.data
		}
	}

	i := 0
	for i < len(ei) {
		e := ei[i]
		switch e.Type {
		case EOTI:
			return nil
		case OptFlag:
			i++
			if i >= len(ei) {
				return errors.Errorf("qmi: OptFlag %q has no guarded element", e.Field)
			}
			next := ei[i]
			data, present := byTag[next.Tag]
			rv.FieldByName(e.Field).SetBool(present)
			if present {
				if err := decodeElement(rv, next, data); err != nil {
					return err
				}
			}
			i++
		case DataLen:
			i++
			if i >= len(ei) {
				return errors.Errorf("qmi: DataLen %q has no paired element", e.Field)
			}
			next := ei[i]
			data, present := byTag[next.Tag]
			if !present {
				return errors.Wrapf(ErrMalformedMessage, "missing required TLV tag %#x", next.Tag)
			}
			n, rest, err := readLenPrefix(data, e.LenSize)
			if err != nil {
				return errors.Wrap(ErrMalformedMessage, err.Error())
			}
			if err := decodeLengthPrefixed(rv, next, n, rest); err != nil {
				return err
			}
			i++
		default:
			data, present := byTag[e.Tag]
			if !present {
				return errors.Wrapf(ErrMalformedMessage, "missing required TLV tag %#x", e.Tag)
			}
			if err := decodeElement(rv, e, data); err != nil {
				return err
			}
			i++
		}
	}
	return nil
}

func decodeElement(rv reflect.Value, e ElemInfo, data []byte) error {
	switch e.ArrayType {
	case NoArray:
		return decodeInstance(rv, e, data)
	case StaticArray:
		fv := rv.FieldByName(e.Field)
		for idx := 0; idx < int(e.ElemLen) && idx < fv.Len(); idx++ {
			off := idx * int(e.ElemSize)
			if off+int(e.ElemSize) > len(data) {
				return errors.Wrap(ErrMalformedMessage, "static array truncated")
			}
			if err := decodeScalarValue(fv.Index(idx), e, data[off:off+int(e.ElemSize)]); err != nil {
				return err
			}
		}
		return nil
	case VarLenArray:
		n, rest, err := readLenPrefix(data, e.LenSize)
		if err != nil {
			return errors.Wrap(ErrMalformedMessage, err.Error())
		}
		return decodeVarArray(rv, e, n, rest)
	}
	return nil
}

func decodeLengthPrefixed(rv reflect.Value, e ElemInfo, n uint32, rest []byte) error {
	switch e.Type {
	case String:
		if int(n) > len(rest) {
			return errors.Wrap(ErrMalformedMessage, "string length exceeds TLV body")
		}
		rv.FieldByName(e.Field).SetString(string(rest[:n]))
		return nil
	default:
		return decodeVarArray(rv, e, n, rest)
	}
}

func decodeVarArray(rv reflect.Value, e ElemInfo, n uint32, rest []byte) error {
	fv := rv.FieldByName(e.Field)
	slice := reflect.MakeSlice(fv.Type(), int(n), int(n))
	for idx := 0; idx < int(n); idx++ {
		off := idx * int(e.ElemSize)
		if off+int(e.ElemSize) > len(rest) {
			return errors.Wrap(ErrMalformedMessage, "variable array truncated")
		}
		if err := decodeScalarValue(slice.Index(idx), e, rest[off:off+int(e.ElemSize)]); err != nil {
			return err
		}
	}
	fv.Set(slice)
	return nil
}

func decodeInstance(rv reflect.Value, e ElemInfo, data []byte) error {
	if e.Type == Struct {
		nested := rv.FieldByName(e.Field)
		items, err := unmarshalConcatenated(nested, e.Nested, data)
		if err != nil {
			return err
		}
		for idx, it := range items {
			if err := decodeElement(nested, e.Nested[idx], it.data); err != nil {
				return err
			}
		}
		return nil
	}
	if e.Type == String {
		n := len(data)
		if int(e.ElemSize) > 0 && n > int(e.ElemSize) {
			n = int(e.ElemSize)
		}
		for i, b := range data[:n] {
			if b == 0 {
				n = i
				break
			}
		}
		rv.FieldByName(e.Field).SetString(string(data[:n]))
		return nil
	}
	return decodeScalarValue(rv.FieldByName(e.Field), e, data)
}

// unmarshalConcatenated reconstructs pseudo-TLV items for a nested
// struct whose fields were encoded as a flat concatenation (no tags
// on the wire for nested elements) by replaying encodeBody's layout
// decisions against the raw bytes in order.
func unmarshalConcatenated(rv reflect.Value, ei []ElemInfo, data []byte) ([]tlvItem, error) {
	var items []tlvItem
	i := 0
	for i < len(ei) {
		e := ei[i]
		if e.Type == EOTI {
			break
		}
		if e.Type == OptFlag || e.Type == DataLen {
			return nil, errors.New("qmi: OptFlag/DataLen unsupported inside a nested struct")
		}
		size := int(e.ElemSize)
		if e.ArrayType == StaticArray {
			size *= int(e.ElemLen)
		}
		if size > len(data) {
			return nil, errors.Wrap(ErrMalformedMessage, "nested struct truncated")
		}
		items = append(items, tlvItem{tag: e.Tag, data: data[:size]})
		data = data[size:]
		i++
	}
	return items, nil
}

func decodeScalarValue(fv reflect.Value, e ElemInfo, data []byte) error {
	if len(data) < int(e.ElemSize) {
		return errors.Wrapf(ErrMalformedMessage, "field %q: need %d bytes, have %d", e.Field, e.ElemSize, len(data))
	}
	switch e.Type {
	case Uint8:
		fv.SetUint(uint64(data[0]))
	case Int8Enum:
		fv.SetInt(int64(int8(data[0])))
	case Uint16:
		fv.SetUint(uint64(le.Uint16(data)))
	case Int16Enum:
		fv.SetInt(int64(int16(le.Uint16(data))))
	case Uint32:
		fv.SetUint(uint64(le.Uint32(data)))
	case Int32Enum:
		fv.SetInt(int64(int32(le.Uint32(data))))
	case Uint64:
		fv.SetUint(le.Uint64(data))
	case Struct:
		items, err := unmarshalConcatenated(fv, e.Nested, data)
		if err != nil {
			return err
		}
		for idx, it := range items {
			if err := decodeElement(fv, e.Nested[idx], it.data); err != nil {
				return err
			}
		}
		return nil
	default:
		return errors.Errorf("qmi: unsupported scalar element type %d", e.Type)
	}
	return nil
}
