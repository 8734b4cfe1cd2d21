/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package docbridge

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// ValueKind tags the variant held by a DocValue. DocValue is implemented as
// a single tagged struct rather than an interface hierarchy: the value set
// is closed and every consumer switches on it exhaustively, which a sealed
// set of concrete types cannot give you in Go, but a single type with a
// kind tag and a switch in every consumer can.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindInt32
	KindInt64
	KindDouble
	KindString
	KindDateTime
	KindObjectID
	KindRegex
	KindJSCode
	KindJSCodeWithScope
	KindBinary
	KindArray
	KindDocument
)

// DocField is one key/value pair of a DocValue of KindDocument. Fields are
// held in a slice, not a map, so that key order survives a round trip.
type DocField struct {
	Key   string
	Value DocValue
}

// DocValue is a document-value: the tagged sum described in the data model
// (null, bool, i32, i64, f64, string, datetime, object-id, regex, js-code,
// js-code-with-scope, binary, array, document). Only the fields relevant to
// Kind are meaningful; the zero DocValue is KindNull.
type DocValue struct {
	Kind ValueKind

	Bool       bool
	Int32      int32
	Int64      int64
	Double     float64
	String     string // also backs KindJSCode's source
	DateTimeMS int64
	ObjectID   [12]byte

	RegexPattern string
	RegexOptions string

	ScopeDoc *DocValue // KindDocument, only for KindJSCodeWithScope

	BinarySubtype byte
	BinaryData    []byte

	Array    []DocValue
	Document []DocField
}

// Get returns the value of the named top-level field of a document value,
// and whether it was present.
func (v DocValue) Get(key string) (DocValue, bool) {
	if v.Kind != KindDocument {
		return DocValue{}, false
	}
	for _, f := range v.Document {
		if f.Key == key {
			return f.Value, true
		}
	}
	return DocValue{}, false
}

// Keys returns the top-level field names of a document value, in order.
func (v DocValue) Keys() []string {
	if v.Kind != KindDocument {
		return nil
	}
	keys := make([]string, len(v.Document))
	for i, f := range v.Document {
		keys[i] = f.Key
	}
	return keys
}

func sortedLowerOptions(opts string) string {
	b := []byte(strings.ToLower(opts))
	sort.Slice(b, func(i, j int) bool { return b[i] < b[j] })
	// de-duplicate
	out := b[:0]
	for i, c := range b {
		if i == 0 || b[i-1] != c {
			out = append(out, c)
		}
	}
	return string(out)
}

//------------------------------------------------------------------------------
// BSON <-> DocValue
//
// Grounded on keploy-keploy's use of go.mongodb.org/mongo-driver/v2/bson for
// its own MongoDB wire-protocol proxy. The wire codec (wire.go) slices raw
// BSON document bytes out of the message envelope; this section turns those
// bytes into DocValue trees and back.

// DecodeBSON parses one raw BSON document's bytes into a DocValue of
// KindDocument.
func DecodeBSON(data []byte) (DocValue, error) {
	var raw bson.Raw = data
	elems, err := raw.Elements()
	if err != nil {
		return DocValue{}, newError(KindProtocolDecode, "invalid BSON document: %v", err)
	}
	doc := DocValue{Kind: KindDocument}
	for _, elem := range elems {
		key := elem.Key()
		val, err := bsonValueToDoc(elem.Value())
		if err != nil {
			return DocValue{}, err
		}
		doc.Document = append(doc.Document, DocField{Key: key, Value: val})
	}
	return doc, nil
}

func bsonValueToDoc(rv bson.RawValue) (DocValue, error) {
	switch rv.Type {
	case bson.TypeNull, bson.TypeUndefined:
		return DocValue{Kind: KindNull}, nil
	case bson.TypeBoolean:
		b, ok := rv.BooleanOK()
		if !ok {
			return DocValue{}, newError(KindProtocolDecode, "invalid bool value")
		}
		return DocValue{Kind: KindBool, Bool: b}, nil
	case bson.TypeInt32:
		i, ok := rv.Int32OK()
		if !ok {
			return DocValue{}, newError(KindProtocolDecode, "invalid int32 value")
		}
		return DocValue{Kind: KindInt32, Int32: i}, nil
	case bson.TypeInt64:
		i, ok := rv.Int64OK()
		if !ok {
			return DocValue{}, newError(KindProtocolDecode, "invalid int64 value")
		}
		return DocValue{Kind: KindInt64, Int64: i}, nil
	case bson.TypeDouble:
		f, ok := rv.DoubleOK()
		if !ok {
			return DocValue{}, newError(KindProtocolDecode, "invalid double value")
		}
		return DocValue{Kind: KindDouble, Double: f}, nil
	case bson.TypeString:
		s, ok := rv.StringValueOK()
		if !ok {
			return DocValue{}, newError(KindProtocolDecode, "invalid string value")
		}
		return DocValue{Kind: KindString, String: s}, nil
	case bson.TypeDateTime:
		ms, ok := rv.DateTimeOK()
		if !ok {
			return DocValue{}, newError(KindProtocolDecode, "invalid datetime value")
		}
		return DocValue{Kind: KindDateTime, DateTimeMS: ms}, nil
	case bson.TypeObjectID:
		oid, ok := rv.ObjectIDOK()
		if !ok {
			return DocValue{}, newError(KindProtocolDecode, "invalid objectId value")
		}
		return DocValue{Kind: KindObjectID, ObjectID: [12]byte(oid)}, nil
	case bson.TypeRegex:
		pattern, options, ok := rv.RegexOK()
		if !ok {
			return DocValue{}, newError(KindProtocolDecode, "invalid regex value")
		}
		return DocValue{Kind: KindRegex, RegexPattern: pattern, RegexOptions: sortedLowerOptions(options)}, nil
	case bson.TypeJavaScript:
		code, ok := rv.JavaScriptOK()
		if !ok {
			return DocValue{}, newError(KindProtocolDecode, "invalid javascript value")
		}
		return DocValue{Kind: KindJSCode, String: string(code)}, nil
	case bson.TypeCodeWithScope:
		code, scopeRaw, ok := rv.CodeWithScopeOK()
		if !ok {
			return DocValue{}, newError(KindProtocolDecode, "invalid code-with-scope value")
		}
		scope, err := DecodeBSON(scopeRaw)
		if err != nil {
			return DocValue{}, err
		}
		return DocValue{Kind: KindJSCodeWithScope, String: string(code), ScopeDoc: &scope}, nil
	case bson.TypeBinary:
		subtype, data, ok := rv.BinaryOK()
		if !ok {
			return DocValue{}, newError(KindProtocolDecode, "invalid binary value")
		}
		return DocValue{Kind: KindBinary, BinarySubtype: subtype, BinaryData: append([]byte(nil), data...)}, nil
	case bson.TypeArray:
		arr, ok := rv.ArrayOK()
		if !ok {
			return DocValue{}, newError(KindProtocolDecode, "invalid array value")
		}
		vals, err := arr.Values()
		if err != nil {
			return DocValue{}, newError(KindProtocolDecode, "invalid array value: %v", err)
		}
		out := DocValue{Kind: KindArray}
		for _, v := range vals {
			dv, err := bsonValueToDoc(v)
			if err != nil {
				return DocValue{}, err
			}
			out.Array = append(out.Array, dv)
		}
		return out, nil
	case bson.TypeEmbeddedDocument:
		sub, ok := rv.DocumentOK()
		if !ok {
			return DocValue{}, newError(KindProtocolDecode, "invalid document value")
		}
		return DecodeBSON(sub)
	default:
		return DocValue{}, newError(KindProtocolDecode, "unsupported BSON type %v", rv.Type)
	}
}

// EncodeBSON serializes a DocValue of KindDocument into raw BSON document
// bytes, suitable for placing into a wire message section.
func EncodeBSON(v DocValue) ([]byte, error) {
	if v.Kind != KindDocument {
		return nil, newError(KindInvalidArgument, "EncodeBSON: top-level value must be a document")
	}
	d := bson.D{}
	for _, f := range v.Document {
		bv, err := docToBSONValue(f.Value)
		if err != nil {
			return nil, err
		}
		d = append(d, bson.E{Key: f.Key, Value: bv})
	}
	return bson.Marshal(d)
}

func docToBSONValue(v DocValue) (any, error) {
	switch v.Kind {
	case KindNull:
		return nil, nil
	case KindBool:
		return v.Bool, nil
	case KindInt32:
		return v.Int32, nil
	case KindInt64:
		return v.Int64, nil
	case KindDouble:
		return v.Double, nil
	case KindString:
		return v.String, nil
	case KindDateTime:
		return bson.DateTime(v.DateTimeMS), nil
	case KindObjectID:
		return bson.ObjectID(v.ObjectID), nil
	case KindRegex:
		return bson.Regex{Pattern: v.RegexPattern, Options: v.RegexOptions}, nil
	case KindJSCode:
		return bson.JavaScript(v.String), nil
	case KindJSCodeWithScope:
		scope := bson.D{}
		if v.ScopeDoc != nil {
			for _, f := range v.ScopeDoc.Document {
				bv, err := docToBSONValue(f.Value)
				if err != nil {
					return nil, err
				}
				scope = append(scope, bson.E{Key: f.Key, Value: bv})
			}
		}
		return bson.CodeWithScope{Code: bson.JavaScript(v.String), Scope: scope}, nil
	case KindBinary:
		return bson.Binary{Subtype: v.BinarySubtype, Data: v.BinaryData}, nil
	case KindArray:
		arr := bson.A{}
		for _, e := range v.Array {
			bv, err := docToBSONValue(e)
			if err != nil {
				return nil, err
			}
			arr = append(arr, bv)
		}
		return arr, nil
	case KindDocument:
		d := bson.D{}
		for _, f := range v.Document {
			bv, err := docToBSONValue(f.Value)
			if err != nil {
				return nil, err
			}
			d = append(d, bson.E{Key: f.Key, Value: bv})
		}
		return d, nil
	default:
		return nil, newError(KindInvalidArgument, "EncodeBSON: unhandled value kind %v", v.Kind)
	}
}

//------------------------------------------------------------------------------
// DocValue <-> storage JSON (C2)
//
// $d is emitted as a bare JSON number; a bare JSON number decodes to i32 if
// integral and in 32-bit range, to i64 if integral and in 64-bit range, else
// to f64. There is no standard envelope for
// binary data, so $b (base64 data + numeric subtype) is adopted here,
// grounded on the FerretDB fjson package's envelope table, which uses
// exactly this shape for the same purpose.

// ToStorage encodes a DocValue into its JSON storage form.
func ToStorage(v DocValue) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeStorageJSON(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJSONString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s) // escaping only; stdlib is the right tool for this
	buf.Write(b)
}

func writeStorageJSON(buf *bytes.Buffer, v DocValue) error {
	switch v.Kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		if v.Bool {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindInt32:
		buf.WriteString(strconv.FormatInt(int64(v.Int32), 10))
	case KindInt64:
		buf.WriteString(`{"$i":`)
		writeJSONString(buf, strconv.FormatInt(v.Int64, 10))
		buf.WriteByte('}')
	case KindDouble:
		buf.WriteString(`{"$f":`)
		writeJSONString(buf, formatStorageDouble(v.Double))
		buf.WriteByte('}')
	case KindString:
		writeJSONString(buf, v.String)
	case KindDateTime:
		buf.WriteString(`{"$d":`)
		buf.WriteString(strconv.FormatInt(v.DateTimeMS, 10))
		buf.WriteByte('}')
	case KindObjectID:
		buf.WriteString(`{"$o":`)
		writeJSONString(buf, fmt.Sprintf("%x", v.ObjectID[:]))
		buf.WriteByte('}')
	case KindRegex:
		buf.WriteString(`{"$r":`)
		writeJSONString(buf, v.RegexPattern)
		buf.WriteString(`,"o":`)
		writeJSONString(buf, sortedLowerOptions(v.RegexOptions))
		buf.WriteByte('}')
	case KindJSCode:
		buf.WriteString(`{"$j":`)
		writeJSONString(buf, v.String)
		buf.WriteByte('}')
	case KindJSCodeWithScope:
		buf.WriteString(`{"$j":`)
		writeJSONString(buf, v.String)
		buf.WriteString(`,"s":`)
		scope := DocValue{Kind: KindDocument}
		if v.ScopeDoc != nil {
			scope = *v.ScopeDoc
		}
		if err := writeStorageJSON(buf, scope); err != nil {
			return err
		}
		buf.WriteByte('}')
	case KindBinary:
		buf.WriteString(`{"$b":`)
		writeJSONString(buf, base64Encode(v.BinaryData))
		buf.WriteString(`,"s":`)
		buf.WriteString(strconv.Itoa(int(v.BinarySubtype)))
		buf.WriteByte('}')
	case KindArray:
		buf.WriteByte('[')
		for i, e := range v.Array {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeStorageJSON(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindDocument:
		buf.WriteByte('{')
		for i, f := range v.Document {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeJSONString(buf, f.Key)
			buf.WriteByte(':')
			if err := writeStorageJSON(buf, f.Value); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return newError(KindInvalidArgument, "ToStorage: unhandled value kind %v", v.Kind)
	}
	return nil
}

// formatStorageDouble renders f as the decimal string required by the $f
// envelope: at least one fractional digit for finite values, and the
// sign-preserving literal for zero and non-finite values.
func formatStorageDouble(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		if math.Signbit(f) {
			return "-0.0"
		}
		return "0.0"
	default:
		s := strconv.FormatFloat(f, 'f', -1, 64)
		if !strings.ContainsAny(s, ".") {
			s += ".0"
		}
		return s
	}
}

func base64Encode(b []byte) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
	var out strings.Builder
	for i := 0; i < len(b); i += 3 {
		var chunk [3]byte
		n := copy(chunk[:], b[i:])
		out.WriteByte(alphabet[chunk[0]>>2])
		out.WriteByte(alphabet[(chunk[0]&0x03)<<4|chunk[1]>>4])
		if n > 1 {
			out.WriteByte(alphabet[(chunk[1]&0x0f)<<2|chunk[2]>>6])
		} else {
			out.WriteByte('=')
		}
		if n > 2 {
			out.WriteByte(alphabet[chunk[2]&0x3f])
		} else {
			out.WriteByte('=')
		}
	}
	return out.String()
}

// FromStorage decodes a document's JSON storage form back into a DocValue.
func FromStorage(data []byte) (DocValue, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeStorageValue(dec)
	if err != nil {
		return DocValue{}, newError(KindProtocolDecode, "invalid storage JSON: %v", err)
	}
	return v, nil
}

func decodeStorageValue(dec *json.Decoder) (DocValue, error) {
	tok, err := dec.Token()
	if err != nil {
		return DocValue{}, err
	}
	return decodeStorageToken(dec, tok)
}

func decodeStorageToken(dec *json.Decoder, tok json.Token) (DocValue, error) {
	switch t := tok.(type) {
	case nil:
		return DocValue{Kind: KindNull}, nil
	case bool:
		return DocValue{Kind: KindBool, Bool: t}, nil
	case string:
		return DocValue{Kind: KindString, String: t}, nil
	case json.Number:
		return decodeBareNumber(t)
	case json.Delim:
		switch t {
		case '[':
			out := DocValue{Kind: KindArray}
			for dec.More() {
				e, err := decodeStorageValue(dec)
				if err != nil {
					return DocValue{}, err
				}
				out.Array = append(out.Array, e)
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return DocValue{}, err
			}
			return out, nil
		case '{':
			fields, err := decodeStorageObjectFields(dec)
			if err != nil {
				return DocValue{}, err
			}
			return fieldsToDocValue(fields)
		default:
			return DocValue{}, fmt.Errorf("unexpected delimiter %v", t)
		}
	default:
		return DocValue{}, fmt.Errorf("unexpected token %v", tok)
	}
}

func decodeStorageObjectFields(dec *json.Decoder) ([]DocField, error) {
	var fields []DocField
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key, got %v", keyTok)
		}
		val, err := decodeStorageValue(dec)
		if err != nil {
			return nil, err
		}
		fields = append(fields, DocField{Key: key, Value: val})
	}
	if _, err := dec.Token(); err != nil { // consume '}'
		return nil, err
	}
	return fields, nil
}

func fieldByKey(fields []DocField, key string) (DocValue, bool) {
	for _, f := range fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return DocValue{}, false
}

// fieldsToDocValue interprets a decoded JSON object's fields, recognising
// the envelope keys $i, $f, $d, $o, $r, $j, $b in that priority order.
func fieldsToDocValue(fields []DocField) (DocValue, error) {
	if v, ok := fieldByKey(fields, "$i"); ok {
		n, err := strconv.ParseInt(v.String, 10, 64)
		if err != nil {
			return DocValue{}, fmt.Errorf("invalid $i envelope: %v", err)
		}
		return DocValue{Kind: KindInt64, Int64: n}, nil
	}
	if v, ok := fieldByKey(fields, "$f"); ok {
		f, err := parseStorageDouble(v)
		if err != nil {
			return DocValue{}, err
		}
		return DocValue{Kind: KindDouble, Double: f}, nil
	}
	if v, ok := fieldByKey(fields, "$d"); ok {
		var ms int64
		switch v.Kind {
		case KindInt32:
			ms = int64(v.Int32)
		case KindInt64:
			ms = v.Int64
		case KindDouble:
			ms = int64(v.Double)
		case KindString:
			n, err := strconv.ParseInt(v.String, 10, 64)
			if err != nil {
				return DocValue{}, fmt.Errorf("invalid $d envelope: %v", err)
			}
			ms = n
		default:
			return DocValue{}, fmt.Errorf("invalid $d envelope value")
		}
		return DocValue{Kind: KindDateTime, DateTimeMS: ms}, nil
	}
	if v, ok := fieldByKey(fields, "$o"); ok {
		if v.Kind != KindString || len(v.String) != 24 {
			return DocValue{}, fmt.Errorf("invalid $o envelope")
		}
		raw, err := hex.DecodeString(v.String)
		if err != nil {
			return DocValue{}, fmt.Errorf("invalid $o envelope: %v", err)
		}
		var oid [12]byte
		copy(oid[:], raw)
		return DocValue{Kind: KindObjectID, ObjectID: oid}, nil
	}
	if v, ok := fieldByKey(fields, "$r"); ok {
		opts, _ := fieldByKey(fields, "o")
		return DocValue{Kind: KindRegex, RegexPattern: v.String, RegexOptions: sortedLowerOptions(opts.String)}, nil
	}
	if v, ok := fieldByKey(fields, "$j"); ok {
		if scope, ok := fieldByKey(fields, "s"); ok {
			return DocValue{Kind: KindJSCodeWithScope, String: v.String, ScopeDoc: &scope}, nil
		}
		return DocValue{Kind: KindJSCode, String: v.String}, nil
	}
	if v, ok := fieldByKey(fields, "$b"); ok {
		data, err := base64Decode(v.String)
		if err != nil {
			return DocValue{}, fmt.Errorf("invalid $b envelope: %v", err)
		}
		subtype, _ := fieldByKey(fields, "s")
		st := byte(0)
		if subtype.Kind == KindInt32 {
			st = byte(subtype.Int32)
		}
		return DocValue{Kind: KindBinary, BinarySubtype: st, BinaryData: data}, nil
	}
	return DocValue{Kind: KindDocument, Document: fields}, nil
}

func parseStorageDouble(v DocValue) (float64, error) {
	if v.Kind != KindString {
		return 0, fmt.Errorf("invalid $f envelope value")
	}
	switch v.String {
	case "NaN":
		return math.NaN(), nil
	case "Infinity":
		return math.Inf(1), nil
	case "-Infinity":
		return math.Inf(-1), nil
	}
	return strconv.ParseFloat(v.String, 64)
}

// decodeBareNumber classifies a bare JSON number: i64 if the literal is
// integral and fits in 64 bits, else f64. i32 is preferred over i64 when
// the value also fits in 32 bits.
func decodeBareNumber(n json.Number) (DocValue, error) {
	s := string(n)
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			if i >= math.MinInt32 && i <= math.MaxInt32 {
				return DocValue{Kind: KindInt32, Int32: int32(i)}, nil
			}
			return DocValue{Kind: KindInt64, Int64: i}, nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return DocValue{}, fmt.Errorf("invalid number %q: %v", s, err)
	}
	return DocValue{Kind: KindDouble, Double: f}, nil
}

func base64Decode(s string) ([]byte, error) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
	var rev [256]int8
	for i := range rev {
		rev[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		rev[alphabet[i]] = int8(i)
	}
	s = strings.TrimRight(s, "=")
	out := make([]byte, 0, len(s)*3/4+3)
	var buf uint32
	var bits int
	for i := 0; i < len(s); i++ {
		v := rev[s[i]]
		if v < 0 {
			return nil, fmt.Errorf("invalid base64 character %q", s[i])
		}
		buf = buf<<6 | uint32(v)
		bits += 6
		if bits >= 8 {
			bits -= 8
			out = append(out, byte(buf>>uint(bits)))
		}
	}
	return out, nil
}
