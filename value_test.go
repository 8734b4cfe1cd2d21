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

package docbridge_test

import (
	"math"
	"testing"

	"github.com/docbridge/docbridge"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func docOf(fields ...docbridge.DocField) docbridge.DocValue {
	return docbridge.DocValue{Kind: docbridge.KindDocument, Document: fields}
}

func strVal(s string) docbridge.DocValue {
	return docbridge.DocValue{Kind: docbridge.KindString, String: s}
}

func i32Val(n int32) docbridge.DocValue {
	return docbridge.DocValue{Kind: docbridge.KindInt32, Int32: n}
}

func TestDocValueGetAndKeys(t *testing.T) {
	d := docOf(
		docbridge.DocField{Key: "a", Value: i32Val(1)},
		docbridge.DocField{Key: "b", Value: strVal("x")},
	)
	require.Equal(t, []string{"a", "b"}, d.Keys())

	v, ok := d.Get("b")
	require.True(t, ok)
	require.Equal(t, "x", v.String)

	_, ok = d.Get("missing")
	require.False(t, ok)

	var notDoc docbridge.DocValue
	require.Nil(t, notDoc.Keys())
	_, ok = notDoc.Get("a")
	require.False(t, ok)
}

func TestBSONRoundTrip(t *testing.T) {
	raw, err := bson.Marshal(bson.D{
		{Key: "name", Value: "alice"},
		{Key: "age", Value: int32(30)},
		{Key: "score", Value: 1.5},
		{Key: "tags", Value: bson.A{"x", "y"}},
		{Key: "nested", Value: bson.D{{Key: "k", Value: "v"}}},
		{Key: "nothing", Value: nil},
	})
	require.NoError(t, err)

	v, err := docbridge.DecodeBSON(raw)
	require.NoError(t, err)
	require.Equal(t, docbridge.KindDocument, v.Kind)

	name, ok := v.Get("name")
	require.True(t, ok)
	require.Equal(t, "alice", name.String)

	age, ok := v.Get("age")
	require.True(t, ok)
	require.Equal(t, int32(30), age.Int32)

	out, err := docbridge.EncodeBSON(v)
	require.NoError(t, err)

	var back bson.D
	require.NoError(t, bson.Unmarshal(out, &back))
	require.Equal(t, "alice", back.Map()["name"])
}

func TestStorageJSONRoundTripScalars(t *testing.T) {
	cases := []docbridge.DocValue{
		{Kind: docbridge.KindNull},
		{Kind: docbridge.KindBool, Bool: true},
		i32Val(42),
		{Kind: docbridge.KindInt64, Int64: 1 << 40},
		{Kind: docbridge.KindDouble, Double: 3.25},
		strVal("hello \"world\""),
		{Kind: docbridge.KindDateTime, DateTimeMS: 1700000000000},
		{Kind: docbridge.KindInt32, Int32: math.MinInt32},
		{Kind: docbridge.KindInt64, Int64: math.MaxInt64},
		{Kind: docbridge.KindDouble, Double: math.Copysign(0, 1)},
		{Kind: docbridge.KindDouble, Double: math.Copysign(0, -1)},
		{Kind: docbridge.KindObjectID, ObjectID: [12]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c}},
		{Kind: docbridge.KindRegex, RegexPattern: "^a.*z$", RegexOptions: "i"},
	}
	for _, c := range cases {
		data, err := docbridge.ToStorage(c)
		require.NoError(t, err)

		got, err := docbridge.FromStorage(data)
		require.NoError(t, err)
		require.Equal(t, c.Kind, got.Kind)
		switch c.Kind {
		case docbridge.KindBool:
			require.Equal(t, c.Bool, got.Bool)
		case docbridge.KindInt32, docbridge.KindInt64:
			// The kind was checked above; only the field matching it
			// is set, so summing both compares the numeric value.
			require.Equal(t, int64(c.Int32)+c.Int64, int64(got.Int32)+got.Int64)
		case docbridge.KindDouble:
			require.Equal(t, c.Double, got.Double)
			require.Equal(t, math.Signbit(c.Double), math.Signbit(got.Double))
		case docbridge.KindString:
			require.Equal(t, c.String, got.String)
		case docbridge.KindDateTime:
			require.Equal(t, c.DateTimeMS, got.DateTimeMS)
		case docbridge.KindObjectID:
			require.Equal(t, c.ObjectID, got.ObjectID)
		case docbridge.KindRegex:
			require.Equal(t, c.RegexPattern, got.RegexPattern)
			require.Equal(t, c.RegexOptions, got.RegexOptions)
		}
	}
}

func TestStorageJSONRoundTripArrayOfSpecialTypes(t *testing.T) {
	oid := [12]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66}
	arr := docbridge.DocValue{
		Kind: docbridge.KindArray,
		Array: []docbridge.DocValue{
			{Kind: docbridge.KindObjectID, ObjectID: oid},
			{Kind: docbridge.KindRegex, RegexPattern: "foo.*bar", RegexOptions: "im"},
			{Kind: docbridge.KindDouble, Double: math.Copysign(0, -1)},
			{Kind: docbridge.KindInt32, Int32: math.MinInt32},
			{Kind: docbridge.KindInt64, Int64: math.MaxInt64},
		},
	}
	data, err := docbridge.ToStorage(arr)
	require.NoError(t, err)

	got, err := docbridge.FromStorage(data)
	require.NoError(t, err)
	require.Equal(t, docbridge.KindArray, got.Kind)
	require.Len(t, got.Array, len(arr.Array))

	require.Equal(t, docbridge.KindObjectID, got.Array[0].Kind)
	require.Equal(t, oid, got.Array[0].ObjectID)

	require.Equal(t, docbridge.KindRegex, got.Array[1].Kind)
	require.Equal(t, "foo.*bar", got.Array[1].RegexPattern)
	require.Equal(t, "im", got.Array[1].RegexOptions)

	require.Equal(t, docbridge.KindDouble, got.Array[2].Kind)
	require.True(t, math.Signbit(got.Array[2].Double))

	require.Equal(t, docbridge.KindInt32, got.Array[3].Kind)
	require.Equal(t, int32(math.MinInt32), got.Array[3].Int32)

	require.Equal(t, docbridge.KindInt64, got.Array[4].Kind)
	require.Equal(t, int64(math.MaxInt64), got.Array[4].Int64)
}

func TestStorageJSONRoundTripDocument(t *testing.T) {
	d := docOf(
		docbridge.DocField{Key: "_id", Value: strVal("abc")},
		docbridge.DocField{Key: "n", Value: i32Val(7)},
		docbridge.DocField{Key: "arr", Value: docbridge.DocValue{
			Kind:  docbridge.KindArray,
			Array: []docbridge.DocValue{i32Val(1), i32Val(2)},
		}},
	)
	data, err := docbridge.ToStorage(d)
	require.NoError(t, err)

	got, err := docbridge.FromStorage(data)
	require.NoError(t, err)
	require.Equal(t, docbridge.KindDocument, got.Kind)

	id, ok := got.Get("_id")
	require.True(t, ok)
	require.Equal(t, "abc", id.String)

	arr, ok := got.Get("arr")
	require.True(t, ok)
	require.Equal(t, docbridge.KindArray, arr.Kind)
	require.Len(t, arr.Array, 2)
}
