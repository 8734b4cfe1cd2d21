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
	"context"
	"testing"

	"github.com/docbridge/docbridge"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) (*docbridge.Dispatcher, string) {
	t.Helper()
	storage, schema := newTestStorage(t)
	cfg := &docbridge.Config{Version: docbridge.SchemaVersion}
	return docbridge.NewDispatcher(storage, cfg), schema
}

func cmdContext(db string) docbridge.CommandContext {
	return docbridge.CommandContext{Ctx: context.Background(), DB: db, RemoteAddr: "127.0.0.1:1"}
}

func TestDispatcherPingAndHello(t *testing.T) {
	d, schema := newTestDispatcher(t)
	cc := cmdContext(schema)

	reply, err := d.Handle(cc, docOf(docbridge.DocField{Key: "ping", Value: i32Val(1)}))
	require.NoError(t, err)
	ok, found := reply.Get("ok")
	require.True(t, found)
	require.Equal(t, float64(1), ok.Double)

	reply, err = d.Handle(cc, docOf(docbridge.DocField{Key: "hello", Value: i32Val(1)}))
	require.NoError(t, err)
	_, found = reply.Get("isWritablePrimary")
	require.True(t, found)
}

func TestDispatcherCreateInsertFindCount(t *testing.T) {
	d, schema := newTestDispatcher(t)
	cc := cmdContext(schema)

	reply, err := d.Handle(cc, docOf(docbridge.DocField{Key: "create", Value: strVal("widgets")}))
	require.NoError(t, err)
	ok, _ := reply.Get("ok")
	require.Equal(t, float64(1), ok.Double)

	insertReq := docOf(
		docbridge.DocField{Key: "insert", Value: strVal("widgets")},
		docbridge.DocField{Key: "documents", Value: docbridge.DocValue{
			Kind: docbridge.KindArray,
			Array: []docbridge.DocValue{
				docOf(docbridge.DocField{Key: "name", Value: strVal("a")}),
				docOf(docbridge.DocField{Key: "name", Value: strVal("b")}),
			},
		}},
	)
	reply, err = d.Handle(cc, insertReq)
	require.NoError(t, err)
	n, found := reply.Get("n")
	require.True(t, found)
	require.EqualValues(t, 2, n.Int64)

	countReq := docOf(docbridge.DocField{Key: "count", Value: strVal("widgets")})
	reply, err = d.Handle(cc, countReq)
	require.NoError(t, err)
	n, _ = reply.Get("n")
	require.EqualValues(t, 2, n.Int64)

	findReq := docOf(
		docbridge.DocField{Key: "find", Value: strVal("widgets")},
		docbridge.DocField{Key: "filter", Value: docOf(docbridge.DocField{Key: "name", Value: strVal("a")})},
	)
	reply, err = d.Handle(cc, findReq)
	require.NoError(t, err)
	cursor, found := reply.Get("cursor")
	require.True(t, found)
	batch, found := cursor.Get("firstBatch")
	require.True(t, found)
	require.Len(t, batch.Array, 1)
}

func TestDispatcherUpdateAndDelete(t *testing.T) {
	d, schema := newTestDispatcher(t)
	cc := cmdContext(schema)

	_, err := d.Handle(cc, docOf(docbridge.DocField{Key: "create", Value: strVal("counters")}))
	require.NoError(t, err)
	_, err = d.Handle(cc, docOf(
		docbridge.DocField{Key: "insert", Value: strVal("counters")},
		docbridge.DocField{Key: "documents", Value: docbridge.DocValue{
			Kind:  docbridge.KindArray,
			Array: []docbridge.DocValue{docOf(docbridge.DocField{Key: "n", Value: i32Val(1)})},
		}},
	))
	require.NoError(t, err)

	updateReq := docOf(
		docbridge.DocField{Key: "update", Value: strVal("counters")},
		docbridge.DocField{Key: "updates", Value: docbridge.DocValue{
			Kind: docbridge.KindArray,
			Array: []docbridge.DocValue{docOf(
				docbridge.DocField{Key: "q", Value: docOf()},
				docbridge.DocField{Key: "u", Value: docOf(docbridge.DocField{Key: "$inc", Value: docOf(
					docbridge.DocField{Key: "n", Value: i32Val(4)},
				)})},
				docbridge.DocField{Key: "multi", Value: docbridge.DocValue{Kind: docbridge.KindBool, Bool: true}},
			)},
		}},
	)
	reply, err := d.Handle(cc, updateReq)
	require.NoError(t, err)
	nMatched, found := reply.Get("n")
	require.True(t, found)
	require.EqualValues(t, 1, nMatched.Int64)

	deleteReq := docOf(
		docbridge.DocField{Key: "delete", Value: strVal("counters")},
		docbridge.DocField{Key: "deletes", Value: docbridge.DocValue{
			Kind: docbridge.KindArray,
			Array: []docbridge.DocValue{docOf(
				docbridge.DocField{Key: "q", Value: docOf()},
				docbridge.DocField{Key: "limit", Value: i32Val(0)},
			)},
		}},
	)
	reply, err = d.Handle(cc, deleteReq)
	require.NoError(t, err)
	nDeleted, found := reply.Get("n")
	require.True(t, found)
	require.EqualValues(t, 1, nDeleted.Int64)
}

func TestDispatcherUnknownCommand(t *testing.T) {
	d, schema := newTestDispatcher(t)
	cc := cmdContext(schema)
	reply, err := d.Handle(cc, docOf(docbridge.DocField{Key: "notACommand", Value: i32Val(1)}))
	require.NoError(t, err)
	ok, found := reply.Get("ok")
	require.True(t, found)
	require.Equal(t, float64(0), ok.Double)
}

func TestDispatcherListCollectionsAndIndexes(t *testing.T) {
	d, schema := newTestDispatcher(t)
	cc := cmdContext(schema)

	_, err := d.Handle(cc, docOf(docbridge.DocField{Key: "create", Value: strVal("people")}))
	require.NoError(t, err)

	reply, err := d.Handle(cc, docOf(docbridge.DocField{Key: "listCollections", Value: i32Val(1)}))
	require.NoError(t, err)
	cursor, found := reply.Get("cursor")
	require.True(t, found)
	batch, found := cursor.Get("firstBatch")
	require.True(t, found)
	require.GreaterOrEqual(t, len(batch.Array), 1)

	createIdxReq := docOf(
		docbridge.DocField{Key: "createIndexes", Value: strVal("people")},
		docbridge.DocField{Key: "indexes", Value: docbridge.DocValue{
			Kind: docbridge.KindArray,
			Array: []docbridge.DocValue{docOf(
				docbridge.DocField{Key: "key", Value: docOf(docbridge.DocField{Key: "name", Value: i32Val(1)})},
				docbridge.DocField{Key: "name", Value: strVal("name_1")},
			)},
		}},
	)
	reply, err = d.Handle(cc, createIdxReq)
	require.NoError(t, err)
	before, _ := reply.Get("numIndexesBefore")
	after, _ := reply.Get("numIndexesAfter")
	require.EqualValues(t, 1, before.Int32)
	require.EqualValues(t, 2, after.Int32)

	reply, err = d.Handle(cc, docOf(docbridge.DocField{Key: "listIndexes", Value: strVal("people")}))
	require.NoError(t, err)
	cursor, found = reply.Get("cursor")
	require.True(t, found)
	batch, found = cursor.Get("firstBatch")
	require.True(t, found)
	require.Len(t, batch.Array, 2)
}
