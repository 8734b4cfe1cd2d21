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
	"fmt"
	"testing"
	"time"

	"github.com/docbridge/docbridge"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// newTestStorage connects to the Postgres instance named by the standard
// libpq environment variables (PGHOST, PGUSER, ...), the same way the
// server does in production, and creates a scratch schema for the test to
// use. The schema is dropped when the test completes.
func newTestStorage(t *testing.T) (*docbridge.Storage, string) {
	t.Helper()
	storage, err := docbridge.NewStorage(context.Background(), docbridge.SQLConfig{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(storage.Close)

	schema := fmt.Sprintf("docbridge_test_%d", time.Now().UnixNano())
	require.NoError(t, storage.EnsureSchema(context.Background(), schema))
	t.Cleanup(func() {
		_ = storage.DropSchema(context.Background(), schema)
	})
	return storage, schema
}

func mustDoc(t *testing.T, fields ...docbridge.DocField) docbridge.DocValue {
	t.Helper()
	return docbridge.DocValue{Kind: docbridge.KindDocument, Document: fields}
}

func TestStorageSchemaAndTableLifecycle(t *testing.T) {
	storage, schema := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, storage.EnsureTable(ctx, schema, "widgets"))

	tables, err := storage.ListTables(ctx, schema)
	require.NoError(t, err)
	require.Contains(t, tables, "widgets")

	schemas, err := storage.ListSchemas(ctx)
	require.NoError(t, err)
	require.Contains(t, schemas, schema)

	require.NoError(t, storage.DropTable(ctx, schema, "widgets"))
	tables, err = storage.ListTables(ctx, schema)
	require.NoError(t, err)
	require.NotContains(t, tables, "widgets")
}

func TestStorageInsertFindCount(t *testing.T) {
	storage, schema := newTestStorage(t)
	ctx := context.Background()
	require.NoError(t, storage.EnsureTable(ctx, schema, "items"))

	docs := []docbridge.DocValue{
		mustDoc(t, docbridge.DocField{Key: "name", Value: strVal("a")}, docbridge.DocField{Key: "n", Value: i32Val(1)}),
		mustDoc(t, docbridge.DocField{Key: "name", Value: strVal("b")}, docbridge.DocField{Key: "n", Value: i32Val(2)}),
	}
	n, err := storage.Insert(ctx, schema, "items", docs)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	count, err := storage.Count(ctx, schema, "items", "")
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	filter := docbridge.NewFilterCompiler()
	sql, err := filter.Compile(mustDoc(t, docbridge.DocField{Key: "name", Value: strVal("a")}))
	require.NoError(t, err)

	found, err := storage.Find(ctx, schema, "items", sql, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	v, ok := found[0].Get("name")
	require.True(t, ok)
	require.Equal(t, "a", v.String)
}

func TestStorageUpdateAndDelete(t *testing.T) {
	storage, schema := newTestStorage(t)
	ctx := context.Background()
	require.NoError(t, storage.EnsureTable(ctx, schema, "counters"))

	_, err := storage.Insert(ctx, schema, "counters", []docbridge.DocValue{
		mustDoc(t, docbridge.DocField{Key: "name", Value: strVal("x")}, docbridge.DocField{Key: "n", Value: i32Val(1)}),
	})
	require.NoError(t, err)

	plan, err := docbridge.CompileUpdate(mustDoc(t, docbridge.DocField{Key: "$inc", Value: mustDoc(t,
		docbridge.DocField{Key: "n", Value: i32Val(5)},
	)}))
	require.NoError(t, err)

	matched, modified, err := storage.Update(ctx, schema, "counters", "", plan, true)
	require.NoError(t, err)
	require.EqualValues(t, 1, matched)
	require.EqualValues(t, 1, modified)

	rows, err := storage.Find(ctx, schema, "counters", "", "", 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	n, ok := rows[0].Get("n")
	require.True(t, ok)
	require.Equal(t, int32(6), n.Int32)

	deleted, err := storage.Delete(ctx, schema, "counters", "", 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)
}

func TestStorageCreateAndListIndexes(t *testing.T) {
	storage, schema := newTestStorage(t)
	ctx := context.Background()
	require.NoError(t, storage.EnsureTable(ctx, schema, "people"))

	err := storage.CreateIndex(ctx, schema, "people", "name_1", []docbridge.DocField{
		{Key: "name", Value: i32Val(1)},
	}, false)
	require.NoError(t, err)

	idx, err := storage.ListIndexes(ctx, schema, "people")
	require.NoError(t, err)
	require.Len(t, idx, 1)
	require.Equal(t, "name_1", idx[0].Name)
	require.False(t, idx[0].Unique)
	require.Len(t, idx[0].Keys, 1)
	require.Equal(t, "name", idx[0].Keys[0].Key)
}

func TestStorageStats(t *testing.T) {
	storage, schema := newTestStorage(t)
	ctx := context.Background()
	require.NoError(t, storage.EnsureTable(ctx, schema, "sized"))
	_, err := storage.Insert(ctx, schema, "sized", []docbridge.DocValue{
		mustDoc(t, docbridge.DocField{Key: "a", Value: i32Val(1)}),
	})
	require.NoError(t, err)

	require.NoError(t, storage.RefreshStats(ctx, schema))

	rowCount, totalBytes, _, ok := storage.TableSize(schema, "sized")
	require.True(t, ok)
	require.GreaterOrEqual(t, rowCount, int64(1))
	require.Greater(t, totalBytes, int64(0))

	collections, schemaBytes, err := storage.SchemaStats(ctx, schema)
	require.NoError(t, err)
	require.GreaterOrEqual(t, collections, 1)
	require.Greater(t, schemaBytes, int64(0))
}
