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
	"testing"

	"github.com/docbridge/docbridge"
	"github.com/stretchr/testify/require"
)

func arrOf(vs ...docbridge.DocValue) docbridge.DocValue {
	return docbridge.DocValue{Kind: docbridge.KindArray, Array: vs}
}

func stage(key string, body docbridge.DocValue) docbridge.DocValue {
	return docOf(docbridge.DocField{Key: key, Value: body})
}

func newAggCompiler() *docbridge.AggregateCompiler {
	return docbridge.NewAggregateCompiler(docbridge.NewFilterCompiler())
}

func TestAggregateMatchAndSort(t *testing.T) {
	c := newAggCompiler()
	pipeline := arrOf(
		stage("$match", docOf(docbridge.DocField{Key: "active", Value: docbridge.DocValue{Kind: docbridge.KindBool, Bool: true}})),
		stage("$sort", docOf(docbridge.DocField{Key: "age", Value: i32Val(-1)})),
		stage("$limit", i32Val(10)),
	)
	sql, err := c.Compile("test", "users", pipeline)
	require.NoError(t, err)
	require.Contains(t, sql, "FROM")
	require.Contains(t, sql, "ORDER BY")
	require.Contains(t, sql, "LIMIT 10")
}

func TestAggregateCount(t *testing.T) {
	c := newAggCompiler()
	pipeline := arrOf(stage("$count", strVal("total")))
	sql, err := c.Compile("test", "users", pipeline)
	require.NoError(t, err)
	require.Contains(t, sql, "total")
	require.Contains(t, sql, "COUNT")
}

func TestAggregateGroup(t *testing.T) {
	c := newAggCompiler()
	pipeline := arrOf(stage("$group", docOf(
		docbridge.DocField{Key: "_id", Value: strVal("$status")},
		docbridge.DocField{Key: "n", Value: docOf(docbridge.DocField{Key: "$sum", Value: i32Val(1)})},
	)))
	sql, err := c.Compile("test", "orders", pipeline)
	require.NoError(t, err)
	require.Contains(t, sql, "GROUP BY")
}

func TestAggregateInvalidPipelineType(t *testing.T) {
	c := newAggCompiler()
	_, err := c.Compile("test", "users", strVal("not an array"))
	require.Error(t, err)
}

func TestAggregateUnknownStage(t *testing.T) {
	c := newAggCompiler()
	pipeline := arrOf(stage("$bogus", docOf()))
	_, err := c.Compile("test", "users", pipeline)
	require.Error(t, err)
}

func TestAggregateMultiKeyStageRejected(t *testing.T) {
	c := newAggCompiler()
	pipeline := arrOf(docOf(
		docbridge.DocField{Key: "$match", Value: docOf()},
		docbridge.DocField{Key: "$sort", Value: docOf()},
	))
	_, err := c.Compile("test", "users", pipeline)
	require.Error(t, err)
}

func TestAggregateCompileIsCached(t *testing.T) {
	c := newAggCompiler()
	pipeline := arrOf(stage("$limit", i32Val(5)))
	sql1, err := c.Compile("test", "users", pipeline)
	require.NoError(t, err)
	sql2, err := c.Compile("test", "users", pipeline)
	require.NoError(t, err)
	require.Equal(t, sql1, sql2)
}
