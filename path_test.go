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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlattenAndExpand(t *testing.T) {
	doc := DocValue{Kind: KindDocument, Document: []DocField{
		{Key: "a", Value: DocValue{Kind: KindInt32, Int32: 1}},
		{Key: "b", Value: DocValue{Kind: KindDocument, Document: []DocField{
			{Key: "c", Value: DocValue{Kind: KindString, String: "x"}},
		}}},
	}}

	flat := flatten(doc)
	require.Len(t, flat, 2)
	require.Equal(t, "a", flat[0].Key)
	require.Equal(t, "b.c", flat[1].Key)

	back, err := expand(flat)
	require.NoError(t, err)
	v, ok := back.Get("b")
	require.True(t, ok)
	inner, ok := v.Get("c")
	require.True(t, ok)
	require.Equal(t, "x", inner.String)
}

func TestExpandConflict(t *testing.T) {
	flat := []DocField{
		{Key: "a.b", Value: DocValue{Kind: KindInt32, Int32: 1}},
		{Key: "a.b.c", Value: DocValue{Kind: KindInt32, Int32: 2}},
	}
	_, err := expand(flat)
	require.Error(t, err)
	var kc *KeyConflictError
	require.ErrorAs(t, err, &kc)
}

func TestFieldToJSONBPath(t *testing.T) {
	require.Equal(t, `_jsonb->'a'->'b'`, fieldToJSONBPath("a.b", false))
	require.Equal(t, `_jsonb->'a'->>'b'`, fieldToJSONBPath("a.b", true))
	require.Equal(t, `_jsonb->>'a'`, fieldToJSONBPath("a", true))
}

func TestExistsChains(t *testing.T) {
	require.Equal(t, `_jsonb ? 'a'`, existsChainPositive("a"))
	require.Contains(t, jsonbExistsChain("a.b"), "NOT _jsonb ? 'a'")
	require.Contains(t, jsonbExistsChain("a.b"), "NOT _jsonb->'a' ? 'b'")
}

func TestQuoteHelpers(t *testing.T) {
	require.Equal(t, `"weird""name"`, quoteIdent(`weird"name`))
	require.Equal(t, `'it''s'`, quoteLiteral("it's"))
	require.Equal(t, "o''brien", escapeSQLString("o'brien"))
}

func TestArrayPathPattern(t *testing.T) {
	require.Equal(t, "$[*].a[*].b[*].c", arrayPathPattern("a.b.c"))
	require.Equal(t, "$[*].a", arrayPathPattern("a"))
}
