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
	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// sqlCache memoizes rendered SQL text for a compiled filter or aggregation
// pipeline, keyed by an xxhash of the input document's BSON bytes, bounded
// by LRU eviction so a pathological client can't grow it without limit.
type sqlCache struct {
	lru *lru.Cache[uint64, string]
}

// defaultCacheSize bounds the number of distinct compiled filters or
// pipelines kept in memory at once.
const defaultCacheSize = 4096

func newSQLCache(size int) *sqlCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	c, err := lru.New[uint64, string](size)
	if err != nil {
		// only fails for a non-positive size, which is excluded above.
		panic(err)
	}
	return &sqlCache{lru: c}
}

func cacheKey(doc DocValue) (uint64, error) {
	b, err := EncodeBSON(doc)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(b), nil
}

func (c *sqlCache) get(doc DocValue) (string, uint64, bool) {
	key, err := cacheKey(doc)
	if err != nil {
		return "", 0, false
	}
	v, ok := c.lru.Get(key)
	return v, key, ok
}

func (c *sqlCache) put(key uint64, sql string) {
	c.lru.Add(key, sql)
}
