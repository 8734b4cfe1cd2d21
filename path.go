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
	"strconv"
	"strings"
)

// flatten produces a mapping from dotted key path to leaf value, descending
// through nested documents but not through arrays. Order follows a
// depth-first walk of the input document so that repeated flatten calls on
// the same document are stable.
func flatten(doc DocValue) []DocField {
	var out []DocField
	flattenInto(&out, "", doc)
	return out
}

func flattenInto(out *[]DocField, prefix string, v DocValue) {
	if v.Kind != KindDocument {
		*out = append(*out, DocField{Key: prefix, Value: v})
		return
	}
	if len(v.Document) == 0 && prefix != "" {
		*out = append(*out, DocField{Key: prefix, Value: v})
		return
	}
	for _, f := range v.Document {
		key := f.Key
		if prefix != "" {
			key = prefix + "." + f.Key
		}
		flattenInto(out, key, f.Value)
	}
}

// expand is the inverse of flatten: it builds a nested document from a flat
// list of dotted-path fields. It fails with a *KeyConflictError when two
// paths would write to overlapping positions, e.g. "a.b" and "a.b.c".
func expand(flat []DocField) (DocValue, error) {
	root := DocValue{Kind: KindDocument}
	for _, f := range flat {
		if err := setPath(&root, strings.Split(f.Key, "."), f.Value, f.Key); err != nil {
			return DocValue{}, err
		}
	}
	return root, nil
}

func setPath(doc *DocValue, segments []string, value DocValue, fullPath string) error {
	return setPathAt(doc, segments, value, fullPath, "")
}

func setPathAt(doc *DocValue, segments []string, value DocValue, fullPath, prefixSoFar string) error {
	seg := segments[0]
	segPath := seg
	if prefixSoFar != "" {
		segPath = prefixSoFar + "." + seg
	}
	idx := -1
	for i, f := range doc.Document {
		if f.Key == seg {
			idx = i
			break
		}
	}
	if len(segments) == 1 {
		if idx >= 0 {
			if doc.Document[idx].Value.Kind == KindDocument && len(doc.Document[idx].Value.Document) > 0 {
				return &KeyConflictError{Source: fullPath, Target: conflictTarget(doc.Document[idx].Value, segPath)}
			}
			doc.Document[idx].Value = value
			return nil
		}
		doc.Document = append(doc.Document, DocField{Key: seg, Value: value})
		return nil
	}
	if idx < 0 {
		doc.Document = append(doc.Document, DocField{Key: seg, Value: DocValue{Kind: KindDocument}})
		idx = len(doc.Document) - 1
	} else if doc.Document[idx].Value.Kind != KindDocument {
		return &KeyConflictError{Source: fullPath, Target: segPath}
	}
	child := doc.Document[idx].Value
	if err := setPathAt(&child, segments[1:], value, fullPath, segPath); err != nil {
		return err
	}
	doc.Document[idx].Value = child
	return nil
}

func conflictTarget(existing DocValue, prefix string) string {
	if existing.Kind == KindDocument && len(existing.Document) > 0 {
		return prefix + "." + existing.Document[0].Key
	}
	return prefix
}

// fieldToJSONBPath builds the `_jsonb->'k1'->'k2'->...->'kN'` expression for
// a dotted path. When asText is true, the final hop uses `->>` so the
// expression yields SQL text rather than jsonb.
func fieldToJSONBPath(dotted string, asText bool) string {
	segs := strings.Split(dotted, ".")
	var b strings.Builder
	b.WriteString("_jsonb")
	for i, s := range segs {
		if asText && i == len(segs)-1 {
			b.WriteString("->>")
		} else {
			b.WriteString("->")
		}
		b.WriteByte('\'')
		b.WriteString(escapeSQLString(s))
		b.WriteByte('\'')
	}
	return b.String()
}

// jsonbExistsChain generates the disjunction used for negative existence of
// a nested dotted path: `(NOT _jsonb ? 'k1' OR NOT _jsonb->'k1' ? 'k2' OR
// ...)`, so that a missing intermediate node short-circuits the check to
// "does not exist" rather than erroring.
func jsonbExistsChain(dotted string) string {
	segs := strings.Split(dotted, ".")
	var parts []string
	prefix := "_jsonb"
	for _, s := range segs {
		parts = append(parts, "NOT "+prefix+" ? '"+escapeSQLString(s)+"'")
		prefix = prefix + "->'" + escapeSQLString(s) + "'"
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// existsChainPositive is the positive counterpart used by `$exists: true`
// on a dotted path: the prefix of all but the last segment, tested for the
// presence of the last segment.
func existsChainPositive(dotted string) string {
	segs := strings.Split(dotted, ".")
	if len(segs) == 1 {
		return "_jsonb ? '" + escapeSQLString(segs[0]) + "'"
	}
	prefix := fieldToJSONBPath(strings.Join(segs[:len(segs)-1], "."), false)
	return prefix + " ? '" + escapeSQLString(segs[len(segs)-1]) + "'"
}

// escapeSQLString escapes single quotes in a string being interpolated into
// an SQL string literal. Identifiers and literals here are always either
// compiler-known field names or values already rendered through C2, never
// raw client SQL, but the quoting must still be correct.
func escapeSQLString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// quoteIdent double-quotes an SQL identifier, escaping embedded quotes.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// quoteLiteral escapes s and wraps it as an SQL string literal.
func quoteLiteral(s string) string {
	return "'" + escapeSQLString(s) + "'"
}

// arrayPathPattern builds the jsonb_path_exists pattern used to match a
// dotted field through arrays at any level, e.g. "a.b.c" becomes
// "$[*].a[*].b[*].c".
func arrayPathPattern(dotted string) string {
	segs := strings.Split(dotted, ".")
	var b strings.Builder
	b.WriteString("$[*]")
	for _, s := range segs {
		b.WriteByte('.')
		b.WriteString(s)
		b.WriteString("[*]")
	}
	// the final segment should not itself be treated as an array hop
	full := b.String()
	return strings.TrimSuffix(full, "[*]")
}

func formatIntLiteral(n int) string {
	return strconv.Itoa(n)
}
