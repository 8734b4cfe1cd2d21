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
	"fmt"
	"strings"
)

// FilterCompiler turns a selector document into an SQL boolean expression
// over a row's _jsonb column. Rendered text is memoized in a bounded cache
// keyed by the selector's canonical BSON bytes, since the same filter shape
// is typically re-sent on every request of a hot query.
type FilterCompiler struct {
	cache *sqlCache
}

func NewFilterCompiler() *FilterCompiler {
	return &FilterCompiler{cache: newSQLCache(defaultCacheSize)}
}

// Compile returns the SQL boolean expression for doc, or "" when doc has no
// fields.
func (c *FilterCompiler) Compile(doc DocValue) (string, error) {
	if doc.Kind != KindDocument || len(doc.Document) == 0 {
		return "", nil
	}
	if sql, key, ok := c.cache.get(doc); ok {
		return sql, nil
	} else {
		sql, err := compileFilterGroup(doc.Document)
		if err != nil {
			return "", err
		}
		c.cache.put(key, sql)
		return sql, nil
	}
}

func compileFilterGroup(fields []DocField) (string, error) {
	var clauses []string
	for _, f := range fields {
		switch f.Key {
		case "$and", "$or":
			sql, err := compileLogicalOp(f.Key, f.Value)
			if err != nil {
				return "", err
			}
			clauses = append(clauses, sql)
		case "$nor":
			return "", newError(KindInvalidArgument, "$nor is not supported")
		default:
			sql, err := compileFieldClause(f.Key, f.Value)
			if err != nil {
				return "", err
			}
			clauses = append(clauses, sql)
		}
	}
	return joinAnd(clauses), nil
}

func joinAnd(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	if len(clauses) == 1 {
		return clauses[0]
	}
	return "(" + strings.Join(clauses, " AND ") + ")"
}

func compileLogicalOp(op string, value DocValue) (string, error) {
	if value.Kind != KindArray {
		return "", newError(KindInvalidArgument, "%s requires an array of filters", op)
	}
	joiner := " AND "
	if op == "$or" {
		joiner = " OR "
	}
	var parts []string
	for _, elem := range value.Array {
		if elem.Kind != KindDocument {
			return "", newError(KindInvalidArgument, "%s element must be a document", op)
		}
		sql, err := compileFilterGroup(elem.Document)
		if err != nil {
			return "", err
		}
		parts = append(parts, sql)
	}
	if len(parts) == 0 {
		return "", newError(KindInvalidArgument, "%s requires at least one filter", op)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, joiner) + ")", nil
}

// compileFieldClause compiles the clause for a single top-level or
// dotted-path field of a filter document.
func compileFieldClause(field string, value DocValue) (string, error) {
	if value.Kind != KindDocument {
		return compileEquality(field, value, "=")
	}
	if len(value.Document) == 0 {
		return compileEquality(field, value, "=")
	}
	dollar := countDollarKeys(value.Document)
	switch {
	case dollar == len(value.Document):
		return compileOperatorDoc(field, value.Document)
	case dollar == 0:
		var flat []DocField
		if err := flattenForFilter(field, value, &flat); err != nil {
			return "", err
		}
		var parts []string
		for _, ff := range flat {
			sql, err := compileFieldClause(ff.Key, ff.Value)
			if err != nil {
				return "", err
			}
			parts = append(parts, sql)
		}
		return strings.Join(parts, " AND "), nil
	default:
		return "", newError(KindInvalidArgument, "cannot mix operators and fields in %q", field)
	}
}

func countDollarKeys(fields []DocField) int {
	n := 0
	for _, f := range fields {
		if strings.HasPrefix(f.Key, "$") {
			n++
		}
	}
	return n
}

// flattenForFilter flattens a nested literal (non-operator) filter document
// into dotted-path leaves, the way a selector's implicit-equality
// sub-documents are compiled. Unlike the general-purpose flatten() in
// path.go, it stops descending as soon as it reaches a document whose keys
// are entirely operators, leaving that sub-document intact as a leaf value
// for compileFieldClause to recognise.
func flattenForFilter(prefix string, v DocValue, out *[]DocField) error {
	if v.Kind != KindDocument || len(v.Document) == 0 {
		*out = append(*out, DocField{Key: prefix, Value: v})
		return nil
	}
	dollar := countDollarKeys(v.Document)
	if dollar == len(v.Document) {
		*out = append(*out, DocField{Key: prefix, Value: v})
		return nil
	}
	if dollar > 0 {
		return newError(KindInvalidArgument, "cannot mix operators and fields in %q", prefix)
	}
	for _, f := range v.Document {
		path := f.Key
		if prefix != "" {
			path = prefix + "." + f.Key
		}
		if err := flattenForFilter(path, f.Value, out); err != nil {
			return err
		}
	}
	return nil
}

func compileOperatorDoc(field string, ops []DocField) (string, error) {
	var clauses []string
	for _, op := range ops {
		switch op.Key {
		case "$options":
			continue // consumed alongside $regex
		case "$eq":
			sql, err := compileEquality(field, op.Value, "=")
			if err != nil {
				return "", err
			}
			clauses = append(clauses, sql)
		case "$ne":
			sql, err := compileEquality(field, op.Value, "!=")
			if err != nil {
				return "", err
			}
			clauses = append(clauses, sql)
		case "$lt", "$lte", "$gt", "$gte":
			sql, err := compileEquality(field, op.Value, comparisonOperator(op.Key))
			if err != nil {
				return "", err
			}
			clauses = append(clauses, sql)
		case "$in", "$nin":
			sql, err := compileInOp(field, op.Key, op.Value)
			if err != nil {
				return "", err
			}
			clauses = append(clauses, sql)
		case "$exists":
			sql, err := compileExists(field, op.Value)
			if err != nil {
				return "", err
			}
			clauses = append(clauses, sql)
		case "$regex":
			sql, err := compileRegex(field, op.Value, findCompanion(ops, "$options"))
			if err != nil {
				return "", err
			}
			clauses = append(clauses, sql)
		case "$not":
			if op.Value.Kind != KindDocument {
				return "", newError(KindInvalidArgument, "$not requires a document of operators")
			}
			sql, err := compileOperatorDoc(field, op.Value.Document)
			if err != nil {
				return "", err
			}
			clauses = append(clauses, "NOT ("+sql+")")
		default:
			return "", newError(KindInvalidArgument, "unsupported filter operator %q", op.Key)
		}
	}
	if len(clauses) == 0 {
		return "", newError(KindInvalidArgument, "empty operator document for %q", field)
	}
	if len(clauses) == 1 {
		return clauses[0], nil
	}
	return "(" + strings.Join(clauses, " AND ") + ")", nil
}

func comparisonOperator(op string) string {
	switch op {
	case "$lt":
		return "<"
	case "$lte":
		return "<="
	case "$gt":
		return ">"
	case "$gte":
		return ">="
	}
	return "="
}

func findCompanion(ops []DocField, key string) (DocValue, bool) {
	for _, f := range ops {
		if f.Key == key {
			return f.Value, true
		}
	}
	return DocValue{}, false
}

// compileEquality builds the comparison for field <op> value. Numeric
// values get the storage-shape-tolerant CASE WHEN form; a dotted field also
// gets a jsonb_path_exists alternate so that array traversal at any level
// matches.
func compileEquality(field string, value DocValue, op string) (string, error) {
	segs := strings.Split(field, ".")
	jpath := fieldToJSONBPath(field, false)

	switch value.Kind {
	case KindDateTime:
		return fmt.Sprintf("%s->'$d' %s '%d'", jpath, op, value.DateTimeMS), nil
	case KindObjectID:
		return fmt.Sprintf("%s->'$o' %s '%x'", jpath, op, value.ObjectID[:]), nil
	case KindInt32, KindInt64, KindDouble:
		lit := numericLiteral(value)
		base := fmt.Sprintf(
			"(jsonb_typeof(%s) = 'number' OR jsonb_typeof(%s->'$f') = 'number') AND CASE WHEN (%s ? '$f') THEN (%s->>'$f')::numeric ELSE (%s)::numeric END %s '%s'",
			jpath, jpath, jpath, jpath, jpath, op, escapeSQLString(lit),
		)
		if len(segs) > 1 {
			pattern := arrayPathPattern(field)
			return fmt.Sprintf("(%s OR jsonb_path_exists(_jsonb, '%s ? (@ == %s)'))", base, pattern, escapeSQLString(lit)), nil
		}
		return base, nil
	default:
		storage, err := ToStorage(value)
		if err != nil {
			return "", err
		}
		lit := escapeSQLString(string(storage))
		base := fmt.Sprintf("%s %s '%s'", jpath, op, lit)
		if len(segs) > 1 {
			pattern := arrayPathPattern(field)
			return fmt.Sprintf("(%s OR jsonb_path_exists(_jsonb, '%s ? (@ == %s)'))", base, pattern, lit), nil
		}
		return base, nil
	}
}

func numericLiteral(v DocValue) string {
	switch v.Kind {
	case KindInt32:
		return fmt.Sprintf("%d", v.Int32)
	case KindInt64:
		return fmt.Sprintf("%d", v.Int64)
	case KindDouble:
		return formatStorageDouble(v.Double)
	}
	return ""
}

func compileInOp(field, op string, value DocValue) (string, error) {
	if value.Kind != KindArray {
		return "", newError(KindInvalidArgument, "%s requires an array", op)
	}
	var items []string
	for _, e := range value.Array {
		storage, err := ToStorage(e)
		if err != nil {
			return "", err
		}
		items = append(items, escapeSQLString(string(storage)))
	}
	textForm := fieldToJSONBPath(field, true)
	sql := fmt.Sprintf("%s = ANY('{%s}')", textForm, strings.Join(items, ", "))
	if op == "$nin" {
		return "NOT (" + sql + ")", nil
	}
	return sql, nil
}

func compileExists(field string, value DocValue) (string, error) {
	truthy, err := boolish(value)
	if err != nil {
		return "", err
	}
	segs := strings.Split(field, ".")
	if truthy {
		if len(segs) == 1 {
			return fmt.Sprintf("_jsonb ? '%s'", escapeSQLString(segs[0])), nil
		}
		return "(" + existsChainPositive(field) + ")", nil
	}
	if len(segs) == 1 {
		return fmt.Sprintf("NOT (_jsonb ? '%s')", escapeSQLString(segs[0])), nil
	}
	return jsonbExistsChain(field), nil
}

func boolish(v DocValue) (bool, error) {
	switch v.Kind {
	case KindBool:
		return v.Bool, nil
	case KindInt32:
		return v.Int32 != 0, nil
	case KindInt64:
		return v.Int64 != 0, nil
	case KindDouble:
		return v.Double != 0, nil
	default:
		return false, newError(KindInvalidArgument, "$exists requires a boolean or numeric value")
	}
}

func compileRegex(field string, value DocValue, options DocValue) (string, error) {
	if value.Kind != KindString {
		return "", newError(KindInvalidArgument, "$regex requires a string")
	}
	op := "~"
	if options.Kind == KindString && strings.Contains(options.String, "i") {
		op = "~*"
	}
	textForm := fieldToJSONBPath(field, true)
	return fmt.Sprintf("%s %s '%s'", textForm, op, escapeSQLString(value.String)), nil
}
