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

// sqlFrom is either a schema-qualified table or a parenthesized subquery,
// optionally aliased.
type sqlFrom struct {
	schema, table string
	subquery      *sqlStatement
	alias         string
}

func fromTable(schema, table string) sqlFrom {
	return sqlFrom{schema: schema, table: table}
}

func (f sqlFrom) render() string {
	if f.subquery != nil {
		if f.alias != "" {
			return "(" + f.subquery.toSQL() + ") " + f.alias
		}
		return "(" + f.subquery.toSQL() + ")"
	}
	return quoteIdent(f.schema) + "." + quoteIdent(f.table)
}

type orderExpr struct {
	expr string
	desc bool
}

// sqlStatement is the abstract SQL-under-construction shape for a pipeline:
// fields, groups, filters, order, offset/limit and a FROM clause, rendered
// once by toSQL rather than built by progressive string concatenation.
type sqlStatement struct {
	fields  []string
	groups  []string
	filters []string
	order   []orderExpr
	offset  *int
	limit   *int
	from    sqlFrom

	// finalized is true once a stage ($group, $project or $count) has
	// taken over the SELECT list; any further stage must operate on a
	// fresh statement over this one, wrapped via unwrap().
	finalized bool
}

func (s *sqlStatement) toSQL() string {
	var b strings.Builder
	b.WriteString("SELECT ")
	if len(s.fields) == 0 {
		b.WriteString("*")
	} else {
		b.WriteString(strings.Join(s.fields, ", "))
	}
	b.WriteString(" FROM ")
	b.WriteString(s.from.render())
	if len(s.filters) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(s.filters, " AND "))
	}
	if len(s.groups) > 0 {
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(s.groups, ", "))
	}
	if len(s.order) > 0 {
		var parts []string
		for _, o := range s.order {
			dir := "ASC"
			if o.desc {
				dir = "DESC"
			}
			parts = append(parts, o.expr+" "+dir)
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(parts, ", "))
	}
	if s.offset != nil {
		fmt.Fprintf(&b, " OFFSET %d", *s.offset)
	}
	if s.limit != nil {
		fmt.Fprintf(&b, " LIMIT %d", *s.limit)
	}
	return b.String()
}

// unwrap wraps s as a subquery so that downstream stages always see a
// single _jsonb column to build on.
func (s *sqlStatement) unwrap() *sqlStatement {
	return &sqlStatement{
		fields: []string{"row_to_json(t)::jsonb AS _jsonb"},
		from:   sqlFrom{subquery: s, alias: "t"},
	}
}

// AggregateCompiler renders an aggregation pipeline into a single SQL
// statement. Rendered text is cached the same way FilterCompiler caches
// filter text.
type AggregateCompiler struct {
	filters *FilterCompiler
	cache   *sqlCache
}

func NewAggregateCompiler(filters *FilterCompiler) *AggregateCompiler {
	return &AggregateCompiler{filters: filters, cache: newSQLCache(defaultCacheSize)}
}

// Compile renders the pipeline (an array of single-key stage documents)
// into SQL selecting from schema.collection.
func (c *AggregateCompiler) Compile(schema, collection string, pipeline DocValue) (string, error) {
	if pipeline.Kind != KindArray {
		return "", newError(KindInvalidArgument, "aggregate pipeline must be an array")
	}
	// schema/collection are folded into the cache key alongside the
	// pipeline itself, since the same pipeline bytes can target different
	// collections.
	cacheDoc := DocValue{Kind: KindDocument, Document: []DocField{
		{Key: "schema", Value: DocValue{Kind: KindString, String: schema}},
		{Key: "collection", Value: DocValue{Kind: KindString, String: collection}},
		{Key: "pipeline", Value: pipeline},
	}}
	if sql, key, ok := c.cache.get(cacheDoc); ok {
		return sql, nil
	} else {
		sql, err := c.compile(schema, collection, pipeline.Array)
		if err != nil {
			return "", err
		}
		c.cache.put(key, sql)
		return sql, nil
	}
}

func (c *AggregateCompiler) compile(schema, collection string, stages []DocValue) (string, error) {
	cur := &sqlStatement{from: fromTable(schema, collection)}
	for _, stage := range stages {
		if stage.Kind != KindDocument || len(stage.Document) != 1 {
			return "", newError(KindInvalidArgument, "each pipeline stage must be a single-key document")
		}
		name := stage.Document[0].Key
		body := stage.Document[0].Value

		if cur.finalized {
			cur = cur.unwrap()
		}

		var err error
		switch name {
		case "$match":
			err = c.applyMatch(cur, body)
		case "$group":
			err = applyGroup(cur, body)
			cur.finalized = true
		case "$project":
			err = applyProject(cur, body)
			cur.finalized = true
		case "$count":
			err = applyCount(cur, body)
			cur.finalized = true
		case "$sort":
			err = applySort(cur, body)
		case "$skip":
			err = applySkip(cur, body)
		case "$limit":
			err = applyLimit(cur, body)
		default:
			err = newError(KindInvalidArgument, "unrecognized pipeline stage %q", name)
		}
		if err != nil {
			return "", err
		}
	}
	return cur.toSQL(), nil
}

func (c *AggregateCompiler) applyMatch(cur *sqlStatement, doc DocValue) error {
	sql, err := c.filters.Compile(doc)
	if err != nil {
		return err
	}
	if sql != "" {
		cur.filters = append(cur.filters, sql)
	}
	return nil
}

func applyGroup(cur *sqlStatement, doc DocValue) error {
	if doc.Kind != KindDocument {
		return newError(KindInvalidArgument, "$group requires a document")
	}
	idVal, ok := doc.Get("_id")
	if !ok {
		return newError(KindInvalidArgument, "$group requires an _id")
	}
	switch {
	case idVal.Kind == KindString && strings.HasPrefix(idVal.String, "$"):
		field := strings.TrimPrefix(idVal.String, "$")
		expr := fieldToJSONBPath(field, false)
		cur.fields = append(cur.fields, expr+" AS _id")
		cur.groups = append(cur.groups, expr)
	case idVal.Kind == KindDocument && len(idVal.Document) == 1 && idVal.Document[0].Key == "$dateToString":
		spec := idVal.Document[0].Value
		format, okf := spec.Get("format")
		date, okd := spec.Get("date")
		if !okf || !okd || format.Kind != KindString || date.Kind != KindString || !strings.HasPrefix(date.String, "$") {
			return newError(KindInvalidArgument, "invalid $dateToString specification")
		}
		field := strings.TrimPrefix(date.String, "$")
		expr := fmt.Sprintf("TO_CHAR(TO_TIMESTAMP((%s)::numeric / 1000), '%s') AS _id",
			fieldToJSONBPath(field, true), escapeSQLString(format.String))
		cur.fields = append(cur.fields, expr)
		cur.groups = append(cur.groups, "_id")
	default:
		return newError(KindInvalidArgument, "unsupported $group _id specification")
	}

	for _, f := range doc.Document {
		if f.Key == "_id" {
			continue
		}
		if f.Value.Kind != KindDocument || len(f.Value.Document) != 1 {
			return newError(KindInvalidArgument, "accumulator for %q must have exactly one operator", f.Key)
		}
		accum := f.Value.Document[0]
		var sqlFunc string
		switch accum.Key {
		case "$sum":
			sqlFunc = "SUM"
		case "$avg":
			sqlFunc = "AVG"
		default:
			return newError(KindInvalidArgument, "unsupported accumulator %q", accum.Key)
		}
		expr, err := compileGroupExpr(accum.Value)
		if err != nil {
			return err
		}
		cur.fields = append(cur.fields, fmt.Sprintf("%s(%s) AS %s", sqlFunc, expr, f.Key))
	}
	return nil
}

// compileGroupExpr compiles a $group accumulator's argument: a plain field
// reference, a literal, or a nested arithmetic expression ($multiply,
// $add, $subtract, $divide) with two operands.
func compileGroupExpr(v DocValue) (string, error) {
	switch v.Kind {
	case KindString:
		if !strings.HasPrefix(v.String, "$") {
			return "", newError(KindInvalidArgument, "expected a $field reference, got %q", v.String)
		}
		field := strings.TrimPrefix(v.String, "$")
		jpath := fieldToJSONBPath(field, false)
		return fmt.Sprintf("(CASE WHEN (%s ? '$f') THEN (%s->>'$f')::numeric ELSE (%s)::numeric END)", jpath, jpath, jpath), nil
	case KindInt32, KindInt64, KindDouble:
		return numericLiteral(v), nil
	case KindDocument:
		if len(v.Document) != 1 {
			return "", newError(KindInvalidArgument, "expression document must have exactly one operator")
		}
		op := v.Document[0]
		infix, ok := groupArithmeticOps[op.Key]
		if !ok {
			return "", newError(KindInvalidArgument, "unsupported expression operator %q", op.Key)
		}
		if op.Value.Kind != KindArray || len(op.Value.Array) != 2 {
			return "", newError(KindInvalidArgument, "%s requires an array of two operands", op.Key)
		}
		lhs, err := compileGroupExpr(op.Value.Array[0])
		if err != nil {
			return "", err
		}
		rhs, err := compileGroupExpr(op.Value.Array[1])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(%s %s %s)", lhs, infix, rhs), nil
	default:
		return "", newError(KindInvalidArgument, "unsupported expression value")
	}
}

var groupArithmeticOps = map[string]string{
	"$multiply": "*",
	"$add":      "+",
	"$subtract": "-",
	"$divide":   "/",
}

func applyCount(cur *sqlStatement, body DocValue) error {
	if body.Kind != KindString {
		return newError(KindInvalidArgument, "$count requires a field name string")
	}
	field := body.String
	if strings.Contains(field, ".") {
		return newError(KindInvalidArgument, "the count field cannot contain '.'")
	}
	if strings.Contains(field, "$") {
		return newError(KindInvalidArgument, "the count field cannot be a $-prefixed path")
	}
	cur.fields = []string{fmt.Sprintf("json_build_object('%s', COUNT(*))::jsonb AS _jsonb", escapeSQLString(field))}
	return nil
}

func applySort(cur *sqlStatement, doc DocValue) error {
	if doc.Kind != KindDocument {
		return newError(KindInvalidArgument, "$sort requires a document")
	}
	for _, f := range doc.Document {
		var desc bool
		switch f.Value.Kind {
		case KindInt32:
			switch f.Value.Int32 {
			case 1:
				desc = false
			case -1:
				desc = true
			default:
				return newError(KindInvalidArgument, "invalid $sort direction for %q", f.Key)
			}
		case KindInt64:
			switch f.Value.Int64 {
			case 1:
				desc = false
			case -1:
				desc = true
			default:
				return newError(KindInvalidArgument, "invalid $sort direction for %q", f.Key)
			}
		default:
			return newError(KindInvalidArgument, "invalid $sort direction for %q", f.Key)
		}
		cur.order = append(cur.order, orderExpr{expr: fieldToJSONBPath(f.Key, false), desc: desc})
	}
	return nil
}

func applySkip(cur *sqlStatement, v DocValue) error {
	n, err := nonNegativeInt(v, "$skip")
	if err != nil {
		return err
	}
	cur.offset = &n
	return nil
}

func applyLimit(cur *sqlStatement, v DocValue) error {
	n, err := nonNegativeInt(v, "$limit")
	if err != nil {
		return err
	}
	cur.limit = &n
	return nil
}

func nonNegativeInt(v DocValue, name string) (int, error) {
	var n int
	switch v.Kind {
	case KindInt32:
		n = int(v.Int32)
	case KindInt64:
		n = int(v.Int64)
	default:
		return 0, newError(KindInvalidArgument, "%s requires an integer", name)
	}
	if n < 0 {
		return 0, newError(KindInvalidArgument, "%s requires a non-negative integer", name)
	}
	return n, nil
}

//------------------------------------------------------------------------------
// $project

func applyProject(cur *sqlStatement, doc DocValue) error {
	if doc.Kind != KindDocument {
		return newError(KindInvalidProjection, "$project requires a document")
	}
	expanded, err := expand(doc.Document)
	if err != nil {
		return err
	}
	inclusion, err := isInclusionDoc(expanded)
	if err != nil {
		return err
	}
	if inclusion {
		working := expanded
		if idVal, ok := expanded.Get("_id"); ok {
			keep, err := valAsBool(idVal)
			if err != nil {
				return err
			}
			if !keep {
				working = removeField(expanded, "_id")
			}
		} else {
			working = prependField(expanded, DocField{Key: "_id", Value: DocValue{Kind: KindInt32, Int32: 1}})
		}
		objText, err := docToJSONBuildObject(working)
		if err != nil {
			return err
		}
		cur.fields = []string{objText + " AS _jsonb"}
		return nil
	}

	includeID := false
	if idVal, ok := expanded.Get("_id"); ok {
		includeID, err = valAsBool(idVal)
		if err != nil {
			return err
		}
	}
	var keys []string
	for _, f := range expanded.Document {
		if f.Key == "_id" && !includeID {
			continue
		}
		keys = append(keys, quoteLiteral(f.Key))
	}
	cur.fields = []string{"_jsonb - " + strings.Join(keys, " - ") + " AS _jsonb"}
	return nil
}

func removeField(doc DocValue, key string) DocValue {
	out := DocValue{Kind: KindDocument}
	for _, f := range doc.Document {
		if f.Key != key {
			out.Document = append(out.Document, f)
		}
	}
	return out
}

func prependField(doc DocValue, field DocField) DocValue {
	out := DocValue{Kind: KindDocument, Document: append([]DocField{field}, doc.Document...)}
	return out
}

// isInclusionDoc determines whether doc (aside from _id) is an inclusion or
// exclusion projection, erroring on a mix of the two.
func isInclusionDoc(doc DocValue) (bool, error) {
	var seen bool
	var inclusion bool
	for _, f := range doc.Document {
		if f.Key == "_id" {
			continue
		}
		b, err := valAsBool(f.Value)
		if err != nil {
			return false, err
		}
		if seen && b != inclusion {
			if b {
				return false, newError(KindInvalidProjection, "cannot do inclusion of field %s in exclusion project", f.Key)
			}
			return false, newError(KindInvalidProjection, "cannot do exclusion of field %s in inclusion project", f.Key)
		}
		inclusion = b
		seen = true
	}
	return inclusion, nil
}

func valAsBool(v DocValue) (bool, error) {
	switch v.Kind {
	case KindInt32:
		return v.Int32 != 0, nil
	case KindInt64:
		return v.Int64 != 0, nil
	case KindDouble:
		return v.Double != 0, nil
	case KindBool:
		return v.Bool, nil
	case KindString:
		return true, nil
	case KindArray:
		return true, nil
	case KindDocument:
		if len(v.Document) == 1 && strings.HasPrefix(v.Document[0].Key, "$") {
			if v.Document[0].Key == "$literal" {
				return true, nil
			}
			return false, newError(KindInvalidProjection, "unrecognized expression %q", v.Document[0].Key)
		}
		// A document whose keys are plain field names (no $-operator) is a
		// nested rename group, e.g. {"cabelo":"$hair","olhos":"$eyes"}
		// produced by expand()ing a dotted "atributos.cabelo" projection
		// field; treat it as an inclusion, same as any other rename.
		for _, f := range v.Document {
			if strings.HasPrefix(f.Key, "$") {
				return false, newError(KindInvalidProjection, "unrecognized expression %q", f.Key)
			}
		}
		return true, nil
	default:
		return true, nil
	}
}

func docToJSONBuildObject(doc DocValue) (string, error) {
	var fields []string
	for _, f := range doc.Document {
		switch f.Value.Kind {
		case KindDocument:
			text, matched, err := handleProjectOperator(f.Value)
			if err != nil {
				return "", err
			}
			if matched {
				fields = append(fields, fmt.Sprintf("'%s', %s", escapeSQLString(f.Key), text))
				continue
			}
			nested, err := docToJSONBuildObject(f.Value)
			if err != nil {
				return "", err
			}
			fields = append(fields, fmt.Sprintf("'%s', %s", escapeSQLString(f.Key), nested))
		case KindArray:
			arrText, err := arrToJSONBuildArray(f.Value.Array)
			if err != nil {
				return "", err
			}
			fields = append(fields, fmt.Sprintf("'%s', %s", escapeSQLString(f.Key), arrText))
		default:
			fields = append(fields, handleProjectField(f.Key, f.Value))
		}
	}
	return "json_build_object(" + strings.Join(fields, ", ") + ")", nil
}

func handleProjectOperator(doc DocValue) (text string, matched bool, err error) {
	for _, f := range doc.Document {
		if !strings.HasPrefix(f.Key, "$") {
			continue
		}
		switch f.Key {
		case "$literal":
			if f.Value.Kind == KindString {
				return quoteLiteral(f.Value.String), true, nil
			}
			return projectLiteralText(f.Value), true, nil
		default:
			return "", true, newError(KindInvalidProjection, "unsupported operator: %s", f.Key)
		}
	}
	return "", false, nil
}

func handleProjectField(key string, value DocValue) string {
	switch value.Kind {
	case KindString:
		if strings.HasPrefix(value.String, "$") {
			return fmt.Sprintf("'%s', %s", escapeSQLString(key), fieldToJSONBPath(strings.TrimPrefix(value.String, "$"), false))
		}
		return fmt.Sprintf("'%s', '%s'", escapeSQLString(key), escapeSQLString(value.String))
	case KindInt32:
		return fmt.Sprintf("'%s', %s", escapeSQLString(key), fieldToJSONBPath(key, false))
	default:
		return fmt.Sprintf("'%s', %s", escapeSQLString(key), projectLiteralText(value))
	}
}

func arrToJSONBuildArray(arr []DocValue) (string, error) {
	var parts []string
	for _, v := range arr {
		switch v.Kind {
		case KindString:
			if strings.HasPrefix(v.String, "$") {
				parts = append(parts, fieldToJSONBPath(strings.TrimPrefix(v.String, "$"), false))
			} else {
				parts = append(parts, quoteLiteral(v.String))
			}
		case KindInt32:
			parts = append(parts, fmt.Sprintf("%d", v.Int32))
		case KindDocument:
			nested, err := docToJSONBuildObject(v)
			if err != nil {
				return "", err
			}
			parts = append(parts, nested)
		case KindArray:
			nested, err := arrToJSONBuildArray(v.Array)
			if err != nil {
				return "", err
			}
			parts = append(parts, nested)
		default:
			parts = append(parts, projectLiteralText(v))
		}
	}
	return "json_build_array(" + strings.Join(parts, ", ") + ")", nil
}

// projectLiteralText renders a scalar value as it appears directly in a
// json_build_object/json_build_array call, not as a quoted SQL string.
func projectLiteralText(v DocValue) string {
	switch v.Kind {
	case KindBool:
		if v.Bool {
			return "true"
		}
		return "false"
	case KindInt32:
		return fmt.Sprintf("%d", v.Int32)
	case KindInt64:
		return fmt.Sprintf("%d", v.Int64)
	case KindDouble:
		return formatStorageDouble(v.Double)
	case KindString:
		return quoteLiteral(v.String)
	case KindNull:
		return "null"
	default:
		return "null"
	}
}
