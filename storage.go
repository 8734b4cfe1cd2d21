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
	"context"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Storage is the C7 adapter: one schema per client database, one table per
// collection, a single JSONB column ("_jsonb") per row. It owns the one
// pooled connection this server was configured with.
type Storage struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger

	statsMu sync.Mutex
	stats   map[string]tableStats
}

type tableStats struct {
	rowCount    int64
	totalBytes  int64
	refreshedAt time.Time
}

// NewStorage connects to the backing SQL engine described by cfg.
func NewStorage(ctx context.Context, cfg SQLConfig, logger zerolog.Logger) (*Storage, error) {
	pgxCfg, err := sqlConfigToPgxConfig(&cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout != nil && *cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*cfg.Timeout*float64(time.Second)))
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, err
	}
	return &Storage{pool: pool, logger: logger, stats: make(map[string]tableStats)}, nil
}

func sqlConfigToPgxConfig(s *SQLConfig) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(sqlConfigToURL(s))
	if err != nil {
		return nil, err
	}
	if s.PreferSimpleProtocol {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	if p := s.Pool; p != nil {
		if p.MinConns != nil && *p.MinConns > 0 && *p.MinConns <= math.MaxInt32 {
			cfg.MinConns = int32(*p.MinConns)
		}
		if p.MaxConns != nil && *p.MaxConns > 0 && *p.MaxConns <= math.MaxInt32 {
			cfg.MaxConns = int32(*p.MaxConns)
		}
		if p.MaxIdleTime != nil && *p.MaxIdleTime > 0 {
			cfg.MaxConnIdleTime = time.Duration(*p.MaxIdleTime * float64(time.Second))
		}
		if p.MaxConnectedTime != nil && *p.MaxConnectedTime > 0 {
			cfg.MaxConnLifetime = time.Duration(*p.MaxConnectedTime * float64(time.Second))
		}
	}
	if len(s.Role) > 0 {
		// SET ROLE does not take a bind parameter; s.Role is validated
		// against rxRole before this ever runs.
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			if _, err := conn.Exec(ctx, "SET ROLE "+s.Role); err != nil {
				return fmt.Errorf("failed to set role %q: %w", s.Role, err)
			}
			return nil
		}
	}
	return cfg, nil
}

func sqlConfigToURL(s *SQLConfig) string {
	params := make(url.Values)
	set := func(v, kw string) {
		if len(v) > 0 {
			params.Set(kw, v)
		}
	}
	set(s.Host, "host")
	set(s.User, "user")
	set(s.Password, "password")
	set(s.Database, "dbname")
	set(s.Passfile, "passfile")
	set(s.SSLMode, "sslmode")
	set(s.SSLCert, "sslcert")
	set(s.SSLKey, "sslkey")
	set(s.SSLRootCert, "sslrootcert")
	for k, v := range s.Params {
		params.Set(k, v)
	}
	if s.Timeout != nil && *s.Timeout > 0 {
		params.Set("connect_timeout", strconv.Itoa(int(math.Round(*s.Timeout))))
	}
	return "postgres://?" + params.Encode()
}

// Close releases the underlying connection pool.
func (s *Storage) Close() {
	s.pool.Close()
}

//------------------------------------------------------------------------------
// schema / table lifecycle

func (s *Storage) EnsureSchema(ctx context.Context, schema string) error {
	_, err := s.pool.Exec(ctx, "CREATE SCHEMA "+quoteIdent(schema))
	return classifyStorageError(err)
}

func (s *Storage) EnsureTable(ctx context.Context, schema, table string) error {
	sql := fmt.Sprintf("CREATE TABLE %s.%s (_jsonb JSONB NOT NULL)", quoteIdent(schema), quoteIdent(table))
	_, err := s.pool.Exec(ctx, sql)
	return classifyStorageError(err)
}

func (s *Storage) DropTable(ctx context.Context, schema, table string) error {
	sql := fmt.Sprintf("DROP TABLE %s.%s", quoteIdent(schema), quoteIdent(table))
	_, err := s.pool.Exec(ctx, sql)
	s.invalidateStats(schema, table)
	return classifyStorageError(err)
}

func (s *Storage) DropSchema(ctx context.Context, schema string) error {
	sql := fmt.Sprintf("DROP SCHEMA %s CASCADE", quoteIdent(schema))
	_, err := s.pool.Exec(ctx, sql)
	return classifyStorageError(err)
}

func (s *Storage) ListSchemas(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT schema_name FROM information_schema.schemata WHERE schema_name NOT IN ('pg_catalog', 'information_schema', 'pg_toast') AND schema_name NOT LIKE 'pg_temp%' AND schema_name NOT LIKE 'pg_toast_temp%' ORDER BY schema_name")
	if err != nil {
		return nil, classifyStorageError(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, classifyStorageError(err)
		}
		out = append(out, name)
	}
	return out, classifyStorageError(rows.Err())
}

func (s *Storage) ListTables(ctx context.Context, schema string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT table_name FROM information_schema.tables WHERE table_schema = $1 ORDER BY table_name", schema)
	if err != nil {
		return nil, classifyStorageError(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, classifyStorageError(err)
		}
		out = append(out, name)
	}
	return out, classifyStorageError(rows.Err())
}

//------------------------------------------------------------------------------
// CRUD

func (s *Storage) Insert(ctx context.Context, schema, table string, docs []DocValue) (int64, error) {
	batch := &pgx.Batch{}
	sql := fmt.Sprintf("INSERT INTO %s.%s (_jsonb) VALUES ($1)", quoteIdent(schema), quoteIdent(table))
	for _, d := range docs {
		raw, err := ToStorage(d)
		if err != nil {
			return 0, err
		}
		batch.Queue(sql, raw)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	var inserted int64
	for range docs {
		tag, err := br.Exec()
		if err != nil {
			return inserted, classifyStorageError(err)
		}
		inserted += tag.RowsAffected()
	}
	s.invalidateStats(schema, table)
	return inserted, nil
}

func (s *Storage) Delete(ctx context.Context, schema, table, filterSQL string, limit int64) (int64, error) {
	sql := fmt.Sprintf("DELETE FROM %s.%s", quoteIdent(schema), quoteIdent(table))
	if limit > 0 {
		sql = fmt.Sprintf("DELETE FROM %s.%s WHERE ctid IN (SELECT ctid FROM %s.%s",
			quoteIdent(schema), quoteIdent(table), quoteIdent(schema), quoteIdent(table))
		if filterSQL != "" {
			sql += " WHERE " + filterSQL
		}
		sql += fmt.Sprintf(" LIMIT %d)", limit)
	} else if filterSQL != "" {
		sql += " WHERE " + filterSQL
	}
	tag, err := s.pool.Exec(ctx, sql)
	if err != nil {
		return 0, classifyStorageError(err)
	}
	s.invalidateStats(schema, table)
	return tag.RowsAffected(), nil
}

// Update applies plan to every row matched by filterSQL (or just the first,
// when multi is false), reading each row's _jsonb, applying the plan in
// Go, and writing the result back. This mirrors the way the update
// compiler leaves $unset/$inc/$addToSet as raw dotted-path operations: they
// are resolved against the actual stored document, not against SQL alone.
func (s *Storage) Update(ctx context.Context, schema, table, filterSQL string, plan *UpdatePlan, multi bool) (matched, modified int64, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, classifyStorageError(err)
	}
	defer tx.Rollback(ctx)

	sel := fmt.Sprintf("SELECT ctid, _jsonb FROM %s.%s", quoteIdent(schema), quoteIdent(table))
	if filterSQL != "" {
		sel += " WHERE " + filterSQL
	}
	if !multi {
		sel += " LIMIT 1"
	}
	sel += " FOR UPDATE"

	rows, err := tx.Query(ctx, sel)
	if err != nil {
		return 0, 0, classifyStorageError(err)
	}
	type pending struct {
		ctid pgx.Identifier
		doc  DocValue
	}
	var batch []pending
	for rows.Next() {
		var ctid string
		var raw []byte
		if err := rows.Scan(&ctid, &raw); err != nil {
			rows.Close()
			return 0, 0, classifyStorageError(err)
		}
		doc, err := FromStorage(raw)
		if err != nil {
			rows.Close()
			return 0, 0, err
		}
		batch = append(batch, pending{ctid: pgx.Identifier{ctid}, doc: doc})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, classifyStorageError(err)
	}
	matched = int64(len(batch))

	upd := fmt.Sprintf("UPDATE %s.%s SET _jsonb = $1 WHERE ctid = $2::tid", quoteIdent(schema), quoteIdent(table))
	for _, p := range batch {
		next, changed, err := applyUpdatePlan(p.doc, plan)
		if err != nil {
			return matched, modified, err
		}
		if !changed {
			continue
		}
		raw, err := ToStorage(next)
		if err != nil {
			return matched, modified, err
		}
		if _, err := tx.Exec(ctx, upd, raw, p.ctid[0]); err != nil {
			return matched, modified, classifyStorageError(err)
		}
		modified++
	}
	if err := tx.Commit(ctx); err != nil {
		return matched, modified, classifyStorageError(err)
	}
	if modified > 0 {
		s.invalidateStats(schema, table)
	}
	return matched, modified, nil
}

// applyUpdatePlan applies plan to doc, returning the resulting document and
// whether anything actually changed.
func applyUpdatePlan(doc DocValue, plan *UpdatePlan) (DocValue, bool, error) {
	if plan.Replace != nil {
		return *plan.Replace, true, nil
	}
	changed := false
	result := doc
	if len(plan.Set.Document) > 0 {
		flat := flatten(plan.Set)
		for _, f := range flat {
			if err := setPath(&result, strings.Split(f.Key, "."), f.Value, f.Key); err != nil {
				return doc, false, err
			}
			changed = true
		}
	}
	for _, path := range plan.Unset {
		if removeDotted(&result, strings.Split(path, ".")) {
			changed = true
		}
	}
	for _, f := range plan.Inc {
		if err := incDotted(&result, strings.Split(f.Key, "."), f.Value); err != nil {
			return doc, false, err
		}
		changed = true
	}
	for _, f := range plan.AddToSet {
		if addToSetDotted(&result, strings.Split(f.Key, "."), f.Value) {
			changed = true
		}
	}
	return result, changed, nil
}

func removeDotted(doc *DocValue, segs []string) bool {
	if doc.Kind != KindDocument {
		return false
	}
	if len(segs) == 1 {
		for i, f := range doc.Document {
			if f.Key == segs[0] {
				doc.Document = append(doc.Document[:i], doc.Document[i+1:]...)
				return true
			}
		}
		return false
	}
	for i := range doc.Document {
		if doc.Document[i].Key == segs[0] {
			return removeDotted(&doc.Document[i].Value, segs[1:])
		}
	}
	return false
}

func incDotted(doc *DocValue, segs []string, delta DocValue) error {
	if doc.Kind != KindDocument {
		return newError(KindInvalidArgument, "$inc target is not a document")
	}
	for i := range doc.Document {
		if doc.Document[i].Key == segs[0] {
			if len(segs) == 1 {
				sum, err := addNumeric(doc.Document[i].Value, delta)
				if err != nil {
					return err
				}
				doc.Document[i].Value = sum
				return nil
			}
			return incDotted(&doc.Document[i].Value, segs[1:], delta)
		}
	}
	if len(segs) == 1 {
		doc.Document = append(doc.Document, DocField{Key: segs[0], Value: delta})
		return nil
	}
	child := DocValue{Kind: KindDocument}
	if err := incDotted(&child, segs[1:], delta); err != nil {
		return err
	}
	doc.Document = append(doc.Document, DocField{Key: segs[0], Value: child})
	return nil
}

func addNumeric(a, b DocValue) (DocValue, error) {
	af, aok := numericFloat(a)
	bf, bok := numericFloat(b)
	if !aok || !bok {
		return DocValue{}, newError(KindInvalidArgument, "$inc requires numeric operands")
	}
	if a.Kind == KindInt32 && b.Kind == KindInt32 {
		return DocValue{Kind: KindInt32, Int32: a.Int32 + b.Int32}, nil
	}
	if (a.Kind == KindInt32 || a.Kind == KindInt64) && (b.Kind == KindInt32 || b.Kind == KindInt64) {
		return DocValue{Kind: KindInt64, Int64: int64(af) + int64(bf)}, nil
	}
	return DocValue{Kind: KindDouble, Double: af + bf}, nil
}

func numericFloat(v DocValue) (float64, bool) {
	switch v.Kind {
	case KindInt32:
		return float64(v.Int32), true
	case KindInt64:
		return float64(v.Int64), true
	case KindDouble:
		return v.Double, true
	default:
		return 0, false
	}
}

func addToSetDotted(doc *DocValue, segs []string, value DocValue) bool {
	if doc.Kind != KindDocument {
		return false
	}
	for i := range doc.Document {
		if doc.Document[i].Key == segs[0] {
			if len(segs) == 1 {
				arr := &doc.Document[i].Value
				if arr.Kind != KindArray {
					return false
				}
				for _, e := range arr.Array {
					if docValueEqual(e, value) {
						return false
					}
				}
				arr.Array = append(arr.Array, value)
				return true
			}
			return addToSetDotted(&doc.Document[i].Value, segs[1:], value)
		}
	}
	if len(segs) == 1 {
		doc.Document = append(doc.Document, DocField{Key: segs[0], Value: DocValue{Kind: KindArray, Array: []DocValue{value}}})
		return true
	}
	return false
}

func docValueEqual(a, b DocValue) bool {
	ba, err1 := EncodeBSON(a)
	bb, err2 := EncodeBSON(b)
	if err1 != nil || err2 != nil {
		return false
	}
	if len(ba) != len(bb) {
		return false
	}
	for i := range ba {
		if ba[i] != bb[i] {
			return false
		}
	}
	return true
}

//------------------------------------------------------------------------------
// read paths

func (s *Storage) Count(ctx context.Context, schema, table, filterSQL string) (int64, error) {
	sql := fmt.Sprintf("SELECT COUNT(*) FROM %s.%s", quoteIdent(schema), quoteIdent(table))
	if filterSQL != "" {
		sql += " WHERE " + filterSQL
	}
	var n int64
	if err := s.pool.QueryRow(ctx, sql).Scan(&n); err != nil {
		return 0, classifyStorageError(err)
	}
	return n, nil
}

// Find runs a filter (already SQL, from the filter compiler) against a
// collection, with optional sort/skip/limit, and returns the matched
// documents.
func (s *Storage) Find(ctx context.Context, schema, table, filterSQL, sortSQL string, skip, limit int64) ([]DocValue, error) {
	sql := fmt.Sprintf("SELECT _jsonb FROM %s.%s", quoteIdent(schema), quoteIdent(table))
	if filterSQL != "" {
		sql += " WHERE " + filterSQL
	}
	if sortSQL != "" {
		sql += " ORDER BY " + sortSQL
	}
	if skip > 0 {
		sql += fmt.Sprintf(" OFFSET %d", skip)
	}
	if limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryDocs(ctx, sql)
}

// Aggregate runs a fully rendered pipeline statement (from AggregateCompiler)
// and returns the resulting documents.
func (s *Storage) Aggregate(ctx context.Context, sql string) ([]DocValue, error) {
	wrapped := "SELECT _jsonb FROM (" + sql + ") agg"
	return s.queryDocs(ctx, wrapped)
}

func (s *Storage) queryDocs(ctx context.Context, sql string) ([]DocValue, error) {
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, classifyStorageError(err)
	}
	defer rows.Close()
	var out []DocValue
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, classifyStorageError(err)
		}
		doc, err := FromStorage(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, classifyStorageError(rows.Err())
}

//------------------------------------------------------------------------------
// indexes

type IndexInfo struct {
	Name   string
	Keys   []DocField // field name -> 1 (direction is not recoverable from indexdef)
	Unique bool       // indexdef starts with CREATE UNIQUE INDEX
}

// jsonbPathFieldRE extracts the field names embedded in an expression
// index's rendered definition, e.g. `((_jsonb -> 'email'::text))`. Postgres
// normalizes the `->` operator with surrounding spaces and appends an
// explicit cast when it pretty-prints pg_indexes.indexdef, so the pattern
// tolerates both but does not need to: there is no separate store of the
// original key document, this is the only source of truth for ListIndexes.
var jsonbPathFieldRE = regexp.MustCompile(`_jsonb\s*->\s*'(.*?)'`)

func (s *Storage) CreateIndex(ctx context.Context, schema, table, name string, keys []DocField, unique bool) error {
	var exprs []string
	for _, k := range keys {
		exprs = append(exprs, "("+fieldToJSONBPath(k.Key, false)+")")
	}
	uniq := ""
	if unique {
		uniq = "UNIQUE "
	}
	sql := fmt.Sprintf("CREATE %sINDEX %s ON %s.%s (%s)",
		uniq, quoteIdent(name), quoteIdent(schema), quoteIdent(table), strings.Join(exprs, ", "))
	_, err := s.pool.Exec(ctx, sql)
	return classifyStorageError(err)
}

// ListIndexes recovers index definitions from pg_indexes rather than a side
// table: it regexes the `_jsonb -> 'field'` fragments out of indexdef, the
// same approach the original implementation uses, since Postgres has no
// other record of which Mongo-style key document produced an expression
// index. Sort direction is always reported as ascending; it cannot be
// recovered this way, and the original implementation makes the same
// simplification.
func (s *Storage) ListIndexes(ctx context.Context, schema, table string) ([]IndexInfo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT indexname, indexdef FROM pg_indexes WHERE schemaname = $1 AND tablename = $2 ORDER BY indexname`,
		schema, table)
	if err != nil {
		return nil, classifyStorageError(err)
	}
	defer rows.Close()
	var out []IndexInfo
	for rows.Next() {
		var name, def string
		if err := rows.Scan(&name, &def); err != nil {
			return nil, classifyStorageError(err)
		}
		matches := jsonbPathFieldRE.FindAllStringSubmatch(def, -1)
		if len(matches) == 0 {
			continue
		}
		var keys []DocField
		for _, m := range matches {
			keys = append(keys, DocField{Key: m[1], Value: DocValue{Kind: KindInt32, Int32: 1}})
		}
		out = append(out, IndexInfo{Name: name, Keys: keys, Unique: strings.HasPrefix(def, "CREATE UNIQUE INDEX")})
	}
	return out, classifyStorageError(rows.Err())
}

//------------------------------------------------------------------------------
// stats (collStats / dbStats), cron-refreshed

func statsCacheKey(schema, table string) string {
	return schema + "." + table
}

func (s *Storage) invalidateStats(schema, table string) {
	s.statsMu.Lock()
	delete(s.stats, statsCacheKey(schema, table))
	s.statsMu.Unlock()
}

// TableSize returns the cached row count and on-disk byte size for a
// collection, refreshed by RefreshStats rather than on every call.
func (s *Storage) TableSize(schema, table string) (rowCount, totalBytes int64, refreshedAt time.Time, ok bool) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	st, ok := s.stats[statsCacheKey(schema, table)]
	return st.rowCount, st.totalBytes, st.refreshedAt, ok
}

// RefreshStats recomputes pg_total_relation_size and row-count estimates
// for every table in schema. The maintenance cron calls it periodically;
// collStats also calls it inline when a table has no cached entry, and
// dbStats calls it inline on every request.
func (s *Storage) RefreshStats(ctx context.Context, schema string) error {
	rows, err := s.pool.Query(ctx, `
		SELECT c.relname, c.reltuples::bigint, pg_total_relation_size(c.oid)
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relkind = 'r'`, schema)
	if err != nil {
		return classifyStorageError(err)
	}
	defer rows.Close()
	now := time.Now()
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	for rows.Next() {
		var table string
		var rowCount, totalBytes int64
		if err := rows.Scan(&table, &rowCount, &totalBytes); err != nil {
			return classifyStorageError(err)
		}
		s.stats[statsCacheKey(schema, table)] = tableStats{rowCount: rowCount, totalBytes: totalBytes, refreshedAt: now}
	}
	return classifyStorageError(rows.Err())
}

func (s *Storage) SchemaStats(ctx context.Context, schema string) (collections int, totalBytes int64, err error) {
	tables, err := s.ListTables(ctx, schema)
	if err != nil {
		return 0, 0, err
	}
	collections = len(tables)
	for _, t := range tables {
		if _, n, _, ok := s.TableSize(schema, t); ok {
			totalBytes += n
		}
	}
	return collections, totalBytes, nil
}

//------------------------------------------------------------------------------
// error classification

// classifyStorageError tags a raw pgx/pgconn error with the ErrorKind the
// command dispatcher uses to pick a reply shape: AlreadyExists for the
// "duplicate X" SQLSTATE class, Other for everything else.
func classifyStorageError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if ok := asPgError(err, &pgErr); ok {
		switch pgErr.Code {
		case "42P06", "42P07", "42710", "23505":
			return &Error{Kind: KindStorageAlreadyExists, Message: pgErr.Message}
		}
		return &Error{Kind: KindStorageOther, Message: pgErr.Message}
	}
	return &Error{Kind: KindStorageOther, Message: err.Error()}
}

func asPgError(err error, target **pgconn.PgError) bool {
	for err != nil {
		if pe, ok := err.(*pgconn.PgError); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
