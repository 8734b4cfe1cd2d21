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
	"strings"
	"time"
)

// CommandContext carries the per-request state a handler needs beyond the
// command document itself.
type CommandContext struct {
	Ctx        context.Context
	DB         string
	RemoteAddr string
}

// Dispatcher is the C8 command dispatcher: it resolves the command name (the
// document's first key, by wire protocol convention) to a handler, and
// turns the handler's result or error into a reply document.
type Dispatcher struct {
	storage    *Storage
	filters    *FilterCompiler
	aggregates *AggregateCompiler
	cfg        *Config
	startedAt  time.Time
}

func NewDispatcher(storage *Storage, cfg *Config) *Dispatcher {
	filters := NewFilterCompiler()
	return &Dispatcher{
		storage:    storage,
		filters:    filters,
		aggregates: NewAggregateCompiler(filters),
		cfg:        cfg,
		startedAt:  time.Now(),
	}
}

type handlerFunc func(d *Dispatcher, cc CommandContext, req DocValue) (DocValue, error)

var commandTable = map[string]handlerFunc{
	"hello":             (*Dispatcher).cmdHello,
	"ismaster":          (*Dispatcher).cmdHello,
	"isMaster":          (*Dispatcher).cmdHello,
	"buildInfo":         (*Dispatcher).cmdBuildInfo,
	"buildinfo":         (*Dispatcher).cmdBuildInfo,
	"connectionStatus":  (*Dispatcher).cmdConnectionStatus,
	"getParameter":      (*Dispatcher).cmdGetParameter,
	"getCmdLineOpts":    (*Dispatcher).cmdGetCmdLineOpts,
	"whatsmyuri":        (*Dispatcher).cmdWhatsMyURI,
	"ping":              (*Dispatcher).cmdPing,
	"listDatabases":     (*Dispatcher).cmdListDatabases,
	"listCollections":   (*Dispatcher).cmdListCollections,
	"listIndexes":       (*Dispatcher).cmdListIndexes,
	"create":            (*Dispatcher).cmdCreate,
	"createIndexes":     (*Dispatcher).cmdCreateIndexes,
	"drop":              (*Dispatcher).cmdDrop,
	"dropDatabase":      (*Dispatcher).cmdDropDatabase,
	"collStats":         (*Dispatcher).cmdCollStats,
	"dbStats":           (*Dispatcher).cmdDBStats,
	"count":             (*Dispatcher).cmdCount,
	"find":              (*Dispatcher).cmdFind,
	"insert":            (*Dispatcher).cmdInsert,
	"update":            (*Dispatcher).cmdUpdate,
	"delete":            (*Dispatcher).cmdDelete,
	"aggregate":         (*Dispatcher).cmdAggregate,
	"findAndModify":     (*Dispatcher).cmdFindAndModify,
	"findandmodify":     (*Dispatcher).cmdFindAndModify,
}

// Handle resolves and runs the command in req, always returning a reply
// document: on error, the reply carries ok:0, errmsg and code rather than
// a Go error, except for KindProtocolDecode/KindIO which signal the caller
// to close the connection instead of replying.
func (d *Dispatcher) Handle(cc CommandContext, req DocValue) (DocValue, error) {
	if req.Kind != KindDocument || len(req.Document) == 0 {
		return errorReply(newError(KindInvalidArgument, "command document must be non-empty"))
	}
	name := req.Document[0].Key
	if db, ok := req.Get("$db"); ok && db.Kind == KindString && db.String != "" {
		cc.DB = db.String
	}
	h, ok := commandTable[name]
	if !ok {
		return errorReply(newError(KindUnknownCommand, "no such command: %q", name))
	}
	reply, err := h(d, cc, req)
	if err != nil {
		if e, ok := err.(*Error); ok && (e.Kind == KindProtocolDecode || e.Kind == KindIO) {
			return DocValue{}, err
		}
		return errorReply(err)
	}
	return withOK(reply), nil
}

func errorReply(err error) (DocValue, error) {
	errmsg, code, codeName := errorReplyFields(err)
	fields := []DocField{
		{Key: "ok", Value: DocValue{Kind: KindDouble, Double: 0}},
		{Key: "errmsg", Value: DocValue{Kind: KindString, String: errmsg}},
	}
	if code != 0 {
		fields = append(fields, DocField{Key: "code", Value: DocValue{Kind: KindInt32, Int32: code}})
	}
	if codeName != "" {
		fields = append(fields, DocField{Key: "codeName", Value: DocValue{Kind: KindString, String: codeName}})
	}
	return DocValue{Kind: KindDocument, Document: fields}, nil
}

func withOK(doc DocValue) DocValue {
	if doc.Kind != KindDocument {
		doc = DocValue{Kind: KindDocument}
	}
	doc.Document = append(doc.Document, DocField{Key: "ok", Value: DocValue{Kind: KindDouble, Double: 1}})
	return doc
}

func doc(fields ...DocField) DocValue {
	return DocValue{Kind: KindDocument, Document: fields}
}

func strField(k, v string) DocField   { return DocField{Key: k, Value: DocValue{Kind: KindString, String: v}} }
func i32Field(k string, v int32) DocField { return DocField{Key: k, Value: DocValue{Kind: KindInt32, Int32: v}} }
func i64Field(k string, v int64) DocField { return DocField{Key: k, Value: DocValue{Kind: KindInt64, Int64: v}} }
func boolField(k string, v bool) DocField { return DocField{Key: k, Value: DocValue{Kind: KindBool, Bool: v}} }
func arrField(k string, v []DocValue) DocField {
	return DocField{Key: k, Value: DocValue{Kind: KindArray, Array: v}}
}
func docField(k string, v DocValue) DocField { return DocField{Key: k, Value: v} }
func dateField(k string, ms int64) DocField {
	return DocField{Key: k, Value: DocValue{Kind: KindDateTime, DateTimeMS: ms}}
}

//------------------------------------------------------------------------------
// handshake / introspection, no collection involved

func (d *Dispatcher) cmdHello(cc CommandContext, req DocValue) (DocValue, error) {
	return doc(
		boolField("ismaster", true),
		boolField("isWritablePrimary", true),
		i32Field("maxBsonObjectSize", MaxDocumentSize),
		i32Field("maxMessageSizeBytes", MaxMessageSize),
		i32Field("maxWriteBatchSize", MaxWriteBatch),
		dateField("localTime", time.Now().UnixMilli()),
		i32Field("minWireVersion", 0),
		i32Field("maxWireVersion", 13),
		boolField("readOnly", false),
	), nil
}

func (d *Dispatcher) cmdBuildInfo(cc CommandContext, req DocValue) (DocValue, error) {
	return doc(
		strField("version", "6.0.0-docbridge"),
		strField("gitVersion", "unknown"),
		arrField("versionArray", []DocValue{
			{Kind: KindInt32, Int32: 6}, {Kind: KindInt32, Int32: 0}, {Kind: KindInt32, Int32: 0}, {Kind: KindInt32, Int32: 0},
		}),
		i32Field("bits", 64),
		i32Field("maxBsonObjectSize", MaxDocumentSize),
	), nil
}

func (d *Dispatcher) cmdConnectionStatus(cc CommandContext, req DocValue) (DocValue, error) {
	return doc(
		docField("authInfo", doc(
			arrField("authenticatedUsers", nil),
			arrField("authenticatedUserRoles", nil),
		)),
	), nil
}

func (d *Dispatcher) cmdGetParameter(cc CommandContext, req DocValue) (DocValue, error) {
	return DocValue{}, newError(KindInvalidArgument, "no option found to get")
}

func (d *Dispatcher) cmdGetCmdLineOpts(cc CommandContext, req DocValue) (DocValue, error) {
	return doc(
		arrField("argv", nil),
		docField("parsed", doc()),
	), nil
}

func (d *Dispatcher) cmdWhatsMyURI(cc CommandContext, req DocValue) (DocValue, error) {
	return doc(strField("you", cc.RemoteAddr)), nil
}

func (d *Dispatcher) cmdPing(cc CommandContext, req DocValue) (DocValue, error) {
	return doc(), nil
}

//------------------------------------------------------------------------------
// database / collection management

func (d *Dispatcher) cmdListDatabases(cc CommandContext, req DocValue) (DocValue, error) {
	names, err := d.storage.ListSchemas(cc.Ctx)
	if err != nil {
		return DocValue{}, err
	}
	var dbs []DocValue
	var total int64
	for _, name := range names {
		_, size, err := d.storage.SchemaStats(cc.Ctx, name)
		if err != nil {
			return DocValue{}, err
		}
		total += size
		dbs = append(dbs, doc(
			strField("name", name),
			i64Field("sizeOnDisk", size),
			boolField("empty", size == 0),
		))
	}
	return doc(
		arrField("databases", dbs),
		i64Field("totalSize", total),
	), nil
}

func (d *Dispatcher) cmdListCollections(cc CommandContext, req DocValue) (DocValue, error) {
	tables, err := d.storage.ListTables(cc.Ctx, cc.DB)
	if err != nil {
		return DocValue{}, err
	}
	var batch []DocValue
	for _, t := range tables {
		batch = append(batch, doc(
			strField("name", t),
			strField("type", "collection"),
			docField("options", doc()),
			docField("info", doc(boolField("readOnly", false))),
		))
	}
	return doc(docField("cursor", doc(
		i64Field("id", 0),
		strField("ns", cc.DB+".$cmd.listCollections"),
		arrField("firstBatch", batch),
	))), nil
}

func (d *Dispatcher) cmdListIndexes(cc CommandContext, req DocValue) (DocValue, error) {
	coll, err := requireStringField(req, "listIndexes")
	if err != nil {
		return DocValue{}, err
	}
	indexes, err := d.storage.ListIndexes(cc.Ctx, cc.DB, coll)
	if err != nil {
		return DocValue{}, err
	}
	batch := []DocValue{doc(
		i32Field("v", 2),
		docField("key", doc(i32Field("_id", 1))),
		strField("name", "_id_"),
	)}
	for _, idx := range indexes {
		batch = append(batch, doc(
			i32Field("v", 2),
			docField("key", doc(idx.Keys...)),
			strField("name", idx.Name),
		))
	}
	return doc(docField("cursor", doc(
		i64Field("id", 0),
		strField("ns", cc.DB+"."+coll),
		arrField("firstBatch", batch),
	))), nil
}

func (d *Dispatcher) cmdCreate(cc CommandContext, req DocValue) (DocValue, error) {
	coll, err := requireStringField(req, "create")
	if err != nil {
		return DocValue{}, err
	}
	if err := d.storage.EnsureSchema(cc.Ctx, cc.DB); err != nil {
		if e, ok := err.(*Error); !ok || e.Kind != KindStorageAlreadyExists {
			return DocValue{}, err
		}
	}
	if err := d.storage.EnsureTable(cc.Ctx, cc.DB, coll); err != nil {
		return DocValue{}, err
	}
	return doc(), nil
}

func (d *Dispatcher) cmdCreateIndexes(cc CommandContext, req DocValue) (DocValue, error) {
	coll, err := requireStringField(req, "createIndexes")
	if err != nil {
		return DocValue{}, err
	}
	specsVal, ok := req.Get("indexes")
	if !ok || specsVal.Kind != KindArray {
		return DocValue{}, newError(KindInvalidArgument, "createIndexes requires an 'indexes' array")
	}
	before, err := d.storage.ListIndexes(cc.Ctx, cc.DB, coll)
	if err != nil {
		return DocValue{}, err
	}
	for _, spec := range specsVal.Array {
		keyVal, ok := spec.Get("key")
		if !ok || keyVal.Kind != KindDocument {
			return DocValue{}, newError(KindInvalidArgument, "index spec requires a 'key' document")
		}
		nameVal, ok := spec.Get("name")
		if !ok || nameVal.Kind != KindString {
			return DocValue{}, newError(KindInvalidArgument, "index spec requires a 'name' string")
		}
		unique := false
		if u, ok := spec.Get("unique"); ok {
			unique, _ = boolish(u)
		}
		if err := d.storage.CreateIndex(cc.Ctx, cc.DB, coll, nameVal.String, keyVal.Document, unique); err != nil {
			return DocValue{}, err
		}
	}
	after, err := d.storage.ListIndexes(cc.Ctx, cc.DB, coll)
	if err != nil {
		return DocValue{}, err
	}
	return doc(
		boolField("createdCollectionAutomatically", false),
		i32Field("numIndexesBefore", int32(len(before)+1)), // +1 for the implicit _id_ index
		i32Field("numIndexesAfter", int32(len(after)+1)),
	), nil
}

func (d *Dispatcher) cmdDrop(cc CommandContext, req DocValue) (DocValue, error) {
	coll, err := requireStringField(req, "drop")
	if err != nil {
		return DocValue{}, err
	}
	existing, err := d.storage.ListIndexes(cc.Ctx, cc.DB, coll)
	if err != nil {
		return DocValue{}, err
	}
	if err := d.storage.DropTable(cc.Ctx, cc.DB, coll); err != nil {
		return DocValue{}, err
	}
	return doc(
		i32Field("nIndexesWas", int32(len(existing)+1)), // +1 for the implicit _id_ index
		strField("ns", cc.DB+"."+coll),
	), nil
}

func (d *Dispatcher) cmdDropDatabase(cc CommandContext, req DocValue) (DocValue, error) {
	if err := d.storage.DropSchema(cc.Ctx, cc.DB); err != nil {
		return DocValue{}, err
	}
	return doc(strField("dropped", cc.DB)), nil
}

//------------------------------------------------------------------------------
// stats

func (d *Dispatcher) cmdCollStats(cc CommandContext, req DocValue) (DocValue, error) {
	coll, err := requireStringField(req, "collStats")
	if err != nil {
		return DocValue{}, err
	}
	rowCount, totalBytes, _, ok := d.storage.TableSize(cc.DB, coll)
	if !ok {
		if err := d.storage.RefreshStats(cc.Ctx, cc.DB); err != nil {
			return DocValue{}, err
		}
		rowCount, totalBytes, _, _ = d.storage.TableSize(cc.DB, coll)
	}
	return doc(
		strField("ns", cc.DB+"."+coll),
		i64Field("count", rowCount),
		i64Field("size", totalBytes),
		i64Field("storageSize", totalBytes),
		i32Field("nindexes", 1),
	), nil
}

func (d *Dispatcher) cmdDBStats(cc CommandContext, req DocValue) (DocValue, error) {
	if err := d.storage.RefreshStats(cc.Ctx, cc.DB); err != nil {
		return DocValue{}, err
	}
	collections, totalBytes, err := d.storage.SchemaStats(cc.Ctx, cc.DB)
	if err != nil {
		return DocValue{}, err
	}
	return doc(
		strField("db", cc.DB),
		i32Field("collections", int32(collections)),
		i64Field("dataSize", totalBytes),
		i64Field("storageSize", totalBytes),
		i32Field("indexes", int32(collections)),
	), nil
}

//------------------------------------------------------------------------------
// CRUD

func (d *Dispatcher) cmdCount(cc CommandContext, req DocValue) (DocValue, error) {
	coll, err := requireStringField(req, "count")
	if err != nil {
		return DocValue{}, err
	}
	filterSQL := ""
	if q, ok := req.Get("query"); ok {
		filterSQL, err = d.filters.Compile(q)
		if err != nil {
			return DocValue{}, err
		}
	}
	n, err := d.storage.Count(cc.Ctx, cc.DB, coll, filterSQL)
	if err != nil {
		return DocValue{}, err
	}
	return doc(i64Field("n", n)), nil
}

func (d *Dispatcher) cmdFind(cc CommandContext, req DocValue) (DocValue, error) {
	coll, err := requireStringField(req, "find")
	if err != nil {
		return DocValue{}, err
	}
	filterSQL := ""
	if q, ok := req.Get("filter"); ok {
		filterSQL, err = d.filters.Compile(q)
		if err != nil {
			return DocValue{}, err
		}
	}
	sortSQL := ""
	if s, ok := req.Get("sort"); ok {
		sortSQL, err = compileFindSort(s)
		if err != nil {
			return DocValue{}, err
		}
	}
	var skip, limit int64
	if v, ok := req.Get("skip"); ok {
		n, err := nonNegativeInt(v, "skip")
		if err != nil {
			return DocValue{}, err
		}
		skip = int64(n)
	}
	if v, ok := req.Get("limit"); ok {
		n, err := nonNegativeInt(v, "limit")
		if err != nil {
			return DocValue{}, err
		}
		limit = int64(n)
	}
	docs, err := d.storage.Find(cc.Ctx, cc.DB, coll, filterSQL, sortSQL, skip, limit)
	if err != nil {
		return DocValue{}, err
	}
	return doc(docField("cursor", doc(
		i64Field("id", 0),
		strField("ns", cc.DB+"."+coll),
		arrField("firstBatch", docs),
	))), nil
}

// compileFindSort mirrors applySort from the aggregation pipeline, emitting
// a comma-separated ORDER BY expression list rather than a sqlStatement's
// internal orderExpr slice.
func compileFindSort(v DocValue) (string, error) {
	if v.Kind != KindDocument {
		return "", newError(KindInvalidArgument, "sort requires a document")
	}
	var parts []string
	for _, f := range v.Document {
		var desc bool
		switch f.Value.Kind {
		case KindInt32:
			desc = f.Value.Int32 < 0
		case KindInt64:
			desc = f.Value.Int64 < 0
		default:
			return "", newError(KindInvalidArgument, "invalid sort direction for %q", f.Key)
		}
		dir := "ASC"
		if desc {
			dir = "DESC"
		}
		parts = append(parts, fieldToJSONBPath(f.Key, false)+" "+dir)
	}
	return strings.Join(parts, ", "), nil
}

func (d *Dispatcher) cmdInsert(cc CommandContext, req DocValue) (DocValue, error) {
	coll, err := requireStringField(req, "insert")
	if err != nil {
		return DocValue{}, err
	}
	docsVal, ok := req.Get("documents")
	if !ok || docsVal.Kind != KindArray {
		return DocValue{}, newError(KindInvalidArgument, "insert requires a 'documents' array")
	}
	n, err := d.storage.Insert(cc.Ctx, cc.DB, coll, docsVal.Array)
	if err != nil {
		return DocValue{}, err
	}
	return doc(i64Field("n", n)), nil
}

func (d *Dispatcher) cmdUpdate(cc CommandContext, req DocValue) (DocValue, error) {
	coll, err := requireStringField(req, "update")
	if err != nil {
		return DocValue{}, err
	}
	updatesVal, ok := req.Get("updates")
	if !ok || updatesVal.Kind != KindArray {
		return DocValue{}, newError(KindInvalidArgument, "update requires an 'updates' array")
	}
	var matched, modified, upserted int64
	for _, u := range updatesVal.Array {
		qVal, _ := u.Get("q")
		uVal, ok := u.Get("u")
		if !ok {
			return DocValue{}, newError(KindInvalidArgument, "update entry requires 'u'")
		}
		multi := false
		if m, ok := u.Get("multi"); ok {
			multi, _ = boolish(m)
		}
		upsert := false
		if up, ok := u.Get("upsert"); ok {
			upsert, _ = boolish(up)
		}
		plan, err := CompileUpdate(uVal)
		if err != nil {
			return DocValue{}, err
		}
		filterSQL, err := d.filters.Compile(qVal)
		if err != nil {
			return DocValue{}, err
		}
		m, mm, err := d.storage.Update(cc.Ctx, cc.DB, coll, filterSQL, plan, multi)
		if err != nil {
			return DocValue{}, err
		}
		matched += m
		modified += mm
		if m == 0 && upsert {
			seed, err := upsertSeed(qVal, plan)
			if err != nil {
				return DocValue{}, err
			}
			if _, err := d.storage.Insert(cc.Ctx, cc.DB, coll, []DocValue{seed}); err != nil {
				return DocValue{}, err
			}
			upserted++
		}
	}
	fields := []DocField{i64Field("n", matched+upserted), i64Field("nModified", modified)}
	if upserted > 0 {
		fields = append(fields, i64Field("nUpserted", upserted))
	}
	return doc(fields...), nil
}

// upsertSeed builds the document to insert when an update matches nothing
// and upsert is set: the equality fields of the query, with the update plan
// applied on top.
func upsertSeed(query DocValue, plan *UpdatePlan) (DocValue, error) {
	base := DocValue{Kind: KindDocument}
	if query.Kind == KindDocument {
		for _, f := range query.Document {
			if !strings.HasPrefix(f.Key, "$") && f.Value.Kind != KindDocument {
				base.Document = append(base.Document, f)
			}
		}
	}
	seeded, _, err := applyUpdatePlan(base, plan)
	return seeded, err
}

func (d *Dispatcher) cmdDelete(cc CommandContext, req DocValue) (DocValue, error) {
	coll, err := requireStringField(req, "delete")
	if err != nil {
		return DocValue{}, err
	}
	deletesVal, ok := req.Get("deletes")
	if !ok || deletesVal.Kind != KindArray {
		return DocValue{}, newError(KindInvalidArgument, "delete requires a 'deletes' array")
	}
	var total int64
	for _, del := range deletesVal.Array {
		qVal, _ := del.Get("q")
		filterSQL, err := d.filters.Compile(qVal)
		if err != nil {
			return DocValue{}, err
		}
		var limit int64
		if lv, ok := del.Get("limit"); ok {
			n, err := nonNegativeInt(lv, "limit")
			if err != nil {
				return DocValue{}, err
			}
			limit = int64(n)
		}
		n, err := d.storage.Delete(cc.Ctx, cc.DB, coll, filterSQL, limit)
		if err != nil {
			return DocValue{}, err
		}
		total += n
	}
	return doc(i64Field("n", total)), nil
}

func (d *Dispatcher) cmdAggregate(cc CommandContext, req DocValue) (DocValue, error) {
	coll, err := requireStringField(req, "aggregate")
	if err != nil {
		return DocValue{}, err
	}
	pipelineVal, ok := req.Get("pipeline")
	if !ok {
		return DocValue{}, newError(KindInvalidArgument, "aggregate requires a 'pipeline' array")
	}
	sql, err := d.aggregates.Compile(cc.DB, coll, pipelineVal)
	if err != nil {
		return DocValue{}, err
	}
	docs, err := d.storage.Aggregate(cc.Ctx, sql)
	if err != nil {
		return DocValue{}, err
	}
	return doc(docField("cursor", doc(
		i64Field("id", 0),
		strField("ns", cc.DB+"."+coll),
		arrField("firstBatch", docs),
	))), nil
}

func (d *Dispatcher) cmdFindAndModify(cc CommandContext, req DocValue) (DocValue, error) {
	coll, err := requireStringField(req, "findAndModify")
	if err != nil {
		return DocValue{}, err
	}
	qVal, _ := req.Get("query")
	filterSQL, err := d.filters.Compile(qVal)
	if err != nil {
		return DocValue{}, err
	}
	sortSQL := ""
	if s, ok := req.Get("sort"); ok {
		sortSQL, err = compileFindSort(s)
		if err != nil {
			return DocValue{}, err
		}
	}
	remove := false
	if r, ok := req.Get("remove"); ok {
		remove, _ = boolish(r)
	}
	if remove {
		before, err := d.storage.Find(cc.Ctx, cc.DB, coll, filterSQL, sortSQL, 0, 1)
		if err != nil {
			return DocValue{}, err
		}
		if len(before) == 0 {
			return doc(docField("value", DocValue{Kind: KindNull})), nil
		}
		targetSQL := narrowFilterToOne(filterSQL, before[0])
		if _, err := d.storage.Delete(cc.Ctx, cc.DB, coll, targetSQL, 1); err != nil {
			return DocValue{}, err
		}
		return doc(docField("value", before[0])), nil
	}

	uVal, ok := req.Get("update")
	if !ok {
		return DocValue{}, newError(KindInvalidArgument, "findAndModify requires 'update' or 'remove'")
	}
	before, err := d.storage.Find(cc.Ctx, cc.DB, coll, filterSQL, sortSQL, 0, 1)
	if err != nil {
		return DocValue{}, err
	}
	newDoc := false
	if nv, ok := req.Get("new"); ok {
		newDoc, _ = boolish(nv)
	}
	if len(before) == 0 {
		upsert := false
		if up, ok := req.Get("upsert"); ok {
			upsert, _ = boolish(up)
		}
		if !upsert {
			return doc(docField("value", DocValue{Kind: KindNull})), nil
		}
		plan, err := CompileUpdate(uVal)
		if err != nil {
			return DocValue{}, err
		}
		seed, err := upsertSeed(qVal, plan)
		if err != nil {
			return DocValue{}, err
		}
		if _, err := d.storage.Insert(cc.Ctx, cc.DB, coll, []DocValue{seed}); err != nil {
			return DocValue{}, err
		}
		if newDoc {
			return doc(docField("value", seed)), nil
		}
		return doc(docField("value", DocValue{Kind: KindNull})), nil
	}

	plan, err := CompileUpdate(uVal)
	if err != nil {
		return DocValue{}, err
	}
	targetSQL := narrowFilterToOne(filterSQL, before[0])
	_, _, err = d.storage.Update(cc.Ctx, cc.DB, coll, targetSQL, plan, false)
	if err != nil {
		return DocValue{}, err
	}
	if !newDoc {
		return doc(docField("value", before[0])), nil
	}
	after, err := d.storage.Find(cc.Ctx, cc.DB, coll, targetSQL, "", 0, 1)
	if err != nil {
		return DocValue{}, err
	}
	if len(after) == 0 {
		return doc(docField("value", DocValue{Kind: KindNull})), nil
	}
	return doc(docField("value", after[0])), nil
}

// narrowFilterToOne re-scopes a filter to exactly the row already fetched as
// "before", by matching on its _id. findAndModify's single-document
// semantics require the delete/update step to hit the same row that was
// read, not merely "whichever row the filter matches now".
func narrowFilterToOne(filterSQL string, row DocValue) string {
	idVal, ok := row.Get("_id")
	if !ok {
		return filterSQL
	}
	idClause, err := compileEquality("_id", idVal, "=")
	if err != nil {
		return filterSQL
	}
	if filterSQL == "" {
		return idClause
	}
	return "(" + filterSQL + ") AND (" + idClause + ")"
}

func requireStringField(req DocValue, key string) (string, error) {
	v, ok := req.Get(key)
	if !ok || v.Kind != KindString || v.String == "" {
		return "", newError(KindInvalidArgument, "%s requires a non-empty collection name", key)
	}
	return v.String, nil
}

func (d *Dispatcher) uptime() time.Duration {
	return time.Since(d.startedAt)
}
