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

import "strings"

// UpdatePlan is the compiled form of an update document: either a whole
// replacement document, or a combination of the recognized operators. The
// storage adapter applies a plan per matched row by reading _jsonb,
// applying the plan in user-space, and writing it back.
type UpdatePlan struct {
	Replace  *DocValue // non-nil for a plain replacement document
	Set      DocValue  // KindDocument: nested merge-assign tree, expand()ed
	Unset    []string  // dotted paths to remove
	Inc      []DocField
	AddToSet []DocField
}

// CompileUpdate classifies doc and builds its UpdatePlan. Mixing operator
// and non-operator top-level keys is a hard error.
func CompileUpdate(doc DocValue) (*UpdatePlan, error) {
	if doc.Kind != KindDocument {
		return nil, newError(KindInvalidArgument, "update document must be an object")
	}
	dollar := countDollarKeys(doc.Document)
	if dollar == 0 {
		d := doc
		return &UpdatePlan{Replace: &d}, nil
	}
	if dollar != len(doc.Document) {
		return nil, newError(KindInvalidArgument, "update cannot mix operators and plain fields")
	}

	plan := &UpdatePlan{Set: DocValue{Kind: KindDocument}}
	for _, f := range doc.Document {
		switch f.Key {
		case "$set":
			fields, err := operatorFields(f.Key, f.Value)
			if err != nil {
				return nil, err
			}
			expanded, err := expand(fields)
			if err != nil {
				return nil, err
			}
			merged, err := mergeSet(plan.Set, expanded)
			if err != nil {
				return nil, err
			}
			plan.Set = merged
		case "$unset":
			fields, err := operatorFields(f.Key, f.Value)
			if err != nil {
				return nil, err
			}
			for _, uf := range fields {
				plan.Unset = append(plan.Unset, uf.Key)
			}
		case "$inc":
			fields, err := operatorFields(f.Key, f.Value)
			if err != nil {
				return nil, err
			}
			plan.Inc = append(plan.Inc, fields...)
		case "$addToSet":
			fields, err := operatorFields(f.Key, f.Value)
			if err != nil {
				return nil, err
			}
			plan.AddToSet = append(plan.AddToSet, fields...)
		default:
			return nil, newError(KindInvalidArgument, "unknown modifier: %s", f.Key)
		}
	}
	return plan, nil
}

func operatorFields(op string, v DocValue) ([]DocField, error) {
	if v.Kind != KindDocument {
		return nil, newError(KindInvalidArgument, "%s requires a document argument", op)
	}
	return v.Document, nil
}

// mergeSet folds a second expand()ed $set tree into the first, detecting
// conflicts the same way expand() does (a path that is a strict prefix of,
// or extends, an already-assigned path).
func mergeSet(into, from DocValue) (DocValue, error) {
	flatFrom := flatten(from)
	for _, f := range flatFrom {
		if err := setPath(&into, strings.Split(f.Key, "."), f.Value, f.Key); err != nil {
			return DocValue{}, err
		}
	}
	return into, nil
}
