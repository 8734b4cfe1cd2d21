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

import "fmt"

// ErrorKind classifies a compilation or storage failure so that the command
// dispatcher knows how to surface it: as a reply document with an error
// code, or as a reason to close the connection.
type ErrorKind int

const (
	// KindProtocolDecode indicates malformed wire bytes. The connection
	// must be closed; there is no well-formed request to reply to.
	KindProtocolDecode ErrorKind = iota

	// KindUnknownCommand indicates the dispatcher found no handler for
	// the command name.
	KindUnknownCommand

	// KindInvalidArgument indicates a filter, aggregation pipeline or
	// update document used an unsupported or contradictory shape.
	KindInvalidArgument

	// KindKeyConflict indicates two dotted paths in an update document
	// would write to overlapping positions.
	KindKeyConflict

	// KindInvalidProjection indicates a $project stage mixed inclusion
	// and exclusion, or used an unsupported expression.
	KindInvalidProjection

	// KindStorageAlreadyExists indicates an attempt to create a
	// collection or database that already exists.
	KindStorageAlreadyExists

	// KindStorageOther indicates any other failure reported by the SQL
	// engine.
	KindStorageOther

	// KindIO indicates a socket read or write failure. The connection is
	// terminated silently; nothing is written back.
	KindIO
)

// CommandNotFound is the MongoDB wire protocol error code used when no
// handler is registered for a command name.
const CommandNotFound = 59

// Error is the error type returned by every compiler and storage operation
// in this package. Kind determines how the command dispatcher surfaces it;
// Code, when non-zero, is preserved in the reply document's "code" field.
type Error struct {
	Kind    ErrorKind
	Code    int32
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KeyConflictError reports that two flattened dotted-path keys would write
// to overlapping positions when expanded back into a document, e.g. "a.b"
// and "a.b.c".
type KeyConflictError struct {
	Source string
	Target string
}

func (e *KeyConflictError) Error() string {
	return fmt.Sprintf("cannot update %q and %q at the same time", e.Target, e.Source)
}

// errorReplyFields extracts the dispatcher-relevant fields ("errmsg",
// "code", "codeName") from any error value.
func errorReplyFields(err error) (errmsg string, code int32, codeName string) {
	var kc *KeyConflictError
	if ke, ok := err.(*KeyConflictError); ok {
		kc = ke
		return kc.Error(), 0, ""
	}
	e, ok := err.(*Error)
	if !ok {
		return err.Error(), 0, ""
	}
	switch e.Kind {
	case KindUnknownCommand:
		return e.Message, CommandNotFound, "CommandNotFound"
	case KindStorageAlreadyExists:
		return e.Message, e.Code, "NamespaceExists"
	default:
		return e.Message, e.Code, ""
	}
}
