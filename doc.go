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

// Package docbridge implements a wire-compatible front-end for a
// document-database client protocol, backed by a PostgreSQL JSONB column
// instead of a native document store.
//
// A Server accepts the client's binary framed messages (wire.go), decodes
// the document-oriented command they carry (value.go, command.go), compiles
// it into SQL over a JSONB column (path.go, filter.go, update.go,
// aggregate.go), executes it against a pooled PostgreSQL connection
// (storage.go) and replies using the same binary framing.
package docbridge
