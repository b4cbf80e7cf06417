/*
 * Licensed to the Apache Software Foundation (ASF) under one
 * or more contributor license agreements.  See the NOTICE file
 * distributed with this work for additional information
 * regarding copyright ownership.  The ASF licenses this file
 * to you under the Apache License, Version 2.0 (the
 * "License"); you may not use this file except in compliance
 * with the License.  You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package wideql

// Statement construction. Bind-value marshaling (turning a Go value
// into its CQL wire encoding) is left to the caller: callers supply
// already-encoded parameter bytes, and this runtime only ever frames,
// dispatches, and retries the request.

import (
	"github.com/wideql/wideql/internal/frame"
)

const (
	queryFlagValues            byte = 0x01
	queryFlagSkipMetadata       byte = 0x02
	queryFlagWithPagingState    byte = 0x08
	queryFlagWithSerialConsist  byte = 0x10
	queryFlagWithDefaultTS      byte = 0x20
)

// request is what the executor needs from any statement kind to build
// and route one attempt.
type request interface {
	frameOp() frame.Op
	frameBody(consistency Consistency, timestamp int64, hasTimestamp bool) []byte
	statementKeyspace() string
	statementPartitionKey() []byte
	isIdempotent() bool
	describeForError() string
}

// Query is an unprepared statement sent via OpQuery. Values, if any,
// must already be wire-encoded.
type Query struct {
	CQL          string
	Keyspace     string
	PartitionKey []byte
	Values       [][]byte
	Consistency  Consistency
	Idempotent   bool
	PagingState  []byte
}

func (q *Query) frameOp() frame.Op { return frame.OpQuery }

func (q *Query) frameBody(consistency Consistency, timestamp int64, hasTimestamp bool) []byte {
	var body []byte
	body = frame.AppendLongString(body, q.CQL)
	body = frame.AppendShort(body, uint16(consistency))

	flags := byte(0)
	if len(q.Values) > 0 {
		flags |= queryFlagValues
	}
	if q.PagingState != nil {
		flags |= queryFlagWithPagingState
	}
	if hasTimestamp {
		flags |= queryFlagWithDefaultTS
	}
	body = frame.AppendByte(body, flags)

	if len(q.Values) > 0 {
		body = frame.AppendShort(body, uint16(len(q.Values)))
		for _, v := range q.Values {
			body = frame.AppendBytes(body, v)
		}
	}
	if q.PagingState != nil {
		body = frame.AppendBytes(body, q.PagingState)
	}
	if hasTimestamp {
		body = frame.AppendLong(body, timestamp)
	}
	return body
}

func (q *Query) statementKeyspace() string      { return q.Keyspace }
func (q *Query) statementPartitionKey() []byte  { return q.PartitionKey }
func (q *Query) isIdempotent() bool             { return q.Idempotent }
func (q *Query) describeForError() string       { return q.CQL }

// BoundStatement executes a previously prepared statement via OpExecute,
// identified by its registry entry (Component H) rather than a raw id,
// so the executor can transparently re-prepare on ErrKindUnprepared.
type BoundStatement struct {
	Stmt         *PreparedStatement
	Keyspace     string
	PartitionKey []byte
	Values       [][]byte
	Consistency  Consistency
	Idempotent   bool
	PagingState  []byte
}

func (b *BoundStatement) frameOp() frame.Op { return frame.OpExecute }

func (b *BoundStatement) frameBody(consistency Consistency, timestamp int64, hasTimestamp bool) []byte {
	var body []byte
	body = frame.AppendShortBytes(body, b.Stmt.id())
	body = frame.AppendShort(body, uint16(consistency))

	flags := queryFlagValues
	if b.PagingState != nil {
		flags |= queryFlagWithPagingState
	}
	if hasTimestamp {
		flags |= queryFlagWithDefaultTS
	}
	body = frame.AppendByte(body, flags)

	body = frame.AppendShort(body, uint16(len(b.Values)))
	for _, v := range b.Values {
		body = frame.AppendBytes(body, v)
	}
	if b.PagingState != nil {
		body = frame.AppendBytes(body, b.PagingState)
	}
	if hasTimestamp {
		body = frame.AppendLong(body, timestamp)
	}
	return body
}

func (b *BoundStatement) statementKeyspace() string     { return b.Keyspace }
func (b *BoundStatement) statementPartitionKey() []byte { return b.PartitionKey }
func (b *BoundStatement) isIdempotent() bool            { return b.Idempotent }
func (b *BoundStatement) describeForError() string      { return b.Stmt.cql }

// ResultSet is the decoded form of a RESULT response an executed
// statement produced. Row/column value decoding stays at the caller's
// discretion: this runtime exposes raw column bytes plus column names,
// not typed Go values.
type ResultSet struct {
	Columns     []string
	Rows        [][][]byte
	PagingState []byte
	Keyspace    string // set on SET_KEYSPACE results
}

// Session is the user-facing handle bound to one Cluster: it delegates
// every request to the executor (Component G). Its Execute/Prepare/Close methods are defined
// in executor.go, next to the dispatch loop they drive.
type Session struct {
	cluster *Cluster
}
