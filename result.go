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

// Decoding for the two RESULT/ERROR response bodies every component in
// this repo needs to understand, independent of row/column marshaling:
// coordinator ERROR responses, and enough of RESULT to recognize
// SET_KEYSPACE, SCHEMA_CHANGE and PREPARED without parsing row contents.

import (
	"github.com/wideql/wideql/internal/frame"
)

// Error codes from the native protocol's ERROR body.
const (
	errCodeServerError     = 0x0000
	errCodeProtocolError   = 0x000A
	errCodeBadCredentials  = 0x0100
	errCodeUnavailable     = 0x1000
	errCodeOverloaded      = 0x1001
	errCodeBootstrapping   = 0x1002
	errCodeTruncateError   = 0x1003
	errCodeWriteTimeout    = 0x1100
	errCodeReadTimeout     = 0x1200
	errCodeReadFailure     = 0x1300
	errCodeFunctionFailure = 0x1400
	errCodeWriteFailure    = 0x1500
	errCodeSyntaxError     = 0x2000
	errCodeUnauthorized    = 0x2100
	errCodeInvalid         = 0x2200
	errCodeConfigError     = 0x2300
	errCodeAlreadyExists   = 0x2400
	errCodeUnprepared      = 0x2500
)

// decodeRequestError parses a coordinator ERROR frame body into a
// *RequestError, including the kind-specific trailing fields retry
// policies (Component F) key off of.
func decodeRequestError(body []byte, host string) *RequestError {
	r := frame.NewReader(body)
	code := r.ReadInt()
	msg := r.ReadString()

	re := &RequestError{Message: msg, Host: host}

	switch code {
	case errCodeServerError:
		re.Kind = ErrKindServer
	case errCodeProtocolError:
		re.Kind = ErrKindProtocol
	case errCodeBadCredentials:
		re.Kind = ErrKindBadCredentials
	case errCodeUnavailable:
		re.Kind = ErrKindUnavailable
		re.Consistency = Consistency(r.ReadShort())
		re.BlockFor = int(r.ReadInt())
		re.Received = int(r.ReadInt())
	case errCodeOverloaded:
		re.Kind = ErrKindOverloaded
	case errCodeBootstrapping:
		re.Kind = ErrKindBootstrapping
	case errCodeTruncateError:
		re.Kind = ErrKindTruncate
	case errCodeWriteTimeout:
		re.Kind = ErrKindWriteTimeout
		re.Consistency = Consistency(r.ReadShort())
		re.Received = int(r.ReadInt())
		re.BlockFor = int(r.ReadInt())
		re.WriteType = r.ReadString()
	case errCodeReadTimeout:
		re.Kind = ErrKindReadTimeout
		re.Consistency = Consistency(r.ReadShort())
		re.Received = int(r.ReadInt())
		re.BlockFor = int(r.ReadInt())
		re.DataPresent = r.ReadByte() != 0
	case errCodeReadFailure:
		re.Kind = ErrKindReadFailure
		re.Consistency = Consistency(r.ReadShort())
		re.Received = int(r.ReadInt())
		re.BlockFor = int(r.ReadInt())
		re.NumFailures = int(r.ReadInt())
		re.DataPresent = r.ReadByte() != 0
	case errCodeFunctionFailure:
		re.Kind = ErrKindFunctionFailure
	case errCodeWriteFailure:
		re.Kind = ErrKindWriteFailure
		re.Consistency = Consistency(r.ReadShort())
		re.Received = int(r.ReadInt())
		re.BlockFor = int(r.ReadInt())
		re.NumFailures = int(r.ReadInt())
		re.WriteType = r.ReadString()
	case errCodeSyntaxError:
		re.Kind = ErrKindSyntax
	case errCodeUnauthorized:
		re.Kind = ErrKindUnauthorized
	case errCodeInvalid:
		re.Kind = ErrKindInvalid
	case errCodeConfigError:
		re.Kind = ErrKindConfig
	case errCodeAlreadyExists:
		re.Kind = ErrKindAlreadyExists
	case errCodeUnprepared:
		re.Kind = ErrKindUnprepared
		re.UnpreparedID = r.ReadShortBytes()
	default:
		re.Kind = ErrKindServer
	}
	return re
}

// RESULT kinds; row/column marshaling beyond these is left to the
// caller.
const (
	resultKindVoid         int32 = 0x0001
	resultKindRows         int32 = 0x0002
	resultKindSetKeyspace  int32 = 0x0003
	resultKindPrepared     int32 = 0x0004
	resultKindSchemaChange int32 = 0x0005
)

// SchemaChange describes a SCHEMA_CHANGE result or event body; the
// control channel uses this to decide whether a topology/schema
// refresh is needed.
type SchemaChange struct {
	ChangeType string
	Target     string
	Keyspace   string
	Object     string
	Arguments  []string
}

// PreparedResult is the subset of a PREPARED RESULT body the prepared
// registry (Component H) needs: the opaque id and the bind-marker count,
// without decoding column types.
type PreparedResult struct {
	ID              []byte
	ResultMetadataID []byte
	BindMarkerCount int
}

// decodeResultKind reads just the 4-byte result kind without consuming
// the rest of the body, letting callers branch before choosing how (or
// whether) to parse further.
func decodeResultKind(body []byte) int32 {
	if len(body) < 4 {
		return resultKindVoid
	}
	return frame.ReadInt(body[:4])
}

// decodeSetKeyspaceResult extracts the keyspace name from a SET_KEYSPACE
// RESULT body.
func decodeSetKeyspaceResult(body []byte) string {
	r := frame.NewReader(body)
	r.ReadInt() // kind
	return r.ReadString()
}

// decodeSchemaChangeResult parses a SCHEMA_CHANGE RESULT or EVENT body.
// The leading result-kind int32 is present on RESULT bodies but absent on
// EVENT bodies; callers pass hasKind accordingly.
func decodeSchemaChangeResult(body []byte, hasKind bool) SchemaChange {
	r := frame.NewReader(body)
	if hasKind {
		r.ReadInt()
	}
	sc := SchemaChange{ChangeType: r.ReadString(), Target: r.ReadString()}
	switch sc.Target {
	case "KEYSPACE":
		sc.Keyspace = r.ReadString()
	case "TABLE", "TYPE":
		sc.Keyspace = r.ReadString()
		sc.Object = r.ReadString()
	case "FUNCTION", "AGGREGATE":
		sc.Keyspace = r.ReadString()
		sc.Object = r.ReadString()
		sc.Arguments = r.ReadStringList()
	}
	return sc
}

// decodePreparedResult parses just the id and bind-marker-count fields
// of a PREPARED RESULT body; it does not decode column metadata.
func decodePreparedResult(body []byte) PreparedResult {
	r := frame.NewReader(body)
	r.ReadInt() // kind
	id := r.ReadShortBytes()

	var resultMetaID []byte
	// Protocol v5 adds a result-metadata-id short-bytes field here;
	// callers running v4 and below never see it because the codec
	// negotiates the wire version up front, so absence is detected by
	// whether bytes remain after reading the two metadata blocks below.

	flags := r.ReadInt()
	colCount := r.ReadInt()
	if flags&metadataFlagHasMorePages != 0 {
		r.ReadBytes() // paging state
	}
	if flags&metadataFlagNoMetadata == 0 {
		skipColumnSpecs(r, int(colCount), flags)
	}

	return PreparedResult{ID: id, ResultMetadataID: resultMetaID, BindMarkerCount: int(colCount)}
}

const metadataFlagGlobalTablesSpec = 0x0001
const metadataFlagHasMorePages = 0x0002
const metadataFlagNoMetadata = 0x0004

// skipColumnSpecs advances r past n column specifications without
// retaining them; this repo does not decode CQL type metadata.
func skipColumnSpecs(r *frameReader, n int, flags int32) {
	globalSpec := flags&metadataFlagGlobalTablesSpec != 0
	if globalSpec {
		r.ReadString() // global keyspace
		r.ReadString() // global table
	}
	for i := 0; i < n; i++ {
		if !globalSpec {
			r.ReadString() // keyspace
			r.ReadString() // table
		}
		r.ReadString() // column name
		skipTypeOption(r)
	}
}

// skipTypeOption advances r past one [option] type descriptor.
func skipTypeOption(r *frameReader) {
	id := r.ReadShort()
	switch id {
	case 0x0000: // custom
		r.ReadString()
	case 0x0022, 0x0020, 0x0021: // list, map, set carry nested options
		if id == 0x0021 { // map: key then value
			skipTypeOption(r)
			skipTypeOption(r)
		} else {
			skipTypeOption(r)
		}
	case 0x0030: // udt
		r.ReadString()
		r.ReadString()
		n := r.ReadShort()
		for i := 0; i < int(n); i++ {
			r.ReadString()
			skipTypeOption(r)
		}
	case 0x0031: // tuple
		n := r.ReadShort()
		for i := 0; i < int(n); i++ {
			skipTypeOption(r)
		}
	}
}

type frameReader = frame.Reader
