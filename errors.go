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

import "fmt"

// Sentinel errors for conditions that are not coordinator responses.
var (
	ErrNoStreams           = newErr("no streams available on connection")
	ErrConnectionClosed    = newErr("connection closed waiting for response")
	ErrHostDown            = newErr("host is down or not in the pool")
	ErrNoConnectionsInPool = newErr("host pool has no usable connections")
	ErrNoPool              = newErr("no connection pool exists for host")
	ErrNoHosts             = newErr("no hosts provided or resolved for contact points")
	ErrClusterClosing      = newErr("cluster is closing")
	ErrClusterDisposed     = newErr("cluster has been shut down")
	ErrUnsupportedProtocol = newErr("server does not support any mutually acceptable protocol version")
	ErrFrameTooLarge       = newErr("frame length exceeds configured maximum")
	ErrSegmentChecksum     = newErr("segment CRC32C checksum mismatch")
)

func newErr(msg string) error { return &driverError{msg: msg} }

type driverError struct{ msg string }

func (e *driverError) Error() string { return "wideql: " + e.msg }

// ErrorKind classifies a coordinator ERROR response or a locally
// detected failure into the externally visible kinds callers switch on.
type ErrorKind int

const (
	ErrKindServer ErrorKind = iota
	ErrKindProtocol
	ErrKindBadCredentials
	ErrKindUnavailable
	ErrKindOverloaded
	ErrKindBootstrapping
	ErrKindTruncate
	ErrKindWriteTimeout
	ErrKindReadTimeout
	ErrKindReadFailure
	ErrKindFunctionFailure
	ErrKindWriteFailure
	ErrKindSyntax
	ErrKindUnauthorized
	ErrKindInvalid
	ErrKindConfig
	ErrKindAlreadyExists
	ErrKindUnprepared
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindServer:
		return "ServerError"
	case ErrKindProtocol:
		return "ProtocolError"
	case ErrKindBadCredentials:
		return "AuthenticationFailed"
	case ErrKindUnavailable:
		return "Unavailable"
	case ErrKindOverloaded:
		return "Overloaded"
	case ErrKindBootstrapping:
		return "IsBootstrapping"
	case ErrKindTruncate:
		return "TruncateError"
	case ErrKindWriteTimeout:
		return "WriteTimeout"
	case ErrKindReadTimeout:
		return "ReadTimeout"
	case ErrKindReadFailure:
		return "ReadFailure"
	case ErrKindFunctionFailure:
		return "FunctionFailure"
	case ErrKindWriteFailure:
		return "WriteFailure"
	case ErrKindSyntax:
		return "SyntaxError"
	case ErrKindUnauthorized:
		return "Unauthorized"
	case ErrKindInvalid:
		return "InvalidQuery"
	case ErrKindConfig:
		return "ConfigError"
	case ErrKindAlreadyExists:
		return "AlreadyExists"
	case ErrKindUnprepared:
		return "Unprepared"
	default:
		return "Unknown"
	}
}

// RequestError is a coordinator ERROR response mapped to a Go error. Retry
// policies switch on Kind; Host identifies the coordinator that produced
// the error so NoHostAvailable can report per-host detail.
type RequestError struct {
	Kind    ErrorKind
	Message string
	Host    string

	Consistency Consistency
	Received    int
	BlockFor    int
	NumFailures int
	WriteType   string
	DataPresent bool

	// UnpreparedID is populated when Kind == ErrKindUnprepared; the
	// executor looks this up in the prepared registry.
	UnpreparedID []byte
}

func (e *RequestError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("wideql: %s from %s: %s", e.Kind, e.Host, e.Message)
	}
	return fmt.Sprintf("wideql: %s: %s", e.Kind, e.Message)
}

// Retriable reports whether this error kind is ever eligible for a retry
// decision; misuse-class errors are surfaced immediately instead.
func (e *RequestError) Retriable() bool {
	switch e.Kind {
	case ErrKindSyntax, ErrKindInvalid, ErrKindUnauthorized, ErrKindConfig, ErrKindAlreadyExists:
		return false
	default:
		return true
	}
}

// QueryError wraps any error returned from a single network attempt,
// additionally recording whether the request may have reached the
// coordinator (and thus whether a non-idempotent retry would risk
// duplicating effects).
type QueryError struct {
	Err                 error
	PotentiallyExecuted bool
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s (potentially executed: %v)", e.Err.Error(), e.PotentiallyExecuted)
}

func (e *QueryError) Unwrap() error { return e.Err }

// NoHostAvailable is returned when a query plan is exhausted without a
// successful attempt; plan exhaustion is always terminal, never retried
// again at a higher level.
type NoHostAvailable struct {
	// Errors maps a host's connect address to the last error observed
	// against it during this request.
	Errors map[string]error
}

func (e *NoHostAvailable) Error() string {
	return fmt.Sprintf("wideql: no hosts available in the query plan, tried %d host(s)", len(e.Errors))
}

// ProtocolError marks a codec- or handshake-level violation that is
// always fatal to the connection.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return "wideql: protocol error: " + e.Message }

func newProtocolError(format string, args ...interface{}) error {
	return &ProtocolError{Message: fmt.Sprintf(format, args...)}
}

// AuthenticationError is returned when SASL-style authentication fails
// either because no Authenticator was configured or the server rejected
// the challenge response.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string { return "wideql: authentication failed: " + e.Message }
