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

// Request executor. Iterates a LoadBalancingPolicy's query plan,
// dispatching one attempt per host with retry and speculative execution
// orchestration layered on top, and folds UNPREPARED recovery and the
// idempotence guard into the per-host retry loop.

import (
	"context"
	"sync"
	"time"

	"github.com/wideql/wideql/internal/frame"
)

// maxSameHostRetries bounds how many times a single host attempt may be
// retried before the executor gives up on that host and lets the plan
// move on, even if a RetryPolicy would otherwise keep saying
// RetrySameHost — this is a backstop against a misbehaving policy
// causing an infinite loop, not a spec-level limit.
const maxSameHostRetries = 10

// Executor drives one Cluster's request dispatch. A Session is a thin
// wrapper that forwards to this type.
type Executor struct {
	pools    *ConnPoolSet
	metadata *Metadata
	prepared *PreparedRegistry

	lb    LoadBalancingPolicy
	retry RetryPolicy
	spec  SpeculativeExecutionPolicy
	ts    TimestampGenerator

	defaultConsistency Consistency
	requestTimeout     time.Duration
	logger             StdLogger
}

func NewExecutor(pools *ConnPoolSet, metadata *Metadata, prepared *PreparedRegistry, lb LoadBalancingPolicy, retry RetryPolicy, spec SpeculativeExecutionPolicy, ts TimestampGenerator, defaultConsistency Consistency, requestTimeout time.Duration, logger StdLogger) *Executor {
	if logger == nil {
		logger = nopLogger{}
	}
	if spec == nil {
		spec = NoSpeculativeExecution{}
	}
	return &Executor{
		pools: pools, metadata: metadata, prepared: prepared,
		lb: lb, retry: retry, spec: spec, ts: ts,
		defaultConsistency: defaultConsistency, requestTimeout: requestTimeout, logger: logger,
	}
}

type attemptOutcome struct {
	res  *ResultSet
	err  error
	host *Host
}

// Execute runs req to completion: one winning attempt, or a
// NoHostAvailable aggregating every host's terminal error.
func (e *Executor) Execute(ctx context.Context, req request) (*ResultSet, error) {
	snap := e.metadata.Current()
	plan := e.lb.Plan(req.statementKeyspace(), req.statementPartitionKey(), snap)

	attemptCtx, cancelAttempts := context.WithCancel(ctx)
	defer cancelAttempts()

	results := make(chan attemptOutcome, 4)
	var wg sync.WaitGroup
	stopLaunching := make(chan struct{})
	var stopOnce sync.Once

	attemptIdx := 0
	go func() {
		for {
			host := plan.Next()
			if host == nil {
				return
			}
			wg.Add(1)
			go func(h *Host) {
				defer wg.Done()
				outcome := e.runHostAttempts(attemptCtx, h, req)
				select {
				case results <- outcome:
				case <-attemptCtx.Done():
				}
			}(host)

			if !req.isIdempotent() {
				return
			}
			delay, ok := e.spec.Delay(attemptIdx)
			attemptIdx++
			if !ok {
				return
			}
			timer := time.NewTimer(delay)
			select {
			case <-stopLaunching:
				timer.Stop()
				return
			case <-attemptCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	errs := make(map[string]error)
	for outcome := range results {
		if outcome.err == nil {
			stopOnce.Do(func() { close(stopLaunching) })
			cancelAttempts()
			return outcome.res, nil
		}
		if outcome.host != nil {
			errs[outcome.host.ConnectAddress()] = outcome.err
		}
	}
	stopOnce.Do(func() { close(stopLaunching) })

	if len(errs) == 0 {
		return nil, ErrNoHosts
	}
	return nil, &NoHostAvailable{Errors: errs}
}

// runHostAttempts retries req against a single host per the RetryPolicy's
// decisions until it succeeds, exhausts its retry budget, or hits a
// non-retriable error.
func (e *Executor) runHostAttempts(ctx context.Context, host *Host, req request) attemptOutcome {
	var lastErr error
	for attemptNum := 0; attemptNum < maxSameHostRetries; attemptNum++ {
		res, retryErr, decision, retryConsistency := e.attemptOnce(ctx, host, req, attemptNum)
		if retryErr == nil {
			return attemptOutcome{res: res, host: host}
		}
		lastErr = retryErr

		switch decision {
		case RetrySameHost:
			req = withConsistency(req, retryConsistency)
			continue
		case RetryIgnore:
			return attemptOutcome{host: host}
		case RetryNextHost:
			return attemptOutcome{err: lastErr, host: host}
		default: // RetryRethrow
			return attemptOutcome{err: lastErr, host: host}
		}
	}
	return attemptOutcome{err: lastErr, host: host}
}

// attemptOnce dispatches req to host exactly once, consulting the
// registry for UNPREPARED recovery and the RetryPolicy for every other
// failure mode.
func (e *Executor) attemptOnce(ctx context.Context, host *Host, req request, attemptNum int) (*ResultSet, error, RetryDecision, Consistency) {
	conn, err := e.pools.ConnFor(host)
	if err != nil {
		return nil, err, RetryNextHost, 0
	}

	cons := e.defaultConsistency
	switch v := req.(type) {
	case *Query:
		if v.Consistency != 0 {
			cons = v.Consistency
		}
	case *BoundStatement:
		if v.Consistency != 0 {
			cons = v.Consistency
		}
	}

	var ts int64
	hasTS := false
	if e.ts != nil {
		ts = e.ts.Next()
		hasTS = true
	}

	body := req.frameBody(cons, ts, hasTS)
	op, respBody, execErr := conn.Exec(ctx, req.frameOp(), body, e.requestTimeout)
	if execErr != nil {
		decision, retryCons := e.retry.OnRequestError(execErr, attemptNum, req.isIdempotent())
		return nil, execErr, decision, retryCons
	}

	switch op {
	case frame.OpResult:
		return e.decodeResult(respBody), nil, 0, 0

	case frame.OpError:
		reqErr := decodeRequestError(respBody, host.ConnectAddress())

		if reqErr.Kind == ErrKindUnprepared {
			if bound, ok := req.(*BoundStatement); ok {
				if prepErr := e.prepared.EnsurePreparedOnHost(ctx, host, bound.Stmt); prepErr == nil {
					return nil, reqErr, RetrySameHost, cons
				}
			}
			return nil, reqErr, RetryNextHost, cons
		}

		if !reqErr.Retriable() {
			return nil, reqErr, RetryRethrow, cons
		}

		switch reqErr.Kind {
		case ErrKindReadTimeout:
			decision, retryCons := e.retry.OnReadTimeout(reqErr, attemptNum)
			return nil, reqErr, decision, retryCons
		case ErrKindWriteTimeout:
			decision, retryCons := e.retry.OnWriteTimeout(reqErr, attemptNum, req.isIdempotent())
			return nil, reqErr, decision, retryCons
		case ErrKindUnavailable:
			decision, retryCons := e.retry.OnUnavailable(reqErr, attemptNum)
			return nil, reqErr, decision, retryCons
		default:
			decision, retryCons := e.retry.OnRequestError(reqErr, attemptNum, req.isIdempotent())
			return nil, reqErr, decision, retryCons
		}

	default:
		return nil, newProtocolError("unexpected response opcode %s to %s", op, req.describeForError()), RetryRethrow, cons
	}
}

// withConsistency returns a copy of req with its consistency overridden,
// used when a RetryPolicy downgrades consistency for a same-host retry.
// A copy is made (not an in-place mutation) so the downgrade doesn't
// leak into the caller's statement across separate Execute calls.
func withConsistency(req request, c Consistency) request {
	if c == 0 {
		return req
	}
	switch v := req.(type) {
	case *Query:
		cp := *v
		cp.Consistency = c
		return &cp
	case *BoundStatement:
		cp := *v
		cp.Consistency = c
		return &cp
	default:
		return req
	}
}

func (e *Executor) decodeResult(body []byte) *ResultSet {
	switch decodeResultKind(body) {
	case resultKindRows:
		rows, err := decodeRowsResult(body)
		if err != nil {
			return &ResultSet{}
		}
		return &ResultSet{Columns: rows.columns, Rows: rows.rows}
	case resultKindSetKeyspace:
		return &ResultSet{Keyspace: decodeSetKeyspaceResult(body)}
	default:
		return &ResultSet{}
	}
}

// --- Session wiring ---------------------------------------------------

// Execute dispatches a Query or BoundStatement through the cluster's
// executor.
func (s *Session) Execute(ctx context.Context, stmt *Query) (*ResultSet, error) {
	return s.cluster.executor.Execute(ctx, stmt)
}

// ExecuteBound dispatches a prepared statement invocation.
func (s *Session) ExecuteBound(ctx context.Context, stmt *BoundStatement) (*ResultSet, error) {
	return s.cluster.executor.Execute(ctx, stmt)
}

// Prepare registers cql (optionally scoped to keyspace) with the
// cluster-wide prepared-statement registry, preparing it against one
// live host synchronously; the registry then prepares it on the other
// Up hosts in the background.
func (s *Session) Prepare(ctx context.Context, keyspace, cql string) (*PreparedStatement, error) {
	snap := s.cluster.metadata.Current()
	plan := s.cluster.executor.lb.Plan(keyspace, nil, snap)
	for {
		host := plan.Next()
		if host == nil {
			return nil, ErrNoHosts
		}
		conn, err := s.cluster.pools.ConnFor(host)
		if err != nil {
			continue
		}
		return s.cluster.prepared.Prepare(ctx, conn, keyspace, cql, 0)
	}
}

// Close releases this session's reference on its Cluster. A Session
// does not own the Cluster's connections; Cluster.Shutdown is what
// actually tears them down.
func (s *Session) Close() {}
