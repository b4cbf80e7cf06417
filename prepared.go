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

// Prepared-statement registry. A cluster-wide cache keyed by CQL text
// (and keyspace), so every host ends up with the matching
// server-assigned opaque id, with bounded-parallelism fan-out so a
// re-prepare-on-Up sweep never opens more than a handful of connections
// at once.

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/wideql/wideql/internal/frame"
)

const prepareFanOutLimit = 64

// PreparedStatement is a cluster-wide registry entry. Its id is
// per-host: the registry tracks one id per host address since the
// native protocol does not guarantee the same opaque id across the ring.
type PreparedStatement struct {
	cql      string
	keyspace string

	mu  sync.RWMutex
	ids map[string][]byte // host connect address -> id
}

// id returns any one known id for this statement. BoundStatement's
// EXECUTE body carries this id whichever host the attempt goes to; the
// per-host ids recorded by setID are not consulted when building it.
func (p *PreparedStatement) id() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, id := range p.ids {
		return id
	}
	return nil
}

func (p *PreparedStatement) idFor(hostAddr string) ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.ids[hostAddr]
	return id, ok
}

func (p *PreparedStatement) setID(hostAddr string, id []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ids == nil {
		p.ids = make(map[string][]byte)
	}
	p.ids[hostAddr] = id
}

// PreparedRegistry deduplicates concurrent PREPARE calls for the same
// (keyspace, CQL) pair and fans re-preparation out to every live host
// under a bounded-parallelism semaphore.
type PreparedRegistry struct {
	pools    *ConnPoolSet
	metadata *Metadata

	mu    sync.Mutex
	byKey map[string]*PreparedStatement

	inflight map[string]*prepareCall
	sem      *semaphore.Weighted
}

type prepareCall struct {
	done chan struct{}
	stmt *PreparedStatement
	err  error
}

func NewPreparedRegistry(pools *ConnPoolSet, metadata *Metadata) *PreparedRegistry {
	return &PreparedRegistry{
		pools:    pools,
		metadata: metadata,
		byKey:    make(map[string]*PreparedStatement),
		inflight: make(map[string]*prepareCall),
		sem:      semaphore.NewWeighted(prepareFanOutLimit),
	}
}

func registryKey(keyspace, cql string) string { return keyspace + "\x00" + cql }

// Prepare returns the registry entry for (keyspace, cql), preparing it
// against conn if this is the first time it's been seen. Concurrent
// callers for the same key share a single in-flight PREPARE
// (singleflight-by-key).
func (r *PreparedRegistry) Prepare(ctx context.Context, conn *Conn, keyspace, cql string, timeout int64) (*PreparedStatement, error) {
	key := registryKey(keyspace, cql)

	r.mu.Lock()
	if stmt, ok := r.byKey[key]; ok {
		if id, ok := stmt.idFor(conn.Host().ConnectAddress()); ok {
			r.mu.Unlock()
			_ = id
			return stmt, nil
		}
	}
	if call, ok := r.inflight[key]; ok {
		r.mu.Unlock()
		<-call.done
		return call.stmt, call.err
	}

	call := &prepareCall{done: make(chan struct{})}
	r.inflight[key] = call
	r.mu.Unlock()

	stmt, err := r.doPrepare(ctx, conn, keyspace, cql)

	r.mu.Lock()
	delete(r.inflight, key)
	if err == nil {
		r.byKey[key] = stmt
	}
	r.mu.Unlock()

	call.stmt, call.err = stmt, err
	close(call.done)

	if err == nil {
		go r.fanOutToUpHosts(stmt, conn.Host())
	}
	return stmt, err
}

// fanOutToUpHosts best-effort PREPAREs stmt against every other
// currently-Up host, bounded by the same fan-out semaphore ReprepareOnUp
// uses, so a prepare on one host warms the rest of the ring in the
// background instead of leaving them to a lazy ErrKindUnprepared
// recovery on first use.
func (r *PreparedRegistry) fanOutToUpHosts(stmt *PreparedStatement, excludeHost *Host) {
	if r.metadata == nil {
		return
	}
	snap := r.metadata.Current()
	if snap == nil {
		return
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	for _, h := range snap.Hosts {
		if h == excludeHost || !h.IsUp() {
			continue
		}
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		go func(h *Host) {
			defer wg.Done()
			defer r.sem.Release(1)
			_ = r.EnsurePreparedOnHost(ctx, h, stmt)
		}(h)
	}
	wg.Wait()
}

func (r *PreparedRegistry) doPrepare(ctx context.Context, conn *Conn, keyspace, cql string) (*PreparedStatement, error) {
	var body []byte
	body = frame.AppendLongString(body, cql)
	if keyspace != "" {
		body = frame.AppendByte(body, 0x01) // PREPARE flag: with keyspace
		body = frame.AppendString(body, keyspace)
	} else {
		body = frame.AppendByte(body, 0x00)
	}

	op, respBody, err := conn.Exec(ctx, frame.OpPrepare, body, 0)
	if err != nil {
		return nil, err
	}
	if op == frame.OpError {
		return nil, decodeRequestError(respBody, conn.Host().ConnectAddress())
	}
	if op != frame.OpResult || decodeResultKind(respBody) != resultKindPrepared {
		return nil, newProtocolError("unexpected response to PREPARE: %s", op)
	}

	prepared := decodePreparedResult(respBody)
	stmt := &PreparedStatement{cql: cql, keyspace: keyspace}
	stmt.setID(conn.Host().ConnectAddress(), prepared.ID)
	return stmt, nil
}

// EnsurePreparedOnHost re-prepares stmt against a specific host's pool
// if it doesn't already carry an id for that host, used both by the
// executor's ErrKindUnprepared recovery path and by ReprepareOnUp.
func (r *PreparedRegistry) EnsurePreparedOnHost(ctx context.Context, host *Host, stmt *PreparedStatement) error {
	if _, ok := stmt.idFor(host.ConnectAddress()); ok {
		return nil
	}
	conn, err := r.pools.ConnFor(host)
	if err != nil {
		return err
	}
	_, err = r.doPrepareOnto(ctx, conn, stmt)
	return err
}

func (r *PreparedRegistry) doPrepareOnto(ctx context.Context, conn *Conn, stmt *PreparedStatement) (*PreparedStatement, error) {
	fresh, err := r.doPrepare(ctx, conn, stmt.keyspace, stmt.cql)
	if err != nil {
		return nil, err
	}
	id, _ := fresh.idFor(conn.Host().ConnectAddress())
	stmt.setID(conn.Host().ConnectAddress(), id)
	return stmt, nil
}

// ReprepareOnUp fans every known prepared statement out to a
// newly-reachable host, bounded to prepareFanOutLimit concurrent PREPARE
// calls so a large statement cache doesn't open a connection storm.
func (r *PreparedRegistry) ReprepareOnUp(ctx context.Context, host *Host) {
	r.mu.Lock()
	stmts := make([]*PreparedStatement, 0, len(r.byKey))
	for _, s := range r.byKey {
		stmts = append(stmts, s)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, stmt := range stmts {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		go func(stmt *PreparedStatement) {
			defer wg.Done()
			defer r.sem.Release(1)
			if err := r.EnsurePreparedOnHost(ctx, host, stmt); err != nil {
				// Best-effort: a failed re-prepare here just means the
				// executor falls back to a lazy PREPARE on first use.
				return
			}
		}(stmt)
	}
	wg.Wait()
}
