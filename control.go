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

// Control channel. One dedicated Connection per cluster that REGISTERs
// for topology/status/schema EVENTs and owns every metadata refresh,
// debounced so a burst of events collapses into one discovery
// round-trip.

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/wideql/wideql/debounce"
	"github.com/wideql/wideql/events"
	"github.com/wideql/wideql/internal/frame"
)

var registerEventTypes = []string{"TOPOLOGY_CHANGE", "STATUS_CHANGE", "SCHEMA_CHANGE"}

// controlConnState mirrors the control connection's lifecycle:
// Starting -> Started -> Closed. Reconnection has no state of its own.
type controlConnState int32

const (
	controlStarting controlConnState = iota
	controlStarted
	controlClosed
)

// controlConn owns the dedicated control connection and every
// topology/schema refresh.
type controlConn struct {
	connCfg      *ConnConfig
	metadata     *Metadata
	reconnPolicy ReconnectionPolicy
	logger       StdLogger
	port         int

	candidateHosts func() []*Host

	mu    sync.RWMutex
	conn  *Conn
	state controlConnState

	refresher *debounce.RefreshDebouncer

	quit      chan struct{}
	closeOnce sync.Once
}

func newControlConn(connCfg *ConnConfig, metadata *Metadata, reconnPolicy ReconnectionPolicy, logger StdLogger, port int, candidateHosts func() []*Host) *controlConn {
	if logger == nil {
		logger = nopLogger{}
	}
	c := &controlConn{
		connCfg:        connCfg,
		metadata:       metadata,
		reconnPolicy:   reconnPolicy,
		logger:         logger,
		port:           port,
		candidateHosts: candidateHosts,
		quit:           make(chan struct{}),
	}
	c.refresher = debounce.NewRefreshDebouncer(time.Second, func() error {
		return c.refreshNow(context.Background())
	})
	return c
}

// connect dials the first reachable candidate host, REGISTERs for
// events, and performs the initial discovery refresh. REGISTER happens
// before the first refresh so no topology event landing between the two
// steps can be missed.
func (c *controlConn) connect(ctx context.Context) error {
	candidates := c.candidateHosts()
	if len(candidates) == 0 {
		return ErrNoHosts
	}

	var lastErr error
	for _, h := range candidates {
		conn, err := DialConn(ctx, h, c.connCfg, c, c.handleEvent)
		if err != nil {
			lastErr = err
			continue
		}
		if err := conn.SendRegister(ctx, registerEventTypes, c.connCfg.ConnectTimeout); err != nil {
			conn.Close()
			lastErr = err
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.state = controlStarted
		c.mu.Unlock()

		if err := c.refreshNow(ctx); err != nil {
			c.logger.Printf("wideql: initial control refresh failed: %v", err)
		}
		return nil
	}
	return lastErr
}

// HandleError implements ConnErrorHandler: losing the control connection
// triggers reconnection to the next candidate host.
func (c *controlConn) HandleError(conn *Conn, err error, closed bool) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	select {
	case <-c.quit:
		return
	default:
	}
	go c.reconnectLoop()
}

func (c *controlConn) reconnectLoop() {
	schedule := c.reconnPolicy.NewSchedule()
	for {
		select {
		case <-c.quit:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.connCfg.ConnectTimeout*2)
		err := c.connect(ctx)
		cancel()
		if err == nil {
			return
		}
		c.logger.Printf("wideql: control connection reconnect failed: %v", err)

		delay := schedule.NextDelay()
		timer := time.NewTimer(delay)
		select {
		case <-c.quit:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// handleEvent decodes an EVENT body and schedules a debounced refresh;
// it does not refresh inline so a storm of events from a flapping host
// collapses into a single discovery round.
func (c *controlConn) handleEvent(op frame.Op, body []byte) {
	if op != frame.OpEvent {
		return
	}
	r := frame.NewReader(body)
	evType := events.Type(r.ReadString())

	switch evType {
	case events.StatusChange:
		status := r.ReadString()
		ip, port := r.ReadInet()
		c.applyStatusChange(status, ip, port)
		// Status changes don't need a full topology refresh; up/down is
		// applied directly against the existing Host, if known.
	case events.TopologyChange:
		c.refresher.Debounce()
	case events.SchemaChange:
		c.refresher.Debounce()
	}
}

func (c *controlConn) applyStatusChange(status string, ip net.IP, port int) {
	snap := c.metadata.Current()
	addr := net.JoinHostPort(ip.String(), itoa(port))
	h, ok := snap.Hosts[addr]
	if !ok {
		return
	}
	if status == "UP" {
		c.metadata.MarkUp(h)
	} else {
		c.metadata.MarkDown(h)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// refreshNow queries system.local, system.peers, and
// system_schema.keyspaces over the control connection and republishes a
// new Metadata snapshot.
func (c *controlConn) refreshNow(ctx context.Context) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrConnectionClosed
	}

	localRows, err := c.query(ctx, conn, queryLocal)
	if err != nil {
		return err
	}
	peerRows, err := c.query(ctx, conn, queryPeers)
	if err != nil {
		return err
	}
	ksRows, err := c.query(ctx, conn, queryKeyspaces)
	if err != nil {
		return err
	}

	var hosts []*Host
	partitionerName := ""
	if len(localRows.rows) > 0 {
		localIP := connIPOf(conn)
		h, part := hostFromLocalRow(localRows, localRows.rows[0], localIP)
		partitionerName = part
		hosts = append(hosts, h)
	}
	for _, row := range peerRows.rows {
		hosts = append(hosts, hostFromPeerRow(peerRows, row, c.port))
	}

	keyspaces := keyspacesFromRows(ksRows)

	var partitioner Partitioner = murmur3Partitioner{}
	_ = partitionerName // only murmur3 is implemented; the reported partitioner name is not checked

	c.metadata.ApplyDiscovery(hosts, keyspaces, partitioner)
	return nil
}

func connIPOf(conn *Conn) net.IP {
	return conn.Host().ConnectIP
}

func (c *controlConn) query(ctx context.Context, conn *Conn, query string) (*rowsResult, error) {
	body := encodeQueryBody(query, One)
	op, respBody, err := conn.Exec(ctx, frame.OpQuery, body, c.connCfg.ReadTimeout)
	if err != nil {
		return nil, err
	}
	if op == frame.OpError {
		return nil, decodeRequestError(respBody, conn.Host().ConnectAddress())
	}
	if op != frame.OpResult {
		return nil, newProtocolError("unexpected response to internal query %q: %s", query, op)
	}
	if decodeResultKind(respBody) != resultKindRows {
		return &rowsResult{}, nil
	}
	return decodeRowsResult(respBody)
}

// AwaitSchemaAgreement polls system.local.schema_version every 200ms
// until the query returns a row or the deadline passes. It does not
// compare the value against system.peers, so it does not establish
// cross-node agreement.
func (c *controlConn) AwaitSchemaAgreement(ctx context.Context, timeout time.Duration) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrConnectionClosed
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		rows, err := c.query(ctx, conn, querySchemaChangeID)
		if err == nil && len(rows.rows) > 0 {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return newErr("schema agreement timed out")
}

// Close tears down the control connection and stops its refresh timer.
func (c *controlConn) Close() {
	c.closeOnce.Do(func() {
		close(c.quit)
		c.refresher.Stop()

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.state = controlClosed
		c.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
	})
}
