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

// Metadata store: hosts, topology, and the token ring are published as
// immutable snapshots under an RCU discipline. Readers take a snapshot
// with no locking, and the control channel is the only writer, swapping
// in a new snapshot atomically and notifying observers afterward.

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// NodeState is whether a host is currently considered reachable.
type NodeState int32

const (
	NodeUp NodeState = iota
	NodeDown
)

func (s NodeState) String() string {
	if s == NodeUp {
		return "UP"
	}
	return "DOWN"
}

// HostDistance classifies a host relative to the driver's configured
// local datacenter, and drives pool sizing (Component C).
type HostDistance int

const (
	Local HostDistance = iota
	Remote
	Ignored
)

// Host is one cluster member. Fields set at discovery time are
// immutable; State and Distance are updated in place via atomics since
// they change far more often than identity or topology fields, and
// forcing a full Host copy on every up/down flap would make the
// snapshot-swap path needlessly hot.
type Host struct {
	HostID uuid.UUID

	ConnectIP   net.IP
	BroadcastIP net.IP
	RPCAddress  net.IP
	Port        int

	DataCenter string
	Rack       string

	Tokens      []string
	Partitioner string

	CQLVersion     string
	ReleaseVersion string

	state    atomic.Int32
	distance atomic.Int32
}

// NewHost builds a Host in the Up, Local state; callers adjust distance
// once a LoadBalancing policy has classified it.
func NewHost(id uuid.UUID, connectIP net.IP, port int) *Host {
	h := &Host{HostID: id, ConnectIP: connectIP, Port: port}
	h.state.Store(int32(NodeUp))
	h.distance.Store(int32(Local))
	return h
}

func (h *Host) ConnectAddress() string {
	return net.JoinHostPort(h.ConnectIP.String(), fmt.Sprintf("%d", h.Port))
}

func (h *Host) State() NodeState        { return NodeState(h.state.Load()) }
func (h *Host) setState(s NodeState)    { h.state.Store(int32(s)) }
func (h *Host) Distance() HostDistance  { return HostDistance(h.distance.Load()) }
func (h *Host) SetDistance(d HostDistance) { h.distance.Store(int32(d)) }

func (h *Host) IsUp() bool { return h.State() == NodeUp }

// KeyspaceMetadata is the subset of schema metadata this runtime tracks
// to compute replica placement; it does not model tables, types, or
// functions.
type KeyspaceMetadata struct {
	Name            string
	StrategyClass   string
	StrategyOptions map[string]string
}

// Snapshot is one immutable view of the cluster: every Host known, plus
// keyspace replication metadata and the token ring built from it. A
// Snapshot is never mutated after publication — the Metadata store
// republishes a new one when anything changes.
type Snapshot struct {
	Revision  uint64
	Hosts     map[string]*Host // keyed by ConnectAddress
	Keyspaces map[string]*KeyspaceMetadata
	Ring      *TokenRing
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Hosts:     make(map[string]*Host),
		Keyspaces: make(map[string]*KeyspaceMetadata),
		Ring:      newTokenRing(nil, murmur3Partitioner{}),
	}
}

// MetadataEventKind distinguishes the observer callbacks Metadata fires.
type MetadataEventKind int

const (
	EventHostAdded MetadataEventKind = iota
	EventHostRemoved
	EventHostUp
	EventHostDown
	EventSchemaChanged
)

// MetadataObserver is notified after a new Snapshot is published. It
// must not block: Component E calls observers synchronously from its
// single refresh goroutine.
type MetadataObserver func(kind MetadataEventKind, host *Host, snapshot *Snapshot)

// Metadata is the cluster-wide store of hosts, keyspaces, and the token
// ring. It is safe for any number of concurrent readers; only the
// control channel calls the publish/update methods.
type Metadata struct {
	current atomic.Pointer[Snapshot]

	mu        sync.Mutex // serializes writers only
	observers []MetadataObserver
}

func NewMetadata() *Metadata {
	m := &Metadata{}
	m.current.Store(emptySnapshot())
	return m
}

// Current returns the latest published snapshot. Callers must not
// mutate it.
func (m *Metadata) Current() *Snapshot { return m.current.Load() }

// Subscribe registers an observer invoked after every successful
// publish. Subscribe itself is only ever called during setup from a
// single goroutine, so no locking is needed around the slice append
// beyond what mu already provides for writers.
func (m *Metadata) Subscribe(obs MetadataObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

func (m *Metadata) notify(kind MetadataEventKind, host *Host, snap *Snapshot) {
	for _, obs := range m.observers {
		obs(kind, host, snap)
	}
}

// ApplyDiscovery replaces the entire Host set (used after a full
// peers/local query) and republishes. Hosts absent
// from the new set fire EventHostRemoved; hosts not seen before fire
// EventHostAdded. The Host pointer for any host present in both the old
// and new sets is preserved, so its up/down state survives the refresh.
func (m *Metadata) ApplyDiscovery(discovered []*Host, keyspaces map[string]*KeyspaceMetadata, partitioner Partitioner) *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.current.Load()
	next := &Snapshot{
		Revision:  prev.Revision + 1,
		Hosts:     make(map[string]*Host, len(discovered)),
		Keyspaces: keyspaces,
	}
	if next.Keyspaces == nil {
		next.Keyspaces = make(map[string]*KeyspaceMetadata)
	}

	var added, kept []*Host
	for _, h := range discovered {
		addr := h.ConnectAddress()
		if existing, ok := prev.Hosts[addr]; ok {
			next.Hosts[addr] = existing
			kept = append(kept, existing)
		} else {
			next.Hosts[addr] = h
			added = append(added, h)
		}
	}

	var removed []*Host
	for addr, h := range prev.Hosts {
		if _, ok := next.Hosts[addr]; !ok {
			removed = append(removed, h)
		}
	}

	allTokens := make(map[*Host][]string, len(next.Hosts))
	for _, h := range next.Hosts {
		allTokens[h] = h.Tokens
	}
	next.Ring = newTokenRing(allTokens, partitioner)

	schemaChanged := !keyspacesEqual(prev.Keyspaces, next.Keyspaces)

	m.current.Store(next)

	for _, h := range added {
		m.notify(EventHostAdded, h, next)
	}
	for _, h := range removed {
		m.notify(EventHostRemoved, h, next)
	}
	if schemaChanged {
		m.notify(EventSchemaChanged, nil, next)
	}
	return next
}

// keyspacesEqual reports whether two keyspace maps carry the same set of
// names with identical strategy class/options, used to decide whether a
// discovery refresh should fire EventSchemaChanged.
func keyspacesEqual(a, b map[string]*KeyspaceMetadata) bool {
	if len(a) != len(b) {
		return false
	}
	for name, ks := range a {
		other, ok := b[name]
		if !ok || ks.StrategyClass != other.StrategyClass || len(ks.StrategyOptions) != len(other.StrategyOptions) {
			return false
		}
		for k, v := range ks.StrategyOptions {
			if other.StrategyOptions[k] != v {
				return false
			}
		}
	}
	return true
}

// MarkUp flips a host to Up and republishes a snapshot that shares every
// other field with the current one (the token ring and keyspace map are
// unaffected by reachability).
func (m *Metadata) MarkUp(host *Host) {
	m.transitionState(host, NodeUp, EventHostUp)
}

// MarkDown flips a host to Down and republishes.
func (m *Metadata) MarkDown(host *Host) {
	m.transitionState(host, NodeDown, EventHostDown)
}

func (m *Metadata) transitionState(host *Host, state NodeState, kind MetadataEventKind) {
	if host.State() == state {
		return
	}
	host.setState(state)

	m.mu.Lock()
	prev := m.current.Load()
	next := &Snapshot{Revision: prev.Revision + 1, Hosts: prev.Hosts, Keyspaces: prev.Keyspaces, Ring: prev.Ring}
	m.current.Store(next)
	m.mu.Unlock()

	m.notify(kind, host, next)
}

