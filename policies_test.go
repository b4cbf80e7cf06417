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

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotWithHosts(hosts ...*Host) *Snapshot {
	m := make(map[string]*Host, len(hosts))
	for i, h := range hosts {
		h.Port = 9042 + i
		if h.ConnectIP == nil {
			h.ConnectIP = localhostIPForIndex(i)
		}
		m[h.ConnectAddress()] = h
	}
	return &Snapshot{Hosts: m, Keyspaces: map[string]*KeyspaceMetadata{}, Ring: newTokenRing(nil, murmur3Partitioner{})}
}

func localhostIPForIndex(i int) []byte { return []byte{127, 0, 0, byte(1 + i)} }

func upHost(distance HostDistance) *Host {
	h := &Host{}
	h.state.Store(int32(NodeUp))
	h.distance.Store(int32(distance))
	return h
}

func TestRoundRobinSkipsDownAndIgnoredHosts(t *testing.T) {
	up := upHost(Local)
	down := upHost(Local)
	down.setState(NodeDown)
	ignored := upHost(Ignored)

	snap := snapshotWithHosts(up, down, ignored)
	plan := NewRoundRobinPolicy().Plan("", nil, snap)

	var got []*Host
	for h := plan.Next(); h != nil; h = plan.Next() {
		got = append(got, h)
	}
	require.Len(t, got, 1)
	assert.Same(t, up, got[0])
}

func TestRoundRobinOrdersLocalBeforeRemote(t *testing.T) {
	local := upHost(Local)
	remote := upHost(Remote)
	snap := snapshotWithHosts(remote, local)

	plan := NewRoundRobinPolicy().Plan("", nil, snap)
	first := plan.Next()
	second := plan.Next()
	assert.Same(t, local, first)
	assert.Same(t, remote, second)
	assert.Nil(t, plan.Next())
}

func TestTokenAwarePlanTriesReplicasFirst(t *testing.T) {
	replica := hostWithTokens("dc1", "0")
	replica.distance.Store(int32(Local))
	other := upHost(Local)
	other.Tokens = []string{"100"}

	snap := snapshotWithHosts(replica, other)
	snap.Keyspaces["ks"] = &KeyspaceMetadata{Name: "ks", StrategyClass: "SimpleStrategy", StrategyOptions: map[string]string{"replication_factor": "1"}}
	snap.Ring = newTokenRing(map[*Host][]string{replica: replica.Tokens, other: other.Tokens}, murmur3Partitioner{})

	p := NewTokenAwarePolicy(NewRoundRobinPolicy())
	partitionKey := []byte("key-that-hashes-somewhere")
	plan := p.Plan("ks", partitionKey, snap)

	first := plan.Next()
	require.NotNil(t, first)
	// The first host returned must be the replica owning the key's token,
	// and the plan must eventually yield both hosts without repeats.
	owner := snap.Ring.ReplicasForToken(murmur3Partitioner{}.Hash(partitionKey), snap.Keyspaces["ks"])
	require.Len(t, owner, 1)
	assert.Same(t, owner[0], first)
	second := plan.Next()
	require.NotNil(t, second)
	assert.NotSame(t, first, second)
	assert.Nil(t, plan.Next())
}

func TestSimpleRetryPolicyReadTimeout(t *testing.T) {
	p := NewSimpleRetryPolicy(1)
	err := &RequestError{Kind: ErrKindReadTimeout, Received: 2, BlockFor: 2}

	decision, _ := p.OnReadTimeout(err, 0)
	assert.Equal(t, RetrySameHost, decision)

	decision, _ = p.OnReadTimeout(err, 1)
	assert.Equal(t, RetryRethrow, decision, "retry budget exhausted")
}

func TestSimpleRetryPolicyWriteTimeoutRequiresIdempotence(t *testing.T) {
	p := NewSimpleRetryPolicy(1)
	err := &RequestError{Kind: ErrKindWriteTimeout}

	decision, _ := p.OnWriteTimeout(err, 0, false)
	assert.Equal(t, RetryRethrow, decision, "non-idempotent writes must not be retried")

	decision, _ = p.OnWriteTimeout(err, 0, true)
	assert.Equal(t, RetrySameHost, decision)
}

func TestDowngradingConsistencyRetryPolicy(t *testing.T) {
	p := DowngradingConsistencyRetryPolicy{}
	err := &RequestError{Kind: ErrKindUnavailable, Consistency: Quorum, Received: 2}

	decision, cons := p.OnUnavailable(err, 0)
	assert.Equal(t, RetryNextHost, decision)
	assert.Equal(t, Two, cons)

	decision, _ = p.OnUnavailable(err, 1)
	assert.Equal(t, RetryRethrow, decision)
}

func TestExponentialSpeculativeExecutionPolicy(t *testing.T) {
	p := ExponentialSpeculativeExecutionPolicy{BaseDelay: 10 * time.Millisecond, MaxAttempts: 2}

	d0, ok := p.Delay(0)
	require.True(t, ok)
	assert.Equal(t, 10*time.Millisecond, d0)

	d1, ok := p.Delay(1)
	require.True(t, ok)
	assert.Equal(t, 20*time.Millisecond, d1)

	_, ok = p.Delay(2)
	assert.False(t, ok)
}

func TestExponentialReconnectionPolicySchedule(t *testing.T) {
	p := NewExponentialReconnectionPolicy(10*time.Millisecond, time.Second)
	sched := p.NewSchedule()

	prev := time.Duration(0)
	for i := 0; i < 4; i++ {
		d := sched.NextDelay()
		assert.Greater(t, d, time.Duration(0))
		prev = d
	}
	_ = prev
}

func TestMapAddressTranslator(t *testing.T) {
	translator := MapAddressTranslator{
		Addrs: map[string]net.IP{"10.0.0.1": net.ParseIP("203.0.113.1")},
		Ports: map[string]int{"10.0.0.1": 19042},
	}
	ip, port := translator.Translate(net.ParseIP("10.0.0.1"), 9042)
	assert.Equal(t, "203.0.113.1", ip.String())
	assert.Equal(t, 19042, port)

	ip, port = translator.Translate(net.ParseIP("10.0.0.2"), 9042)
	assert.Equal(t, "10.0.0.2", ip.String())
	assert.Equal(t, 9042, port)
}

func TestMonotonicTimestampGeneratorNeverGoesBackwards(t *testing.T) {
	var skew int64
	g := NewMonotonicTimestampGenerator(func(s int64) { skew = s })

	first := g.Next()
	g.last = first + 1000 // simulate a future timestamp already issued
	second := g.Next()

	assert.Greater(t, second, first)
	assert.Greater(t, skew, int64(0))
}
