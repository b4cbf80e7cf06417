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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePort(t *testing.T) {
	n, err := parsePort("9042")
	require.NoError(t, err)
	assert.Equal(t, 9042, n)

	_, err = parsePort("90a2")
	assert.Error(t, err)
}

func TestResolveContactPointsDedupesLiteralIPs(t *testing.T) {
	hosts, err := resolveContactPoints([]string{"127.0.0.1:9042", "127.0.0.1:9042", "127.0.0.1"}, 9999)
	require.NoError(t, err)
	// The first two entries are identical (same IP, same explicit port);
	// the third carries no port and falls back to the default, so it's a
	// distinct ConnectAddress.
	require.Len(t, hosts, 2)
}

func TestResolveContactPointsUsesDefaultPort(t *testing.T) {
	hosts, err := resolveContactPoints([]string{"127.0.0.2"}, 9042)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, 9042, hosts[0].Port)
}

func TestResolveContactPointsFallsBackToLoopback(t *testing.T) {
	hosts, err := resolveContactPoints(nil, 9042)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, "127.0.0.1", hosts[0].ConnectIP.String())
	assert.Equal(t, 9042, hosts[0].Port)
}

func TestClusterShutdownIsIdempotent(t *testing.T) {
	metadata := NewMetadata()
	control := newControlConn(&ConnConfig{}, metadata, nil, nil, 9042, func() []*Host { return nil })
	pools := NewConnPoolSet(&PoolConfig{})

	c := &Cluster{metadata: metadata, pools: pools, control: control, prepared: NewPreparedRegistry(pools, metadata)}
	assert.NotPanics(t, func() {
		c.Shutdown()
		c.Shutdown()
	})
}

func TestNewClusterConfigDefaults(t *testing.T) {
	cfg := NewClusterConfig("10.0.0.1")
	assert.Equal(t, 9042, cfg.Port)
	assert.Equal(t, Quorum, cfg.DefaultConsistency)
	assert.NotNil(t, cfg.LoadBalancingPolicy)
	assert.NotNil(t, cfg.RetryPolicy)
}
