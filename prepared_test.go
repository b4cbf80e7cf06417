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
	"context"
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryKeyDistinguishesKeyspace(t *testing.T) {
	assert.NotEqual(t, registryKey("ks1", "SELECT 1"), registryKey("ks2", "SELECT 1"))
	assert.Equal(t, registryKey("ks", "q"), registryKey("ks", "q"))
}

func TestPreparedStatementPerHostIDs(t *testing.T) {
	stmt := &PreparedStatement{cql: "SELECT 1"}

	_, ok := stmt.idFor("host-a:9042")
	assert.False(t, ok)
	assert.Nil(t, stmt.id())

	stmt.setID("host-a:9042", []byte{0xAA})
	id, ok := stmt.idFor("host-a:9042")
	require.True(t, ok)
	assert.Equal(t, []byte{0xAA}, id)
	assert.Equal(t, []byte{0xAA}, stmt.id())
}

func TestPrepareReturnsCachedStatementWithoutDialing(t *testing.T) {
	h := NewHost(uuid.New(), net.ParseIP("10.0.0.1"), 9042)
	conn := &Conn{host: h}

	reg := NewPreparedRegistry(NewConnPoolSet(&PoolConfig{}), NewMetadata())
	cached := &PreparedStatement{cql: "SELECT 1", keyspace: "ks"}
	cached.setID(h.ConnectAddress(), []byte{0x01})
	reg.byKey[registryKey("ks", "SELECT 1")] = cached

	got, err := reg.Prepare(context.Background(), conn, "ks", "SELECT 1", 0)
	require.NoError(t, err)
	assert.Same(t, cached, got)
}

func TestEnsurePreparedOnHostSkipsWhenAlreadyKnown(t *testing.T) {
	h := NewHost(uuid.New(), net.ParseIP("10.0.0.1"), 9042)
	reg := NewPreparedRegistry(NewConnPoolSet(&PoolConfig{}), NewMetadata())
	stmt := &PreparedStatement{cql: "SELECT 1"}
	stmt.setID(h.ConnectAddress(), []byte{0x01})

	err := reg.EnsurePreparedOnHost(context.Background(), h, stmt)
	assert.NoError(t, err, "already-known ids must not trigger a dial")
}

func TestEnsurePreparedOnHostReturnsErrNoPoolWhenUnknown(t *testing.T) {
	h := NewHost(uuid.New(), net.ParseIP("10.0.0.2"), 9042)
	reg := NewPreparedRegistry(NewConnPoolSet(&PoolConfig{}), NewMetadata())
	stmt := &PreparedStatement{cql: "SELECT 1"}

	err := reg.EnsurePreparedOnHost(context.Background(), h, stmt)
	assert.ErrorIs(t, err, ErrNoPool)
}

func TestReprepareOnUpSkipsStatementsAlreadyKnownOnHost(t *testing.T) {
	h := NewHost(uuid.New(), net.ParseIP("10.0.0.3"), 9042)
	reg := NewPreparedRegistry(NewConnPoolSet(&PoolConfig{}), NewMetadata())

	stmt := &PreparedStatement{cql: "SELECT 1", keyspace: "ks"}
	stmt.setID(h.ConnectAddress(), []byte{0x01})
	reg.byKey[registryKey("ks", "SELECT 1")] = stmt

	assert.NotPanics(t, func() { reg.ReprepareOnUp(context.Background(), h) })
}
