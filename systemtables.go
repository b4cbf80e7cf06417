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

// Reading system.local/system.peers/system_schema.keyspaces is how the
// control channel discovers topology and replication metadata. This is
// a fixed, internal query surface, not general CQL value marshaling or
// object-mapping: the driver only ever reads its own handful of known
// system-table columns here.

import (
	"net"

	"github.com/google/uuid"
	"github.com/wideql/wideql/internal/frame"
)

const (
	queryLocal          = "SELECT host_id, rpc_address, data_center, rack, tokens, release_version, partitioner FROM system.local"
	queryPeers          = "SELECT host_id, peer, rpc_address, data_center, rack, tokens, release_version FROM system.peers"
	queryKeyspaces      = "SELECT keyspace_name, replication FROM system_schema.keyspaces"
	querySchemaChangeID = "SELECT schema_version FROM system.local"
)

// encodeQueryBody builds a QUERY frame body for a fixed, driver-internal
// query string with no bind variables.
func encodeQueryBody(query string, consistency Consistency) []byte {
	var body []byte
	body = frame.AppendLongString(body, query)
	body = frame.AppendShort(body, uint16(consistency))
	body = frame.AppendByte(body, 0) // query flags: no values, no paging, no serial consistency
	return body
}

// rowsResult is the generically decoded form of a ROWS result: column
// names in positional order, and each row's raw column bytes.
type rowsResult struct {
	columns []string
	rows    [][][]byte
}

func (r *rowsResult) index(name string) int {
	for i, c := range r.columns {
		if c == name {
			return i
		}
	}
	return -1
}

func decodeRowsResult(body []byte) (*rowsResult, error) {
	r := frame.NewReader(body)
	r.ReadInt() // kind
	flags := r.ReadInt()
	colCount := int(r.ReadInt())

	if flags&metadataFlagHasMorePages != 0 {
		r.ReadBytes()
	}

	columns := make([]string, colCount)
	if flags&metadataFlagNoMetadata == 0 {
		globalSpec := flags&metadataFlagGlobalTablesSpec != 0
		if globalSpec {
			r.ReadString()
			r.ReadString()
		}
		for i := 0; i < colCount; i++ {
			if !globalSpec {
				r.ReadString()
				r.ReadString()
			}
			columns[i] = r.ReadString()
			skipTypeOption(r)
		}
	}

	rowCount := int(r.ReadInt())
	rows := make([][][]byte, rowCount)
	for i := range rows {
		row := make([][]byte, colCount)
		for c := 0; c < colCount; c++ {
			row[c] = r.ReadBytes()
		}
		rows[i] = row
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return &rowsResult{columns: columns, rows: rows}, nil
}

func decodeInet(raw []byte) net.IP {
	if len(raw) == 0 {
		return nil
	}
	return net.IP(raw)
}

func decodeText(raw []byte) string { return string(raw) }

func decodeUUIDValue(raw []byte) uuid.UUID {
	var u uuid.UUID
	copy(u[:], raw)
	return u
}

func decodeTextSet(raw []byte) []string {
	if raw == nil {
		return nil
	}
	r := frame.NewReader(raw)
	n := int(r.ReadInt())
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, string(r.ReadBytes()))
	}
	return out
}

func decodeTextMap(raw []byte) map[string]string {
	if raw == nil {
		return nil
	}
	r := frame.NewReader(raw)
	n := int(r.ReadInt())
	out := make(map[string]string, n)
	for i := 0; i < n; i++ {
		k := string(r.ReadBytes())
		v := string(r.ReadBytes())
		out[k] = v
	}
	return out
}

// hostFromLocalRow builds the Host describing the connection's own
// coordinator from a system.local row, since system.peers never
// includes the local node.
func hostFromLocalRow(rs *rowsResult, row [][]byte, connectIP net.IP) (*Host, string) {
	h := &Host{ConnectIP: connectIP}
	if i := rs.index("host_id"); i >= 0 {
		h.HostID = decodeUUIDValue(row[i])
	}
	if i := rs.index("rpc_address"); i >= 0 {
		if ip := decodeInet(row[i]); ip != nil {
			h.RPCAddress = ip
		}
	}
	if i := rs.index("data_center"); i >= 0 {
		h.DataCenter = decodeText(row[i])
	}
	if i := rs.index("rack"); i >= 0 {
		h.Rack = decodeText(row[i])
	}
	if i := rs.index("tokens"); i >= 0 {
		h.Tokens = decodeTextSet(row[i])
	}
	if i := rs.index("release_version"); i >= 0 {
		h.ReleaseVersion = decodeText(row[i])
	}
	partitioner := ""
	if i := rs.index("partitioner"); i >= 0 {
		partitioner = decodeText(row[i])
	}
	h.state.Store(int32(NodeUp))
	h.distance.Store(int32(Local))
	return h, partitioner
}

func hostFromPeerRow(rs *rowsResult, row [][]byte, port int) *Host {
	h := &Host{Port: port}
	if i := rs.index("host_id"); i >= 0 {
		h.HostID = decodeUUIDValue(row[i])
	}
	if i := rs.index("rpc_address"); i >= 0 {
		if ip := decodeInet(row[i]); ip != nil && !ip.IsUnspecified() {
			h.ConnectIP = ip
			h.RPCAddress = ip
		}
	}
	if h.ConnectIP == nil {
		if i := rs.index("peer"); i >= 0 {
			h.ConnectIP = decodeInet(row[i])
		}
	}
	if i := rs.index("data_center"); i >= 0 {
		h.DataCenter = decodeText(row[i])
	}
	if i := rs.index("rack"); i >= 0 {
		h.Rack = decodeText(row[i])
	}
	if i := rs.index("tokens"); i >= 0 {
		h.Tokens = decodeTextSet(row[i])
	}
	if i := rs.index("release_version"); i >= 0 {
		h.ReleaseVersion = decodeText(row[i])
	}
	h.state.Store(int32(NodeUp))
	h.distance.Store(int32(Remote))
	return h
}

func keyspacesFromRows(rs *rowsResult) map[string]*KeyspaceMetadata {
	out := make(map[string]*KeyspaceMetadata, len(rs.rows))
	nameIdx := rs.index("keyspace_name")
	replIdx := rs.index("replication")
	for _, row := range rs.rows {
		if nameIdx < 0 {
			continue
		}
		name := decodeText(row[nameIdx])
		opts := map[string]string{}
		if replIdx >= 0 {
			opts = decodeTextMap(row[replIdx])
		}
		class := opts["class"]
		delete(opts, "class")
		out[name] = &KeyspaceMetadata{Name: name, StrategyClass: class, StrategyOptions: opts}
	}
	return out
}
