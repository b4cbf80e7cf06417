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
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wideql/wideql/internal/frame"
)

// pipeDialer hands out one pre-established net.Conn (the client end of a
// net.Pipe), so DialConn can be driven against an in-process fake server
// without touching the network.
type pipeDialer struct {
	client net.Conn
}

func (d *pipeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return d.client, nil
}

type fakeRequest struct {
	stream int16
	op     frame.Op
	body   []byte
}

func readFakeRequest(r io.Reader) (fakeRequest, error) {
	var hdr [9]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fakeRequest{}, err
	}
	stream := int16(binary.BigEndian.Uint16(hdr[2:4]))
	op := frame.Op(hdr[4])
	length := binary.BigEndian.Uint32(hdr[5:9])
	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return fakeRequest{}, err
		}
	}
	return fakeRequest{stream: stream, op: op, body: body}, nil
}

func writeFakeResponse(w io.Writer, version byte, stream int16, op frame.Op, body []byte) error {
	buf := make([]byte, 9, 9+len(body))
	buf[0] = version | frame.DirectionMask
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], uint16(stream))
	buf[4] = byte(op)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(body)))
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// handshakeOnlyServer runs a fake server that answers OPTIONS with SUPPORTED
// and STARTUP with READY, then returns, leaving server/client free for
// the test to drive further exchanges.
func handshakeOnlyServer(t *testing.T, server net.Conn) {
	t.Helper()

	req, err := readFakeRequest(server)
	require.NoError(t, err)
	require.Equal(t, frame.OpOptions, req.op)
	require.NoError(t, writeFakeResponse(server, frame.ProtoVersion4, req.stream, frame.OpSupported, nil))

	req, err = readFakeRequest(server)
	require.NoError(t, err)
	require.Equal(t, frame.OpStartup, req.op)
	require.NoError(t, writeFakeResponse(server, frame.ProtoVersion4, req.stream, frame.OpReady, nil))
}

// readFakeSegmentRequest decodes one v5 segment off r and parses the
// single frame packed inside its payload.
func readFakeSegmentRequest(r *bufio.Reader) (fakeRequest, error) {
	payload, err := decodeSegment(r)
	if err != nil {
		return fakeRequest{}, err
	}
	return readFakeRequest(bytes.NewReader(payload))
}

// writeFakeSegmentResponse wraps one response frame in a self-contained
// v5 segment before writing it, mirroring what a real v5 server does.
func writeFakeSegmentResponse(w io.Writer, version byte, stream int16, op frame.Op, body []byte) error {
	var buf bytes.Buffer
	if err := writeFakeResponse(&buf, version, stream, op, body); err != nil {
		return err
	}
	segment, err := encodeSegment(buf.Bytes(), true)
	if err != nil {
		return err
	}
	_, err = w.Write(segment)
	return err
}

func dialOverPipe(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		handshakeOnlyServer(t, server)
	}()

	cfg := &ConnConfig{
		Dialer:            &pipeDialer{client: client},
		ProtoVersion:      frame.ProtoVersion4,
		ConnectTimeout:    time.Second,
		HeartbeatInterval: time.Minute,
	}
	h := NewHost(uuid.New(), net.ParseIP("127.0.0.1"), 9042)

	conn, err := DialConn(context.Background(), h, cfg, nil, nil)
	require.NoError(t, err)
	<-done
	return conn, server
}

func TestDialConnCompletesHandshake(t *testing.T) {
	conn, server := dialOverPipe(t)
	defer server.Close()
	defer conn.Close()

	assert.True(t, conn.Ready())
	assert.False(t, conn.Closed())
}

func TestConnExecRoundTrip(t *testing.T) {
	conn, server := dialOverPipe(t)
	defer server.Close()
	defer conn.Close()

	respDone := make(chan struct{})
	go func() {
		defer close(respDone)
		req, err := readFakeRequest(server)
		require.NoError(t, err)
		require.Equal(t, frame.OpQuery, req.op)

		var body []byte
		body = frame.AppendInt(body, resultKindSetKeyspace)
		body = frame.AppendString(body, "ks")
		require.NoError(t, writeFakeResponse(server, frame.ProtoVersion4, req.stream, frame.OpResult, body))
	}()

	op, body, err := conn.Exec(context.Background(), frame.OpQuery, []byte("irrelevant"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, frame.OpResult, op)
	assert.Equal(t, "ks", decodeSetKeyspaceResult(body))
	<-respDone
}

func dialOverPipeV5(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		handshakeOnlyServer(t, server)
	}()

	cfg := &ConnConfig{
		Dialer:            &pipeDialer{client: client},
		ProtoVersion:      frame.ProtoVersion5,
		ConnectTimeout:    time.Second,
		HeartbeatInterval: time.Minute,
	}
	h := NewHost(uuid.New(), net.ParseIP("127.0.0.1"), 9042)

	conn, err := DialConn(context.Background(), h, cfg, nil, nil)
	require.NoError(t, err)
	<-done
	return conn, server
}

// TestConnExecUsesSegmentFramingAtProtoV5 drives a request/response round
// trip where both sides speak v5 segment framing instead of bare frames,
// to catch a regression where a v5 connection silently falls back to
// legacy per-frame I/O.
func TestConnExecUsesSegmentFramingAtProtoV5(t *testing.T) {
	conn, server := dialOverPipeV5(t)
	defer server.Close()
	defer conn.Close()

	require.True(t, conn.segmented, "a v5 connection must switch to segment framing once negotiated")

	respDone := make(chan struct{})
	go func() {
		defer close(respDone)
		req, err := readFakeSegmentRequest(bufio.NewReader(server))
		require.NoError(t, err)
		require.Equal(t, frame.OpQuery, req.op)

		var body []byte
		body = frame.AppendInt(body, resultKindSetKeyspace)
		body = frame.AppendString(body, "ks")
		require.NoError(t, writeFakeSegmentResponse(server, frame.ProtoVersion5, req.stream, frame.OpResult, body))
	}()

	op, body, err := conn.Exec(context.Background(), frame.OpQuery, []byte("irrelevant"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, frame.OpResult, op)
	assert.Equal(t, "ks", decodeSetKeyspaceResult(body))
	<-respDone
}

func TestConnExecFailsWhenNotReady(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()

	h := NewHost(uuid.New(), net.ParseIP("127.0.0.1"), 9042)
	c := &Conn{host: h}
	c.state.Store(int32(stateOpening))

	_, _, err := c.Exec(context.Background(), frame.OpQuery, nil, time.Second)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestConnCloseIsIdempotentAndRejectsLaterExec(t *testing.T) {
	conn, server := dialOverPipe(t)
	defer server.Close()

	conn.Close()
	assert.True(t, conn.Closed())
	assert.NotPanics(t, func() { conn.Close() })

	_, _, err := conn.Exec(context.Background(), frame.OpQuery, nil, time.Second)
	assert.Error(t, err)
}
