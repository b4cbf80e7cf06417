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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wideql/wideql/internal/frame"
)

func TestConsistencyString(t *testing.T) {
	assert.Equal(t, "LOCAL_QUORUM", LocalQuorum.String())
	assert.Contains(t, Consistency(0xFF).String(), "UNKNOWN_CONSISTENCY")
}

func TestCodecEncodeDecodeRoundTrip(t *testing.T) {
	c := newCodec(frame.ProtoVersion4, nil, 0)
	body := []byte("SELECT * FROM ks.tbl")
	encoded := c.encode(frame.OpQuery, 7, body)

	assert.Equal(t, byte(frame.ProtoVersion4), encoded[0])

	var scratch [frame.HeaderSize]byte
	// Flip the direction bit to simulate a response, since readHeader
	// only accepts response frames.
	encoded[0] |= frame.DirectionMask

	r := bytes.NewReader(encoded)
	h, err := c.readHeader(r, scratch[:])
	require.NoError(t, err)
	assert.Equal(t, 7, h.Stream)
	assert.Equal(t, frame.OpQuery, h.Op)
	assert.Equal(t, len(body), h.Length)

	got, err := c.readBody(r, h)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestCodecRejectsOversizedFrame(t *testing.T) {
	c := newCodec(frame.ProtoVersion4, nil, 8)
	encoded := c.encode(frame.OpQuery, 1, make([]byte, 100))
	encoded[0] |= frame.DirectionMask

	var scratch [frame.HeaderSize]byte
	_, err := c.readHeader(bytes.NewReader(encoded), scratch[:])
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestCodecCompressesBody(t *testing.T) {
	c := newCodec(frame.ProtoVersion4, S2Compressor{}, 0)
	body := bytes.Repeat([]byte("wideql"), 100)
	encoded := c.encode(frame.OpQuery, 1, body)
	assert.NotZero(t, encoded[1]&frame.FlagCompress)

	encoded[0] |= frame.DirectionMask
	var scratch [frame.HeaderSize]byte
	r := bytes.NewReader(encoded)
	h, err := c.readHeader(r, scratch[:])
	require.NoError(t, err)
	got, err := c.readBody(r, h)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestSegmentEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte("one or more concatenated protocol frames")
	encoded, err := encodeSegment(payload, true)
	require.NoError(t, err)

	got, err := decodeSegment(bufio.NewReader(bytes.NewReader(encoded)))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestSegmentDecodeDetectsHeaderCorruption(t *testing.T) {
	payload := []byte("hello")
	encoded, err := encodeSegment(payload, true)
	require.NoError(t, err)

	encoded[0] ^= 0xFF // corrupt the packed length/self-contained header

	_, err = decodeSegment(bufio.NewReader(bytes.NewReader(encoded)))
	assert.ErrorIs(t, err, ErrSegmentChecksum)
}

func TestSegmentDecodeDetectsPayloadCorruption(t *testing.T) {
	payload := []byte("hello")
	encoded, err := encodeSegment(payload, true)
	require.NoError(t, err)

	encoded[len(encoded)-1] ^= 0xFF // corrupt the trailing payload CRC

	_, err = decodeSegment(bufio.NewReader(bytes.NewReader(encoded)))
	assert.ErrorIs(t, err, ErrSegmentChecksum)
}

func TestSegmentRejectsOversizedPayload(t *testing.T) {
	_, err := encodeSegment(make([]byte, segmentMaxPayloadLength+1), true)
	assert.Error(t, err)
}
