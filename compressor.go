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
	"github.com/golang/snappy"
	"github.com/klauspost/compress/s2"
	"github.com/pierrec/lz4/v4"
)

// Compressor is negotiated once during STARTUP and then used for every
// compressed frame body on that connection.
type Compressor interface {
	Name() string
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// S2Compressor speaks the "snappy" wire name but uses klauspost/compress/s2,
// a snappy-compatible codec with concurrent encoding for larger payloads.
// This is the default: it is a strict improvement over classic snappy for
// the frame sizes this protocol produces and decodes anything a classic
// snappy encoder wrote.
type S2Compressor struct{}

func (S2Compressor) Name() string { return "snappy" }

func (S2Compressor) Encode(data []byte) ([]byte, error) {
	return s2.EncodeSnappy(nil, data), nil
}

func (S2Compressor) Decode(data []byte) ([]byte, error) {
	return s2.Decode(nil, data)
}

// SnappyCompressor uses golang/snappy directly, for clusters or proxies
// that validate the exact snappy framing and reject S2's.
type SnappyCompressor struct{}

func (SnappyCompressor) Name() string { return "snappy" }

func (SnappyCompressor) Encode(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (SnappyCompressor) Decode(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}

// LZ4Compressor implements the protocol's other mandated compression
// algorithm alongside Snappy.
type LZ4Compressor struct{}

func (LZ4Compressor) Name() string { return "lz4" }

func (LZ4Compressor) Encode(data []byte) ([]byte, error) {
	// The native protocol's LZ4 body is length-prefixed with the
	// uncompressed size as a 4-byte big-endian int, then the LZ4 block.
	out := make([]byte, 4, 4+lz4.CompressBlockBound(len(data)))
	out[0] = byte(len(data) >> 24)
	out[1] = byte(len(data) >> 16)
	out[2] = byte(len(data) >> 8)
	out[3] = byte(len(data))

	var c lz4.Compressor
	block := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := c.CompressBlock(data, block)
	if err != nil {
		return nil, err
	}
	return append(out, block[:n]...), nil
}

func (LZ4Compressor) Decode(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, newProtocolError("lz4 frame body shorter than length prefix")
	}
	uncompressedLen := int(data[0])<<24 | int(data[1])<<16 | int(data[2])<<8 | int(data[3])
	out := make([]byte, uncompressedLen)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}
