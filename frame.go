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

// Frame codec. A frame is {version, flags, stream-id, opcode, length,
// body}. This file is purely functional over a byte buffer — it knows
// nothing about connections, pools, or retries.

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/wideql/wideql/internal/frame"
)

// Consistency is the consistency level requested for a statement.
type Consistency uint16

const (
	Any         Consistency = 0x00
	One         Consistency = 0x01
	Two         Consistency = 0x02
	Three       Consistency = 0x03
	Quorum      Consistency = 0x04
	All         Consistency = 0x05
	LocalQuorum Consistency = 0x06
	EachQuorum  Consistency = 0x07
	Serial      Consistency = 0x08
	LocalSerial Consistency = 0x09
	LocalOne    Consistency = 0x0A
)

func (c Consistency) String() string {
	switch c {
	case Any:
		return "ANY"
	case One:
		return "ONE"
	case Two:
		return "TWO"
	case Three:
		return "THREE"
	case Quorum:
		return "QUORUM"
	case All:
		return "ALL"
	case LocalQuorum:
		return "LOCAL_QUORUM"
	case EachQuorum:
		return "EACH_QUORUM"
	case Serial:
		return "SERIAL"
	case LocalSerial:
		return "LOCAL_SERIAL"
	case LocalOne:
		return "LOCAL_ONE"
	default:
		return fmt.Sprintf("UNKNOWN_CONSISTENCY_0x%x", uint16(c))
	}
}

// crc32cTable is the Castagnoli polynomial table the v5 segment layer
// checksums against.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// codec turns frame bodies into bytes and back, given a negotiated
// protocol version, an optional Compressor, and a length cap. Each Conn
// builds its own codec during the handshake; it holds no per-request
// state.
type codec struct {
	version     byte
	compressor  Compressor
	maxFrameLen int
}

func newCodec(version byte, compressor Compressor, maxFrameLen int) *codec {
	if maxFrameLen <= 0 {
		maxFrameLen = frame.DefaultMaxFrameSize
	}
	return &codec{version: version, compressor: compressor, maxFrameLen: maxFrameLen}
}

// encode serializes one request frame: header + (optionally compressed)
// body. streamID must already be claimed from the connection's stream
// pool.
func (c *codec) encode(op frame.Op, streamID int, body []byte) []byte {
	flags := byte(0)
	payload := body
	if c.compressor != nil && len(body) > 0 {
		compressed, err := c.compressor.Encode(body)
		if err == nil {
			flags |= frame.FlagCompress
			payload = compressed
		}
	}

	buf := make([]byte, 0, frame.HeaderSize+len(payload))
	buf = frame.AppendByte(buf, c.version)
	buf = frame.AppendByte(buf, flags)
	if c.version >= frame.ProtoVersion3 {
		buf = frame.AppendShort(buf, uint16(streamID))
	}
	buf = frame.AppendByte(buf, byte(op))
	buf = frame.AppendInt(buf, int32(len(payload)))
	buf = append(buf, payload...)
	return buf
}

// readHeader reads exactly one frame header from r into scratch (which
// must be at least frame.HeaderSize bytes) and validates its declared
// length against the codec's cap.
func (c *codec) readHeader(r io.Reader, scratch []byte) (frame.Header, error) {
	if _, err := io.ReadFull(r, scratch[:frame.HeaderSize]); err != nil {
		return frame.Header{}, err
	}

	version := frame.Version(scratch[0])
	if !version.IsResponse() {
		return frame.Header{}, newProtocolError("expected response frame, got %s", version)
	}

	h := frame.Header{
		Version: version,
		Flags:   scratch[1],
		Stream:  int(int16(frame.ReadShort(scratch[2:4]))),
		Op:      frame.Op(scratch[4]),
		Length:  int(frame.ReadInt(scratch[5:9])),
	}
	if h.Length > c.maxFrameLen {
		return frame.Header{}, ErrFrameTooLarge
	}
	if h.Length < 0 {
		return frame.Header{}, newProtocolError("negative frame length %d", h.Length)
	}
	return h, nil
}

// readBody reads and, if flagged, decompresses the body that follows a
// header already read by readHeader.
func (c *codec) readBody(r io.Reader, h frame.Header) ([]byte, error) {
	body := make([]byte, h.Length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	if h.Flags&frame.FlagCompress != 0 && c.compressor != nil && len(body) > 0 {
		decoded, err := c.compressor.Decode(body)
		if err != nil {
			return nil, newProtocolError("decompressing frame body: %v", err)
		}
		return decoded, nil
	}
	return body, nil
}

// --- v5 segment layer -----------------------------------------------------
//
// Protocol v5 wraps one or more payload frames inside a "segment": a
// length-prefixed envelope with its own CRC32C header checksum and a
// trailing CRC32C payload checksum. Segments are only used once both
// ends have negotiated v5; earlier versions write frames directly onto
// the stream.

const (
	segmentHeaderSize       = 6 // 3 bytes (17 bits payload length + 1 bit self-contained) + 3-byte header CRC
	segmentHeaderCRCSize    = 3
	segmentPayloadCRCSize   = 4
	segmentMaxPayloadLength = 131072
)

// segmentHeader is the decoded form of a segment's packed header.
type segmentHeader struct {
	PayloadLength int
	SelfContained bool
}

// encodeSegment wraps payload (one or more already-encoded frames
// concatenated) into a v5 segment with header+payload CRC32C checksums.
func encodeSegment(payload []byte, selfContained bool) ([]byte, error) {
	if len(payload) > segmentMaxPayloadLength {
		return nil, newProtocolError("segment payload %d exceeds max %d", len(payload), segmentMaxPayloadLength)
	}

	header := uint32(len(payload)) & 0x1FFFF // 17 bits
	if selfContained {
		header |= 1 << 17
	}

	headerBytes := make([]byte, 3)
	headerBytes[0] = byte(header)
	headerBytes[1] = byte(header >> 8)
	headerBytes[2] = byte(header >> 16)

	headerCRC := crc32.Checksum(headerBytes, crc32cTable)
	out := make([]byte, 0, 3+3+len(payload)+4)
	out = append(out, headerBytes...)
	out = append(out, byte(headerCRC), byte(headerCRC>>8), byte(headerCRC>>16))
	out = append(out, payload...)

	payloadCRC := crc32.Checksum(payload, crc32cTable)
	out = binary.LittleEndian.AppendUint32(out, payloadCRC)
	return out, nil
}

// decodeSegment reads one segment from r, validating both CRC32C
// checksums, and returns its payload (concatenated frame bytes).
func decodeSegment(r *bufio.Reader) ([]byte, error) {
	headerBytes := make([]byte, 3)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, err
	}
	crcBytes := make([]byte, 3)
	if _, err := io.ReadFull(r, crcBytes); err != nil {
		return nil, err
	}

	wantCRC := uint32(crcBytes[0]) | uint32(crcBytes[1])<<8 | uint32(crcBytes[2])<<16
	gotCRC := crc32.Checksum(headerBytes, crc32cTable)
	if gotCRC&0xFFFFFF != wantCRC {
		return nil, ErrSegmentChecksum
	}

	header := uint32(headerBytes[0]) | uint32(headerBytes[1])<<8 | uint32(headerBytes[2])<<16
	length := int(header & 0x1FFFF)

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	payloadCRCBytes := make([]byte, segmentPayloadCRCSize)
	if _, err := io.ReadFull(r, payloadCRCBytes); err != nil {
		return nil, err
	}
	wantPayloadCRC := binary.LittleEndian.Uint32(payloadCRCBytes)
	if crc32.Checksum(payload, crc32cTable) != wantPayloadCRC {
		return nil, ErrSegmentChecksum
	}

	return payload, nil
}
