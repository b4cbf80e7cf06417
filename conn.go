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

// Connection. One multiplexed TCP/TLS stream to a single host, with
// stream-id allocation, inbound demultiplexing, and heartbeats.

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wideql/wideql/internal/frame"
	"github.com/wideql/wideql/internal/streams"
)

// Dialer opens the raw transport to a host. TLS wrapping, if configured,
// is applied by the caller around the net.Conn Dialer returns.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type netDialer struct {
	d net.Dialer
}

func (n *netDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return n.d.DialContext(ctx, network, addr)
}

// TLSWrapper wraps an already-dialed net.Conn in a TLS client handshake:
// callers supply a configured *tls.Config and the runtime performs the
// handshake on an already-dialed net.Conn.
type TLSWrapper struct {
	Config *tls.Config
}

func (w *TLSWrapper) Wrap(ctx context.Context, conn net.Conn) (net.Conn, error) {
	tlsConn := tls.Client(conn, w.Config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tlsConn, nil
}

// Authenticator implements the SASL-style challenge/response exchange
// the native protocol's AUTHENTICATE/AUTH_CHALLENGE/AUTH_SUCCESS
// sequence drives.
type Authenticator interface {
	Challenge(req []byte) (resp []byte, next Authenticator, err error)
	Success(data []byte) error
}

// PasswordAuthenticator is the common username/password SASL PLAIN
// mechanism most deployments use.
type PasswordAuthenticator struct {
	Username string
	Password string
}

func (p PasswordAuthenticator) Challenge(req []byte) ([]byte, Authenticator, error) {
	resp := make([]byte, 0, 2+len(p.Username)+len(p.Password))
	resp = append(resp, 0)
	resp = append(resp, p.Username...)
	resp = append(resp, 0)
	resp = append(resp, p.Password...)
	return resp, nil, nil
}

func (p PasswordAuthenticator) Success(data []byte) error { return nil }

// ConnErrorHandler is notified whenever a connection dies, so its owning
// pool can reconcile its live-connection count.
type ConnErrorHandler interface {
	HandleError(conn *Conn, err error, closed bool)
}

// ConnConfig configures every Connection opened for a given Host pool or
// control channel.
type ConnConfig struct {
	Dialer            Dialer
	TLS               *TLSWrapper
	Authenticator     Authenticator
	Compressor        Compressor
	Logger            StdLogger
	ProtoVersion      byte
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	HeartbeatInterval time.Duration
	MaxFrameLen       int
	DriverName        string
	DriverVersion     string
}

func (c *ConnConfig) logger() StdLogger {
	if c.Logger == nil {
		return nopLogger{}
	}
	return c.Logger
}

// connState is the connection's lifecycle state machine:
// Opening -> Negotiating -> Authenticating -> Ready -> Closing -> Closed.
type connState int32

const (
	stateOpening connState = iota
	stateNegotiating
	stateAuthenticating
	stateReady
	stateClosing
	stateClosed
)

// eventHandler receives EVENT frames (stream-id -1); only the control
// channel registers one.
type eventHandler func(op frame.Op, body []byte)

// Conn is a single multiplexed connection to one host.
type Conn struct {
	host         *Host
	cfg          *ConnConfig
	errorHandler ConnErrorHandler
	onEvent      eventHandler

	netConn net.Conn
	r       *bufio.Reader
	wmu     sync.Mutex // serializes writes onto netConn

	codec     *codec
	streamIDs *streams.IDs

	// segmented is true once a v5+ connection has finished negotiation;
	// handshake frames (OPTIONS/STARTUP/AUTH) always use legacy framing
	// since the final protocol version isn't settled until they
	// complete. segmentQueue holds frames already decoded out of a
	// segment whose payload held more than one; recvOne is the only
	// goroutine that touches either, so no lock is needed.
	segmented    bool
	segmentQueue []pendingFrame

	mu      sync.Mutex
	calls   map[int]*call
	orphans map[int]struct{}
	closed  bool

	state        atomic.Int32
	lastActivity atomic.Int64 // unix nanos of last frame sent or received

	ctx    context.Context
	cancel context.CancelFunc
}

type call struct {
	streamID int
	resp     chan callResponse
	done     chan struct{} // closed once resp has been handled or abandoned
}

type callResponse struct {
	op   frame.Op
	body []byte
	err  error
}

// pendingFrame is one frame already pulled out of a decoded v5 segment,
// queued until recvOne gets to it.
type pendingFrame struct {
	header frame.Header
	body   []byte
}

// DialConn opens, negotiates, and authenticates a connection to host,
// returning it in the Ready state with its serve and heartbeat loops
// already running.
func DialConn(ctx context.Context, host *Host, cfg *ConnConfig, errorHandler ConnErrorHandler, onEvent eventHandler) (*Conn, error) {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &netDialer{}
	}

	connectCtx := ctx
	var cancelDial context.CancelFunc
	if cfg.ConnectTimeout > 0 {
		connectCtx, cancelDial = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancelDial()
	}

	raw, err := dialer.DialContext(connectCtx, "tcp", host.ConnectAddress())
	if err != nil {
		return nil, fmt.Errorf("cannot open: dial %s: %w", host.ConnectAddress(), err)
	}

	if cfg.TLS != nil {
		raw, err = cfg.TLS.Wrap(connectCtx, raw)
		if err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("cannot open: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		host:         host,
		cfg:          cfg,
		errorHandler: errorHandler,
		onEvent:      onEvent,
		netConn:      raw,
		r:            bufio.NewReaderSize(raw, 16*1024),
		streamIDs:    streams.New(frame.StreamPoolSize(cfg.ProtoVersion)),
		calls:        make(map[int]*call),
		orphans:      make(map[int]struct{}),
		ctx:          runCtx,
		cancel:       cancel,
	}
	c.state.Store(int32(stateOpening))
	c.touch()

	if err := c.handshake(connectCtx); err != nil {
		cancel()
		_ = raw.Close()
		return nil, err
	}

	// Segment framing only engages once negotiation has settled on a
	// final protocol version: OPTIONS/STARTUP/AUTH themselves always use
	// legacy per-frame headers.
	c.segmented = c.cfg.ProtoVersion >= frame.ProtoVersion5

	c.state.Store(int32(stateReady))
	go c.serve()
	go c.heartbeatLoop()

	return c, nil
}

func (c *Conn) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

// handshake drives OPTIONS/SUPPORTED -> STARTUP -> optional AUTHENTICATE
// exchange, with a one-shot protocol downgrade on PROTOCOL_ERROR so an
// overly optimistic ProtoVersion still connects against an older server.
func (c *Conn) handshake(ctx context.Context) error {
	c.state.Store(int32(stateNegotiating))
	c.codec = newCodec(c.cfg.ProtoVersion, nil, c.cfg.MaxFrameLen)

	if _, _, err := c.rawExec(ctx, frame.OpOptions, nil, c.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("cannot open: OPTIONS: %w", err)
	}

	startupBody := encodeStartupBody(c.cfg)
	op, body, err := c.rawExec(ctx, frame.OpStartup, startupBody, c.cfg.ConnectTimeout)
	if err != nil {
		if isProtocolDowngradeNeeded(err) && c.cfg.ProtoVersion > frame.ProtoVersion3 {
			c.cfg.ProtoVersion--
			c.codec = newCodec(c.cfg.ProtoVersion, nil, c.cfg.MaxFrameLen)
			op, body, err = c.rawExec(ctx, frame.OpStartup, startupBody, c.cfg.ConnectTimeout)
			if err != nil {
				return fmt.Errorf("cannot open: STARTUP after downgrade: %w", err)
			}
		} else {
			return fmt.Errorf("cannot open: STARTUP: %w", err)
		}
	}

	switch op {
	case frame.OpReady:
		// negotiated compressor now that STARTUP succeeded
		c.codec = newCodec(c.cfg.ProtoVersion, c.cfg.Compressor, c.cfg.MaxFrameLen)
		return nil
	case frame.OpAuthenticate:
		c.state.Store(int32(stateAuthenticating))
		return c.authenticate(ctx, body)
	default:
		return newProtocolError("unexpected response to STARTUP: %s", op)
	}
}

func isProtocolDowngradeNeeded(err error) bool {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Kind == ErrKindProtocol
	}
	var pe *ProtocolError
	return errors.As(err, &pe)
}

func (c *Conn) authenticate(ctx context.Context, authenticateBody []byte) error {
	if c.cfg.Authenticator == nil {
		class := string(authenticateBody)
		return &AuthenticationError{Message: fmt.Sprintf("server requires %q but no Authenticator configured", class)}
	}

	resp, next, err := c.cfg.Authenticator.Challenge(authenticateBody)
	if err != nil {
		return &AuthenticationError{Message: err.Error()}
	}

	for {
		op, body, err := c.rawExec(ctx, frame.OpAuthResponse, frame.AppendBytes(nil, resp), c.cfg.ConnectTimeout)
		if err != nil {
			return fmt.Errorf("cannot open: auth response: %w", err)
		}

		switch op {
		case frame.OpAuthSuccess:
			if next != nil {
				return next.Success(body)
			}
			c.codec = newCodec(c.cfg.ProtoVersion, c.cfg.Compressor, c.cfg.MaxFrameLen)
			return nil
		case frame.OpAuthChallenge:
			if next == nil {
				return &AuthenticationError{Message: "server issued a second challenge but authenticator did not continue"}
			}
			resp, next, err = next.Challenge(body)
			if err != nil {
				return &AuthenticationError{Message: err.Error()}
			}
		default:
			return newProtocolError("unexpected response during authentication: %s", op)
		}
	}
}

func encodeStartupBody(cfg *ConnConfig) []byte {
	opts := map[string]string{
		"CQL_VERSION": "3.0.0",
	}
	if cfg.DriverName != "" {
		opts["DRIVER_NAME"] = cfg.DriverName
	}
	if cfg.DriverVersion != "" {
		opts["DRIVER_VERSION"] = cfg.DriverVersion
	}
	if cfg.Compressor != nil {
		opts["COMPRESSION"] = cfg.Compressor.Name()
	}
	var body []byte
	return frame.AppendStringMap(body, opts)
}

// rawExec sends a request frame and reads its response straight off the
// wire, bypassing the "Ready" state check and the serve loop — used only
// during handshake, before serve is running and before the connection is
// registered with its pool.
func (c *Conn) rawExec(ctx context.Context, op frame.Op, body []byte, timeout time.Duration) (frame.Op, []byte, error) {
	if timeout > 0 {
		_ = c.netConn.SetDeadline(time.Now().Add(timeout))
		defer func() { _ = c.netConn.SetDeadline(time.Time{}) }()
	}
	c.touch()
	if _, err := c.netConn.Write(c.codec.encode(op, 0, body)); err != nil {
		return 0, nil, err
	}
	h, respBody, err := c.nextFrame()
	if err == nil && h.Op == frame.OpError {
		err = decodeRequestError(respBody, c.host.ConnectAddress())
	}
	return h.Op, respBody, err
}

// exec allocates a stream, writes the request, and waits for its
// response, a context cancellation, or a per-attempt deadline.
func (c *Conn) exec(ctx context.Context, op frame.Op, body []byte, timeout time.Duration) (frame.Op, []byte, error) {
	streamID, ok := c.streamIDs.Get()
	if !ok {
		return 0, nil, ErrNoStreams
	}

	cl := &call{streamID: streamID, resp: make(chan callResponse, 1), done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.streamIDs.Put(streamID)
		return 0, nil, ErrConnectionClosed
	}
	c.calls[streamID] = cl
	c.mu.Unlock()

	frameBytes := c.codec.encode(op, streamID, body)
	onWire := frameBytes
	if c.segmented {
		segment, segErr := encodeSegment(frameBytes, true)
		if segErr != nil {
			c.removeCall(streamID)
			c.streamIDs.Put(streamID)
			close(cl.done)
			return 0, nil, &QueryError{Err: segErr, PotentiallyExecuted: false}
		}
		onWire = segment
	}

	c.wmu.Lock()
	if timeout > 0 {
		_ = c.netConn.SetWriteDeadline(time.Now().Add(timeout))
	}
	_, writeErr := c.netConn.Write(onWire)
	c.wmu.Unlock()
	c.touch()

	if writeErr != nil {
		c.removeCall(streamID)
		c.streamIDs.Put(streamID)
		close(cl.done)
		return 0, nil, &QueryError{Err: writeErr, PotentiallyExecuted: true}
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case r := <-cl.resp:
		close(cl.done)
		c.releaseStream(cl)
		return r.op, r.body, r.err
	case <-timeoutCh:
		// Orphan the stream: it is not reclaimed until the server
		// responds or the connection closes — reusing it now would let
		// a late reply cross-talk with a new request.
		close(cl.done)
		c.markOrphan(streamID)
		return 0, nil, &QueryError{Err: newErr("no response received within timeout"), PotentiallyExecuted: true}
	case <-ctx.Done():
		close(cl.done)
		c.markOrphan(streamID)
		return 0, nil, &QueryError{Err: ctx.Err(), PotentiallyExecuted: true}
	case <-c.ctx.Done():
		close(cl.done)
		return 0, nil, &QueryError{Err: ErrConnectionClosed, PotentiallyExecuted: true}
	}
}

const maxOrphanStreams = 16

func (c *Conn) markOrphan(streamID int) {
	c.mu.Lock()
	delete(c.calls, streamID)
	c.orphans[streamID] = struct{}{}
	n := len(c.orphans)
	c.mu.Unlock()

	if n > maxOrphanStreams {
		c.closeWithError(fmt.Errorf("wideql: more than %d orphaned streams, resetting connection", maxOrphanStreams))
	}
}

func (c *Conn) releaseStream(cl *call) {
	c.removeCall(cl.streamID)
	c.streamIDs.Put(cl.streamID)
}

func (c *Conn) removeCall(streamID int) {
	c.mu.Lock()
	delete(c.calls, streamID)
	c.mu.Unlock()
}

// serve is the inbound demultiplex loop: it runs for the life of the
// connection, dispatching each frame by stream-id.
func (c *Conn) serve() {
	var err error
	for err == nil {
		err = c.recvOne()
	}
	c.closeWithError(err)
}

// nextFrame reads the next frame off the wire. Protocol v3/v4 connections
// read one frame header + body directly off c.r; v5+ connections instead
// read whole segments, each holding one or more frames, and drain a
// decoded segment's queue before reading the next one off the wire.
func (c *Conn) nextFrame() (frame.Header, []byte, error) {
	if !c.segmented {
		var headerBuf [frame.HeaderSize]byte
		h, err := c.codec.readHeader(c.r, headerBuf[:])
		if err != nil {
			return frame.Header{}, nil, err
		}
		body, err := c.codec.readBody(c.r, h)
		return h, body, err
	}

	for len(c.segmentQueue) == 0 {
		payload, err := decodeSegment(c.r)
		if err != nil {
			return frame.Header{}, nil, err
		}
		frames, err := c.splitSegmentPayload(payload)
		if err != nil {
			return frame.Header{}, nil, err
		}
		c.segmentQueue = frames
	}

	f := c.segmentQueue[0]
	c.segmentQueue = c.segmentQueue[1:]
	return f.header, f.body, nil
}

// splitSegmentPayload decodes every frame packed into one segment's
// payload, in order.
func (c *Conn) splitSegmentPayload(payload []byte) ([]pendingFrame, error) {
	br := bufio.NewReader(bytes.NewReader(payload))
	var out []pendingFrame
	for {
		if _, err := br.Peek(1); err != nil {
			break
		}
		var headerBuf [frame.HeaderSize]byte
		h, err := c.codec.readHeader(br, headerBuf[:])
		if err != nil {
			return nil, err
		}
		body, err := c.codec.readBody(br, h)
		if err != nil {
			return nil, err
		}
		out = append(out, pendingFrame{header: h, body: body})
	}
	return out, nil
}

func (c *Conn) recvOne() error {
	h, body, err := c.nextFrame()
	if err != nil {
		return err
	}
	c.touch()

	if h.Stream == -1 {
		if c.onEvent != nil {
			c.onEvent(h.Op, body)
		}
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if _, wasOrphan := c.orphans[h.Stream]; wasOrphan {
		delete(c.orphans, h.Stream)
		c.mu.Unlock()
		c.streamIDs.Put(h.Stream)
		return nil
	}
	cl, ok := c.calls[h.Stream]
	delete(c.calls, h.Stream)
	c.mu.Unlock()

	if !ok {
		// No handler: either a stray frame or one we already timed out
		// and already released — discard it.
		return nil
	}

	var respErr error
	if h.Op == frame.OpError {
		respErr = decodeRequestError(body, c.host.ConnectAddress())
	}

	select {
	case cl.resp <- callResponse{op: h.Op, body: body, err: respErr}:
	case <-cl.done:
		// caller already timed out; stream was released by markOrphan path
	}
	return nil
}

func (c *Conn) heartbeatLoop() {
	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-timer.C:
		}

		idleFor := time.Since(time.Unix(0, c.lastActivity.Load()))
		if idleFor < interval {
			timer.Reset(interval - idleFor)
			continue
		}

		readTimeout := c.cfg.ReadTimeout
		if readTimeout <= 0 {
			readTimeout = 12 * time.Second
		}
		if _, _, err := c.exec(c.ctx, frame.OpOptions, nil, readTimeout); err != nil {
			c.closeWithError(fmt.Errorf("wideql: heartbeat failed: %w", err))
			return
		}
		timer.Reset(interval)
	}
}

// Ready reports whether the connection completed its handshake and has
// not since closed.
func (c *Conn) Ready() bool { return connState(c.state.Load()) == stateReady }

// Closed reports whether the connection has been torn down.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// AvailableStreams is the number of stream-ids not currently claimed.
func (c *Conn) AvailableStreams() int { return c.streamIDs.Available() }

// Host is the endpoint this connection talks to.
func (c *Conn) Host() *Host { return c.host }

// Close tears the connection down without an associated error.
func (c *Conn) Close() { c.closeWithError(nil) }

func (c *Conn) closeWithError(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state.Store(int32(stateClosing))
	pending := c.calls
	c.calls = nil
	c.mu.Unlock()

	if err != nil {
		c.cfg.logger().Printf("wideql: connection to %s closed: %v", c.host.ConnectAddress(), err)
	}

	failErr := err
	if failErr == nil {
		failErr = ErrConnectionClosed
	}
	for _, cl := range pending {
		select {
		case cl.resp <- callResponse{err: &QueryError{Err: failErr, PotentiallyExecuted: true}}:
		case <-cl.done:
		}
	}

	c.cancel()
	_ = c.netConn.Close()
	c.state.Store(int32(stateClosed))

	if c.errorHandler != nil {
		c.errorHandler.HandleError(c, err, true)
	}
}

// SendRegister issues a REGISTER frame for the given event types; used
// only by the control channel.
func (c *Conn) SendRegister(ctx context.Context, eventTypes []string, timeout time.Duration) error {
	var body []byte
	body = frame.AppendStringList(body, eventTypes)
	op, respBody, err := c.exec(ctx, frame.OpRegister, body, timeout)
	if err != nil {
		return err
	}
	if op != frame.OpReady {
		if op == frame.OpError {
			return decodeRequestError(respBody, c.host.ConnectAddress())
		}
		return newProtocolError("unexpected response to REGISTER: %s", op)
	}
	return nil
}

// Exec sends an arbitrary opaque request body under the given opcode and
// returns the opaque response; this is the seam the executor (Component
// G), control channel (Component E), and prepared registry (Component H)
// all build on.
func (c *Conn) Exec(ctx context.Context, op frame.Op, body []byte, timeout time.Duration) (frame.Op, []byte, error) {
	if !c.Ready() {
		return 0, nil, ErrConnectionClosed
	}
	return c.exec(ctx, op, body, timeout)
}
