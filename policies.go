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

// Pluggable policies. Each policy family is a narrow interface with one
// or two default implementations: LoadBalancingPolicy/RetryPolicy/
// ReconnectionPolicy are independent, swappable fields rather than one
// big configuration object.

import (
	"net"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/hailocab/go-hostpool"
)

// --- Load balancing --------------------------------------------------------

// QueryPlan yields hosts in the order a request should try them. It is
// single-use and not safe for concurrent calls to Next.
type QueryPlan interface {
	Next() *Host
}

// LoadBalancingPolicy builds a QueryPlan for one request. Implementations
// read the current Snapshot themselves so plans always reflect live
// topology.
type LoadBalancingPolicy interface {
	Plan(keyspace string, partitionKey []byte, snapshot *Snapshot) QueryPlan
}

// RoundRobinPolicy cycles through every Local host, then every Remote
// host, skipping Ignored and Down hosts.
type RoundRobinPolicy struct {
	mu  sync.Mutex
	ctr uint64
}

func NewRoundRobinPolicy() *RoundRobinPolicy { return &RoundRobinPolicy{} }

func (p *RoundRobinPolicy) Plan(_ string, _ []byte, snap *Snapshot) QueryPlan {
	hosts := rankedHosts(snap)
	p.mu.Lock()
	start := int(p.ctr)
	p.ctr++
	p.mu.Unlock()
	// Rotate the Local and Remote groups separately so every plan keeps
	// Local hosts ahead of Remote ones.
	nLocal := 0
	for nLocal < len(hosts) && hosts[nLocal].Distance() == Local {
		nLocal++
	}
	ordered := make([]*Host, 0, len(hosts))
	for _, group := range [][]*Host{hosts[:nLocal], hosts[nLocal:]} {
		for i := range group {
			ordered = append(ordered, group[(start+i)%len(group)])
		}
	}
	return &slicePlan{hosts: ordered}
}

func rankedHosts(snap *Snapshot) []*Host {
	var local, remote []*Host
	for _, h := range snap.Hosts {
		if !h.IsUp() || h.Distance() == Ignored {
			continue
		}
		if h.Distance() == Local {
			local = append(local, h)
		} else {
			remote = append(remote, h)
		}
	}
	return append(local, remote...)
}

type slicePlan struct {
	hosts []*Host
	start int
	i     int
}

func (p *slicePlan) Next() *Host {
	if p.i >= len(p.hosts) {
		return nil
	}
	h := p.hosts[(p.start+p.i)%len(p.hosts)]
	p.i++
	return h
}

// TokenAwarePolicy tries the replicas owning partitionKey's token first,
// then falls back to fallback's plan for every host it didn't already
// try.
type TokenAwarePolicy struct {
	fallback LoadBalancingPolicy
}

func NewTokenAwarePolicy(fallback LoadBalancingPolicy) *TokenAwarePolicy {
	if fallback == nil {
		fallback = NewRoundRobinPolicy()
	}
	return &TokenAwarePolicy{fallback: fallback}
}

func (p *TokenAwarePolicy) Plan(keyspace string, partitionKey []byte, snap *Snapshot) QueryPlan {
	if partitionKey == nil || snap.Ring == nil {
		return p.fallback.Plan(keyspace, partitionKey, snap)
	}
	ks := snap.Keyspaces[keyspace]
	if ks == nil {
		return p.fallback.Plan(keyspace, partitionKey, snap)
	}

	tok := snap.Ring.partitioner.Hash(partitionKey)
	replicas := snap.Ring.ReplicasForToken(tok, ks)

	fallbackPlan := p.fallback.Plan(keyspace, partitionKey, snap)
	return &tokenAwarePlan{replicas: filterUsable(replicas), fallback: fallbackPlan}
}

func filterUsable(hosts []*Host) []*Host {
	out := make([]*Host, 0, len(hosts))
	for _, h := range hosts {
		if h.IsUp() && h.Distance() != Ignored {
			out = append(out, h)
		}
	}
	return out
}

type tokenAwarePlan struct {
	replicas []*Host
	fallback QueryPlan
	i        int
	sent     map[*Host]struct{}
}

func (p *tokenAwarePlan) Next() *Host {
	if p.sent == nil {
		p.sent = make(map[*Host]struct{}, len(p.replicas))
	}
	for p.i < len(p.replicas) {
		h := p.replicas[p.i]
		p.i++
		p.sent[h] = struct{}{}
		return h
	}
	for {
		h := p.fallback.Next()
		if h == nil {
			return nil
		}
		if _, already := p.sent[h]; already {
			continue
		}
		return h
	}
}

// HostPoolPolicy delegates host selection to an epsilon-greedy
// hostpool.HostPool. Every host a plan yields is marked successful at
// once, so selection does not reflect observed latency or failures.
type HostPoolPolicy struct {
	hp hostpool.HostPool

	mu    sync.Mutex
	addrs []string
}

func NewHostPoolPolicy() *HostPoolPolicy {
	return &HostPoolPolicy{hp: hostpool.NewEpsilonGreedy(nil, 0, &hostpool.LinearEpsilonValueCalculator{})}
}

func (p *HostPoolPolicy) Plan(_ string, _ []byte, snap *Snapshot) QueryPlan {
	hosts := rankedHosts(snap)
	addrs := make([]string, len(hosts))
	byAddr := make(map[string]*Host, len(hosts))
	for i, h := range hosts {
		addrs[i] = h.ConnectAddress()
		byAddr[h.ConnectAddress()] = h
	}

	p.mu.Lock()
	p.hp.SetHosts(addrs)
	p.addrs = addrs
	p.mu.Unlock()

	return &hostPoolPlan{policy: p, byAddr: byAddr, remaining: len(addrs)}
}

type hostPoolPlan struct {
	policy    *HostPoolPolicy
	byAddr    map[string]*Host
	remaining int
}

func (p *hostPoolPlan) Next() *Host {
	if p.remaining <= 0 || len(p.byAddr) == 0 {
		return nil
	}
	resp := p.policy.hp.Get()
	h, ok := p.byAddr[resp.Host()]
	if !ok {
		return nil
	}
	delete(p.byAddr, resp.Host())
	p.remaining--
	// Mark success immediately; the executor has no callback hook into
	// per-attempt outcomes at plan-build time, so this policy rewards
	// plan order rather than observed latency.
	resp.Mark(nil)
	return h
}

// --- Retry -------------------------------------------------------------

// RetryDecision is what the executor should do after a failed attempt.
type RetryDecision int

const (
	RetryRethrow RetryDecision = iota
	RetrySameHost
	RetryNextHost
	RetryIgnore
)

// RetryPolicy decides how to react to a request error. Num is the
// number of retries already attempted for this request.
type RetryPolicy interface {
	OnReadTimeout(err *RequestError, num int) (RetryDecision, Consistency)
	OnWriteTimeout(err *RequestError, num int, idempotent bool) (RetryDecision, Consistency)
	OnUnavailable(err *RequestError, num int) (RetryDecision, Consistency)
	OnRequestError(err error, num int, idempotent bool) (RetryDecision, Consistency)
}

// SimpleRetryPolicy allows up to NumRetries retries: a read timeout is
// retried on the same host when enough replicas responded, a write
// timeout on the same host when the request is idempotent, an
// unavailable error on the next host, and a connection-level error on
// the next host when the request is idempotent; it gives up otherwise.
type SimpleRetryPolicy struct {
	NumRetries int
}

func NewSimpleRetryPolicy(numRetries int) *SimpleRetryPolicy {
	if numRetries <= 0 {
		numRetries = 1
	}
	return &SimpleRetryPolicy{NumRetries: numRetries}
}

func (p *SimpleRetryPolicy) OnReadTimeout(err *RequestError, num int) (RetryDecision, Consistency) {
	if num >= p.NumRetries {
		return RetryRethrow, 0
	}
	if err.Received >= err.BlockFor {
		return RetrySameHost, err.Consistency
	}
	return RetryRethrow, 0
}

func (p *SimpleRetryPolicy) OnWriteTimeout(err *RequestError, num int, idempotent bool) (RetryDecision, Consistency) {
	if num >= p.NumRetries || !idempotent {
		return RetryRethrow, 0
	}
	return RetrySameHost, err.Consistency
}

func (p *SimpleRetryPolicy) OnUnavailable(err *RequestError, num int) (RetryDecision, Consistency) {
	if num >= p.NumRetries {
		return RetryRethrow, 0
	}
	return RetryNextHost, err.Consistency
}

func (p *SimpleRetryPolicy) OnRequestError(err error, num int, idempotent bool) (RetryDecision, Consistency) {
	if num >= p.NumRetries || !idempotent {
		return RetryRethrow, 0
	}
	return RetryNextHost, 0
}

// DowngradingConsistencyRetryPolicy additionally downgrades consistency
// when enough replicas responded to satisfy a weaker level, trading
// strict consistency for availability.
type DowngradingConsistencyRetryPolicy struct{}

func (DowngradingConsistencyRetryPolicy) OnReadTimeout(err *RequestError, num int) (RetryDecision, Consistency) {
	if num > 0 {
		return RetryRethrow, 0
	}
	if dc, ok := downgrade(err.Consistency, err.Received); ok {
		return RetrySameHost, dc
	}
	return RetryRethrow, 0
}

func (DowngradingConsistencyRetryPolicy) OnWriteTimeout(err *RequestError, num int, idempotent bool) (RetryDecision, Consistency) {
	if num > 0 || !idempotent {
		return RetryRethrow, 0
	}
	if err.WriteType == "BATCH_LOG" {
		return RetrySameHost, err.Consistency
	}
	return RetryRethrow, 0
}

func (DowngradingConsistencyRetryPolicy) OnUnavailable(err *RequestError, num int) (RetryDecision, Consistency) {
	if num > 0 {
		return RetryRethrow, 0
	}
	if dc, ok := downgrade(err.Consistency, err.Received); ok {
		return RetryNextHost, dc
	}
	return RetryRethrow, 0
}

func (DowngradingConsistencyRetryPolicy) OnRequestError(err error, num int, idempotent bool) (RetryDecision, Consistency) {
	if num > 0 || !idempotent {
		return RetryRethrow, 0
	}
	return RetryNextHost, 0
}

func downgrade(requested Consistency, received int) (Consistency, bool) {
	switch {
	case received >= 3:
		return Three, true
	case received == 2:
		return Two, true
	case received == 1:
		return One, true
	default:
		return 0, false
	}
}

// --- Speculative execution -----------------------------------------------

// SpeculativeExecutionPolicy decides when to launch additional parallel
// attempts against subsequent hosts in the query plan before the first
// attempt has responded.
type SpeculativeExecutionPolicy interface {
	Delay(attempt int) (time.Duration, bool)
}

// ExponentialSpeculativeExecutionPolicy issues up to MaxAttempts
// additional attempts, spaced by a delay that doubles each time starting
// from BaseDelay.
type ExponentialSpeculativeExecutionPolicy struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

func (p ExponentialSpeculativeExecutionPolicy) Delay(attempt int) (time.Duration, bool) {
	if attempt >= p.MaxAttempts {
		return 0, false
	}
	return p.BaseDelay * time.Duration(1<<uint(attempt)), true
}

// NoSpeculativeExecution disables speculative retries entirely.
type NoSpeculativeExecution struct{}

func (NoSpeculativeExecution) Delay(int) (time.Duration, bool) { return 0, false }

// --- Reconnection ----------------------------------------------------------

// ReconnectionPolicy produces the backoff schedule a host pool follows
// while trying to restore a down host.
type ReconnectionPolicy interface {
	NewSchedule() ReconnectionSchedule
}

// ReconnectionSchedule yields the delay before each successive attempt.
type ReconnectionSchedule interface {
	NextDelay() time.Duration
}

// ExponentialReconnectionPolicy wraps cenkalti/backoff/v4's exponential
// backoff: the interval doubles from BaseDelay up to MaxInterval, and
// each delay is randomized by ±20%.
type ExponentialReconnectionPolicy struct {
	BaseDelay   time.Duration
	MaxInterval time.Duration
}

func NewExponentialReconnectionPolicy(base, max time.Duration) *ExponentialReconnectionPolicy {
	return &ExponentialReconnectionPolicy{BaseDelay: base, MaxInterval: max}
}

func (p *ExponentialReconnectionPolicy) NewSchedule() ReconnectionSchedule {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	return &backoffSchedule{b: b}
}

type backoffSchedule struct {
	b *backoff.ExponentialBackOff
}

func (s *backoffSchedule) NextDelay() time.Duration {
	d := s.b.NextBackOff()
	if d == backoff.Stop {
		return s.b.MaxInterval
	}
	return d
}

// ConstantReconnectionPolicy retries at a single fixed interval.
type ConstantReconnectionPolicy struct {
	Interval time.Duration
}

func (p ConstantReconnectionPolicy) NewSchedule() ReconnectionSchedule {
	return constantSchedule{interval: p.Interval}
}

type constantSchedule struct{ interval time.Duration }

func (s constantSchedule) NextDelay() time.Duration { return s.interval }

// --- Address translation ---------------------------------------------------

// AddressTranslator rewrites a gossip-advertised address before it is
// dialed, for deployments where clients sit behind NAT relative to
// cluster-internal addresses.
type AddressTranslator interface {
	Translate(addr net.IP, port int) (net.IP, int)
}

// IdentityTranslator performs no translation.
type IdentityTranslator struct{}

func (IdentityTranslator) Translate(addr net.IP, port int) (net.IP, int) { return addr, port }

// MapAddressTranslator looks up a static private->public address map,
// falling back to the identity mapping for unknown addresses.
type MapAddressTranslator struct {
	Addrs map[string]net.IP
	Ports map[string]int
}

func (m MapAddressTranslator) Translate(addr net.IP, port int) (net.IP, int) {
	key := addr.String()
	outAddr, ok := m.Addrs[key]
	if !ok {
		outAddr = addr
	}
	outPort, ok := m.Ports[key]
	if !ok {
		outPort = port
	}
	return outAddr, outPort
}

// --- Timestamp generation ---------------------------------------------------

// TimestampGenerator produces client-side write timestamps in
// microseconds since the epoch.
type TimestampGenerator interface {
	Next() int64
}

// MonotonicTimestampGenerator guarantees each call returns a strictly
// larger value than the last, even across clock regressions, by holding
// the previous value and bumping by one microsecond when wall-clock time
// hasn't advanced.
type MonotonicTimestampGenerator struct {
	mu   sync.Mutex
	last int64
	warn func(skewMicros int64)
}

func NewMonotonicTimestampGenerator(onRegression func(skewMicros int64)) *MonotonicTimestampGenerator {
	return &MonotonicTimestampGenerator{warn: onRegression}
}

func (g *MonotonicTimestampGenerator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMicro()
	if now <= g.last {
		if g.warn != nil && g.last-now > 0 {
			g.warn(g.last - now)
		}
		now = g.last + 1
	}
	g.last = now
	return now
}
