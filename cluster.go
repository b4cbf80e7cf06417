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

// Cluster bootstrap. Resolves contact points, brings up the control
// channel and then the host pools concurrently under a deadline, and
// exposes an idempotent Shutdown.

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ClusterConfig is the single entry point for configuring a Cluster: one
// struct with every pluggable policy as an independent, swappable field
// rather than a builder chain.
type ClusterConfig struct {
	ContactPoints []string
	Port          int
	Keyspace      string

	ProtoVersion byte

	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	HeartbeatInterval time.Duration

	Authenticator Authenticator
	TLS           *TLSWrapper
	Compressor    Compressor

	CoreConnsLocal  int
	CoreConnsRemote int

	LoadBalancingPolicy        LoadBalancingPolicy
	RetryPolicy                RetryPolicy
	SpeculativeExecutionPolicy SpeculativeExecutionPolicy
	ReconnectionPolicy         ReconnectionPolicy
	AddressTranslator          AddressTranslator
	TimestampGenerator         TimestampGenerator

	DefaultConsistency  Consistency
	DefaultIdempotence  bool

	Logger StdLogger

	// InitTimeout bounds the whole concurrent-init step; if zero it
	// defaults to 2 * ConnectTimeout * len(ContactPoints), with a floor
	// of 10s.
	InitTimeout time.Duration
}

// NewClusterConfig returns a config with every policy defaulted, ready
// to adjust fields on before calling NewCluster.
func NewClusterConfig(contactPoints ...string) *ClusterConfig {
	return &ClusterConfig{
		ContactPoints:              contactPoints,
		Port:                       9042,
		ProtoVersion:               4,
		ConnectTimeout:             5 * time.Second,
		ReadTimeout:                10 * time.Second,
		HeartbeatInterval:          30 * time.Second,
		Compressor:                 S2Compressor{},
		CoreConnsLocal:             2,
		CoreConnsRemote:            1,
		LoadBalancingPolicy:        NewTokenAwarePolicy(NewRoundRobinPolicy()),
		RetryPolicy:                NewSimpleRetryPolicy(1),
		SpeculativeExecutionPolicy: NoSpeculativeExecution{},
		ReconnectionPolicy:         NewExponentialReconnectionPolicy(time.Second, 10*time.Minute),
		AddressTranslator:          IdentityTranslator{},
		DefaultConsistency:         Quorum,
	}
}

// Cluster owns every long-lived resource shared across sessions: the
// Metadata store, one ConnPoolSet, the control channel, the prepared
// registry, and the Executor built from the configured policies.
type Cluster struct {
	cfg      *ClusterConfig
	metadata *Metadata
	pools    *ConnPoolSet
	control  *controlConn
	prepared *PreparedRegistry
	executor *Executor

	closed atomic.Bool
}

// NewCluster resolves contact points, connects the control channel,
// fills every discovered host's pool, and returns a ready Cluster. Init
// runs under a deadline derived from ConnectTimeout and the contact
// point count so a completely unreachable cluster fails fast rather than
// hanging.
func NewCluster(ctx context.Context, cfg *ClusterConfig) (*Cluster, error) {
	if cfg.Logger == nil {
		cfg.Logger = newDefaultLogger()
	}

	initTimeout := cfg.InitTimeout
	if initTimeout <= 0 {
		initTimeout = 2 * cfg.ConnectTimeout * time.Duration(len(cfg.ContactPoints))
		if initTimeout < 10*time.Second {
			initTimeout = 10 * time.Second
		}
	}
	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	contactHosts, err := resolveContactPoints(cfg.ContactPoints, cfg.Port)
	if err != nil {
		return nil, err
	}

	metadata := NewMetadata()
	connCfg := &ConnConfig{
		Authenticator:      cfg.Authenticator,
		TLS:                cfg.TLS,
		Compressor:         cfg.Compressor,
		Logger:             cfg.Logger,
		ProtoVersion:       cfg.ProtoVersion,
		ConnectTimeout:     cfg.ConnectTimeout,
		ReadTimeout:        cfg.ReadTimeout,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		DriverName:         "wideql",
		DriverVersion:      "1.0.0",
	}

	poolCfg := &PoolConfig{
		ConnConfig:         connCfg,
		CoreConnsLocal:     cfg.CoreConnsLocal,
		CoreConnsRemote:    cfg.CoreConnsRemote,
		ReconnectionPolicy: cfg.ReconnectionPolicy,
		Logger:             cfg.Logger,
	}
	pools := NewConnPoolSet(poolCfg)

	control := newControlConn(connCfg, metadata, cfg.ReconnectionPolicy, cfg.Logger, cfg.Port, func() []*Host {
		snap := metadata.Current()
		if len(snap.Hosts) > 0 {
			hosts := make([]*Host, 0, len(snap.Hosts))
			for _, h := range snap.Hosts {
				if h.IsUp() {
					hosts = append(hosts, h)
				}
			}
			if len(hosts) > 0 {
				return hosts
			}
		}
		return contactHosts
	})

	if err := control.connect(initCtx); err != nil {
		return nil, fmt.Errorf("wideql: cluster init: control connection: %w", err)
	}

	prepared := NewPreparedRegistry(pools, metadata)

	snap := metadata.Current()
	g, gctx := errgroup.WithContext(initCtx)
	for _, h := range snap.Hosts {
		h := h
		g.Go(func() error {
			pools.EnsurePool(gctx, h)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		control.Close()
		pools.CloseAll()
		return nil, err
	}

	metadata.Subscribe(func(kind MetadataEventKind, host *Host, _ *Snapshot) {
		if kind == EventHostUp && host != nil {
			go prepared.ReprepareOnUp(context.Background(), host)
		}
		if kind == EventHostRemoved && host != nil {
			pools.Remove(host)
		}
	})

	executor := NewExecutor(pools, metadata, prepared,
		cfg.LoadBalancingPolicy, cfg.RetryPolicy, cfg.SpeculativeExecutionPolicy, cfg.TimestampGenerator,
		cfg.DefaultConsistency, cfg.ReadTimeout, cfg.Logger)

	return &Cluster{cfg: cfg, metadata: metadata, pools: pools, control: control, prepared: prepared, executor: executor}, nil
}

// NewSession returns a Session bound to this Cluster. Sessions are
// lightweight: every Cluster resource is shared, so creating many
// Sessions from one Cluster is cheap.
func (c *Cluster) NewSession() *Session { return &Session{cluster: c} }

// Shutdown tears down the control connection and every host pool. It is
// safe to call more than once; only the first call has any effect.
func (c *Cluster) Shutdown() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.control.Close()
	c.pools.CloseAll()
}

// resolveContactPoints turns a list of host[:port] strings or bare IPs
// into Hosts, deduplicating by resolved address and falling back to the
// configured port when none is specified. A bare hostname that resolves
// to more than one address contributes one Host per address.
func resolveContactPoints(points []string, defaultPort int) ([]*Host, error) {
	seen := make(map[string]struct{})
	var out []*Host

	for _, p := range points {
		host, portStr, err := net.SplitHostPort(p)
		port := defaultPort
		if err != nil {
			host = p
		} else if portStr != "" {
			if n, convErr := parsePort(portStr); convErr == nil {
				port = n
			}
		}

		ips, err := net.LookupIP(host)
		if err != nil {
			if ip := net.ParseIP(host); ip != nil {
				ips = []net.IP{ip}
			} else {
				return nil, fmt.Errorf("wideql: resolve contact point %q: %w", p, err)
			}
		}

		for _, ip := range ips {
			key := fmt.Sprintf("%s:%d", ip.String(), port)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			h := NewHost(uuid.New(), ip, port)
			out = append(out, h)
		}
	}

	if len(out) == 0 {
		return resolveContactPoints([]string{"127.0.0.1"}, defaultPort)
	}
	return out, nil
}

func parsePort(s string) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, newProtocolError("invalid port %q", s)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
