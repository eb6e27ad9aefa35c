// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wiring turns accepted transport connections into DST agents.
package wiring

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/absmach/fluxpush/config"
	"github.com/absmach/fluxpush/dst"
	"github.com/absmach/fluxpush/dst/agent"
	"github.com/absmach/fluxpush/dst/broker"
	"github.com/absmach/fluxpush/dst/packets"
	"github.com/absmach/fluxpush/ratelimit"
	"github.com/absmach/fluxpush/server/otel"
)

// Limiter gates new connections and per-agent operations.
type Limiter interface {
	ratelimit.AcceptLimiter
	ratelimit.OperationLimiter
}

// Options configures a Handler.
type Options struct {
	Connection dst.Options
	Agent      agent.Options
	// Limiter may be nil.
	Limiter Limiter
}

// OptionsFromConfig derives handler options from the server and broker sections.
func OptionsFromConfig(cfg config.Config) (Options, error) {
	level, err := packets.ParseLevel(cfg.Broker.DefaultLevel)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Connection: dst.Options{
			QueueSize:        cfg.Server.SendQueueSize,
			DisconnectOnFull: true,
			MaxPayload:       cfg.Broker.MaxMessageSize,
			ReadTimeout:      cfg.Server.ReadTimeout,
		},
		Agent: agent.Options{
			DefaultLevel: level,
			DedupWindow:  cfg.Broker.DedupWindow,
		},
	}, nil
}

// Handler serves every accepted connection with its own agent, all bound
// to one hall and one policy.
type Handler struct {
	hall    *broker.Hall
	policy  agent.Policy
	opts    Options
	logger  *slog.Logger
	metrics *otel.Metrics
	active  atomic.Int64
}

// NewHandler creates a handler. metrics and notifier may be nil.
func NewHandler(hall *broker.Hall, policy agent.Policy, opts Options, logger *slog.Logger, metrics *otel.Metrics, notifier broker.Notifier) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	opts.Agent.Logger = logger
	opts.Agent.Metrics = metrics
	opts.Agent.Notifier = notifier
	if opts.Limiter != nil {
		opts.Agent.Limiter = opts.Limiter
	}
	return &Handler{
		hall:    hall,
		policy:  policy,
		opts:    opts,
		logger:  logger,
		metrics: metrics,
	}
}

// HandleConn runs an agent on conn until the connection ends or ctx is
// cancelled. The transport name is taken from the remote address network.
func (h *Handler) HandleConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr()
	if h.opts.Limiter != nil && !h.opts.Limiter.Allow(remote) {
		h.metrics.RecordError("connection_rate_limited")
		h.logger.Warn("connection rate limited", slog.String("remote", remote.String()))
		conn.Close()
		return
	}

	opts := h.opts.Agent
	opts.Transport = remote.Network()

	a, err := agent.New(dst.NewConnection(conn, h.opts.Connection), h.hall, h.policy, opts)
	if err != nil {
		h.logger.Error("agent_create_failed", slog.String("error", err.Error()))
		conn.Close()
		return
	}

	h.active.Add(1)
	defer h.active.Add(-1)

	if err := a.Serve(ctx); err != nil {
		h.logger.Debug("agent_stopped",
			slog.String("agent", a.ID()),
			slog.String("error", err.Error()))
	}
}

// Active returns the number of connections currently served.
func (h *Handler) Active() int64 {
	return h.active.Load()
}
