// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package middleware decorates agent policies.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/fluxpush/dst/agent"
	"github.com/absmach/fluxpush/dst/packets"
)

var _ agent.Policy = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger *slog.Logger
	next   agent.Policy
}

// NewLogging wraps policy so that every handler call is logged at debug
// level with its duration and outcome.
func NewLogging(policy agent.Policy, logger *slog.Logger) agent.Policy {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == nil {
		policy = agent.NewBasePolicy(nil, logger)
	}
	return &loggingMiddleware{logger: logger, next: policy}
}

func (lm *loggingMiddleware) log(op string, a *agent.Agent, begin time.Time, err error, attrs ...slog.Attr) {
	attrs = append(attrs,
		slog.String("agent", a.ID()),
		slog.String("duration", time.Since(begin).String()),
	)
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	lm.logger.LogAttrs(context.Background(), slog.LevelDebug, op, attrs...)
}

func (lm *loggingMiddleware) OnConnect(ctx context.Context, a *agent.Agent, pkg *packets.Package, username, password string) (err error) {
	defer func(begin time.Time) {
		lm.log("OnConnect", a, begin, err,
			slog.String("username", username),
			slog.Any("remote_addr", a.RemoteAddr()))
	}(time.Now())
	return lm.next.OnConnect(ctx, a, pkg, username, password)
}

func (lm *loggingMiddleware) OnSubscribe(ctx context.Context, a *agent.Agent, topic string) (err error) {
	defer func(begin time.Time) {
		lm.log("OnSubscribe", a, begin, err, slog.String("topic", topic))
	}(time.Now())
	return lm.next.OnSubscribe(ctx, a, topic)
}

func (lm *loggingMiddleware) OnUnsubscribe(ctx context.Context, a *agent.Agent, topic string) (err error) {
	defer func(begin time.Time) {
		lm.log("OnUnsubscribe", a, begin, err, slog.String("topic", topic))
	}(time.Now())
	return lm.next.OnUnsubscribe(ctx, a, topic)
}

func (lm *loggingMiddleware) OnPublish(ctx context.Context, a *agent.Agent, pkg *packets.Package, topic string, message []byte) (err error) {
	defer func(begin time.Time) {
		lm.log("OnPublish", a, begin, err,
			slog.String("topic", topic),
			slog.String("level", pkg.Level().String()),
			slog.Bool("retain", pkg.Retain()),
			slog.Int("size", len(message)))
	}(time.Now())
	return lm.next.OnPublish(ctx, a, pkg, topic, message)
}

func (lm *loggingMiddleware) OnPushMessageAck(ctx context.Context, a *agent.Agent, id uint64) (err error) {
	defer func(begin time.Time) {
		lm.log("OnPushMessageAck", a, begin, err, slog.Uint64("identifier", id))
	}(time.Now())
	return lm.next.OnPushMessageAck(ctx, a, id)
}

func (lm *loggingMiddleware) OnExactlyOnceMessageAck(ctx context.Context, a *agent.Agent, id uint64) (err error) {
	defer func(begin time.Time) {
		lm.log("OnExactlyOnceMessageAck", a, begin, err, slog.Uint64("identifier", id))
	}(time.Now())
	return lm.next.OnExactlyOnceMessageAck(ctx, a, id)
}

func (lm *loggingMiddleware) OnPing(ctx context.Context, a *agent.Agent, pkg *packets.Package) (err error) {
	defer func(begin time.Time) {
		lm.log("OnPing", a, begin, err)
	}(time.Now())
	return lm.next.OnPing(ctx, a, pkg)
}

func (lm *loggingMiddleware) OnDisconnect(ctx context.Context, a *agent.Agent) (err error) {
	defer func(begin time.Time) {
		lm.log("OnDisconnect", a, begin, err)
	}(time.Now())
	return lm.next.OnDisconnect(ctx, a)
}

func (lm *loggingMiddleware) OnProtocolViolation(ctx context.Context, a *agent.Agent, err error) {
	defer func(begin time.Time) {
		lm.log("OnProtocolViolation", a, begin, err)
	}(time.Now())
	lm.next.OnProtocolViolation(ctx, a, err)
}

func (lm *loggingMiddleware) OnConnectRejected(ctx context.Context, a *agent.Agent, err error) {
	defer func(begin time.Time) {
		lm.log("OnConnectRejected", a, begin, err)
	}(time.Now())
	lm.next.OnConnectRejected(ctx, a, err)
}
