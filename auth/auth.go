// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package auth holds the credential and permission extension points
// consulted by connection agents.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"

	"github.com/absmach/fluxpush/config"
)

// ErrInvalidCredentials is returned when a username/password pair is refused.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Backend validates the credentials carried by CONNECT.
// A nil error accepts the connection.
type Backend interface {
	Authenticate(ctx context.Context, username, password string) error
}

// Authorizer checks topic permissions of an authenticated user.
type Authorizer interface {
	CanPublish(username, topic string) bool
	CanSubscribe(username, topic string) bool
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, username, password string) error

// Authenticate calls f.
func (f BackendFunc) Authenticate(ctx context.Context, username, password string) error {
	return f(ctx, username, password)
}

// AllowAll accepts every CONNECT.
type AllowAll struct{}

// Authenticate always succeeds.
func (AllowAll) Authenticate(context.Context, string, string) error {
	return nil
}

// Static authenticates against a fixed username/password table.
type Static struct {
	users map[string]string
}

// NewStatic creates a backend from a username -> password table.
func NewStatic(users map[string]string) *Static {
	cp := make(map[string]string, len(users))
	for u, p := range users {
		cp[u] = p
	}
	return &Static{users: cp}
}

// Authenticate compares password with the stored one in constant time.
func (s *Static) Authenticate(_ context.Context, username, password string) error {
	want, ok := s.users[username]
	if !ok || subtle.ConstantTimeCompare([]byte(want), []byte(password)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// FromConfig returns the backend described by cfg: a static table when
// users are configured, AllowAll otherwise.
func FromConfig(cfg config.AuthConfig) Backend {
	if len(cfg.Users) == 0 {
		return AllowAll{}
	}
	return NewStatic(cfg.Users)
}

// Engine combines an optional Backend and Authorizer. Missing parts allow.
type Engine struct {
	backend Backend
	authz   Authorizer
}

// NewEngine creates an engine. Either argument may be nil.
func NewEngine(backend Backend, authz Authorizer) *Engine {
	return &Engine{backend: backend, authz: authz}
}

// Authenticate validates credentials.
func (e *Engine) Authenticate(ctx context.Context, username, password string) error {
	if e == nil || e.backend == nil {
		return nil
	}
	return e.backend.Authenticate(ctx, username, password)
}

// CanPublish reports whether username may publish to topic.
func (e *Engine) CanPublish(username, topic string) bool {
	if e == nil || e.authz == nil {
		return true
	}
	return e.authz.CanPublish(username, topic)
}

// CanSubscribe reports whether username may subscribe to topic.
func (e *Engine) CanSubscribe(username, topic string) bool {
	if e == nil || e.authz == nil {
		return true
	}
	return e.authz.CanSubscribe(username, topic)
}
