// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/absmach/fluxpush/config"
	"github.com/stretchr/testify/assert"
)

type prefixAuthz struct{ prefix string }

func (a prefixAuthz) CanPublish(_, topic string) bool   { return len(topic) >= len(a.prefix) && topic[:len(a.prefix)] == a.prefix }
func (a prefixAuthz) CanSubscribe(_, topic string) bool { return true }

func TestStatic(t *testing.T) {
	ctx := context.Background()
	users := map[string]string{"alice": "secret"}
	s := NewStatic(users)
	users["alice"] = "changed"

	assert.NoError(t, s.Authenticate(ctx, "alice", "secret"))
	assert.ErrorIs(t, s.Authenticate(ctx, "alice", "wrong"), ErrInvalidCredentials)
	assert.ErrorIs(t, s.Authenticate(ctx, "bob", "secret"), ErrInvalidCredentials)
	assert.ErrorIs(t, s.Authenticate(ctx, "alice", ""), ErrInvalidCredentials)
}

func TestFromConfig(t *testing.T) {
	ctx := context.Background()

	assert.IsType(t, AllowAll{}, FromConfig(config.AuthConfig{}))
	assert.NoError(t, FromConfig(config.AuthConfig{}).Authenticate(ctx, "anyone", ""))

	b := FromConfig(config.AuthConfig{Users: map[string]string{"alice": "secret"}})
	assert.NoError(t, b.Authenticate(ctx, "alice", "secret"))
	assert.Error(t, b.Authenticate(ctx, "anyone", ""))
}

func TestBackendFunc(t *testing.T) {
	denied := errors.New("denied")
	f := BackendFunc(func(_ context.Context, username, _ string) error {
		if username == "root" {
			return denied
		}
		return nil
	})

	assert.NoError(t, f.Authenticate(context.Background(), "alice", ""))
	assert.ErrorIs(t, f.Authenticate(context.Background(), "root", ""), denied)
}

func TestEngine(t *testing.T) {
	ctx := context.Background()

	var nilEngine *Engine
	assert.NoError(t, nilEngine.Authenticate(ctx, "a", "b"))
	assert.True(t, nilEngine.CanPublish("a", "t"))

	e := NewEngine(nil, prefixAuthz{prefix: "public/"})
	assert.NoError(t, e.Authenticate(ctx, "a", "b"))
	assert.True(t, e.CanPublish("a", "public/news"))
	assert.False(t, e.CanPublish("a", "private"))
	assert.True(t, e.CanSubscribe("a", "private"))
}
