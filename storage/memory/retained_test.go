// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"testing"

	"github.com/absmach/fluxpush/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetainedStore(t *testing.T) {
	ctx := context.Background()
	store := New()
	defer store.Close()
	rs := store.Retained()

	_, err := rs.Get(ctx, "news")
	require.ErrorIs(t, err, storage.ErrNotFound)

	payload := []byte("hello")
	require.NoError(t, rs.Set(ctx, "news", &storage.Message{Topic: "news", Payload: payload}))
	payload[0] = 'j'

	got, err := rs.Get(ctx, "news")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got.Payload, "store keeps its own copy")

	got.Payload[0] = 'y'
	again, err := rs.Get(ctx, "news")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), again.Payload, "callers receive copies")

	n, err := rs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, rs.Set(ctx, "news", &storage.Message{Topic: "news"}))
	_, err = rs.Get(ctx, "news")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, rs.Set(ctx, "a", &storage.Message{Topic: "a", Payload: []byte("1")}))
	require.NoError(t, rs.Delete(ctx, "a"))
	require.NoError(t, rs.Delete(ctx, "a"))
	n, err = rs.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
