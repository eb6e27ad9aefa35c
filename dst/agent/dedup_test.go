// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeduplicatorSeen(t *testing.T) {
	d, err := NewDeduplicator(4)
	require.NoError(t, err)

	assert.False(t, d.Seen(1))
	assert.True(t, d.Seen(1))
	assert.False(t, d.Seen(2))
	assert.Equal(t, 2, d.Len())

	d.Forget(1)
	assert.False(t, d.Seen(1))
}

func TestDeduplicatorWindowEvictsOldest(t *testing.T) {
	d, err := NewDeduplicator(2)
	require.NoError(t, err)

	d.Seen(1)
	d.Seen(2)
	d.Seen(3)

	assert.Equal(t, 2, d.Len())
	assert.False(t, d.Seen(1))
}

func TestDeduplicatorDefaultWindow(t *testing.T) {
	d, err := NewDeduplicator(0)
	require.NoError(t, err)

	for i := range DefaultDedupWindow + 10 {
		d.Seen(uint64(i))
	}
	assert.Equal(t, DefaultDedupWindow, d.Len())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting_connect", AwaitingConnect.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "state(9)", State(9).String())
}
