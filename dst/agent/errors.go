// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package agent

import "errors"

var (
	// ErrProtocolViolation covers DST grammar errors, arity mismatches and
	// packages that are not valid in the current state.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrConnectRejected is returned when CONNECT is refused by the auth backend.
	ErrConnectRejected = errors.New("connect rejected")
)
