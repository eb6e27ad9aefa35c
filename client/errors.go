// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "errors"

// Client errors.
var (
	// Configuration errors.
	ErrNoServers    = errors.New("no servers configured")
	ErrInvalidLevel = errors.New("invalid delivery level")

	// Connection errors.
	ErrNotConnected     = errors.New("client not connected")
	ErrAlreadyConnected = errors.New("client already connected")
	ErrConnectFailed    = errors.New("connection failed")
	ErrConnectRejected  = errors.New("connection rejected by broker")

	// Operation errors.
	ErrTimeout        = errors.New("operation timed out")
	ErrMaxInflight    = errors.New("maximum inflight publishes exceeded")
	ErrConnectionLost = errors.New("connection lost")
	ErrClientClosed   = errors.New("client has been closed")
	ErrInvalidTopic   = errors.New("invalid topic")

	// Protocol errors.
	ErrUnexpectedPackage = errors.New("unexpected package type")
	ErrMalformedPush     = errors.New("malformed push body")
)
