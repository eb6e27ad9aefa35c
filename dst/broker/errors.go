// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "errors"

var (
	ErrAckTimeout        = errors.New("acknowledgment retry budget exhausted")
	ErrInflightFull      = errors.New("inflight window full")
	ErrHallClosed        = errors.New("message hall closed")
	ErrRegistryDestroyed = errors.New("subscription registry destroyed")
	ErrInvalidTopic      = errors.New("invalid topic")
	ErrUnknownIdentifier = errors.New("no inflight message with this identifier")
	ErrLevelMismatch     = errors.New("acknowledgment type does not match delivery level")
)
