// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "context"

type publisherKey struct{}

// ContextWithPublisher tags ctx with the identity of the publishing connection.
func ContextWithPublisher(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, publisherKey{}, id)
}

// PublisherFromContext returns the publisher identity set by ContextWithPublisher.
func PublisherFromContext(ctx context.Context) string {
	id, _ := ctx.Value(publisherKey{}).(string)
	return id
}
