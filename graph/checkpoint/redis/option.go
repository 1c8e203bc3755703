//
// Tencent is pleased to support the open source community by making graphrun available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// graphrun is licensed under the Apache License Version 2.0.
//
//

package redis

import (
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL = time.Hour * 24 * 7 // 7 days
)

var defaultOptions = Options{
	ttl: defaultTTL,
}

// Options is the options for the redis checkpoint saver.
type Options struct {
	url    string
	client redis.UniversalClient
	ttl    time.Duration
}

// Option is the option for the redis checkpoint saver.
type Option func(*Options)

// WithClientURL creates a redis client from URL and sets it to the saver.
func WithClientURL(url string) Option {
	return func(opts *Options) {
		opts.url = url
	}
}

// WithClient uses an existing redis client.
// Note: WithClientURL has higher priority than WithClient.
// If both are specified, WithClientURL will be used.
func WithClient(client redis.UniversalClient) Option {
	return func(opts *Options) {
		opts.client = client
	}
}

// WithTTL sets the TTL for the checkpoint data in redis.
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		if ttl <= 0 {
			ttl = defaultTTL
		}
		opts.ttl = ttl
	}
}
