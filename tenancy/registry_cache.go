// Copyright 2025 MediGrid
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tenancy

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/go-redis/redis/v8"
)

// DefaultInvalidationChannel is the pub/sub channel registry evictions fan
// out on.
const DefaultInvalidationChannel = "medigrid:registry:invalidate"

// InvalidationFeed fans registry cache evictions out to peer gateway
// instances over Redis pub/sub. The feed is best effort: with Redis down,
// each instance degrades to its own cache TTL, which bounds staleness on
// its own. Nothing in the request path ever blocks on Redis.
type InvalidationFeed struct {
	client  *redis.Client
	channel string
	logger  *log.Logger
}

// NewInvalidationFeed connects to Redis and verifies the connection.
func NewInvalidationFeed(ctx context.Context, redisURL, channel string) (*InvalidationFeed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if channel == "" {
		channel = DefaultInvalidationChannel
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger := log.New(os.Stdout, "[INVALIDATION_FEED] ", log.LstdFlags)
	logger.Printf("Connected to Redis, channel %s", channel)

	return &InvalidationFeed{
		client:  client,
		channel: channel,
		logger:  logger,
	}, nil
}

// Publish announces a tenant eviction to peer instances.
func (f *InvalidationFeed) Publish(ctx context.Context, tenantID string) error {
	if err := f.client.Publish(ctx, f.channel, tenantID).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}
	return nil
}

// Subscribe starts a goroutine that calls onEvict for every invalidation
// received from peers. The goroutine exits when ctx is cancelled. Local
// evictions loop back through the channel; evicting an absent entry is a
// no-op, so that is harmless.
func (f *InvalidationFeed) Subscribe(ctx context.Context, onEvict func(tenantID string)) {
	pubsub := f.client.Subscribe(ctx, f.channel)

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					f.logger.Printf("Invalidation subscription closed")
					return
				}
				onEvict(msg.Payload)
			}
		}
	}()
}

// Close releases the Redis client.
func (f *InvalidationFeed) Close() error {
	return f.client.Close()
}
