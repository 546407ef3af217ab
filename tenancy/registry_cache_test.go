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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// TestInvalidationFeed_PublishSubscribe verifies evictions published by one
// feed reach a subscriber on the same channel.
func TestInvalidationFeed_PublishSubscribe(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed, err := NewInvalidationFeed(ctx, "redis://"+mr.Addr(), "test:invalidate")
	if err != nil {
		t.Fatalf("failed to create feed: %v", err)
	}
	defer feed.Close()

	evicted := make(chan string, 1)
	feed.Subscribe(ctx, func(tenantID string) {
		evicted <- tenantID
	})

	// Give the subscriber a moment to attach before publishing.
	time.Sleep(50 * time.Millisecond)

	if err := feed.Publish(ctx, "acme"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case tenant := <-evicted:
		if tenant != "acme" {
			t.Errorf("expected eviction for acme, got %s", tenant)
		}
	case <-time.After(2 * time.Second):
		t.Errorf("eviction never reached the subscriber")
	}
}

// TestInvalidationFeed_BadURL verifies feed construction fails cleanly so
// the registry can fall back to TTL-only staleness.
func TestInvalidationFeed_BadURL(t *testing.T) {
	if _, err := NewInvalidationFeed(context.Background(), "not-a-url", ""); err == nil {
		t.Errorf("expected error for invalid redis URL")
	}
}

// TestSchemaRegistry_FeedEviction verifies a registry wired to a feed
// evicts its cache when a peer publishes an invalidation.
func TestSchemaRegistry_FeedEviction(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed, err := NewInvalidationFeed(ctx, "redis://"+mr.Addr(), "test:invalidate")
	if err != nil {
		t.Fatalf("failed to create feed: %v", err)
	}
	defer feed.Close()

	store, _ := newTestStore(t)
	defer store.Close()

	registry := NewSchemaRegistry(SchemaRegistryOptions{
		Store:    store,
		CacheTTL: time.Hour,
		Feed:     feed,
	})
	feed.Subscribe(ctx, registry.evictLocal)

	registry.cache["acme"] = &registryCacheEntry{
		record:    SchemaRecord{TenantID: "acme", SchemaName: "acme", State: StateProvisioned},
		expiresAt: time.Now().Add(time.Hour),
	}

	time.Sleep(50 * time.Millisecond)

	// A peer instance announces the eviction.
	if err := feed.Publish(ctx, "acme"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		registry.mu.RLock()
		_, cached := registry.cache["acme"]
		registry.mu.RUnlock()
		if !cached {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("peer invalidation never evicted the cache entry")
}
