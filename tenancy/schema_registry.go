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
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"medigrid/platform/connectors/base"
)

// ProvisioningState describes the lifecycle state of a tenant schema as
// recorded by the migration tooling.
type ProvisioningState string

const (
	// StateProvisioned means the schema exists and migrations are complete.
	StateProvisioned ProvisioningState = "provisioned"
	// StateMissing means the record exists but the schema is absent from
	// the database (dropped, or provisioning never finished).
	StateMissing ProvisioningState = "missing"
	// StateLegacy means the schema exists but is frozen pending an
	// offline migration and must not receive traffic.
	StateLegacy ProvisioningState = "legacy"
)

// TenantSchemasTable is the backing table for the registry, always resolved
// inside the shared schema. Rows are written by the provisioning pipeline
// and by OnProvisioned/Verify; the gateway never creates or drops schemas
// itself.
const TenantSchemasTable = "tenant_schemas"

// SchemaRecord is one row of the tenant-to-schema mapping.
type SchemaRecord struct {
	TenantID      string            `json:"tenant_id"`
	SchemaName    string            `json:"schema_name"`
	State         ProvisioningState `json:"state"`
	SchemaVersion int               `json:"schema_version"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// RegistryStats reports cache effectiveness for the /metrics endpoint.
type RegistryStats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

type registryCacheEntry struct {
	record    SchemaRecord
	expiresAt time.Time
}

// SchemaRegistry maps tenant identities to physical schema names. Lookups
// hit a TTL cache in front of the tenant_schemas table; provisioning events
// and explicit invalidations evict eagerly so the TTL only bounds staleness
// for out-of-band changes.
type SchemaRegistry struct {
	store  base.Store
	cache  map[string]*registryCacheEntry
	mu     sync.RWMutex
	ttl    time.Duration
	logger *log.Logger
	feed   *InvalidationFeed

	hits      int64
	misses    int64
	evictions int64
}

// SchemaRegistryOptions holds options for creating a SchemaRegistry.
type SchemaRegistryOptions struct {
	Store    base.Store
	CacheTTL time.Duration
	Logger   *log.Logger
	// Feed is optional. When set, Invalidate publishes the eviction to
	// other gateway instances.
	Feed *InvalidationFeed
}

// NewSchemaRegistry creates a schema registry backed by the given store.
func NewSchemaRegistry(opts SchemaRegistryOptions) *SchemaRegistry {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[SCHEMA_REGISTRY] ", log.LstdFlags)
	}

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	return &SchemaRegistry{
		store:  opts.Store,
		cache:  make(map[string]*registryCacheEntry),
		ttl:    ttl,
		logger: logger,
		feed:   opts.Feed,
	}
}

// Lookup returns the schema record for a tenant identity. Returns
// ErrTenantUnknown when no record exists; it never falls back to a default
// schema.
func (r *SchemaRegistry) Lookup(ctx context.Context, tenantID string) (*SchemaRecord, error) {
	if tenantID == "" {
		return nil, ErrTenantNotSpecified
	}

	r.mu.RLock()
	entry, exists := r.cache[tenantID]
	r.mu.RUnlock()

	if exists && time.Now().Before(entry.expiresAt) {
		r.mu.Lock()
		r.hits++
		r.mu.Unlock()
		promRegistryCacheTotal.WithLabelValues("hit").Inc()
		record := entry.record
		return &record, nil
	}

	promRegistryCacheTotal.WithLabelValues("miss").Inc()
	return r.loadRecord(ctx, tenantID)
}

// loadRecord fetches a record from the backing table and caches it.
func (r *SchemaRegistry) loadRecord(ctx context.Context, tenantID string) (*SchemaRecord, error) {
	r.mu.Lock()
	r.misses++
	r.mu.Unlock()

	d := r.store.Dialect()
	query := fmt.Sprintf(
		"SELECT tenant_id, schema_name, state, schema_version, updated_at FROM %s WHERE tenant_id = %s",
		d.QualifyShared(r.store.SharedSchema(), TenantSchemasTable),
		d.Placeholder(1),
	)

	var record SchemaRecord
	var state string
	err := r.store.DB().QueryRowContext(ctx, query, tenantID).Scan(
		&record.TenantID,
		&record.SchemaName,
		&state,
		&record.SchemaVersion,
		&record.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTenantUnknown, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("registry lookup for tenant %s failed: %w", tenantID, err)
	}
	record.State = ProvisioningState(state)

	if !base.ValidIdent(record.SchemaName) {
		return nil, fmt.Errorf("registry row for tenant %s has invalid schema name %q", tenantID, record.SchemaName)
	}

	r.mu.Lock()
	r.cache[tenantID] = &registryCacheEntry{
		record:    record,
		expiresAt: time.Now().Add(r.ttl),
	}
	r.mu.Unlock()

	return &record, nil
}

// OnProvisioned records that the migration pipeline finished provisioning a
// tenant schema. The schema's presence is verified before the record is
// written; a webhook for a schema that does not actually exist is recorded
// as missing so the tenant stays unroutable.
func (r *SchemaRegistry) OnProvisioned(ctx context.Context, tenantID, schemaName string, schemaVersion int) (*SchemaRecord, error) {
	if tenantID == "" {
		return nil, ErrTenantNotSpecified
	}
	if !base.ValidIdent(schemaName) {
		return nil, fmt.Errorf("invalid schema name %q", schemaName)
	}

	exists, err := r.schemaExists(ctx, schemaName)
	if err != nil {
		return nil, err
	}

	state := StateProvisioned
	if !exists {
		state = StateMissing
		r.logger.Printf("Provisioning event for tenant %s names schema %s which does not exist; recording as missing", tenantID, schemaName)
	}

	record := &SchemaRecord{
		TenantID:      tenantID,
		SchemaName:    schemaName,
		State:         state,
		SchemaVersion: schemaVersion,
		UpdatedAt:     time.Now().UTC(),
	}

	if err := r.upsertRecord(ctx, record); err != nil {
		return nil, err
	}

	r.Invalidate(ctx, tenantID)
	r.logger.Printf("Recorded provisioning for tenant %s: schema=%s state=%s version=%d", tenantID, schemaName, state, schemaVersion)
	return record, nil
}

// upsertRecord writes a record with update-then-insert so the same SQL works
// on both supported drivers.
func (r *SchemaRegistry) upsertRecord(ctx context.Context, record *SchemaRecord) error {
	d := r.store.Dialect()
	table := d.QualifyShared(r.store.SharedSchema(), TenantSchemasTable)

	update := fmt.Sprintf(
		"UPDATE %s SET schema_name = %s, state = %s, schema_version = %s, updated_at = %s WHERE tenant_id = %s",
		table, d.Placeholder(1), d.Placeholder(2), d.Placeholder(3), d.Placeholder(4), d.Placeholder(5),
	)
	result, err := r.store.DB().ExecContext(ctx, update,
		record.SchemaName, string(record.State), record.SchemaVersion, record.UpdatedAt, record.TenantID)
	if err != nil {
		return fmt.Errorf("failed to update registry row for tenant %s: %w", record.TenantID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result for tenant %s: %w", record.TenantID, err)
	}
	if rows > 0 {
		return nil
	}

	insert := fmt.Sprintf(
		"INSERT INTO %s (tenant_id, schema_name, state, schema_version, updated_at) VALUES (%s, %s, %s, %s, %s)",
		table, d.Placeholder(1), d.Placeholder(2), d.Placeholder(3), d.Placeholder(4), d.Placeholder(5),
	)
	if _, err := r.store.DB().ExecContext(ctx, insert,
		record.TenantID, record.SchemaName, string(record.State), record.SchemaVersion, record.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert registry row for tenant %s: %w", record.TenantID, err)
	}
	return nil
}

// Invalidate evicts a tenant from the local cache and, when an invalidation
// feed is configured, publishes the eviction to peer instances. Publishing
// is fail-open: a broken feed degrades to TTL staleness, it never blocks
// the caller.
func (r *SchemaRegistry) Invalidate(ctx context.Context, tenantID string) {
	r.evictLocal(tenantID)

	if r.feed != nil {
		if err := r.feed.Publish(ctx, tenantID); err != nil {
			r.logger.Printf("Failed to publish invalidation for tenant %s: %v", tenantID, err)
		}
	}
}

// evictLocal removes a tenant from the local cache only. Used by the
// invalidation feed subscriber to avoid republishing received events.
func (r *SchemaRegistry) evictLocal(tenantID string) {
	r.mu.Lock()
	if _, exists := r.cache[tenantID]; exists {
		delete(r.cache, tenantID)
		r.evictions++
	}
	r.mu.Unlock()
}

// Verify checks the registry record against the actual database catalog and
// reconciles drift. A provisioned record whose schema has disappeared is
// flipped to missing so subsequent resolutions fail fast instead of binding
// to a nonexistent schema.
func (r *SchemaRegistry) Verify(ctx context.Context, tenantID string) (*SchemaRecord, error) {
	record, err := r.Lookup(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	exists, err := r.schemaExists(ctx, record.SchemaName)
	if err != nil {
		return nil, err
	}

	if record.State == StateProvisioned && !exists {
		r.logger.Printf("Drift detected for tenant %s: schema %s is gone, flipping record to missing", tenantID, record.SchemaName)
		record.State = StateMissing
		record.UpdatedAt = time.Now().UTC()
		if err := r.upsertRecord(ctx, record); err != nil {
			return nil, err
		}
		r.Invalidate(ctx, tenantID)
	}

	return record, nil
}

// schemaExists checks the database catalog for a schema.
func (r *SchemaRegistry) schemaExists(ctx context.Context, schemaName string) (bool, error) {
	var exists bool
	err := r.store.DB().QueryRowContext(ctx, r.store.Dialect().SchemaExists(), schemaName).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check schema %s: %w", schemaName, err)
	}
	return exists, nil
}

// Stats returns a snapshot of cache effectiveness counters.
func (r *SchemaRegistry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RegistryStats{
		Entries:   len(r.cache),
		Hits:      r.hits,
		Misses:    r.misses,
		Evictions: r.evictions,
	}
}
