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
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func registryRows(tenantID, schemaName string, state ProvisioningState, version int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"tenant_id", "schema_name", "state", "schema_version", "updated_at"}).
		AddRow(tenantID, schemaName, string(state), version, time.Now())
}

// TestSchemaRegistry_LookupAndCache verifies the first lookup hits the
// database and the second is served from cache.
func TestSchemaRegistry_LookupAndCache(t *testing.T) {
	store, mock := newTestStore(t)
	defer store.Close()

	registry := NewSchemaRegistry(SchemaRegistryOptions{
		Store:    store,
		CacheTTL: time.Minute,
	})

	mock.ExpectQuery("SELECT tenant_id, schema_name, state, schema_version, updated_at FROM shared.tenant_schemas").
		WithArgs("acme").
		WillReturnRows(registryRows("acme", "acme_main", StateProvisioned, 3))

	record, err := registry.Lookup(context.Background(), "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.SchemaName != "acme_main" {
		t.Errorf("expected schema acme_main, got %s", record.SchemaName)
	}

	// Second lookup must not touch the database.
	record, err = registry.Lookup(context.Background(), "acme")
	if err != nil {
		t.Fatalf("unexpected error on cached lookup: %v", err)
	}
	if record.State != StateProvisioned {
		t.Errorf("expected provisioned state, got %s", record.State)
	}

	stats := registry.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("expected 1 hit and 1 miss, got %+v", stats)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// TestSchemaRegistry_UnknownTenant verifies a missing row maps to
// ErrTenantUnknown and is not cached.
func TestSchemaRegistry_UnknownTenant(t *testing.T) {
	store, mock := newTestStore(t)
	defer store.Close()

	registry := NewSchemaRegistry(SchemaRegistryOptions{Store: store})

	mock.ExpectQuery("SELECT tenant_id, schema_name, state, schema_version, updated_at FROM shared.tenant_schemas").
		WithArgs("hooli").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "schema_name", "state", "schema_version", "updated_at"}))

	_, err := registry.Lookup(context.Background(), "hooli")
	if !errors.Is(err, ErrTenantUnknown) {
		t.Errorf("expected ErrTenantUnknown, got %v", err)
	}
}

// TestSchemaRegistry_RejectsInvalidSchemaName verifies a corrupt registry
// row cannot reach the bind path.
func TestSchemaRegistry_RejectsInvalidSchemaName(t *testing.T) {
	store, mock := newTestStore(t)
	defer store.Close()

	registry := NewSchemaRegistry(SchemaRegistryOptions{Store: store})

	mock.ExpectQuery("SELECT tenant_id, schema_name, state, schema_version, updated_at FROM shared.tenant_schemas").
		WithArgs("acme").
		WillReturnRows(registryRows("acme", `acme"; DROP SCHEMA shared`, StateProvisioned, 1))

	if _, err := registry.Lookup(context.Background(), "acme"); err == nil {
		t.Errorf("expected invalid schema name to be rejected")
	}
}

// TestSchemaRegistry_OnProvisioned verifies the webhook verifies the schema
// exists, upserts the record and evicts the cache.
func TestSchemaRegistry_OnProvisioned(t *testing.T) {
	store, mock := newTestStore(t)
	defer store.Close()

	registry := NewSchemaRegistry(SchemaRegistryOptions{
		Store:    store,
		CacheTTL: time.Minute,
	})

	// Stale cache entry that the event must evict.
	registry.cache["acme"] = &registryCacheEntry{
		record:    SchemaRecord{TenantID: "acme", SchemaName: "acme_old", State: StateMissing},
		expiresAt: time.Now().Add(time.Minute),
	}

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("acme_main").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("UPDATE shared.tenant_schemas SET").
		WillReturnResult(sqlmock.NewResult(0, 1))

	record, err := registry.OnProvisioned(context.Background(), "acme", "acme_main", 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.State != StateProvisioned {
		t.Errorf("expected provisioned state, got %s", record.State)
	}

	if _, cached := registry.cache["acme"]; cached {
		t.Errorf("expected provisioning event to evict the cache entry")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// TestSchemaRegistry_OnProvisioned_MissingSchema verifies a webhook naming
// a schema that does not exist records the tenant as missing, keeping it
// unroutable.
func TestSchemaRegistry_OnProvisioned_MissingSchema(t *testing.T) {
	store, mock := newTestStore(t)
	defer store.Close()

	registry := NewSchemaRegistry(SchemaRegistryOptions{Store: store})

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("ghost_schema").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("UPDATE shared.tenant_schemas SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO shared.tenant_schemas").
		WillReturnResult(sqlmock.NewResult(1, 1))

	record, err := registry.OnProvisioned(context.Background(), "ghost", "ghost_schema", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.State != StateMissing {
		t.Errorf("expected missing state, got %s", record.State)
	}
}

// TestSchemaRegistry_VerifyDrift verifies a provisioned record whose schema
// disappeared is flipped to missing.
func TestSchemaRegistry_VerifyDrift(t *testing.T) {
	store, mock := newTestStore(t)
	defer store.Close()

	registry := NewSchemaRegistry(SchemaRegistryOptions{
		Store:    store,
		CacheTTL: time.Minute,
	})

	mock.ExpectQuery("SELECT tenant_id, schema_name, state, schema_version, updated_at FROM shared.tenant_schemas").
		WithArgs("acme").
		WillReturnRows(registryRows("acme", "acme_main", StateProvisioned, 3))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("acme_main").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("UPDATE shared.tenant_schemas SET").
		WillReturnResult(sqlmock.NewResult(0, 1))

	record, err := registry.Verify(context.Background(), "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.State != StateMissing {
		t.Errorf("expected drift to flip record to missing, got %s", record.State)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// TestSchemaRegistry_TTLExpiry verifies expired entries are reloaded.
func TestSchemaRegistry_TTLExpiry(t *testing.T) {
	store, mock := newTestStore(t)
	defer store.Close()

	registry := NewSchemaRegistry(SchemaRegistryOptions{
		Store:    store,
		CacheTTL: time.Minute,
	})

	registry.cache["acme"] = &registryCacheEntry{
		record:    SchemaRecord{TenantID: "acme", SchemaName: "acme_old", State: StateProvisioned},
		expiresAt: time.Now().Add(-time.Second),
	}

	mock.ExpectQuery("SELECT tenant_id, schema_name, state, schema_version, updated_at FROM shared.tenant_schemas").
		WithArgs("acme").
		WillReturnRows(registryRows("acme", "acme_new", StateProvisioned, 9))

	record, err := registry.Lookup(context.Background(), "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.SchemaName != "acme_new" {
		t.Errorf("expected reload after TTL expiry, got %s", record.SchemaName)
	}
}
