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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"medigrid/platform/connectors/base"
	"medigrid/platform/connectors/postgres"
)

// testStore adapts a sqlmock database to the base.Store contract.
type testStore struct {
	db      *sql.DB
	shared  string
	parking string
}

func (s *testStore) DB() *sql.DB           { return s.db }
func (s *testStore) Dialect() base.Dialect { return postgres.Dialect{} }
func (s *testStore) Close() error          { return s.db.Close() }
func (s *testStore) Name() string          { return "test" }
func (s *testStore) SharedSchema() string  { return s.shared }
func (s *testStore) ParkingSchema() string { return s.parking }

func (s *testStore) HealthCheck(ctx context.Context) (*base.HealthStatus, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return &base.HealthStatus{Healthy: false, Error: err.Error()}, nil
	}
	return &base.HealthStatus{Healthy: true, Timestamp: time.Now()}, nil
}

// newTestStore creates a sqlmock-backed store with the default schema
// layout.
func newTestStore(t *testing.T) (*testStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}

	return &testStore{
		db:      db,
		shared:  "shared",
		parking: "tenant_none",
	}, mock
}

// newTestRegistry creates a registry primed with a provisioned tenant so
// scope tests skip the lookup roundtrip.
func newTestRegistry(store base.Store, tenants ...string) *SchemaRegistry {
	registry := NewSchemaRegistry(SchemaRegistryOptions{
		Store:    store,
		CacheTTL: time.Hour,
	})

	for _, tenant := range tenants {
		registry.cache[tenant] = &registryCacheEntry{
			record: SchemaRecord{
				TenantID:      tenant,
				SchemaName:    tenant,
				State:         StateProvisioned,
				SchemaVersion: 1,
				UpdatedAt:     time.Now(),
			},
			expiresAt: time.Now().Add(time.Hour),
		}
	}
	return registry
}
