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

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"medigrid/platform/connectors/base"
)

// Store implements base.Store for PostgreSQL.
type Store struct {
	config *base.StoreConfig
	db     *sql.DB
	logger *log.Logger
}

// Open establishes a pooled connection to PostgreSQL.
func Open(ctx context.Context, config *base.StoreConfig) (*Store, error) {
	config.ApplyDefaults()

	db, err := sql.Open("postgres", config.ConnectionURL)
	if err != nil {
		return nil, base.NewStoreError(config.Name, "Open", "failed to open connection", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, base.NewStoreError(config.Name, "Open", "failed to ping database", err)
	}

	s := &Store{
		config: config,
		db:     db,
		logger: log.New(os.Stdout, "[POSTGRES_STORE] ", log.LstdFlags),
	}
	s.logger.Printf("Connected to PostgreSQL: %s (max_conns=%d)", config.Name, config.MaxOpenConns)

	return s, nil
}

// DB returns the underlying pooled handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the PostgreSQL schema-resolution dialect.
func (s *Store) Dialect() base.Dialect {
	return Dialect{}
}

// Name returns the configured store name.
func (s *Store) Name() string {
	if s.config == nil {
		return "postgres"
	}
	return s.config.Name
}

// SharedSchema returns the configured shared master-data schema.
func (s *Store) SharedSchema() string {
	return s.config.SharedSchema
}

// ParkingSchema returns the tenant-neutral parking schema.
func (s *Store) ParkingSchema() string {
	return s.config.ParkingSchema
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return base.NewStoreError(s.Name(), "Close", "failed to close pool", err)
	}
	s.logger.Printf("Disconnected from PostgreSQL: %s", s.Name())
	return nil
}

// HealthCheck verifies the pool can reach storage and reports pool stats.
func (s *Store) HealthCheck(ctx context.Context) (*base.HealthStatus, error) {
	if s.db == nil {
		return &base.HealthStatus{
			Healthy: false,
			Error:   "database not connected",
		}, nil
	}

	start := time.Now()
	err := s.db.PingContext(ctx)
	latency := time.Since(start)

	if err != nil {
		return &base.HealthStatus{
			Healthy:   false,
			Latency:   latency,
			Timestamp: time.Now(),
			Error:     err.Error(),
		}, nil
	}

	stats := s.db.Stats()
	details := map[string]string{
		"open_connections": fmt.Sprintf("%d", stats.OpenConnections),
		"in_use":           fmt.Sprintf("%d", stats.InUse),
		"idle":             fmt.Sprintf("%d", stats.Idle),
		"wait_count":       fmt.Sprintf("%d", stats.WaitCount),
	}

	return &base.HealthStatus{
		Healthy:   true,
		Latency:   latency,
		Details:   details,
		Timestamp: time.Now(),
	}, nil
}

// Dialect implements base.Dialect for PostgreSQL. Unqualified table names
// resolve through search_path, tenant schema first, shared schema second.
type Dialect struct{}

// BindSchema points search_path at the tenant schema with the shared schema
// as fallback. Identifiers are validated by the caller; they cannot be bind
// parameters in a SET statement.
func (Dialect) BindSchema(tenantSchema, sharedSchema string) string {
	return fmt.Sprintf(`SET search_path TO %q, %q`, tenantSchema, sharedSchema)
}

// ResetSchema parks search_path on a schema that intentionally does not
// exist, so a statement issued on an unbound connection fails instead of
// silently resolving somewhere.
func (Dialect) ResetSchema(parkingSchema string) string {
	return fmt.Sprintf(`SET search_path TO %q`, parkingSchema)
}

// SchemaExists checks the catalog for a live schema of the given name.
func (Dialect) SchemaExists() string {
	return `SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)`
}

// QualifyShared returns the explicitly qualified name of a shared table.
func (Dialect) QualifyShared(sharedSchema, table string) string {
	return fmt.Sprintf("%s.%s", sharedSchema, table)
}

// Placeholder returns the $n positional marker.
func (Dialect) Placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

// Name returns the dialect name.
func (Dialect) Name() string {
	return "postgres"
}
