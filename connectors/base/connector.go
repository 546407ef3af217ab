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

package base

import (
	"context"
	"database/sql"
	"regexp"
	"time"
)

// Store is the contract every relational store connector must implement.
// A Store owns exactly one bounded connection pool; tenant scoping happens
// above it, per connection, never on the pool as a whole.
type Store interface {
	// DB exposes the underlying pooled handle. Callers must not cache
	// individual connections from it outside a scoped lease.
	DB() *sql.DB

	// Dialect describes how this store binds and resets per-connection
	// schema resolution.
	Dialect() Dialect

	// HealthCheck verifies the pool can reach storage.
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Close releases the pool.
	Close() error

	// Name returns the configured instance name.
	Name() string

	// SharedSchema returns the configured shared master-data schema.
	SharedSchema() string

	// ParkingSchema returns the tenant-neutral schema connections are
	// parked on between leases.
	ParkingSchema() string
}

// Dialect abstracts the per-driver schema resolution behavior.
// Postgres resolves unqualified names through search_path; MySQL treats a
// schema as a database and binds with USE. Both must support an explicit
// qualifier for shared master data.
type Dialect interface {
	// BindSchema returns the statement that makes unqualified table names
	// resolve to the tenant schema first.
	BindSchema(tenantSchema, sharedSchema string) string

	// ResetSchema returns the statement restoring the tenant-neutral
	// default. Executed unconditionally before a connection is released.
	ResetSchema(parkingSchema string) string

	// SchemaExists returns a query (with one positional argument, the
	// schema name) selecting a single boolean.
	SchemaExists() string

	// QualifyShared returns the explicitly qualified name of a
	// shared-schema table.
	QualifyShared(sharedSchema, table string) string

	// Placeholder returns the positional parameter marker for index n
	// (1-based).
	Placeholder(n int) string

	Name() string
}

// StoreConfig holds the configuration for a relational store instance.
type StoreConfig struct {
	Name            string        `json:"name" yaml:"name"`
	Driver          string        `json:"driver" yaml:"driver"` // postgres or mysql
	ConnectionURL   string        `json:"connection_url" yaml:"connection_url"`
	SharedSchema    string        `json:"shared_schema" yaml:"shared_schema"`
	ParkingSchema   string        `json:"parking_schema" yaml:"parking_schema"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	AcquireTimeout  time.Duration `json:"acquire_timeout" yaml:"acquire_timeout"`
	QueryTimeout    time.Duration `json:"query_timeout" yaml:"query_timeout"`
}

// Defaults used when a StoreConfig leaves pool sizing unset.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 5
	DefaultConnMaxLifetime = 5 * time.Minute
	DefaultAcquireTimeout  = 3 * time.Second
	DefaultQueryTimeout    = 30 * time.Second
	DefaultSharedSchema    = "shared"
	DefaultParkingSchema   = "tenant_none"
)

// ApplyDefaults fills unset fields in place.
func (c *StoreConfig) ApplyDefaults() {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = DefaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = DefaultMaxIdleConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = DefaultConnMaxLifetime
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.SharedSchema == "" {
		c.SharedSchema = DefaultSharedSchema
	}
	if c.ParkingSchema == "" {
		c.ParkingSchema = DefaultParkingSchema
	}
}

// HealthStatus represents the health of a store.
type HealthStatus struct {
	Healthy   bool              `json:"healthy"`
	Latency   time.Duration     `json:"latency"`
	Details   map[string]string `json:"details"`
	Timestamp time.Time         `json:"timestamp"`
	Error     string            `json:"error,omitempty"`
}

// identRegex matches the identifiers we accept for schema and table names.
// Schema binding statements cannot use bind parameters, so anything
// interpolated into them must pass this check first.
var identRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// ValidIdent reports whether s is safe to interpolate as a schema or table
// identifier.
func ValidIdent(s string) bool {
	return identRegex.MatchString(s)
}

// StoreError represents errors specific to store operations.
type StoreError struct {
	StoreName string
	Operation string
	Message   string
	Cause     error
}

func (e *StoreError) Error() string {
	if e.Cause != nil {
		return e.StoreName + "." + e.Operation + ": " + e.Message + " (cause: " + e.Cause.Error() + ")"
	}
	return e.StoreName + "." + e.Operation + ": " + e.Message
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

// NewStoreError creates a new StoreError.
func NewStoreError(storeName, operation, message string, cause error) *StoreError {
	return &StoreError{
		StoreName: storeName,
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}
