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
	"database/sql/driver"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"medigrid/platform/connectors/base"
)

// resetTimeout bounds the unconditional schema reset. The reset runs on its
// own context so a cancelled request still resets its connection.
const resetTimeout = 2 * time.Second

// Lease is a pooled connection bound to exactly one tenant for the duration
// of one scope. Leases are created and released only by the manager; a
// lease that escapes its scope is already unbound and refuses further work.
type Lease struct {
	ID         string
	conn       *sql.Conn
	tx         *sql.Tx
	tenant     string
	schemaName string
	acquiredAt time.Time
	released   bool
}

// Tenant returns the tenant this lease is bound to, empty once released.
func (l *Lease) Tenant() string {
	return l.tenant
}

// SchemaName returns the physical schema the lease is bound to.
func (l *Lease) SchemaName() string {
	return l.schemaName
}

// bound reports whether the lease can accept statements.
func (l *Lease) bound() bool {
	return l != nil && !l.released && l.tenant != ""
}

// queryContext runs a query on the lease's transaction when one is open,
// otherwise directly on the bound connection.
func (l *Lease) queryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if l.tx != nil {
		return l.tx.QueryContext(ctx, query, args...)
	}
	return l.conn.QueryContext(ctx, query, args...)
}

// execContext runs a statement on the lease's transaction when one is open,
// otherwise directly on the bound connection.
func (l *Lease) execContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if l.tx != nil {
		return l.tx.ExecContext(ctx, query, args...)
	}
	return l.conn.ExecContext(ctx, query, args...)
}

// ScopedConnectionManager hands out tenant-bound connection leases. The
// lifecycle per scope is fixed: acquire from the pool, bind the tenant
// schema, run the caller's function, then unconditionally reset and release.
// The reset runs on every exit path including panic and cancellation; a
// failed reset destroys the connection instead of returning it to the pool.
type ScopedConnectionManager struct {
	store          base.Store
	registry       *SchemaRegistry
	acquireTimeout time.Duration
	logger         *log.Logger
}

// ScopedConnectionManagerOptions holds options for creating a manager.
type ScopedConnectionManagerOptions struct {
	Store          base.Store
	Registry       *SchemaRegistry
	AcquireTimeout time.Duration
	Logger         *log.Logger
}

// NewScopedConnectionManager creates a scoped connection manager.
func NewScopedConnectionManager(opts ScopedConnectionManagerOptions) *ScopedConnectionManager {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[SCOPE_MANAGER] ", log.LstdFlags)
	}

	timeout := opts.AcquireTimeout
	if timeout <= 0 {
		timeout = base.DefaultAcquireTimeout
	}

	return &ScopedConnectionManager{
		store:          opts.Store,
		registry:       opts.Registry,
		acquireTimeout: timeout,
		logger:         logger,
	}
}

// WithTenantScope runs fn with a lease bound to the tenant's schema. Every
// statement fn issues through the lease resolves unqualified table names in
// the tenant schema. The scope is reset before the connection returns to
// the pool, on success, error, panic and cancellation alike.
func (m *ScopedConnectionManager) WithTenantScope(ctx context.Context, tenant TenantIdentity, fn func(lease *Lease) error) error {
	return m.withScope(ctx, tenant, false, fn)
}

// WithTenantScopeTx is WithTenantScope with a transaction spanning fn. The
// transaction commits when fn returns nil and rolls back otherwise, so a
// multi-statement operation lands entirely inside one tenant schema or not
// at all. The transaction never outlives the lease.
func (m *ScopedConnectionManager) WithTenantScopeTx(ctx context.Context, tenant TenantIdentity, fn func(lease *Lease) error) error {
	return m.withScope(ctx, tenant, true, fn)
}

func (m *ScopedConnectionManager) withScope(ctx context.Context, tenant TenantIdentity, useTx bool, fn func(lease *Lease) error) error {
	record, err := m.registry.Lookup(ctx, string(tenant))
	if err != nil {
		return err
	}
	if record.State != StateProvisioned {
		return fmt.Errorf("%w: tenant %s is %s", ErrTenantNotProvisioned, tenant, record.State)
	}
	if !base.ValidIdent(record.SchemaName) {
		return fmt.Errorf("refusing to bind invalid schema name %q", record.SchemaName)
	}

	conn, err := m.acquire(ctx)
	if err != nil {
		return err
	}

	lease := &Lease{
		ID:         uuid.New().String(),
		conn:       conn,
		acquiredAt: time.Now(),
	}

	dialect := m.store.Dialect()
	if _, err := conn.ExecContext(ctx, dialect.BindSchema(record.SchemaName, m.store.SharedSchema())); err != nil {
		promScopeBindsTotal.WithLabelValues("error").Inc()
		// A bind error can race statement completion: the server may have
		// applied the bind before the driver saw the failure. The scope is
		// unknown, so the connection takes the same reset path as a bound
		// lease instead of going straight back to the pool.
		lease.tenant = string(tenant)
		lease.schemaName = record.SchemaName
		if rerr := m.resetAndRelease(lease); rerr != nil {
			return fmt.Errorf("%w (bind error: %v)", rerr, err)
		}
		return fmt.Errorf("failed to bind schema %s for tenant %s: %w", record.SchemaName, tenant, err)
	}
	promScopeBindsTotal.WithLabelValues("ok").Inc()
	lease.tenant = string(tenant)
	lease.schemaName = record.SchemaName

	if useTx {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			if rerr := m.resetAndRelease(lease); rerr != nil {
				return rerr
			}
			return fmt.Errorf("failed to begin transaction for tenant %s: %w", tenant, err)
		}
		lease.tx = tx
	}

	fnErr, panicVal := runLeaseFn(fn, lease)

	if lease.tx != nil {
		if fnErr != nil || panicVal != nil {
			if rbErr := lease.tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				m.logger.Printf("Rollback failed for tenant %s: %v", tenant, rbErr)
			}
		} else if commitErr := lease.tx.Commit(); commitErr != nil {
			fnErr = fmt.Errorf("commit failed for tenant %s: %w", tenant, commitErr)
		}
		lease.tx = nil
	}

	resetErr := m.resetAndRelease(lease)

	if panicVal != nil {
		panic(panicVal)
	}

	if resetErr != nil {
		if fnErr != nil {
			return fmt.Errorf("%w (work error: %v)", resetErr, fnErr)
		}
		return resetErr
	}
	return fnErr
}

// runLeaseFn invokes fn, converting a panic into a value so the scope can
// reset before re-panicking.
func runLeaseFn(fn func(lease *Lease) error, lease *Lease) (err error, panicVal interface{}) {
	defer func() {
		if p := recover(); p != nil {
			panicVal = p
		}
	}()
	return fn(lease), nil
}

// acquire checks a connection out of the pool, bounded by the acquire
// timeout. A pool at capacity surfaces ErrPoolExhausted instead of queueing
// indefinitely.
func (m *ScopedConnectionManager) acquire(ctx context.Context) (*sql.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, m.acquireTimeout)
	defer cancel()

	start := time.Now()
	conn, err := m.store.DB().Conn(acquireCtx)
	promAcquireWaitSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: no connection within %s", ErrPoolExhausted, m.acquireTimeout)
		}
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return conn, nil
}

// resetAndRelease restores the tenant-neutral scope and returns the
// connection to the pool. When the reset cannot be confirmed the connection
// is destroyed: a connection whose scope is unknown must never be reused.
func (m *ScopedConnectionManager) resetAndRelease(lease *Lease) error {
	resetCtx, cancel := context.WithTimeout(context.Background(), resetTimeout)
	defer cancel()

	_, err := lease.conn.ExecContext(resetCtx, m.store.Dialect().ResetSchema(m.store.ParkingSchema()))

	tenant := lease.tenant
	lease.tenant = ""
	lease.schemaName = ""
	lease.released = true

	if err != nil {
		promScopeResetsTotal.WithLabelValues("failed").Inc()
		m.destroy(lease.conn)
		m.logger.Printf("Reset failed on lease %s (tenant %s), connection destroyed: %v", lease.ID, tenant, err)
		return fmt.Errorf("%w: %v", ErrScopeReset, err)
	}

	promScopeResetsTotal.WithLabelValues("ok").Inc()
	if err := lease.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		m.logger.Printf("Release failed on lease %s: %v", lease.ID, err)
	}
	return nil
}

// destroy removes a connection from the pool entirely. Returning
// driver.ErrBadConn from Raw marks the underlying connection bad, so the
// pool discards it instead of recycling it.
func (m *ScopedConnectionManager) destroy(conn *sql.Conn) {
	_ = conn.Raw(func(driverConn interface{}) error {
		return driver.ErrBadConn
	})
	_ = conn.Close()
	promConnectionsDestroyed.Inc()
}
