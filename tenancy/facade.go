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
	"database/sql/driver"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"medigrid/platform/connectors/base"
)

// ResultSet holds the rows of one facade query.
type ResultSet struct {
	Columns  []string                 `json:"columns"`
	Rows     []map[string]interface{} `json:"rows"`
	RowCount int                      `json:"row_count"`
	Duration time.Duration            `json:"duration"`
}

// StorageError classifies a driver error for callers. Retryable errors are
// transient (connectivity, serialization, saturation); everything else is a
// caller bug or data problem and retrying will not help. The facade only
// classifies; retrying is the caller's decision.
type StorageError struct {
	Statement string
	Retryable bool
	Cause     error
}

func (e *StorageError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("statement %s failed (%s): %v", e.Statement, kind, e.Cause)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether err carries a retryable storage
// classification.
func IsRetryable(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Retryable
}

// Facade executes registered statements against a tenant-bound lease. It
// refuses unbound leases and unregistered statement names, so every query
// that reaches the database carries a vetted statement and a tenant scope.
type Facade struct {
	statements   *StatementRegistry
	queryTimeout time.Duration
	logger       *log.Logger
}

// FacadeOptions holds options for creating a Facade.
type FacadeOptions struct {
	Statements   *StatementRegistry
	QueryTimeout time.Duration
	Logger       *log.Logger
}

// NewFacade creates a query execution facade.
func NewFacade(opts FacadeOptions) *Facade {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[QUERY_FACADE] ", log.LstdFlags)
	}

	timeout := opts.QueryTimeout
	if timeout <= 0 {
		timeout = base.DefaultQueryTimeout
	}

	return &Facade{
		statements:   opts.Statements,
		queryTimeout: timeout,
		logger:       logger,
	}
}

// Query runs a registered statement that returns rows.
func (f *Facade) Query(ctx context.Context, lease *Lease, name string, args ...interface{}) (*ResultSet, error) {
	stmt, err := f.resolve(lease, name)
	if err != nil {
		return nil, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, f.queryTimeout)
	defer cancel()

	start := time.Now()
	rows, err := lease.queryContext(queryCtx, stmt.SQL, args...)
	if err != nil {
		promStatementsTotal.WithLabelValues(name, "error").Inc()
		return nil, f.classify(name, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		promStatementsTotal.WithLabelValues(name, "error").Inc()
		return nil, f.classify(name, err)
	}

	result := &ResultSet{
		Columns: columns,
		Rows:    []map[string]interface{}{},
	}

	values := make([]interface{}, len(columns))
	pointers := make([]interface{}, len(columns))
	for i := range values {
		pointers[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(pointers...); err != nil {
			promStatementsTotal.WithLabelValues(name, "error").Inc()
			return nil, f.classify(name, err)
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			val := values[i]
			if b, ok := val.([]byte); ok {
				val = string(b)
			}
			row[col] = val
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		promStatementsTotal.WithLabelValues(name, "error").Inc()
		return nil, f.classify(name, err)
	}

	result.RowCount = len(result.Rows)
	result.Duration = time.Since(start)
	promStatementsTotal.WithLabelValues(name, "ok").Inc()
	return result, nil
}

// Exec runs a registered statement that returns no rows and reports the
// affected row count.
func (f *Facade) Exec(ctx context.Context, lease *Lease, name string, args ...interface{}) (int64, error) {
	stmt, err := f.resolve(lease, name)
	if err != nil {
		return 0, err
	}

	execCtx, cancel := context.WithTimeout(ctx, f.queryTimeout)
	defer cancel()

	result, err := lease.execContext(execCtx, stmt.SQL, args...)
	if err != nil {
		promStatementsTotal.WithLabelValues(name, "error").Inc()
		return 0, f.classify(name, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		// Some drivers cannot report the count; the statement itself
		// succeeded.
		affected = 0
	}

	promStatementsTotal.WithLabelValues(name, "ok").Inc()
	return affected, nil
}

// resolve vets the lease and looks up the statement.
func (f *Facade) resolve(lease *Lease, name string) (*Statement, error) {
	if !lease.bound() {
		return nil, fmt.Errorf("%w: statement %s", ErrUnboundLease, name)
	}

	stmt, ok := f.statements.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStatement, name)
	}
	return stmt, nil
}

// classify wraps a driver error with its retryability.
func (f *Facade) classify(name string, err error) error {
	return &StorageError{
		Statement: name,
		Retryable: retryable(err),
		Cause:     err,
	}
}

// retryable reports whether a driver error is transient. Connection-class
// failures, serialization conflicts, deadlocks and pool saturation are
// retryable; constraint violations, bad data and SQL errors are not.
func retryable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "08": // connection exceptions
			return true
		case pqErr.Code == "40001": // serialization_failure
			return true
		case pqErr.Code == "40P01": // deadlock_detected
			return true
		case pqErr.Code == "53300": // too_many_connections
			return true
		case pqErr.Code == "57P03": // cannot_connect_now
			return true
		}
		return false
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1040: // ER_CON_COUNT_ERROR
			return true
		case 1205: // ER_LOCK_WAIT_TIMEOUT
			return true
		case 1213: // ER_LOCK_DEADLOCK
			return true
		}
		return false
	}

	return false
}
