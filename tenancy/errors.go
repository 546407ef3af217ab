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

import "errors"

// Resolution and scoping errors. Callers must never downgrade any of these
// to a default tenant; an unresolved tenant aborts the request.
var (
	// ErrTenantNotSpecified indicates no tenant token was present on the
	// request (no identity claim, no header, no subdomain).
	ErrTenantNotSpecified = errors.New("tenant not specified")

	// ErrTenantUnknown indicates the token matched no schema record.
	ErrTenantUnknown = errors.New("tenant unknown")

	// ErrTenantNotProvisioned indicates a record exists but its schema is
	// not in the provisioned state (missing or legacy).
	ErrTenantNotProvisioned = errors.New("tenant schema not provisioned")

	// ErrSchemaVersionMismatch indicates the tenant's schema version is
	// behind what this build requires.
	ErrSchemaVersionMismatch = errors.New("tenant schema version incompatible")

	// ErrPoolExhausted indicates no pooled connection became available
	// within the acquire timeout. Transient; callers may retry with
	// backoff.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrScopeReset indicates the unconditional schema reset failed and
	// the physical connection was destroyed rather than returned to the
	// pool. Fatal per connection, never per process.
	ErrScopeReset = errors.New("schema scope reset failed, connection destroyed")

	// ErrUnqualifiedSharedRef indicates a registered statement references
	// a shared-schema table without an explicit schema qualifier. Raised
	// at registration time, before any tenant can invoke the statement.
	ErrUnqualifiedSharedRef = errors.New("statement references shared table without explicit qualifier")

	// ErrUnboundLease indicates a statement was submitted against a lease
	// whose bound tenant is empty or does not match the caller.
	ErrUnboundLease = errors.New("lease is not bound to a tenant")

	// ErrUnknownStatement indicates the statement name was never
	// registered.
	ErrUnknownStatement = errors.New("statement not registered")

	// ErrRegistryFrozen indicates a registration attempt after Freeze.
	ErrRegistryFrozen = errors.New("statement registry is frozen")
)
