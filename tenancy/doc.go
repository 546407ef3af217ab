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

// Package tenancy is the tenant isolation layer between request handling
// and schema-per-tenant relational storage.
//
// Each tenant's rows live in a dedicated schema; shared master data lives
// in one shared schema. The package guarantees that every statement a
// request issues resolves inside exactly the requesting tenant's schema:
//
//   - SchemaRegistry maps tenant identities to physical schemas, with a
//     TTL cache and optional Redis invalidation fan-out.
//   - Resolver turns request credentials (JWT claim, header, subdomain)
//     into a validated TenantIdentity. There is no default tenant.
//   - ScopedConnectionManager binds pooled connections to a tenant schema
//     for the duration of one scope and unconditionally resets them before
//     pool reuse. A connection whose reset fails is destroyed.
//   - StatementRegistry vets statements at startup, rejecting shared-table
//     references that lack an explicit schema qualifier.
//   - Facade executes registered statements on tenant-bound leases and
//     classifies driver errors as retryable or permanent.
package tenancy
