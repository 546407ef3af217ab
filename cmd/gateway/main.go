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

// Package main is the entry point for the MediGrid tenancy gateway.
//
// The gateway is the tenant isolation layer for schema-per-tenant storage:
// - Resolves the tenant behind every request (JWT claim, header, subdomain)
// - Hands out connection leases bound to the tenant's schema
// - Resets every connection to a tenant-neutral scope before pool reuse
// - Vets registered statements for unqualified shared-table references
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8084)
//	CONFIG_FILE - YAML config path; overrides the variables below
//	DB_DRIVER - postgres or mysql (default: postgres)
//	DATABASE_URL - relational store connection string
//	DB_SECRET_ARN - AWS Secrets Manager ARN for database credentials
//	SHARED_SCHEMA - shared master-data schema (default: shared)
//	PARKING_SCHEMA - tenant-neutral parking schema (default: tenant_none)
//	REGISTRY_CACHE_TTL - schema registry cache TTL (default: 30s)
//	REDIS_URL - optional registry invalidation fan-out
//	JWT_SECRET - secret for tenant claim validation
//	REQUIRED_SCHEMA_VERSION - minimum tenant schema version to serve
//	TENANT_BASE_DOMAIN - enables subdomain tenant resolution
package main

import (
	"medigrid/platform/tenancy"
)

func main() {
	tenancy.Run()
}
