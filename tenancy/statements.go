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
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"medigrid/platform/connectors/base"
)

// TableRef declares a table a statement touches and whether it lives in the
// shared schema or the tenant schema.
type TableRef struct {
	Name   string
	Shared bool
}

// Statement is a named, vetted SQL statement. Statements resolve
// tenant-local tables through the bound schema and must qualify every
// shared table explicitly, which registration enforces.
type Statement struct {
	Name   string
	SQL    string
	Tables []TableRef
}

// DefaultSharedTables are the master-data tables every deployment carries
// in the shared schema. Statements referencing these unqualified are
// rejected even when the author forgot to declare them shared.
var DefaultSharedTables = []string{
	"medication_catalog",
	"procedure_codes",
	"subscription_tiers",
	TenantSchemasTable,
}

// StatementRegistry holds every statement the facade may execute. All
// registration happens at startup; Freeze closes the registry before the
// server takes traffic, so a statement that references shared data
// ambiguously can never reach a tenant connection.
type StatementRegistry struct {
	mu           sync.RWMutex
	statements   map[string]*Statement
	sharedSchema string
	knownShared  map[string]bool
	frozen       bool
}

// NewStatementRegistry creates a registry for the given shared schema. The
// known shared tables extend DefaultSharedTables for the lint.
func NewStatementRegistry(sharedSchema string, knownSharedTables ...string) *StatementRegistry {
	known := make(map[string]bool)
	for _, t := range DefaultSharedTables {
		known[strings.ToLower(t)] = true
	}
	for _, t := range knownSharedTables {
		known[strings.ToLower(t)] = true
	}

	return &StatementRegistry{
		statements:   make(map[string]*Statement),
		sharedSchema: sharedSchema,
		knownShared:  known,
	}
}

// Register adds a statement after vetting its shared-table references.
// Returns ErrUnqualifiedSharedRef when a shared table appears without the
// shared-schema qualifier, and ErrRegistryFrozen after Freeze.
func (r *StatementRegistry) Register(name, sqlText string, tables ...TableRef) error {
	if name == "" {
		return fmt.Errorf("statement name must not be empty")
	}
	if strings.TrimSpace(sqlText) == "" {
		return fmt.Errorf("statement %s has empty SQL", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("%w: cannot register %s", ErrRegistryFrozen, name)
	}
	if _, exists := r.statements[name]; exists {
		return fmt.Errorf("statement %s already registered", name)
	}

	sharedTables := make(map[string]bool)
	for _, ref := range tables {
		if !base.ValidIdent(ref.Name) {
			return fmt.Errorf("statement %s declares invalid table name %q", name, ref.Name)
		}
		lower := strings.ToLower(ref.Name)
		if ref.Shared {
			sharedTables[lower] = true
		} else if r.knownShared[lower] {
			return fmt.Errorf("statement %s declares %s as tenant-local, but it is a shared master-data table", name, ref.Name)
		}
	}
	for t := range r.knownShared {
		sharedTables[t] = true
	}

	for table := range sharedTables {
		if err := r.checkSharedRefs(name, sqlText, table); err != nil {
			return err
		}
	}

	r.statements[name] = &Statement{
		Name:   name,
		SQL:    sqlText,
		Tables: tables,
	}
	return nil
}

// checkSharedRefs verifies every occurrence of a shared table in the SQL
// carries the shared-schema qualifier.
func (r *StatementRegistry) checkSharedRefs(name, sqlText, table string) error {
	pattern := regexp.MustCompile(`(?i)(?:\b([A-Za-z_][A-Za-z0-9_]*)\.)?\b` + regexp.QuoteMeta(table) + `\b`)

	for _, match := range pattern.FindAllStringSubmatch(sqlText, -1) {
		qualifier := match[1]
		if qualifier == "" {
			return fmt.Errorf("%w: statement %s references %s without the %s qualifier",
				ErrUnqualifiedSharedRef, name, table, r.sharedSchema)
		}
		if !strings.EqualFold(qualifier, r.sharedSchema) {
			return fmt.Errorf("%w: statement %s qualifies %s with %q instead of %q",
				ErrUnqualifiedSharedRef, name, table, qualifier, r.sharedSchema)
		}
	}
	return nil
}

// Freeze closes the registry. Called once, after startup registration and
// before the server accepts traffic.
func (r *StatementRegistry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether the registry has been frozen.
func (r *StatementRegistry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Get returns a registered statement by name.
func (r *StatementRegistry) Get(name string) (*Statement, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stmt, ok := r.statements[name]
	return stmt, ok
}

// Names returns the registered statement names, sorted.
func (r *StatementRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.statements))
	for name := range r.statements {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterCoreStatements registers the built-in statements the gateway
// ships with. Shared master data is always addressed through the explicit
// qualifier; tenant-local rows reference shared rows by plain ID and join
// explicitly when names are needed.
func RegisterCoreStatements(r *StatementRegistry, d base.Dialect, sharedSchema string) error {
	catalog := d.QualifyShared(sharedSchema, "medication_catalog")
	procedures := d.QualifyShared(sharedSchema, "procedure_codes")

	core := []struct {
		name   string
		sql    string
		tables []TableRef
	}{
		{
			"shared.medication_by_id",
			fmt.Sprintf("SELECT id, name, atc_code FROM %s WHERE id = %s", catalog, d.Placeholder(1)),
			[]TableRef{{Name: "medication_catalog", Shared: true}},
		},
		{
			"shared.medications_list",
			fmt.Sprintf("SELECT id, name, atc_code FROM %s ORDER BY name", catalog),
			[]TableRef{{Name: "medication_catalog", Shared: true}},
		},
		{
			"shared.procedure_by_code",
			fmt.Sprintf("SELECT code, description FROM %s WHERE code = %s", procedures, d.Placeholder(1)),
			[]TableRef{{Name: "procedure_codes", Shared: true}},
		},
		{
			"patients.by_id",
			fmt.Sprintf("SELECT id, given_name, family_name, born_on FROM patients WHERE id = %s", d.Placeholder(1)),
			[]TableRef{{Name: "patients"}},
		},
		{
			"patients.insert",
			fmt.Sprintf("INSERT INTO patients (id, given_name, family_name, born_on) VALUES (%s, %s, %s, %s)",
				d.Placeholder(1), d.Placeholder(2), d.Placeholder(3), d.Placeholder(4)),
			[]TableRef{{Name: "patients"}},
		},
		{
			"prescriptions.insert",
			fmt.Sprintf("INSERT INTO prescriptions (id, patient_id, medication_id, dosage) VALUES (%s, %s, %s, %s)",
				d.Placeholder(1), d.Placeholder(2), d.Placeholder(3), d.Placeholder(4)),
			[]TableRef{{Name: "prescriptions"}},
		},
		{
			"prescriptions.for_patient",
			fmt.Sprintf("SELECT p.id, p.dosage, m.name FROM prescriptions p JOIN %s m ON m.id = p.medication_id WHERE p.patient_id = %s",
				catalog, d.Placeholder(1)),
			[]TableRef{{Name: "prescriptions"}, {Name: "medication_catalog", Shared: true}},
		},
	}

	for _, stmt := range core {
		if err := r.Register(stmt.name, stmt.sql, stmt.tables...); err != nil {
			return err
		}
	}
	return nil
}
