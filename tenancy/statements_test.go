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
	"errors"
	"testing"

	"medigrid/platform/connectors/postgres"
)

// TestStatementRegistry_SharedQualifierLint verifies registration rejects
// shared-table references that lack the explicit qualifier, before any
// tenant could run them.
func TestStatementRegistry_SharedQualifierLint(t *testing.T) {
	tests := []struct {
		name    string
		sql     string
		tables  []TableRef
		wantErr error
	}{
		{
			name:   "qualified shared reference",
			sql:    "SELECT id, name FROM shared.medication_catalog WHERE id = $1",
			tables: []TableRef{{Name: "medication_catalog", Shared: true}},
		},
		{
			name:    "unqualified shared reference",
			sql:     "SELECT id, name FROM medication_catalog WHERE id = $1",
			tables:  []TableRef{{Name: "medication_catalog", Shared: true}},
			wantErr: ErrUnqualifiedSharedRef,
		},
		{
			name:    "unqualified known shared table without declaration",
			sql:     "SELECT id FROM medication_catalog",
			tables:  []TableRef{},
			wantErr: ErrUnqualifiedSharedRef,
		},
		{
			name:    "shared table qualified with wrong schema",
			sql:     "SELECT id FROM public.medication_catalog",
			tables:  []TableRef{{Name: "medication_catalog", Shared: true}},
			wantErr: ErrUnqualifiedSharedRef,
		},
		{
			name:   "tenant table needs no qualifier",
			sql:    "SELECT id FROM patients WHERE id = $1",
			tables: []TableRef{{Name: "patients"}},
		},
		{
			name: "join with qualified shared side",
			sql:  "SELECT p.id, m.name FROM prescriptions p JOIN shared.medication_catalog m ON m.id = p.medication_id",
			tables: []TableRef{
				{Name: "prescriptions"},
				{Name: "medication_catalog", Shared: true},
			},
		},
		{
			name: "join with unqualified shared side",
			sql:  "SELECT p.id, m.name FROM prescriptions p JOIN medication_catalog m ON m.id = p.medication_id",
			tables: []TableRef{
				{Name: "prescriptions"},
				{Name: "medication_catalog", Shared: true},
			},
			wantErr: ErrUnqualifiedSharedRef,
		},
		{
			name:   "declared shared table unused in other statements",
			sql:    "SELECT code FROM shared.procedure_codes ORDER BY code",
			tables: []TableRef{{Name: "procedure_codes", Shared: true}},
		},
		{
			name:    "mixed qualified and unqualified occurrences",
			sql:     "INSERT INTO shared.medication_catalog SELECT * FROM medication_catalog",
			tables:  []TableRef{{Name: "medication_catalog", Shared: true}},
			wantErr: ErrUnqualifiedSharedRef,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewStatementRegistry("shared")
			err := registry.Register("test.stmt", tt.sql, tt.tables...)

			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

// TestStatementRegistry_RejectsMisdeclaredSharedTable verifies a statement
// cannot smuggle a master-data table in as tenant-local.
func TestStatementRegistry_RejectsMisdeclaredSharedTable(t *testing.T) {
	registry := NewStatementRegistry("shared")

	err := registry.Register("bad.decl",
		"SELECT id FROM shared.medication_catalog",
		TableRef{Name: "medication_catalog", Shared: false})
	if err == nil {
		t.Errorf("expected rejection of shared table declared tenant-local")
	}
}

// TestStatementRegistry_Freeze verifies no registration is possible after
// the registry is frozen.
func TestStatementRegistry_Freeze(t *testing.T) {
	registry := NewStatementRegistry("shared")

	if err := registry.Register("patients.count", "SELECT COUNT(*) FROM patients", TableRef{Name: "patients"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	registry.Freeze()
	if !registry.Frozen() {
		t.Errorf("registry should report frozen")
	}

	err := registry.Register("patients.late", "SELECT id FROM patients", TableRef{Name: "patients"})
	if !errors.Is(err, ErrRegistryFrozen) {
		t.Errorf("expected ErrRegistryFrozen, got %v", err)
	}

	if _, ok := registry.Get("patients.count"); !ok {
		t.Errorf("statement registered before freeze must remain readable")
	}
}

// TestStatementRegistry_DuplicateName verifies names are unique.
func TestStatementRegistry_DuplicateName(t *testing.T) {
	registry := NewStatementRegistry("shared")

	if err := registry.Register("patients.by_id", "SELECT id FROM patients WHERE id = $1", TableRef{Name: "patients"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := registry.Register("patients.by_id", "SELECT id FROM patients WHERE id = $1", TableRef{Name: "patients"}); err == nil {
		t.Errorf("expected duplicate registration to fail")
	}
}

// TestRegisterCoreStatements verifies the built-in statements pass their
// own lint on both dialects' SQL shapes.
func TestRegisterCoreStatements(t *testing.T) {
	registry := NewStatementRegistry("shared")

	if err := RegisterCoreStatements(registry, postgres.Dialect{}, "shared"); err != nil {
		t.Fatalf("core statements failed their own lint: %v", err)
	}

	names := registry.Names()
	if len(names) == 0 {
		t.Fatalf("expected core statements to be registered")
	}

	for _, name := range []string{"shared.medication_by_id", "patients.by_id", "prescriptions.for_patient"} {
		if _, ok := registry.Get(name); !ok {
			t.Errorf("expected core statement %s", name)
		}
	}
}
