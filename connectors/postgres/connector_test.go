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
	"testing"
)

func TestDialect_BindSchema(t *testing.T) {
	d := Dialect{}

	got := d.BindSchema("acme_main", "shared")
	want := `SET search_path TO "acme_main", "shared"`
	if got != want {
		t.Errorf("BindSchema = %q, want %q", got, want)
	}
}

func TestDialect_ResetSchema(t *testing.T) {
	d := Dialect{}

	got := d.ResetSchema("tenant_none")
	want := `SET search_path TO "tenant_none"`
	if got != want {
		t.Errorf("ResetSchema = %q, want %q", got, want)
	}
}

func TestDialect_QualifyShared(t *testing.T) {
	d := Dialect{}

	if got := d.QualifyShared("shared", "medication_catalog"); got != "shared.medication_catalog" {
		t.Errorf("QualifyShared = %q", got)
	}
}

func TestDialect_Placeholder(t *testing.T) {
	d := Dialect{}

	tests := []struct {
		n    int
		want string
	}{
		{1, "$1"},
		{2, "$2"},
		{10, "$10"},
	}

	for _, tt := range tests {
		if got := d.Placeholder(tt.n); got != tt.want {
			t.Errorf("Placeholder(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}
