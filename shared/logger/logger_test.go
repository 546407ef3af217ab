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

package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"testing"
)

// TestNew tests logger initialization
func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		component      string
		instanceID     string
		expectedComp   string
		expectedInstID string
	}{
		{
			name:           "with instance ID set",
			component:      "gateway",
			instanceID:     "instance-123",
			expectedComp:   "gateway",
			expectedInstID: "instance-123",
		},
		{
			name:           "without instance ID",
			component:      "gateway",
			instanceID:     "",
			expectedComp:   "gateway",
			expectedInstID: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.instanceID != "" {
				if err := os.Setenv("INSTANCE_ID", tt.instanceID); err != nil {
					t.Fatalf("Failed to set INSTANCE_ID: %v", err)
				}
				defer func() {
					if err := os.Unsetenv("INSTANCE_ID"); err != nil {
						t.Errorf("Failed to unset INSTANCE_ID: %v", err)
					}
				}()
			} else {
				if err := os.Unsetenv("INSTANCE_ID"); err != nil {
					t.Fatalf("Failed to unset INSTANCE_ID: %v", err)
				}
			}

			l := New(tt.component)

			if l.Component != tt.expectedComp {
				t.Errorf("Expected component %s, got %s", tt.expectedComp, l.Component)
			}
			if l.InstanceID != tt.expectedInstID {
				t.Errorf("Expected instance ID %s, got %s", tt.expectedInstID, l.InstanceID)
			}
			if l.Container == "" {
				t.Error("Expected container to be set from hostname")
			}
		})
	}
}

// captureOutput redirects the standard logger while fn runs.
func captureOutput(fn func()) string {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)
	log.SetFlags(0)
	defer log.SetFlags(log.LstdFlags)

	fn()
	return buf.String()
}

// TestLogLevels tests all log level methods and the tenant field
func TestLogLevels(t *testing.T) {
	tests := []struct {
		name     string
		logFunc  func(*Logger, string, string, string, map[string]interface{})
		level    LogLevel
		message  string
		tenantID string
	}{
		{
			name:     "Info log",
			logFunc:  (*Logger).Info,
			level:    INFO,
			message:  "Scope bound",
			tenantID: "acme",
		},
		{
			name:     "Error log",
			logFunc:  (*Logger).Error,
			level:    ERROR,
			message:  "Reset failed",
			tenantID: "globex",
		},
		{
			name:     "Warn log",
			logFunc:  (*Logger).Warn,
			level:    WARN,
			message:  "Cache stale",
			tenantID: "acme",
		},
		{
			name:     "Debug log",
			logFunc:  (*Logger).Debug,
			level:    DEBUG,
			message:  "Lookup hit cache",
			tenantID: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New("gateway")

			output := captureOutput(func() {
				tt.logFunc(l, tt.tenantID, "req-1", tt.message, map[string]interface{}{"key": "value"})
			})

			var entry LogEntry
			if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &entry); err != nil {
				t.Fatalf("Log output is not valid JSON: %v (output: %s)", err, output)
			}

			if entry.Level != tt.level {
				t.Errorf("Expected level %s, got %s", tt.level, entry.Level)
			}
			if entry.TenantID != tt.tenantID {
				t.Errorf("Expected tenant_id %q, got %q", tt.tenantID, entry.TenantID)
			}
			if entry.Message != tt.message {
				t.Errorf("Expected message %q, got %q", tt.message, entry.Message)
			}
			if entry.Fields["key"] != "value" {
				t.Errorf("Expected field key=value, got %v", entry.Fields)
			}
		})
	}
}

// TestInfoWithDuration verifies the duration field is attached
func TestInfoWithDuration(t *testing.T) {
	l := New("gateway")

	output := captureOutput(func() {
		l.InfoWithDuration("acme", "req-1", "Query executed", 12.5, nil)
	})

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &entry); err != nil {
		t.Fatalf("Log output is not valid JSON: %v", err)
	}

	if entry.Fields["duration_ms"] != 12.5 {
		t.Errorf("Expected duration_ms 12.5, got %v", entry.Fields["duration_ms"])
	}
}

// TestErrorWithCode verifies status code and error fields are attached
func TestErrorWithCode(t *testing.T) {
	l := New("gateway")

	output := captureOutput(func() {
		l.ErrorWithCode("acme", "req-1", "Request failed", 503, errors.New("pool exhausted"), nil)
	})

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &entry); err != nil {
		t.Fatalf("Log output is not valid JSON: %v", err)
	}

	if entry.Fields["status_code"] != float64(503) {
		t.Errorf("Expected status_code 503, got %v", entry.Fields["status_code"])
	}
	if entry.Fields["error"] != "pool exhausted" {
		t.Errorf("Expected error field, got %v", entry.Fields["error"])
	}
}
