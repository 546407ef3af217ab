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
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"medigrid/platform/connectors/base"
	"medigrid/platform/shared/logger"
)

// Gateway wires the tenancy components behind the HTTP surface. Every data
// endpoint resolves the tenant once, up front, and threads the identity
// explicitly into the scope; there is no ambient current tenant.
type Gateway struct {
	store      base.Store
	registry   *SchemaRegistry
	resolver   *Resolver
	scopes     *ScopedConnectionManager
	facade     *Facade
	statements *StatementRegistry
	logger     *logger.Logger
}

// NewGateway assembles the gateway from its components.
func NewGateway(store base.Store, registry *SchemaRegistry, resolver *Resolver, scopes *ScopedConnectionManager, facade *Facade, statements *StatementRegistry) *Gateway {
	return &Gateway{
		store:      store,
		registry:   registry,
		resolver:   resolver,
		scopes:     scopes,
		facade:     facade,
		statements: statements,
		logger:     logger.New("gateway"),
	}
}

// RegisterRoutes attaches the gateway's endpoints to the router.
func (g *Gateway) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/query", g.instrument("query", g.queryHandler)).Methods("POST")
	router.HandleFunc("/api/v1/exec", g.instrument("exec", g.execHandler)).Methods("POST")

	router.HandleFunc("/admin/tenants/{tenant}", g.instrument("tenant_get", g.tenantGetHandler)).Methods("GET")
	router.HandleFunc("/admin/tenants/{tenant}/provisioned", g.instrument("tenant_provisioned", g.tenantProvisionedHandler)).Methods("POST")
	router.HandleFunc("/admin/tenants/{tenant}/invalidate", g.instrument("tenant_invalidate", g.tenantInvalidateHandler)).Methods("POST")

	router.HandleFunc("/metrics", g.instrument("metrics", g.metricsHandler)).Methods("GET")
	router.Handle("/prometheus", promhttp.Handler()).Methods("GET")
}

// instrument wraps a handler with request metrics.
func (g *Gateway) instrument(endpoint string, handler func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		promRequestsTotal.WithLabelValues(endpoint, http.StatusText(recorder.status)).Inc()
		promRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// QueryRequest is the body of the /api/v1/query and /api/v1/exec endpoints.
type QueryRequest struct {
	Statement string        `json:"statement"`
	Args      []interface{} `json:"args,omitempty"`
}

// queryHandler resolves the tenant and runs a registered read statement
// inside a tenant scope.
func (g *Gateway) queryHandler(w http.ResponseWriter, r *http.Request) {
	tenant, err := g.resolver.ResolveRequest(r.Context(), r)
	if err != nil {
		g.writeError(w, r, "", err)
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeErrorStatus(w, r, string(tenant), http.StatusBadRequest, "invalid_body", err)
		return
	}

	var result *ResultSet
	err = g.scopes.WithTenantScope(r.Context(), tenant, func(lease *Lease) error {
		var qerr error
		result, qerr = g.facade.Query(r.Context(), lease, req.Statement, req.Args...)
		return qerr
	})
	if err != nil {
		g.writeError(w, r, string(tenant), err)
		return
	}

	g.logger.InfoWithDuration(string(tenant), "", "Query executed", float64(result.Duration.Milliseconds()), map[string]interface{}{
		"statement": req.Statement,
		"rows":      result.RowCount,
	})
	writeJSON(w, http.StatusOK, result)
}

// execHandler resolves the tenant and runs a registered write statement
// inside a transactional tenant scope, so multi-statement follow-ups either
// land entirely in the tenant schema or not at all.
func (g *Gateway) execHandler(w http.ResponseWriter, r *http.Request) {
	tenant, err := g.resolver.ResolveRequest(r.Context(), r)
	if err != nil {
		g.writeError(w, r, "", err)
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeErrorStatus(w, r, string(tenant), http.StatusBadRequest, "invalid_body", err)
		return
	}

	var affected int64
	err = g.scopes.WithTenantScopeTx(r.Context(), tenant, func(lease *Lease) error {
		var xerr error
		affected, xerr = g.facade.Exec(r.Context(), lease, req.Statement, req.Args...)
		return xerr
	})
	if err != nil {
		g.writeError(w, r, string(tenant), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"statement":     req.Statement,
		"rows_affected": affected,
	})
}

// tenantGetHandler returns the registry record for a tenant, verified
// against the live catalog.
func (g *Gateway) tenantGetHandler(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]

	record, err := g.registry.Verify(r.Context(), tenantID)
	if err != nil {
		g.writeError(w, r, tenantID, err)
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// ProvisionedRequest is the body of the provisioning webhook posted by the
// migration pipeline when a tenant schema is ready.
type ProvisionedRequest struct {
	SchemaName    string `json:"schema_name"`
	SchemaVersion int    `json:"schema_version"`
}

func (g *Gateway) tenantProvisionedHandler(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]

	var req ProvisionedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeErrorStatus(w, r, tenantID, http.StatusBadRequest, "invalid_body", err)
		return
	}

	record, err := g.registry.OnProvisioned(r.Context(), tenantID, req.SchemaName, req.SchemaVersion)
	if err != nil {
		g.writeError(w, r, tenantID, err)
		return
	}

	g.logger.Info(tenantID, "", "Tenant provisioning recorded", map[string]interface{}{
		"schema_name":    record.SchemaName,
		"state":          record.State,
		"schema_version": record.SchemaVersion,
	})
	writeJSON(w, http.StatusOK, record)
}

func (g *Gateway) tenantInvalidateHandler(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]

	g.registry.Invalidate(r.Context(), tenantID)
	writeJSON(w, http.StatusOK, map[string]string{
		"tenant_id": tenantID,
		"status":    "invalidated",
	})
}

// metricsHandler returns gateway runtime stats as JSON. Prometheus scraping
// uses /prometheus instead.
func (g *Gateway) metricsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health, _ := g.store.HealthCheck(ctx)
	stats := g.store.DB().Stats()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"registry": g.registry.Stats(),
		"statements": map[string]interface{}{
			"registered": len(g.statements.Names()),
			"frozen":     g.statements.Frozen(),
		},
		"pool": map[string]interface{}{
			"open":       stats.OpenConnections,
			"in_use":     stats.InUse,
			"idle":       stats.Idle,
			"wait_count": stats.WaitCount,
		},
		"store_health": health,
		"timestamp":    time.Now().UTC(),
	})
}

// writeError maps resolution and scoping errors onto HTTP statuses. Pool
// exhaustion and reset failures are transient server conditions; callers
// get a 503 with Retry-After and may retry with backoff.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, tenantID string, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	var se *StorageError
	switch {
	case errors.Is(err, ErrTenantNotSpecified):
		status, code = http.StatusBadRequest, "tenant_not_specified"
	case errors.Is(err, ErrTenantUnknown):
		status, code = http.StatusNotFound, "tenant_unknown"
	case errors.Is(err, ErrTenantNotProvisioned):
		status, code = http.StatusConflict, "tenant_not_provisioned"
	case errors.Is(err, ErrSchemaVersionMismatch):
		status, code = http.StatusConflict, "schema_version_mismatch"
	case errors.Is(err, ErrPoolExhausted):
		status, code = http.StatusServiceUnavailable, "pool_exhausted"
		w.Header().Set("Retry-After", "1")
	case errors.Is(err, ErrScopeReset):
		status, code = http.StatusServiceUnavailable, "scope_reset_failed"
		w.Header().Set("Retry-After", "1")
	case errors.Is(err, ErrUnknownStatement):
		status, code = http.StatusNotFound, "unknown_statement"
	case errors.As(err, &se):
		if se.Retryable {
			status, code = http.StatusServiceUnavailable, "storage_transient"
			w.Header().Set("Retry-After", "1")
		} else {
			status, code = http.StatusBadRequest, "storage_rejected"
		}
	}

	g.writeErrorStatus(w, r, tenantID, status, code, err)
}

func (g *Gateway) writeErrorStatus(w http.ResponseWriter, r *http.Request, tenantID string, status int, code string, err error) {
	g.logger.ErrorWithCode(tenantID, "", "Request failed", status, err, map[string]interface{}{
		"path": r.URL.Path,
		"code": code,
	})

	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  code,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
