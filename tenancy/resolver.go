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
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// TenantIdentity is a resolved, validated tenant. Only the resolver mints
// these; everything downstream takes a TenantIdentity instead of a raw
// string so an unresolved token cannot reach the connection layer.
type TenantIdentity string

// TenantHeader carries the tenant token when no identity claim is present.
const TenantHeader = "X-Tenant-ID"

// tenantLookup is the slice of the schema registry the resolver needs.
type tenantLookup interface {
	Lookup(ctx context.Context, tenantID string) (*SchemaRecord, error)
}

// Resolver turns request credentials into a TenantIdentity. Sources are
// checked in a fixed order: the tenant_id claim of a verified JWT wins over
// the X-Tenant-ID header, which wins over the request subdomain. The claim
// takes precedence so a caller cannot assert an arbitrary tenant by header
// alone.
type Resolver struct {
	registry        tenantLookup
	jwtSecret       []byte
	requiredVersion int
	baseDomain      string
	logger          *log.Logger
}

// ResolverOptions holds options for creating a Resolver.
type ResolverOptions struct {
	Registry  tenantLookup
	JWTSecret []byte
	// RequiredVersion is the minimum schema version this build can serve.
	// Zero disables the check.
	RequiredVersion int
	// BaseDomain enables subdomain resolution: a request to
	// acme.<BaseDomain> resolves to tenant token "acme". Empty disables it.
	BaseDomain string
	Logger     *log.Logger
}

// NewResolver creates a tenant resolver.
func NewResolver(opts ResolverOptions) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[TENANT_RESOLVER] ", log.LstdFlags)
	}
	return &Resolver{
		registry:        opts.Registry,
		jwtSecret:       opts.JWTSecret,
		requiredVersion: opts.RequiredVersion,
		baseDomain:      opts.BaseDomain,
		logger:          logger,
	}
}

// Resolve validates a tenant token against the registry and returns the
// identity. An empty token, an unknown tenant, a non-provisioned schema and
// an incompatible schema version each fail with their own sentinel; there
// is no default tenant to fall back to.
func (r *Resolver) Resolve(ctx context.Context, token string) (TenantIdentity, error) {
	if token == "" {
		return "", ErrTenantNotSpecified
	}

	record, err := r.registry.Lookup(ctx, token)
	if err != nil {
		return "", err
	}

	if record.State != StateProvisioned {
		return "", fmt.Errorf("%w: tenant %s is %s", ErrTenantNotProvisioned, token, record.State)
	}

	if r.requiredVersion > 0 && record.SchemaVersion < r.requiredVersion {
		return "", fmt.Errorf("%w: tenant %s is at version %d, need %d",
			ErrSchemaVersionMismatch, token, record.SchemaVersion, r.requiredVersion)
	}

	return TenantIdentity(record.TenantID), nil
}

// ResolveRequest extracts the tenant token from an HTTP request and
// resolves it. A present-but-invalid JWT fails the request rather than
// falling through to weaker sources.
func (r *Resolver) ResolveRequest(ctx context.Context, req *http.Request) (TenantIdentity, error) {
	token, err := r.tenantFromClaims(req)
	if err != nil {
		return "", err
	}

	if headerToken := req.Header.Get(TenantHeader); headerToken != "" {
		if token == "" {
			token = headerToken
		} else if token != headerToken {
			r.logger.Printf("Tenant mismatch: claim says %s, header says %s; using claim", token, headerToken)
		}
	}

	if token == "" {
		token = r.tenantFromHost(req.Host)
	}

	return r.Resolve(ctx, token)
}

// tenantFromClaims extracts the tenant_id claim from a bearer token, when
// one is present and verifies against the shared secret.
func (r *Resolver) tenantFromClaims(req *http.Request) (string, error) {
	authHeader := req.Header.Get("Authorization")
	if authHeader == "" || len(r.jwtSecret) == 0 {
		return "", nil
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return "", nil
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: invalid identity token: %v", ErrTenantNotSpecified, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: invalid token claims", ErrTenantNotSpecified)
	}

	return getClaimString(claims, "tenant_id"), nil
}

// tenantFromHost maps acme.<baseDomain> to "acme". Returns empty when
// subdomain resolution is disabled or the host does not match.
func (r *Resolver) tenantFromHost(host string) string {
	if r.baseDomain == "" {
		return ""
	}

	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}

	suffix := "." + r.baseDomain
	if !strings.HasSuffix(host, suffix) {
		return ""
	}

	sub := strings.TrimSuffix(host, suffix)
	if sub == "" || strings.Contains(sub, ".") {
		return ""
	}
	return sub
}

func getClaimString(claims jwt.MapClaims, key string) string {
	if val, ok := claims[key].(string); ok {
		return val
	}
	return ""
}
