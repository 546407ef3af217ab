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
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"medigrid/platform/connectors/base"
	"medigrid/platform/connectors/config"
	"medigrid/platform/connectors/mysql"
	"medigrid/platform/connectors/postgres"
)

var (
	globalRouter *mux.Router
	globalCORS   *cors.Cors
	appReady     atomic.Bool
)

// Run starts the tenancy gateway. The health endpoint comes up immediately
// so load balancer checks pass during initialization; data routes are added
// once the store, registry and statement registry are ready.
func Run() {
	port := getEnv("PORT", "8084")
	initServerImmediately(port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storeCfg, registryCfg, serverCfg := loadConfig(ctx)

	store := openStore(ctx, storeCfg)
	defer store.Close()

	var feed *InvalidationFeed
	if registryCfg.RedisURL != "" {
		var err error
		feed, err = NewInvalidationFeed(ctx, registryCfg.RedisURL, DefaultInvalidationChannel)
		if err != nil {
			// Fail open: each instance still bounds staleness with its own
			// cache TTL.
			log.Printf("Invalidation feed unavailable, continuing without fan-out: %v", err)
			feed = nil
		} else {
			defer feed.Close()
		}
	}

	cacheTTL, err := time.ParseDuration(registryCfg.CacheTTL)
	if err != nil {
		cacheTTL = 30 * time.Second
	}

	registry := NewSchemaRegistry(SchemaRegistryOptions{
		Store:    store,
		CacheTTL: cacheTTL,
		Feed:     feed,
	})
	if feed != nil {
		feed.Subscribe(ctx, registry.evictLocal)
	}

	requiredVersion, _ := strconv.Atoi(getEnv("REQUIRED_SCHEMA_VERSION", "0"))
	resolver := NewResolver(ResolverOptions{
		Registry:        registry,
		JWTSecret:       []byte(serverCfg.JWTSecret),
		RequiredVersion: requiredVersion,
		BaseDomain:      os.Getenv("TENANT_BASE_DOMAIN"),
	})

	statements := NewStatementRegistry(store.SharedSchema())
	if err := RegisterCoreStatements(statements, store.Dialect(), store.SharedSchema()); err != nil {
		// A statement that references shared data ambiguously must never
		// reach a tenant connection. Refuse to start.
		log.Fatalf("Statement registration failed: %v", err)
	}
	statements.Freeze()
	log.Printf("Statement registry frozen with %d statements", len(statements.Names()))

	scopes := NewScopedConnectionManager(ScopedConnectionManagerOptions{
		Store:          store,
		Registry:       registry,
		AcquireTimeout: storeCfg.AcquireTimeout,
	})

	facade := NewFacade(FacadeOptions{
		Statements:   statements,
		QueryTimeout: storeCfg.QueryTimeout,
	})

	gateway := NewGateway(store, registry, resolver, scopes, facade, statements)
	gateway.RegisterRoutes(globalRouter)

	appReady.Store(true)
	log.Printf("MediGrid gateway ready on port %s (driver=%s shared=%s parking=%s)",
		port, storeCfg.Driver, store.SharedSchema(), store.ParkingSchema())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %s, shutting down", sig)
}

// loadConfig reads configuration from CONFIG_FILE when set, otherwise from
// environment variables.
func loadConfig(ctx context.Context) (*base.StoreConfig, config.RegistryConfig, config.ServerConfig) {
	registryCfg := config.RegistryConfig{
		CacheTTL: getEnv("REGISTRY_CACHE_TTL", "30s"),
		RedisURL: os.Getenv("REDIS_URL"),
	}
	serverCfg := config.ServerConfig{
		JWTSecret: os.Getenv("JWT_SECRET"),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		loader, err := config.NewYAMLConfigFileLoader(path)
		if err != nil {
			log.Fatalf("Failed to load config file: %v", err)
		}
		if err := config.ValidateConfigFile(loader.Config()); err != nil {
			log.Fatalf("Invalid config file: %v", err)
		}

		storeCfg, err := loader.StoreConfig()
		if err != nil {
			log.Fatalf("Invalid store config: %v", err)
		}

		fileCfg := loader.Config()
		if fileCfg.Registry.CacheTTL != "" {
			registryCfg.CacheTTL = fileCfg.Registry.CacheTTL
		}
		if fileCfg.Registry.RedisURL != "" {
			registryCfg.RedisURL = fileCfg.Registry.RedisURL
		}
		if fileCfg.Server.JWTSecret != "" {
			serverCfg.JWTSecret = fileCfg.Server.JWTSecret
		}

		resolveCredentials(ctx, storeCfg, fileCfg.Store.SecretARN)
		return storeCfg, registryCfg, serverCfg
	}

	storeCfg := &base.StoreConfig{
		Name:          getEnv("STORE_NAME", "primary"),
		Driver:        getEnv("DB_DRIVER", "postgres"),
		ConnectionURL: os.Getenv("DATABASE_URL"),
		SharedSchema:  getEnv("SHARED_SCHEMA", base.DefaultSharedSchema),
		ParkingSchema: getEnv("PARKING_SCHEMA", base.DefaultParkingSchema),
	}
	if v, err := strconv.Atoi(getEnv("DB_MAX_OPEN_CONNS", "0")); err == nil {
		storeCfg.MaxOpenConns = v
	}
	if v, err := strconv.Atoi(getEnv("DB_MAX_IDLE_CONNS", "0")); err == nil {
		storeCfg.MaxIdleConns = v
	}
	storeCfg.ApplyDefaults()

	resolveCredentials(ctx, storeCfg, os.Getenv("DB_SECRET_ARN"))
	return storeCfg, registryCfg, serverCfg
}

// resolveCredentials fills in the connection URL from a secret reference
// when no literal URL is configured. Hosted deployments use AWS Secrets
// Manager; a non-ARN reference falls back to environment variables.
func resolveCredentials(ctx context.Context, storeCfg *base.StoreConfig, secretRef string) {
	if storeCfg.ConnectionURL != "" || secretRef == "" {
		return
	}

	var secrets config.SecretsManager
	if len(secretRef) > 4 && secretRef[:4] == "arn:" {
		sm, err := config.NewAWSSecretsManager(ctx, config.AWSSecretsManagerOptions{
			Region: os.Getenv("AWS_REGION"),
		})
		if err != nil {
			log.Fatalf("Failed to initialize AWS Secrets Manager: %v", err)
		}
		secrets = sm
	} else {
		secrets = config.NewEnvSecretsManager(nil)
	}

	creds, err := secrets.GetSecret(ctx, secretRef)
	if err != nil {
		log.Fatalf("Failed to resolve database credentials: %v", err)
	}

	url, err := config.ConnectionURLFromSecret(storeCfg.Driver, creds)
	if err != nil {
		log.Fatalf("Failed to build connection URL: %v", err)
	}
	storeCfg.ConnectionURL = url
}

// openStore connects to the configured relational store.
func openStore(ctx context.Context, storeCfg *base.StoreConfig) base.Store {
	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var store base.Store
	var err error
	switch storeCfg.Driver {
	case "postgres":
		store, err = postgres.Open(openCtx, storeCfg)
	case "mysql":
		store, err = mysql.Open(openCtx, storeCfg)
	default:
		log.Fatalf("Unsupported driver %q", storeCfg.Driver)
	}
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	return store
}

// initServerImmediately starts the HTTP server with only the health
// endpoint registered, so load balancer health checks pass while the store
// and registry initialize.
func initServerImmediately(port string) {
	globalRouter = mux.NewRouter()

	globalCORS = cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	globalRouter.HandleFunc("/health", readinessAwareHealthHandler).Methods("GET")

	go func() {
		handler := globalCORS.Handler(globalRouter)
		log.Printf("MediGrid gateway starting on port %s (status: starting)", port)
		if err := http.ListenAndServe(":"+port, handler); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Small delay to ensure the listener is accepting connections before
	// initialization proceeds.
	time.Sleep(50 * time.Millisecond)
}

func readinessAwareHealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := "starting"
	if appReady.Load() {
		status = "healthy"
	}
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"service":   "medigrid-gateway",
		"timestamp": time.Now().UTC(),
		"version":   "1.0.0",
	}); err != nil {
		log.Printf("Error encoding health response: %v", err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
