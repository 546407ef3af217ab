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

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"medigrid/platform/connectors/base"
)

// ConfigFile represents the root structure of a gateway configuration file.
type ConfigFile struct {
	Version  string          `yaml:"version"`
	Store    StoreFileConfig `yaml:"store"`
	Registry RegistryConfig  `yaml:"registry,omitempty"`
	Server   ServerConfig    `yaml:"server,omitempty"`
}

// StoreFileConfig represents the relational store section of the config file.
type StoreFileConfig struct {
	Name            string `yaml:"name,omitempty"`
	Driver          string `yaml:"driver"`
	ConnectionURL   string `yaml:"connection_url,omitempty"`
	SecretARN       string `yaml:"credentials_secret_arn,omitempty"`
	SharedSchema    string `yaml:"shared_schema,omitempty"`
	ParkingSchema   string `yaml:"parking_schema,omitempty"`
	MaxOpenConns    int    `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int    `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime,omitempty"`
	AcquireTimeout  string `yaml:"acquire_timeout,omitempty"`
	QueryTimeout    string `yaml:"query_timeout,omitempty"`
}

// RegistryConfig represents the schema registry section of the config file.
type RegistryConfig struct {
	CacheTTL string `yaml:"cache_ttl,omitempty"`
	RedisURL string `yaml:"redis_url,omitempty"`
}

// ServerConfig represents the HTTP server section of the config file.
type ServerConfig struct {
	Port      string `yaml:"port,omitempty"`
	JWTSecret string `yaml:"jwt_secret,omitempty"`
}

// YAMLConfigFileLoader loads gateway configuration from a YAML file.
type YAMLConfigFileLoader struct {
	filePath string
	config   *ConfigFile
}

// NewYAMLConfigFileLoader creates a new YAML config file loader.
func NewYAMLConfigFileLoader(filePath string) (*YAMLConfigFileLoader, error) {
	loader := &YAMLConfigFileLoader{
		filePath: filePath,
	}

	if err := loader.reload(); err != nil {
		return nil, err
	}

	return loader, nil
}

// reload reads and parses the configuration file.
func (l *YAMLConfigFileLoader) reload() error {
	data, err := os.ReadFile(l.filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", l.filePath, err)
	}

	// Expand environment variables in the content
	expanded := expandEnvVars(string(data))

	var config ConfigFile
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	l.config = &config
	return nil
}

// Config returns the parsed configuration.
func (l *YAMLConfigFileLoader) Config() *ConfigFile {
	return l.config
}

// Reload reloads the configuration file.
func (l *YAMLConfigFileLoader) Reload() error {
	return l.reload()
}

// StoreConfig converts the store section into a base.StoreConfig, parsing
// durations and applying defaults.
func (l *YAMLConfigFileLoader) StoreConfig() (*base.StoreConfig, error) {
	if l.config == nil {
		return nil, fmt.Errorf("config not loaded")
	}

	sc := l.config.Store
	name := sc.Name
	if name == "" {
		name = "primary"
	}

	cfg := &base.StoreConfig{
		Name:          name,
		Driver:        sc.Driver,
		ConnectionURL: sc.ConnectionURL,
		SharedSchema:  sc.SharedSchema,
		ParkingSchema: sc.ParkingSchema,
		MaxOpenConns:  sc.MaxOpenConns,
		MaxIdleConns:  sc.MaxIdleConns,
	}

	var err error
	if cfg.ConnMaxLifetime, err = parseOptionalDuration(sc.ConnMaxLifetime, "conn_max_lifetime"); err != nil {
		return nil, err
	}
	if cfg.AcquireTimeout, err = parseOptionalDuration(sc.AcquireTimeout, "acquire_timeout"); err != nil {
		return nil, err
	}
	if cfg.QueryTimeout, err = parseOptionalDuration(sc.QueryTimeout, "query_timeout"); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

func parseOptionalDuration(val, field string) (time.Duration, error) {
	if val == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, val, err)
	}
	return d, nil
}

// envVarRegex matches ${VAR_NAME} or $VAR_NAME patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars expands environment variable references in the string
// Supports both ${VAR_NAME} and $VAR_NAME syntax
// Returns empty string for undefined variables
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		// Handle default values: ${VAR_NAME:-default}
		defaultVal := ""
		if idx := strings.Index(varName, ":-"); idx != -1 {
			defaultVal = varName[idx+2:]
			varName = varName[:idx]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}

		if defaultVal != "" {
			return defaultVal
		}

		return ""
	})
}

// ValidateConfigFile validates the structure of a config file.
func ValidateConfigFile(config *ConfigFile) error {
	if config.Version == "" {
		return fmt.Errorf("config file must specify a version")
	}

	validDrivers := map[string]bool{
		"postgres": true,
		"mysql":    true,
	}
	if !validDrivers[config.Store.Driver] {
		return fmt.Errorf("store has invalid driver %q", config.Store.Driver)
	}

	if config.Store.ConnectionURL == "" && config.Store.SecretARN == "" {
		return fmt.Errorf("store must specify connection_url or credentials_secret_arn")
	}

	if s := config.Store.SharedSchema; s != "" && !base.ValidIdent(s) {
		return fmt.Errorf("invalid shared_schema %q", s)
	}
	if s := config.Store.ParkingSchema; s != "" && !base.ValidIdent(s) {
		return fmt.Errorf("invalid parking_schema %q", s)
	}

	return nil
}

// GenerateExampleConfigFile generates an example configuration file.
func GenerateExampleConfigFile() string {
	return `# MediGrid Gateway Configuration
# Environment variables can be referenced using ${VAR_NAME} or ${VAR_NAME:-default} syntax

version: "1.0"

store:
  name: primary
  driver: postgres
  connection_url: ${DATABASE_URL}
  # Or load credentials from AWS Secrets Manager (hosted deployments):
  # credentials_secret_arn: ${DB_SECRET_ARN}
  shared_schema: shared
  parking_schema: tenant_none
  max_open_conns: 25
  max_idle_conns: 5
  conn_max_lifetime: "5m"
  acquire_timeout: "3s"
  query_timeout: "30s"

registry:
  cache_ttl: "30s"
  # Optional: fan out registry invalidations across gateway instances
  redis_url: ${REDIS_URL}

server:
  port: ${PORT:-8084}
  jwt_secret: ${JWT_SECRET}
`
}
